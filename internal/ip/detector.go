// Package ip implements public-IP detection. The service asks a plain
// HTTP "what is my IP" endpoint (api.ipify.org by default) and parses
// the text body; a configured force_ip bypasses detection entirely.
package ip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"

	"cddns/internal/config"
)

// Detector resolves the host's current public address for one address
// family: A means IPv4, AAAA means IPv6.
type Detector interface {
	Detect(ctx context.Context, family config.RecordType) (netip.Addr, error)
}

// maxBodySize caps the response read; an IP address in text form is a
// few dozen bytes at most.
const maxBodySize = 256

type HTTPDetector struct {
	client  *http.Client
	ipv4URL string
	ipv6URL string
}

func NewHTTPDetector(client *http.Client, ipv4URL, ipv6URL string) *HTTPDetector {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDetector{client: client, ipv4URL: ipv4URL, ipv6URL: ipv6URL}
}

func (d *HTTPDetector) Detect(ctx context.Context, family config.RecordType) (netip.Addr, error) {
	url := d.ipv4URL
	if family == config.TypeAAAA {
		url = d.ipv6URL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("fetch public IP from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("fetch public IP from %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("read public IP response: %w", err)
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse public IP response %q: %w", strings.TrimSpace(string(body)), err)
	}
	if err := checkFamily(addr, family); err != nil {
		return netip.Addr{}, err
	}
	return addr, nil
}

// Static always answers with one fixed address (settings.force_ip).
// Records whose family does not match the forced address fail detection.
type Static struct {
	Addr netip.Addr
}

func (s Static) Detect(_ context.Context, family config.RecordType) (netip.Addr, error) {
	if err := checkFamily(s.Addr, family); err != nil {
		return netip.Addr{}, err
	}
	return s.Addr, nil
}

func checkFamily(addr netip.Addr, family config.RecordType) error {
	switch family {
	case config.TypeA:
		if !addr.Is4() && !addr.Is4In6() {
			return fmt.Errorf("detected %s is not an IPv4 address (record family A)", addr)
		}
	case config.TypeAAAA:
		if !addr.Is6() || addr.Is4In6() {
			return fmt.Errorf("detected %s is not an IPv6 address (record family AAAA)", addr)
		}
	default:
		return fmt.Errorf("unknown record family %q", family)
	}
	return nil
}

// FromSettings builds the detector the reconciler uses: Static when
// force_ip is set, otherwise HTTP detection with the configured URLs.
func FromSettings(s config.Settings, client *http.Client) (Detector, error) {
	if s.ForceIP != "" {
		addr, err := netip.ParseAddr(s.ForceIP)
		if err != nil {
			return nil, fmt.Errorf("settings.force_ip: %w", err)
		}
		return Static{Addr: addr}, nil
	}
	return NewHTTPDetector(client, s.IPv4URL, s.IPv6URL), nil
}
