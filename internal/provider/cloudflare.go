package provider

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/cloudflare/cloudflare-go"

	"cddns/internal/config"
)

// Cloudflare implements Provider against the Cloudflare v4 API.
//
// Zone IDs are immutable, so name->ID lookups are cached for the
// client's lifetime: one ListZones call per zone, not per tick.
type Cloudflare struct {
	api *cloudflare.API

	mu      sync.Mutex
	zoneIDs map[string]string
}

// cfHandle is the Value.Handle payload linking a read value back to the
// concrete Cloudflare record for the follow-up update.
type cfHandle struct {
	zoneID   string
	recordID string
}

func NewCloudflare(apiToken string, opts ...cloudflare.Option) (*Cloudflare, error) {
	api, err := cloudflare.NewWithAPIToken(apiToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create cloudflare client: %w", err)
	}
	return &Cloudflare{api: api, zoneIDs: map[string]string{}}, nil
}

func (c *Cloudflare) zoneID(zone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.zoneIDs[zone]; ok {
		return id, nil
	}
	id, err := c.api.ZoneIDByName(zone)
	if err != nil {
		return "", categorize(fmt.Errorf("look up zone %q: %w", zone, err))
	}
	c.zoneIDs[zone] = id
	return id, nil
}

func (c *Cloudflare) GetRecord(ctx context.Context, rec config.Record) (*Value, error) {
	zoneID, err := c.zoneID(rec.Zone)
	if err != nil {
		return nil, err
	}

	records, _, err := c.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{
		Name: rec.Name,
		Type: string(rec.Type),
	})
	if err != nil {
		return nil, categorize(fmt.Errorf("list records for %q: %w", rec.Name, err))
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s %s: %w", rec.Type, rec.Name, ErrNotFound)
	}

	r := records[0]
	ip, err := netip.ParseAddr(r.Content)
	if err != nil {
		return nil, fmt.Errorf("record %s has non-address content %q: %w", rec.Name, r.Content, err)
	}

	v := &Value{
		IP:     ip,
		TTL:    r.TTL,
		Handle: cfHandle{zoneID: zoneID, recordID: r.ID},
	}
	if r.Proxied != nil {
		v.Proxied = *r.Proxied
	}
	return v, nil
}

func (c *Cloudflare) SetRecord(ctx context.Context, rec config.Record, ip netip.Addr, current *Value) error {
	zoneID, err := c.zoneID(rec.Zone)
	if err != nil {
		return err
	}

	if current == nil {
		_, err := c.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.CreateDNSRecordParams{
			Type:    string(rec.Type),
			Name:    rec.Name,
			Content: ip.String(),
			TTL:     rec.TTL,
			Proxied: cloudflare.BoolPtr(rec.Proxied),
		})
		if err != nil {
			return categorize(fmt.Errorf("create record %q: %w", rec.Name, err))
		}
		return nil
	}

	h, ok := current.Handle.(cfHandle)
	if !ok {
		return fmt.Errorf("record %q: foreign value handle %T", rec.Name, current.Handle)
	}
	_, err = c.api.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(h.zoneID), cloudflare.UpdateDNSRecordParams{
		ID:      h.recordID,
		Type:    string(rec.Type),
		Name:    rec.Name,
		Content: ip.String(),
		TTL:     rec.TTL,
		Proxied: cloudflare.BoolPtr(rec.Proxied),
	})
	if err != nil {
		return categorize(fmt.Errorf("update record %q: %w", rec.Name, err))
	}
	return nil
}

// categorize wraps credential failures with ErrAuth so callers can tell
// "will fix itself next tick" from "needs a new token".
func categorize(err error) error {
	var authn cloudflare.AuthenticationError
	var authz cloudflare.AuthorizationError
	if errors.As(err, &authn) || errors.As(err, &authz) {
		return fmt.Errorf("%w: %s", ErrAuth, err)
	}
	return err
}
