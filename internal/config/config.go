// Package config holds the cddns configuration model: the Cloudflare
// credential, the managed records, detection settings, and service-mode
// options. Files may be TOML (the conventional format), YAML, or JSON;
// all three are decoded strictly.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

type Config struct {
	Cloudflare CloudflareConfig `json:"cloudflare"`
	Records    []Record         `json:"records"`
	Settings   Settings         `json:"settings,omitempty"`
	Service    ServiceConfig    `json:"service,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
	Notify     NotifyConfig     `json:"notify,omitempty"`
}

type CloudflareConfig struct {
	// APIToken needs Zone:Read and DNS:Edit permissions. It is treated
	// as an opaque credential and only ever passed to the provider.
	APIToken string `json:"api_token"`
}

// RecordType is the DNS record type a managed record keeps updated.
// A records carry IPv4, AAAA records IPv6.
type RecordType string

const (
	TypeA    RecordType = "A"
	TypeAAAA RecordType = "AAAA"
)

func ParseRecordType(s string) (RecordType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "A":
		return TypeA, nil
	case "AAAA":
		return TypeAAAA, nil
	default:
		return "", fmt.Errorf("invalid record type %q: use A or AAAA", s)
	}
}

type Record struct {
	// Zone is the DNS zone the record lives in, e.g. "example.com".
	Zone string `json:"zone"`
	// Name is the full record name, e.g. "home.example.com".
	Name string `json:"name"`
	// Type defaults to A.
	Type RecordType `json:"record_type,omitempty"`
	// Proxied routes traffic through Cloudflare's proxy.
	Proxied bool `json:"proxied,omitempty"`
	// TTL in seconds; 1 means automatic.
	TTL int `json:"ttl,omitempty"`
}

// Key identifies a record across ticks: zone, name and type together.
func (r Record) Key() string {
	return r.Zone + "/" + r.Name + "/" + string(r.Type)
}

type Settings struct {
	IPv4URL string `json:"ipv4_url,omitempty"`
	IPv6URL string `json:"ipv6_url,omitempty"`
	// ForceIP skips detection entirely and uses this address for every
	// record whose family matches.
	ForceIP string `json:"force_ip,omitempty"`
	// DetectTimeout and ProviderTimeout bound each collaborator call
	// within a tick. Go duration strings ("10s").
	DetectTimeout   string `json:"detect_timeout,omitempty"`
	ProviderTimeout string `json:"provider_timeout,omitempty"`
}

type ServiceConfig struct {
	// Cron is a six-field expression (seconds first), e.g.
	// "0 */5 * * * *" for every five minutes.
	Cron string `json:"cron,omitempty"`
	// RunOnStart triggers one reconciliation immediately when the
	// service starts.
	RunOnStart *bool `json:"run_on_start,omitempty"`
	// DryRun computes and reports decisions without writing to the
	// provider.
	DryRun bool `json:"dry_run,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
}

type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

const (
	DefaultCron    = "0 */5 * * * *"
	DefaultIPv4URL = "https://api.ipify.org"
	DefaultIPv6URL = "https://api6.ipify.org"
	DefaultTTL     = 1 // automatic
)

// ApplyDefaults fills zero values in place. Called after decode and by
// FromArgs, before Validate.
func (c *Config) ApplyDefaults() {
	for i := range c.Records {
		if c.Records[i].Type == "" {
			c.Records[i].Type = TypeA
		}
		if c.Records[i].TTL == 0 {
			c.Records[i].TTL = DefaultTTL
		}
	}
	if c.Settings.IPv4URL == "" {
		c.Settings.IPv4URL = DefaultIPv4URL
	}
	if c.Settings.IPv6URL == "" {
		c.Settings.IPv6URL = DefaultIPv6URL
	}
	if c.Service.Cron == "" {
		c.Service.Cron = DefaultCron
	}
	if c.Service.RunOnStart == nil {
		t := true
		c.Service.RunOnStart = &t
	}
	if c.Logging.Console == nil {
		t := true
		c.Logging.Console = &t
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Cloudflare.APIToken) == "" {
		return errors.New("cloudflare.api_token cannot be empty")
	}
	if len(c.Records) == 0 {
		return errors.New("at least one DNS record must be configured")
	}
	seen := make(map[string]struct{}, len(c.Records))
	for i, r := range c.Records {
		if strings.TrimSpace(r.Zone) == "" {
			return fmt.Errorf("records[%d]: zone cannot be empty", i)
		}
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("records[%d]: name cannot be empty", i)
		}
		if _, err := ParseRecordType(string(r.Type)); err != nil {
			return fmt.Errorf("records[%d]: %w", i, err)
		}
		if r.TTL < 1 {
			return fmt.Errorf("records[%d]: ttl must be >= 1", i)
		}
		if _, dup := seen[r.Key()]; dup {
			return fmt.Errorf("records[%d]: duplicate record %s", i, r.Key())
		}
		seen[r.Key()] = struct{}{}
	}
	if c.Settings.ForceIP != "" {
		if _, err := netip.ParseAddr(c.Settings.ForceIP); err != nil {
			return fmt.Errorf("settings.force_ip: %w", err)
		}
	}
	if _, err := ParseDurationField("settings.detect_timeout", c.Settings.DetectTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("settings.provider_timeout", c.Settings.ProviderTimeout); err != nil {
		return err
	}
	if c.Notify.Telegram.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" || c.Notify.Telegram.ChatID == 0 {
			return errors.New("notify.telegram: token and chat_id are required when enabled")
		}
	}
	return nil
}

// FromArgs builds a single-record configuration from CLI flags, for the
// one-shot path without a config file.
func FromArgs(apiToken, zone, name string, rtype RecordType, proxied bool, ttl int, forceIP string) (*Config, error) {
	cfg := &Config{
		Cloudflare: CloudflareConfig{APIToken: apiToken},
		Records: []Record{{
			Zone:    zone,
			Name:    name,
			Type:    rtype,
			Proxied: proxied,
			TTL:     ttl,
		}},
		Settings: Settings{ForceIP: forceIP},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
