package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cloudflare/cloudflare-go"

	"cddns/internal/config"
)

// fakeCF serves just enough of the Cloudflare v4 API for the client:
// zone lookup, record list, create and update.
type fakeCF struct {
	zoneLookups  atomic.Int64
	writes       atomic.Int64
	recordExists bool
	content      string
}

func (f *fakeCF) handler() http.Handler {
	envelope := func(w http.ResponseWriter, result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"errors":   []any{},
			"messages": []any{},
			"result":   result,
			"result_info": map[string]any{
				"page": 1, "per_page": 100, "count": 1, "total_count": 1, "total_pages": 1,
			},
		})
	}
	record := map[string]any{
		"id": "rec1", "type": "A", "name": "home.example.com",
		"content": f.content, "ttl": 1, "proxied": false, "zone_id": "zone1",
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/zones" && r.Method == http.MethodGet:
			f.zoneLookups.Add(1)
			envelope(w, []any{map[string]any{"id": "zone1", "name": "example.com", "status": "active"}})
		case r.URL.Path == "/zones/zone1/dns_records" && r.Method == http.MethodGet:
			if f.recordExists {
				envelope(w, []any{record})
			} else {
				envelope(w, []any{})
			}
		case r.URL.Path == "/zones/zone1/dns_records" && r.Method == http.MethodPost:
			f.writes.Add(1)
			envelope(w, record)
		case strings.HasPrefix(r.URL.Path, "/zones/zone1/dns_records/"):
			f.writes.Add(1)
			envelope(w, record)
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T, f *fakeCF) *Cloudflare {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c, err := NewCloudflare("test-token", cloudflare.BaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewCloudflare: %v", err)
	}
	return c
}

var testRecord = config.Record{
	Zone: "example.com",
	Name: "home.example.com",
	Type: config.TypeA,
	TTL:  1,
}

func TestGetRecord(t *testing.T) {
	t.Parallel()
	f := &fakeCF{recordExists: true, content: "198.51.100.4"}
	c := newTestClient(t, f)

	v, err := c.GetRecord(context.Background(), testRecord)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if v.IP != netip.MustParseAddr("198.51.100.4") {
		t.Fatalf("IP = %s", v.IP)
	}
	if v.TTL != 1 || v.Proxied {
		t.Fatalf("value = %+v", v)
	}

	// Second lookup must reuse the cached zone ID.
	if _, err := c.GetRecord(context.Background(), testRecord); err != nil {
		t.Fatalf("GetRecord (cached zone): %v", err)
	}
	if got := f.zoneLookups.Load(); got != 1 {
		t.Fatalf("zone lookups = %d, want 1 (cached)", got)
	}
}

func TestGetRecordAbsent(t *testing.T) {
	t.Parallel()
	f := &fakeCF{recordExists: false}
	c := newTestClient(t, f)

	_, err := c.GetRecord(context.Background(), testRecord)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetRecordCreateAndUpdate(t *testing.T) {
	t.Parallel()
	f := &fakeCF{recordExists: true, content: "198.51.100.4"}
	c := newTestClient(t, f)

	// create path
	if err := c.SetRecord(context.Background(), testRecord, netip.MustParseAddr("203.0.113.9"), nil); err != nil {
		t.Fatalf("SetRecord create: %v", err)
	}

	// update path needs the handle from a read
	v, err := c.GetRecord(context.Background(), testRecord)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if err := c.SetRecord(context.Background(), testRecord, netip.MustParseAddr("203.0.113.9"), v); err != nil {
		t.Fatalf("SetRecord update: %v", err)
	}

	if got := f.writes.Load(); got != 2 {
		t.Fatalf("writes = %d, want 2", got)
	}
}

func TestCategorizePassthrough(t *testing.T) {
	t.Parallel()
	plain := errors.New("connection refused")
	if got := categorize(plain); !errors.Is(got, plain) {
		t.Fatalf("categorize changed a plain error: %v", got)
	}
	if errors.Is(categorize(plain), ErrAuth) {
		t.Fatal("plain error must not be categorized as auth")
	}
}
