package ip

import (
	"context"
	"net/http/httptest"
	"net/netip"
	"testing"

	"net/http"

	"cddns/internal/config"
)

func TestHTTPDetector(t *testing.T) {
	t.Parallel()

	v4 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("203.0.113.7\n"))
	}))
	defer v4.Close()
	v6 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(" 2001:db8::1 "))
	}))
	defer v6.Close()

	d := NewHTTPDetector(nil, v4.URL, v6.URL)

	got4, err := d.Detect(context.Background(), config.TypeA)
	if err != nil {
		t.Fatalf("Detect A: %v", err)
	}
	if got4 != netip.MustParseAddr("203.0.113.7") {
		t.Fatalf("Detect A = %s", got4)
	}

	got6, err := d.Detect(context.Background(), config.TypeAAAA)
	if err != nil {
		t.Fatalf("Detect AAAA: %v", err)
	}
	if got6 != netip.MustParseAddr("2001:db8::1") {
		t.Fatalf("Detect AAAA = %s", got6)
	}
}

func TestHTTPDetectorErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		code int
	}{
		{"garbage body", "not an ip", 200},
		{"http error", "203.0.113.7", 503},
		{"family mismatch", "2001:db8::1", 200},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := NewHTTPDetector(nil, srv.URL, srv.URL)
			if _, err := d.Detect(context.Background(), config.TypeA); err == nil {
				t.Fatal("expected detection error")
			}
		})
	}
}

func TestStaticFamilyCheck(t *testing.T) {
	t.Parallel()
	s := Static{Addr: netip.MustParseAddr("203.0.113.7")}

	if _, err := s.Detect(context.Background(), config.TypeA); err != nil {
		t.Fatalf("Detect A: %v", err)
	}
	if _, err := s.Detect(context.Background(), config.TypeAAAA); err == nil {
		t.Fatal("IPv4 forced address must fail AAAA detection")
	}
}

func TestFromSettings(t *testing.T) {
	t.Parallel()
	d, err := FromSettings(config.Settings{ForceIP: "2001:db8::2"}, nil)
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if _, ok := d.(Static); !ok {
		t.Fatalf("detector = %T, want Static", d)
	}

	d, err = FromSettings(config.Settings{IPv4URL: "http://x", IPv6URL: "http://y"}, nil)
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if _, ok := d.(*HTTPDetector); !ok {
		t.Fatalf("detector = %T, want *HTTPDetector", d)
	}
}
