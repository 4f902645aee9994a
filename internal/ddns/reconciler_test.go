package ddns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"testing"

	"cddns/internal/config"
	"cddns/internal/provider"
	"cddns/pkg/logx"
)

type fakeDetector struct {
	v4      netip.Addr
	v6      netip.Addr
	v4Err   error
	v6Err   error
	detects atomic.Int64
}

func (d *fakeDetector) Detect(_ context.Context, family config.RecordType) (netip.Addr, error) {
	d.detects.Add(1)
	if family == config.TypeAAAA {
		return d.v6, d.v6Err
	}
	return d.v4, d.v4Err
}

type fakeProvider struct {
	values map[string]*provider.Value
	getErr error
	setErr error
	gets   atomic.Int64
	sets   atomic.Int64
}

func (p *fakeProvider) GetRecord(_ context.Context, rec config.Record) (*provider.Value, error) {
	p.gets.Add(1)
	if p.getErr != nil {
		return nil, p.getErr
	}
	v, ok := p.values[rec.Key()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", rec.Key(), provider.ErrNotFound)
	}
	return v, nil
}

func (p *fakeProvider) SetRecord(_ context.Context, rec config.Record, ip netip.Addr, current *provider.Value) error {
	p.sets.Add(1)
	if p.setErr != nil {
		return p.setErr
	}
	if p.values == nil {
		p.values = map[string]*provider.Value{}
	}
	p.values[rec.Key()] = &provider.Value{IP: ip, Proxied: rec.Proxied, TTL: rec.TTL}
	return nil
}

var (
	recA = config.Record{Zone: "example.com", Name: "home.example.com", Type: config.TypeA, TTL: 1}
	recB = config.Record{Zone: "example.com", Name: "home.example.com", Type: config.TypeAAAA, TTL: 1}

	addr4 = netip.MustParseAddr("203.0.113.7")
	addr6 = netip.MustParseAddr("2001:db8::1")
)

func newReconciler(d *fakeDetector, p *fakeProvider, opt Options) *Reconciler {
	return New(d, p, opt, logx.Nop())
}

func TestNoChangeIssuesNoWrite(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{values: map[string]*provider.Value{
		recA.Key(): {IP: addr4, TTL: 1},
	}}
	r := newReconciler(&fakeDetector{v4: addr4}, p, Options{})

	results := r.Reconcile(context.Background(), []config.Record{recA})
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Action != ActionNoChange {
		t.Fatalf("action = %s, want nochange", results[0].Action)
	}
	if got := p.sets.Load(); got != 0 {
		t.Fatalf("writes = %d, want 0", got)
	}
}

func TestUpdateOnChangedIP(t *testing.T) {
	t.Parallel()
	old := netip.MustParseAddr("198.51.100.1")
	p := &fakeProvider{values: map[string]*provider.Value{
		recA.Key(): {IP: old, TTL: 1},
	}}
	r := newReconciler(&fakeDetector{v4: addr4}, p, Options{})

	res := r.Reconcile(context.Background(), []config.Record{recA})[0]
	if res.Action != ActionUpdated {
		t.Fatalf("action = %s, want updated", res.Action)
	}
	if res.Previous != old.String() || res.New != addr4.String() {
		t.Fatalf("previous/new = %q/%q", res.Previous, res.New)
	}
	if p.sets.Load() != 1 {
		t.Fatalf("writes = %d, want 1", p.sets.Load())
	}
	if p.values[recA.Key()].IP != addr4 {
		t.Fatalf("provider value = %s", p.values[recA.Key()].IP)
	}
}

func TestUpdateOnProxiedOrTTLDrift(t *testing.T) {
	t.Parallel()
	rec := recA
	rec.Proxied = true
	rec.TTL = 300
	p := &fakeProvider{values: map[string]*provider.Value{
		rec.Key(): {IP: addr4, Proxied: false, TTL: 1},
	}}
	r := newReconciler(&fakeDetector{v4: addr4}, p, Options{})

	res := r.Reconcile(context.Background(), []config.Record{rec})[0]
	if res.Action != ActionUpdated {
		t.Fatalf("action = %s, want updated (proxied/ttl drift)", res.Action)
	}
	if p.sets.Load() != 1 {
		t.Fatalf("writes = %d, want 1", p.sets.Load())
	}
}

func TestCreateWhenAbsent(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	r := newReconciler(&fakeDetector{v4: addr4}, p, Options{})

	res := r.Reconcile(context.Background(), []config.Record{recA})[0]
	if res.Action != ActionUpdated {
		t.Fatalf("action = %s, want updated (created)", res.Action)
	}
	if res.Previous != "" {
		t.Fatalf("previous = %q, want empty for created record", res.Previous)
	}
	if p.sets.Load() != 1 {
		t.Fatalf("writes = %d, want 1", p.sets.Load())
	}
}

func TestPartialDetectionFailure(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{values: map[string]*provider.Value{
		recA.Key(): {IP: netip.MustParseAddr("198.51.100.1"), TTL: 1},
	}}
	d := &fakeDetector{v4: addr4, v6Err: errors.New("no ipv6 route")}
	r := newReconciler(d, p, Options{})

	results := r.Reconcile(context.Background(), []config.Record{recA, recB})
	if len(results) != 2 {
		t.Fatalf("results = %d, want both records present", len(results))
	}
	if results[0].Action != ActionUpdated {
		t.Fatalf("A action = %s, want updated", results[0].Action)
	}
	if results[1].Action != ActionFailed || results[1].Kind != ErrorKindDetect {
		t.Fatalf("AAAA result = %+v, want detect failure", results[1])
	}
}

func TestDetectionMemoizedPerFamily(t *testing.T) {
	t.Parallel()
	other := config.Record{Zone: "example.com", Name: "www.example.com", Type: config.TypeA, TTL: 1}
	p := &fakeProvider{values: map[string]*provider.Value{
		recA.Key():  {IP: addr4, TTL: 1},
		other.Key(): {IP: addr4, TTL: 1},
	}}
	d := &fakeDetector{v4: addr4}
	r := newReconciler(d, p, Options{})

	r.Reconcile(context.Background(), []config.Record{recA, other})
	if got := d.detects.Load(); got != 1 {
		t.Fatalf("detections = %d, want 1 per family per tick", got)
	}
}

func TestDryRunNeverWrites(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{values: map[string]*provider.Value{
		recA.Key(): {IP: netip.MustParseAddr("198.51.100.1"), TTL: 1},
	}}
	r := newReconciler(&fakeDetector{v4: addr4}, p, Options{DryRun: true})

	res := r.Reconcile(context.Background(), []config.Record{recA})[0]
	if res.Action != ActionUpdated {
		t.Fatalf("action = %s, want updated reported in dry-run", res.Action)
	}
	if got := p.sets.Load(); got != 0 {
		t.Fatalf("writes = %d, want 0 in dry-run", got)
	}
}

func TestProviderFailureIsolated(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{setErr: errors.New("boom")}
	r := newReconciler(&fakeDetector{v4: addr4}, p, Options{})

	res := r.Reconcile(context.Background(), []config.Record{recA})[0]
	if res.Action != ActionFailed || res.Kind != ErrorKindProvider {
		t.Fatalf("result = %+v, want provider failure", res)
	}
}

func TestAuthErrorKind(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{getErr: fmt.Errorf("list: %w", provider.ErrAuth)}
	r := newReconciler(&fakeDetector{v4: addr4}, p, Options{})

	res := r.Reconcile(context.Background(), []config.Record{recA})[0]
	if res.Action != ActionFailed || res.Kind != ErrorKindAuth {
		t.Fatalf("result = %+v, want auth failure kind", res)
	}
}
