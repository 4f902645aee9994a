// Package ddns implements the reconciliation pass: compare each managed
// record's desired state (current public IP, proxied flag, TTL) against
// the provider's actual state and apply the minimal correction.
package ddns

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"cddns/internal/config"
	"cddns/internal/ip"
	"cddns/internal/provider"
	"cddns/pkg/logx"
)

type Action string

const (
	ActionNoChange Action = "nochange"
	ActionUpdated  Action = "updated"
	ActionFailed   Action = "failed"
)

// ErrorKind classifies a failed result so clients can tell transient
// trouble from credential problems.
type ErrorKind string

const (
	ErrorKindDetect   ErrorKind = "detect"
	ErrorKindProvider ErrorKind = "provider"
	ErrorKindAuth     ErrorKind = "auth"
)

// Result is the outcome for one record in one tick.
type Result struct {
	Key      string            `json:"key"`
	Zone     string            `json:"zone"`
	Name     string            `json:"name"`
	Type     config.RecordType `json:"type"`
	Previous string            `json:"previous,omitempty"`
	New      string            `json:"new,omitempty"`
	Action   Action            `json:"action"`
	Error    string            `json:"error,omitempty"`
	Kind     ErrorKind         `json:"error_kind,omitempty"`
	Time     time.Time         `json:"time"`
}

type Options struct {
	// DryRun computes and reports the decision without writing.
	DryRun bool
	// DetectTimeout bounds one IP detection call.
	DetectTimeout time.Duration
	// ProviderTimeout bounds one provider read or write.
	ProviderTimeout time.Duration
}

const (
	defaultDetectTimeout   = 10 * time.Second
	defaultProviderTimeout = 30 * time.Second
)

type Reconciler struct {
	detector ip.Detector
	prov     provider.Provider
	opt      Options
	log      logx.Logger
}

func New(detector ip.Detector, prov provider.Provider, opt Options, log logx.Logger) *Reconciler {
	if opt.DetectTimeout <= 0 {
		opt.DetectTimeout = defaultDetectTimeout
	}
	if opt.ProviderTimeout <= 0 {
		opt.ProviderTimeout = defaultProviderTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{detector: detector, prov: prov, opt: opt, log: log}
}

// detection is one address family's detection outcome, shared by every
// record of that family within the tick.
type detection struct {
	addr netip.Addr
	err  error
}

// Reconcile runs one pass over records and returns one Result per
// record, in input order. Records are processed independently: a
// failure on one never blocks or masks the others. The caller (the
// scheduler) guarantees passes never run concurrently.
func (r *Reconciler) Reconcile(ctx context.Context, records []config.Record) []Result {
	detected := r.detectFamilies(ctx, records)

	results := make([]Result, len(records))
	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(i int, rec config.Record) {
			defer wg.Done()
			results[i] = r.reconcileOne(ctx, rec, detected[rec.Type])
		}(i, rec)
	}
	wg.Wait()
	return results
}

// detectFamilies resolves the public IP once per address family present
// in the record set. A failed detection fails every record of that
// family, not the whole tick.
func (r *Reconciler) detectFamilies(ctx context.Context, records []config.Record) map[config.RecordType]detection {
	families := map[config.RecordType]detection{}
	for _, rec := range records {
		if _, seen := families[rec.Type]; !seen {
			families[rec.Type] = detection{}
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for family := range families {
		wg.Add(1)
		go func(family config.RecordType) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, r.opt.DetectTimeout)
			defer cancel()
			addr, err := r.detector.Detect(dctx, family)
			mu.Lock()
			families[family] = detection{addr: addr, err: err}
			mu.Unlock()
			if err != nil {
				r.log.Warn("public IP detection failed", logx.String("family", string(family)), logx.Err(err))
			} else {
				r.log.Debug("public IP detected", logx.String("family", string(family)), logx.String("ip", addr.String()))
			}
		}(family)
	}
	wg.Wait()
	return families
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec config.Record, det detection) Result {
	res := Result{
		Key:  rec.Key(),
		Zone: rec.Zone,
		Name: rec.Name,
		Type: rec.Type,
		Time: time.Now(),
	}

	if det.err != nil {
		res.Action = ActionFailed
		res.Error = det.err.Error()
		res.Kind = ErrorKindDetect
		return res
	}
	res.New = det.addr.String()

	current, err := r.getCurrent(ctx, rec)
	if err != nil && !errors.Is(err, provider.ErrNotFound) {
		return r.failed(res, err)
	}

	if current != nil {
		res.Previous = current.IP.String()
		if current.IP == det.addr && current.Proxied == rec.Proxied && current.TTL == rec.TTL {
			res.Action = ActionNoChange
			res.New = ""
			return res
		}
	}

	res.Action = ActionUpdated
	if r.opt.DryRun {
		r.log.Info("dry-run: would update record",
			logx.String("record", rec.Key()),
			logx.String("from", res.Previous),
			logx.String("to", det.addr.String()))
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, r.opt.ProviderTimeout)
	defer cancel()
	if err := r.prov.SetRecord(sctx, rec, det.addr, current); err != nil {
		return r.failed(res, err)
	}

	if current == nil {
		r.log.Info("record created", logx.String("record", rec.Key()), logx.String("ip", det.addr.String()))
	} else {
		r.log.Info("record updated",
			logx.String("record", rec.Key()),
			logx.String("from", res.Previous),
			logx.String("to", det.addr.String()))
	}
	return res
}

func (r *Reconciler) getCurrent(ctx context.Context, rec config.Record) (*provider.Value, error) {
	gctx, cancel := context.WithTimeout(ctx, r.opt.ProviderTimeout)
	defer cancel()
	return r.prov.GetRecord(gctx, rec)
}

func (r *Reconciler) failed(res Result, err error) Result {
	res.Action = ActionFailed
	res.New = ""
	res.Error = err.Error()
	res.Kind = ErrorKindProvider
	if errors.Is(err, provider.ErrAuth) {
		res.Kind = ErrorKindAuth
	}
	r.log.Error("record reconciliation failed", logx.String("record", res.Key), logx.Err(err))
	return res
}
