// Package state holds the single authoritative snapshot of service
// status and per-record reconciliation results. The reconcile path is
// the only writer; IPC query handlers are concurrent readers and must
// never observe a half-published tick.
package state

import (
	"sync"
	"time"

	"cddns/internal/config"
	"cddns/internal/ddns"
	"cddns/internal/eventbus"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Snapshot is a consistent, self-contained copy of the store, safe to
// hand to IPC clients. All results in it come from the same tick.
type Snapshot struct {
	Status           Status                 `json:"status"`
	Schedule         string                 `json:"schedule"`
	DryRun           bool                   `json:"dry_run,omitempty"`
	RecordCount      int                    `json:"record_count"`
	CurrentIPv4      string                 `json:"current_ipv4,omitempty"`
	CurrentIPv6      string                 `json:"current_ipv6,omitempty"`
	LastTickStarted  time.Time              `json:"last_tick_started,omitempty"`
	LastTickFinished time.Time              `json:"last_tick_finished,omitempty"`
	NextRun          time.Time              `json:"next_run,omitempty"`
	Records          map[string]ddns.Result `json:"records,omitempty"`
}

const defaultHistorySize = 200

type Store struct {
	mu sync.RWMutex

	status      Status
	schedule    string
	dryRun      bool
	nextRun     time.Time
	tickStarted time.Time
	tickDone    time.Time

	latest  map[string]ddns.Result
	history []ddns.Result
	histMax int

	bus *eventbus.Bus[Snapshot]
}

func New(historySize int) *Store {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Store{
		status:  StatusIdle,
		latest:  map[string]ddns.Result{},
		histMax: historySize,
		bus:     eventbus.New[Snapshot](),
	}
}

func (s *Store) SetSchedule(expr string) {
	s.mu.Lock()
	s.schedule = expr
	s.mu.Unlock()
}

func (s *Store) SetDryRun(v bool) {
	s.mu.Lock()
	s.dryRun = v
	s.mu.Unlock()
}

func (s *Store) SetNextRun(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}

// Begin marks a tick as running. Called only from the scheduler's
// serialized path.
func (s *Store) Begin() {
	s.mu.Lock()
	s.status = StatusRunning
	s.tickStarted = time.Now()
	s.mu.Unlock()
}

// Publish atomically replaces the latest-results map with this tick's
// results, appends them to the bounded history, and emits one snapshot
// event. Records no longer configured disappear from the map here.
func (s *Store) Publish(results []ddns.Result) {
	s.mu.Lock()

	latest := make(map[string]ddns.Result, len(results))
	for _, r := range results {
		latest[r.Key] = r
	}
	s.latest = latest

	s.history = append(s.history, results...)
	if over := len(s.history) - s.histMax; over > 0 {
		s.history = append([]ddns.Result(nil), s.history[over:]...)
	}

	// finished never moves backwards, even against a skewed clock
	if now := time.Now(); now.After(s.tickDone) {
		s.tickDone = now
	}
	if s.status == StatusRunning {
		s.status = StatusIdle
	}

	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.bus.Publish(snap)
}

// SetStatus is used by the lifecycle path for Stopping/Stopped; tick
// transitions go through Begin/Publish.
func (s *Store) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// History returns a copy of the bounded result history, oldest first.
func (s *Store) History() []ddns.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ddns.Result(nil), s.history...)
}

// Subscribe delivers a snapshot after every Publish, in publication
// order, until cancel is called.
func (s *Store) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return s.bus.Subscribe(buffer)
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:           s.status,
		Schedule:         s.schedule,
		DryRun:           s.dryRun,
		RecordCount:      len(s.latest),
		LastTickStarted:  s.tickStarted,
		LastTickFinished: s.tickDone,
		NextRun:          s.nextRun,
		Records:          make(map[string]ddns.Result, len(s.latest)),
	}
	for k, r := range s.latest {
		snap.Records[k] = r
		ip := currentIP(r)
		if ip == "" {
			continue
		}
		if r.Type == config.TypeAAAA {
			snap.CurrentIPv6 = ip
		} else {
			snap.CurrentIPv4 = ip
		}
	}
	return snap
}

// currentIP extracts the record's effective address from its latest
// result: the new value after an update, the unchanged previous value
// otherwise.
func currentIP(r ddns.Result) string {
	switch r.Action {
	case ddns.ActionUpdated:
		return r.New
	case ddns.ActionNoChange:
		return r.Previous
	default:
		return ""
	}
}
