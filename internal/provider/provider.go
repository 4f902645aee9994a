// Package provider abstracts the DNS provider behind two operations:
// read a record's current value and write a new one. The reconciler
// never sees provider wire types, only Values and error categories.
package provider

import (
	"context"
	"errors"
	"net/netip"

	"cddns/internal/config"
)

var (
	// ErrNotFound means the record does not exist at the provider yet.
	// The reconciler treats this as "current value absent" and creates
	// the record on write.
	ErrNotFound = errors.New("record not found")

	// ErrAuth marks credential problems (401/403). These will not
	// resolve themselves on the next tick; clients surface them
	// distinctly so the operator knows to act.
	ErrAuth = errors.New("provider authentication failed")
)

// Value is a record's current state at the provider, reduced to the
// fields the reconciler compares.
type Value struct {
	IP      netip.Addr
	Proxied bool
	TTL     int

	// Handle carries provider-internal identity (record and zone IDs)
	// from GetRecord to SetRecord. Opaque to callers.
	Handle any
}

type Provider interface {
	// GetRecord returns the record's current value, or ErrNotFound.
	GetRecord(ctx context.Context, rec config.Record) (*Value, error)

	// SetRecord points the record at ip. current is the value a prior
	// GetRecord returned, or nil to create the record.
	SetRecord(ctx context.Context, rec config.Record, ip netip.Addr, current *Value) error
}
