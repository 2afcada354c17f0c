// Package sessionstore provides the durable session metadata store.
//
// The store holds serializable session descriptors, never live connections.
// A record existing for an identity is a warm-start hint: it tells a freshly
// started process that a session was recently active, not that a usable
// handle exists anywhere. Records carry a TTL that is refreshed on every
// use and by the keep-alive sweeper; a record that loses its TTL entirely
// is an orphan and gets reclaimed.
package sessionstore

import (
	"context"
	"time"
)

// Metadata is the durable, serializable description of a session. It is
// deliberately a distinct type from any live handle: a present record never
// implies a usable connection.
type Metadata struct {
	Identity   string     `json:"identity"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	AuthExpiry *time.Time `json:"auth_expiry,omitempty"`
}

// TTLState qualifies a RemainingTTL result. A key with no expiry set is a
// distinct, meaningful state (an orphan) from a key that was never created.
type TTLState int

const (
	// TTLSet means the key exists and the returned duration is valid.
	TTLSet TTLState = iota
	// TTLNone means the key exists but has no expiry: an orphan record.
	TTLNone
	// TTLAbsent means the key does not exist.
	TTLAbsent
)

func (s TTLState) String() string {
	switch s {
	case TTLSet:
		return "set"
	case TTLNone:
		return "none"
	case TTLAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// Store is the durable session store contract. All operations are fallible
// on store unavailability and wrap consts.ErrStoreUnavailable in that case.
type Store interface {
	// Put upserts a record and sets its expiry to exactly ttl from now
	// (not additive). A non-positive ttl stores the record without expiry.
	Put(ctx context.Context, identity string, meta *Metadata, ttl time.Duration) error

	// Get returns the current record, or (nil, nil) when absent or expired.
	Get(ctx context.Context, identity string) (*Metadata, error)

	// RefreshTTL resets the expiry countdown without touching other fields.
	// A missing key is a no-op, not an error: races between natural expiry
	// and a refresh are expected.
	RefreshTTL(ctx context.Context, identity string, ttl time.Duration) error

	// Remove deletes the record. Idempotent.
	Remove(ctx context.Context, identity string) error

	// RemainingTTL reports the time left before expiry and whether the key
	// exists at all.
	RemainingTTL(ctx context.Context, identity string) (time.Duration, TTLState, error)

	// ListIdentities enumerates identities with records under the given
	// prefix. No ordering guarantee.
	ListIdentities(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	Close() error
}
