// Package registry maps opaque inbox identifiers to upstream account
// credentials. An inbox id is what API clients hold; the registry is the
// only place that knows which account and which servers it stands for.
package registry

import (
	"context"
	"time"

	"github.com/tidemail/bridge/config"
)

// Mapping ties an inbox id to an account and its protocol endpoints.
type Mapping struct {
	InboxID   string    `json:"inbox_id"`
	Email     string    `json:"email"`
	IMAPHost  string    `json:"imap_host"`
	IMAPPort  int       `json:"imap_port"`
	SMTPHost  string    `json:"smtp_host"`
	SMTPPort  int       `json:"smtp_port"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// Registry stores inbox mappings. Unlike session records, mappings do not
// expire: they live until explicitly deleted.
type Registry interface {
	// Create stores a mapping. An existing mapping with the same id is
	// overwritten.
	Create(ctx context.Context, m *Mapping) error

	// Get returns the mapping for id, or consts.ErrInboxNotFound.
	Get(ctx context.Context, id string) (*Mapping, error)

	// Delete removes the mapping. Deleting an unknown id returns
	// consts.ErrInboxNotFound.
	Delete(ctx context.Context, id string) error

	// List returns all mappings. No ordering guarantee.
	List(ctx context.Context) ([]*Mapping, error)
}

// FallbackMapping converts a configured fallback inbox into a Mapping, or
// nil when none is configured.
func FallbackMapping(cfg config.FallbackInboxConfig) *Mapping {
	if cfg.Email == "" {
		return nil
	}
	username := cfg.Username
	if username == "" {
		username = cfg.Email
	}
	return &Mapping{
		InboxID:   "default",
		Email:     cfg.Email,
		IMAPHost:  cfg.IMAPHost,
		IMAPPort:  cfg.IMAPPort,
		SMTPHost:  cfg.SMTPHost,
		SMTPPort:  cfg.SMTPPort,
		Username:  username,
		Password:  cfg.Password,
		CreatedAt: time.Now().UTC(),
		Status:    "active",
	}
}
