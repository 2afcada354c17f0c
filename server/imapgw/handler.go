package imapgw

import (
	"context"
	"fmt"
	"time"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/helpers"
	"github.com/tidemail/bridge/logger"
	"github.com/tidemail/bridge/pkg/metrics"
	"github.com/tidemail/bridge/pool"
	"github.com/tidemail/bridge/registry"
	"github.com/tidemail/bridge/transform"
)

// Timing breaks a fetch down by phase, in milliseconds. It is an
// observability side-channel only: nothing reads it to make decisions.
type Timing struct {
	AcquireMS int64 `json:"acquire_ms"`
	SelectMS  int64 `json:"select_ms"`
	SearchMS  int64 `json:"search_ms"`
	FetchMS   int64 `json:"fetch_ms"`
	TotalMS   int64 `json:"total_ms"`
}

// Handler serves message reads over pooled IMAP sessions.
type Handler struct {
	pool     *pool.Pool
	registry registry.Registry
}

func NewHandler(p *pool.Pool, reg registry.Registry) *Handler {
	return &Handler{pool: p, registry: reg}
}

// FetchMessages returns the newest limit messages from folder for the
// given inbox, already transformed to records. The session stays pooled
// afterwards; there is no logout. Protocol failures after a successful
// acquire surface as consts.ErrSessionFailed without retry.
func (h *Handler) FetchMessages(ctx context.Context, inboxID, folder string, limit int) ([]*transform.Record, *Timing, error) {
	start := time.Now()
	if folder == "" {
		folder = consts.DefaultFolder
	}
	if limit <= 0 {
		limit = consts.DefaultFetchLimit
	}

	mapping, err := h.registry.Get(ctx, inboxID)
	if err != nil {
		return nil, nil, err
	}

	handle, _, err := h.pool.Acquire(ctx, mapping.Email, pool.Credentials{
		Username: mapping.Username,
		Password: mapping.Password,
		Host:     mapping.IMAPHost,
		Port:     mapping.IMAPPort,
		UseTLS:   mapping.IMAPPort == 993,
	})
	timing := &Timing{AcquireMS: time.Since(start).Milliseconds()}
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("imap", "fetch", "error").Inc()
		return nil, nil, err
	}
	defer h.pool.Release(mapping.Email)

	session, ok := handle.(Session)
	if !ok {
		return nil, nil, fmt.Errorf("%w: pooled handle is not an IMAP session", consts.ErrSessionFailed)
	}

	phase := time.Now()
	if _, err := session.SelectFolder(folder); err != nil {
		metrics.OperationsTotal.WithLabelValues("imap", "fetch", "error").Inc()
		return nil, nil, fmt.Errorf("%w: selecting %s: %v", consts.ErrSessionFailed, folder, err)
	}
	timing.SelectMS = time.Since(phase).Milliseconds()

	phase = time.Now()
	nums, err := session.SearchAll()
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("imap", "fetch", "error").Inc()
		return nil, nil, fmt.Errorf("%w: searching %s: %v", consts.ErrSessionFailed, folder, err)
	}
	timing.SearchMS = time.Since(phase).Milliseconds()

	if len(nums) > limit {
		nums = nums[len(nums)-limit:]
	}

	phase = time.Now()
	raw, err := session.FetchRaw(nums)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("imap", "fetch", "error").Inc()
		return nil, nil, fmt.Errorf("%w: fetching %d messages: %v", consts.ErrSessionFailed, len(nums), err)
	}
	timing.FetchMS = time.Since(phase).Milliseconds()

	records := make([]*transform.Record, 0, len(raw))
	for _, data := range raw {
		rec, err := transform.ToRecord(data)
		if err != nil {
			logger.Warnf("[IMAP] skipping unparseable message for %s: %v",
				helpers.HashIdentity(mapping.Email), err)
			continue
		}
		records = append(records, rec)
	}

	timing.TotalMS = time.Since(start).Milliseconds()
	metrics.OperationsTotal.WithLabelValues("imap", "fetch", "ok").Inc()
	metrics.OperationDuration.WithLabelValues("imap", "fetch").Observe(time.Since(start).Seconds())
	return records, timing, nil
}

// Stats exposes the underlying pool's occupancy for the health endpoint.
func (h *Handler) Stats() pool.PoolStats {
	return h.pool.Stats()
}
