// Package pool maintains warm protocol sessions keyed by account identity.
//
// The pool is not a checkout/checkin pool: handles stay resident after use
// and Release is deliberately a no-op. Reuse happens by identity, concurrent
// acquisitions for the same identity are collapsed onto a single dial, and
// when the pool is full the oldest-established session is evicted to make
// room. Durable metadata for each session is mirrored into the session
// store so a restarted process knows which sessions were recently live.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/helpers"
	"github.com/tidemail/bridge/logger"
	"github.com/tidemail/bridge/pkg/metrics"
	"github.com/tidemail/bridge/sessionstore"
)

// Handle is a live protocol session. Handles are never serialized; the
// durable record for a session is sessionstore.Metadata, joined to the
// handle only by identity.
type Handle interface {
	// Alive reports whether the underlying connection is still usable,
	// typically via a cheap protocol-level probe.
	Alive() bool
	Close() error
}

// Credentials carries what the factory needs to authenticate a session.
type Credentials struct {
	Username string
	Password string
	Host     string
	Port     int
	UseTLS   bool
}

// Factory dials and authenticates a new session. Implementations must
// honor ctx cancellation and return consts.ErrConnectFailed (wrapped) when
// the upstream cannot be reached or rejects the credentials.
type Factory func(ctx context.Context, identity string, creds Credentials) (Handle, error)

type entry struct {
	handle        Handle
	establishedAt time.Time
}

// Options configures a Pool.
type Options struct {
	// Protocol labels log lines and metrics, e.g. "imap" or "smtp".
	Protocol       string
	Capacity       int
	SessionTTL     time.Duration
	ConnectTimeout time.Duration
}

// Pool holds live handles for up to Capacity identities.
type Pool struct {
	factory Factory
	store   sessionstore.Store
	opts    Options

	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*sync.Mutex
	closed  bool

	created atomic.Int64
	reused  atomic.Int64
	misses  atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool occupancy and lifetime
// counters.
type PoolStats struct {
	Active     int      `json:"active"`
	Capacity   int      `json:"capacity"`
	Identities []string `json:"identities"`
	Created    int64    `json:"created"`
	Reused     int64    `json:"reused"`
	Hits       int64    `json:"hits"`
	Misses     int64    `json:"misses"`
}

func New(factory Factory, store sessionstore.Store, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = consts.DefaultPoolCapacity
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = consts.DefaultSessionTTL
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = consts.DefaultConnectTimeout
	}
	return &Pool{
		factory: factory,
		store:   store,
		opts:    opts,
		entries: make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// identityLock returns the per-identity mutex, creating it on first use.
// Serializing per identity keeps concurrent acquires for the same account
// down to one factory dial.
func (p *Pool) identityLock(identity string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		p.locks[identity] = l
	}
	return l
}

// Acquire returns a live session for identity, reusing the pooled handle
// when present and dialing a new one otherwise. The returned metadata is
// the durable record mirrored into the session store.
func (p *Pool) Acquire(ctx context.Context, identity string, creds Credentials) (Handle, *sessionstore.Metadata, error) {
	lock := p.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, consts.ErrPoolClosed
	}
	e, ok := p.entries[identity]
	p.mu.Unlock()

	if ok {
		if e.handle.Alive() {
			p.reused.Add(1)
			metrics.PoolAcquiresTotal.WithLabelValues(p.opts.Protocol, "hit").Inc()
			meta := p.touch(identity, creds, e.establishedAt)
			return e.handle, meta, nil
		}
		// The connection died under us. Drop it and dial fresh.
		logger.Debugf("[%s pool] handle for %s failed liveness probe, reconnecting",
			p.opts.Protocol, helpers.HashIdentity(identity))
		metrics.PoolDeadHandlesTotal.WithLabelValues(p.opts.Protocol).Inc()
		p.discard(identity, e)
	}

	p.misses.Add(1)
	handle, meta, err := p.connect(ctx, identity, creds)
	if err != nil {
		metrics.PoolAcquiresTotal.WithLabelValues(p.opts.Protocol, "error").Inc()
		return nil, nil, err
	}
	metrics.PoolAcquiresTotal.WithLabelValues(p.opts.Protocol, "miss").Inc()
	return handle, meta, nil
}

// touch refreshes the durable record after a cache hit. Store failures
// only degrade durability, never the acquisition itself.
func (p *Pool) touch(identity string, creds Credentials, establishedAt time.Time) *sessionstore.Metadata {
	now := time.Now().UTC()
	meta := &sessionstore.Metadata{
		Identity:   identity,
		Host:       creds.Host,
		Port:       creds.Port,
		CreatedAt:  establishedAt.UTC(),
		LastUsedAt: now,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.Put(ctx, identity, meta, p.opts.SessionTTL); err != nil {
			logger.Warnf("[%s pool] failed to refresh record for %s: %v",
				p.opts.Protocol, helpers.HashIdentity(identity), err)
		}
	}()
	return meta
}

func (p *Pool) connect(ctx context.Context, identity string, creds Credentials) (Handle, *sessionstore.Metadata, error) {
	p.evictIfFull()

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	handle, err := p.factory(dialCtx, identity, creds)
	metrics.ConnectDuration.WithLabelValues(p.opts.Protocol).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: connect timed out after %s", consts.ErrConnectFailed, p.opts.ConnectTimeout)
		}
		return nil, nil, err
	}
	p.created.Add(1)
	metrics.PoolConnectionsCreated.WithLabelValues(p.opts.Protocol).Inc()

	now := time.Now().UTC()
	meta := &sessionstore.Metadata{
		Identity:   identity,
		Host:       creds.Host,
		Port:       creds.Port,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		handle.Close()
		return nil, nil, consts.ErrPoolClosed
	}
	p.entries[identity] = &entry{handle: handle, establishedAt: now}
	active := len(p.entries)
	p.mu.Unlock()
	metrics.PoolActiveHandles.WithLabelValues(p.opts.Protocol).Set(float64(active))

	if err := p.store.Put(ctx, identity, meta, p.opts.SessionTTL); err != nil {
		// The live handle is still perfectly usable; the record will be
		// rewritten on the next acquisition or sweep.
		logger.Warnf("[%s pool] failed to record session for %s: %v",
			p.opts.Protocol, helpers.HashIdentity(identity), err)
	}

	logger.Infof("[%s pool] established session for %s to %s:%d",
		p.opts.Protocol, helpers.HashIdentity(identity), creds.Host, creds.Port)
	return handle, meta, nil
}

// evictIfFull makes room for one more session by closing the
// oldest-established one. Establishment order, not last use, decides the
// victim.
func (p *Pool) evictIfFull() {
	p.mu.Lock()
	if len(p.entries) < p.opts.Capacity {
		p.mu.Unlock()
		return
	}
	var victim string
	var victimEntry *entry
	for identity, e := range p.entries {
		if victimEntry == nil || e.establishedAt.Before(victimEntry.establishedAt) {
			victim = identity
			victimEntry = e
		}
	}
	delete(p.entries, victim)
	active := len(p.entries)
	p.mu.Unlock()

	metrics.PoolActiveHandles.WithLabelValues(p.opts.Protocol).Set(float64(active))
	metrics.PoolEvictionsTotal.WithLabelValues(p.opts.Protocol).Inc()
	logger.Infof("[%s pool] capacity reached, evicting session for %s",
		p.opts.Protocol, helpers.HashIdentity(victim))

	if err := victimEntry.handle.Close(); err != nil {
		logger.Debugf("[%s pool] error closing evicted session for %s: %v",
			p.opts.Protocol, helpers.HashIdentity(victim), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Remove(ctx, victim); err != nil {
		logger.Warnf("[%s pool] failed to remove record for evicted %s: %v",
			p.opts.Protocol, helpers.HashIdentity(victim), err)
	}
}

// discard removes a dead handle from the pool. The store record is left
// alone so a reconnect can reuse the same key.
func (p *Pool) discard(identity string, e *entry) {
	p.mu.Lock()
	if cur, ok := p.entries[identity]; ok && cur == e {
		delete(p.entries, identity)
	}
	active := len(p.entries)
	p.mu.Unlock()
	metrics.PoolActiveHandles.WithLabelValues(p.opts.Protocol).Set(float64(active))
	e.handle.Close()
}

// Release exists for call-site symmetry and does nothing: sessions stay
// warm in the pool after use and are only torn down by eviction, explicit
// removal, or shutdown.
func (p *Pool) Release(identity string) {}

// Remove closes and forgets the session for identity, including its
// durable record. Idempotent.
func (p *Pool) Remove(ctx context.Context, identity string) error {
	lock := p.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	e, ok := p.entries[identity]
	if ok {
		delete(p.entries, identity)
	}
	active := len(p.entries)
	p.mu.Unlock()
	metrics.PoolActiveHandles.WithLabelValues(p.opts.Protocol).Set(float64(active))

	if ok {
		if err := e.handle.Close(); err != nil {
			logger.Debugf("[%s pool] error closing session for %s: %v",
				p.opts.Protocol, helpers.HashIdentity(identity), err)
		}
	}
	return p.store.Remove(ctx, identity)
}

// Stats reports current occupancy and lifetime counters. Reused and Hits
// report the same counter under both names for API compatibility.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	identities := make([]string, 0, len(p.entries))
	for identity := range p.entries {
		identities = append(identities, identity)
	}
	active := len(p.entries)
	p.mu.Unlock()
	sort.Strings(identities)
	reused := p.reused.Load()
	return PoolStats{
		Active:     active,
		Capacity:   p.opts.Capacity,
		Identities: identities,
		Created:    p.created.Load(),
		Reused:     reused,
		Hits:       reused,
		Misses:     p.misses.Load(),
	}
}

// CloseAll tears down every live handle and marks the pool closed. Each
// handle's Close is attempted exactly once; errors are logged and do not
// stop the teardown. Durable records are deliberately left in the store so
// a restarted process can tell which sessions were recently active.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	drained := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for identity, e := range drained {
		if err := e.handle.Close(); err != nil {
			logger.Debugf("[%s pool] error closing session for %s during shutdown: %v",
				p.opts.Protocol, helpers.HashIdentity(identity), err)
		}
	}
	metrics.PoolActiveHandles.WithLabelValues(p.opts.Protocol).Set(0)
	logger.Infof("[%s pool] closed %d sessions", p.opts.Protocol, len(drained))
}
