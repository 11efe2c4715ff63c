package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/swfrench/session-cache/internal/retry"
	"github.com/swfrench/session-cache/store"
	"golang.org/x/exp/slog"
)

const (
	defaultScavengeJitter     = 0.1
	defaultScavengeRetryLimit = 1024
)

// ScavengerOptions represents tunable knobs that control the behavior of
// Scavenger.
type ScavengerOptions struct {
	// Interval is the mean time between sweeps run by Run. A non-positive
	// interval disables scavenging.
	Interval time.Duration
	// Jitter is the fractional amplitude of the random jitter applied to each
	// interval, keeping nodes that share a store from sweeping in lockstep.
	// Default if unspecified: 0.1
	Jitter float64
	// RetryLimit bounds the number of failed deletions kept for retry on the
	// next sweep.
	// Default if unspecified: 1024
	RetryLimit int
}

// Scavenger removes expired sessions from the store backing a Cache. Sweeps by
// different nodes sharing a store may overlap; a sweep is idempotent.
type Scavenger struct {
	// Clock can be used to override measurement of time in tests.
	Clock   func() time.Time
	cache   *Cache
	opts    ScavengerOptions
	mu      sync.Mutex   // held for the duration of a sweep
	pending *queue.Queue // SIDs whose deletion failed transiently
}

// NewScavenger returns a new Scavenger for the provided cache (and its store),
// respecting the provided options (which may be nil).
func NewScavenger(c *Cache, opts *ScavengerOptions) (*Scavenger, error) {
	if c == nil {
		return nil, fmt.Errorf("nil session cache: %w", ErrInvalidConfig)
	}
	var o ScavengerOptions
	if opts != nil {
		o = *opts
	}
	if o.Jitter < 0.0 || o.Jitter > 1.0 {
		return nil, fmt.Errorf("scavenge jitter %v outside [0, 1]: %w", o.Jitter, ErrInvalidConfig)
	}
	if o.Jitter == 0.0 {
		o.Jitter = defaultScavengeJitter
	}
	if o.RetryLimit < 0 {
		return nil, fmt.Errorf("negative scavenge retry limit %d: %w", o.RetryLimit, ErrInvalidConfig)
	}
	if o.RetryLimit == 0 {
		o.RetryLimit = defaultScavengeRetryLimit
	}
	return &Scavenger{
		Clock:   func() time.Time { return time.Now() },
		cache:   c,
		opts:    o,
		pending: queue.New(),
	}, nil
}

// Pending returns the number of deletions queued for retry.
func (s *Scavenger) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Length()
}

// Sweep runs one scavenging pass at now, returning the number of expired
// sessions deleted from the store. Deletions queued by earlier sweeps are
// retried first.
func (s *Scavenger) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, n0 := 0, s.pending.Length(); i < n0; i++ {
		if s.reap(ctx, s.pending.Remove().(string), now) {
			n++
		}
	}
	candidates := s.cache.ExpiryCandidates(now)
	expired, err := s.cache.store.GetExpired(ctx, candidates, now)
	if err != nil {
		return n, fmt.Errorf("failed to find expired sessions: %w", err)
	}
	for _, sid := range expired {
		if s.reap(ctx, sid, now) {
			n++
		}
	}
	return n, nil
}

// reap deletes an expired session from the store, after making sure the local
// cache neither holds nor will write back a live copy of it.
func (s *Scavenger) reap(ctx context.Context, sid string, now time.Time) bool {
	if !s.cache.Expire(sid, now) {
		slog.Debug("Skipping expired session with a live local copy", "sid", sid)
		return false
	}
	ds := s.cache.store
	r, err := ds.Load(ctx, sid)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return false
	case err == nil && !r.ExpiredAt(now):
		// Refreshed by another node since it was reported.
		return false
	case errors.Is(err, store.ErrStoreUnavailable):
		s.retryLater(sid, err)
		return false
	}
	err = ds.Delete(ctx, sid)
	switch {
	case err == nil:
		slog.Debug("Deleted expired session", "sid", sid)
		return true
	case errors.Is(err, store.ErrSessionNotFound):
		return false
	case errors.Is(err, store.ErrStoreUnavailable):
		s.retryLater(sid, err)
	default:
		slog.Error("Failed to delete expired session", "sid", sid, "error", err)
	}
	return false
}

// retryLater queues sid for the next sweep, unless the queue is full.
func (s *Scavenger) retryLater(sid string, err error) {
	if s.pending.Length() >= s.opts.RetryLimit {
		slog.Error("Failed to delete expired session, retry queue full", "sid", sid, "error", err)
		return
	}
	slog.Warn("Failed to delete expired session, will retry", "sid", sid, "error", err)
	s.pending.Add(sid)
}

// Run sweeps at jittered intervals, evicting idle sessions from the cache on
// each tick, until ctx is done. It returns immediately if scavenging is
// disabled.
func (s *Scavenger) Run(ctx context.Context) {
	if s.opts.Interval <= 0 {
		slog.Info("Session scavenging disabled")
		return
	}
	for {
		t := time.NewTimer(retry.Jittered(s.opts.Interval, s.opts.Jitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		now := s.Clock()
		if n := s.cache.EvictIdle(ctx, now); n > 0 {
			slog.Debug("Evicted idle sessions", "count", n)
		}
		n, err := s.Sweep(ctx, now)
		if err != nil {
			slog.Error("Session sweep failed", "error", err)
			continue
		}
		if n > 0 {
			slog.Info("Scavenged expired sessions", "count", n)
		}
	}
}
