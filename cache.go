package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/swfrench/session-cache/internal/retry"
	"github.com/swfrench/session-cache/store"
	"golang.org/x/exp/slog"
)

const (
	defaultMaxInactiveInterval = 30 * time.Minute
	defaultSaveAttempts        = 1
	defaultSaveBackoff         = 50 * time.Millisecond
)

// Options represents tunable knobs that control the behavior of Cache.
type Options struct {
	// Eviction decides when unused sessions leave memory.
	// Default if unspecified: NeverEvict
	Eviction EvictionPolicy
	// SaveOnCreate writes new sessions to the store as soon as they are
	// created, making them visible to other nodes even if never modified.
	SaveOnCreate bool
	// SaveOnInactiveEvict writes a session before evicting it for inactivity,
	// even if it has no unsaved changes, so that the store reflects its latest
	// access time.
	SaveOnInactiveEvict bool
	// FlushOnResponseCommit makes Commit write sessions with unsaved changes,
	// bounding what a crash can lose once a response has reached the client.
	FlushOnResponseCommit bool
	// RemoveUnloadableSessions treats sessions that cannot be loaded as absent
	// (creating a fresh session in their place), deleting records that fail to
	// deserialize.
	RemoveUnloadableSessions bool
	// MaxInactiveInterval is the inactivity timeout given to new sessions. A
	// negative value means new sessions never expire.
	// Default if unspecified: 30m
	MaxInactiveInterval time.Duration
	// SavePeriod bounds how stale the stored access time of an unmodified
	// session may become before a release writes it anyway.
	// Default if unspecified: half of each session's max inactive interval
	SavePeriod time.Duration
	// SaveAttempts is the number of attempts made for each write, retrying
	// only store.ErrStoreUnavailable failures.
	// Default if unspecified: 1
	SaveAttempts int
	// SaveBackoff is the delay before the first write retry, growing
	// exponentially with each further attempt.
	// Default if unspecified: 50ms
	SaveBackoff time.Duration
	// Node names this cache in the records it writes.
	Node string
}

func (o *Options) validate() error {
	if err := o.Eviction.validate(); err != nil {
		return err
	}
	if o.SavePeriod < 0 {
		return fmt.Errorf("negative save period %v: %w", o.SavePeriod, ErrInvalidConfig)
	}
	if o.SaveAttempts < 0 {
		return fmt.Errorf("negative save attempts %d: %w", o.SaveAttempts, ErrInvalidConfig)
	}
	if o.SaveBackoff < 0 {
		return fmt.Errorf("negative save backoff %v: %w", o.SaveBackoff, ErrInvalidConfig)
	}
	return nil
}

// entry is the map slot for one session ID. It is inserted before the session
// is loaded, so that concurrent GetOrCreate calls for the same ID wait for a
// single load instead of racing; ready is closed once s (or err) is set, and
// gone once s leaves the map.
type entry struct {
	ready chan struct{}
	gone  chan struct{}
	s     *Session
	err   error
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{}), gone: make(chan struct{})}
}

func (e *entry) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Cache is the authoritative in-memory map from session ID to Session for one
// node. It is safe for concurrent use.
//
// Locking: mu guards the map and is only held for structural changes and
// lookups, never across store I/O. Each Session's own mutex guards its fields;
// when both are needed, mu is acquired first.
type Cache struct {
	// Clock can be used to override measurement of time in tests.
	Clock    func() time.Time
	store    store.DataStore
	opts     Options
	backoff  retry.Backoff
	mu       sync.Mutex
	sessions map[string]*entry
}

// NewCache returns a new Cache backed by the provided store and respecting the
// provided options (which may be nil).
func NewCache(ds store.DataStore, opts *Options) (*Cache, error) {
	if ds == nil {
		return nil, fmt.Errorf("nil session store: %w", ErrInvalidConfig)
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.MaxInactiveInterval == time.Duration(0) {
		o.MaxInactiveInterval = defaultMaxInactiveInterval
	}
	if o.SaveAttempts == 0 {
		o.SaveAttempts = defaultSaveAttempts
	}
	if o.SaveBackoff == time.Duration(0) {
		o.SaveBackoff = defaultSaveBackoff
	}
	return &Cache{
		Clock:    func() time.Time { return time.Now() },
		store:    ds,
		opts:     o,
		backoff:  retry.Backoff{Base: o.SaveBackoff, Growth: 2.0, Jitter: 0.2},
		sessions: make(map[string]*entry),
	}, nil
}

// errLeaving is returned by acquire for an unused invalidated session that is
// being deleted; the caller retries once it has left the map.
var errLeaving = errors.New("session is leaving the cache")

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetOrCreate returns the Session with the provided ID, acquiring it for the
// caller (who must Release it exactly once, whatever the outcome of the
// request). The resident instance is returned if there is one; otherwise the
// session is loaded from the store, or created if the store has no live
// record of it.
//
// ErrInvalidSession is returned if the resident instance has been invalidated
// but is still held by others.
func (c *Cache) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	return c.get(ctx, id, true)
}

// Get is like GetOrCreate, but returns store.ErrSessionNotFound rather than
// creating a session.
func (c *Cache) Get(ctx context.Context, id string) (*Session, error) {
	return c.get(ctx, id, false)
}

func (c *Cache) get(ctx context.Context, id string, mayCreate bool) (*Session, error) {
	if id == "" {
		return nil, errors.New("empty session ID")
	}
	for {
		c.mu.Lock()
		e, ok := c.sessions[id]
		if !ok {
			e = newEntry()
			c.sessions[id] = e
			c.mu.Unlock()
			return c.create(ctx, id, e, mayCreate)
		}
		c.mu.Unlock()
		if err := wait(ctx, e.ready); err != nil {
			return nil, err
		}
		switch {
		case errors.Is(e.err, store.ErrSessionNotFound):
			// A Get found nothing; load (or create) afresh.
			continue
		case errors.Is(e.err, context.Canceled), errors.Is(e.err, context.DeadlineExceeded):
			// The loading caller gave up, which says nothing about our own ctx.
			continue
		case e.err != nil:
			return nil, e.err
		}
		s, expired, err := c.acquire(id, e)
		if errors.Is(err, errLeaving) {
			if err := wait(ctx, e.gone); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if expired != nil {
			slog.Debug("Discarding expired resident session", "sid", id)
			if err := c.discard(ctx, expired); err != nil {
				slog.Error("Failed to delete expired session", "sid", id, "error", err)
			}
			continue
		}
		if s == nil {
			// Evicted or invalidated while we waited.
			continue
		}
		return s, nil
	}
}

// acquire increments the use count of the session in e, provided e is still
// the map entry for id. An unused session found to have expired is
// invalidated and returned as expired instead. An unused session that is
// already invalid yields errLeaving.
func (c *Cache) acquire(id string, e *entry) (s, expired *Session, err error) {
	now := c.Clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[id] != e {
		return nil, nil, nil
	}
	s = e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		if s.useCount == 0 {
			return nil, nil, errLeaving
		}
		return nil, nil, fmt.Errorf("session %q: %w", id, ErrInvalidSession)
	}
	if s.useCount == 0 && s.expiredAtLocked(now) {
		s.valid = false
		return nil, s, nil
	}
	s.useCount++
	s.isNew = false
	s.accessLocked(now)
	return s, nil, nil
}

// create fills the placeholder entry e by loading or creating the session.
func (c *Cache) create(ctx context.Context, id string, e *entry, mayCreate bool) (*Session, error) {
	now := c.Clock()
	s, err := c.load(ctx, id, now)
	if err == nil && s == nil && !mayCreate {
		err = fmt.Errorf("session %q: %w", id, store.ErrSessionNotFound)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.sessions, id)
		e.err = err
		close(e.ready)
		c.mu.Unlock()
		return nil, err
	}
	created := s == nil
	if created {
		s = newSession(id, now, c.opts.MaxInactiveInterval)
	}
	s.useCount = 1
	s.resident = true
	c.mu.Lock()
	e.s = s
	close(e.ready)
	c.mu.Unlock()
	if created {
		slog.Debug("Created session", "sid", id)
		if c.opts.SaveOnCreate {
			if err := c.save(ctx, s); err != nil {
				c.unpin(ctx, s)
				return nil, err
			}
		}
	}
	return s, nil
}

// load returns the stored session for id, or nil if there is none to use.
func (c *Cache) load(ctx context.Context, id string, now time.Time) (*Session, error) {
	r, err := c.store.Load(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		if !c.opts.RemoveUnloadableSessions || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to load session %q: %w", id, err)
		}
		slog.Warn("Treating unloadable session as absent", "sid", id, "error", err)
		if errors.Is(err, store.ErrInvalidStoredSessionData) {
			if err := c.deleteRecord(ctx, id); err != nil {
				slog.Error("Failed to delete unloadable session", "sid", id, "error", err)
			}
		}
		return nil, nil
	}
	if r.ExpiredAt(now) {
		slog.Debug("Discarding expired session record", "sid", id)
		if err := c.deleteRecord(ctx, id); err != nil {
			slog.Error("Failed to delete expired session", "sid", id, "error", err)
		}
		return nil, nil
	}
	s := sessionFromRecord(id, r)
	s.accessLocked(now)
	return s, nil
}

// Release returns a Session acquired by GetOrCreate. When the last holder
// releases it, the session is written to the store if it has unsaved changes
// (or is otherwise due a write), and then evicted if the eviction policy says
// so. A failed write is returned to the caller; the session then stays
// resident with its changes, to be written again at the next save point.
//
// Releasing the last hold on an invalidated session removes it from the cache
// and the store.
func (c *Cache) Release(ctx context.Context, s *Session) error {
	now := c.Clock()
	s.mu.Lock()
	if s.useCount <= 0 {
		n := s.useCount
		s.mu.Unlock()
		panic(fmt.Sprintf("session: release of session %q with use count %d", s.id, n))
	}
	s.useCount--
	last := s.useCount == 0
	valid := s.valid
	var save, evict bool
	if valid && last {
		save = s.needsSaveLocked(c.opts.SavePeriod)
		evict = c.opts.Eviction.ShouldEvict(s.lastAccessed, now)
		if evict && c.opts.Eviction.idle() && c.opts.SaveOnInactiveEvict {
			save = true
		}
	}
	s.mu.Unlock()
	if !valid {
		if last {
			return c.discard(ctx, s)
		}
		return nil
	}
	if save {
		if err := c.save(ctx, s); err != nil {
			return err
		}
	}
	if evict {
		c.evict(s, now)
	}
	return nil
}

// unpin drops a hold without any of the release save points.
func (c *Cache) unpin(ctx context.Context, s *Session) {
	s.mu.Lock()
	if s.useCount <= 0 {
		n := s.useCount
		s.mu.Unlock()
		panic(fmt.Sprintf("session: unpin of session %q with use count %d", s.id, n))
	}
	s.useCount--
	leaving := s.useCount == 0 && !s.valid
	s.mu.Unlock()
	if leaving {
		if err := c.discard(ctx, s); err != nil {
			slog.Error("Failed to delete invalidated session", "sid", s.id, "error", err)
		}
	}
}

// Commit is the flush-on-response-commit save point: if enabled, it writes the
// session when it has changes not yet in the store. HTTP bindings call it
// before the first byte of the response is sent.
func (c *Cache) Commit(ctx context.Context, s *Session) error {
	if !c.opts.FlushOnResponseCommit {
		return nil
	}
	s.mu.Lock()
	due := s.valid && (s.dirty || s.lastSaved.IsZero())
	s.mu.Unlock()
	if !due {
		return nil
	}
	return c.save(ctx, s)
}

// Invalidate invalidates the session with the provided ID and deletes it from
// the store. Holders of the session see ErrInvalidSession from then on; it
// leaves the cache once they have all released it. Invalidating an unknown or
// already invalidated ID is not an error.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	for {
		c.mu.Lock()
		e, ok := c.sessions[id]
		if !ok {
			c.mu.Unlock()
			return c.deleteRecord(ctx, id)
		}
		if !e.isReady() {
			c.mu.Unlock()
			if err := wait(ctx, e.ready); err != nil {
				return err
			}
			continue
		}
		// Failed loads leave the map before ready is closed, so e.s is set.
		s := e.s
		s.mu.Lock()
		s.valid = false
		s.mu.Unlock()
		c.mu.Unlock()
		return c.discard(ctx, s)
	}
}

// Contains reports whether a valid session with the provided ID is resident,
// without acquiring it.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok || !e.isReady() || e.s == nil {
		return false
	}
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.valid
}

// Len returns the number of map entries, including sessions being loaded.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// resident returns the sessions currently in the map (loads excluded) for
// which keep returns true. keep is called with the session lock held.
func (c *Cache) resident(keep func(s *Session) bool) []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Session
	for _, e := range c.sessions {
		if !e.isReady() || e.s == nil {
			continue
		}
		e.s.mu.Lock()
		if keep(e.s) {
			out = append(out, e.s)
		}
		e.s.mu.Unlock()
	}
	return out
}

// EvictIdle evicts the unused sessions that the eviction policy allows to
// leave at now, writing them first where needed. It returns the number of
// sessions evicted. Sessions whose write fails stay resident.
func (c *Cache) EvictIdle(ctx context.Context, now time.Time) int {
	if c.opts.Eviction.kind == evictNever {
		return 0
	}
	idle := c.resident(func(s *Session) bool {
		return s.valid && s.useCount == 0 && c.opts.Eviction.ShouldEvict(s.lastAccessed, now)
	})
	n := 0
	for _, s := range idle {
		s.mu.Lock()
		save := s.needsSaveLocked(c.opts.SavePeriod) || (c.opts.Eviction.idle() && c.opts.SaveOnInactiveEvict)
		s.mu.Unlock()
		if save {
			if err := c.save(ctx, s); err != nil {
				continue
			}
		}
		if c.evict(s, now) {
			n++
		}
	}
	return n
}

// ExpiryCandidates returns the IDs of unused resident sessions that have
// expired at now, for use as Scavenger candidates.
func (c *Cache) ExpiryCandidates(now time.Time) []string {
	expired := c.resident(func(s *Session) bool {
		return s.valid && s.useCount == 0 && s.expiredAtLocked(now)
	})
	ids := make([]string, len(expired))
	for i, s := range expired {
		ids[i] = s.id
	}
	return ids
}

// Expire drops the resident copy of a session the store reports as expired,
// so that it is not written back or handed out again. It returns false, and
// leaves the session alone, if the local copy is in use, still being loaded,
// or has been accessed recently enough not to have expired at now; the store
// record should then be kept too.
func (c *Cache) Expire(id string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok {
		return true
	}
	if !e.isReady() {
		return false
	}
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useCount > 0 {
		return false
	}
	if s.valid && !s.expiredAtLocked(now) {
		return false
	}
	s.valid = false
	c.removeLocked(s)
	return true
}

// Shutdown writes every resident session with unsaved changes and evicts all
// unused sessions. It returns the combined write errors.
func (c *Cache) Shutdown(ctx context.Context) error {
	var errs []error
	now := c.Clock()
	for _, s := range c.resident(func(s *Session) bool { return s.valid }) {
		s.mu.Lock()
		due := s.dirty || s.lastSaved.IsZero()
		s.mu.Unlock()
		if due {
			if err := c.save(ctx, s); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		c.mu.Lock()
		s.mu.Lock()
		if s.useCount == 0 && !s.dirty {
			c.removeLocked(s)
		}
		s.mu.Unlock()
		c.mu.Unlock()
	}
	slog.Info("Session cache shut down", "time", now, "remaining", c.Len())
	return errors.Join(errs...)
}

// save writes the current state of the session to the store.
func (c *Cache) save(ctx context.Context, s *Session) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	now := c.Clock()
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return nil
	}
	r := s.recordLocked(now, c.opts.Node)
	version := s.version
	s.mu.Unlock()
	if err := c.write(ctx, s.id, r); err != nil {
		slog.Error("Failed to save session", "sid", s.id, "error", err)
		return fmt.Errorf("failed to save session %q: %w", s.id, err)
	}
	s.mu.Lock()
	s.lastSaved = r.LastSaved
	s.lastNode = r.LastNode
	if s.version == version {
		s.dirty = false
	}
	s.mu.Unlock()
	return nil
}

// write stores the record, retrying transient store failures.
func (c *Cache) write(ctx context.Context, id string, r *store.Record) error {
	var lastErr error
	err := c.backoff.Do(ctx, func(rc *retry.RetryContext) {
		lastErr = c.store.Store(ctx, id, r)
		switch {
		case lastErr == nil:
			rc.Done()
		case !errors.Is(lastErr, store.ErrStoreUnavailable):
			rc.Abort()
		}
	}, c.opts.SaveAttempts)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// evict removes the session from the map if it is unused, has nothing left to
// write, and the eviction policy still allows it at now.
func (c *Cache) evict(s *Session, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resident || !s.valid || s.useCount > 0 || s.dirty || s.lastSaved.IsZero() {
		return false
	}
	if !c.opts.Eviction.ShouldEvict(s.lastAccessed, now) {
		return false
	}
	c.removeLocked(s)
	slog.Debug("Evicted session", "sid", s.id)
	return true
}

// discard deletes an invalidated session from the store and then from the
// map. Deleting first keeps the ID reserved (GetOrCreate fails with
// ErrInvalidSession) until the stored record is gone.
func (c *Cache) discard(ctx context.Context, s *Session) error {
	err := c.deleteStored(ctx, s)
	c.mu.Lock()
	s.mu.Lock()
	if s.useCount == 0 {
		c.removeLocked(s)
	}
	s.mu.Unlock()
	c.mu.Unlock()
	return err
}

// deleteStored deletes the session record, ordered after any in-flight write.
func (c *Cache) deleteStored(ctx context.Context, s *Session) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return c.deleteRecord(ctx, s.id)
}

func (c *Cache) deleteRecord(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}

// removeLocked removes a resident session from the map. Both c.mu and s.mu
// must be held.
func (c *Cache) removeLocked(s *Session) {
	if !s.resident {
		return
	}
	e, ok := c.sessions[s.id]
	if !ok || e.s != s {
		panic(fmt.Sprintf("session: resident session %q is not mapped to its ID", s.id))
	}
	delete(c.sessions, s.id)
	close(e.gone)
	s.resident = false
}
