package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	session "github.com/swfrench/session-cache"
	"github.com/swfrench/session-cache/store"
	"github.com/swfrench/session-cache/store/memory"
)

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock shared by a cache and its store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)
}

// stubStore is a memory store with injectable errors and call counts. The
// optional on* hooks run before the call reaches the memory store (after, for
// onGetExpired) with no locks held.
type stubStore struct {
	ms           *memory.Store
	mu           sync.Mutex
	loads        int
	stores       int
	deletes      int
	loadErr      func() error
	storeErr     func() error
	delErr       func() error
	onLoad       func(ctx context.Context) error
	onDelete     func()
	onGetExpired func()
}

func newStubStore(fc *fakeClock) *stubStore {
	ms := memory.New()
	ms.Clock = fc.Now
	return &stubStore{
		ms:       ms,
		loadErr:  func() error { return nil },
		storeErr: func() error { return nil },
		delErr:   func() error { return nil },
	}
}

func (s *stubStore) Load(ctx context.Context, sid string) (*store.Record, error) {
	s.mu.Lock()
	s.loads++
	err := s.loadErr()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.onLoad != nil {
		if err := s.onLoad(ctx); err != nil {
			return nil, err
		}
	}
	return s.ms.Load(ctx, sid)
}

func (s *stubStore) Store(ctx context.Context, sid string, r *store.Record) error {
	s.mu.Lock()
	s.stores++
	err := s.storeErr()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ms.Store(ctx, sid, r)
}

func (s *stubStore) Delete(ctx context.Context, sid string) error {
	s.mu.Lock()
	s.deletes++
	err := s.delErr()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.onDelete != nil {
		s.onDelete()
	}
	return s.ms.Delete(ctx, sid)
}

func (s *stubStore) Exists(ctx context.Context, sid string) (bool, error) {
	return s.ms.Exists(ctx, sid)
}

func (s *stubStore) GetExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	expired, err := s.ms.GetExpired(ctx, candidates, now)
	if s.onGetExpired != nil {
		s.onGetExpired()
	}
	return expired, err
}

func (s *stubStore) counts() (loads, stores, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.stores, s.deletes
}

// stored returns the record for sid, or nil if there is none.
func (s *stubStore) stored(t *testing.T, sid string) *store.Record {
	t.Helper()
	r, err := s.ms.Load(context.Background(), sid)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("Load(%q) returned unexpected error: %v", sid, err)
	}
	return r
}

func mustCreateCache(t *testing.T, ds store.DataStore, fc *fakeClock, opts *session.Options) *session.Cache {
	t.Helper()
	c, err := session.NewCache(ds, opts)
	if err != nil {
		t.Fatalf("NewCache() returned unexpected error: %v", err)
	}
	c.Clock = fc.Now
	return c
}

func mustGetOrCreate(t *testing.T, c *session.Cache, sid string) *session.Session {
	t.Helper()
	s, err := c.GetOrCreate(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetOrCreate(%q) returned unexpected error: %v", sid, err)
	}
	return s
}

func mustRelease(t *testing.T, c *session.Cache, s *session.Session) {
	t.Helper()
	if err := c.Release(context.Background(), s); err != nil {
		t.Fatalf("Release(%q) returned unexpected error: %v", s.ID(), err)
	}
}

// testContext returns a context that is canceled when the test completes
// (equivalent to testing.T.Context, which requires Go 1.24).
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
