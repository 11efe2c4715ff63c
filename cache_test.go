package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	session "github.com/swfrench/session-cache"
	"github.com/swfrench/session-cache/internal/testutil"
	"github.com/swfrench/session-cache/store"
	redisstore "github.com/swfrench/session-cache/store/redis"
)

func unavailable() error {
	return fmt.Errorf("connection refused: %w", store.ErrStoreUnavailable)
}

func mustEvictOnInactivity(t *testing.T, d time.Duration) session.EvictionPolicy {
	t.Helper()
	p, err := session.EvictOnInactivity(d)
	if err != nil {
		t.Fatalf("EvictOnInactivity(%v) returned unexpected error: %v", d, err)
	}
	return p
}

func TestNewCacheInvalidConfig(t *testing.T) {
	fc := newFakeClock()
	testCases := []struct {
		name string
		ds   store.DataStore
		opts *session.Options
	}{
		{
			name: "nil store",
			opts: &session.Options{},
		},
		{
			name: "negative save attempts",
			ds:   newStubStore(fc),
			opts: &session.Options{SaveAttempts: -1},
		},
		{
			name: "negative save period",
			ds:   newStubStore(fc),
			opts: &session.Options{SavePeriod: -time.Second},
		},
		{
			name: "negative save backoff",
			ds:   newStubStore(fc),
			opts: &session.Options{SaveBackoff: -time.Second},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := session.NewCache(tc.ds, tc.opts); !errors.Is(err, session.ErrInvalidConfig) {
				t.Errorf("NewCache() returned incorrect error - got: %v want: %v", err, session.ErrInvalidConfig)
			}
		})
	}
}

func TestReleaseWritesNewSession(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	c := mustCreateCache(t, ss, fc, nil)

	s := mustGetOrCreate(t, c, "A")
	if !s.IsNew() {
		t.Error("IsNew() = false for a newly created session")
	}
	if got := ss.stored(t, "A"); got != nil {
		t.Fatalf("Session unexpectedly stored before release: %+v", got)
	}
	if err := s.Set("x", float64(1)); err != nil {
		t.Fatalf("Set() returned unexpected error: %v", err)
	}
	mustRelease(t, c, s)

	got := ss.stored(t, "A")
	if got == nil {
		t.Fatal("Session not stored after release")
	}
	want := &store.Record{
		ID:           "A",
		Attributes:   map[string]any{"x": float64(1)},
		Created:      t0,
		LastAccessed: t0,
		LastSaved:    t0,
		MaxInactive:  30 * time.Minute,
		Expiry:       t0.Add(30 * time.Minute),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stored record does not match expected (+got, -want):\n%s", diff)
	}
	if !c.Contains("A") {
		t.Error("Contains() = false for a session that should never be evicted")
	}
	if s.IsDirty() {
		t.Error("IsDirty() = true after a successful save")
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	ss.loadErr = func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}
	c := mustCreateCache(t, ss, fc, nil)

	const n = 32
	got := make([]*session.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.GetOrCreate(context.Background(), "A")
			if err != nil {
				t.Errorf("GetOrCreate() returned unexpected error: %v", err)
				return
			}
			got[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("GetOrCreate() returned distinct instances for the same ID")
		}
	}
	if loads, _, _ := ss.counts(); loads != 1 {
		t.Errorf("Unexpected number of store loads - got: %d want: %d", loads, 1)
	}
	if got, want := got[0].UseCount(), n; got != want {
		t.Errorf("UseCount() returned incorrect value - got: %d want: %d", got, want)
	}

	s := got[0]
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Release(context.Background(), s); err != nil {
				t.Errorf("Release() returned unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got, want := s.UseCount(), 0; got != want {
		t.Errorf("UseCount() returned incorrect value - got: %d want: %d", got, want)
	}
	if _, stores, _ := ss.counts(); stores != 1 {
		t.Errorf("Unexpected number of store writes - got: %d want: %d", stores, 1)
	}
}

type acquired struct {
	s   *session.Session
	err error
}

func goGetOrCreate(ctx context.Context, c *session.Cache, sid string) <-chan acquired {
	ch := make(chan acquired, 1)
	go func() {
		s, err := c.GetOrCreate(ctx, sid)
		ch <- acquired{s: s, err: err}
	}()
	return ch
}

func TestCanceledLoadDoesNotFailWaiters(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	started := make(chan struct{})
	var once sync.Once
	ss.onLoad = func(ctx context.Context) error {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	c := mustCreateCache(t, ss, fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	loader := goGetOrCreate(ctx, c, "A")
	<-started
	waiter := goGetOrCreate(context.Background(), c, "A")
	// Let the waiter block on the in-flight load before it is abandoned.
	time.Sleep(10 * time.Millisecond)
	cancel()

	if got := <-loader; !errors.Is(got.err, context.Canceled) {
		t.Errorf("GetOrCreate() with canceled context returned incorrect error - got: %v want: %v", got.err, context.Canceled)
	}
	got := <-waiter
	if got.err != nil {
		t.Fatalf("GetOrCreate() waiting on a canceled load returned unexpected error: %v", got.err)
	}
	defer mustRelease(t, c, got.s)
	if !got.s.IsNew() {
		t.Error("IsNew() = false for a session with no stored record")
	}
	if got, want := got.s.UseCount(), 1; got != want {
		t.Errorf("UseCount() returned incorrect value - got: %d want: %d", got, want)
	}
	if loads, _, _ := ss.counts(); loads != 2 {
		t.Errorf("Unexpected number of store loads - got: %d want: %d", loads, 2)
	}
}

func TestEvictionWaitsForAllHolders(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	c := mustCreateCache(t, ss, fc, &session.Options{Eviction: session.EvictOnSessionExit()})

	s1 := mustGetOrCreate(t, c, "A")
	s2 := mustGetOrCreate(t, c, "A")
	if s1 != s2 {
		t.Fatal("GetOrCreate() returned distinct instances for the same ID")
	}
	if got, want := s1.UseCount(), 2; got != want {
		t.Errorf("UseCount() returned incorrect value - got: %d want: %d", got, want)
	}
	if s2.IsNew() {
		t.Error("IsNew() = true for a session found in the cache")
	}

	mustRelease(t, c, s1)
	if !c.Contains("A") {
		t.Error("Session evicted while still held")
	}
	if _, stores, _ := ss.counts(); stores != 0 {
		t.Errorf("Unexpected store write before the last release - got: %d want: %d", stores, 0)
	}

	mustRelease(t, c, s2)
	if c.Contains("A") {
		t.Error("Session not evicted after the last release")
	}
	if ss.stored(t, "A") == nil {
		t.Error("Session not stored before eviction")
	}
}

func TestUnloadableSession(t *testing.T) {
	testCases := []struct {
		name       string
		remove     bool
		wantErr    error
		wantRecord bool
	}{
		{
			name:       "fails by default",
			wantErr:    store.ErrInvalidStoredSessionData,
			wantRecord: true,
		},
		{
			name:   "replaced when removal enabled",
			remove: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeClock()
			rb := testutil.MustCreateRedisBundle(t)
			rs := redisstore.New(rb.Client(), "session")
			rs.Clock = fc.Now
			if err := rb.Server().Set("session:A", "garbage"); err != nil {
				t.Fatalf("Set() returned unexpected error: %v", err)
			}
			c := mustCreateCache(t, rs, fc, &session.Options{RemoveUnloadableSessions: tc.remove})

			s, err := c.GetOrCreate(context.Background(), "A")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("GetOrCreate() returned incorrect error - got: %v want: %v", err, tc.wantErr)
			}
			if tc.wantErr == nil {
				if !s.IsNew() {
					t.Error("IsNew() = false for a session replacing an unloadable record")
				}
				if names, _ := s.Names(); len(names) != 0 {
					t.Errorf("Replacement session has unexpected attributes: %v", names)
				}
			} else if got, want := c.Len(), 0; got != want {
				t.Errorf("Len() returned incorrect value after failed load - got: %d want: %d", got, want)
			}
			if got := rb.Server().Exists("session:A"); got != tc.wantRecord {
				t.Errorf("Unexpected presence of unloadable record - got: %v want: %v", got, tc.wantRecord)
			}
		})
	}
}

func TestLoadFailure(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	ss.loadErr = unavailable
	c := mustCreateCache(t, ss, fc, nil)

	if _, err := c.GetOrCreate(context.Background(), "A"); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Errorf("GetOrCreate() returned incorrect error - got: %v want: %v", err, store.ErrStoreUnavailable)
	}

	// Load failures are not cached.
	ss.loadErr = func() error { return nil }
	s := mustGetOrCreate(t, c, "A")
	mustRelease(t, c, s)
}

func TestLoadExistingSession(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	created := t0.Add(-time.Hour)
	if err := ss.ms.Store(context.Background(), "A", &store.Record{
		ID:           "A",
		Attributes:   map[string]any{"greeting": "hola"},
		Created:      created,
		LastAccessed: t0.Add(-time.Minute),
		LastSaved:    t0.Add(-time.Minute),
		MaxInactive:  30 * time.Minute,
		Expiry:       t0.Add(29 * time.Minute),
	}); err != nil {
		t.Fatalf("Store() returned unexpected error: %v", err)
	}
	c := mustCreateCache(t, ss, fc, nil)

	s := mustGetOrCreate(t, c, "A")
	defer mustRelease(t, c, s)
	if s.IsNew() {
		t.Error("IsNew() = true for a loaded session")
	}
	got, err := s.Get("greeting")
	if err != nil {
		t.Fatalf("Get() returned unexpected error: %v", err)
	}
	if diff := cmp.Diff("hola", got); diff != "" {
		t.Errorf("Get() returned incorrect value (+got, -want):\n%s", diff)
	}
	if got, want := s.Created(), created; !got.Equal(want) {
		t.Errorf("Created() returned incorrect time - got: %v want: %v", got, want)
	}
	if got, want := s.LastAccessed(), t0; !got.Equal(want) {
		t.Errorf("LastAccessed() returned incorrect time - got: %v want: %v", got, want)
	}
}

func TestExpiredRecordReplaced(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	if err := ss.ms.Store(context.Background(), "A", &store.Record{
		ID:           "A",
		Attributes:   map[string]any{"greeting": "hola"},
		Created:      t0.Add(-time.Hour),
		LastAccessed: t0.Add(-time.Hour),
		LastSaved:    t0.Add(-time.Hour),
		MaxInactive:  30 * time.Minute,
		Expiry:       t0.Add(-30 * time.Minute),
	}); err != nil {
		t.Fatalf("Store() returned unexpected error: %v", err)
	}
	c := mustCreateCache(t, ss, fc, nil)

	s := mustGetOrCreate(t, c, "A")
	defer mustRelease(t, c, s)
	if !s.IsNew() {
		t.Error("IsNew() = false for a session replacing an expired record")
	}
	if got, _ := s.Get("greeting"); got != nil {
		t.Errorf("Expired attributes carried into replacement session: %v", got)
	}
	if got := ss.stored(t, "A"); got != nil {
		t.Errorf("Expired record not deleted: %+v", got)
	}
}

func TestExpiredResidentSessionReplaced(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	c := mustCreateCache(t, ss, fc, &session.Options{MaxInactiveInterval: 10 * time.Minute})

	old := mustGetOrCreate(t, c, "A")
	if err := old.Set("x", "y"); err != nil {
		t.Fatalf("Set() returned unexpected error: %v", err)
	}
	mustRelease(t, c, old)

	fc.Advance(10 * time.Minute)
	s := mustGetOrCreate(t, c, "A")
	defer mustRelease(t, c, s)
	if s == old {
		t.Fatal("GetOrCreate() returned an expired session")
	}
	if !s.IsNew() {
		t.Error("IsNew() = false for a session replacing an expired one")
	}
	if old.IsValid() {
		t.Error("IsValid() = true for an expired session")
	}
	if got := ss.stored(t, "A"); got != nil {
		t.Errorf("Expired record not deleted: %+v", got)
	}
}

func TestGetOrCreateWaitsForExpiredSessionDeletion(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	c := mustCreateCache(t, ss, fc, &session.Options{MaxInactiveInterval: 10 * time.Minute})

	old := mustGetOrCreate(t, c, "A")
	if err := old.Set("x", "y"); err != nil {
		t.Fatalf("Set() returned unexpected error: %v", err)
	}
	mustRelease(t, c, old)

	// A second request arrives while the expired record is being deleted.
	var concurrent <-chan acquired
	var once sync.Once
	ss.onDelete = func() {
		once.Do(func() { concurrent = goGetOrCreate(context.Background(), c, "A") })
	}
	fc.Advance(10 * time.Minute)
	s := mustGetOrCreate(t, c, "A")
	if concurrent == nil {
		t.Fatal("Expired record not deleted")
	}
	got := <-concurrent
	if got.err != nil {
		t.Fatalf("GetOrCreate() during expired session deletion returned unexpected error: %v", got.err)
	}
	if got.s != s {
		t.Error("GetOrCreate() returned distinct instances for the same ID")
	}
	if v, _ := s.Get("x"); v != nil {
		t.Errorf("Expired attributes resurrected: %v", v)
	}
	if got, want := s.UseCount(), 2; got != want {
		t.Errorf("UseCount() returned incorrect value - got: %d want: %d", got, want)
	}
	mustRelease(t, c, s)
	mustRelease(t, c, s)
}

func TestInactivityEviction(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	c := mustCreateCache(t, ss, fc, &session.Options{Eviction: mustEvictOnInactivity(t, 10*time.Minute)})

	// Released at the threshold: evicted.
	s := mustGetOrCreate(t, c, "A")
	fc.Advance(10 * time.Minute)
	mustRelease(t, c, s)
	if c.Contains("A") {
		t.Error("Session not evicted when released at the inactivity threshold")
	}
	if ss.stored(t, "A") == nil {
		t.Error("Session not stored before eviction")
	}

	// Released before the threshold: retained until evicted idle.
	s = mustGetOrCreate(t, c, "B")
	fc.Advance(5 * time.Minute)
	mustRelease(t, c, s)
	if !c.Contains("B") {
		t.Fatal("Session evicted before the inactivity threshold")
	}
	if got, want := c.EvictIdle(context.Background(), fc.Now().Add(4*time.Minute)), 0; got != want {
		t.Errorf("EvictIdle() evicted sessions before the threshold - got: %d want: %d", got, want)
	}
	if got, want := c.EvictIdle(context.Background(), fc.Now().Add(5*time.Minute)), 1; got != want {
		t.Errorf("EvictIdle() evicted incorrect number of sessions - got: %d want: %d", got, want)
	}
	if c.Contains("B") {
		t.Error("Session not evicted by EvictIdle()")
	}
}

func TestSaveOnInactiveEvict(t *testing.T) {
	testCases := []struct {
		name         string
		saveOnEvict  bool
		wantStores   int
		wantAccessed time.Time
	}{
		{
			name:         "disabled",
			wantStores:   0,
			wantAccessed: t0.Add(-time.Minute),
		},
		{
			name:         "enabled",
			saveOnEvict:  true,
			wantStores:   1,
			wantAccessed: t0,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeClock()
			ss := newStubStore(fc)
			if err := ss.ms.Store(context.Background(), "A", &store.Record{
				ID:           "A",
				Attributes:   map[string]any{},
				Created:      t0.Add(-time.Minute),
				LastAccessed: t0.Add(-time.Minute),
				LastSaved:    t0,
				MaxInactive:  30 * time.Minute,
				Expiry:       t0.Add(29 * time.Minute),
			}); err != nil {
				t.Fatalf("Store() returned unexpected error: %v", err)
			}
			c := mustCreateCache(t, ss, fc, &session.Options{
				Eviction:            mustEvictOnInactivity(t, 10*time.Minute),
				SaveOnInactiveEvict: tc.saveOnEvict,
				SavePeriod:          time.Hour,
			})

			s := mustGetOrCreate(t, c, "A")
			fc.Advance(10 * time.Minute)
			mustRelease(t, c, s)

			if c.Contains("A") {
				t.Error("Session not evicted at the inactivity threshold")
			}
			if _, got, _ := ss.counts(); got != tc.wantStores {
				t.Errorf("Unexpected number of store writes - got: %d want: %d", got, tc.wantStores)
			}
			if got := ss.stored(t, "A").LastAccessed; !got.Equal(tc.wantAccessed) {
				t.Errorf("Stored access time does not match expected - got: %v want: %v", got, tc.wantAccessed)
			}
		})
	}
}

func TestSavePeriod(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	if err := ss.ms.Store(context.Background(), "A", &store.Record{
		ID:           "A",
		Attributes:   map[string]any{},
		Created:      t0,
		LastAccessed: t0,
		LastSaved:    t0,
		MaxInactive:  30 * time.Minute,
		Expiry:       t0.Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("Store() returned unexpected error: %v", err)
	}
	c := mustCreateCache(t, ss, fc, nil)

	s := mustGetOrCreate(t, c, "A")
	mustRelease(t, c, s)
	if _, stores, _ := ss.counts(); stores != 0 {
		t.Errorf("Unmodified session written within the save period - got: %d want: %d", stores, 0)
	}

	fc.Advance(15 * time.Minute)
	s = mustGetOrCreate(t, c, "A")
	mustRelease(t, c, s)
	if _, stores, _ := ss.counts(); stores != 1 {
		t.Errorf("Unmodified session not written after the save period - got: %d want: %d", stores, 1)
	}
	if got, want := ss.stored(t, "A").Expiry, t0.Add(45*time.Minute); !got.Equal(want) {
		t.Errorf("Stored expiry not extended - got: %v want: %v", got, want)
	}
}

func TestInvalidate(t *testing.T) {
	t.Run("unused", func(t *testing.T) {
		fc := newFakeClock()
		ss := newStubStore(fc)
		c := mustCreateCache(t, ss, fc, nil)

		s := mustGetOrCreate(t, c, "A")
		mustRelease(t, c, s)
		if ss.stored(t, "A") == nil {
			t.Fatal("Session not stored after release")
		}

		for i := 0; i < 2; i++ {
			if err := c.Invalidate(context.Background(), "A"); err != nil {
				t.Errorf("Invalidate() #%d returned unexpected error: %v", i, err)
			}
		}
		if err := c.Invalidate(context.Background(), "unknown"); err != nil {
			t.Errorf("Invalidate() of unknown ID returned unexpected error: %v", err)
		}
		if c.Contains("A") {
			t.Error("Contains() = true for an invalidated session")
		}
		if got, want := c.Len(), 0; got != want {
			t.Errorf("Len() returned incorrect value - got: %d want: %d", got, want)
		}
		if got := ss.stored(t, "A"); got != nil {
			t.Errorf("Invalidated session still stored: %+v", got)
		}
		if s.IsValid() {
			t.Error("IsValid() = true for an invalidated session")
		}
	})

	t.Run("held", func(t *testing.T) {
		fc := newFakeClock()
		ss := newStubStore(fc)
		c := mustCreateCache(t, ss, fc, nil)

		s := mustGetOrCreate(t, c, "A")
		if err := c.Invalidate(context.Background(), "A"); err != nil {
			t.Fatalf("Invalidate() returned unexpected error: %v", err)
		}
		if _, err := s.Get("x"); !errors.Is(err, session.ErrInvalidSession) {
			t.Errorf("Get() on invalidated session returned incorrect error - got: %v want: %v", err, session.ErrInvalidSession)
		}
		if err := s.Set("x", "y"); !errors.Is(err, session.ErrInvalidSession) {
			t.Errorf("Set() on invalidated session returned incorrect error - got: %v want: %v", err, session.ErrInvalidSession)
		}
		if _, err := c.GetOrCreate(context.Background(), "A"); !errors.Is(err, session.ErrInvalidSession) {
			t.Errorf("GetOrCreate() of held invalidated session returned incorrect error - got: %v want: %v", err, session.ErrInvalidSession)
		}
		if c.Contains("A") {
			t.Error("Contains() = true for an invalidated session")
		}
		if got, want := c.Len(), 1; got != want {
			t.Errorf("Invalidated session left the cache while held - Len() got: %d want: %d", got, want)
		}

		mustRelease(t, c, s)
		if got, want := c.Len(), 0; got != want {
			t.Errorf("Invalidated session not removed on last release - Len() got: %d want: %d", got, want)
		}
		if got := ss.stored(t, "A"); got != nil {
			t.Errorf("Invalidated session stored on release: %+v", got)
		}

		s = mustGetOrCreate(t, c, "A")
		defer mustRelease(t, c, s)
		if !s.IsNew() {
			t.Error("IsNew() = false for a session created after invalidation")
		}
	})
}

func TestInvalidateWithConcurrentReload(t *testing.T) {
	t.Run("reloaded after eviction", func(t *testing.T) {
		fc := newFakeClock()
		ss := newStubStore(fc)
		c := mustCreateCache(t, ss, fc, &session.Options{Eviction: session.EvictOnSessionExit()})

		s := mustGetOrCreate(t, c, "A")
		if err := s.Set("x", "y"); err != nil {
			t.Fatalf("Set() returned unexpected error: %v", err)
		}
		mustRelease(t, c, s)
		if c.Contains("A") {
			t.Fatal("Session not evicted on exit")
		}

		reloaded := mustGetOrCreate(t, c, "A")
		if reloaded == s {
			t.Fatal("GetOrCreate() returned an evicted instance")
		}
		if err := c.Invalidate(context.Background(), "A"); err != nil {
			t.Fatalf("Invalidate() returned unexpected error: %v", err)
		}
		if reloaded.IsValid() {
			t.Error("IsValid() = true for the resident instance of an invalidated session")
		}
		mustRelease(t, c, reloaded)
		if got, want := c.Len(), 0; got != want {
			t.Errorf("Len() returned incorrect value - got: %d want: %d", got, want)
		}
		if got := ss.stored(t, "A"); got != nil {
			t.Errorf("Invalidated session still stored: %+v", got)
		}
	})

	t.Run("acquired during deletion", func(t *testing.T) {
		fc := newFakeClock()
		ss := newStubStore(fc)
		c := mustCreateCache(t, ss, fc, nil)

		s := mustGetOrCreate(t, c, "A")
		if err := s.Set("x", "y"); err != nil {
			t.Fatalf("Set() returned unexpected error: %v", err)
		}
		mustRelease(t, c, s)

		var concurrent <-chan acquired
		var once sync.Once
		ss.onDelete = func() {
			once.Do(func() { concurrent = goGetOrCreate(context.Background(), c, "A") })
		}
		if err := c.Invalidate(context.Background(), "A"); err != nil {
			t.Fatalf("Invalidate() returned unexpected error: %v", err)
		}
		if concurrent == nil {
			t.Fatal("Invalidated record not deleted")
		}
		got := <-concurrent
		if got.err != nil {
			t.Fatalf("GetOrCreate() during invalidation returned unexpected error: %v", got.err)
		}
		if got.s == s {
			t.Fatal("GetOrCreate() returned the invalidated instance")
		}
		if !got.s.IsNew() {
			t.Error("IsNew() = false for a session created after invalidation")
		}
		if v, _ := got.s.Get("x"); v != nil {
			t.Errorf("Invalidated attributes resurrected: %v", v)
		}
		mustRelease(t, c, got.s)
		r := ss.stored(t, "A")
		if r == nil {
			t.Fatal("Replacement session not stored on release")
		}
		if _, ok := r.Attributes["x"]; ok {
			t.Errorf("Invalidated attributes stored for the replacement session: %v", r.Attributes)
		}
	})
}

func TestSaveFailureKeepsSessionResident(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	ss.storeErr = unavailable
	c := mustCreateCache(t, ss, fc, &session.Options{Eviction: session.EvictOnSessionExit()})

	s := mustGetOrCreate(t, c, "A")
	if err := s.Set("x", "y"); err != nil {
		t.Fatalf("Set() returned unexpected error: %v", err)
	}
	if err := c.Release(context.Background(), s); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("Release() returned incorrect error - got: %v want: %v", err, store.ErrStoreUnavailable)
	}
	if !s.IsDirty() {
		t.Error("IsDirty() = false after a failed save")
	}
	if !c.Contains("A") {
		t.Error("Session evicted after a failed save")
	}
	if got, want := s.UseCount(), 0; got != want {
		t.Errorf("UseCount() returned incorrect value - got: %d want: %d", got, want)
	}

	ss.storeErr = func() error { return nil }
	if got, want := c.EvictIdle(context.Background(), fc.Now()), 1; got != want {
		t.Errorf("EvictIdle() evicted incorrect number of sessions - got: %d want: %d", got, want)
	}
	r := ss.stored(t, "A")
	if r == nil {
		t.Fatal("Session not stored by EvictIdle()")
	}
	if diff := cmp.Diff(map[string]any{"x": "y"}, r.Attributes); diff != "" {
		t.Errorf("Stored attributes do not match expected (+got, -want):\n%s", diff)
	}
}

func TestSaveRetries(t *testing.T) {
	gremlins := errors.New("gremlins")
	testCases := []struct {
		name       string
		errs       []error
		wantErr    error
		wantStores int
	}{
		{
			name:       "transient errors retried",
			errs:       []error{unavailable(), unavailable()},
			wantStores: 3,
		},
		{
			name:       "attempts exhausted",
			errs:       []error{unavailable(), unavailable(), unavailable()},
			wantErr:    store.ErrStoreUnavailable,
			wantStores: 3,
		},
		{
			name:       "other errors not retried",
			errs:       []error{gremlins},
			wantErr:    gremlins,
			wantStores: 1,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeClock()
			ss := newStubStore(fc)
			errs := tc.errs
			ss.storeErr = func() error {
				if len(errs) == 0 {
					return nil
				}
				var err error
				err, errs = errs[0], errs[1:]
				return err
			}
			c := mustCreateCache(t, ss, fc, &session.Options{SaveAttempts: 3, SaveBackoff: time.Millisecond})

			s := mustGetOrCreate(t, c, "A")
			if err := c.Release(context.Background(), s); !errors.Is(err, tc.wantErr) {
				t.Errorf("Release() returned incorrect error - got: %v want: %v", err, tc.wantErr)
			}
			if _, got, _ := ss.counts(); got != tc.wantStores {
				t.Errorf("Unexpected number of store writes - got: %d want: %d", got, tc.wantStores)
			}
		})
	}
}

func TestCommit(t *testing.T) {
	testCases := []struct {
		name       string
		flush      bool
		wantStored bool
	}{
		{
			name: "flush disabled",
		},
		{
			name:       "flush enabled",
			flush:      true,
			wantStored: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeClock()
			ss := newStubStore(fc)
			c := mustCreateCache(t, ss, fc, &session.Options{FlushOnResponseCommit: tc.flush})

			s := mustGetOrCreate(t, c, "A")
			defer mustRelease(t, c, s)
			if err := s.Set("x", "y"); err != nil {
				t.Fatalf("Set() returned unexpected error: %v", err)
			}
			if err := c.Commit(context.Background(), s); err != nil {
				t.Fatalf("Commit() returned unexpected error: %v", err)
			}
			if got := ss.stored(t, "A") != nil; got != tc.wantStored {
				t.Errorf("Unexpected stored state after Commit() - got: %v want: %v", got, tc.wantStored)
			}
			if got, want := s.IsDirty(), !tc.flush; got != want {
				t.Errorf("IsDirty() returned incorrect value after Commit() - got: %v want: %v", got, want)
			}
		})
	}
}

func TestSaveOnCreate(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	c := mustCreateCache(t, ss, fc, &session.Options{SaveOnCreate: true})

	s := mustGetOrCreate(t, c, "A")
	defer mustRelease(t, c, s)
	if ss.stored(t, "A") == nil {
		t.Error("Session not stored on creation")
	}

	gremlins := errors.New("gremlins")
	ss.storeErr = func() error { return gremlins }
	if _, err := c.GetOrCreate(context.Background(), "B"); !errors.Is(err, gremlins) {
		t.Errorf("GetOrCreate() returned incorrect error - got: %v want: %v", err, gremlins)
	}
}

func TestReleaseUnheldSessionPanics(t *testing.T) {
	fc := newFakeClock()
	c := mustCreateCache(t, newStubStore(fc), fc, nil)
	s := mustGetOrCreate(t, c, "A")
	mustRelease(t, c, s)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Release() of an unheld session did not panic")
		}
	}()
	c.Release(context.Background(), s)
}

func TestShutdown(t *testing.T) {
	fc := newFakeClock()
	ss := newStubStore(fc)
	c := mustCreateCache(t, ss, fc, nil)

	held := mustGetOrCreate(t, c, "A")
	if err := held.Set("x", "y"); err != nil {
		t.Fatalf("Set() returned unexpected error: %v", err)
	}
	idle := mustGetOrCreate(t, c, "B")
	mustRelease(t, c, idle)
	ss.storeErr = unavailable
	failed := mustGetOrCreate(t, c, "C")
	if err := c.Release(context.Background(), failed); err == nil {
		t.Fatal("Release() unexpectedly succeeded")
	}
	ss.storeErr = func() error { return nil }

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() returned unexpected error: %v", err)
	}
	for _, sid := range []string{"A", "B", "C"} {
		if ss.stored(t, sid) == nil {
			t.Errorf("Session %q not stored at shutdown", sid)
		}
	}
	if got, want := c.Len(), 1; got != want {
		t.Errorf("Len() after Shutdown() returned incorrect value - got: %d want: %d", got, want)
	}
	if !c.Contains("A") {
		t.Error("Held session evicted at shutdown")
	}
	mustRelease(t, c, held)
}
