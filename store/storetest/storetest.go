// Package storetest provides a conformance suite for store.DataStore
// implementations.
package storetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/swfrench/session-cache/store"
)

// Factory returns an empty DataStore for a single test case.
type Factory func(t *testing.T) store.DataStore

// Record returns a populated record for sid expiring at expiry (which may be
// the zero time).
func Record(sid string, expiry time.Time) *store.Record {
	created := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	return &store.Record{
		ID: sid,
		Attributes: map[string]any{
			"greeting": "hola",
			"visits":   float64(3),
			"admin":    true,
			"tags":     []any{"a", "b"},
			"prefs":    map[string]any{"theme": "dark"},
			"nothing":  nil,
		},
		Created:      created,
		LastAccessed: created.Add(30 * time.Second),
		LastSaved:    created.Add(time.Minute),
		MaxInactive:  30 * time.Minute,
		Expiry:       expiry,
		LastNode:     "node0",
	}
}

// Run exercises the DataStore contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()
	now := time.Now()

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		want := Record("boop", now.Add(time.Hour))
		if err := s.Store(ctx, "boop", want); err != nil {
			t.Fatalf("Store() returned unexpected error: %v", err)
		}
		got, err := s.Load(ctx, "boop")
		if err != nil {
			t.Fatalf("Load() returned unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Load() returned incorrect record (+got, -want):\n%s", diff)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, "boop", Record("boop", now.Add(time.Hour))); err != nil {
			t.Fatalf("Store() returned unexpected error: %v", err)
		}
		want := Record("boop", now.Add(2*time.Hour))
		want.Attributes["greeting"] = "bonjour"
		if err := s.Store(ctx, "boop", want); err != nil {
			t.Fatalf("Store() returned unexpected error: %v", err)
		}
		got, err := s.Load(ctx, "boop")
		if err != nil {
			t.Fatalf("Load() returned unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Load() returned incorrect record (+got, -want):\n%s", diff)
		}
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Load(ctx, "beep"); !errors.Is(err, store.ErrSessionNotFound) {
			t.Errorf("Load() returned unexpected error - got: %v, want: %v", err, store.ErrSessionNotFound)
		}
		if err := s.Delete(ctx, "beep"); !errors.Is(err, store.ErrSessionNotFound) {
			t.Errorf("Delete() returned unexpected error - got: %v, want: %v", err, store.ErrSessionNotFound)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, "boop", Record("boop", now.Add(time.Hour))); err != nil {
			t.Fatalf("Store() returned unexpected error: %v", err)
		}
		if err := s.Delete(ctx, "boop"); err != nil {
			t.Fatalf("Delete() returned unexpected error: %v", err)
		}
		if _, err := s.Load(ctx, "boop"); !errors.Is(err, store.ErrSessionNotFound) {
			t.Errorf("Load() after Delete() returned unexpected error - got: %v, want: %v", err, store.ErrSessionNotFound)
		}
	})

	t.Run("exists", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, "boop", Record("boop", now.Add(time.Hour))); err != nil {
			t.Fatalf("Store() returned unexpected error: %v", err)
		}
		if err := s.Store(ctx, "forever", Record("forever", time.Time{})); err != nil {
			t.Fatalf("Store() returned unexpected error: %v", err)
		}
		for sid, want := range map[string]bool{"boop": true, "forever": true, "beep": false} {
			got, err := s.Exists(ctx, sid)
			if err != nil {
				t.Fatalf("Exists(%q) returned unexpected error: %v", sid, err)
			}
			if got != want {
				t.Errorf("Exists(%q) = %t, want %t", sid, got, want)
			}
		}
	})

	t.Run("get expired", func(t *testing.T) {
		s := newStore(t)
		records := map[string]time.Time{
			"fresh":   now.Add(time.Hour),
			"stale":   now.Add(-time.Minute),
			"other":   now.Add(-time.Hour),
			"forever": {},
		}
		for sid, exp := range records {
			if err := s.Store(ctx, sid, Record(sid, exp)); err != nil {
				t.Fatalf("Store(%q) returned unexpected error: %v", sid, err)
			}
		}
		got, err := s.GetExpired(ctx, []string{"fresh", "stale", "gone", "forever"}, now)
		if err != nil {
			t.Fatalf("GetExpired() returned unexpected error: %v", err)
		}
		sort.Strings(got)
		// "gone" was never stored; "other" is found through the expiry index.
		if diff := cmp.Diff([]string{"gone", "other", "stale"}, got); diff != "" {
			t.Errorf("GetExpired() returned incorrect SIDs (+got, -want):\n%s", diff)
		}
	})

	t.Run("get expired after delete", func(t *testing.T) {
		s := newStore(t)
		if err := s.Store(ctx, "stale", Record("stale", now.Add(-time.Minute))); err != nil {
			t.Fatalf("Store() returned unexpected error: %v", err)
		}
		if err := s.Delete(ctx, "stale"); err != nil {
			t.Fatalf("Delete() returned unexpected error: %v", err)
		}
		got, err := s.GetExpired(ctx, nil, now)
		if err != nil {
			t.Fatalf("GetExpired() returned unexpected error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("GetExpired() = %v, want none", got)
		}
	})
}
