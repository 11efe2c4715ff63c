// Package memory provides an in-memory DataStore.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/swfrench/session-cache/store"
)

type item struct {
	val    []byte
	expiry time.Time
}

// Store is a simple in-memory session store, for use in tests or where an
// external store is not available.
//
// Records are held in serialized form, so values returned by Load never alias
// the records passed to Store (i.e., the same round-trip rules apply as for
// any external store).
//
// Expiry: records are never dropped implicitly. Expired records are reported
// by GetExpired (driven by an expiry-ordered index) and removed by whoever
// calls Delete, typically the session Scavenger.
type Store struct {
	// Clock can be overridden in tests (e.g., to test expiry logic).
	Clock func() time.Time
	mu    sync.Mutex
	items map[string]*item
	index *expiryIndex
}

// New returns a new Store instance.
func New() *Store {
	return &Store{
		Clock: func() time.Time { return time.Now() },
		items: make(map[string]*item),
		index: newExpiryIndex(),
	}
}

// Load returns the record stored for the provided SID, or ErrSessionNotFound if
// no record exists.
func (ms *Store) Load(ctx context.Context, sid string) (*store.Record, error) {
	ms.mu.Lock()
	it, ok := ms.items[sid]
	ms.mu.Unlock()
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return store.Decode(it.val)
}

// Store writes the provided record for the provided SID, replacing any existing
// record.
func (ms *Store) Store(ctx context.Context, sid string, r *store.Record) error {
	val, err := store.Encode(r)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.items[sid] = &item{val: val, expiry: r.Expiry}
	if !r.Expiry.IsZero() {
		ms.index.Push(sid, r.Expiry)
	}
	return nil
}

// Delete deletes the record stored for the provided SID, returning
// ErrSessionNotFound if no record exists.
func (ms *Store) Delete(ctx context.Context, sid string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.items[sid]; !ok {
		return store.ErrSessionNotFound
	}
	delete(ms.items, sid)
	return nil
}

// Exists reports whether an unexpired record is stored for the provided SID.
func (ms *Store) Exists(ctx context.Context, sid string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	it, ok := ms.items[sid]
	if !ok {
		return false, nil
	}
	return !expiredAt(it.expiry, ms.Clock()), nil
}

// GetExpired returns the candidates that are expired at now or not stored,
// followed by any other stored SIDs whose expiry is no later than now.
func (ms *Store) GetExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var expired []string
	seen := make(map[string]bool)
	add := func(sid string) {
		if !seen[sid] {
			seen[sid] = true
			expired = append(expired, sid)
		}
	}
	for _, sid := range candidates {
		if it, ok := ms.items[sid]; !ok || expiredAt(it.expiry, now) {
			add(sid)
		}
	}
	for _, e := range ms.index.PopDue(now, 0) {
		// Stale entry.
		if it, ok := ms.items[e.key]; ok && it.expiry.Equal(e.expires) {
			add(e.key)
		}
	}
	return expired, nil
}

// Len returns the number of stored records, expired or not.
func (ms *Store) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.items)
}

func expiredAt(expiry, t time.Time) bool {
	return !expiry.IsZero() && !expiry.After(t)
}
