// Package session provides a server-side session cache that keeps per-client
// state alive across many concurrent, stateless requests.
//
// At a high level, a Cache holds the single in-memory copy of every Session in
// use on this node, loading it from (and writing it through to) a
// store.DataStore that may be shared with other nodes. Request handlers obtain
// a Session with GetOrCreate, mutate its attributes, and hand it back with
// Release; the Cache's EvictionPolicy then decides whether the Session stays
// resident. A Scavenger periodically removes expired sessions from the store.
//
// HTTP handlers that must be Session-aware can use the Manage middleware of a
// Manager, which resolves the session cookie, acquires the Session for the
// duration of the request, and always releases it.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/swfrench/session-cache/store"
)

var (
	// ErrInvalidSession indicates an operation on a Session that has been
	// invalidated (or has expired).
	ErrInvalidSession = errors.New("invalid session")
	// ErrInvalidConfig indicates unusable Cache, Scavenger, or Manager options.
	ErrInvalidConfig = errors.New("invalid session configuration")
)

// Session represents server-held state for a single client: a set of
// attributes plus lifecycle metadata.
//
// A Session is safe for concurrent use. Attribute values must be
// JSON-representable to survive a round trip through the store, and should be
// treated as immutable once set.
type Session struct {
	id string

	mu           sync.Mutex
	attrs        map[string]any
	created      time.Time
	lastAccessed time.Time
	lastSaved    time.Time
	maxInactive  time.Duration
	lastNode     string
	isNew        bool
	valid        bool
	dirty        bool
	version      uint64 // bumped on every change that should be persisted
	useCount     int
	resident     bool

	// saveMu serializes writes (and the invalidation delete) for this session
	// so that they reach the store in the order they were triggered.
	saveMu sync.Mutex
}

func newSession(id string, now time.Time, maxInactive time.Duration) *Session {
	return &Session{
		id:           id,
		attrs:        make(map[string]any),
		created:      now,
		lastAccessed: now,
		maxInactive:  maxInactive,
		isNew:        true,
		valid:        true,
	}
}

func sessionFromRecord(id string, r *store.Record) *Session {
	attrs := make(map[string]any, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	return &Session{
		id:           id,
		attrs:        attrs,
		created:      r.Created,
		lastAccessed: r.LastAccessed,
		lastSaved:    r.LastSaved,
		maxInactive:  r.MaxInactive,
		lastNode:     r.LastNode,
		valid:        true,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Get returns the value of the named attribute, or nil if it is not set.
func (s *Session) Get(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return nil, ErrInvalidSession
	}
	return s.attrs[name], nil
}

// Set sets the named attribute. Setting a nil value removes the attribute.
func (s *Session) Set(name string, value any) error {
	if value == nil {
		return s.Delete(name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return ErrInvalidSession
	}
	s.attrs[name] = value
	s.markDirtyLocked()
	return nil
}

// Delete removes the named attribute.
func (s *Session) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return ErrInvalidSession
	}
	if _, ok := s.attrs[name]; ok {
		delete(s.attrs, name)
		s.markDirtyLocked()
	}
	return nil
}

// Names returns the sorted attribute names.
func (s *Session) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return nil, ErrInvalidSession
	}
	names := make([]string, 0, len(s.attrs))
	for k := range s.attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

// SetMaxInactiveInterval changes the inactivity timeout. A non-positive
// interval means the session never expires.
func (s *Session) SetMaxInactiveInterval(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return ErrInvalidSession
	}
	if s.maxInactive != d {
		s.maxInactive = d
		s.markDirtyLocked()
	}
	return nil
}

// MaxInactiveInterval returns the inactivity timeout.
func (s *Session) MaxInactiveInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInactive
}

// Created returns the session creation time.
func (s *Session) Created() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// LastAccessed returns the time the session was most recently acquired.
func (s *Session) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// LastSaved returns the time of the last successful write to the store, or the
// zero time if the session has never been written.
func (s *Session) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// Expiry returns the time after which the session expires, and false if it
// never does.
func (s *Session) Expiry() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.expiryLocked()
	return exp, !exp.IsZero()
}

// IsNew reports whether the session was created, rather than found, by the
// GetOrCreate call that most recently acquired it.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// IsValid reports whether the session has not been invalidated.
func (s *Session) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// IsDirty reports whether the session has changes not yet written to the
// store.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// UseCount returns the number of holders that have acquired the session and
// not yet released it.
func (s *Session) UseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

func (s *Session) markDirtyLocked() {
	s.dirty = true
	s.version++
}

func (s *Session) expiryLocked() time.Time {
	if s.maxInactive <= 0 {
		return time.Time{}
	}
	return s.lastAccessed.Add(s.maxInactive)
}

func (s *Session) expiredAtLocked(t time.Time) bool {
	exp := s.expiryLocked()
	return !exp.IsZero() && !exp.After(t)
}

// accessLocked records an access at t, keeping lastAccessed non-decreasing.
func (s *Session) accessLocked(t time.Time) {
	if t.After(s.lastAccessed) {
		s.lastAccessed = t
	}
}

// needsSaveLocked reports whether a write is due when the last holder releases
// the session: it has changes, was never written, or its stored metadata has
// fallen behind by at least the save period.
func (s *Session) needsSaveLocked(savePeriod time.Duration) bool {
	if s.dirty || s.lastSaved.IsZero() {
		return true
	}
	if savePeriod <= 0 {
		if s.maxInactive <= 0 {
			return false
		}
		savePeriod = s.maxInactive / 2
	}
	return s.lastAccessed.Sub(s.lastSaved) >= savePeriod
}

// recordLocked returns the persisted form of the session as it would be after
// a save at t.
func (s *Session) recordLocked(t time.Time, node string) *store.Record {
	attrs := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		attrs[k] = v
	}
	lastSaved := s.lastSaved
	if t.After(lastSaved) {
		lastSaved = t
	}
	return &store.Record{
		ID:           s.id,
		Attributes:   attrs,
		Created:      s.created,
		LastAccessed: s.lastAccessed,
		LastSaved:    lastSaved,
		MaxInactive:  s.maxInactive,
		Expiry:       s.expiryLocked(),
		LastNode:     node,
	}
}
