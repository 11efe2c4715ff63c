// Package store and its subpackages provide durable session storage for use by
// the session Cache and Scavenger.
//
// A DataStore holds serialized session Records. It may be shared by several
// server processes, each running its own Cache; no cross-process locking is
// assumed, and concurrent writes to the same session ID are last-writer-wins.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound indicates that the provided SID does not map to any
	// stored session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable indicates a (presumed transient) failure to reach the
	// backing store. Operations failing with this error may be retried.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrInvalidSessionData indicates that the provided session data is
	// invalid, and cannot be used. For example, this may occur if it cannot be
	// successfully marshalled to JSON.
	ErrInvalidSessionData = errors.New("invalid session data")
	// ErrInvalidStoredSessionData indicates that the session data fetched from
	// storage is invalid, and cannot be used. For example, this may occur if it
	// cannot be successfully unmarshalled.
	ErrInvalidStoredSessionData = errors.New("invalid stored session data")
)

// Record is the persisted form of a session: its attributes plus lifecycle
// metadata.
type Record struct {
	ID string `json:"id"`
	// Attributes must hold JSON-representable values for a Record to survive
	// a Store / Load round trip unchanged.
	Attributes map[string]any `json:"attributes"`
	Created    time.Time      `json:"created"`
	// LastAccessed is the time of the most recent access.
	LastAccessed time.Time `json:"last_accessed"`
	LastSaved    time.Time `json:"last_saved"`
	// MaxInactive is non-positive for sessions that never expire.
	MaxInactive time.Duration `json:"max_inactive"`
	// Expiry is LastAccessed + MaxInactive, or the zero time for sessions that
	// never expire.
	Expiry time.Time `json:"expiry"`
	// LastNode names the node that last wrote this record.
	LastNode string `json:"last_node,omitempty"`
}

// ExpiredAt reports whether the record has an expiry no later than t.
func (r *Record) ExpiredAt(t time.Time) bool {
	return !r.Expiry.IsZero() && !r.Expiry.After(t)
}

// DataStore represents an abstract durable session store. See the memory,
// redis, and postgres subpackages for concrete implementations thereof.
type DataStore interface {
	// Load returns the record stored for the SID, or ErrSessionNotFound.
	Load(ctx context.Context, sid string) (*Record, error)
	// Store writes the record for the SID, replacing any existing record.
	Store(ctx context.Context, sid string, r *Record) error
	// Delete removes the record for the SID, returning ErrSessionNotFound if
	// there was none.
	Delete(ctx context.Context, sid string) error
	// Exists reports whether an unexpired record is stored for the SID.
	Exists(ctx context.Context, sid string) (bool, error)
	// GetExpired returns those candidates that are expired at now or no longer
	// stored at all, together with any further expired SIDs found through the
	// store's own expiry bookkeeping.
	GetExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error)
}

// Encode serializes the record for storage.
func Encode(r *Record) ([]byte, error) {
	val, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session record (error: %v): %w", err, ErrInvalidSessionData)
	}
	return val, nil
}

// Decode deserializes a stored record.
func Decode(val []byte) (*Record, error) {
	r := new(Record)
	if err := json.Unmarshal(val, r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record (error: %v): %w", err, ErrInvalidStoredSessionData)
	}
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}
	return r, nil
}
