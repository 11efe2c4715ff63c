package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type evictionKind int

const (
	evictNever evictionKind = iota
	evictOnSessionExit
	evictOnInactivity
)

// EvictionPolicy decides when an unused Session may be dropped from a Cache.
// Eviction only removes the in-memory copy; the stored record is untouched,
// and a later GetOrCreate loads it again. Session expiry is a separate concern
// handled by the Scavenger, so sessions that never expire are still subject to
// eviction.
//
// The zero value is NeverEvict.
type EvictionPolicy struct {
	kind      evictionKind
	threshold time.Duration
}

// NeverEvict keeps sessions resident until they are invalidated or expire.
func NeverEvict() EvictionPolicy {
	return EvictionPolicy{kind: evictNever}
}

// EvictOnSessionExit evicts a session as soon as its last user releases it.
func EvictOnSessionExit() EvictionPolicy {
	return EvictionPolicy{kind: evictOnSessionExit}
}

// EvictOnInactivity evicts an unused session once it has not been accessed for
// at least threshold, which must be positive.
func EvictOnInactivity(threshold time.Duration) (EvictionPolicy, error) {
	if threshold <= 0 {
		return EvictionPolicy{}, fmt.Errorf("inactivity eviction threshold %v is not positive: %w", threshold, ErrInvalidConfig)
	}
	return EvictionPolicy{kind: evictOnInactivity, threshold: threshold}, nil
}

// ParseEvictionPolicy parses "never", "exit", or an inactivity threshold given
// as a Go duration ("90s"). A bare integer is read as seconds, with -1 meaning
// never and 0 meaning on exit.
func ParseEvictionPolicy(v string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "never", "":
		return NeverEvict(), nil
	case "exit", "on-exit":
		return EvictOnSessionExit(), nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		switch {
		case n == -1:
			return NeverEvict(), nil
		case n == 0:
			return EvictOnSessionExit(), nil
		case n > 0:
			return EvictOnInactivity(time.Duration(n) * time.Second)
		}
		return EvictionPolicy{}, fmt.Errorf("invalid eviction policy %q: %w", v, ErrInvalidConfig)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return EvictionPolicy{}, fmt.Errorf("invalid eviction policy %q (error: %v): %w", v, err, ErrInvalidConfig)
	}
	return EvictOnInactivity(d)
}

// ShouldEvict reports whether an unused session last accessed at lastAccessed
// may be evicted at now.
func (p EvictionPolicy) ShouldEvict(lastAccessed, now time.Time) bool {
	switch p.kind {
	case evictOnSessionExit:
		return true
	case evictOnInactivity:
		return now.Sub(lastAccessed) >= p.threshold
	}
	return false
}

// idle reports whether evictions under this policy are due to inactivity.
func (p EvictionPolicy) idle() bool {
	return p.kind == evictOnInactivity
}

func (p EvictionPolicy) validate() error {
	if p.kind == evictOnInactivity && p.threshold <= 0 {
		return fmt.Errorf("inactivity eviction threshold %v is not positive: %w", p.threshold, ErrInvalidConfig)
	}
	return nil
}

func (p EvictionPolicy) String() string {
	switch p.kind {
	case evictOnSessionExit:
		return "exit"
	case evictOnInactivity:
		return p.threshold.String()
	}
	return "never"
}
