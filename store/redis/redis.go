// Package redis provides a Redis-backed DataStore, suitable for sharing
// sessions between several server processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/swfrench/session-cache/store"
)

const (
	defaultGracePeriod = 10 * time.Minute
	defaultScanLimit   = 1000
	minKeyTTL          = time.Second
)

// Store is a Redis-based DataStore. Each record is stored as JSON under
// <prefix>:<sid>, and the SIDs of records that expire are additionally indexed
// in the sorted set <prefix>:expiry, scored by expiry time in Unix
// milliseconds.
//
// Record keys also carry a Redis TTL of the record expiry plus GracePeriod, so
// that records abandoned by every node eventually disappear even if no
// Scavenger runs.
type Store struct {
	// Clock can be overridden in tests.
	Clock func() time.Time
	// GracePeriod is added to record expiry when computing key TTLs.
	GracePeriod time.Duration
	// ScanLimit bounds the number of SIDs GetExpired takes from the expiry
	// index per call.
	ScanLimit int
	rc        goredis.UniversalClient
	prefix    string
}

// New returns a new Store using the provided Redis client. Keys will be stored
// with the provided prefix.
func New(rc goredis.UniversalClient, prefix string) *Store {
	return &Store{
		Clock:       func() time.Time { return time.Now() },
		GracePeriod: defaultGracePeriod,
		ScanLimit:   defaultScanLimit,
		rc:          rc,
		prefix:      prefix,
	}
}

func (rs *Store) sessionKey(sid string) string {
	return fmt.Sprintf("%s:%s", rs.prefix, sid)
}

func (rs *Store) indexKey() string {
	return fmt.Sprintf("%s:expiry", rs.prefix)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s (Redis error: %v): %w", op, err, store.ErrStoreUnavailable)
}

// Load returns the record stored for the provided SID, or ErrSessionNotFound if
// no record exists.
func (rs *Store) Load(ctx context.Context, sid string) (*store.Record, error) {
	val, err := rs.rc.Get(ctx, rs.sessionKey(sid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("load session record", err)
	}
	return store.Decode(val)
}

// Store writes the provided record for the provided SID, replacing any existing
// record, and updates the expiry index.
func (rs *Store) Store(ctx context.Context, sid string, r *store.Record) error {
	val, err := store.Encode(r)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !r.Expiry.IsZero() {
		ttl = r.Expiry.Sub(rs.Clock()) + rs.GracePeriod
		if ttl < minKeyTTL {
			ttl = minKeyTTL
		}
	}
	_, err = rs.rc.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, rs.sessionKey(sid), val, ttl)
		if r.Expiry.IsZero() {
			p.ZRem(ctx, rs.indexKey(), sid)
		} else {
			p.ZAdd(ctx, rs.indexKey(), goredis.Z{
				Score:  float64(r.Expiry.UnixMilli()),
				Member: sid,
			})
		}
		return nil
	})
	if err != nil {
		return unavailable("store session record", err)
	}
	return nil
}

// Delete deletes the record stored for the provided SID, returning
// ErrSessionNotFound if no record exists.
func (rs *Store) Delete(ctx context.Context, sid string) error {
	var del *goredis.IntCmd
	_, err := rs.rc.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		del = p.Del(ctx, rs.sessionKey(sid))
		p.ZRem(ctx, rs.indexKey(), sid)
		return nil
	})
	if err != nil {
		return unavailable("delete session record", err)
	}
	if del.Val() != 1 {
		return store.ErrSessionNotFound
	}
	return nil
}

// Exists reports whether an unexpired record is stored for the provided SID.
func (rs *Store) Exists(ctx context.Context, sid string) (bool, error) {
	n, err := rs.rc.Exists(ctx, rs.sessionKey(sid)).Result()
	if err != nil {
		return false, unavailable("check session record", err)
	}
	if n == 0 {
		return false, nil
	}
	score, err := rs.rc.ZScore(ctx, rs.indexKey(), sid).Result()
	if errors.Is(err, goredis.Nil) {
		// Not indexed: the record never expires.
		return true, nil
	}
	if err != nil {
		return false, unavailable("check session expiry", err)
	}
	return int64(score) > rs.Clock().UnixMilli(), nil
}

// GetExpired returns the candidates no longer stored, followed by up to
// ScanLimit SIDs whose indexed expiry is no later than now.
func (rs *Store) GetExpired(ctx context.Context, candidates []string, now time.Time) ([]string, error) {
	var expired []string
	seen := make(map[string]bool)
	if len(candidates) > 0 {
		cmds := make([]*goredis.IntCmd, len(candidates))
		_, err := rs.rc.Pipelined(ctx, func(p goredis.Pipeliner) error {
			for i, sid := range candidates {
				cmds[i] = p.Exists(ctx, rs.sessionKey(sid))
			}
			return nil
		})
		if err != nil {
			return nil, unavailable("check candidate sessions", err)
		}
		for i, cmd := range cmds {
			if sid := candidates[i]; cmd.Val() == 0 && !seen[sid] {
				seen[sid] = true
				expired = append(expired, sid)
			}
		}
	}
	due, err := rs.rc.ZRangeByScore(ctx, rs.indexKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(rs.ScanLimit),
	}).Result()
	if err != nil {
		return nil, unavailable("scan expiry index", err)
	}
	for _, sid := range due {
		if !seen[sid] {
			seen[sid] = true
			expired = append(expired, sid)
		}
	}
	return expired, nil
}
