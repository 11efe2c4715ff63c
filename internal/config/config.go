// Package config reads sessiond settings from the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	session "github.com/swfrench/session-cache"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// ErrInvalid indicates a missing or malformed setting.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the sessiond settings read by Load.
type Config struct {
	Addr string
	// Secret keys session ID authentication (SESSIOND_SECRET, base64).
	Secret []byte
	Node   string

	Store         string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	DatabaseDSN   string
	DatabaseTable string

	Eviction            session.EvictionPolicy
	MaxInactive         time.Duration
	SavePeriod          time.Duration
	SaveAttempts        int
	SaveOnCreate        bool
	SaveOnInactiveEvict bool
	FlushOnCommit       bool
	RemoveUnloadable    bool
	ScavengeInterval    time.Duration

	CookieName     string
	CookieLifetime time.Duration
	InsecureCookie bool

	Debug bool
}

// CacheOptions returns the session.Options described by the config.
func (c *Config) CacheOptions() *session.Options {
	return &session.Options{
		Eviction:                 c.Eviction,
		SaveOnCreate:             c.SaveOnCreate,
		SaveOnInactiveEvict:      c.SaveOnInactiveEvict,
		FlushOnResponseCommit:    c.FlushOnCommit,
		RemoveUnloadableSessions: c.RemoveUnloadable,
		MaxInactiveInterval:      c.MaxInactive,
		SavePeriod:               c.SavePeriod,
		SaveAttempts:             c.SaveAttempts,
		Node:                     c.Node,
	}
}

// getenv is overridden in tests.
var getenv = os.Getenv

type parser struct {
	errs []error
}

func (p *parser) fail(key, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q (error: %v): %w", key, v, err, ErrInvalid))
}

func (p *parser) str(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return n
}

func (p *parser) boolean(key string) bool {
	v := getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
	}
	return b
}

// Load reads the config from SESSIOND_* environment variables, reporting
// every malformed or missing setting.
func Load() (*Config, error) {
	p := new(parser)
	cfg := &Config{
		Addr:                p.str("SESSIOND_ADDR", ":8080"),
		Node:                p.str("SESSIOND_NODE", ""),
		Store:               p.str("SESSIOND_STORE", StoreMemory),
		RedisAddr:           p.str("SESSIOND_REDIS_ADDR", "localhost:6379"),
		RedisPassword:       p.str("SESSIOND_REDIS_PASSWORD", ""),
		RedisPrefix:         p.str("SESSIOND_REDIS_PREFIX", "session"),
		DatabaseDSN:         p.str("SESSIOND_DATABASE_DSN", ""),
		DatabaseTable:       p.str("SESSIOND_DATABASE_TABLE", "sessions"),
		MaxInactive:         p.duration("SESSIOND_MAX_INACTIVE", 30*time.Minute),
		SavePeriod:          p.duration("SESSIOND_SAVE_PERIOD", 0),
		SaveAttempts:        p.integer("SESSIOND_SAVE_ATTEMPTS", 3),
		SaveOnCreate:        p.boolean("SESSIOND_SAVE_ON_CREATE"),
		SaveOnInactiveEvict: p.boolean("SESSIOND_SAVE_ON_INACTIVE_EVICT"),
		FlushOnCommit:       p.boolean("SESSIOND_FLUSH_ON_COMMIT"),
		RemoveUnloadable:    p.boolean("SESSIOND_REMOVE_UNLOADABLE"),
		ScavengeInterval:    p.duration("SESSIOND_SCAVENGE_INTERVAL", 10*time.Minute),
		CookieName:          p.str("SESSIOND_COOKIE_NAME", "session"),
		CookieLifetime:      p.duration("SESSIOND_COOKIE_LIFETIME", 0),
		InsecureCookie:      p.boolean("SESSIOND_INSECURE_COOKIE"),
		Debug:               p.boolean("SESSIOND_DEBUG"),
	}

	eviction := p.str("SESSIOND_EVICTION", "never")
	if pol, err := session.ParseEvictionPolicy(eviction); err != nil {
		p.fail("SESSIOND_EVICTION", eviction, err)
	} else {
		cfg.Eviction = pol
	}

	if v := getenv("SESSIOND_SECRET"); v == "" {
		p.errs = append(p.errs, fmt.Errorf("SESSIOND_SECRET is required: %w", ErrInvalid))
	} else if secret, err := base64.StdEncoding.DecodeString(v); err != nil {
		p.fail("SESSIOND_SECRET", "<redacted>", err)
	} else {
		cfg.Secret = secret
	}

	switch cfg.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			p.errs = append(p.errs, fmt.Errorf("SESSIOND_DATABASE_DSN is required for the postgres store: %w", ErrInvalid))
		}
	default:
		p.fail("SESSIOND_STORE", cfg.Store, errors.New("unknown store"))
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}
