package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	session "github.com/swfrench/session-cache"
	"github.com/swfrench/session-cache/internal/config"
	"github.com/swfrench/session-cache/store"
	"github.com/swfrench/session-cache/store/memory"
	"github.com/swfrench/session-cache/store/postgres"
	"github.com/swfrench/session-cache/store/redis"
	"golang.org/x/exp/slog"
)

// openStore returns the configured session store and a function releasing its
// connections.
func openStore(ctx context.Context, cfg *config.Config) (store.DataStore, func() error, error) {
	switch cfg.Store {
	case config.StoreRedis:
		rc := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		slog.Info("Redis session store ready", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return redis.New(rc, cfg.RedisPrefix), rc.Close, nil
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		ps := postgres.New(db, cfg.DatabaseTable)
		if err := ps.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("Postgres session store ready", "table", cfg.DatabaseTable)
		return ps, db.Close, nil
	default:
		slog.Info("Memory session store ready")
		return memory.New(), func() error { return nil }, nil
	}
}

type server struct {
	cache *session.Cache
	sm    *session.Manager
}

func newServer(ds store.DataStore, cfg *config.Config) (*server, error) {
	c, err := session.NewCache(ds, cfg.CacheOptions())
	if err != nil {
		return nil, err
	}
	mopts := &session.ManagerOptions{
		SessionCookieName: cfg.CookieName,
		CookieLifetime:    cfg.CookieLifetime,
	}
	if cfg.InsecureCookie {
		mopts.CreateCookie = func(name, value string, expires time.Time) *http.Cookie {
			base := session.CreateStrictCookie(name, value, expires)
			base.Secure = false
			base.Path = "/"
			return base
		}
	}
	sm, err := session.NewManager(c, cfg.Secret, mopts)
	if err != nil {
		return nil, err
	}
	return &server{cache: c, sm: sm}, nil
}

// handler returns the HTTP handler for the server. Every route except the
// health check runs inside a session.
func (s *server) handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.cache.Len()})
	})

	router.GET("/attributes", s.listAttributes)
	router.GET("/attributes/:name", s.getAttribute)
	router.PUT("/attributes/:name", s.putAttribute)
	router.DELETE("/attributes/:name", s.deleteAttribute)
	router.DELETE("/session", s.invalidate)

	mux := http.NewServeMux()
	mux.Handle("/healthz", router)
	mux.Handle("/", s.sm.Manage(router))
	return mux
}

func (s *server) current(c *gin.Context) *session.Session {
	return s.sm.GetSession(c.Request.Context())
}

func abortWithError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, session.ErrInvalidSession) {
		code = http.StatusGone
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (s *server) listAttributes(c *gin.Context) {
	sess := s.current(c)
	names, err := sess.Names()
	if err != nil {
		abortWithError(c, err)
		return
	}
	attrs := make(map[string]any, len(names))
	for _, name := range names {
		v, err := sess.Get(name)
		if err != nil {
			abortWithError(c, err)
			return
		}
		attrs[name] = v
	}
	c.JSON(http.StatusOK, gin.H{"id": sess.ID(), "new": sess.IsNew(), "attributes": attrs})
}

func (s *server) getAttribute(c *gin.Context) {
	name := c.Param("name")
	v, err := s.current(c).Get(name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if v == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no attribute %q", name)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "value": v})
}

func (s *server) putAttribute(c *gin.Context) {
	var v any
	if err := c.ShouldBindJSON(&v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.current(c).Set(c.Param("name"), v); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) deleteAttribute(c *gin.Context) {
	if err := s.current(c).Delete(c.Param("name")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) invalidate(c *gin.Context) {
	if err := s.sm.Invalidate(c.Request.Context(), c.Writer); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
