package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/swfrench/session-cache/internal/sid"
	"github.com/swfrench/session-cache/store"
	"golang.org/x/exp/slog"
)

const defaultSessionCookieName = "session"

// contextKey is the type used to represent keys identifying values stored in
// the request Context.
type contextKey string

const contextKeySession = contextKey("session")

// ManagerOptions represents tunable knobs that control the behavior of
// Manager.
type ManagerOptions struct {
	// SessionCookieName is the name of the session ID cookie set by Manager.
	// For example, together with a suitable definition of CreateCookie (see
	// below), this can be used to configure a secure cookie name prefix (e.g.,
	// "__Host-").
	// Default if unspecified: "session"
	SessionCookieName string
	// CookieLifetime is the lifetime of the session ID cookie. Zero means the
	// cookie lasts until the browser session ends.
	CookieLifetime time.Duration
	// CreateCookie is a user-supplied factory for creating session ID cookies
	// with the provided name, value, and expiration. This is provided as a
	// convenience for granular control of cookie attributes, such as Path.
	// Default if unspecified: CreateStrictCookie
	CreateCookie func(name, value string, expires time.Time) *http.Cookie
	// OnCreate, if set, is called with each newly created Session before the
	// wrapped handler runs (e.g., to set additional response headers).
	OnCreate func(w http.ResponseWriter, s *Session)
}

// CreateStrictCookie returns an http.Cookie with strict defaults, with the
// provided name, value, and expiration. The resulting cookie is marked Secure,
// HttpOnly, and SameSite Strict, with no Domain or Path attribute.
// Consider using this as a base for your own implementation of CreateCookie.
func CreateStrictCookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Expires:  expires,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Manager binds a Cache to HTTP requests: it resolves the session cookie to a
// Session, which it holds for the duration of the request.
type Manager struct {
	// Clock can be used to override measurement of time in tests.
	Clock func() time.Time
	cache *Cache
	ids   *sid.Generator
	opts  ManagerOptions
}

// NewManager returns a new Manager for the provided cache, respecting the
// provided options (which may be nil). Session IDs are authenticated with
// HMAC-SHA256 using a key derived from the provided secret, and qualified with
// the cache's node name.
func NewManager(c *Cache, secret []byte, opts *ManagerOptions) (*Manager, error) {
	if c == nil {
		return nil, fmt.Errorf("nil session cache: %w", ErrInvalidConfig)
	}
	ids, err := sid.New(secret, c.opts.Node)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	var o ManagerOptions
	if opts != nil {
		o = *opts
	}
	if o.CookieLifetime < 0 {
		return nil, fmt.Errorf("negative cookie lifetime %v: %w", o.CookieLifetime, ErrInvalidConfig)
	}
	if o.SessionCookieName == "" {
		o.SessionCookieName = defaultSessionCookieName
	}
	if o.CreateCookie == nil {
		o.CreateCookie = CreateStrictCookie
	}
	return &Manager{
		Clock: func() time.Time { return time.Now() },
		cache: c,
		ids:   ids,
		opts:  o,
	}, nil
}

// GetSession returns the Session instance from the provided Context - i.e.,
// previously stored there via the Manage middleware.
func (m *Manager) GetSession(ctx context.Context) *Session {
	s := ctx.Value(contextKeySession)
	if s == nil {
		return nil
	}
	return s.(*Session)
}

// Invalidate invalidates the Session of the current request and expires the
// session cookie. The next request creates a new Session.
func (m *Manager) Invalidate(ctx context.Context, w http.ResponseWriter) error {
	s := m.GetSession(ctx)
	if s == nil {
		return errors.New("no session in context")
	}
	if err := m.cache.Invalidate(ctx, s.ID()); err != nil {
		return err
	}
	c := m.opts.CreateCookie(m.opts.SessionCookieName, "", time.Unix(0, 0))
	c.MaxAge = -1
	http.SetCookie(w, c)
	return nil
}

func (m *Manager) setSIDCookie(w http.ResponseWriter, id string) {
	var expires time.Time
	if m.opts.CookieLifetime > 0 {
		expires = m.Clock().Add(m.opts.CookieLifetime)
	}
	http.SetCookie(w, m.opts.CreateCookie(m.opts.SessionCookieName, m.ids.Qualify(id), expires))
}

var errNoSIDCookie = errors.New("no SID cookie")

// getSIDCookie fetches the SID cookie from the provided request and verifies
// its authenticity, returning the unqualified ID.
func (m *Manager) getSIDCookie(r *http.Request) (string, error) {
	c, err := r.Cookie(m.opts.SessionCookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return "", errNoSIDCookie
		}
		return "", err
	}
	id, _, err := m.ids.Verify(c.Value)
	if err != nil {
		return "", err
	}
	return id, nil
}

// lookup returns the existing Session named by the request cookie, or nil if
// there is none to resume.
func (m *Manager) lookup(r *http.Request) (*Session, error) {
	id, err := m.getSIDCookie(r)
	if err != nil {
		// Regardless of the error reason, a new session is created.
		if !errors.Is(err, errNoSIDCookie) {
			slog.Error("Failed to extract session cookie", "error", err)
		}
		return nil, nil
	}
	s, err := m.cache.Get(r.Context(), id)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, store.ErrStoreUnavailable):
		return nil, err
	default:
		slog.Debug("Failed to look up session for SID", "sid", id, "error", err)
		return nil, nil
	}
}

func (m *Manager) create(w http.ResponseWriter, r *http.Request) (*Session, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return nil, err
	}
	s, err := m.cache.GetOrCreate(r.Context(), id)
	if err != nil {
		return nil, err
	}
	m.setSIDCookie(w, id)
	if m.opts.OnCreate != nil {
		m.opts.OnCreate(w, s)
	}
	return s, nil
}

func (m *Manager) wrapHandler(w http.ResponseWriter, r *http.Request, next http.Handler) {
	s, err := m.lookup(r)
	if err != nil {
		slog.Error("Failed to look up session", "error", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	if s == nil {
		if s, err = m.create(w, r); err != nil {
			slog.Error("Failed to create session", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	// The request context may be canceled by the time the session is
	// released; the final save must still happen.
	rctx := context.WithoutCancel(r.Context())
	defer func() {
		if err := m.cache.Release(rctx, s); err != nil {
			slog.Error("Failed to release session", "sid", s.ID(), "error", err)
		}
	}()
	cw := &commitWriter{ResponseWriter: w, commit: func() {
		if err := m.cache.Commit(rctx, s); err != nil {
			slog.Error("Failed to flush session on response commit", "sid", s.ID(), "error", err)
		}
	}}
	ctx := context.WithValue(r.Context(), contextKeySession, s)
	next.ServeHTTP(cw, r.WithContext(ctx))
}

// Manage is a chi-compatible middleware that validates the session cookie,
// acquires the associated Session, and stores it to the request Context (which
// can be retrieved via GetSession). If there is no valid session cookie, or it
// names no live session, a new Session is created and its cookie set.
//
// The Session is released when the wrapped handler returns, including by
// panicking.
func (m *Manager) Manage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.wrapHandler(w, r, next)
	})
}

// commitWriter runs commit once, before the response is committed.
type commitWriter struct {
	http.ResponseWriter
	commit    func()
	committed bool
}

func (w *commitWriter) beforeCommit() {
	if !w.committed {
		w.committed = true
		w.commit()
	}
}

func (w *commitWriter) WriteHeader(code int) {
	w.beforeCommit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *commitWriter) Write(b []byte) (int, error) {
	w.beforeCommit()
	return w.ResponseWriter.Write(b)
}

func (w *commitWriter) Flush() {
	w.beforeCommit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController.
func (w *commitWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
