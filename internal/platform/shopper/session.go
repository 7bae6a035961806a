// Package shopper identifies anonymous shoppers with a signed session cookie.
package shopper

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"finitefield.org/storefront/internal/platform/requestctx"
)

const (
	idKey         = "sid"
	idPrefix      = "shp_"
	minKeyLength  = 32
	defaultMaxAge = 7 * 24 * time.Hour
	defaultCookie = "storefront_session"
)

// Config configures the cookie session.
type Config struct {
	SigningKey string
	CookieName string
	MaxAge     time.Duration
	Secure     bool
	Logger     *zap.Logger
}

// Sessions issues and reads the shopper cookie.
type Sessions struct {
	store  *sessions.CookieStore
	name   string
	newID  func() string
	logger *zap.Logger
}

// New validates cfg and builds the cookie store.
func New(cfg Config) (*Sessions, error) {
	key := strings.TrimSpace(cfg.SigningKey)
	if len(key) < minKeyLength {
		return nil, errors.New("shopper: signing key must be at least 32 bytes")
	}
	name := strings.TrimSpace(cfg.CookieName)
	if name == "" {
		name = defaultCookie
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := sessions.NewCookieStore([]byte(key))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Sessions{
		store:  store,
		name:   name,
		newID:  func() string { return idPrefix + strings.ToLower(ulid.Make().String()) },
		logger: logger,
	}, nil
}

// Middleware attaches the shopper id to the request context, issuing a new
// cookie when the request has none or carries one that fails verification.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.store.Get(r, s.name)
		if err != nil {
			s.logger.Debug("shopper: discarding unreadable session cookie", zap.Error(err))
		}
		id, _ := session.Values[idKey].(string)
		if id == "" {
			id = s.newID()
			session.Values[idKey] = id
			if err := session.Save(r, w); err != nil {
				s.logger.Warn("shopper: unable to save session", zap.Error(err))
			}
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithShopper(r.Context(), id)))
	})
}
