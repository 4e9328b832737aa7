package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/session"
)

type contextKey string

const sessionContextKey contextKey = "session"

// CookieConfig configures the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

type sessionState struct {
	id     string
	values *session.Values
}

// SessionFrom returns the session attached by SessionMiddleware.
func SessionFrom(ctx context.Context) (string, *session.Values, bool) {
	st, ok := ctx.Value(sessionContextKey).(*sessionState)
	if !ok {
		return "", nil, false
	}
	return st.id, st.values, true
}

// SessionMiddleware loads the requester's session from the store, creating
// one when the cookie is missing or stale, and saves it after the handler runs.
func SessionMiddleware(store *session.Store, cookie CookieConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cookie.Name == "" {
		cookie.Name = "AUTHSESSID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			st := &sessionState{}

			if c, err := r.Cookie(cookie.Name); err == nil && c.Value != "" {
				values, err := store.Load(ctx, c.Value)
				switch {
				case err == nil:
					st.id, st.values = c.Value, values
				case errors.Is(err, session.ErrNotFound):
				default:
					logger.Warn("session load failed, starting a new session", zap.Error(err))
				}
			}
			if st.values == nil {
				st.id = session.NewID()
				st.values = session.NewValues()
				http.SetCookie(w, &http.Cookie{
					Name:     cookie.Name,
					Value:    st.id,
					Path:     "/",
					HttpOnly: true,
					Secure:   cookie.Secure,
					SameSite: http.SameSiteLaxMode,
					MaxAge:   int(cookie.MaxAge.Seconds()),
				})
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, sessionContextKey, st)))

			// A client disconnect must not drop the expiry refresh.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := store.Save(saveCtx, st.id, st.values); err != nil {
				logger.Error("session save failed", zap.Error(err))
			}
		})
	}
}
