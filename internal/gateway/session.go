package gateway

import (
	"net/http"

	"github.com/basket/taskdag/internal/shared"
	"github.com/google/uuid"
)

// sessionMiddleware resolves the caller's session id from the session
// cookie. A missing or malformed cookie gets a fresh UUID, which is set on
// the response so the client keeps it.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionFromCookie(r, s.cfg.SessionCookieName)
		if sessionID == "" {
			sessionID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     s.cfg.SessionCookieName,
				Value:    sessionID,
				Path:     "/",
				HttpOnly: true,
				Secure:   s.cfg.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(shared.WithSessionID(r.Context(), sessionID)))
	})
}

// sessionFromCookie returns the canonical session id carried by the cookie,
// or "" when it is absent or not a UUID.
func sessionFromCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return ""
	}
	return id.String()
}
