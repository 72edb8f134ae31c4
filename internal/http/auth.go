package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const callerKey contextKey = "caller"

// Authenticator resolves the caller of a request. With a secret it expects
// an HS256 bearer token carrying a user_id claim; without one it trusts the
// X-User-ID header, which is only suitable for local development.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Caller returns "" for anonymous requests and ErrUnauthenticated for
// requests presenting bad credentials.
func (a *Authenticator) Caller(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		return strings.TrimSpace(r.Header.Get("X-User-ID")), nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: user_id not found in token", ErrUnauthenticated)
	}
	return userID, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.auth.Caller(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if caller != "" {
			r = r.WithContext(context.WithValue(r.Context(), callerKey, caller))
		}
		next.ServeHTTP(w, r)
	})
}

// CallerFromContext returns the authenticated caller, or "".
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}
