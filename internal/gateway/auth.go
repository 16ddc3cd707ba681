package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/doctrine-review/inkwell/internal/store"
)

type userCtxKey struct{}

// UserFrom returns the authenticated user placed on the context by the
// auth middleware, or nil outside an authenticated request.
func UserFrom(ctx context.Context) *store.User {
	u, _ := ctx.Value(userCtxKey{}).(*store.User)
	return u
}

type tokenClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// MintToken signs an HS256 bearer token for uid. Used by the admin CLI
// to hand out credentials without a separate identity provider.
func MintToken(secret, uid, name, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := tokenClaims{
		Name:  name,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    "inkwell",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authenticate resolves the caller to a store.User and stashes it on the
// request context. Unknown subjects are provisioned on first sight so a
// freshly minted token works without an extra registration step.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.resolveUser(r)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "auth_required", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type authError string

func (e authError) Error() string { return string(e) }

func (s *Server) resolveUser(r *http.Request) (*store.User, error) {
	ctx := r.Context()
	defaultCap := s.cfg.Governor.UserDefaultMaxConcurrentTasks

	if s.cfg.Auth.Disabled {
		// Dev mode: the header names the caller, no signature required.
		uid := r.Header.Get("X-Inkwell-User")
		if uid == "" {
			uid = s.cfg.Auth.AdminUID
		}
		if uid == "" {
			return nil, authError("auth disabled but no X-Inkwell-User header and no admin_uid configured")
		}
		return s.deps.Store.Users.EnsureByUID(ctx, uid, uid, "", store.RoleUser, defaultCap)
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, authError("missing bearer token")
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.Auth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, authError("bearer token rejected")
	}
	if claims.Subject == "" {
		return nil, authError("token has no subject")
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return s.deps.Store.Users.EnsureByUID(ctx, claims.Subject, name, claims.Email, store.RoleUser, defaultCap)
}
