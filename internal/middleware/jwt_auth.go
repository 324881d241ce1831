package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/auth"
	"github.com/technosupport/vms-alerts/internal/tokens"
)

type TokenValidator interface {
	Validate(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens    TokenValidator
	blacklist auth.TokenBlacklist
	log       *zap.Logger
}

// NewJWTAuth builds the bearer-token check. A nil blacklist disables
// revocation lookups.
func NewJWTAuth(t TokenValidator, b auth.TokenBlacklist, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{tokens: t, blacklist: b, log: log}
}

// Middleware verifies the JWT and injects AuthContext.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, tokenString, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || scheme != "Bearer" || tokenString == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.Validate(tokenString)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if m.blacklist != nil {
			revoked, err := m.blacklist.IsBlacklisted(r.Context(), claims.ID)
			if err != nil {
				// fail closed
				m.log.Error("token blacklist lookup failed", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if revoked {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		ac := &AuthContext{
			OperatorID: claims.OperatorID,
			Role:       claims.Role,
			TokenID:    claims.ID,
		}
		if claims.ExpiresAt != nil {
			ac.ExpiresAt = claims.ExpiresAt.Time
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// RequireRole rejects requests whose operator role is below need.
// It must run after Middleware.
func RequireRole(need tokens.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuthContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !ac.Role.Allows(need) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
