package middleware

import (
	"crypto/rsa"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/frahmantamala/overtime-management/internal"
	"github.com/golang-jwt/jwt/v5"
)

// ActorContext verifies the bearer token and hands the engine a resolved
// {actorID, role} pair. Token issuance lives outside this service; only the
// public key is needed here.
func ActorContext(publicKey *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, "missing bearer token")
				return
			}

			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return publicKey, nil
			})
			if err != nil || !token.Valid {
				logger.Warn("token verification failed", "error", err)
				writeAuthError(w, "invalid token")
				return
			}

			actor, ok := actorFromClaims(claims)
			if !ok {
				logger.Warn("token missing actor claims")
				writeAuthError(w, "invalid token")
				return
			}

			ctx := internal.ContextWithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromClaims(claims jwt.MapClaims) (internal.Actor, bool) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return internal.Actor{}, false
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return internal.Actor{}, false
	}
	role, _ := claims["role"].(string)
	if role == "" {
		return internal.Actor{}, false
	}
	return internal.Actor{ID: id, Role: role}, true
}

// RequireRole gates a route group to actors holding one of the given roles.
func RequireRole(logger *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := internal.ActorFromContext(r.Context())
			if !ok {
				writeAuthError(w, "unauthenticated")
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.Warn("access denied: actor lacks required role",
				"actor_id", actor.ID,
				"actor_role", actor.Role,
				"required_roles", roles)
			http.Error(w, "Forbidden: insufficient role", http.StatusForbidden)
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "` + message + `"}`))
}
