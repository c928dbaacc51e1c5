package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
	apiContext "chatrelay/internal/api/context"
	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/auth"
	"chatrelay/internal/platform/config"
)

// AuthMiddleware protects the dashboard surface: Bearer JWTs for tenant
// users, or the X-Operator-Key header checked against a bcrypt hash for
// the monitoring layer.
type AuthMiddleware struct {
	tokenSvc        *auth.TokenService
	operatorKeyHash string
}

func NewAuthMiddleware(tokenSvc *auth.TokenService, cfg config.JWTConfig) *AuthMiddleware {
	return &AuthMiddleware{tokenSvc: tokenSvc, operatorKeyHash: cfg.OperatorKeyHash}
}

func (m *AuthMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-Operator-Key"); key != "" && m.operatorKeyHash != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(m.operatorKeyHash), []byte(key)); err != nil {
				errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid operator key", nil)
				return
			}
			ctx := context.WithValue(r.Context(), apiContext.Claims, &auth.Claims{Role: "operator"})
			next(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing authorization header", nil)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid authorization header format", nil)
			return
		}

		claims, err := m.tokenSvc.ValidateToken(parts[1])
		if err != nil {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid or expired token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Claims, claims)
		next(w, r.WithContext(ctx))
	}
}
