package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"graphcore/pkg/auth"
	"graphcore/pkg/common"

	"go.uber.org/zap"
)

// AuthOptions configures Authenticate
type AuthOptions struct {
	// TrustGateway accepts the identity headers API Gateway sets after its
	// own authorizer ran. Only enable it behind the gateway.
	TrustGateway bool
}

// Authenticate validates the bearer token and puts the user into the
// request context
func Authenticate(validator *auth.JWTValidator, opts AuthOptions, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.TrustGateway && r.Header.Get("X-API-Gateway-Authorized") == "true" {
				if user := gatewayUser(r); user != nil {
					next.ServeHTTP(w, r.WithContext(withUser(r, user)))
					return
				}
			}

			token := extractToken(r)
			if token == "" {
				respondUnauthorized(w, "Missing authentication token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.Debug("Token rejected",
					zap.String("path", r.URL.Path),
					zap.String("client_ip", getClientIP(r)),
					zap.Error(err),
				)
				switch {
				case errors.Is(err, auth.ErrExpiredToken):
					respondUnauthorized(w, "Token has expired")
				default:
					respondUnauthorized(w, "Invalid token")
				}
				return
			}

			user := &auth.UserContext{
				UserID: claims.UserID,
				Email:  claims.Email,
				Roles:  claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(withUser(r, user)))
		})
	}
}

func gatewayUser(r *http.Request) *auth.UserContext {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return nil
	}
	user := &auth.UserContext{
		UserID: userID,
		Email:  r.Header.Get("X-User-Email"),
	}
	if roles := r.Header.Get("X-User-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				user.Roles = append(user.Roles, role)
			}
		}
	}
	return user
}

func withUser(r *http.Request, user *auth.UserContext) context.Context {
	ctx := auth.SetUserInContext(r.Context(), user)
	return common.WithUserID(ctx, user.UserID)
}

// RequireRole rejects users holding none of roles
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := auth.GetUserFromContext(r.Context())
			if err != nil {
				respondUnauthorized(w, "Unauthorized")
				return
			}
			if !user.HasRole(roles...) {
				common.RespondError(w, http.StatusForbidden, common.StandardErrorCodes.Forbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit rejects clients over the limiter's budget. Authenticated users
// are keyed by id, everyone else by client IP.
func RateLimit(limiter auth.RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + getClientIP(r)
			if userID, ok := common.GetUserID(r.Context()); ok && userID != "" {
				key = "user:" + userID
			}
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("Rate limiter unavailable", zap.String("key", key), zap.Error(err))
			}
			if !allowed {
				logger.Warn("Rate limit exceeded", zap.String("key", key), zap.String("path", r.URL.Path))
				w.Header().Set("Retry-After", "1")
				common.RespondError(w, http.StatusTooManyRequests, common.StandardErrorCodes.TooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads the Authorization header, then the auth_token cookie
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return header
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// getClientIP extracts the client IP address
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="graphcore"`)
	common.RespondError(w, http.StatusUnauthorized, common.StandardErrorCodes.Unauthorized, message)
}
