package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"gigflow/internal/engine/auth"
)

type AuthConfig struct {
	Tokens       auth.Tokens
	CookieName   string
	CookieSecure bool
	Logger       *slog.Logger
}

type Principal struct {
	UserID string
	Name   string
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c AuthConfig) cookieName() string {
	if c.CookieName != "" {
		return c.CookieName
	}
	return "token"
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "not authorized, no token provided", nil)
}

func authenticateJWT(token string, tokens auth.Tokens, source string) (Principal, error) {
	claims, err := tokens.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: claims.Subject, Name: claims.Name, Source: source}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches a Principal when the request carries a valid
// token. Anonymous requests pass through; handlers that need an actor reject
// them. A malformed or invalid Authorization header is rejected here.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	wsPath := path.Join(basePath, "ws")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}

			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "not authorized, token invalid", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.Tokens, "bearer")
				if err != nil {
					cfg.logger().Debug("bearer token rejected", "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "not authorized, token invalid", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if c, err := req.Cookie(cfg.cookieName()); err == nil && c.Value != "" {
				if principal, err := authenticateJWT(c.Value, cfg.Tokens, "cookie"); err == nil {
					next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
					return
				}
			}

			// Browsers cannot set headers on websocket upgrades.
			if req.URL.Path == wsPath {
				if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
					if principal, err := authenticateJWT(token, cfg.Tokens, "query"); err == nil {
						next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
						return
					}
				}
			}

			next.ServeHTTP(w, req)
		})
	}
}

func sessionCookie(cfg AuthConfig, token string, expires time.Time) http.Cookie {
	sameSite := http.SameSiteLaxMode
	if cfg.CookieSecure {
		sameSite = http.SameSiteNoneMode
	}
	return http.Cookie{
		Name:     cfg.cookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: sameSite,
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
