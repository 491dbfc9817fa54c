package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"lobbyline/internal/app"
	"lobbyline/internal/domain"
)

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Role without a token. Local use only.
	AllowLegacyActorHeader bool
	// DevLogin exposes POST /auth/dev/login for minting tokens.
	DevLogin bool
	Logger   *slog.Logger
}

// Principal is the authenticated caller. Role decides which lifecycle
// transitions the caller may request.
type Principal struct {
	Subject string
	Role    domain.Actor
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// requireRole returns the caller's actor if it is one of roles.
func requireRole(ctx context.Context, roles ...domain.Actor) (domain.Actor, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.Role == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	for _, r := range roles {
		if p.Role == r {
			return p.Role, nil
		}
	}
	return "", newAPIError(http.StatusForbidden, "forbidden", "role not permitted", map[string]any{"role": p.Role})
}

// requireOwner refuses a customer acting on a ticket another subject joined.
// Tickets joined at reception have no owner.
func requireOwner(ctx context.Context, a *app.App, actor domain.Actor, ticketID string) huma.StatusError {
	if actor != domain.ActorCustomer {
		return nil
	}
	t, err := a.Coordinator.Ticket(ticketID)
	if err != nil {
		return handleError(err)
	}
	if p, _ := principalFromContext(ctx); t.Owner != "" && t.Owner != p.Subject {
		return newAPIError(http.StatusForbidden, "forbidden", "ticket belongs to another customer", map[string]any{"ticket_id": ticketID})
	}
	return nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	role, err := domain.ParseActor(claims.Role)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: claims.Subject, Role: role, Source: "jwt"}, nil
}

// SignToken mints an HS256 token carrying the role claim.
func SignToken(secret, subject string, role domain.Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if !role.Valid() {
		return "", errors.New("invalid role")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role: string(role),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			// EventSource cannot set headers, so streams may pass the token as a query parameter.
			if authz == "" && strings.HasSuffix(req.URL.Path, "/stream") {
				if tok := req.URL.Query().Get("access_token"); tok != "" {
					authz = "Bearer " + tok
				}
			}
			legacyRole := strings.TrimSpace(req.Header.Get("X-Actor-Role"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if legacyRole != "" && cfg.AllowLegacyActorHeader {
				role, err := domain.ParseActor(legacyRole)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				cfg.logger().Warn("using unauthenticated X-Actor-Role header", "role", role)
				ctx := withPrincipal(req.Context(), Principal{
					Subject: strings.TrimSpace(req.Header.Get("X-Actor-Id")),
					Role:    role,
					Source:  "legacy_header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
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
