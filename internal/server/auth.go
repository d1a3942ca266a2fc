package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"workgate/internal/config"
	"workgate/internal/domain"
	"workgate/internal/repo"
)

type AuthConfig struct {
	JWTSecret        string
	// AllowActorHeader trusts X-Principal-Id without credentials. Local use only.
	AllowActorHeader bool
	Logger           *zap.Logger
}

// Caller is the authenticated party behind an HTTP request.
type Caller struct {
	PrincipalID string
	Source      string
}

type callerKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func withCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFromContext(ctx context.Context) (Caller, huma.StatusError) {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok && c.PrincipalID != "" {
		return c, nil
	}
	return Caller{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// checkEventActor keeps non-intake callers from acting as another principal
// or letting routing pick one for them.
func checkEventActor(c Caller, evt domain.VerifiedEvent, dc config.DispatchConfig, logger *zap.Logger) huma.StatusError {
	if dc.IsIntake(c.PrincipalID) {
		return nil
	}
	if evt.Actor == c.PrincipalID {
		return nil
	}
	logger.Warn("event actor rejected",
		zap.String("caller", c.PrincipalID),
		zap.String("actor", evt.Actor),
		zap.String("delivery_id", evt.DeliveryID))
	if evt.Actor == "" {
		return newAPIError(http.StatusForbidden, "forbidden", "only intake callers may submit events without an actor", nil)
	}
	return newAPIError(http.StatusForbidden, "forbidden", "caller may not act as another principal",
		map[string]any{"caller": c.PrincipalID, "actor": evt.Actor})
}

func authenticateJWT(token string, secret string) (Caller, error) {
	if strings.TrimSpace(secret) == "" {
		return Caller{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Caller{}, err
	}
	if !parsed.Valid {
		return Caller{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Caller{}, errors.New("subject claim required")
	}
	return Caller{PrincipalID: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Caller, error) {
	if strings.TrimSpace(key) == "" {
		return Caller{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Caller{}, err
	}
	return Caller{PrincipalID: apiKey.PrincipalID, Source: "api_key"}, nil
}

// SignToken mints an HS256 token whose subject is principalID.
func SignToken(secret, principalID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   principalID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
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

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			actorHeader := strings.TrimSpace(req.Header.Get("X-Principal-Id"))

			var (
				caller Caller
				err    error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				caller, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKeyHeader != "":
				caller, err = authenticateAPIKey(req.Context(), r, apiKeyHeader)
			case actorHeader != "" && cfg.AllowActorHeader:
				cfg.logger().Warn("unauthenticated principal header accepted", zap.String("principal", actorHeader))
				caller = Caller{PrincipalID: actorHeader, Source: "header"}
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				cfg.logger().Debug("authentication failed", zap.String("path", req.URL.Path), zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withCaller(req.Context(), caller)))
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
