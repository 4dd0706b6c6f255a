package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"stageline/internal/engine"
)

type AuthConfig struct {
	JWTSecret string
	// AllowUserHeader trusts X-User-Id when no bearer token is sent.
	AllowUserHeader bool
}

type Principal struct {
	UserID int64
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func userIDFromContext(ctx context.Context) (int64, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != 0 {
		return p.UserID, nil
	}
	return 0, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// IssueToken signs an HS256 token for subject, a user id or an email.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   "stageline",
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseSubject(token, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

// resolveSubject maps a numeric subject to a user id and registers email subjects.
func resolveSubject(ctx context.Context, e engine.Engine, subject string) (int64, error) {
	if id, err := strconv.ParseInt(subject, 10, 64); err == nil {
		if _, err := e.Repo.GetUser(ctx, id); err != nil {
			return 0, err
		}
		return id, nil
	}
	if !strings.Contains(subject, "@") {
		return 0, errors.New("subject must be a user id or an email")
	}
	u, err := e.EnsureUser(ctx, subject)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine, log *zap.Logger) func(http.Handler) http.Handler {
	open := openOperations(basePath, cfg.AllowUserHeader)
	open[path.Join(basePath, "openapi.json")] = true
	open[path.Join(basePath, "docs")] = true
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
			invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)

			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalid)
					return
				}
				subject, err := parseSubject(token, cfg.JWTSecret)
				if err != nil {
					log.Debug("bearer rejected", zap.Error(err))
					respondStatusError(w, invalid)
					return
				}
				id, err := resolveSubject(req.Context(), e, subject)
				if err != nil {
					log.Debug("subject rejected", zap.String("subject", subject), zap.Error(err))
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{UserID: id, Source: "jwt"})))
				return
			}

			if header := strings.TrimSpace(req.Header.Get("X-User-Id")); header != "" && cfg.AllowUserHeader {
				id, err := strconv.ParseInt(header, 10, 64)
				if err != nil || id <= 0 {
					respondStatusError(w, invalid)
					return
				}
				if _, err := e.Repo.GetUser(req.Context(), id); err != nil {
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{UserID: id, Source: "header"})))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
