package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/splax/flowmetrics/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	Subject string
	Scope   string
}

const contextKeyAuth authContextKey = "flowmetrics-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireReader checks the bearer token on read routes. Without a JWT secret reads are open.
func (r *Router) requireReader(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.JWTSecret == "" {
			next(w, req)
			return
		}
		ctx, _, ok := r.ensureReader(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureReader validates the token and enriches the context. Browsers cannot set headers
// on websocket upgrades, so stream routes also accept an access_token query parameter.
func (r *Router) ensureReader(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		if fallback := strings.TrimSpace(req.URL.Query().Get("access_token")); fallback != "" && isStreamPath(req.URL.Path) {
			token, err = fallback, nil
		}
	}
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	claims, err := jwtpkg.Parse(token, r.cfg.JWTSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	if claims.Scope != jwtpkg.ScopeRead {
		r.logger.Warn("token scope rejected", "scope", claims.Scope, "path", req.URL.Path)
		writeError(w, http.StatusForbidden, "token does not grant read access")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{Subject: claims.Subject, Scope: claims.Scope}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// requireEngine checks the shared engine token on recording routes. Without a configured
// token recording is open.
func (r *Router) requireEngine(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.EngineToken == "" {
			next(w, req)
			return
		}
		if !r.verifyEngineToken(w, req) {
			return
		}
		next(w, req)
	}
}

func (r *Router) verifyEngineToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.cfg.EngineToken
	token := strings.TrimSpace(req.Header.Get(EngineTokenHeader))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("engine token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid engine token")
		return false
	}
	return true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
