// Package auth carries the gateway credential through the request context.
package auth

import (
	"context"
	"net/http"
	"strings"
)

type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the API key from the request. Browser WebSocket
// clients cannot set Authorization, so the "bearer, <token>" subprotocol
// convention is accepted as a fallback on upgrade requests.
func ParseBearer(r *http.Request) (string, bool) {
	if token, ok := bearerFromHeader(r.Header.Get("Authorization")); ok {
		return token, true
	}
	return bearerFromSubprotocol(r.Header.Values("Sec-WebSocket-Protocol"))
}

func bearerFromHeader(authz string) (string, bool) {
	authz = strings.TrimSpace(authz)
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func bearerFromSubprotocol(values []string) (string, bool) {
	var parts []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	}
	for i, p := range parts {
		if strings.EqualFold(p, "bearer") && i+1 < len(parts) {
			return parts[i+1], true
		}
	}
	return "", false
}
