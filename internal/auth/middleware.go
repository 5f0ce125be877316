package auth

import (
	"net/http"
	"strings"
)

// Middleware guards HTTP endpoints with bearer-token authentication.
type Middleware struct {
	service  *Service
	skipAuth bool // development only
}

// NewMiddleware creates the HTTP authentication middleware.
func NewMiddleware(service *Service, skipAuth bool) *Middleware {
	return &Middleware{service: service, skipAuth: skipAuth}
}

// Handler wraps next with authentication. On success the client context
// is attached to the request context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := WithClient(r.Context(), &ClientContext{ClientID: "dev", Audience: Audience})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		cc, err := m.service.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), cc)))
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// WebSocketToken extracts a token from the handshake, trying each
// channel in order: Authorization header, subprotocol pair
// ("tasks-api", token), access_token cookie, access_token query
// parameter. It returns the token and the subprotocol to echo back
// when the subprotocol channel was used.
func WebSocketToken(r *http.Request) (token, subprotocol string) {
	if t := bearerToken(r.Header.Get("Authorization")); t != "" {
		return t, ""
	}
	if protos := websocketSubprotocols(r); len(protos) >= 2 {
		for i, p := range protos[:len(protos)-1] {
			if p == Audience {
				return protos[i+1], Audience
			}
		}
	}
	if c, err := r.Cookie("access_token"); err == nil && c.Value != "" {
		return c.Value, ""
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, ""
	}
	return "", ""
}

func websocketSubprotocols(r *http.Request) []string {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
