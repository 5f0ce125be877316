package auth

import "context"

// ClientContext identifies the authenticated API client for a request.
type ClientContext struct {
	ClientID string
	Audience string
}

type contextKey string

const clientContextKey contextKey = "client"

// WithClient stores the client context on a request context.
func WithClient(ctx context.Context, cc *ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey, cc)
}

// ClientFrom extracts the client context, if any.
func ClientFrom(ctx context.Context) (*ClientContext, bool) {
	cc, ok := ctx.Value(clientContextKey).(*ClientContext)
	return cc, ok
}

// TokenResponse is the body of a successful token mint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}
