package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/errs"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, expiresIn, err := m.Generate("c-1", Audience)
	require.NoError(t, err)
	assert.Equal(t, 3600, expiresIn)

	cc, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "c-1", cc.ClientID)
	assert.Equal(t, Audience, cc.Audience)
}

func TestJWTRejectsWrongAudience(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, _, err := m.Generate("c-1", "other-api")
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.True(t, errs.IsKind(err, errs.KindAuthInvalid))
}

func TestJWTRejectsWrongKey(t *testing.T) {
	token, _, err := NewJWTManager("secret-a", time.Hour).Generate("c-1", Audience)
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", time.Hour).Validate(token)
	assert.True(t, errs.IsKind(err, errs.KindAuthInvalid))
}

type fakeClientStore map[string]*ClientRecord

func (f fakeClientStore) GetClient(ctx context.Context, clientID string) (*ClientRecord, error) {
	rec, ok := f[clientID]
	if !ok {
		return nil, errs.New(errs.KindAuthInvalid, "unknown client")
	}
	return rec, nil
}

func TestAuthenticate(t *testing.T) {
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	store := fakeClientStore{"c-1": {ID: "c-1", SecretHash: hash}}
	svc := NewService(store, "signing-key", zap.NewNop())

	token, err := svc.Authenticate(context.Background(), "c-1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)

	cc, err := svc.Verify(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "c-1", cc.ClientID)
}

func TestAuthenticateIndistinguishableFailures(t *testing.T) {
	hash, _ := HashSecret("s3cret")
	store := fakeClientStore{"c-1": {ID: "c-1", SecretHash: hash}}
	svc := NewService(store, "signing-key", zap.NewNop())

	_, badSecret := svc.Authenticate(context.Background(), "c-1", "wrong")
	_, badClient := svc.Authenticate(context.Background(), "ghost", "wrong")
	require.Error(t, badSecret)
	require.Error(t, badClient)
	assert.Equal(t, badSecret.Error(), badClient.Error())
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	svc := NewService(fakeClientStore{}, "signing-key", zap.NewNop())
	mw := NewMiddleware(svc, false)
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAttachesClient(t *testing.T) {
	svc := NewService(fakeClientStore{}, "signing-key", zap.NewNop())
	token, _, err := NewJWTManager("signing-key", time.Hour).Generate("c-1", Audience)
	require.NoError(t, err)

	var got *ClientContext
	mw := NewMiddleware(svc, false)
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClientFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "c-1", got.ClientID)
}

func TestWebSocketTokenChannels(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/t-1", nil)
		r.Header.Set("Authorization", "Bearer tok-header")
		token, sub := WebSocketToken(r)
		assert.Equal(t, "tok-header", token)
		assert.Empty(t, sub)
	})

	t.Run("subprotocol pair", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/t-1", nil)
		r.Header.Set("Sec-WebSocket-Protocol", "tasks-api, tok-sub")
		token, sub := WebSocketToken(r)
		assert.Equal(t, "tok-sub", token)
		assert.Equal(t, Audience, sub)
	})

	t.Run("cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/t-1", nil)
		r.AddCookie(&http.Cookie{Name: "access_token", Value: "tok-cookie"})
		token, sub := WebSocketToken(r)
		assert.Equal(t, "tok-cookie", token)
		assert.Empty(t, sub)
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/t-1?access_token=tok-query", nil)
		token, sub := WebSocketToken(r)
		assert.Equal(t, "tok-query", token)
		assert.Empty(t, sub)
	})

	t.Run("header wins over cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/t-1", nil)
		r.Header.Set("Authorization", "Bearer tok-header")
		r.AddCookie(&http.Cookie{Name: "access_token", Value: "tok-cookie"})
		token, _ := WebSocketToken(r)
		assert.Equal(t, "tok-header", token)
	})

	t.Run("nothing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/t-1", nil)
		token, sub := WebSocketToken(r)
		assert.Empty(t, token)
		assert.Empty(t, sub)
	})
}
