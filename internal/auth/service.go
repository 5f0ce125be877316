package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentflow/runner/internal/errs"
)

// ClientStore is the persistence slice the verifier needs.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*ClientRecord, error)
}

// ClientRecord mirrors the stored credential row.
type ClientRecord struct {
	ID         string
	SecretHash string
	Audience   string
}

// Service authenticates client credentials and verifies bearer tokens.
type Service struct {
	store  ClientStore
	jwt    *JWTManager
	logger *zap.Logger
}

// NewService creates the authentication service.
func NewService(store ClientStore, signingKey string, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		jwt:    NewJWTManager(signingKey, time.Hour),
		logger: logger,
	}
}

// Authenticate checks client credentials and mints an access token.
func (s *Service) Authenticate(ctx context.Context, clientID, secret string) (*TokenResponse, error) {
	rec, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		// Unknown client and bad secret are indistinguishable to callers.
		if errs.IsKind(err, errs.KindAuthInvalid) {
			return nil, errs.New(errs.KindAuthInvalid, "invalid client credentials")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)); err != nil {
		return nil, errs.New(errs.KindAuthInvalid, "invalid client credentials")
	}
	aud := rec.Audience
	if aud == "" {
		aud = Audience
	}
	token, expiresIn, err := s.jwt.Generate(rec.ID, aud)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Minted access token", zap.String("client_id", rec.ID))
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	}, nil
}

// Verify validates a bearer token. Called once per HTTP request and at
// the WebSocket handshake.
func (s *Service) Verify(token string) (*ClientContext, error) {
	return s.jwt.Validate(token)
}

// HashSecret bcrypt-hashes a client secret for storage.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
