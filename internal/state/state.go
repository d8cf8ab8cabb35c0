package state

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crowdpost/connect/internal/domain/connect"
)

const (
	statePrefix = "connect:state:"
	// DefaultTTL bounds how long a pending authorization stays redeemable.
	DefaultTTL = 10 * time.Minute
)

// PendingAuthorization binds an in-flight authorization attempt to the user
// and platform that initiated it. It lives only in the state store.
type PendingAuthorization struct {
	State        string            `json:"state"`
	UserID       int64             `json:"user_id"`
	Platform     string            `json:"platform"`
	CodeVerifier string            `json:"code_verifier,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Store persists pending authorizations with a TTL. Consume must atomically
// read and delete: two concurrent redemptions of one key cannot both succeed.
type Store interface {
	Save(ctx context.Context, key string, pending PendingAuthorization, ttl time.Duration) error
	Consume(ctx context.Context, key string) (*PendingAuthorization, error)
}

// Service mints and redeems single-use CSRF state tokens.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewService builds the state token service. ttl <= 0 falls back to DefaultTTL.
func NewService(store Store, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Service{store: store, ttl: ttl, logger: logger}
}

// Issue generates a random state token and records the pending authorization.
// withVerifier additionally generates a PKCE code verifier for the attempt.
func (s *Service) Issue(ctx context.Context, userID int64, platform string, withVerifier bool, extra map[string]string) (*PendingAuthorization, error) {
	token, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	pending := PendingAuthorization{
		State:     token,
		UserID:    userID,
		Platform:  platform,
		Extra:     extra,
		CreatedAt: time.Now().UTC(),
	}
	if withVerifier {
		verifier, err := randomToken(64)
		if err != nil {
			return nil, fmt.Errorf("generate pkce verifier: %w", err)
		}
		pending.CodeVerifier = verifier
	}

	if err := s.store.Save(ctx, buildKey(token), pending, s.ttl); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	return &pending, nil
}

// Redeem consumes a state token. It fails closed when the token is unknown,
// already redeemed, older than the TTL, or bound to a different platform.
func (s *Service) Redeem(ctx context.Context, stateToken, expectedPlatform string) (*PendingAuthorization, error) {
	token := strings.TrimSpace(stateToken)
	if token == "" {
		return nil, connect.ErrStateRejected
	}

	pending, err := s.store.Consume(ctx, buildKey(token))
	if err != nil {
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if pending == nil {
		return nil, connect.ErrStateRejected
	}
	if time.Since(pending.CreatedAt) > s.ttl {
		s.logger.Warn("state token expired",
			zap.String("platform", pending.Platform),
			zap.Duration("age", time.Since(pending.CreatedAt)))
		return nil, connect.ErrStateRejected
	}
	if !strings.EqualFold(pending.Platform, expectedPlatform) {
		s.logger.Warn("state token platform mismatch",
			zap.String("expected", expectedPlatform),
			zap.String("recorded", pending.Platform))
		return nil, connect.ErrStateRejected
	}
	return pending, nil
}

func buildKey(token string) string {
	return statePrefix + token
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PKCEChallenge derives the S256 code challenge for a verifier.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
