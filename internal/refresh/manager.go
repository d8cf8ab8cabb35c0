package refresh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/crowdpost/connect/internal/adapter/oauth"
	"github.com/crowdpost/connect/internal/domain"
	"github.com/crowdpost/connect/internal/domain/connect"
	"github.com/crowdpost/connect/internal/provider"
	"github.com/crowdpost/connect/internal/repository"
	"github.com/crowdpost/connect/internal/vault"
)

// DefaultSafetyMargin is how far before the recorded expiry a token is
// treated as stale.
const DefaultSafetyMargin = 2 * time.Minute

// Manager hands out usable plaintext access tokens, refreshing stale ones on
// demand. Concurrent requests for the same connection share one refresh call.
type Manager struct {
	repos    repository.ConnectionRepository
	registry *provider.Registry
	client   oauth.ProviderClient
	vault    *vault.Vault
	margin   time.Duration
	logger   *zap.Logger

	group singleflight.Group
	now   func() time.Time
}

func NewManager(repos repository.ConnectionRepository, registry *provider.Registry, client oauth.ProviderClient, v *vault.Vault, margin time.Duration, logger *zap.Logger) *Manager {
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		repos:    repos,
		registry: registry,
		client:   client,
		vault:    v,
		margin:   margin,
		logger:   logger,
		now:      time.Now,
	}
}

// UsableToken returns a decrypted access token for the connection, refreshing
// it first when it is within the safety margin of expiry. userID scopes the
// lookup; asking for another user's connection reads as not found.
func (m *Manager) UsableToken(ctx context.Context, userID, connectionID int64) (string, error) {
	conn, err := m.repos.GetByID(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if conn.UserID != userID {
		return "", connect.ErrConnectionNotFound
	}

	switch conn.Status {
	case domain.StatusRevoked, domain.StatusError:
		return "", fmt.Errorf("connection %d status=%s: %w", conn.ID, conn.Status, connect.ErrNeedsReauth)
	}

	if !conn.Expired(m.now(), m.margin) {
		token, err := m.vault.Decrypt(conn.AccessTokenCiphertext)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		if err := m.repos.TouchUsed(ctx, conn.ID); err != nil {
			m.logger.Warn("touch connection failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
		}
		return token, nil
	}

	return m.refresh(ctx, conn)
}

// refresh funnels all callers for one connection through a single upstream
// call; losers of the race receive the winner's result.
func (m *Manager) refresh(ctx context.Context, conn domain.Connection) (string, error) {
	key := strconv.FormatInt(conn.ID, 10)
	result, err, _ := m.group.Do(key, func() (any, error) {
		// Re-read inside the flight: a just-finished refresh by a previous
		// flight may already have stored a fresh token.
		current, err := m.repos.GetByID(ctx, conn.ID)
		if err != nil {
			return "", err
		}
		if !current.Expired(m.now(), m.margin) {
			return m.vault.Decrypt(current.AccessTokenCiphertext)
		}
		return m.doRefresh(ctx, current)
	})
	if err != nil {
		return "", err
	}
	token, _ := result.(string)
	return token, nil
}

func (m *Manager) doRefresh(ctx context.Context, conn domain.Connection) (string, error) {
	cfg, err := m.registry.Get(conn.Platform)
	if err != nil {
		return "", err
	}

	if !cfg.SupportsRefresh || conn.RefreshTokenCiphertext == nil {
		if err := m.repos.UpdateStatus(ctx, conn.ID, domain.StatusExpired); err != nil {
			m.logger.Warn("mark connection expired failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
		}
		return "", fmt.Errorf("connection %d has no refresh path: %w", conn.ID, connect.ErrNeedsReauth)
	}

	refreshToken, err := m.vault.Decrypt(*conn.RefreshTokenCiphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	token, err := m.client.RefreshToken(ctx, *cfg, refreshToken)
	if err != nil {
		if errors.Is(err, connect.ErrAuthRejected) {
			if markErr := m.repos.UpdateStatus(ctx, conn.ID, domain.StatusError); markErr != nil {
				m.logger.Warn("mark connection errored failed", zap.Int64("connection_id", conn.ID), zap.Error(markErr))
			}
			m.logger.Warn("refresh rejected by platform",
				zap.Int64("connection_id", conn.ID),
				zap.String("platform", conn.Platform))
			return "", fmt.Errorf("connection %d: %w", conn.ID, connect.ErrNeedsReauth)
		}
		// Transient failure: park as expired so the next caller prompts
		// reauth instead of hammering the refresh endpoint.
		if markErr := m.repos.UpdateStatus(ctx, conn.ID, domain.StatusExpired); markErr != nil {
			m.logger.Warn("mark connection expired failed", zap.Int64("connection_id", conn.ID), zap.Error(markErr))
		}
		return "", fmt.Errorf("connection %d: %w: %w: %v", conn.ID, connect.ErrRefreshFailed, connect.ErrNeedsReauth, err)
	}

	accessCiphertext, err := m.vault.Encrypt(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}

	// Platforms that rotate refresh tokens return a new one; those that do
	// not omit the field, and the stored ciphertext stays in place.
	var refreshCiphertext *string
	if token.RefreshToken != "" {
		ct, err := m.vault.Encrypt(token.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshCiphertext = &ct
	}

	var expiresAt *time.Time
	if token.ExpiresIn > 0 {
		at := m.now().Add(time.Duration(token.ExpiresIn) * time.Second).UTC()
		expiresAt = &at
	}

	if err := m.repos.UpdateTokens(ctx, conn.ID, accessCiphertext, refreshCiphertext, expiresAt); err != nil {
		return "", err
	}
	if err := m.repos.TouchUsed(ctx, conn.ID); err != nil {
		m.logger.Warn("touch connection failed", zap.Int64("connection_id", conn.ID), zap.Error(err))
	}

	m.logger.Info("access token refreshed",
		zap.Int64("connection_id", conn.ID),
		zap.String("platform", conn.Platform),
		zap.Bool("refresh_token_rotated", refreshCiphertext != nil),
		zap.Int("access_token_len", len(token.AccessToken)))

	return token.AccessToken, nil
}

// ReportAuthFailure records that a downstream call was rejected with the
// stored token. The connection is parked in error status until the user
// re-authorizes.
func (m *Manager) ReportAuthFailure(ctx context.Context, userID, connectionID int64) error {
	conn, err := m.repos.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.UserID != userID {
		return connect.ErrConnectionNotFound
	}
	m.logger.Warn("auth failure reported",
		zap.Int64("connection_id", conn.ID),
		zap.String("platform", conn.Platform))
	return m.repos.UpdateStatus(ctx, conn.ID, domain.StatusError)
}
