package repository

import (
	"context"
	"time"

	"github.com/crowdpost/connect/internal/domain"
)

// ConnectionRepository persists platform connections. Token columns hold
// ciphertext only.
type ConnectionRepository interface {
	// Upsert inserts a connection, or replaces the credential fields of the
	// existing row keyed on (user_id, platform, platform_user_id). Re-auth
	// of an existing identity reactivates the row, never duplicates it.
	Upsert(ctx context.Context, conn domain.Connection) (domain.Connection, error)
	GetByID(ctx context.Context, id int64) (domain.Connection, error)
	Get(ctx context.Context, userID int64, platform, platformUserID string) (domain.Connection, error)
	List(ctx context.Context, userID int64) ([]domain.Connection, error)
	ListByPlatform(ctx context.Context, userID int64, platform string) ([]domain.Connection, error)
	UpdateStatus(ctx context.Context, id int64, status domain.ConnectionStatus) error
	// UpdateTokens swaps in freshly refreshed credentials. A nil refresh
	// ciphertext keeps the stored one.
	UpdateTokens(ctx context.Context, id int64, accessCiphertext string, refreshCiphertext *string, expiresAt *time.Time) error
	TouchUsed(ctx context.Context, id int64) error
}
