package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crowdpost/connect/internal/domain"
	"github.com/crowdpost/connect/internal/domain/connect"
)

var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)

// PostgresConnectionRepo implements ConnectionRepository on pgx.
type PostgresConnectionRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresConnectionRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: pool, node: node}
}

const connectionColumns = `id, user_id, platform, platform_user_id, platform_username,
access_token_ciphertext, refresh_token_ciphertext, expires_at, granted_scopes,
profile_snapshot, status, created_at, updated_at, last_used_at`

const upsertConnectionSQL = `INSERT INTO connections (
	id, user_id, platform, platform_user_id, platform_username,
	access_token_ciphertext, refresh_token_ciphertext, expires_at,
	granted_scopes, profile_snapshot, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id, platform, platform_user_id) DO UPDATE SET
	platform_username        = EXCLUDED.platform_username,
	access_token_ciphertext  = EXCLUDED.access_token_ciphertext,
	refresh_token_ciphertext = COALESCE(EXCLUDED.refresh_token_ciphertext, connections.refresh_token_ciphertext),
	expires_at               = EXCLUDED.expires_at,
	granted_scopes           = EXCLUDED.granted_scopes,
	profile_snapshot         = EXCLUDED.profile_snapshot,
	status                   = 'active',
	updated_at               = now()
RETURNING ` + connectionColumns

// Upsert writes the connection and returns the stored row. A nil incoming
// refresh ciphertext preserves any previously stored one, so platforms that
// only issue a refresh token on first consent keep working across re-auth.
func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	row := r.db.QueryRow(ctx, upsertConnectionSQL,
		r.node.Generate().Int64(),
		conn.UserID,
		conn.Platform,
		conn.PlatformUserID,
		conn.PlatformUsername,
		conn.AccessTokenCiphertext,
		conn.RefreshTokenCiphertext,
		conn.ExpiresAt,
		conn.GrantedScopes,
		conn.ProfileSnapshot,
		domain.StatusActive,
	)
	stored, err := scanConnection(row)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("upsert connection: %w", err)
	}
	return stored, nil
}

func (r *PostgresConnectionRepo) GetByID(ctx context.Context, id int64) (domain.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`
	conn, err := scanConnection(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Connection{}, connect.ErrConnectionNotFound
		}
		return domain.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) Get(ctx context.Context, userID int64, platform, platformUserID string) (domain.Connection, error) {
	query := `SELECT ` + connectionColumns + `
FROM connections
WHERE user_id = $1 AND platform = $2 AND platform_user_id = $3`
	conn, err := scanConnection(r.db.QueryRow(ctx, query, userID, platform, platformUserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Connection{}, connect.ErrConnectionNotFound
		}
		return domain.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresConnectionRepo) List(ctx context.Context, userID int64) ([]domain.Connection, error) {
	query := `SELECT ` + connectionColumns + `
FROM connections
WHERE user_id = $1
ORDER BY platform, platform_username`
	return r.queryConnections(ctx, query, userID)
}

func (r *PostgresConnectionRepo) ListByPlatform(ctx context.Context, userID int64, platform string) ([]domain.Connection, error) {
	query := `SELECT ` + connectionColumns + `
FROM connections
WHERE user_id = $1 AND platform = $2
ORDER BY platform_username`
	return r.queryConnections(ctx, query, userID, platform)
}

func (r *PostgresConnectionRepo) queryConnections(ctx context.Context, query string, args ...any) ([]domain.Connection, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

func (r *PostgresConnectionRepo) UpdateStatus(ctx context.Context, id int64, status domain.ConnectionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE connections SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return connect.ErrConnectionNotFound
	}
	return nil
}

func (r *PostgresConnectionRepo) UpdateTokens(ctx context.Context, id int64, accessCiphertext string, refreshCiphertext *string, expiresAt *time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE connections SET
	access_token_ciphertext  = $2,
	refresh_token_ciphertext = COALESCE($3, refresh_token_ciphertext),
	expires_at               = $4,
	status                   = 'active',
	updated_at               = now()
WHERE id = $1`,
		id, accessCiphertext, refreshCiphertext, expiresAt)
	if err != nil {
		return fmt.Errorf("update connection tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return connect.ErrConnectionNotFound
	}
	return nil
}

func (r *PostgresConnectionRepo) TouchUsed(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE connections SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return nil
}

func scanConnection(row pgx.Row) (domain.Connection, error) {
	var conn domain.Connection
	if err := row.Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Platform,
		&conn.PlatformUserID,
		&conn.PlatformUsername,
		&conn.AccessTokenCiphertext,
		&conn.RefreshTokenCiphertext,
		&conn.ExpiresAt,
		&conn.GrantedScopes,
		&conn.ProfileSnapshot,
		&conn.Status,
		&conn.CreatedAt,
		&conn.UpdatedAt,
		&conn.LastUsedAt,
	); err != nil {
		return domain.Connection{}, err
	}
	return conn, nil
}
