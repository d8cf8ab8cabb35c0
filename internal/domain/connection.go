package domain

import "time"

// ConnectionStatus tracks the lifecycle of a stored platform credential.
type ConnectionStatus string

const (
	// StatusActive means the stored credential is believed usable.
	StatusActive ConnectionStatus = "active"
	// StatusExpired means the credential expired and could not be refreshed.
	StatusExpired ConnectionStatus = "expired"
	// StatusRevoked means the user revoked access on the platform side.
	StatusRevoked ConnectionStatus = "revoked"
	// StatusError means a downstream call was rejected; full re-authorization is required.
	StatusError ConnectionStatus = "error"
)

// Connection is the durable record of one authorized (user, platform,
// platform identity) triple. Token fields are ciphertext; plaintext never
// leaves the vault boundary.
type Connection struct {
	ID                     int64
	UserID                 int64
	Platform               string
	PlatformUserID         string
	PlatformUsername       string
	AccessTokenCiphertext  string
	RefreshTokenCiphertext *string
	ExpiresAt              *time.Time
	GrantedScopes          []string
	ProfileSnapshot        []byte
	Status                 ConnectionStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
	LastUsedAt             *time.Time
}

// Expired reports whether the connection's access token is past the given
// safety margin. A nil expiry means the platform declared no expiry at all.
func (c Connection) Expired(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(margin).Before(*c.ExpiresAt)
}

// ConnectionDraft carries the plaintext outcome of a callback exchange on its
// way into the vault and repository. It is never persisted as-is.
type ConnectionDraft struct {
	UserID           int64
	Platform         string
	PlatformUserID   string
	PlatformUsername string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        *time.Time
	GrantedScopes    []string
	ProfileSnapshot  map[string]any
}
