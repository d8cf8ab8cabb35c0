package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crowdpost/connect/internal/adapter/oauth"
	"github.com/crowdpost/connect/internal/config"
	"github.com/crowdpost/connect/internal/domain"
	"github.com/crowdpost/connect/internal/domain/connect"
	"github.com/crowdpost/connect/internal/provider"
	"github.com/crowdpost/connect/internal/repository"
	"github.com/crowdpost/connect/internal/vault"
)

// memoryConnectionRepo is the test double shared by the refresh and service
// packages' tests.
type memoryConnectionRepo struct {
	mu     sync.Mutex
	nextID int64
	conns  map[int64]domain.Connection
}

var _ repository.ConnectionRepository = (*memoryConnectionRepo)(nil)

func newMemoryConnectionRepo() *memoryConnectionRepo {
	return &memoryConnectionRepo{nextID: 1, conns: map[int64]domain.Connection{}}
}

func (r *memoryConnectionRepo) Upsert(_ context.Context, conn domain.Connection) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for id, existing := range r.conns {
		if existing.UserID == conn.UserID && existing.Platform == conn.Platform && existing.PlatformUserID == conn.PlatformUserID {
			existing.PlatformUsername = conn.PlatformUsername
			existing.AccessTokenCiphertext = conn.AccessTokenCiphertext
			if conn.RefreshTokenCiphertext != nil {
				existing.RefreshTokenCiphertext = conn.RefreshTokenCiphertext
			}
			existing.ExpiresAt = conn.ExpiresAt
			existing.GrantedScopes = conn.GrantedScopes
			existing.ProfileSnapshot = conn.ProfileSnapshot
			existing.Status = domain.StatusActive
			existing.UpdatedAt = now
			r.conns[id] = existing
			return existing, nil
		}
	}
	conn.ID = r.nextID
	r.nextID++
	conn.Status = domain.StatusActive
	conn.CreatedAt = now
	conn.UpdatedAt = now
	r.conns[conn.ID] = conn
	return conn, nil
}

func (r *memoryConnectionRepo) GetByID(_ context.Context, id int64) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, connect.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *memoryConnectionRepo) Get(_ context.Context, userID int64, platform, platformUserID string) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		if conn.UserID == userID && conn.Platform == platform && conn.PlatformUserID == platformUserID {
			return conn, nil
		}
	}
	return domain.Connection{}, connect.ErrConnectionNotFound
}

func (r *memoryConnectionRepo) List(_ context.Context, userID int64) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Connection
	for _, conn := range r.conns {
		if conn.UserID == userID {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *memoryConnectionRepo) ListByPlatform(_ context.Context, userID int64, platform string) ([]domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Connection
	for _, conn := range r.conns {
		if conn.UserID == userID && conn.Platform == platform {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (r *memoryConnectionRepo) UpdateStatus(_ context.Context, id int64, status domain.ConnectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return connect.ErrConnectionNotFound
	}
	conn.Status = status
	conn.UpdatedAt = time.Now().UTC()
	r.conns[id] = conn
	return nil
}

func (r *memoryConnectionRepo) UpdateTokens(_ context.Context, id int64, accessCiphertext string, refreshCiphertext *string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return connect.ErrConnectionNotFound
	}
	conn.AccessTokenCiphertext = accessCiphertext
	if refreshCiphertext != nil {
		conn.RefreshTokenCiphertext = refreshCiphertext
	}
	conn.ExpiresAt = expiresAt
	conn.Status = domain.StatusActive
	conn.UpdatedAt = time.Now().UTC()
	r.conns[id] = conn
	return nil
}

func (r *memoryConnectionRepo) TouchUsed(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return connect.ErrConnectionNotFound
	}
	now := time.Now().UTC()
	conn.LastUsedAt = &now
	r.conns[id] = conn
	return nil
}

// fakeProviderClient scripts RefreshToken; exchange/identity are unused here.
type fakeProviderClient struct {
	refreshCalls atomic.Int32
	gate         chan struct{}
	response     *oauth.TokenResponse
	err          error
}

func (f *fakeProviderClient) ExchangeCode(context.Context, provider.Config, string, string) (*oauth.TokenResponse, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeProviderClient) RefreshToken(context.Context, provider.Config, string) (*oauth.TokenResponse, error) {
	f.refreshCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.response
	return &resp, nil
}

func (f *fakeProviderClient) FetchIdentity(context.Context, provider.Config, string) (*oauth.Identity, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeProviderClient) FetchSubResources(context.Context, provider.Config, string) ([]oauth.SubResource, error) {
	return nil, nil
}

type managerHarness struct {
	repo   *memoryConnectionRepo
	client *fakeProviderClient
	vault  *vault.Vault
	mgr    *Manager
}

func newManagerHarness(t *testing.T, client *fakeProviderClient) *managerHarness {
	t.Helper()
	v, err := vault.NewWithKey(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	registry := provider.New(config.Config{PlatformCreds: map[string]config.PlatformCredentials{
		"youtube":  {ClientID: "yt-id", ClientSecret: "yt-secret", RedirectURI: "https://app.local/connect/youtube/callback"},
		"facebook": {ClientID: "fb-id", ClientSecret: "fb-secret", RedirectURI: "https://app.local/connect/facebook/callback"},
	}}, zap.NewNop())

	repo := newMemoryConnectionRepo()
	return &managerHarness{
		repo:   repo,
		client: client,
		vault:  v,
		mgr:    NewManager(repo, registry, client, v, 2*time.Minute, zap.NewNop()),
	}
}

func (h *managerHarness) seed(t *testing.T, platform, accessToken, refreshToken string, expiresAt *time.Time) domain.Connection {
	t.Helper()
	accessCT, err := h.vault.Encrypt(accessToken)
	require.NoError(t, err)
	conn := domain.Connection{
		UserID:                42,
		Platform:              platform,
		PlatformUserID:        "pu-1",
		AccessTokenCiphertext: accessCT,
		ExpiresAt:             expiresAt,
	}
	if refreshToken != "" {
		refreshCT, err := h.vault.Encrypt(refreshToken)
		require.NoError(t, err)
		conn.RefreshTokenCiphertext = &refreshCT
	}
	stored, err := h.repo.Upsert(context.Background(), conn)
	require.NoError(t, err)
	return stored
}

func futureTime(d time.Duration) *time.Time {
	at := time.Now().Add(d).UTC()
	return &at
}

func TestUsableToken_FreshTokenReturnedWithoutRefresh(t *testing.T) {
	client := &fakeProviderClient{}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "plain-access", "plain-refresh", futureTime(time.Hour))

	token, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "plain-access", token)
	require.Equal(t, int32(0), client.refreshCalls.Load())

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
}

func TestUsableToken_NilExpiryNeverRefreshes(t *testing.T) {
	client := &fakeProviderClient{}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "facebook", "long-lived", "", nil)

	token, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "long-lived", token)
	require.Equal(t, int32(0), client.refreshCalls.Load())
}

func TestUsableToken_ExpiredWithRefreshPath(t *testing.T) {
	client := &fakeProviderClient{response: &oauth.TokenResponse{
		AccessToken:  "renewed-access",
		RefreshToken: "rotated-refresh",
		ExpiresIn:    3600,
	}}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "stale-access", "old-refresh", futureTime(10*time.Second))

	token, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "renewed-access", token)
	require.Equal(t, int32(1), client.refreshCalls.Load())

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, stored.Status)
	require.NotNil(t, stored.ExpiresAt)
	require.True(t, stored.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	rotated, err := h.vault.Decrypt(*stored.RefreshTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "rotated-refresh", rotated)
}

func TestUsableToken_RefreshWithoutRotationKeepsStoredRefreshToken(t *testing.T) {
	client := &fakeProviderClient{response: &oauth.TokenResponse{
		AccessToken: "renewed-access",
		ExpiresIn:   3600,
	}}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "stale-access", "original-refresh", futureTime(10*time.Second))

	_, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.NoError(t, err)

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	kept, err := h.vault.Decrypt(*stored.RefreshTokenCiphertext)
	require.NoError(t, err)
	require.Equal(t, "original-refresh", kept)
}

func TestUsableToken_NoRefreshPathMarksExpired(t *testing.T) {
	client := &fakeProviderClient{}
	h := newManagerHarness(t, client)
	// facebook has no refresh support in the catalog.
	conn := h.seed(t, "facebook", "stale-access", "", futureTime(10*time.Second))

	_, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.True(t, errors.Is(err, connect.ErrNeedsReauth))
	require.Equal(t, int32(0), client.refreshCalls.Load(), "no upstream call without a refresh path")

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, stored.Status)
}

func TestUsableToken_RefreshRejectionParksConnection(t *testing.T) {
	client := &fakeProviderClient{err: fmt.Errorf("status=400: %w", connect.ErrAuthRejected)}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "stale-access", "dead-refresh", futureTime(10*time.Second))

	_, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.True(t, errors.Is(err, connect.ErrNeedsReauth))

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, stored.Status)

	// A parked connection fails immediately, no further upstream calls.
	_, err = h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.True(t, errors.Is(err, connect.ErrNeedsReauth))
	require.Equal(t, int32(1), client.refreshCalls.Load())
}

func TestUsableToken_MissingRefreshTokenMarksExpired(t *testing.T) {
	client := &fakeProviderClient{}
	h := newManagerHarness(t, client)
	// youtube supports refresh, but this consent never produced a refresh token.
	conn := h.seed(t, "youtube", "stale-access", "", futureTime(10*time.Second))

	_, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.True(t, errors.Is(err, connect.ErrNeedsReauth))
	require.Equal(t, int32(0), client.refreshCalls.Load())

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, stored.Status)
}

func TestUsableToken_TransientRefreshFailureMarksExpired(t *testing.T) {
	client := &fakeProviderClient{err: errors.New("connection reset")}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "stale-access", "refresh", futureTime(10*time.Second))

	_, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.True(t, errors.Is(err, connect.ErrRefreshFailed))
	require.True(t, errors.Is(err, connect.ErrNeedsReauth))

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, stored.Status)
}

func TestUsableToken_RevokedConnection(t *testing.T) {
	client := &fakeProviderClient{}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "access", "refresh", futureTime(time.Hour))
	require.NoError(t, h.repo.UpdateStatus(context.Background(), conn.ID, domain.StatusRevoked))

	_, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
	require.True(t, errors.Is(err, connect.ErrNeedsReauth))
}

func TestUsableToken_WrongUserReadsAsNotFound(t *testing.T) {
	client := &fakeProviderClient{}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "access", "refresh", futureTime(time.Hour))

	_, err := h.mgr.UsableToken(context.Background(), 99, conn.ID)
	require.True(t, errors.Is(err, connect.ErrConnectionNotFound))
}

func TestUsableToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeProviderClient{
		gate: gate,
		response: &oauth.TokenResponse{
			AccessToken:  "renewed-access",
			RefreshToken: "rotated-refresh",
			ExpiresIn:    3600,
		},
	}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "stale-access", "old-refresh", futureTime(10*time.Second))

	const callers = 12
	var wg sync.WaitGroup
	tokens := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := h.mgr.UsableToken(context.Background(), 42, conn.ID)
			require.NoError(t, err)
			tokens <- token
		}()
	}

	// Let every caller pile onto the in-flight refresh before it completes.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(tokens)

	for token := range tokens {
		require.Equal(t, "renewed-access", token)
	}
	require.Equal(t, int32(1), client.refreshCalls.Load(), "concurrent callers must share one upstream refresh")
}

func TestReportAuthFailure(t *testing.T) {
	client := &fakeProviderClient{}
	h := newManagerHarness(t, client)
	conn := h.seed(t, "youtube", "access", "refresh", futureTime(time.Hour))

	require.NoError(t, h.mgr.ReportAuthFailure(context.Background(), 42, conn.ID))

	stored, err := h.repo.GetByID(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, stored.Status)

	require.True(t, errors.Is(h.mgr.ReportAuthFailure(context.Background(), 99, conn.ID), connect.ErrConnectionNotFound))
}
