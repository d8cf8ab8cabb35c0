package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crowdpost/connect/internal/adapter/cache"
	"github.com/crowdpost/connect/internal/adapter/oauth"
	"github.com/crowdpost/connect/internal/config"
	"github.com/crowdpost/connect/internal/domain"
	connectdomain "github.com/crowdpost/connect/internal/domain/connect"
	httptransport "github.com/crowdpost/connect/internal/http"
	httpHandler "github.com/crowdpost/connect/internal/http/handler"
	"github.com/crowdpost/connect/internal/provider"
	"github.com/crowdpost/connect/internal/refresh"
	"github.com/crowdpost/connect/internal/repository"
	connectservice "github.com/crowdpost/connect/internal/service/connect"
	"github.com/crowdpost/connect/internal/state"
	"github.com/crowdpost/connect/internal/vault"
)

type memRepo struct {
	mu     sync.Mutex
	nextID int64
	conns  map[int64]domain.Connection
}

var _ repository.ConnectionRepository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{nextID: 1, conns: map[int64]domain.Connection{}}
}

func (r *memRepo) Upsert(_ context.Context, conn domain.Connection) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.conns {
		if existing.UserID == conn.UserID && existing.Platform == conn.Platform && existing.PlatformUserID == conn.PlatformUserID {
			conn.ID = id
			conn.Status = domain.StatusActive
			conn.CreatedAt = existing.CreatedAt
			r.conns[id] = conn
			return conn, nil
		}
	}
	conn.ID = r.nextID
	r.nextID++
	conn.Status = domain.StatusActive
	conn.CreatedAt = time.Now().UTC()
	r.conns[conn.ID] = conn
	return conn, nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, connectdomain.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *memRepo) Get(_ context.Context, userID int64, platform, platformUserID string) (domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		if conn.UserID == userID && conn.Platform == platform && conn.PlatformUserID == platformUserID {
			return conn, nil
		}
	}
	return domain.Connection{}, connectdomain.ErrConnectionNotFound
}

func (r *memRepo) List(_ context.Context, userID int64) ([]domain.Connection, error) {
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

func (r *memRepo) ListByPlatform(_ context.Context, userID int64, platform string) ([]domain.Connection, error) {
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

func (r *memRepo) UpdateStatus(_ context.Context, id int64, status domain.ConnectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return connectdomain.ErrConnectionNotFound
	}
	conn.Status = status
	r.conns[id] = conn
	return nil
}

func (r *memRepo) UpdateTokens(_ context.Context, id int64, accessCiphertext string, refreshCiphertext *string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return connectdomain.ErrConnectionNotFound
	}
	conn.AccessTokenCiphertext = accessCiphertext
	if refreshCiphertext != nil {
		conn.RefreshTokenCiphertext = refreshCiphertext
	}
	conn.ExpiresAt = expiresAt
	conn.Status = domain.StatusActive
	r.conns[id] = conn
	return nil
}

func (r *memRepo) TouchUsed(_ context.Context, id int64) error { return nil }

type stubClient struct {
	token    *oauth.TokenResponse
	identity *oauth.Identity
}

func (s *stubClient) ExchangeCode(context.Context, provider.Config, string, string) (*oauth.TokenResponse, error) {
	resp := *s.token
	return &resp, nil
}

func (s *stubClient) RefreshToken(context.Context, provider.Config, string) (*oauth.TokenResponse, error) {
	return &oauth.TokenResponse{AccessToken: "refreshed", ExpiresIn: 3600}, nil
}

func (s *stubClient) FetchIdentity(context.Context, provider.Config, string) (*oauth.Identity, error) {
	identity := *s.identity
	return &identity, nil
}

func (s *stubClient) FetchSubResources(context.Context, provider.Config, string) ([]oauth.SubResource, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		ServiceName:        "crowdpost-connect-test",
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Authorization", "Content-Type", "X-User-ID"},
		PlatformCreds: map[string]config.PlatformCredentials{
			"youtube": {ClientID: "yt-id", ClientSecret: "yt-secret", RedirectURI: "https://app.local/connect/youtube/callback"},
		},
	}

	v, err := vault.NewWithKey([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)
	registry := provider.New(cfg, zap.NewNop())
	states := state.NewService(cache.NewMemoryStateStore(), 10*time.Minute, zap.NewNop())
	repo := newMemRepo()
	client := &stubClient{
		token:    &oauth.TokenResponse{AccessToken: "plain-access", RefreshToken: "plain-refresh", ExpiresIn: 3600},
		identity: &oauth.Identity{PlatformUserID: "sub-1", Username: "creator", Raw: map[string]any{"sub": "sub-1"}},
	}
	manager := refresh.NewManager(repo, registry, client, v, 2*time.Minute, zap.NewNop())
	svc := connectservice.NewService(registry, states, client, v, repo, manager, zap.NewNop())

	return httptransport.NewRouter(cfg, httpHandler.NewConnectHandler(svc, zap.NewNop()), nil)
}

func doRequest(router *gin.Engine, method, target string, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestListPlatforms(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/connect/platforms", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"youtube"`)
}

func TestStart_RequiresUser(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/connect/youtube/start", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStart_UnconfiguredPlatform(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/connect/pinterest/start", "42")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "platform_not_configured")
}

func TestCallback_ForgedState(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/connect/youtube/callback?code=x&state=forged", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "invalid_state")
}

func TestCallback_PlatformDenied(t *testing.T) {
	router := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/connect/youtube/callback?error=access_denied", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "authorization_denied")
}

func TestConnectFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	// Start: the browser is redirected to the platform.
	w := doRequest(router, http.MethodGet, "/connect/youtube/start", "42")
	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "accounts.google.com", location.Host)
	stateToken := location.Query().Get("state")
	require.NotEmpty(t, stateToken)

	// Callback: no user header, the state token carries identity.
	w = doRequest(router, http.MethodGet, "/connect/youtube/callback?code=auth-code&state="+stateToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "plain-access", "plaintext tokens never appear on the wire")
	require.NotContains(t, w.Body.String(), "ciphertext")

	var callbackBody struct {
		Connection struct {
			ID       int64  `json:"id"`
			Platform string `json:"platform"`
			Status   string `json:"status"`
		} `json:"connection"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &callbackBody))
	require.Equal(t, "youtube", callbackBody.Connection.Platform)
	require.Equal(t, "active", callbackBody.Connection.Status)

	// List: the connection is visible to its owner only.
	w = doRequest(router, http.MethodGet, "/connections", "42")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"sub-1"`)

	w = doRequest(router, http.MethodGet, "/connections", "7")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), `"sub-1"`)

	// Token retrieval returns the decrypted credential.
	target := "/connections/" + strconvID(callbackBody.Connection.ID) + "/token"
	w = doRequest(router, http.MethodPost, target, "42")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "plain-access")

	// Another user cannot pull it.
	w = doRequest(router, http.MethodPost, target, "7")
	require.Equal(t, http.StatusNotFound, w.Code)

	// Reporting an auth failure parks the connection.
	w = doRequest(router, http.MethodPost, "/connections/"+strconvID(callbackBody.Connection.ID)+"/auth-failure", "42")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodPost, target, "42")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "needs_reauthorization")
}

func TestCallback_ReturnToRedirect(t *testing.T) {
	router := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/connect/youtube/start?return_to=/dashboard", "42")
	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	stateToken := location.Query().Get("state")

	w = doRequest(router, http.MethodGet, "/connect/youtube/callback?code=auth-code&state="+stateToken, "")
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/dashboard", w.Header().Get("Location"))
}

func strconvID(id int64) string {
	return strconv.FormatInt(id, 10)
}
