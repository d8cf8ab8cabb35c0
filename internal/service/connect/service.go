package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crowdpost/connect/internal/adapter/oauth"
	"github.com/crowdpost/connect/internal/domain"
	connectdomain "github.com/crowdpost/connect/internal/domain/connect"
	"github.com/crowdpost/connect/internal/provider"
	"github.com/crowdpost/connect/internal/refresh"
	"github.com/crowdpost/connect/internal/repository"
	"github.com/crowdpost/connect/internal/state"
	"github.com/crowdpost/connect/internal/vault"
)

// PlatformInfo is the public shape of one connectable platform.
type PlatformInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Scopes      []string `json:"scopes"`
}

// CallbackResult is what a completed authorization hands back to transport.
type CallbackResult struct {
	Connection   domain.Connection
	SubResources []oauth.SubResource
	ReturnTo     string
}

// Service orchestrates the full connection lifecycle: authorization kickoff,
// callback exchange, listing, and token retrieval.
type Service struct {
	registry *provider.Registry
	states   *state.Service
	client   oauth.ProviderClient
	vault    *vault.Vault
	repos    repository.ConnectionRepository
	refresh  *refresh.Manager
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(
	registry *provider.Registry,
	states *state.Service,
	client oauth.ProviderClient,
	v *vault.Vault,
	repos repository.ConnectionRepository,
	manager *refresh.Manager,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		registry: registry,
		states:   states,
		client:   client,
		vault:    v,
		repos:    repos,
		refresh:  manager,
		logger:   logger,
		now:      time.Now,
	}
}

// Platforms lists connectable platforms, credentials-complete only.
func (s *Service) Platforms() []PlatformInfo {
	enabled := s.registry.Enabled()
	out := make([]PlatformInfo, 0, len(enabled))
	for _, cfg := range enabled {
		out = append(out, PlatformInfo{
			ID:          cfg.Platform,
			DisplayName: cfg.DisplayName,
			Scopes:      append([]string{}, cfg.Scopes...),
		})
	}
	return out
}

// BeginAuthorization mints a state token and builds the platform authorize
// URL the user should be redirected to.
func (s *Service) BeginAuthorization(ctx context.Context, userID int64, platform string, extra map[string]string) (string, error) {
	cfg, err := s.registry.Get(platform)
	if err != nil {
		return "", err
	}

	pending, err := s.states.Issue(ctx, userID, cfg.Platform, cfg.Grant == provider.GrantPKCE, extra)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(cfg.Scopes, " "))
	q.Set("state", pending.State)
	for k, v := range cfg.ExtraAuthParams {
		q.Set(k, v)
	}
	switch cfg.Grant {
	case provider.GrantGoogleOffline:
		// Google only issues a refresh token for offline access, and only
		// re-issues one when consent is re-prompted.
		q.Set("access_type", "offline")
		q.Set("prompt", "consent")
	case provider.GrantPKCE:
		q.Set("code_challenge", state.PKCEChallenge(pending.CodeVerifier))
		q.Set("code_challenge_method", "S256")
	}

	sep := "?"
	if strings.Contains(cfg.AuthURL, "?") {
		sep = "&"
	}
	authorizeURL := cfg.AuthURL + sep + q.Encode()

	s.logger.Info("authorization started",
		zap.Int64("user_id", userID),
		zap.String("platform", cfg.Platform))
	return authorizeURL, nil
}

// HandleCallback completes the flow: state first, then code exchange,
// identity fetch, encryption, and the identity-keyed upsert.
func (s *Service) HandleCallback(ctx context.Context, platform, code, stateToken string) (*CallbackResult, error) {
	cfg, err := s.registry.Get(platform)
	if err != nil {
		return nil, err
	}

	// Redeem before touching the network so a forged or replayed callback
	// never triggers an exchange.
	pending, err := s.states.Redeem(ctx, stateToken, cfg.Platform)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("missing authorization code: %w", connectdomain.ErrExchangeFailed)
	}

	token, err := s.client.ExchangeCode(ctx, *cfg, code, pending.CodeVerifier)
	if err != nil {
		s.logger.Warn("code exchange failed",
			zap.String("platform", cfg.Platform),
			zap.Int64("user_id", pending.UserID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", connectdomain.ErrExchangeFailed, err)
	}

	identity, err := s.client.FetchIdentity(ctx, *cfg, token.AccessToken)
	if err != nil {
		s.logger.Warn("identity fetch failed",
			zap.String("platform", cfg.Platform),
			zap.Int64("user_id", pending.UserID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", connectdomain.ErrIdentityFetchFailed, err)
	}

	// Sub-resources are best effort; a listing failure degrades the
	// response but never fails the connection.
	subResources, err := s.client.FetchSubResources(ctx, *cfg, token.AccessToken)
	if err != nil {
		s.logger.Warn("sub-resource listing failed",
			zap.String("platform", cfg.Platform),
			zap.Error(err))
		subResources = nil
	}

	conn, err := s.storeConnection(ctx, *cfg, pending.UserID, token, identity, subResources)
	if err != nil {
		return nil, err
	}

	s.logger.Info("connection established",
		zap.Int64("user_id", pending.UserID),
		zap.String("platform", cfg.Platform),
		zap.Int64("connection_id", conn.ID),
		zap.Int("access_token_len", len(token.AccessToken)),
		zap.Bool("refresh_token_issued", token.RefreshToken != ""))

	return &CallbackResult{
		Connection:   conn,
		SubResources: subResources,
		ReturnTo:     pending.Extra["return_to"],
	}, nil
}

func (s *Service) storeConnection(ctx context.Context, cfg provider.Config, userID int64, token *oauth.TokenResponse, identity *oauth.Identity, subResources []oauth.SubResource) (domain.Connection, error) {
	var expiresAt *time.Time
	if token.ExpiresIn > 0 {
		at := s.now().Add(time.Duration(token.ExpiresIn) * time.Second).UTC()
		expiresAt = &at
	}

	draft := domain.ConnectionDraft{
		UserID:           userID,
		Platform:         cfg.Platform,
		PlatformUserID:   identity.PlatformUserID,
		PlatformUsername: identity.Username,
		AccessToken:      token.AccessToken,
		RefreshToken:     token.RefreshToken,
		ExpiresAt:        expiresAt,
		GrantedScopes:    grantedScopes(token.Scope, cfg.Scopes),
		ProfileSnapshot: map[string]any{
			"identity":      identity.Raw,
			"sub_resources": subResources,
		},
	}

	conn, err := s.sealDraft(draft)
	if err != nil {
		return domain.Connection{}, err
	}

	stored, err := s.repos.Upsert(ctx, conn)
	if err != nil {
		return domain.Connection{}, err
	}
	return stored, nil
}

// sealDraft moves a draft's plaintext through the vault; nothing past this
// point sees the raw tokens.
func (s *Service) sealDraft(draft domain.ConnectionDraft) (domain.Connection, error) {
	accessCiphertext, err := s.vault.Encrypt(draft.AccessToken)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("encrypt access token: %w", err)
	}

	var refreshCiphertext *string
	if draft.RefreshToken != "" {
		ct, err := s.vault.Encrypt(draft.RefreshToken)
		if err != nil {
			return domain.Connection{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshCiphertext = &ct
	}

	snapshot, err := json.Marshal(draft.ProfileSnapshot)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("marshal profile snapshot: %w", err)
	}

	return domain.Connection{
		UserID:                 draft.UserID,
		Platform:               draft.Platform,
		PlatformUserID:         draft.PlatformUserID,
		PlatformUsername:       draft.PlatformUsername,
		AccessTokenCiphertext:  accessCiphertext,
		RefreshTokenCiphertext: refreshCiphertext,
		ExpiresAt:              draft.ExpiresAt,
		GrantedScopes:          draft.GrantedScopes,
		ProfileSnapshot:        snapshot,
	}, nil
}

// grantedScopes intersects the platform's scope echo with what was
// requested; platforms that omit the echo are assumed to have granted the
// full request. Echoed scopes that were never requested are dropped.
func grantedScopes(echoed string, requested []string) []string {
	fields := strings.FieldsFunc(echoed, func(r rune) bool {
		return r == ' ' || r == ','
	})
	if len(fields) == 0 {
		return append([]string{}, requested...)
	}
	echoedSet := make(map[string]struct{}, len(fields))
	for _, scope := range fields {
		echoedSet[scope] = struct{}{}
	}
	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if _, ok := echoedSet[scope]; ok {
			granted = append(granted, scope)
		}
	}
	return granted
}

// ListConnections returns the user's connections across all platforms.
func (s *Service) ListConnections(ctx context.Context, userID int64) ([]domain.Connection, error) {
	return s.repos.List(ctx, userID)
}

// UsableToken hands out a decrypted, refreshed-if-needed access token.
func (s *Service) UsableToken(ctx context.Context, userID, connectionID int64) (string, error) {
	return s.refresh.UsableToken(ctx, userID, connectionID)
}

// ReportAuthFailure parks a connection whose stored token was rejected
// downstream.
func (s *Service) ReportAuthFailure(ctx context.Context, userID, connectionID int64) error {
	return s.refresh.ReportAuthFailure(ctx, userID, connectionID)
}
