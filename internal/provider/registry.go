package provider

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/crowdpost/connect/internal/config"
	"github.com/crowdpost/connect/internal/domain/connect"
)

// GrantStyle selects the token-exchange variant a platform speaks.
type GrantStyle string

const (
	// GrantStandardForm is the plain form-encoded authorization_code grant.
	GrantStandardForm GrantStyle = "standard_form"
	// GrantPKCE adds a code verifier generated at authorization time.
	GrantPKCE GrantStyle = "pkce"
	// GrantGoogleOffline requests access_type=offline so a refresh token is issued.
	GrantGoogleOffline GrantStyle = "google_offline"
)

// Config is the immutable per-platform OAuth configuration resolved at startup.
type Config struct {
	Platform     string
	DisplayName  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string

	// IdentityURL is the platform's "who am I" endpoint.
	IdentityURL string
	// IdentityPath descends into nested response envelopes (e.g. twitter's
	// "data", tiktok's "data"."user") before field lookup.
	IdentityPath []string
	// IdentityIDKeys and IdentityNameKeys are tried in order against the
	// identity response to normalize platform_user_id / platform_username.
	IdentityIDKeys   []string
	IdentityNameKeys []string

	// SubResourceURL lists manageable sub-resources (facebook pages, youtube
	// channels). Empty when the platform has none.
	SubResourceURL string

	Grant           GrantStyle
	SupportsRefresh bool
	// ExtraAuthParams are appended verbatim to the authorize URL.
	ExtraAuthParams map[string]string
	// ExtraHeaders are sent on every API call to the platform.
	ExtraHeaders map[string]string
}

// Registry is the validated, read-only platform catalog.
type Registry struct {
	enabled map[string]Config
}

// catalog returns the built-in platform definitions. Credentials are filled
// from deployment config; endpoints and scopes are fixed.
func catalog() []Config {
	return []Config{
		{
			Platform:         "google_search_console",
			DisplayName:      "Google Search Console",
			Scopes:           []string{"openid", "email", "https://www.googleapis.com/auth/webmasters.readonly"},
			AuthURL:          "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:         "https://oauth2.googleapis.com/token",
			IdentityURL:      "https://openidconnect.googleapis.com/v1/userinfo",
			IdentityIDKeys:   []string{"sub"},
			IdentityNameKeys: []string{"name", "email"},
			Grant:            GrantGoogleOffline,
			SupportsRefresh:  true,
		},
		{
			Platform:         "youtube",
			DisplayName:      "YouTube",
			Scopes:           []string{"openid", "email", "https://www.googleapis.com/auth/youtube.readonly", "https://www.googleapis.com/auth/youtube.upload"},
			AuthURL:          "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:         "https://oauth2.googleapis.com/token",
			IdentityURL:      "https://openidconnect.googleapis.com/v1/userinfo",
			IdentityIDKeys:   []string{"sub"},
			IdentityNameKeys: []string{"name", "email"},
			SubResourceURL:   "https://www.googleapis.com/youtube/v3/channels?part=snippet&mine=true",
			Grant:            GrantGoogleOffline,
			SupportsRefresh:  true,
		},
		{
			Platform:         "facebook",
			DisplayName:      "Facebook",
			Scopes:           []string{"public_profile", "pages_show_list", "pages_manage_posts"},
			AuthURL:          "https://www.facebook.com/v19.0/dialog/oauth",
			TokenURL:         "https://graph.facebook.com/v19.0/oauth/access_token",
			IdentityURL:      "https://graph.facebook.com/v19.0/me?fields=id,name",
			IdentityIDKeys:   []string{"id"},
			IdentityNameKeys: []string{"name"},
			SubResourceURL:   "https://graph.facebook.com/v19.0/me/accounts",
			Grant:            GrantStandardForm,
			SupportsRefresh:  false,
		},
		{
			Platform:         "instagram",
			DisplayName:      "Instagram",
			Scopes:           []string{"user_profile", "user_media"},
			AuthURL:          "https://api.instagram.com/oauth/authorize",
			TokenURL:         "https://api.instagram.com/oauth/access_token",
			IdentityURL:      "https://graph.instagram.com/me?fields=id,username",
			IdentityIDKeys:   []string{"id"},
			IdentityNameKeys: []string{"username"},
			Grant:            GrantStandardForm,
			SupportsRefresh:  false,
		},
		{
			Platform:         "linkedin",
			DisplayName:      "LinkedIn",
			Scopes:           []string{"openid", "profile", "w_member_social"},
			AuthURL:          "https://www.linkedin.com/oauth/v2/authorization",
			TokenURL:         "https://www.linkedin.com/oauth/v2/accessToken",
			IdentityURL:      "https://api.linkedin.com/v2/userinfo",
			IdentityIDKeys:   []string{"sub"},
			IdentityNameKeys: []string{"name"},
			Grant:            GrantStandardForm,
			SupportsRefresh:  true,
		},
		{
			Platform:         "tiktok",
			DisplayName:      "TikTok",
			Scopes:           []string{"user.info.basic", "video.publish"},
			AuthURL:          "https://www.tiktok.com/v2/auth/authorize/",
			TokenURL:         "https://open.tiktokapis.com/v2/oauth/token/",
			IdentityURL:      "https://open.tiktokapis.com/v2/user/info/?fields=open_id,display_name",
			IdentityPath:     []string{"data", "user"},
			IdentityIDKeys:   []string{"open_id"},
			IdentityNameKeys: []string{"display_name"},
			Grant:            GrantStandardForm,
			SupportsRefresh:  true,
		},
		{
			Platform:         "pinterest",
			DisplayName:      "Pinterest",
			Scopes:           []string{"boards:read", "pins:read", "pins:write"},
			AuthURL:          "https://www.pinterest.com/oauth/",
			TokenURL:         "https://api.pinterest.com/v5/oauth/token",
			IdentityURL:      "https://api.pinterest.com/v5/user_account",
			IdentityIDKeys:   []string{"id", "username"},
			IdentityNameKeys: []string{"username"},
			Grant:            GrantStandardForm,
			SupportsRefresh:  true,
		},
		{
			Platform:         "reddit",
			DisplayName:      "Reddit",
			Scopes:           []string{"identity", "submit"},
			AuthURL:          "https://www.reddit.com/api/v1/authorize",
			TokenURL:         "https://www.reddit.com/api/v1/access_token",
			IdentityURL:      "https://oauth.reddit.com/api/v1/me",
			IdentityIDKeys:   []string{"id"},
			IdentityNameKeys: []string{"name"},
			Grant:            GrantStandardForm,
			SupportsRefresh:  true,
			ExtraAuthParams:  map[string]string{"duration": "permanent"},
			ExtraHeaders:     map[string]string{"User-Agent": "crowdpost-connect/1.0"},
		},
		{
			Platform:         "twitter",
			DisplayName:      "X (Twitter)",
			Scopes:           []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
			AuthURL:          "https://twitter.com/i/oauth2/authorize",
			TokenURL:         "https://api.twitter.com/2/oauth2/token",
			IdentityURL:      "https://api.twitter.com/2/users/me",
			IdentityPath:     []string{"data"},
			IdentityIDKeys:   []string{"id"},
			IdentityNameKeys: []string{"username", "name"},
			Grant:            GrantPKCE,
			SupportsRefresh:  true,
		},
	}
}

// New resolves deployment credentials against the built-in catalog. Platforms
// missing client_id, client_secret, or redirect_uri are disabled, not fatal;
// the disabled set is logged once.
func New(cfg config.Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}

	enabled := make(map[string]Config)
	var disabled []string
	for _, entry := range catalog() {
		creds, ok := cfg.PlatformCreds[entry.Platform]
		if ok {
			entry.ClientID = creds.ClientID
			entry.ClientSecret = creds.ClientSecret
			entry.RedirectURI = creds.RedirectURI
		}
		if entry.ClientID == "" || entry.ClientSecret == "" || entry.RedirectURI == "" {
			disabled = append(disabled, entry.Platform)
			continue
		}
		enabled[entry.Platform] = entry
	}

	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	logger.Info("oauth platforms configured", zap.Strings("enabled", names))
	if len(disabled) > 0 {
		sort.Strings(disabled)
		logger.Warn("oauth platforms disabled: missing credentials", zap.Strings("disabled", disabled))
	}

	return &Registry{enabled: enabled}
}

// Get returns the configuration for one enabled platform.
func (r *Registry) Get(platform string) (*Config, error) {
	entry, ok := r.enabled[strings.ToLower(strings.TrimSpace(platform))]
	if !ok {
		return nil, fmt.Errorf("platform %s: %w", platform, connect.ErrNotConfigured)
	}
	cfg := entry
	return &cfg, nil
}

// Enabled lists all usable platforms, sorted by id.
func (r *Registry) Enabled() []Config {
	out := make([]Config, 0, len(r.enabled))
	for _, cfg := range r.enabled {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
