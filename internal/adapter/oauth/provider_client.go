package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crowdpost/connect/internal/domain/connect"
	"github.com/crowdpost/connect/internal/provider"
)

// TokenResponse models a platform token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
	Raw          map[string]any
}

// Identity is the normalized result of a platform "who am I" call.
type Identity struct {
	PlatformUserID string
	Username       string
	Raw            map[string]any
}

// SubResource is one manageable page/channel/board listed by the platform.
type SubResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProviderClient encapsulates outbound HTTP calls to the platforms.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, cfg provider.Config, code, codeVerifier string) (*TokenResponse, error)
	RefreshToken(ctx context.Context, cfg provider.Config, refreshToken string) (*TokenResponse, error)
	FetchIdentity(ctx context.Context, cfg provider.Config, accessToken string) (*Identity, error)
	FetchSubResources(ctx context.Context, cfg provider.Config, accessToken string) ([]SubResource, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient with a bounded
// timeout on every outbound call.
func NewHTTPProviderClient(client *http.Client, logger *zap.Logger) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &HTTPProviderClient{httpClient: client, logger: logger}
}

// ExchangeCode performs the authorization-code grant for the platform's
// declared grant style.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, cfg provider.Config, code, codeVerifier string) (*TokenResponse, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing for %s", cfg.Platform)
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", cfg.RedirectURI)
	data.Set("client_id", cfg.ClientID)
	switch cfg.Grant {
	case provider.GrantPKCE:
		if strings.TrimSpace(codeVerifier) == "" {
			return nil, fmt.Errorf("pkce verifier missing for %s", cfg.Platform)
		}
		data.Set("code_verifier", codeVerifier)
		if cfg.ClientSecret != "" {
			data.Set("client_secret", cfg.ClientSecret)
		}
	default:
		// standard_form and google_offline exchange identically; the offline
		// variation happens at authorization time.
		data.Set("client_secret", cfg.ClientSecret)
	}

	return c.postToken(ctx, cfg, data)
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, cfg provider.Config, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		data.Set("client_secret", cfg.ClientSecret)
	}
	return c.postToken(ctx, cfg, data)
}

// postToken POSTs the form to the token endpoint. Transient failures (network
// errors, 5xx) get one retry; authentication rejections fail fast.
func (c *HTTPProviderClient) postToken(ctx context.Context, cfg provider.Config, data url.Values) (*TokenResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.doForm(ctx, cfg, data)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, fmt.Errorf("token request: %w", err)
			}
			continue
		}
		body, status, err := readBody(resp)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("token endpoint status=%d", status)
			continue
		}
		if status == http.StatusUnauthorized || strings.Contains(string(body), "invalid_grant") {
			return nil, fmt.Errorf("token endpoint status=%d: %w", status, connect.ErrAuthRejected)
		}

		token, err := parseTokenBody(body, resp.Header.Get("Content-Type"))
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", cfg.Platform, err)
		}
		if strings.TrimSpace(token.AccessToken) == "" {
			// Some platforms return 200 with an error payload.
			return nil, fmt.Errorf("platform %s: no access_token in response (status=%d)", cfg.Platform, status)
		}
		return token, nil
	}
	return nil, fmt.Errorf("token request for %s: %w", cfg.Platform, lastErr)
}

func (c *HTTPProviderClient) doForm(ctx context.Context, cfg provider.Config, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, v := range cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}

func readBody(resp *http.Response) ([]byte, int, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// parseTokenBody decodes JSON token responses and falls back to form
// encoding for platforms that ignore the Accept header.
func parseTokenBody(body []byte, contentType string) (*TokenResponse, error) {
	if strings.Contains(contentType, "application/x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("decode form token response: %w", err)
		}
		token := &TokenResponse{
			AccessToken:  vals.Get("access_token"),
			RefreshToken: vals.Get("refresh_token"),
			TokenType:    vals.Get("token_type"),
			Scope:        vals.Get("scope"),
		}
		if exp := vals.Get("expires_in"); exp != "" {
			token.ExpiresIn = int64Value(exp)
		}
		return token, nil
	}

	raw, err := decodeJSONMap(body)
	if err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
		ExpiresIn:    int64Value(raw["expires_in"]),
		Raw:          raw,
	}, nil
}

// FetchIdentity loads and normalizes the platform's identity endpoint.
func (c *HTTPProviderClient) FetchIdentity(ctx context.Context, cfg provider.Config, accessToken string) (*Identity, error) {
	if strings.TrimSpace(cfg.IdentityURL) == "" {
		return nil, fmt.Errorf("identity url missing for %s", cfg.Platform)
	}

	raw, err := c.getJSON(ctx, cfg, cfg.IdentityURL, accessToken)
	if err != nil {
		return nil, err
	}

	fields := descend(raw, cfg.IdentityPath)
	id := firstString(fields, cfg.IdentityIDKeys)
	if id == "" {
		return nil, fmt.Errorf("platform %s: identity response has no usable id", cfg.Platform)
	}
	return &Identity{
		PlatformUserID: id,
		Username:       firstString(fields, cfg.IdentityNameKeys),
		Raw:            raw,
	}, nil
}

// FetchSubResources lists manageable pages/channels. Callers treat failures
// as degradation, not as a failed exchange.
func (c *HTTPProviderClient) FetchSubResources(ctx context.Context, cfg provider.Config, accessToken string) ([]SubResource, error) {
	if strings.TrimSpace(cfg.SubResourceURL) == "" {
		return nil, nil
	}

	raw, err := c.getJSON(ctx, cfg, cfg.SubResourceURL, accessToken)
	if err != nil {
		return nil, err
	}

	items, ok := raw["data"].([]any)
	if !ok {
		items, _ = raw["items"].([]any)
	}
	resources := make([]SubResource, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := firstString(entry, []string{"name", "title", "username"})
		// YouTube nests the display name under snippet.
		if name == "" {
			if snippet, ok := entry["snippet"].(map[string]any); ok {
				name = firstString(snippet, []string{"title"})
			}
		}
		resources = append(resources, SubResource{
			ID:   stringValue(entry["id"]),
			Name: name,
		})
	}
	return resources, nil
}

func (c *HTTPProviderClient) getJSON(ctx context.Context, cfg provider.Config, endpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform %s request: %w", cfg.Platform, err)
	}
	body, status, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("platform %s status=%d: %w", cfg.Platform, status, connect.ErrAuthRejected)
	}
	if status >= 300 {
		return nil, fmt.Errorf("platform %s status=%d", cfg.Platform, status)
	}

	raw, err := decodeJSONMap(body)
	if err != nil {
		return nil, fmt.Errorf("platform %s: decode response: %w", cfg.Platform, err)
	}
	return raw, nil
}

func decodeJSONMap(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func descend(raw map[string]any, path []string) map[string]any {
	current := raw
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return current
		}
		current = next
	}
	return current
}

func firstString(fields map[string]any, keys []string) string {
	for _, key := range keys {
		if v := stringValue(fields[key]); strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		var n int64
		_, _ = fmt.Sscan(v, &n)
		return n
	}
	return 0
}
