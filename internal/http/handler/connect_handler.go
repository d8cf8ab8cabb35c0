package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crowdpost/connect/internal/domain"
	connectdomain "github.com/crowdpost/connect/internal/domain/connect"
	"github.com/crowdpost/connect/internal/http/middleware"
	connectservice "github.com/crowdpost/connect/internal/service/connect"
)

// ConnectHandler exposes the connection lifecycle over HTTP.
type ConnectHandler struct {
	Connect *connectservice.Service
	Logger  *zap.Logger
}

func NewConnectHandler(svc *connectservice.Service, logger *zap.Logger) *ConnectHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &ConnectHandler{Connect: svc, Logger: logger}
}

// connectionView is the wire shape of a connection. Ciphertext never leaves
// the service.
type connectionView struct {
	ID               int64      `json:"id"`
	Platform         string     `json:"platform"`
	PlatformUserID   string     `json:"platform_user_id"`
	PlatformUsername string     `json:"platform_username"`
	Status           string     `json:"status"`
	GrantedScopes    []string   `json:"granted_scopes"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

func toView(conn domain.Connection) connectionView {
	return connectionView{
		ID:               conn.ID,
		Platform:         conn.Platform,
		PlatformUserID:   conn.PlatformUserID,
		PlatformUsername: conn.PlatformUsername,
		Status:           string(conn.Status),
		GrantedScopes:    conn.GrantedScopes,
		ExpiresAt:        conn.ExpiresAt,
		CreatedAt:        conn.CreatedAt,
		LastUsedAt:       conn.LastUsedAt,
	}
}

// ListPlatforms returns the connectable platform catalog.
func (h *ConnectHandler) ListPlatforms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"platforms": h.Connect.Platforms()})
}

// Start kicks off an authorization and redirects the browser to the platform.
func (h *ConnectHandler) Start(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var extra map[string]string
	if returnTo := strings.TrimSpace(c.Query("return_to")); returnTo != "" && strings.HasPrefix(returnTo, "/") {
		extra = map[string]string{"return_to": returnTo}
	}

	authorizeURL, err := h.Connect.BeginAuthorization(c.Request.Context(), userID, c.Param("platform"), extra)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, authorizeURL)
}

// Callback completes the flow after the platform redirects back. The user is
// identified by the state token, not by headers; the platform controls this
// request's origin.
func (h *ConnectHandler) Callback(c *gin.Context) {
	if platformErr := c.Query("error"); platformErr != "" {
		h.Logger.Warn("authorization denied at platform",
			zap.String("platform", c.Param("platform")),
			zap.String("error", platformErr))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "authorization_denied",
			"error_description": "The platform reported: " + platformErr,
		})
		return
	}

	result, err := h.Connect.HandleCallback(c.Request.Context(), c.Param("platform"), c.Query("code"), c.Query("state"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if result.ReturnTo != "" {
		c.Redirect(http.StatusFound, result.ReturnTo)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connection":    toView(result.Connection),
		"sub_resources": result.SubResources,
	})
}

// ListConnections returns the caller's connections across platforms.
func (h *ConnectHandler) ListConnections(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conns, err := h.Connect.ListConnections(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, toView(conn))
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

// Token hands a decrypted, refreshed-if-needed access token to an internal
// caller acting on the user's behalf.
func (h *ConnectHandler) Token(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	connectionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid connection id."})
		return
	}

	token, err := h.Connect.UsableToken(c.Request.Context(), userID, connectionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token})
}

// AuthFailure records a downstream rejection of a stored token.
func (h *ConnectHandler) AuthFailure(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	connectionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid connection id."})
		return
	}

	if err := h.Connect.ReportAuthFailure(c.Request.Context(), userID, connectionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Health reports process liveness.
func (h *ConnectHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ConnectHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, connectdomain.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":             "platform_not_configured",
			"error_description": "This platform is not available on this deployment.",
		})
	case errors.Is(err, connectdomain.ErrStateRejected):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_state",
			"error_description": "The authorization attempt is unknown, expired, or already used.",
		})
	case errors.Is(err, connectdomain.ErrExchangeFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":             "exchange_failed",
			"error_description": "The platform rejected the authorization code exchange.",
		})
	case errors.Is(err, connectdomain.ErrIdentityFetchFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":             "identity_fetch_failed",
			"error_description": "The platform identity could not be verified.",
		})
	case errors.Is(err, connectdomain.ErrNeedsReauth):
		c.JSON(http.StatusConflict, gin.H{
			"error":             "needs_reauthorization",
			"error_description": "The stored credential is no longer usable. Reconnect the account.",
		})
	case errors.Is(err, connectdomain.ErrConnectionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "connection_not_found",
			"error_description": "No such connection for this user.",
		})
	default:
		h.Logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":             "internal_error",
			"error_description": "Something went wrong.",
		})
	}
}
