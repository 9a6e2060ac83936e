package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nmarkman/delivery-desk/internal/client/crm"
	"github.com/nmarkman/delivery-desk/internal/models"
	"github.com/nmarkman/delivery-desk/internal/repository"
)

// Encrypter seals a credential for storage.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

type ConnectionHandler struct {
	Store   repository.Store
	Tokens  *crm.TokenCache
	Secrets Encrypter
	Logger  *zap.Logger
}

func (h *ConnectionHandler) Register(r *gin.Engine) {
	group := r.Group("/api/connections")
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.POST("", h.create)
	group.POST("/:id/test", h.test)
}

// connectionView hides credentials and tokens from API consumers.
type connectionView struct {
	ID           uint64     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Username     string     `json:"username"`
	Database     string     `json:"database"`
	Active       bool       `json:"active"`
	Status       string     `json:"status"`
	LastError    *string    `json:"last_error,omitempty"`
	APICallCount int64      `json:"api_call_count"`
	SyncStatus   string     `json:"sync_status"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	NextSyncAt   *time.Time `json:"next_sync_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func viewOf(conn models.Connection) connectionView {
	return connectionView{
		ID:           conn.ID,
		TenantID:     conn.TenantID,
		Username:     conn.Username,
		Database:     conn.Database,
		Active:       conn.Active,
		Status:       conn.Status,
		LastError:    conn.LastError,
		APICallCount: conn.APICallCount,
		SyncStatus:   conn.SyncStatus,
		LastSyncAt:   conn.LastSyncAt,
		NextSyncAt:   conn.NextSyncAt,
		CreatedAt:    conn.CreatedAt,
	}
}

// @Summary List connections
// @Tags connections
// @Success 200 {object} apiResponse
// @Router /api/connections [get]
func (h *ConnectionHandler) list(c *gin.Context) {
	conns, err := h.Store.ListConnections(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewOf(conn))
	}
	Ok(c, views, nil)
}

// @Summary Get one connection
// @Tags connections
// @Param id path int true "connection id"
// @Success 200 {object} apiResponse
// @Router /api/connections/{id} [get]
func (h *ConnectionHandler) get(c *gin.Context) {
	conn, ok := h.connFromPath(c)
	if !ok {
		return
	}
	Ok(c, viewOf(*conn), nil)
}

type createConnectionRequest struct {
	TenantID string  `json:"tenant_id" binding:"required"`
	Username string  `json:"username" binding:"required"`
	Password string  `json:"password" binding:"required"`
	Database string  `json:"database" binding:"required"`
	BaseURL  *string `json:"base_url"`
}

// @Summary Create a connection
// @Tags connections
// @Accept json
// @Param request body createConnectionRequest true "connection"
// @Success 200 {object} apiResponse
// @Router /api/connections [post]
func (h *ConnectionHandler) create(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if h.Secrets == nil {
		Error(c, http.StatusInternalServerError, "credential encryption not configured", nil)
		return
	}
	sealed, err := h.Secrets.Encrypt(req.Password)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	conn := &models.Connection{
		TenantID:          strings.TrimSpace(req.TenantID),
		Username:          strings.TrimSpace(req.Username),
		EncryptedPassword: sealed,
		Database:          strings.TrimSpace(req.Database),
		BaseURL:           req.BaseURL,
		Active:            true,
		Status:            models.ConnectionStatusUntested,
		SyncStatus:        models.SyncStatusIdle,
	}
	if err := h.Store.CreateConnection(c.Request.Context(), conn); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("connection created", zap.String("tenant", conn.TenantID), zap.Uint64("id", conn.ID))
	}
	Ok(c, viewOf(*conn), nil)
}

// @Summary Force re-authentication and report connection status
// @Tags connections
// @Param id path int true "connection id"
// @Success 200 {object} apiResponse
// @Router /api/connections/{id}/test [post]
func (h *ConnectionHandler) test(c *gin.Context) {
	conn, ok := h.connFromPath(c)
	if !ok {
		return
	}
	if h.Tokens == nil {
		Error(c, http.StatusInternalServerError, "token cache unavailable", nil)
		return
	}
	h.Tokens.Invalidate(conn.TenantID)
	conn.AccessToken = nil
	conn.TokenExpiresAt = nil
	_, err := h.Tokens.Authenticate(c.Request.Context(), conn)
	if err != nil {
		Ok(c, gin.H{
			"status": conn.Status,
			"error":  err.Error(),
		}, nil)
		return
	}
	Ok(c, gin.H{"status": models.ConnectionStatusConnected}, nil)
}

func (h *ConnectionHandler) connFromPath(c *gin.Context) (*models.Connection, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid connection id", nil)
		return nil, false
	}
	conn, err := h.Store.GetConnectionByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return nil, false
	}
	if conn == nil {
		Error(c, http.StatusNotFound, "connection not found", nil)
		return nil, false
	}
	return conn, true
}
