package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nmarkman/delivery-desk/internal/models"
	"github.com/nmarkman/delivery-desk/internal/repository"
	"github.com/nmarkman/delivery-desk/internal/service"
)

type SyncHandler struct {
	Sync   *service.SyncService
	Batch  *service.BatchService
	Store  repository.Store
	Logger *zap.Logger
}

func (h *SyncHandler) Register(r *gin.Engine) {
	group := r.Group("/api/sync")
	group.POST("", h.runSync)
	group.POST("/batch", h.runBatch)
	group.GET("/logs", h.listLogs)
}

type syncRequest struct {
	TenantID      string `json:"tenant_id" binding:"required"`
	OperationType string `json:"operation_type"`
}

// @Summary Run or analyze one tenant's sync
// @Tags sync
// @Accept json
// @Param request body syncRequest true "tenant and operation"
// @Success 200 {object} apiResponse
// @Router /api/sync [post]
func (h *SyncHandler) runSync(c *gin.Context) {
	if h.Sync == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	op := strings.ToLower(strings.TrimSpace(req.OperationType))
	if op == "" {
		op = models.OperationSync
	}

	switch op {
	case models.OperationAnalysis:
		result, err := h.Sync.Analyze(c.Request.Context(), req.TenantID)
		if err != nil {
			h.syncError(c, req.TenantID, err)
			return
		}
		Ok(c, result, nil)
	case models.OperationSync:
		result, err := h.Sync.Run(c.Request.Context(), req.TenantID, "")
		if err != nil {
			h.syncError(c, req.TenantID, err)
			return
		}
		Ok(c, result, nil)
	default:
		Error(c, http.StatusBadRequest, "operation_type must be analysis or sync", nil)
	}
}

func (h *SyncHandler) syncError(c *gin.Context, tenantID string, err error) {
	if h.Logger != nil {
		h.Logger.Warn("sync failed", zap.String("tenant", tenantID), zap.Error(err))
	}
	status := http.StatusBadGateway
	if errors.Is(err, service.ErrNoActiveConnection) {
		status = http.StatusNotFound
	}
	Error(c, status, err.Error(), nil)
}

// @Summary Run the batch sync across all due tenants
// @Tags sync
// @Success 200 {object} apiResponse
// @Router /api/sync/batch [post]
func (h *SyncHandler) runBatch(c *gin.Context) {
	if h.Batch == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	result, err := h.Batch.RunDueSyncs(c.Request.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("batch sync failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, result, nil)
}

// @Summary List sync audit logs
// @Tags sync
// @Param tenant_id query string false "tenant filter"
// @Param batch_id query string false "batch filter"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/sync/logs [get]
func (h *SyncHandler) listLogs(c *gin.Context) {
	if h.Store == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	params := repository.ListSyncLogsParams{
		Limit:  intQuery(c, "limit", 100),
		Offset: intQuery(c, "offset", 0),
	}
	if v := strings.TrimSpace(c.Query("tenant_id")); v != "" {
		params.TenantID = &v
	}
	if v := strings.TrimSpace(c.Query("batch_id")); v != "" {
		params.BatchID = &v
	}
	logs, err := h.Store.ListSyncLogs(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, logs, nil)
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
