package notification

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/model"
	notificationService "github.com/jwalitptl/notification-hub/internal/service/notification"
)

type Handler struct {
	service notificationService.Service
	auth    *middleware.AuthMiddleware
}

func NewHandler(service notificationService.Service, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{service: service, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("", h.auth.RequirePermission(model.PermissionNotify), h.Notify)
		notifications.GET("/pending", h.GetPending)
		notifications.GET("/unread-count", h.UnreadCount)
		notifications.GET("/failed", h.auth.RequirePermission(model.PermissionViewFailed), h.ListFailed)
		notifications.POST("/failed/:id/retry", h.auth.RequirePermission(model.PermissionRetryFailed), h.RetryFailed)
		notifications.GET("/:id/status", h.GetStatus)
	}

	deliveries := r.Group("/deliveries")
	{
		deliveries.POST("/:id/read", h.MarkRead)
		deliveries.POST("/:id/confirm", h.Confirm)
	}
}

func (h *Handler) Notify(c *gin.Context) {
	var req notificationService.NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}
	// callers only notify inside their own organization
	req.OrganizationID = middleware.IdentityFrom(c).OrganizationID

	n, err := h.service.Notify(c.Request.Context(), req)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handler.NewSuccessResponse(n))
}

func (h *Handler) GetPending(c *gin.Context) {
	identity := middleware.IdentityFrom(c)

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("since must be an RFC 3339 timestamp"))
			return
		}
		since = t
	}
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}

	pending, err := h.service.GetPendingSince(c.Request.Context(), identity.UserID, since, limit)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(pending))
}

func (h *Handler) UnreadCount(c *gin.Context) {
	count, err := h.service.UnreadCount(c.Request.Context(), middleware.IdentityFrom(c).UserID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"unread": count}))
}

func (h *Handler) ListFailed(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	filter := model.FailedFilter{OrganizationID: &identity.OrganizationID}

	if raw := c.Query("channel"); raw != "" {
		ch, err := model.ParseChannel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
			return
		}
		filter.Channel = &ch
	}
	if raw := c.Query("type"); raw != "" {
		t, err := model.ParseNotificationType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
			return
		}
		filter.Type = &t
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("since must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = &t
	}
	var ok bool
	if filter.Limit, ok = intQuery(c, "limit"); !ok {
		return
	}
	if filter.Offset, ok = intQuery(c, "offset"); !ok {
		return
	}

	failed, err := h.service.GetFailedNotifications(c.Request.Context(), filter)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(failed))
}

func (h *Handler) RetryFailed(c *gin.Context) {
	id, ok := uuidParam(c)
	if !ok {
		return
	}
	if err := h.service.RetryFailed(c.Request.Context(), id); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"delivery_record_id": id, "state": model.DeliveryPending}))
}

func (h *Handler) GetStatus(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	id, ok := uuidParam(c)
	if !ok {
		return
	}

	userID := identity.UserID
	if raw := c.Query("user_id"); raw != "" {
		other, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user ID"))
			return
		}
		if other != identity.UserID && !identity.Can(model.PermissionViewOthers) {
			c.JSON(http.StatusForbidden, handler.NewErrorResponse("permission denied"))
			return
		}
		userID = other
	}

	status, err := h.service.GetDeliveryStatus(c.Request.Context(), id, userID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(status))
}

type readRequest struct {
	ReadAt *time.Time `json:"read_at"`
}

func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := uuidParam(c)
	if !ok {
		return
	}
	var req readRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handler.BindError(c, err)
			return
		}
	}
	var at time.Time
	if req.ReadAt != nil {
		at = *req.ReadAt
	}

	if err := h.service.MarkRead(c.Request.Context(), id, middleware.IdentityFrom(c).UserID, at); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"delivery_record_id": id}))
}

func (h *Handler) Confirm(c *gin.Context) {
	id, ok := uuidParam(c)
	if !ok {
		return
	}
	if err := h.service.Confirm(c.Request.Context(), id, middleware.IdentityFrom(c).UserID, time.Time{}); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"delivery_record_id": id}))
}

func uuidParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid ID"))
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(key+" must be a non-negative integer"))
		return 0, false
	}
	return n, true
}
