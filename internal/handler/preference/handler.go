package preference

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/model"
	preferenceService "github.com/jwalitptl/notification-hub/internal/service/preference"
)

type Handler struct {
	service *preferenceService.Service
}

func NewHandler(service *preferenceService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	preferences := r.Group("/preferences")
	{
		preferences.GET("", h.List)
		preferences.PUT("", h.Update)
		preferences.DELETE("/:type/:channel", h.Reset)
	}
}

type updatePreferenceRequest struct {
	Type                 model.NotificationType `json:"type" binding:"required,notification_type"`
	Channel              model.Channel          `json:"channel" binding:"required,channel"`
	IsEnabled            *bool                  `json:"is_enabled" binding:"required"`
	QuietHours           *model.QuietHours      `json:"quiet_hours"`
	WeekendNotifications *bool                  `json:"weekend_notifications"`
	Timezone             string                 `json:"timezone"`
}

func (h *Handler) List(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}
	prefs, err := h.service.List(c.Request.Context(), userID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(prefs))
}

func (h *Handler) Update(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}
	var req updatePreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handler.BindError(c, err)
		return
	}

	p := &model.NotificationPreference{
		UserID:               userID,
		Type:                 req.Type,
		Channel:              req.Channel,
		IsEnabled:            *req.IsEnabled,
		QuietHours:           req.QuietHours,
		WeekendNotifications: true,
		Timezone:             req.Timezone,
	}
	if req.WeekendNotifications != nil {
		p.WeekendNotifications = *req.WeekendNotifications
	}

	if err := h.service.Update(c.Request.Context(), p); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(p))
}

func (h *Handler) Reset(c *gin.Context) {
	userID, ok := targetUser(c)
	if !ok {
		return
	}
	t, err := model.ParseNotificationType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	ch, err := model.ParseChannel(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	if err := h.service.Reset(c.Request.Context(), userID, t, ch); err != nil {
		handler.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// targetUser resolves whose preferences are addressed: the caller, or another
// user when the caller may manage preferences.
func targetUser(c *gin.Context) (uuid.UUID, bool) {
	identity := middleware.IdentityFrom(c)
	raw := c.Query("user_id")
	if raw == "" {
		return identity.UserID, true
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user ID"))
		return uuid.Nil, false
	}
	if userID != identity.UserID && !identity.Can(model.PermissionManagePrefs) {
		c.JSON(http.StatusForbidden, handler.NewErrorResponse("permission denied"))
		return uuid.Nil, false
	}
	return userID, true
}
