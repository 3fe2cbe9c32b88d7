package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/handler"
	notificationHandler "github.com/jwalitptl/notification-hub/internal/handler/notification"
	preferenceHandler "github.com/jwalitptl/notification-hub/internal/handler/preference"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository/memory"
	notificationService "github.com/jwalitptl/notification-hub/internal/service/notification"
	"github.com/jwalitptl/notification-hub/internal/service/preference"
	"github.com/jwalitptl/notification-hub/pkg/auth"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type apiEnv struct {
	engine   *gin.Engine
	jwt      auth.JWTService
	org      uuid.UUID
	employee *model.Identity
	manager  *model.Identity
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	env := &apiEnv{
		jwt: auth.NewJWTService("test-secret", "hr-platform"),
		org: uuid.New(),
	}
	env.employee = &model.Identity{UserID: uuid.New(), OrganizationID: env.org, Roles: []string{"employee"}}
	env.manager = &model.Identity{
		UserID:         uuid.New(),
		OrganizationID: env.org,
		Roles:          []string{"hr_manager"},
		Permissions: []string{
			model.PermissionNotify,
			model.PermissionViewFailed,
			model.PermissionRetryFailed,
			model.PermissionManagePrefs,
		},
	}

	dir := memory.NewDirectory(
		memory.Employee{UserID: env.employee.UserID, OrganizationID: env.org, Roles: env.employee.Roles},
		memory.Employee{UserID: env.manager.UserID, OrganizationID: env.org, Roles: env.manager.Roles},
	)
	prefs := memory.NewPreferenceRepository()
	m := metrics.NewNop()
	notifications := notificationService.NewService(
		memory.NewNotificationRepository(),
		memory.NewDeliveryQueue(30*time.Second),
		dir,
		preference.NewEvaluator(prefs),
		logger.Nop(),
		m,
	)

	authMiddleware := middleware.NewAuthMiddleware(env.jwt)
	r := NewRouter(
		authMiddleware,
		handler.NewHandler(nil, prometheus.NewRegistry()),
		m,
		RouterConfig{Mode: gin.TestMode},
		notificationHandler.NewHandler(notifications, authMiddleware),
		preferenceHandler.NewHandler(preference.NewService(prefs)),
	)
	r.Setup()
	env.engine = r.Engine()
	return env
}

func (env *apiEnv) do(t *testing.T, who *model.Identity, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		token, err := env.jwt.Issue(who, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status, w.Body.String())
	if len(resp.Data) == 0 {
		// empty collections are omitted from the envelope
		return
	}
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, nil, http.MethodGet, "/api/v1/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, http.StatusOK, env.do(t, nil, http.MethodGet, "/api/v1/health/ready", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, nil, http.MethodGet, "/metrics", nil).Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, nil, http.MethodGet, "/api/v1/notifications/pending", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/pending", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotifyRequiresPermission(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, env.employee, http.MethodPost, "/api/v1/notifications", gin.H{
		"title":   "Hi",
		"message": "there",
		"type":    "leave",
		"target":  gin.H{"kind": "global"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNotifyValidationListsFields(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, env.manager, http.MethodPost, "/api/v1/notifications", gin.H{
		"message": "there",
		"type":    "lunch",
		"target":  gin.H{"kind": "global"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Errors []middleware.ValidationError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	fields := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"title", "type"}, fields)
}

func TestNotifyThenReadThroughAPI(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, env.manager, http.MethodPost, "/api/v1/notifications", gin.H{
		"title":   "Leave approved",
		"message": "Your leave for 12 March was approved",
		"type":    "leave",
		"target":  gin.H{"kind": "user", "user_ids": []uuid.UUID{env.employee.UserID}},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var n model.Notification
	decode(t, w, &n)
	assert.Equal(t, env.org, n.OrganizationID)

	w = env.do(t, env.employee, http.MethodGet, "/api/v1/notifications/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []model.PendingNotification
	decode(t, w, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, n.ID, pending[0].Notification.ID)

	var unread map[string]int
	decode(t, env.do(t, env.employee, http.MethodGet, "/api/v1/notifications/unread-count", nil), &unread)
	assert.Equal(t, 1, unread["unread"])

	recordID := pending[0].DeliveryRecordID.String()
	assert.Equal(t, http.StatusOK, env.do(t, env.employee, http.MethodPost, "/api/v1/deliveries/"+recordID+"/read", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, env.employee, http.MethodPost, "/api/v1/deliveries/"+recordID+"/confirm", nil).Code)

	decode(t, env.do(t, env.employee, http.MethodGet, "/api/v1/notifications/unread-count", nil), &unread)
	assert.Equal(t, 0, unread["unread"])

	// another user's record is not visible
	assert.Equal(t, http.StatusNotFound, env.do(t, env.manager, http.MethodPost, "/api/v1/deliveries/"+recordID+"/read", nil).Code)

	var status model.DeliveryStatus
	decode(t, env.do(t, env.employee, http.MethodGet, "/api/v1/notifications/"+n.ID.String()+"/status", nil), &status)
	require.Len(t, status.Channels, 1)
	assert.NotNil(t, status.Channels[0].ReadAt)
	assert.NotNil(t, status.Channels[0].ConfirmedAt)

	w = env.do(t, env.employee, http.MethodGet, "/api/v1/notifications/"+n.ID.String()+"/status?user_id="+env.manager.UserID.String(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFailedListRequiresPermission(t *testing.T) {
	env := newAPIEnv(t)

	assert.Equal(t, http.StatusForbidden, env.do(t, env.employee, http.MethodGet, "/api/v1/notifications/failed", nil).Code)

	var failed []model.FailedNotification
	decode(t, env.do(t, env.manager, http.MethodGet, "/api/v1/notifications/failed?channel=email", nil), &failed)
	assert.Empty(t, failed)

	assert.Equal(t, http.StatusBadRequest, env.do(t, env.manager, http.MethodGet, "/api/v1/notifications/failed?channel=fax", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, env.manager, http.MethodPost, "/api/v1/notifications/failed/"+uuid.NewString()+"/retry", nil).Code)
}

func TestPreferencesThroughAPI(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, env.employee, http.MethodPut, "/api/v1/preferences", gin.H{
		"type":                  "payroll",
		"channel":               "email",
		"is_enabled":            true,
		"quiet_hours":           gin.H{"start": "22:00", "end": "07:00"},
		"weekend_notifications": false,
		"timezone":              "Asia/Kolkata",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var prefs []model.NotificationPreference
	decode(t, env.do(t, env.employee, http.MethodGet, "/api/v1/preferences", nil), &prefs)
	require.Len(t, prefs, 1)
	require.NotNil(t, prefs[0].QuietHours)
	assert.Equal(t, "22:00", prefs[0].QuietHours.Start.String())
	assert.False(t, prefs[0].WeekendNotifications)

	w = env.do(t, env.employee, http.MethodPut, "/api/v1/preferences", gin.H{
		"type": "payroll", "channel": "email", "is_enabled": true, "timezone": "Mars/Olympus",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusForbidden,
		env.do(t, env.employee, http.MethodGet, "/api/v1/preferences?user_id="+env.manager.UserID.String(), nil).Code)
	decode(t, env.do(t, env.manager, http.MethodGet, "/api/v1/preferences?user_id="+env.employee.UserID.String(), nil), &prefs)
	assert.Len(t, prefs, 1)

	assert.Equal(t, http.StatusNoContent, env.do(t, env.employee, http.MethodDelete, "/api/v1/preferences/payroll/email", nil).Code)
	prefs = nil
	decode(t, env.do(t, env.employee, http.MethodGet, "/api/v1/preferences", nil), &prefs)
	assert.Empty(t, prefs)
}
