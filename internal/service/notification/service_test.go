package notification

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
	"github.com/jwalitptl/notification-hub/internal/repository/memory"
	"github.com/jwalitptl/notification-hub/internal/service/preference"
	"github.com/jwalitptl/notification-hub/pkg/errors"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type testEnv struct {
	svc   *service
	queue repository.DeliveryQueue
	notes repository.NotificationRepository
	prefs repository.PreferenceRepository
	dir   *memory.Directory
	org   uuid.UUID
	now   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		queue: memory.NewDeliveryQueue(30 * time.Second),
		notes: memory.NewNotificationRepository(),
		prefs: memory.NewPreferenceRepository(),
		dir:   memory.NewDirectory(),
		org:   uuid.New(),
		now:   time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(env.notes, env.queue, env.dir, preference.NewEvaluator(env.prefs), logger.Nop(), metrics.NewNop()).(*service)
	env.svc.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) request(target model.Target, channels ...model.Channel) NotifyRequest {
	return NotifyRequest{
		OrganizationID: env.org,
		Title:          "Leave approved",
		Message:        "Your leave for 12 March was approved",
		Type:           model.TypeLeave,
		Target:         target,
		Channels:       channels,
	}
}

func (env *testEnv) records(t *testing.T, n *model.Notification, user uuid.UUID) []*model.DeliveryRecord {
	t.Helper()
	records, err := env.queue.ListForNotification(context.Background(), n.ID, user)
	require.NoError(t, err)
	return records
}

func TestNotifySingleUserCreatesOneRecordPerEligibleChannel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, env.prefs.Upsert(ctx, &model.NotificationPreference{
		UserID: user, Type: model.TypeLeave, Channel: model.ChannelSMS, IsEnabled: false,
	}))

	n, err := env.svc.Notify(ctx, env.request(
		model.Target{Kind: model.TargetUser, UserIDs: []uuid.UUID{user}},
		model.ChannelInApp, model.ChannelEmail, model.ChannelSMS, model.ChannelEmail,
	))
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, n.Priority)
	assert.False(t, n.IsGlobal)
	assert.Equal(t, []model.Channel{model.ChannelInApp, model.ChannelEmail, model.ChannelSMS}, n.Channels)

	records := env.records(t, n, user)
	require.Len(t, records, 2)
	channels := map[model.Channel]int{}
	for _, r := range records {
		channels[r.Channel]++
		assert.Equal(t, model.DeliveryPending, r.State)
		assert.Zero(t, r.AttemptCount)
		assert.Equal(t, env.org, r.OrganizationID)
	}
	assert.Equal(t, map[model.Channel]int{model.ChannelInApp: 1, model.ChannelEmail: 1}, channels)
}

func TestNotifyDefaultsToInApp(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()

	n, err := env.svc.Notify(context.Background(), env.request(model.Target{Kind: model.TargetUser, UserIDs: []uuid.UUID{user}}))
	require.NoError(t, err)

	records := env.records(t, n, user)
	require.Len(t, records, 1)
	assert.Equal(t, model.ChannelInApp, records[0].Channel)
}

func TestNotifyValidation(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()
	valid := env.request(model.Target{Kind: model.TargetUser, UserIDs: []uuid.UUID{user}})

	tests := []struct {
		name   string
		mutate func(*NotifyRequest)
	}{
		{"missing organization", func(r *NotifyRequest) { r.OrganizationID = uuid.Nil }},
		{"blank title", func(r *NotifyRequest) { r.Title = "  " }},
		{"unknown type", func(r *NotifyRequest) { r.Type = "reimbursement" }},
		{"unknown priority", func(r *NotifyRequest) { r.Priority = "urgent" }},
		{"unknown channel", func(r *NotifyRequest) { r.Channels = []model.Channel{"pager"} }},
		{"empty users target", func(r *NotifyRequest) { r.Target = model.Target{Kind: model.TargetUsers} }},
		{"role target without role", func(r *NotifyRequest) { r.Target = model.Target{Kind: model.TargetRole} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := env.svc.Notify(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, errors.ErrBadRequest, errors.As(err).Code)
		})
	}
}

func TestNotifyDeduplicatesSourceEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()
	req := env.request(model.Target{Kind: model.TargetUser, UserIDs: []uuid.UUID{user}})
	req.SourceEventID = "leave-approved:42"

	first, err := env.svc.Notify(ctx, req)
	require.NoError(t, err)
	second, err := env.svc.Notify(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, env.records(t, first, user), 1)
}

// interruptedQueue stores only the first record of the next failing Enqueue
// calls and then reports a connection error.
type interruptedQueue struct {
	repository.DeliveryQueue
	failures int
}

func (q *interruptedQueue) Enqueue(ctx context.Context, records ...*model.DeliveryRecord) error {
	if q.failures == 0 {
		return q.DeliveryQueue.Enqueue(ctx, records...)
	}
	q.failures--
	if len(records) > 0 {
		if err := q.DeliveryQueue.Enqueue(ctx, records[0]); err != nil {
			return err
		}
	}
	return stderrors.New("connection reset")
}

func TestNotifyRetryAfterFailedEnqueueCompletesFanOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	queue := &interruptedQueue{DeliveryQueue: env.queue, failures: 1}
	env.svc.queue = queue

	ana, ben := uuid.New(), uuid.New()
	req := env.request(model.Target{Kind: model.TargetUsers, UserIDs: []uuid.UUID{ana, ben}},
		model.ChannelInApp, model.ChannelEmail)
	req.SourceEventID = "leave-42"

	_, err := env.svc.Notify(ctx, req)
	require.Error(t, err)

	stored, err := env.notes.GetBySourceEvent(ctx, "leave-42")
	require.NoError(t, err)
	assert.Nil(t, stored.FannedOutAt)

	n, err := env.svc.Notify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, n.ID)
	assert.NotNil(t, n.FannedOutAt)

	for _, user := range []uuid.UUID{ana, ben} {
		records := env.records(t, n, user)
		require.Len(t, records, 2)
		assert.NotEqual(t, records[0].Channel, records[1].Channel)
	}

	// a later duplicate neither re-runs nor duplicates the fan-out
	again, err := env.svc.Notify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, n.ID, again.ID)
	assert.Len(t, env.records(t, n, ana), 2)
	assert.Len(t, env.records(t, n, ben), 2)
}

func TestEnqueueSkipsExistingRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n := &model.Notification{ID: uuid.New(), Type: model.TypeLeave, Priority: model.PriorityNormal}
	user := uuid.New()

	first := model.NewDeliveryRecord(n, user, model.ChannelEmail, env.now)
	require.NoError(t, env.queue.Enqueue(ctx, first))
	require.NoError(t, env.queue.MarkFailed(ctx, first.ID, "", "bounced"))

	again := model.NewDeliveryRecord(n, user, model.ChannelEmail, env.now)
	assert.Equal(t, first.ID, again.ID)
	require.NoError(t, env.queue.Enqueue(ctx, again))

	got, err := env.queue.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, got.State)
}

func TestNotifyRoleExpandsAtEnqueueTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	branch, otherBranch := uuid.New(), uuid.New()

	manager := memory.Employee{UserID: uuid.New(), OrganizationID: env.org, BranchID: branch, Roles: []string{"manager"}}
	remote := memory.Employee{UserID: uuid.New(), OrganizationID: env.org, BranchID: otherBranch, Roles: []string{"manager"}}
	clerk := memory.Employee{UserID: uuid.New(), OrganizationID: env.org, BranchID: branch, Roles: []string{"clerk"}}
	foreign := memory.Employee{UserID: uuid.New(), OrganizationID: uuid.New(), BranchID: branch, Roles: []string{"manager"}}
	for _, e := range []memory.Employee{manager, remote, clerk, foreign} {
		env.dir.Put(e)
	}

	n, err := env.svc.NotifyRole(ctx, env.request(model.Target{}), "manager", &branch)
	require.NoError(t, err)
	assert.Len(t, env.records(t, n, manager.UserID), 1)
	assert.Empty(t, env.records(t, n, remote.UserID))
	assert.Empty(t, env.records(t, n, clerk.UserID))
	assert.Empty(t, env.records(t, n, foreign.UserID))

	// a manager hired afterwards does not receive the earlier notification
	late := memory.Employee{UserID: uuid.New(), OrganizationID: env.org, BranchID: branch, Roles: []string{"manager"}}
	env.dir.Put(late)
	assert.Empty(t, env.records(t, n, late.UserID))

	global, err := env.svc.NotifyGlobal(ctx, env.request(model.Target{}))
	require.NoError(t, err)
	assert.True(t, global.IsGlobal)
	for _, e := range []memory.Employee{manager, remote, clerk, late} {
		assert.Len(t, env.records(t, global, e.UserID), 1)
	}
	assert.Empty(t, env.records(t, global, foreign.UserID))
}

func TestNotifyUsersDeduplicatesRecipients(t *testing.T) {
	env := newTestEnv(t)
	a, b := uuid.New(), uuid.New()

	n, err := env.svc.NotifyUsers(context.Background(), env.request(model.Target{}, model.ChannelEmail), []uuid.UUID{a, b, a})
	require.NoError(t, err)
	assert.Len(t, env.records(t, n, a), 1)
	assert.Len(t, env.records(t, n, b), 1)
}

func TestReadConfirmAndPendingSince(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, stranger := uuid.New(), uuid.New()
	since := env.now.Add(-time.Minute)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		n, err := env.svc.Notify(ctx, env.request(model.Target{Kind: model.TargetUser, UserIDs: []uuid.UUID{user}}, model.ChannelInApp, model.ChannelEmail))
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}

	pending, err := env.svc.GetPendingSince(ctx, user, since, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.Equal(t, ids[i], p.Notification.ID)
		assert.Nil(t, p.ReadAt)
	}

	unread, err := env.svc.UnreadCount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, unread)

	readAt := env.now.Add(-30 * time.Second)
	require.NoError(t, env.svc.MarkRead(ctx, pending[0].DeliveryRecordID, user, readAt))
	require.NoError(t, env.svc.Confirm(ctx, pending[0].DeliveryRecordID, user, time.Time{}))

	err = env.svc.MarkRead(ctx, pending[1].DeliveryRecordID, stranger, readAt)
	assert.Equal(t, errors.ErrNotFound, errors.As(err).Code)

	unread, err = env.svc.UnreadCount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	status, err := env.svc.GetDeliveryStatus(ctx, ids[0], user)
	require.NoError(t, err)
	require.Len(t, status.Channels, 2)
	for _, cs := range status.Channels {
		if cs.Channel == model.ChannelInApp {
			require.NotNil(t, cs.ReadAt)
			assert.True(t, readAt.Equal(*cs.ReadAt))
			require.NotNil(t, cs.ConfirmedAt)
			assert.True(t, env.now.Equal(*cs.ConfirmedAt))
		}
	}

	later, err := env.svc.GetPendingSince(ctx, user, env.now, 0)
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestDeliveryStatusUnknownNotification(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetDeliveryStatus(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, errors.ErrNotFound, errors.As(err).Code)
}

func TestFailedNotificationsAndRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := uuid.New()

	n, err := env.svc.Notify(ctx, env.request(model.Target{Kind: model.TargetUser, UserIDs: []uuid.UUID{user}}, model.ChannelEmail, model.ChannelInApp))
	require.NoError(t, err)

	var email *model.DeliveryRecord
	for _, r := range env.records(t, n, user) {
		if r.Channel == model.ChannelEmail {
			email = r
		}
	}
	require.NotNil(t, email)
	require.NoError(t, env.queue.MarkFailed(ctx, email.ID, "", "550 mailbox unavailable"))

	emailOnly := model.ChannelEmail
	failed, err := env.svc.GetFailedNotifications(ctx, model.FailedFilter{Channel: &emailOnly})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, email.ID, failed[0].DeliveryRecordID)
	assert.Equal(t, "Leave approved", failed[0].Title)
	assert.Equal(t, "550 mailbox unavailable", failed[0].LastError)
	assert.Equal(t, 1, failed[0].AttemptCount)

	require.NoError(t, env.svc.RetryFailed(ctx, email.ID))
	got, err := env.queue.Get(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, got.State)
	assert.Zero(t, got.AttemptCount)

	err = env.svc.RetryFailed(ctx, email.ID)
	assert.Equal(t, errors.ErrConflict, errors.As(err).Code)
	err = env.svc.RetryFailed(ctx, uuid.New())
	assert.Equal(t, errors.ErrNotFound, errors.As(err).Code)
}
