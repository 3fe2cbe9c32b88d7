package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Conn is the push side of a live transport connection.
type Conn interface {
	Send(ctx context.Context, event *model.PushEvent) error
	Close() error
}

// Session is a registered connection. It is never persisted.
type Session struct {
	model.ConnectionSession
	conn Conn
}

// ReplayFunc claims and pushes a user's pending in-app records.
type ReplayFunc func(ctx context.Context, userID uuid.UUID)

// LifecycleFunc observes the first connect and last disconnect of a user on this node.
type LifecycleFunc func(ctx context.Context, userID uuid.UUID)

type Config struct {
	HeartbeatTimeout time.Duration
	ReplayDebounce   time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
		ReplayDebounce:   2 * time.Second,
	}
}

type userSessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func (u *userSessions) snapshot() []*Session {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*Session, 0, len(u.sessions))
	for _, s := range u.sessions {
		out = append(out, s)
	}
	return out
}

// Registry maps users to their live sessions. Construct one per process and pass
// it to whatever needs fan-out lookups.
type Registry struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	users map[uuid.UUID]*userSessions
	conns map[string]*Session

	hookMu       sync.RWMutex
	replay       ReplayFunc
	onConnect    []LifecycleFunc
	onDisconnect []LifecycleFunc

	debounceMu sync.Mutex
	lastReplay map[uuid.UUID]time.Time
	trailing   map[uuid.UUID]*time.Timer
}

func NewRegistry(cfg Config, log *logger.Logger, m *metrics.Metrics) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.ReplayDebounce < 0 {
		cfg.ReplayDebounce = 0
	}
	return &Registry{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		now:        time.Now,
		users:      make(map[uuid.UUID]*userSessions),
		conns:      make(map[string]*Session),
		lastReplay: make(map[uuid.UUID]time.Time),
		trailing:   make(map[uuid.UUID]*time.Timer),
	}
}

// SetReplay installs the hook Register uses to replay a user's pending records.
func (r *Registry) SetReplay(fn ReplayFunc) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.replay = fn
}

func (r *Registry) OnConnect(fn LifecycleFunc) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onConnect = append(r.onConnect, fn)
}

func (r *Registry) OnDisconnect(fn LifecycleFunc) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Register adds a session for the given identity and replays the user's pending
// in-app records before returning, unless a replay ran inside the debounce window.
func (r *Registry) Register(ctx context.Context, info model.ConnectionSession, conn Conn) *Session {
	now := r.now()
	info.ConnectionID = ulid.Make().String()
	info.ConnectedAt = now
	info.LastHeartbeat = now
	s := &Session{ConnectionSession: info, conn: conn}

	r.mu.Lock()
	us, ok := r.users[info.UserID]
	if !ok {
		us = &userSessions{sessions: make(map[string]*Session)}
		r.users[info.UserID] = us
	}
	us.mu.Lock()
	us.sessions[s.ConnectionID] = s
	first := len(us.sessions) == 1
	us.mu.Unlock()
	r.conns[s.ConnectionID] = s
	r.mu.Unlock()

	r.metrics.ActiveSessions.Inc()
	r.log.Debug("Session registered", "connection_id", s.ConnectionID, "user_id", info.UserID)

	if first {
		r.fire(ctx, r.connectHooks(), info.UserID)
	}
	r.triggerReplay(ctx, info.UserID)
	return s
}

// Unregister removes a session. Removing an unknown connection is a no-op.
func (r *Registry) Unregister(ctx context.Context, connectionID string) bool {
	r.mu.Lock()
	s, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connectionID)

	last := false
	if us, ok := r.users[s.UserID]; ok {
		us.mu.Lock()
		delete(us.sessions, connectionID)
		if len(us.sessions) == 0 {
			delete(r.users, s.UserID)
			last = true
		}
		us.mu.Unlock()
	}
	r.mu.Unlock()

	_ = s.conn.Close()
	r.metrics.ActiveSessions.Dec()
	r.log.Debug("Session unregistered", "connection_id", connectionID, "user_id", s.UserID)

	if last {
		r.fire(ctx, r.disconnectHooks(), s.UserID)
	}
	return true
}

func (r *Registry) SessionsFor(userID uuid.UUID) []*Session {
	r.mu.RLock()
	us, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return us.snapshot()
}

// SessionsForRole returns sessions whose claims include role, optionally limited to a branch.
func (r *Registry) SessionsForRole(role string, branchID *uuid.UUID) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.conns {
		if !s.HasRole(role) {
			continue
		}
		if branchID != nil && s.BranchID != *branchID {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *Registry) Heartbeat(connectionID string) error {
	r.mu.RLock()
	s, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	us := r.userSet(s.UserID)
	if us == nil {
		return ErrUnknownConnection
	}
	us.mu.Lock()
	s.LastHeartbeat = r.now()
	us.mu.Unlock()
	return nil
}

// Sweep unregisters sessions whose last heartbeat is older than the timeout.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []string {
	var stale []string
	r.mu.RLock()
	for id, s := range r.conns {
		us := r.users[s.UserID]
		if us == nil {
			continue
		}
		us.mu.RLock()
		if now.Sub(s.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
		us.mu.RUnlock()
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Unregister(ctx, id)
	}
	if len(stale) > 0 {
		r.log.Info("Swept stale sessions", "count", len(stale))
	}
	return stale
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns every user with at least one live session on this node.
func (r *Registry) Users() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// PushToUser sends event to every live session of the user concurrently and
// returns how many accepted it. Sessions whose send fails are unregistered.
func (r *Registry) PushToUser(ctx context.Context, userID uuid.UUID, event *model.PushEvent) int {
	sessions := r.SessionsFor(userID)
	if len(sessions) == 0 {
		return 0
	}

	var (
		delivered atomic.Int32
		g         errgroup.Group
	)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.conn.Send(ctx, event); err != nil {
				r.log.Warn("Push failed, dropping session", "connection_id", s.ConnectionID, "error", err.Error())
				r.Unregister(ctx, s.ConnectionID)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// Close unregisters every session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(ctx, id)
	}

	r.debounceMu.Lock()
	for user, t := range r.trailing {
		t.Stop()
		delete(r.trailing, user)
	}
	r.debounceMu.Unlock()
}

func (r *Registry) userSet(userID uuid.UUID) *userSessions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID]
}

// triggerReplay runs the replay hook on the leading edge of the debounce window.
// Registers suppressed inside the window schedule a single trailing replay at its
// end so records parked in between are not stranded.
func (r *Registry) triggerReplay(ctx context.Context, userID uuid.UUID) {
	replay := r.replayHook()
	if replay == nil {
		return
	}

	now := r.now()
	r.debounceMu.Lock()
	last, seen := r.lastReplay[userID]
	if seen && now.Sub(last) < r.cfg.ReplayDebounce {
		if _, pending := r.trailing[userID]; !pending {
			wait := r.cfg.ReplayDebounce - now.Sub(last)
			r.trailing[userID] = time.AfterFunc(wait, func() {
				r.debounceMu.Lock()
				delete(r.trailing, userID)
				r.lastReplay[userID] = r.now()
				r.debounceMu.Unlock()
				if len(r.SessionsFor(userID)) > 0 {
					replay(context.Background(), userID)
				}
			})
		}
		r.debounceMu.Unlock()
		r.metrics.Replays.WithLabelValues("debounced").Inc()
		return
	}
	r.lastReplay[userID] = now
	if t, pending := r.trailing[userID]; pending {
		t.Stop()
		delete(r.trailing, userID)
	}
	r.debounceMu.Unlock()

	replay(ctx, userID)
}

func (r *Registry) replayHook() ReplayFunc {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return r.replay
}

func (r *Registry) connectHooks() []LifecycleFunc {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([]LifecycleFunc(nil), r.onConnect...)
}

func (r *Registry) disconnectHooks() []LifecycleFunc {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([]LifecycleFunc(nil), r.onDisconnect...)
}

func (r *Registry) fire(ctx context.Context, hooks []LifecycleFunc, userID uuid.UUID) {
	for _, fn := range hooks {
		fn(ctx, userID)
	}
}

// PruneDebounce forgets replay timestamps older than the debounce window.
func (r *Registry) PruneDebounce(now time.Time) {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()
	for user, at := range r.lastReplay {
		if now.Sub(at) >= r.cfg.ReplayDebounce {
			delete(r.lastReplay, user)
		}
	}
}
