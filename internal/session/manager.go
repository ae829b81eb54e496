package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/config"
	"github.com/calyptra/driftsync/internal/syncerrors"
	"github.com/calyptra/driftsync/internal/transport"
	"github.com/calyptra/driftsync/internal/util/workerpool"
)

// Info is a point-in-time view of a running or finished session, for
// operator inspection.
type Info struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	Peer    string    `json:"peer"`
	State   State     `json:"state"`
	Scope   string    `json:"scope"`
	Started time.Time `json:"started"`
}

// Manager owns session lifecycles: it dials outbound sessions and serves
// inbound ones on a bounded worker pool. Sessions are in-memory only; a
// restart forgets them and the staging buffer is purged at startup.
type Manager struct {
	cfg    *config.Config
	deps   *Deps
	pool   *workerpool.WorkerPool
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, deps *Deps, logger *zap.Logger) *Manager {
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "sessions",
		MaxWorkers: cfg.Sync.ApplyWorkers,
		QueueSize:  cfg.Sync.ApplyQueueSize,
		Logger:     logger,
	})
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		pool:     pool,
		logger:   logger,
		sessions: make(map[*Session]struct{}),
	}
}

// SyncWith runs a full sync session against the peer at addr and blocks
// until it completes or aborts.
func (m *Manager) SyncWith(ctx context.Context, addr string, opts Options) error {
	if !opts.Push && !opts.Pull {
		opts.Push = true
		opts.Pull = true
	}
	if err := opts.Scope.Validate(); err != nil {
		return syncerrors.InvalidArgument(fmt.Sprintf("invalid sync scope %s", opts.Scope), err)
	}

	ch, err := transport.Dial(ctx, addr, m.logger)
	if err != nil {
		return err
	}

	s := newSession(uuid.NewString(), RoleInitiator, ch, m.deps, m.cfg.Sync)
	m.track(s)
	defer m.untrack(s)

	m.logger.Info("Outbound session starting",
		zap.String("session_id", s.ID),
		zap.String("peer_addr", addr),
		zap.String("scope", opts.Scope.String()))
	return m.runTracked(ctx, s, opts)
}

// HandleChannel serves one inbound connection. It is handed to the
// worker pool so a flood of connections cannot spawn unbounded
// goroutines; when the pool is saturated the connection is refused.
func (m *Manager) HandleChannel(ch transport.Channel) {
	task := workerpool.Task{
		ID:      "inbound-session",
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			s := newSession("", RoleResponder, ch, m.deps, m.cfg.Sync)
			m.track(s)
			defer m.untrack(s)
			return m.runTracked(ctx, s, Options{})
		},
	}
	if err := m.pool.Submit(task); err != nil {
		m.logger.Warn("Inbound session refused", zap.Error(err))
		ch.Close()
	}
}

func (m *Manager) runTracked(ctx context.Context, s *Session, opts Options) error {
	m.deps.Metrics.RecordSessionStart(string(s.Role))
	err := s.run(ctx, opts)
	duration := time.Since(s.Started()).Seconds()
	if err != nil {
		reason := syncerrors.AbortInternal
		if syncerrors.IsSyncError(err) {
			reason = syncerrors.New(syncerrors.GetCode(err), "", nil).AbortReason()
		}
		m.deps.Metrics.RecordSessionAbort(string(reason), duration)
		return err
	}
	m.deps.Metrics.RecordSessionComplete(duration)
	m.logger.Info("Session completed",
		zap.String("session_id", s.ID),
		zap.String("peer", s.PeerID()),
		zap.Float64("duration_seconds", duration))
	return nil
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s] = struct{}{}
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
}

// Sessions lists the sessions currently tracked by the manager.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// ActiveCount returns how many sessions are currently tracked.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// PoolStats exposes worker pool statistics for health reporting.
func (m *Manager) PoolStats() workerpool.Stats {
	return m.pool.Stats()
}

// Shutdown stops accepting work and waits for in-flight sessions.
func (m *Manager) Shutdown(timeout time.Duration) error {
	return m.pool.Stop(timeout)
}
