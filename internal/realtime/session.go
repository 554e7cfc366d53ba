// Package realtime mirrors one child's grants from the authority into the
// lifecycle engine: snapshot first, then the live change feed, with a fresh
// snapshot after every (re)subscription.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"famlink/internal/authority"
	"famlink/internal/clock"
	"famlink/internal/core"
	"famlink/internal/engine"
)

var (
	ErrSnapshotFailed = errors.New("grant snapshot failed")
	ErrNoChild        = errors.New("child user ID cannot be empty")
	ErrNotRunning     = errors.New("sync is not running")
)

// Engine is the part of the lifecycle engine a session drives
type Engine interface {
	Handle(ctx context.Context, ev engine.Event) (engine.Outcome, error)
	Restore(ctx context.Context, childUserID string) error
	Records(childUserID string) []core.GrantRecord
}

// SyncSession owns the single live subscription of the process
type SyncSession struct {
	authority authority.Authority
	engine    Engine
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	active *session
}

// session is one Start..Stop span for one child
type session struct {
	owner  *SyncSession
	child  string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	sub authority.Subscription

	mu       sync.Mutex
	snapshot map[string]core.Grant
	resyncs  int
}

// NewSyncSession creates an idle SyncSession
func NewSyncSession(auth authority.Authority, eng Engine, clk clock.Clock, logger *slog.Logger) *SyncSession {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncSession{
		authority: auth,
		engine:    eng,
		clock:     clk,
		logger:    logger.With("component", "realtime"),
	}
}

// Start begins syncing childUserID, stopping any previous session first.
// The snapshot is applied before the live feed is attached.
func (s *SyncSession) Start(ctx context.Context, childUserID string) error {
	if childUserID == "" {
		return ErrNoChild
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		owner:    s,
		child:    childUserID,
		ctx:      sessCtx,
		cancel:   cancel,
		logger:   s.logger.With("child_id", childUserID),
		snapshot: make(map[string]core.Grant),
	}

	if err := s.engine.Restore(ctx, childUserID); err != nil {
		sess.logger.Warn("Continuing without persisted grant records", "error", err)
	}

	if err := sess.resync(ctx, engine.SourceSnapshot); err != nil {
		cancel()
		return err
	}

	sub, err := s.authority.Subscribe(sessCtx, childUserID, sess)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to grant changes: %w", err)
	}
	sess.sub = sub
	s.active = sess

	sess.logger.Info("Sync started")
	return nil
}

// Stop detaches the live feed. Enforcement calls already dispatched finish
// on their own. Safe to call repeatedly or before Start.
func (s *SyncSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *SyncSession) stopLocked() {
	sess := s.active
	if sess == nil {
		return
	}
	s.active = nil

	sess.cancel()
	if sess.sub != nil {
		if err := sess.sub.Close(); err != nil {
			sess.logger.Warn("Failed to close change feed", "error", err)
		}
	}
	sess.logger.Info("Sync stopped")
}

// Resync fetches and applies a fresh snapshot for the running session
func (s *SyncSession) Resync(ctx context.Context) error {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return ErrNotRunning
	}
	return sess.resync(ctx, engine.SourceSnapshot)
}

// ChildUserID returns the child being synced, or "" when idle
func (s *SyncSession) ChildUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.child
}

// Running reports whether a session is active
func (s *SyncSession) Running() bool {
	return s.ChildUserID() != ""
}

// Snapshot returns the last reconciled snapshot by grant ID
func (s *SyncSession) Snapshot() map[string]core.Grant {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make(map[string]core.Grant, len(sess.snapshot))
	for id, g := range sess.snapshot {
		out[id] = g.Clone()
	}
	return out
}

// OnSubscribed implements authority.Handler. Every (re)subscription is
// followed by a snapshot because changes during the gap are not replayed.
func (sess *session) OnSubscribed(ctx context.Context) {
	if sess.ctx.Err() != nil {
		return
	}
	if err := sess.resync(ctx, engine.SourceSnapshot); err != nil {
		sess.logger.Error("Resubscribed without a fresh snapshot", "error", err)
	}
}

// OnEvent implements authority.Handler
func (sess *session) OnEvent(ctx context.Context, ev authority.ChangeEvent) {
	if sess.ctx.Err() != nil {
		return
	}

	g, err := authority.NormalizeEvent(ev)
	if err != nil {
		sess.logger.Warn("Dropping unusable change event", "type", ev.Type, "error", err)
		return
	}
	if g.ChildUserID != sess.child {
		return
	}

	sess.mu.Lock()
	if g.Status == core.GrantStatusActive {
		sess.snapshot[g.ID] = g.Clone()
	} else {
		delete(sess.snapshot, g.ID)
	}
	sess.mu.Unlock()

	sess.handle(ctx, g, engine.SourceFeed)
}

// resync fetches the child's active grants, feeds each as an upsert, then
// retires locally active grants the authority no longer lists.
func (sess *session) resync(ctx context.Context, source engine.Source) error {
	rows, err := sess.owner.authority.FetchActiveGrants(ctx, sess.child)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	snapshot := make(map[string]core.Grant, len(rows))
	for _, row := range rows {
		g, err := authority.Normalize(row)
		if err != nil {
			sess.logger.Warn("Skipping malformed snapshot row", "grant_id", row.GrantID, "error", err)
			continue
		}
		if g.ChildUserID != sess.child {
			continue
		}
		snapshot[g.ID] = g
	}

	sess.mu.Lock()
	sess.snapshot = snapshot
	sess.resyncs++
	n := sess.resyncs
	sess.mu.Unlock()

	sess.logger.Info("Applying grant snapshot", "grants", len(snapshot), "resync", n)

	for _, row := range rows {
		if g, ok := snapshot[row.GrantID]; ok {
			sess.handle(ctx, g, source)
		}
	}
	sess.reconcile(ctx, snapshot)
	return nil
}

func (sess *session) reconcile(ctx context.Context, snapshot map[string]core.Grant) {
	now := sess.owner.clock.Now()
	for _, rec := range sess.owner.engine.Records(sess.child) {
		if rec.State != core.StateActive || rec.Local {
			continue
		}
		if _, listed := snapshot[rec.Grant.ID]; listed {
			continue
		}

		g := rec.Grant.Clone()
		g.Version++
		g.UpdatedAt = now
		if g.IsExpiredAt(now) {
			g.Status = core.GrantStatusExpired
		} else {
			g.Status = core.GrantStatusRevoked
			g.RevokedAt = &now
		}
		sess.logger.Info("Grant missing from snapshot, retiring", "grant_id", g.ID, "status", g.Status)
		sess.handle(ctx, g, engine.SourceReconcile)
	}
}

func (sess *session) handle(ctx context.Context, g core.Grant, source engine.Source) {
	if _, err := sess.owner.engine.Handle(ctx, engine.Event{Grant: g, Source: source}); err != nil {
		// The engine has already logged and recorded the failure.
		sess.logger.Debug("Grant event not applied", "grant_id", g.ID, "source", source, "error", err)
	}
}

var _ authority.Handler = (*session)(nil)
