// Package lifecycle starts and stops grant sync as the app moves between
// foreground and background and as accounts sign in and out.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"famlink/internal/auth"
)

var ErrUnknownAppState = errors.New("unknown app state")

// AppState is the host app's visibility
type AppState string

const (
	Foreground AppState = "foreground"
	Background AppState = "background"
)

// ParseAppState accepts "foreground"/"active" and "background"/"inactive"
func ParseAppState(s string) (AppState, error) {
	switch s {
	case "foreground", "active":
		return Foreground, nil
	case "background", "inactive":
		return Background, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAppState, s)
}

// Syncer is the realtime sync session
type Syncer interface {
	Start(ctx context.Context, childUserID string) error
	Stop()
}

// Worker is a background loop with a blocking Start and an idempotent Stop
type Worker interface {
	Start(ctx context.Context)
	Stop()
}

// Status is a point-in-time view of the coordinator
type Status struct {
	AppState     AppState  `json:"appState"`
	UserID       string    `json:"userId,omitempty"`
	Role         auth.Role `json:"role,omitempty"`
	SyncingChild string    `json:"syncingChild,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Coordinator runs sync iff the app is in the foreground and the signed-in
// account is a child
type Coordinator struct {
	syncer    Syncer
	newWorker func() Worker // optional, one worker per sync run
	logger    *slog.Logger

	mu        sync.Mutex
	state     AppState
	session   *auth.Session
	running   string // child being synced
	worker    Worker
	workerWG  sync.WaitGroup
	lastError error
}

// NewCoordinator creates a Coordinator in the background state
func NewCoordinator(syncer Syncer, newWorker func() Worker, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		syncer:    syncer,
		newWorker: newWorker,
		logger:    logger.With("component", "lifecycle"),
		state:     Background,
	}
}

// SetAppState records a foreground/background transition
func (c *Coordinator) SetAppState(ctx context.Context, state AppState) error {
	if state != Foreground && state != Background {
		return fmt.Errorf("%w: %q", ErrUnknownAppState, state)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != state {
		c.logger.Info("App state changed", "from", c.state, "to", state)
	}
	c.state = state
	return c.reconcileLocked(ctx)
}

// SetAccount records the signed-in account
func (c *Coordinator) SetAccount(ctx context.Context, s *auth.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s.Clone()
	if s != nil {
		c.logger.Info("Account set", "user_id", s.UserID, "role", s.Role)
	}
	return c.reconcileLocked(ctx)
}

// ClearAccount records a sign-out
func (c *Coordinator) ClearAccount(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.logger.Info("Account cleared")
	return c.reconcileLocked(ctx)
}

// Status returns the current state
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{AppState: c.state, SyncingChild: c.running}
	if c.session != nil {
		st.UserID = c.session.UserID
		st.Role = c.session.Role
	}
	if c.lastError != nil {
		st.LastError = c.lastError.Error()
	}
	return st
}

// Shutdown stops sync regardless of state and waits for the worker
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
	c.workerWG.Wait()
}

func (c *Coordinator) reconcileLocked(ctx context.Context) error {
	want := ""
	if c.state == Foreground && c.session.IsChild() {
		want = c.session.UserID
	}

	if want == c.running {
		return nil
	}
	c.stopLocked()
	if want == "" {
		return nil
	}

	if err := c.syncer.Start(ctx, want); err != nil {
		c.lastError = err
		c.logger.Error("Failed to start sync", "child_id", want, "error", err)
		return err
	}
	c.running = want
	c.lastError = nil

	if c.newWorker != nil {
		w := c.newWorker()
		c.worker = w
		c.workerWG.Add(1)
		go func() {
			defer c.workerWG.Done()
			w.Start(context.WithoutCancel(ctx))
		}()
	}
	c.logger.Info("Sync running", "child_id", want)
	return nil
}

func (c *Coordinator) stopLocked() {
	if c.running == "" {
		return
	}
	c.syncer.Stop()
	if c.worker != nil {
		c.worker.Stop()
		c.worker = nil
	}
	c.logger.Info("Sync paused", "child_id", c.running)
	c.running = ""
}
