package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"famlink/internal/clock"
	"famlink/internal/codec"
	"famlink/internal/core"
	"famlink/internal/enforcement"
)

var (
	ErrInvalidGrant  = errors.New("invalid grant")
	ErrApplyFailed   = errors.New("enforcement apply failed")
	ErrRevokeFailed  = errors.New("enforcement revoke failed")
	ErrNoActiveGrant = errors.New("no active grant for child")
)

// Source says where an event came from
type Source string

const (
	SourceSnapshot  Source = "snapshot"
	SourceFeed      Source = "feed"
	SourceReconcile Source = "reconcile"
	SourceClock     Source = "clock"
	SourceManual    Source = "manual"
)

// Event is one grant version delivered to the engine
type Event struct {
	Grant  core.Grant
	Source Source
}

// Outcome describes what Handle did with an event
type Outcome struct {
	Record       core.GrantRecord
	Previous     core.LifecycleState // empty when the grant was new
	Decision     Decision
	Source       Source
	Enforced     bool // an enforcement call was made
	FastPath     bool // the call went through SyncGrantFromServer
	Unauthorized bool
	Err          error
}

// Changed reports whether the outcome moved the grant or touched enforcement
func (o Outcome) Changed() bool {
	return o.Enforced || o.Previous != o.Record.State
}

// Store persists grant records. A nil Store keeps records in memory only.
type Store interface {
	SaveGrantRecord(ctx context.Context, record *core.GrantRecord) error
	ListGrantRecords(ctx context.Context, childUserID string) ([]*core.GrantRecord, error)
}

// Engine is the grant lifecycle state machine
type Engine struct {
	bridge enforcement.Bridge
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	locks  *keyedMutex

	mu        sync.RWMutex
	records   map[string]*core.GrantRecord // by grant ID
	enforced  map[string]string            // child user ID -> grant ID in effect
	restored  map[string]bool
	observers []Observer
}

// New creates an Engine
func New(bridge enforcement.Bridge, store Store, clk clock.Clock, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		bridge:   bridge,
		store:    store,
		clock:    clk,
		logger:   logger.With("component", "engine"),
		locks:    newKeyedMutex(),
		records:  make(map[string]*core.GrantRecord),
		enforced: make(map[string]string),
		restored: make(map[string]bool),
	}
}

// Subscribe registers an observer for state changes
func (e *Engine) Subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Handle processes one event. Events for the same child are serialized;
// different children proceed independently. Enforcement calls run to
// completion even if ctx is cancelled.
func (e *Engine) Handle(ctx context.Context, ev Event) (Outcome, error) {
	if err := ev.Grant.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	unlock := e.locks.Lock(ev.Grant.ChildUserID)
	out := e.handleLocked(context.WithoutCancel(ctx), ev)
	unlock()

	if out.Changed() || out.Err != nil {
		e.notify(ctx, out)
	}
	return out, out.Err
}

func (e *Engine) handleLocked(ctx context.Context, ev Event) Outcome {
	incoming := ev.Grant.Clone()
	current := e.record(incoming.ID)
	now := e.clock.Now()

	d := Decide(current, incoming, now)
	out := Outcome{Decision: d, Source: ev.Source}

	var rec *core.GrantRecord
	if current != nil {
		out.Previous = current.State
		rec = current
	} else {
		rec = &core.GrantRecord{Grant: incoming, State: core.StatePending, Local: ev.Source == SourceManual}
	}

	logger := e.logger.With(
		"grant_id", incoming.ID,
		"child_id", incoming.ChildUserID,
		"source", ev.Source,
		"action", d.Action,
		"reason", d.Reason)

	switch d.Action {
	case ActionIgnoreStale:
		logger.Info("Discarding stale grant event", "state", rec.State, "incoming_status", incoming.Status)
		out.Record = *rec
		return out

	case ActionNone:
		if current != nil && !current.State.IsTerminal() && incoming.Version > current.Grant.Version {
			// Same enforcement, newer row: keep the latest server copy.
			rec.Grant = incoming
			rec.UpdatedAt = now
			e.persist(ctx, rec)
		}
		logger.Debug("No enforcement change needed", "state", rec.State)
		out.Record = *rec
		return out

	case ActionApply, ActionUpdate:
		rec.Grant = incoming
		fp, fpErr := codec.Fingerprint(&incoming)
		if fpErr != nil {
			logger.Warn("Failed to fingerprint grant", "error", fpErr)
		}
		rec.UpdatedAt = now

		if w := e.winner(incoming.ChildUserID, incoming.ID); w != nil && core.CausallyAfter(&w.Grant, &incoming) {
			// Active in the books, enforced once the later grant ends.
			rec.State = core.StateActive
			rec.Fingerprint = fp
			rec.LastError = ""
			rec.Attempts = 0
			logger.Info("Grant active behind a later grant", "enforced_grant_id", w.Grant.ID)
			break
		}

		fast, err := e.apply(ctx, logger, incoming)
		out.Enforced = true
		out.FastPath = fast

		if err != nil {
			out.Err = fmt.Errorf("%w: grant %s: %v", ErrApplyFailed, incoming.ID, err)
			out.Unauthorized = errors.Is(err, enforcement.ErrUnauthorized)
			rec.LastError = err.Error()
			rec.Attempts++
			if d.Action == ActionApply {
				rec.State = core.StateFailed
			}
			logger.Error("Failed to apply grant", "attempts", rec.Attempts, "state", rec.State, "error", err)
		} else {
			rec.State = core.StateActive
			rec.Fingerprint = fp
			rec.LastError = ""
			rec.Attempts = 0
			e.setEnforced(incoming.ChildUserID, incoming.ID)
			logger.Info("Grant applied", "fast_path", fast, "remaining_minutes", incoming.RemainingMinutes())
		}

	case ActionRevoke, ActionExpire:
		// A failed apply may have left part of this grant on the OS
		partial := current != nil && (current.State == core.StateFailed || current.LastError != "")

		rec.Grant = incoming
		if d.Action == ActionExpire {
			rec.Grant.Status = core.GrantStatusExpired
		}
		rec.State = d.Target
		rec.UpdatedAt = now

		if other, ok := e.enforcedGrant(incoming.ChildUserID); ok && other != incoming.ID {
			if !partial {
				logger.Info("Grant superseded, leaving enforcement to current grant", "enforced_grant_id", other)
				rec.LastError = ""
				rec.Attempts = 0
				break
			}

			fast, err := e.reassert(ctx, logger, other)
			out.Enforced = true
			out.FastPath = fast
			if err != nil {
				out.Err = fmt.Errorf("%w: grant %s: %v", ErrApplyFailed, other, err)
				out.Unauthorized = errors.Is(err, enforcement.ErrUnauthorized)
				rec.LastError = err.Error()
				rec.Attempts++
				logger.Error("Failed to reassert enforced grant", "enforced_grant_id", other, "error", err)
			} else {
				rec.LastError = ""
				rec.Attempts = 0
				logger.Info("Reasserted enforced grant over a partial apply", "enforced_grant_id", other, "fast_path", fast)
			}
			break
		}

		if next, fast, ok := e.handOver(ctx, logger, incoming.ChildUserID, incoming.ID); ok {
			out.Enforced = true
			out.FastPath = fast
			rec.LastError = ""
			rec.Attempts = 0
			logger.Info("Enforcement handed to next active grant", "state", rec.State, "enforced_grant_id", next)
			break
		}

		fast, err := e.lift(ctx, logger, rec.Grant)
		out.Enforced = true
		out.FastPath = fast
		if err != nil {
			out.Err = fmt.Errorf("%w: grant %s: %v", ErrRevokeFailed, incoming.ID, err)
			out.Unauthorized = errors.Is(err, enforcement.ErrUnauthorized)
			rec.LastError = err.Error()
			rec.Attempts++
			logger.Error("Failed to lift enforcement", "state", rec.State, "error", err)
		} else {
			rec.LastError = ""
			rec.Attempts = 0
			e.clearEnforced(incoming.ChildUserID, incoming.ID)
			logger.Info("Enforcement lifted", "state", rec.State, "fast_path", fast)
		}
	}

	e.putRecord(rec)
	e.persist(ctx, rec)
	out.Record = *rec.Clone()
	return out
}

// apply sets enforcement to match an active grant, fast path first
func (e *Engine) apply(ctx context.Context, logger *slog.Logger, g core.Grant) (bool, error) {
	if syncer, ok := e.bridge.(enforcement.ServerSyncer); ok {
		if syncer.SyncGrantFromServer(ctx, g) {
			return true, nil
		}
		logger.Warn("Fast-path sync unavailable or failed, falling back to grant")
	} else {
		logger.Warn("Bridge has no fast path, using grant")
	}

	res := e.bridge.Grant(ctx, enforcement.GrantRequest{
		ChildUserID:       g.ChildUserID,
		Minutes:           g.RemainingMinutes(),
		AllowedApps:       g.AllowedAppBundleIDs,
		AllowedCategories: g.AllowedCategories,
	})
	if !res.Success {
		return false, resultErr(res.Err)
	}
	return false, nil
}

// reassert applies the enforced grant again so it replaces whatever a
// failed apply left behind
func (e *Engine) reassert(ctx context.Context, logger *slog.Logger, grantID string) (bool, error) {
	rec := e.record(grantID)
	if rec == nil {
		return false, fmt.Errorf("enforced grant %s has no record", grantID)
	}
	return e.apply(ctx, logger.With("enforced_grant_id", grantID), rec.Grant)
}

// handOver applies the child's next Active grant, latest first, after the
// grant excluded ends. Candidates that fail to apply become Failed. It
// reports false when no candidate took enforcement.
func (e *Engine) handOver(ctx context.Context, logger *slog.Logger, childUserID, exclude string) (string, bool, bool) {
	for _, next := range e.activeRecords(childUserID, exclude) {
		nextLogger := logger.With("next_grant_id", next.Grant.ID)
		fast, err := e.apply(ctx, nextLogger, next.Grant)
		if err == nil {
			e.setEnforced(childUserID, next.Grant.ID)
			return next.Grant.ID, fast, true
		}

		next.State = core.StateFailed
		next.LastError = err.Error()
		next.Attempts++
		next.UpdatedAt = e.now()
		e.putRecord(next)
		e.persist(ctx, next)
		nextLogger.Error("Failed to hand enforcement to next grant", "error", err)
	}
	return "", false, false
}

// lift removes enforcement for a revoked or expired grant, fast path first
func (e *Engine) lift(ctx context.Context, logger *slog.Logger, g core.Grant) (bool, error) {
	if syncer, ok := e.bridge.(enforcement.ServerSyncer); ok {
		if syncer.SyncGrantFromServer(ctx, g) {
			return true, nil
		}
		logger.Warn("Fast-path sync unavailable or failed, falling back to revoke")
	} else {
		logger.Warn("Bridge has no fast path, using revoke")
	}

	res := e.bridge.Revoke(ctx, g.ChildUserID)
	if !res.Success {
		return false, resultErr(res.Err)
	}
	return false, nil
}

func resultErr(err error) error {
	if err == nil {
		return enforcement.ErrNativeFailure
	}
	return err
}

// ExpireDue moves every Active grant past its expiry to Expired and returns
// how many it handled.
func (e *Engine) ExpireDue(ctx context.Context) int {
	now := e.clock.Now()

	e.mu.RLock()
	var due []core.Grant
	for _, rec := range e.records {
		if rec.State == core.StateActive && rec.Grant.IsExpiredAt(now) {
			due = append(due, rec.Grant.Clone())
		}
	}
	e.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	for _, g := range due {
		g.Status = core.GrantStatusExpired
		if _, err := e.Handle(ctx, Event{Grant: g, Source: SourceClock}); err != nil {
			e.logger.Error("Failed to expire grant", "grant_id", g.ID, "error", err)
		}
	}
	return len(due)
}

// Restore loads persisted records for a child. Records already held in
// memory win over stored copies. Safe to call repeatedly.
func (e *Engine) Restore(ctx context.Context, childUserID string) error {
	if e.store == nil {
		return nil
	}

	unlock := e.locks.Lock(childUserID)
	defer unlock()

	e.mu.RLock()
	done := e.restored[childUserID]
	e.mu.RUnlock()
	if done {
		return nil
	}

	records, err := e.store.ListGrantRecords(ctx, childUserID)
	if err != nil {
		return fmt.Errorf("failed to restore grant records: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var latest *core.GrantRecord
	for _, rec := range records {
		if _, exists := e.records[rec.Grant.ID]; !exists {
			e.records[rec.Grant.ID] = rec
		}
		if rec.State == core.StateActive && (latest == nil || core.CausallyAfter(&rec.Grant, &latest.Grant)) {
			latest = rec
		}
	}
	if _, ok := e.enforced[childUserID]; !ok && latest != nil {
		e.enforced[childUserID] = latest.Grant.ID
	}
	e.restored[childUserID] = true

	e.logger.Info("Restored grant records", "child_id", childUserID, "count", len(records))
	return nil
}

// Records returns copies of the child's records ordered by grant time
func (e *Engine) Records(childUserID string) []core.GrantRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []core.GrantRecord
	for _, rec := range e.records {
		if rec.Grant.ChildUserID == childUserID {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Grant.GrantedAt.Equal(out[j].Grant.GrantedAt) {
			return out[i].Grant.GrantedAt.Before(out[j].Grant.GrantedAt)
		}
		return out[i].Grant.ID < out[j].Grant.ID
	})
	return out
}

// Record returns a copy of one record
func (e *Engine) Record(grantID string) (core.GrantRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[grantID]
	if !ok {
		return core.GrantRecord{}, false
	}
	return *rec.Clone(), true
}

// EnforcedGrant returns the ID of the grant currently in effect for a child
func (e *Engine) EnforcedGrant(childUserID string) (string, bool) {
	return e.enforcedGrant(childUserID)
}

func (e *Engine) record(grantID string) *core.GrantRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records[grantID].Clone()
}

func (e *Engine) putRecord(rec *core.GrantRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[rec.Grant.ID] = rec.Clone()
}

// winner returns the child's causally last Active record other than exclude
func (e *Engine) winner(childUserID, exclude string) *core.GrantRecord {
	if recs := e.activeRecords(childUserID, exclude); len(recs) > 0 {
		return recs[0]
	}
	return nil
}

// activeRecords returns copies of the child's unexpired Active records other
// than exclude, causally last first
func (e *Engine) activeRecords(childUserID, exclude string) []*core.GrantRecord {
	now := e.now()
	e.mu.RLock()
	var out []*core.GrantRecord
	for _, rec := range e.records {
		if rec.Grant.ChildUserID != childUserID || rec.Grant.ID == exclude {
			continue
		}
		if rec.State == core.StateActive && !rec.Grant.IsExpiredAt(now) {
			out = append(out, rec.Clone())
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return core.CausallyAfter(&out[i].Grant, &out[j].Grant) })
	return out
}

func (e *Engine) enforcedGrant(childUserID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.enforced[childUserID]
	return id, ok
}

func (e *Engine) setEnforced(childUserID, grantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enforced[childUserID] = grantID
}

func (e *Engine) clearEnforced(childUserID, grantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enforced[childUserID] == grantID {
		delete(e.enforced, childUserID)
	}
}

func (e *Engine) persist(ctx context.Context, rec *core.GrantRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveGrantRecord(ctx, rec); err != nil {
		e.logger.Error("Failed to persist grant record", "grant_id", rec.Grant.ID, "error", err)
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}
