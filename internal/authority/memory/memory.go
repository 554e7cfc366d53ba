// Package memory is an in-process grant authority for tests, demos and the
// desktop agent. It can simulate feed disconnects.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"famlink/internal/authority"
)

const queueSize = 1024

// Authority is an in-memory grant store with a change feed
type Authority struct {
	mu       sync.Mutex
	rows     map[string]map[string]authority.Row // child -> grant ID -> row
	subs     map[*subscription]struct{}
	fetchErr error
	fetches  int
	now      func() time.Time
}

// New creates an empty Authority
func New() *Authority {
	return &Authority{
		rows: make(map[string]map[string]authority.Row),
		subs: make(map[*subscription]struct{}),
		now:  time.Now,
	}
}

type subscription struct {
	owner     *Authority
	child     string
	handler   authority.Handler
	queue     chan func(context.Context)
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	closeOnce sync.Once
}

// FetchActiveGrants implements authority.Authority
func (a *Authority) FetchActiveGrants(ctx context.Context, childUserID string) ([]authority.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.fetches++
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}

	var out []authority.Row
	for _, row := range a.rows[childUserID] {
		if strings.EqualFold(row.Status, "active") {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt != out[j].GrantedAt {
			return out[i].GrantedAt < out[j].GrantedAt
		}
		return out[i].GrantID < out[j].GrantID
	})
	return out, nil
}

// Subscribe implements authority.Authority
func (a *Authority) Subscribe(ctx context.Context, childUserID string, h authority.Handler) (authority.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		owner:     a,
		child:     childUserID,
		handler:   h,
		queue:     make(chan func(context.Context), queueSize),
		ctx:       subCtx,
		cancel:    cancel,
		connected: true,
	}

	a.mu.Lock()
	a.subs[sub] = struct{}{}
	sub.queue <- func(ctx context.Context) { h.OnSubscribed(ctx) }
	a.mu.Unlock()

	go sub.run()
	return sub, nil
}

func (s *subscription) run() {
	defer s.Close()
	for {
		select {
		case fn := <-s.queue:
			if s.ctx.Err() != nil {
				return
			}
			fn(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// Close implements authority.Subscription
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return nil
}

// Seed stores rows without publishing, as if they existed before any
// subscription.
func (a *Authority) Seed(rows ...authority.Row) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range rows {
		a.store(row)
	}
}

// Upsert stores a row and publishes an insert or update. Version is bumped
// when the caller does not supply a newer one.
func (a *Authority) Upsert(row authority.Row) authority.Row {
	a.mu.Lock()
	defer a.mu.Unlock()

	old, exists := a.rows[row.ChildUserID][row.GrantID]
	if exists && row.Version <= old.Version {
		row.Version = old.Version + 1
	} else if !exists && row.Version == 0 {
		row.Version = 1
	}
	row.UpdatedAt = a.now().UTC().Format(time.RFC3339Nano)
	a.store(row)

	ev := authority.ChangeEvent{Type: authority.ChangeInsert, Record: &row}
	if exists {
		oldCopy := old
		ev.Type = authority.ChangeUpdate
		ev.OldRecord = &oldCopy
	}
	a.publish(ev)
	return row
}

// Delete removes a row and publishes a delete carrying the old record
func (a *Authority) Delete(childUserID, grantID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	old, exists := a.rows[childUserID][grantID]
	if !exists {
		return false
	}
	delete(a.rows[childUserID], grantID)
	a.publish(authority.ChangeEvent{Type: authority.ChangeDelete, OldRecord: &old})
	return true
}

// Disconnect drops the child's live feeds. Changes made while disconnected
// are not delivered.
func (a *Authority) Disconnect(childUserID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sub := range a.subs {
		if sub.child == childUserID {
			sub.connected = false
		}
	}
}

// Reconnect restores the child's feeds and notifies each handler
func (a *Authority) Reconnect(childUserID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sub := range a.subs {
		if sub.child == childUserID && !sub.connected {
			sub.connected = true
			h := sub.handler
			a.enqueue(sub, func(ctx context.Context) { h.OnSubscribed(ctx) })
		}
	}
}

// SetFetchError makes FetchActiveGrants fail with err until cleared with nil
func (a *Authority) SetFetchError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchErr = err
}

// Fetches returns how many snapshot fetches were served
func (a *Authority) Fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// Subscribers returns the number of open subscriptions for a child
func (a *Authority) Subscribers(childUserID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for sub := range a.subs {
		if sub.child == childUserID {
			n++
		}
	}
	return n
}

func (a *Authority) store(row authority.Row) {
	byGrant, ok := a.rows[row.ChildUserID]
	if !ok {
		byGrant = make(map[string]authority.Row)
		a.rows[row.ChildUserID] = byGrant
	}
	byGrant[row.GrantID] = row
}

// publish must be called with a.mu held
func (a *Authority) publish(ev authority.ChangeEvent) {
	child := ev.ChildUserID()
	for sub := range a.subs {
		if sub.child != child || !sub.connected {
			continue
		}
		h := sub.handler
		evCopy := ev
		a.enqueue(sub, func(ctx context.Context) { h.OnEvent(ctx, evCopy) })
	}
}

func (a *Authority) enqueue(sub *subscription, fn func(context.Context)) {
	select {
	case sub.queue <- fn:
	case <-sub.ctx.Done():
	}
}

var _ authority.Authority = (*Authority)(nil)
