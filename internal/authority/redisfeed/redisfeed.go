// Package redisfeed keeps grants in Redis hashes and publishes changes on a
// per-child pub/sub channel.
//
// Layout:
//
//	famlink:grants:<child>          hash, grant ID -> JSON row
//	famlink:grant-changes:<child>   channel, JSON change events
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"famlink/internal/authority"
	"famlink/internal/clock"

	"github.com/redis/go-redis/v9"
)

// GrantsKey returns the hash key holding a child's grants
func GrantsKey(childUserID string) string {
	return "famlink:grants:" + childUserID
}

// ChannelName returns the pub/sub channel for a child's changes
func ChannelName(childUserID string) string {
	return "famlink:grant-changes:" + childUserID
}

// Authority implements authority.Authority over Redis
type Authority struct {
	client  redis.UniversalClient
	clock   clock.Clock
	backoff authority.Backoff
	logger  *slog.Logger
}

// New creates an Authority
func New(client redis.UniversalClient, clk clock.Clock, logger *slog.Logger) *Authority {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Authority{
		client:  client,
		clock:   clk,
		backoff: authority.DefaultBackoff,
		logger:  logger.With("component", "authority-redis"),
	}
}

// FetchActiveGrants implements authority.Authority
func (a *Authority) FetchActiveGrants(ctx context.Context, childUserID string) ([]authority.Row, error) {
	raw, err := a.client.HGetAll(ctx, GrantsKey(childUserID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}

	var out []authority.Row
	for id, data := range raw {
		var row authority.Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			a.logger.Warn("Skipping malformed stored grant", "grant_id", id, "error", err)
			continue
		}
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

// Subscribe implements authority.Authority. go-redis re-subscribes after a
// dropped connection; each subscribe confirmation triggers OnSubscribed.
func (a *Authority) Subscribe(ctx context.Context, childUserID string, h authority.Handler) (authority.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := a.client.Subscribe(subCtx, ChannelName(childUserID))

	sub := &subscription{pubsub: pubsub, cancel: cancel}
	go a.run(subCtx, sub, childUserID, h)
	return sub, nil
}

func (a *Authority) run(ctx context.Context, sub *subscription, childUserID string, h authority.Handler) {
	defer sub.Close()
	logger := a.logger.With("child_id", childUserID)

	failures := 0
	for {
		msg, err := sub.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Change feed closed")
				return
			}
			delay := a.backoff.Delay(failures)
			failures++
			logger.Warn("Change feed receive failed, retrying", "error", err, "delay", delay)
			if err := authority.Sleep(ctx, a.clock, delay); err != nil {
				return
			}
			continue
		}
		failures = 0

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				logger.Info("Change feed subscribed", "channel", m.Channel)
				h.OnSubscribed(ctx)
			}
		case *redis.Message:
			var ev authority.ChangeEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				logger.Warn("Dropping malformed change message", "error", err)
				continue
			}
			h.OnEvent(ctx, ev)
		case *redis.Pong:
		}
	}
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

// Publisher writes grants and announces the change. It is what the server
// side (or a dev tool) uses to feed Authority.
type Publisher struct {
	client redis.UniversalClient
}

// NewPublisher creates a Publisher
func NewPublisher(client redis.UniversalClient) *Publisher {
	return &Publisher{client: client}
}

// Put stores row and publishes an insert or update
func (p *Publisher) Put(ctx context.Context, row authority.Row) error {
	key := GrantsKey(row.ChildUserID)

	ev := authority.ChangeEvent{Type: authority.ChangeInsert, Record: &row}
	prev, err := p.client.HGet(ctx, key, row.GrantID).Result()
	switch {
	case err == nil:
		var old authority.Row
		if json.Unmarshal([]byte(prev), &old) == nil {
			ev.Type = authority.ChangeUpdate
			ev.OldRecord = &old
			if row.Version <= old.Version {
				row.Version = old.Version + 1
			}
		}
	case err != redis.Nil:
		return fmt.Errorf("failed to read grant: %w", err)
	}

	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, row.GrantID, data)
		pipe.Publish(ctx, ChannelName(row.ChildUserID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish grant: %w", err)
	}
	return nil
}

// Delete removes a grant and publishes a delete carrying the old record
func (p *Publisher) Delete(ctx context.Context, childUserID, grantID string) error {
	key := GrantsKey(childUserID)
	prev, err := p.client.HGet(ctx, key, grantID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read grant: %w", err)
	}

	var old authority.Row
	if err := json.Unmarshal([]byte(prev), &old); err != nil {
		return fmt.Errorf("%w: %v", authority.ErrMalformedRow, err)
	}
	payload, err := json.Marshal(authority.ChangeEvent{Type: authority.ChangeDelete, OldRecord: &old})
	if err != nil {
		return err
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, grantID)
		pipe.Publish(ctx, ChannelName(childUserID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish delete: %w", err)
	}
	return nil
}

var _ authority.Authority = (*Authority)(nil)
