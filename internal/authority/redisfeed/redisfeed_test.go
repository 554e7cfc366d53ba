package redisfeed

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"famlink/internal/authority"
	"famlink/internal/clock"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNames(t *testing.T) {
	assert.Equal(t, "famlink:grants:kid", GrantsKey("kid"))
	assert.Equal(t, "famlink:grant-changes:kid", ChannelName("kid"))
}

type feedHandler struct {
	mu         sync.Mutex
	subscribed int
	events     []authority.ChangeEvent
}

func (h *feedHandler) OnSubscribed(ctx context.Context) {
	h.mu.Lock()
	h.subscribed++
	h.mu.Unlock()
}

func (h *feedHandler) OnEvent(ctx context.Context, ev authority.ChangeEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *feedHandler) get() (int, []authority.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed, append([]authority.ChangeEvent(nil), h.events...)
}

// FAMLINK_TEST_REDIS_ADDR=localhost:6379
func TestAuthority_Integration(t *testing.T) {
	addr := os.Getenv("FAMLINK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FAMLINK_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	child := "it-child-" + time.Now().Format("150405.000000")
	defer client.Del(context.Background(), GrantsKey(child))

	a := New(client, clock.Real{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pub := NewPublisher(client)

	h := &feedHandler{}
	sub, err := a.Subscribe(ctx, child, h)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { n, _ := h.get(); return n == 1 }, 5*time.Second, 10*time.Millisecond)

	row := authority.Row{
		GrantID: "g1", ChildUserID: child, GrantedMinutes: 20,
		Status: "active", GrantedAt: time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, pub.Put(ctx, row))

	rows, err := a.FetchActiveGrants(ctx, child)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row.Status = "revoked"
	require.NoError(t, pub.Put(ctx, row))
	require.NoError(t, pub.Delete(ctx, child, "g1"))

	require.Eventually(t, func() bool { _, evs := h.get(); return len(evs) == 3 }, 5*time.Second, 10*time.Millisecond)
	_, evs := h.get()
	assert.Equal(t, authority.ChangeInsert, evs[0].Type)
	assert.Equal(t, authority.ChangeUpdate, evs[1].Type)
	assert.Equal(t, int64(1), evs[1].Record.Version)
	assert.Equal(t, authority.ChangeDelete, evs[2].Type)

	rows, err = a.FetchActiveGrants(ctx, child)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
