package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"famlink/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSyncer records Start/Stop calls
type mockSyncer struct {
	mu       sync.Mutex
	starts   []string
	stops    int
	startErr error
}

func (m *mockSyncer) Start(ctx context.Context, child string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts = append(m.starts, child)
	return nil
}

func (m *mockSyncer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

// mockWorker blocks until stopped
type mockWorker struct {
	stop chan struct{}
	once sync.Once
}

func (w *mockWorker) Start(ctx context.Context) { <-w.stop }
func (w *mockWorker) Stop()                     { w.once.Do(func() { close(w.stop) }) }

func setup() (*Coordinator, *mockSyncer, *int) {
	syncer := &mockSyncer{}
	workers := 0
	c := NewCoordinator(syncer, func() Worker {
		workers++
		return &mockWorker{stop: make(chan struct{})}
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, syncer, &workers
}

func session(user string, role auth.Role) *auth.Session {
	return &auth.Session{AccessToken: "t", UserID: user, Role: role}
}

func TestCoordinator_ChildForegroundOnly(t *testing.T) {
	c, syncer, workers := setup()
	ctx := context.Background()
	defer c.Shutdown()

	require.NoError(t, c.SetAccount(ctx, session("kid", auth.RoleChild)))
	assert.Empty(t, syncer.starts, "background does not sync")

	require.NoError(t, c.SetAppState(ctx, Foreground))
	assert.Equal(t, []string{"kid"}, syncer.starts)
	assert.Equal(t, 1, *workers)
	assert.Equal(t, "kid", c.Status().SyncingChild)

	require.NoError(t, c.SetAppState(ctx, Foreground))
	assert.Len(t, syncer.starts, 1, "repeated foreground is a no-op")

	require.NoError(t, c.SetAppState(ctx, Background))
	assert.Equal(t, 1, syncer.stops)
	assert.Empty(t, c.Status().SyncingChild)
}

func TestCoordinator_ParentNeverSyncs(t *testing.T) {
	c, syncer, _ := setup()
	ctx := context.Background()
	defer c.Shutdown()

	require.NoError(t, c.SetAppState(ctx, Foreground))
	require.NoError(t, c.SetAccount(ctx, session("mom", auth.RoleParent)))
	assert.Empty(t, syncer.starts)
	assert.Equal(t, auth.RoleParent, c.Status().Role)
}

func TestCoordinator_AccountSwitchRestarts(t *testing.T) {
	c, syncer, workers := setup()
	ctx := context.Background()
	defer c.Shutdown()

	require.NoError(t, c.SetAppState(ctx, Foreground))
	require.NoError(t, c.SetAccount(ctx, session("kid-a", auth.RoleChild)))
	require.NoError(t, c.SetAccount(ctx, session("kid-b", auth.RoleChild)))

	assert.Equal(t, []string{"kid-a", "kid-b"}, syncer.starts)
	assert.Equal(t, 1, syncer.stops)
	assert.Equal(t, 2, *workers)

	require.NoError(t, c.ClearAccount(ctx))
	assert.Equal(t, 2, syncer.stops)
	assert.Equal(t, Status{AppState: Foreground}, c.Status())
}

func TestCoordinator_StartFailureIsReported(t *testing.T) {
	c, syncer, _ := setup()
	ctx := context.Background()
	syncer.startErr = errors.New("offline")

	require.NoError(t, c.SetAppState(ctx, Foreground))
	err := c.SetAccount(ctx, session("kid", auth.RoleChild))
	assert.Error(t, err)
	assert.Equal(t, "offline", c.Status().LastError)
	assert.Empty(t, c.Status().SyncingChild)

	// The next transition retries.
	syncer.startErr = nil
	require.NoError(t, c.SetAppState(ctx, Foreground))
	assert.Equal(t, "kid", c.Status().SyncingChild)
	c.Shutdown()
}

func TestParseAppState(t *testing.T) {
	s, err := ParseAppState("active")
	require.NoError(t, err)
	assert.Equal(t, Foreground, s)

	_, err = ParseAppState("suspended")
	assert.ErrorIs(t, err, ErrUnknownAppState)
	assert.ErrorIs(t, (&Coordinator{}).SetAppState(context.Background(), "x"), ErrUnknownAppState)
}
