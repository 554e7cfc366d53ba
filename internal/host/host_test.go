package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"famlink/internal/auth"
	"famlink/internal/bridge"
	"famlink/internal/core"
	"famlink/internal/engine"
	"famlink/internal/enforcement"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAccounts records account changes
type mockAccounts struct {
	mu      sync.Mutex
	set     []string
	cleared int
}

func (m *mockAccounts) SetAccount(ctx context.Context, s *auth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = append(m.set, s.UserID)
	return nil
}

func (m *mockAccounts) ClearAccount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return nil
}

// mockResyncer counts resyncs and can fail
type mockResyncer struct {
	calls int
	err   error
}

func (m *mockResyncer) Resync(ctx context.Context) error {
	m.calls++
	return m.err
}

type fixture struct {
	host     *Host
	hostEnd  *bridge.Endpoint
	web      *bridge.Endpoint
	sim      *enforcement.Simulator
	engine   *engine.Engine
	auth     *auth.Manager
	accounts *mockAccounts
	resync   *mockResyncer
	pushes   chan bridge.Message
}

func newFixture(t *testing.T, session *auth.Session) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sim := enforcement.NewSimulator()
	eb, err := enforcement.New(enforcement.PlatformIOS, sim, logger)
	require.NoError(t, err)
	eng := engine.New(eb, nil, nil, logger)

	store := auth.NewMemoryStore()
	if session != nil {
		require.NoError(t, store.Save(session))
	}
	mgr := auth.NewManager(store, nil, logger)
	_, _ = mgr.Restore()

	hostEnd := bridge.NewEndpoint(bridge.Config{Name: "host", Timeout: 2 * time.Second}, nil, logger)
	web := bridge.NewEndpoint(bridge.Config{Name: "web", Timeout: 2 * time.Second}, nil, logger)
	pipe := bridge.NewPipe(web, hostEnd)

	f := &fixture{
		hostEnd:  hostEnd,
		web:      web,
		sim:      sim,
		engine:   eng,
		auth:     mgr,
		accounts: &mockAccounts{},
		resync:   &mockResyncer{},
		pushes:   make(chan bridge.Message, 16),
	}
	web.SetPushHandler(func(ctx context.Context, msg bridge.Message) { f.pushes <- msg })

	h, err := New(Deps{
		Endpoint: hostEnd,
		Enforcer: eng,
		Resyncer: f.resync,
		Device:   NewDesktopDevice("test-device", true),
		Auth:     mgr,
		Accounts: f.accounts,
		Platform: "ios",
		Version:  "1.2.3",
		Logger:   logger,
	})
	require.NoError(t, err)
	require.NoError(t, h.Register())
	eng.Subscribe(h)
	f.host = h

	t.Cleanup(func() {
		pipe.Close()
		hostEnd.Close()
		web.Close()
	})
	return f
}

func (f *fixture) screenTime(t *testing.T, req ScreenTimeRequest) ScreenTimeResult {
	t.Helper()
	raw, err := f.web.Send(context.Background(), bridge.TypeScreenTimeRequest, req)
	require.NoError(t, err)
	var res ScreenTimeResult
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func (f *fixture) nextPush(t *testing.T, typ string) bridge.Message {
	t.Helper()
	for {
		select {
		case msg := <-f.pushes:
			if msg.Type == typ {
				return msg
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s push", typ)
		}
	}
}

func childSession() *auth.Session {
	return &auth.Session{AccessToken: "tok", UserID: "kid", FamilyID: "fam", Role: auth.RoleChild}
}

func TestHost_ReadyHandshakePushesSession(t *testing.T) {
	f := newFixture(t, childSession())

	raw, err := f.web.AnnounceReady(context.Background(), map[string]string{"app": "web"})
	require.NoError(t, err)

	var info ReadyInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, ReadyInfo{Platform: "ios", Version: "1.2.3"}, info)
	assert.True(t, f.web.IsReady())
	require.Eventually(t, f.hostEnd.IsReady, time.Second, time.Millisecond)

	msg := f.nextPush(t, bridge.TypeAuthSessionUpdate)
	var s auth.Session
	require.NoError(t, msg.DecodePayload(&s))
	assert.Equal(t, "kid", s.UserID)
}

func TestHost_ScreenTimeGrantAndRevoke(t *testing.T) {
	f := newFixture(t, childSession())

	res := f.screenTime(t, ScreenTimeRequest{Action: ActionGrant, Minutes: 30, AllowedApps: []string{"com.example.reader"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, core.StateActive, res.State)
	assert.Equal(t, 30, res.RemainingMinutes)
	assert.NotEmpty(t, res.GrantID)

	child, ok := f.sim.Child("kid")
	require.True(t, ok)
	assert.True(t, child.Active)

	res = f.screenTime(t, ScreenTimeRequest{Action: ActionRevoke, ChildUserID: "kid"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, core.StateRevoked, res.State)

	child, _ = f.sim.Child("kid")
	assert.False(t, child.Active)
}

func TestHost_ScreenTimeFailureIsAResult(t *testing.T) {
	f := newFixture(t, nil)
	f.sim.Reject(enforcement.MethodSyncGrant, "denied")
	f.sim.Reject(enforcement.MethodGrant, "denied")

	res := f.screenTime(t, ScreenTimeRequest{Action: ActionGrant, ChildUserID: "kid", Minutes: 10})
	assert.False(t, res.Success)
	assert.Equal(t, core.StateFailed, res.State)
	assert.Contains(t, res.Error, "denied")
}

func TestHost_ScreenTimeQueryAndAuthorize(t *testing.T) {
	f := newFixture(t, nil)

	res := f.screenTime(t, ScreenTimeRequest{Action: ActionQuery, ChildUserID: "kid"})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Status)
	assert.Equal(t, "kid", res.Status.ChildUserID)
	require.NotNil(t, res.Authorized)
	assert.True(t, *res.Authorized)

	f.sim.SetAuthorized(false)
	res = f.screenTime(t, ScreenTimeRequest{Action: ActionAuthorize})
	assert.False(t, res.Success)
	require.NotNil(t, res.Authorized)
	assert.False(t, *res.Authorized)
}

func TestHost_ScreenTimeSync(t *testing.T) {
	f := newFixture(t, childSession())

	res := f.screenTime(t, ScreenTimeRequest{Action: ActionSync})
	assert.True(t, res.Success)
	assert.Equal(t, 1, f.resync.calls)

	f.resync.err = errors.New("sync is not running")
	res = f.screenTime(t, ScreenTimeRequest{Action: ActionSync})
	assert.False(t, res.Success)
	assert.Equal(t, "sync is not running", res.Error)
}

func TestHost_ScreenTimeInvalidRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.web.Send(ctx, bridge.TypeScreenTimeRequest, ScreenTimeRequest{Action: ActionGrant, Minutes: 5})
	assert.ErrorIs(t, err, bridge.ErrMalformedMessage, "no child and no child session")

	_, err = f.web.Send(ctx, bridge.TypeScreenTimeRequest, ScreenTimeRequest{Action: ActionGrant, ChildUserID: "kid"})
	assert.ErrorIs(t, err, bridge.ErrMalformedMessage)

	_, err = f.web.Send(ctx, bridge.TypeScreenTimeRequest, ScreenTimeRequest{Action: "pause", ChildUserID: "kid"})
	assert.ErrorIs(t, err, bridge.ErrMalformedMessage)
}

func TestHost_ScreenTimeUpdatePushedAfterReady(t *testing.T) {
	f := newFixture(t, childSession())

	// Before the handshake nothing is pushed.
	f.screenTime(t, ScreenTimeRequest{Action: ActionGrant, Minutes: 15})
	select {
	case msg := <-f.pushes:
		t.Fatalf("unexpected push before ready: %s", msg.Type)
	case <-time.After(20 * time.Millisecond):
	}

	_, err := f.web.AnnounceReady(context.Background(), nil)
	require.NoError(t, err)
	require.Eventually(t, f.hostEnd.IsReady, time.Second, time.Millisecond)

	f.screenTime(t, ScreenTimeRequest{Action: ActionRevoke})
	msg := f.nextPush(t, bridge.TypeScreenTimeUpdate)

	var update ScreenTimeUpdate
	require.NoError(t, msg.DecodePayload(&update))
	assert.Equal(t, "kid", update.ChildUserID)
	assert.Equal(t, core.StateRevoked, update.State)
	assert.Equal(t, core.StateActive, update.Previous)
	assert.Equal(t, engine.SourceManual, update.Source)
}

func TestHost_SessionUpdateAndLogout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.web.Send(ctx, bridge.TypeAuthSessionUpdate, childSession())
	require.NoError(t, err)

	s, ok := f.auth.Current()
	require.True(t, ok)
	assert.Equal(t, "kid", s.UserID)
	assert.Equal(t, []string{"kid"}, f.accounts.set)

	_, err = f.web.Send(ctx, bridge.TypeAuthSessionUpdate, auth.Session{UserID: "kid"})
	assert.ErrorIs(t, err, bridge.ErrMalformedMessage, "missing token")

	_, err = f.web.Send(ctx, bridge.TypeAuthLogout, map[string]any{})
	require.NoError(t, err)
	_, ok = f.auth.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, f.accounts.cleared)
}

func TestHost_DeviceHandlers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	raw, err := f.web.Send(ctx, bridge.TypeDeviceInfoRequest, nil)
	require.NoError(t, err)
	var info DeviceInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, "test-device", info.Name)
	assert.Equal(t, "ios", info.Platform)
	assert.True(t, info.Biometric)

	require.NoError(t, f.web.SendFireAndForget(ctx, bridge.TypeHapticFeedback, HapticRequest{Style: "light"}))

	raw, err = f.web.Send(ctx, bridge.TypeShareRequest, ShareRequest{Text: "30 minutes earned"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false}`, string(raw), "a desktop has no share sheet")

	_, err = f.web.Send(ctx, bridge.TypeShareRequest, ShareRequest{Title: "empty"})
	assert.ErrorIs(t, err, bridge.ErrMalformedMessage)

	raw, err = f.web.Send(ctx, bridge.TypeBiometricAuthRequest, BiometricRequest{Reason: "approve"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(raw))
}

func TestHost_DefaultDeviceUsesHostname(t *testing.T) {
	f := newFixture(t, nil)
	h, err := New(Deps{Endpoint: f.hostEnd, Enforcer: f.engine, Auth: f.auth})
	require.NoError(t, err)

	hostname, err := os.Hostname()
	require.NoError(t, err)
	info := h.device.Info(context.Background())
	assert.Equal(t, hostname, info.Name)
	assert.False(t, info.Biometric)
}

func TestDesktopDevice_NoBiometric(t *testing.T) {
	d := NewDesktopDevice("", false)
	ok, err := d.Authenticate(context.Background(), BiometricRequest{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBiometricUnavailable)
	assert.NotEmpty(t, d.Info(context.Background()).OS)
}
