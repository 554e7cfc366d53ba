package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"famlink/internal/core"
	"famlink/internal/engine"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSender records sent messages
type mockSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	m.sent = append(m.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func failedOutcome(id string) engine.Outcome {
	return engine.Outcome{
		Record: core.GrantRecord{
			Grant: core.Grant{
				ID:             id,
				ChildUserID:    "kid",
				GrantedMinutes: 30,
				ExpiresAt:      time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
			},
			State:     core.StateFailed,
			LastError: "denied",
		},
		Enforced: true,
		Err:      errors.New("apply failed"),
	}
}

func TestTelegram_AlertsFailedOncePerGrant(t *testing.T) {
	sender := &mockSender{}
	n, err := NewTelegram(sender, Config{ChatIDs: []int64{1, 2}}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.GrantChanged(ctx, failedOutcome("g1"))
	n.GrantChanged(ctx, failedOutcome("g1"))
	n.GrantChanged(ctx, engine.Outcome{Record: core.GrantRecord{State: core.StateActive}})

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, sender.count(), "one message per chat")

	sender.mu.Lock()
	msg := sender.sent[0]
	sender.mu.Unlock()
	assert.Equal(t, int64(1), msg.ChatID)
	assert.Equal(t, "Markdown", msg.ParseMode)
	assert.Contains(t, msg.Text, "g1")
	assert.Contains(t, msg.Text, "denied")
	assert.Contains(t, msg.Text, "09:30")
}

func TestTelegram_RealertAfterRecovery(t *testing.T) {
	n, err := NewTelegram(&mockSender{}, Config{ChatIDs: []int64{1}}, testLogger())
	require.NoError(t, err)

	_, ok := n.alertFor(failedOutcome("g1"))
	assert.True(t, ok)
	_, ok = n.alertFor(failedOutcome("g1"))
	assert.False(t, ok)

	recovered := failedOutcome("g1")
	recovered.Record.State = core.StateActive
	recovered.Err = nil
	_, ok = n.alertFor(recovered)
	assert.False(t, ok)

	_, ok = n.alertFor(failedOutcome("g1"))
	assert.True(t, ok)
}

func TestTelegram_UnauthorizedOncePerRun(t *testing.T) {
	n, err := NewTelegram(&mockSender{}, Config{ChatIDs: []int64{1}}, testLogger())
	require.NoError(t, err)

	unauth := failedOutcome("g1")
	unauth.Unauthorized = true

	text, ok := n.alertFor(unauth)
	require.True(t, ok)
	assert.Contains(t, text, "permission missing")

	_, ok = n.alertFor(unauth)
	assert.False(t, ok)

	_, ok = n.alertFor(engine.Outcome{Enforced: true, Record: core.GrantRecord{State: core.StateActive}})
	assert.False(t, ok)

	_, ok = n.alertFor(unauth)
	assert.True(t, ok)
}

func TestTelegram_QueueFullDrops(t *testing.T) {
	n, err := NewTelegram(&mockSender{}, Config{ChatIDs: []int64{1}}, testLogger())
	require.NoError(t, err)

	// Nothing drains the queue.
	for i := 0; i < queueSize+3; i++ {
		n.GrantChanged(context.Background(), failedOutcome(string(rune('a'+i))))
	}
	assert.Equal(t, 3, n.Dropped())
}

func TestNewTelegram_RequiresChats(t *testing.T) {
	_, err := NewTelegram(&mockSender{}, Config{}, nil)
	assert.ErrorIs(t, err, ErrNoChats)
}
