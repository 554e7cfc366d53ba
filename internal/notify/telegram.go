// Package notify alerts parents over Telegram when enforcement goes wrong on
// a child's device.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"famlink/internal/core"
	"famlink/internal/engine"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const queueSize = 32

var ErrNoChats = errors.New("no telegram chats configured")

// Sender is the part of tgbotapi.BotAPI used here
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Config controls the notifier
type Config struct {
	ChatIDs  []int64
	Location *time.Location // for formatting expiry times; UTC when nil
}

// Telegram sends one alert per failed grant, plus one per run of
// unauthorized outcomes, to every configured chat
type Telegram struct {
	sender Sender
	cfg    Config
	logger *slog.Logger

	queue chan string

	mu           sync.Mutex
	alerted      map[string]bool // grant ID already alerted as failed
	unauthorized bool
	dropped      int
}

// NewTelegramBot connects to the Bot API with token
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	return api, nil
}

// NewTelegram creates a notifier. Run must be called to deliver alerts.
func NewTelegram(sender Sender, cfg Config, logger *slog.Logger) (*Telegram, error) {
	if len(cfg.ChatIDs) == 0 {
		return nil, ErrNoChats
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		sender:  sender,
		cfg:     cfg,
		logger:  logger.With("component", "notify"),
		queue:   make(chan string, queueSize),
		alerted: make(map[string]bool),
	}, nil
}

// GrantChanged implements engine.Observer. It never blocks: when the queue
// is full the alert is dropped.
func (t *Telegram) GrantChanged(ctx context.Context, out engine.Outcome) {
	text, ok := t.alertFor(out)
	if !ok {
		return
	}
	select {
	case t.queue <- text:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		t.logger.Warn("Alert queue full, dropping alert", "grant_id", out.Record.Grant.ID)
	}
}

func (t *Telegram) alertFor(out engine.Outcome) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := out.Record.Grant
	if out.Unauthorized {
		if t.unauthorized {
			return "", false
		}
		t.unauthorized = true
		return FormatUnauthorized(g.ChildUserID), true
	}
	if out.Enforced && out.Err == nil {
		t.unauthorized = false
	}

	if out.Record.State != core.StateFailed {
		if out.Record.State == core.StateActive {
			delete(t.alerted, g.ID)
		}
		return "", false
	}
	if t.alerted[g.ID] {
		return "", false
	}
	t.alerted[g.ID] = true
	return FormatFailed(out.Record, t.cfg.Location), true
}

// Run delivers queued alerts until ctx is done
func (t *Telegram) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			t.deliver(text)
		}
	}
}

func (t *Telegram) deliver(text string) {
	for _, chatID := range t.cfg.ChatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "Markdown"
		if _, err := t.sender.Send(msg); err != nil {
			t.logger.Error("Failed to send alert", "chat_id", chatID, "error", err)
			continue
		}
		t.logger.Debug("Alert sent", "chat_id", chatID)
	}
}

// Dropped returns how many alerts were lost to a full queue
func (t *Telegram) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// FormatFailed renders the alert for a grant that could not be enforced
func FormatFailed(rec core.GrantRecord, loc *time.Location) string {
	var sb strings.Builder
	g := rec.Grant
	sb.WriteString("⚠️ *Screen time could not be applied*\n")
	sb.WriteString(fmt.Sprintf("Child: `%s`\n", g.ChildUserID))
	sb.WriteString(fmt.Sprintf("Grant: `%s` (%d min)\n", g.ID, g.GrantedMinutes))
	if !g.ExpiresAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Expires: %s\n", g.ExpiresAt.In(loc).Format("15:04 Jan 2")))
	}
	if rec.LastError != "" {
		sb.WriteString(fmt.Sprintf("Error: %s\n", rec.LastError))
	}
	return sb.String()
}

// FormatUnauthorized renders the alert for a device missing the OS permission
func FormatUnauthorized(childUserID string) string {
	return fmt.Sprintf("🔒 *Screen time permission missing*\nThe device of `%s` has not authorized screen time controls. Open the app on that device to grant it.", childUserID)
}

var _ engine.Observer = (*Telegram)(nil)
