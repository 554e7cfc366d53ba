// Package mobile is the binding surface for the native iOS and Android
// apps. Every exported type uses only strings, bools and errors so it can
// be bound with gomobile.
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"famlink/config"
	"famlink/internal/agent"
	"famlink/internal/auth"
	"famlink/internal/bridge"
	"famlink/internal/lifecycle"
	"famlink/internal/logging"
)

var ErrClosed = errors.New("core is closed")

// NativeModule is implemented by the app. Arguments and results are JSON
// objects keyed by the native method's parameter names. Besides the screen
// time methods it may support getDeviceInfo, hapticFeedback, share and
// authenticateBiometric.
type NativeModule interface {
	Supports(method string) bool
	Call(method string, argsJSON string) (string, error)
}

// MessageSink delivers bridge envelopes to the embedded web view
type MessageSink interface {
	Post(raw string) error
}

// Core is one sync core instance
type Core struct {
	agent *agent.Agent
	sink  MessageSink

	mu     sync.Mutex
	closed bool
}

// NewCore builds and starts a core. configJSON may be empty for defaults;
// it accepts comments and trailing commas.
func NewCore(configJSON string, native NativeModule, sink MessageSink) (*Core, error) {
	if native == nil || sink == nil {
		return nil, errors.New("native module and message sink are required")
	}
	cfg, err := config.Parse([]byte(configJSONOrEmpty(configJSON)), ".json")
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logging.LoggerConfig{
		Format: "json",
		Level:  logging.ParseLevel(cfg.Log.Level),
		Output: os.Stderr,
	})

	var store auth.Store = auth.NewMemoryStore()
	if cfg.Keyring.FileDir != "" || cfg.Keyring.Backend != "" {
		if store, err = auth.OpenKeyring(auth.KeyringConfig{
			Backend:      cfg.Keyring.Backend,
			FileDir:      cfg.Keyring.FileDir,
			FilePassword: cfg.Keyring.FilePassword,
		}); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	a, err := agent.New(ctx, agent.Options{
		Config:       cfg,
		Native:       &nativeAdapter{native: native},
		Device:       newNativeDevice(native, logger),
		SessionStore: store,
		Logger:       logger,
		Version:      Version,
	})
	if err != nil {
		return nil, err
	}

	c := &Core{agent: a, sink: sink}
	a.Endpoint.Attach(bridge.TransportFunc(c.post))
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return c, nil
}

// Version of the core library
var Version = "0.0.0-dev"

func configJSONOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func (c *Core) post(ctx context.Context, raw string) error {
	return c.sink.Post(raw)
}

// Receive hands an envelope from the web view to the core
func (c *Core) Receive(raw string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.agent.Endpoint.Receive(raw)
}

// SetForeground reports that the app became active
func (c *Core) SetForeground() error {
	return c.setState(lifecycle.Foreground)
}

// SetBackground reports that the app left the foreground
func (c *Core) SetBackground() error {
	return c.setState(lifecycle.Background)
}

func (c *Core) setState(s lifecycle.AppState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.agent.Coordinator.SetAppState(context.Background(), s)
}

// StatusJSON returns the coordinator status as JSON
func (c *Core) StatusJSON() string {
	data, err := json.Marshal(c.agent.Coordinator.Status())
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Close stops sync and releases the database
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.agent.Close()
}

// nativeAdapter turns the JSON-string native module into an
// enforcement.NativeModule
type nativeAdapter struct {
	native NativeModule
}

func (n *nativeAdapter) Supports(method string) bool {
	return n.native.Supports(method)
}

func (n *nativeAdapter) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	in, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s arguments: %w", method, err)
	}
	out, err := n.native.Call(method, string(in))
	if err != nil {
		return nil, err
	}
	if out == "" {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return nil, fmt.Errorf("invalid %s result: %w", method, err)
	}
	return result, nil
}

