package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"famlink/internal/clock"
	"famlink/internal/idgen"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultPushQueueSize = 64
)

// Transport posts one string to the other side. Delivery is one-way; replies
// arrive through Endpoint.Receive.
type Transport interface {
	Post(ctx context.Context, raw string) error
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, raw string) error

func (f TransportFunc) Post(ctx context.Context, raw string) error { return f(ctx, raw) }

// PushHandler consumes messages that are neither responses nor requests
type PushHandler func(ctx context.Context, msg Message)

// Config configures an Endpoint
type Config struct {
	// Name identifies the side in logs ("host", "web")
	Name string
	// Timeout bounds Send; zero means DefaultTimeout
	Timeout time.Duration
	// PushQueueSize bounds the push queue; zero means DefaultPushQueueSize
	PushQueueSize int
}

// Stats counts messages the endpoint could not deliver
type Stats struct {
	Malformed     int64
	LateResponses int64
	PushesDropped int64
}

// Endpoint is one side of the bridge
type Endpoint struct {
	name     string
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	pending  *PendingRegistry
	handlers *Registry

	mu        sync.RWMutex
	transport Transport

	readyOnce  sync.Once
	ready      chan struct{}
	hooksMu    sync.Mutex
	readyHooks []func(ctx context.Context)

	pushes      chan Message
	pushMu      sync.RWMutex
	pushHandler PushHandler

	malformed     atomic.Int64
	lateResponses atomic.Int64
	pushesDropped atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEndpoint creates an Endpoint with no transport attached
func NewEndpoint(cfg Config, clk clock.Clock, logger *slog.Logger) *Endpoint {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PushQueueSize <= 0 {
		cfg.PushQueueSize = DefaultPushQueueSize
	}
	if cfg.Name == "" {
		cfg.Name = "bridge"
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		name:     cfg.Name,
		timeout:  cfg.Timeout,
		clock:    clk,
		logger:   logger.With("component", "bridge", "side", cfg.Name),
		pending:  NewPendingRegistry(clk),
		handlers: NewRegistry(),
		ready:    make(chan struct{}),
		pushes:   make(chan Message, cfg.PushQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.wg.Add(1)
	go e.drainPushes()
	return e
}

// Attach sets the outbound transport, replacing any previous one
func (e *Endpoint) Attach(t Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = t
	e.logger.Debug("Transport attached")
}

// Detach removes t if it is still the attached transport
func (e *Endpoint) Detach(t Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport == t {
		e.transport = nil
		e.logger.Debug("Transport detached")
	}
}

func (e *Endpoint) currentTransport() Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transport
}

// Handle registers a handler for a request type
func (e *Endpoint) Handle(msgType string, h Handler) error {
	return e.handlers.Register(msgType, h)
}

// HandleFunc registers a function handler for a request type
func (e *Endpoint) HandleFunc(msgType string, fn func(ctx context.Context, msg Message) (any, error)) error {
	return e.handlers.Register(msgType, HandlerFunc(fn))
}

// Handlers exposes the handler registry
func (e *Endpoint) Handlers() *Registry {
	return e.handlers
}

// SetPushHandler installs the single push consumer, replacing any previous one
func (e *Endpoint) SetPushHandler(h PushHandler) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	e.pushHandler = h
}

// OnReady registers a hook that runs once, after the ready handshake
func (e *Endpoint) OnReady(hook func(ctx context.Context)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.readyHooks = append(e.readyHooks, hook)
}

// Ready is closed once the handshake completed on this side
func (e *Endpoint) Ready() <-chan struct{} {
	return e.ready
}

// IsReady reports whether the handshake completed
func (e *Endpoint) IsReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Stats returns delivery counters
func (e *Endpoint) Stats() Stats {
	return Stats{
		Malformed:     e.malformed.Load(),
		LateResponses: e.lateResponses.Load(),
		PushesDropped: e.pushesDropped.Load(),
	}
}

// Pending returns the number of requests awaiting a response
func (e *Endpoint) Pending() int {
	return e.pending.Len()
}

// Send posts a request and waits for its response payload. It fails with
// ErrTimeout once the endpoint timeout elapses; a response arriving later is
// dropped. Cancelling ctx also settles the wait.
func (e *Endpoint) Send(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	t := e.currentTransport()
	if t == nil {
		return nil, ErrTransportUnavailable
	}

	msg, err := NewMessage(idgen.NewMessage(), msgType, payload, e.clock.Now())
	if err != nil {
		return nil, err
	}
	raw, err := Encode(msg)
	if err != nil {
		return nil, err
	}

	result, err := e.pending.Register(msg.ID, e.timeout)
	if err != nil {
		return nil, err
	}

	if err := t.Post(ctx, raw); err != nil {
		e.pending.Reject(msg.ID, Wrap(CodeTransportUnavailable, "post failed", err))
		res := <-result
		return nil, res.Err
	}

	select {
	case res := <-result:
		return res.Payload, res.Err
	case <-ctx.Done():
		e.pending.Reject(msg.ID, ctx.Err())
		res := <-result
		return res.Payload, res.Err
	}
}

// SendFireAndForget posts a message that expects no response
func (e *Endpoint) SendFireAndForget(ctx context.Context, msgType string, payload any) error {
	t := e.currentTransport()
	if t == nil {
		return ErrTransportUnavailable
	}

	msg, err := NewMessage("", msgType, payload, e.clock.Now())
	if err != nil {
		return err
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := t.Post(ctx, raw); err != nil {
		return Wrap(CodeTransportUnavailable, "post failed", err)
	}
	return nil
}

// AnnounceReady performs the embedded side of the handshake and returns the
// host's platform identity payload
func (e *Endpoint) AnnounceReady(ctx context.Context, info any) (json.RawMessage, error) {
	payload, err := e.Send(ctx, TypeBridgeReady, info)
	if err != nil {
		return nil, fmt.Errorf("bridge handshake failed: %w", err)
	}
	e.markReady()
	return payload, nil
}

func (e *Endpoint) markReady() {
	e.readyOnce.Do(func() {
		close(e.ready)
		e.logger.Info("Bridge ready")

		e.hooksMu.Lock()
		hooks := append([]func(context.Context){}, e.readyHooks...)
		e.hooksMu.Unlock()

		for _, hook := range hooks {
			e.runHook(hook)
		}
	})
}

func (e *Endpoint) runHook(hook func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Ready hook panicked", "panic", r)
		}
	}()
	hook(e.ctx)
}

// Receive processes one raw inbound string. It never fails: malformed input
// and late responses are logged and dropped.
func (e *Endpoint) Receive(raw string) {
	msg, err := Decode(raw)
	if err != nil {
		e.malformed.Add(1)
		e.logger.Warn("Dropping malformed message", "error", err, "size", len(raw))
		return
	}

	if msg.ID != "" {
		var settled bool
		if msg.Type == TypeError {
			settled = e.pending.Reject(msg.ID, errorFromPayload(msg.Payload))
		} else {
			settled = e.pending.Resolve(msg.ID, msg.Payload)
		}
		if settled {
			return
		}
	}

	if isResponse(msg.Type) {
		e.lateResponses.Add(1)
		e.logger.Debug("Dropping response with no pending request", "id", msg.ID, "type", msg.Type)
		return
	}

	h, err := e.handlers.Get(msg.Type)
	if err != nil {
		if msg.ID == "" {
			e.enqueuePush(msg)
			return
		}
		e.logger.Warn("No handler for message type", "id", msg.ID, "type", msg.Type)
		e.reply(msg.ID, TypeError, ErrorPayload{Code: CodeUnknownMessageType, Message: "unknown message type " + msg.Type})
		return
	}

	if e.ctx.Err() != nil {
		e.logger.Debug("Endpoint closed, dropping request", "id", msg.ID, "type", msg.Type)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(h, msg)
	}()
}

func (e *Endpoint) dispatch(h Handler, msg Message) {
	logger := e.logger.With("id", msg.ID, "type", msg.Type)

	result, err := e.invoke(h, msg)
	if err != nil {
		logger.Error("Handler failed", "error", err)
		if msg.ID != "" {
			p := payloadFromError(err)
			var be *Error
			if !errors.As(err, &be) {
				p.Code = CodeNativeError
			}
			e.reply(msg.ID, TypeError, p)
		}
		return
	}

	if msg.ID != "" {
		e.reply(msg.ID, ResponseType(msg.Type), result)
	}
	if msg.Type == TypeBridgeReady {
		e.markReady()
	}
}

// invoke runs the handler, turning a panic into ErrNativeError
func (e *Endpoint) invoke(h Handler, msg Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Wrap(CodeNativeError, fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()
	return h.Handle(e.ctx, msg)
}

func (e *Endpoint) reply(id, msgType string, payload any) {
	t := e.currentTransport()
	if t == nil {
		e.logger.Warn("Cannot reply, no transport", "id", id, "type", msgType)
		return
	}

	msg, err := NewMessage(id, msgType, payload, e.clock.Now())
	if err != nil {
		e.logger.Error("Failed to build reply", "id", id, "error", err)
		msg, _ = NewMessage(id, TypeError, ErrorPayload{Code: CodeNativeError, Message: err.Error()}, e.clock.Now())
	}
	raw, err := Encode(msg)
	if err != nil {
		e.logger.Error("Failed to encode reply", "id", id, "error", err)
		return
	}
	if err := t.Post(e.ctx, raw); err != nil {
		e.logger.Warn("Failed to post reply", "id", id, "error", err)
	}
}

func isResponse(msgType string) bool {
	return msgType == TypeError || strings.HasSuffix(msgType, "_RESPONSE")
}

// enqueuePush offers msg to the push queue without blocking
func (e *Endpoint) enqueuePush(msg Message) {
	select {
	case e.pushes <- msg:
	default:
		e.pushesDropped.Add(1)
		e.logger.Warn("Push queue full, dropping push", "type", msg.Type, "capacity", cap(e.pushes))
	}
}

func (e *Endpoint) drainPushes() {
	defer e.wg.Done()
	for {
		select {
		case msg := <-e.pushes:
			e.pushMu.RLock()
			h := e.pushHandler
			e.pushMu.RUnlock()

			if h == nil {
				e.logger.Debug("No push handler, discarding push", "type", msg.Type)
				continue
			}
			e.deliverPush(h, msg)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Endpoint) deliverPush(h PushHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Push handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	h(e.ctx, msg)
}

// Close rejects pending requests and stops the push queue. Handlers still
// running see a cancelled context.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		if n := e.pending.RejectAll(ErrTransportUnavailable); n > 0 {
			e.logger.Info("Rejected pending requests on close", "count", n)
		}
	})
}

// Wait blocks until handler goroutines and the push drain have exited.
// Call after Close.
func (e *Endpoint) Wait() {
	e.wg.Wait()
}
