// Package wstransport carries bridge messages over a websocket, one text
// frame per envelope.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"famlink/internal/bridge"

	"github.com/coder/websocket"
)

const writeTimeout = 15 * time.Second

// Conn is a websocket attached to a bridge endpoint
type Conn struct {
	ws       *websocket.Conn
	endpoint *bridge.Endpoint
	logger   *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Accept upgrades an HTTP request and binds the socket to endpoint
func Accept(w http.ResponseWriter, r *http.Request, endpoint *bridge.Endpoint, logger *slog.Logger) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to accept websocket: %w", err)
	}
	return newConn(ws, endpoint, logger, r.RemoteAddr), nil
}

// Dial connects to a bridge websocket served by the other side
func Dial(ctx context.Context, url string, endpoint *bridge.Endpoint, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return newConn(ws, endpoint, logger, url), nil
}

func newConn(ws *websocket.Conn, endpoint *bridge.Endpoint, logger *slog.Logger, peer string) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	// 1 MiB per envelope
	ws.SetReadLimit(1 << 20)
	return &Conn{
		ws:       ws,
		endpoint: endpoint,
		logger:   logger.With("component", "wstransport", "peer", peer),
	}
}

// Post implements bridge.Transport
func (c *Conn) Post(ctx context.Context, raw string) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(writeCtx, websocket.MessageText, []byte(raw)); err != nil {
		return bridge.Wrap(bridge.CodeTransportUnavailable, "websocket write failed", err)
	}
	return nil
}

// Run attaches the socket to the endpoint and feeds inbound frames to it
// until the socket closes or ctx is done. The transport is detached on return.
func (c *Conn) Run(ctx context.Context) error {
	c.endpoint.Attach(c)
	defer c.endpoint.Detach(c)
	defer c.Close()

	c.logger.Info("Bridge websocket connected")
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				c.logger.Info("Bridge websocket closed")
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("Bridge websocket read failed", "error", err)
			return err
		}
		if typ != websocket.MessageText {
			c.logger.Warn("Ignoring binary frame", "size", len(data))
			continue
		}
		c.endpoint.Receive(string(data))
	}
}

// Close closes the socket
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, "bridge closed")
	})
	return err
}

var _ bridge.Transport = (*Conn)(nil)
