// Package serviceclient is the service-side half of the gateway routing
// protocol. It owns the connection lifecycle (dial, exponential backoff,
// registration replay) so a service only supplies business logic through
// the RequestHandler interface.
package serviceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/service-gateway/pkg/wire"
)

const logPrefix = "serviceclient:client"

const (
	defaultBackoffInitial  = 1 * time.Second
	defaultBackoffMax      = 60 * time.Second
	defaultProtocolVersion = "1.0.0"
)

// ErrConfigurationMissing means the client was built without a gateway URL
// or a handler.
var ErrConfigurationMissing = errors.New("service client configuration missing")

// RequestHandler is implemented by the service's business logic.
type RequestHandler interface {
	// Register returns the method claims to present at every (re)connect.
	Register() []wire.HandlerRegistration
	// HandleRequest executes one call and returns its raw result value.
	HandleRequest(call wire.ServiceCall) (json.RawMessage, error)
	OnConnected()
	OnDisconnected()
	Healthy() bool
}

// Config controls the connection to the gateway.
type Config struct {
	// URL is the gateway websocket endpoint, including the serviceId query
	// parameter that establishes this service's identity.
	URL string
	// BackoffInitial is the first retry delay. Default 1s.
	BackoffInitial time.Duration
	// BackoffMax caps the retry delay. Default 60s.
	BackoffMax time.Duration
	// ProtocolVersion announced during registration. Default "1.0.0".
	ProtocolVersion string
}

// Client maintains the gateway connection for one service.
type Client struct {
	cfg     Config
	handler RequestHandler
}

// New validates the configuration. Missing pieces are reported as a typed
// error, never deferred to a crash at connect time.
func New(cfg Config, handler RequestHandler) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s - gateway URL required: %w", logPrefix, ErrConfigurationMissing)
	}
	if handler == nil {
		return nil, fmt.Errorf("%s - request handler required: %w", logPrefix, ErrConfigurationMissing)
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = defaultProtocolVersion
	}
	return &Client{cfg: cfg, handler: handler}, nil
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(current, max time.Duration) time.Duration {
	doubled := current * 2
	if doubled > max {
		return max
	}
	return doubled
}

// Run connects and serves until the context is cancelled. Connect failures
// and disconnects retry with exponential backoff; the backoff resets to the
// initial delay after any successful connect. Registration is replayed in
// full on every connect.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.BackoffInitial
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - connect to %s failed: %v", logPrefix, c.cfg.URL, err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, c.cfg.BackoffMax)
			continue
		}

		slog.Info(fmt.Sprintf("%s - connected to %s", logPrefix, c.cfg.URL))
		backoff = c.cfg.BackoffInitial

		c.session(ctx, conn)
		c.handler.OnDisconnected()
		slog.Info(fmt.Sprintf("%s - disconnected from %s, retrying", logPrefix, c.cfg.URL))
	}
}

// session registers and serves inbound calls until the connection drops.
// Malformed frames are logged and skipped.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	// Drop the read loop when the context goes away.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.register(conn); err != nil {
		slog.Error(fmt.Sprintf("%s - registration send failed: %v", logPrefix, err))
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.DecodeServer(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - ignoring malformed message: %v", logPrefix, err))
			continue
		}
		switch msg.Type {
		case wire.TypeRegistered:
			slog.Info(fmt.Sprintf("%s - gateway accepted %d handlers", logPrefix, len(msg.Registered.Handlers)))
			c.handler.OnConnected()
		case wire.TypeGatewayErr:
			slog.Error(fmt.Sprintf("%s - gateway error: %s", logPrefix, msg.Error.Reason))
		case wire.TypeUnregister:
			slog.Info(fmt.Sprintf("%s - gateway withdrew registration for %s", logPrefix, msg.Unregister.ServiceID))
		case wire.TypeCall:
			c.serveCall(conn, msg.Call)
		}
	}
}

func (c *Client) register(conn *websocket.Conn) error {
	data, err := wire.EncodeClient(&wire.ClientMessage{
		Type: wire.TypeRegister,
		Register: &wire.Register{
			Handlers:        c.handler.Register(),
			ProtocolVersion: c.cfg.ProtocolVersion,
		},
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// serveCall runs the handler and sends exactly one correlated reply.
func (c *Client) serveCall(conn *websocket.Conn, call *wire.ServiceCall) {
	value, err := c.handler.HandleRequest(*call)

	var reply *wire.ClientMessage
	if err != nil {
		reply = &wire.ClientMessage{
			Type: wire.TypeError,
			Error: &wire.ServiceCallErrorResponse{
				CorrelationID: call.CorrelationID,
				Error:         err.Error(),
			},
		}
	} else {
		reply = &wire.ClientMessage{
			Type: wire.TypeSuccess,
			Success: &wire.ServiceCallSuccessResponse{
				CorrelationID: call.CorrelationID,
				Value:         value,
			},
		}
	}

	data, err := wire.EncodeClient(reply)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - reply encode failed for correlation %d: %v", logPrefix, call.CorrelationID, err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Error(fmt.Sprintf("%s - reply send failed for correlation %d: %v", logPrefix, call.CorrelationID, err))
	}
}
