package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/morezero/service-gateway/pkg/broker"
	"github.com/morezero/service-gateway/pkg/wire"
)

const serverLogPrefix = "gateway:server"

// protocolConstraint gates the protocolVersion a service sends during
// registration. An empty version is accepted for older clients.
const protocolConstraint = "^1"

const (
	inboundQueueSize = 128
	connSendQueue    = 64
)

// ErrInboundFull is returned by Submit when the routing queue is at
// capacity.
var ErrInboundFull = errors.New("gateway inbound queue full")

// serviceConn is one connected service: its identity and exclusive write
// queue. The write pump owns the websocket's send half. The send channel is
// never closed; shutdown is signalled through done so a routing goroutine
// holding a stale snapshot can never hit a closed channel.
type serviceConn struct {
	id wire.ServiceID
	// epoch distinguishes this connection from earlier or later ones with
	// the same service identity.
	epoch uint64
	send  chan *wire.ServerMessage
	done  chan struct{}
	once  sync.Once
}

func (c *serviceConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// Server accepts service connections and routes submitted requests to the
// owning service's connection.
type Server struct {
	registry   *Registry
	inbound    chan *broker.RouteRequest
	upgrader   websocket.Upgrader
	constraint *semver.Constraints

	epochs atomic.Uint64

	mu    sync.Mutex
	conns map[string]*serviceConn
}

// NewServer creates the routing server around a registry.
func NewServer(registry *Registry) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("%s - nil registry: %w", serverLogPrefix, broker.ErrConfigurationMissing)
	}
	constraint, err := semver.NewConstraint(protocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - bad protocol constraint: %w", serverLogPrefix, err)
	}
	return &Server{
		registry:   registry,
		inbound:    make(chan *broker.RouteRequest, inboundQueueSize),
		constraint: constraint,
		conns:      make(map[string]*serviceConn),
	}, nil
}

// Registry exposes the routing state, mainly for health reporting.
func (s *Server) Registry() *Registry { return s.registry }

// Submit implements broker.Router. It never blocks; a full queue is an
// immediate dispatch failure.
func (s *Server) Submit(req *broker.RouteRequest) error {
	select {
	case s.inbound <- req:
		return nil
	default:
		return ErrInboundFull
	}
}

// Run drains the inbound queue until the context is cancelled, routing each
// request to the owning service or failing it fast.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.inbound:
			s.dispatch(req)
		}
	}
}

// dispatch routes one request. Any failure before the service accepts the
// call resolves the reply channel with an error variant, preserving the
// exactly-once outcome guarantee.
func (s *Server) dispatch(req *broker.RouteRequest) {
	service, rule, err := s.registry.RouteFor(req.Method)
	if err != nil {
		req.ReplyTo <- broker.RouteResponse{CorrelationID: req.CorrelationID, Error: err.Error()}
		close(req.ReplyTo)
		return
	}

	conn := s.connFor(service)
	if conn == nil {
		req.ReplyTo <- broker.RouteResponse{
			CorrelationID: req.CorrelationID,
			Error:         fmt.Sprintf("service %s not connected", service),
		}
		close(req.ReplyTo)
		return
	}

	if err := s.registry.AddPending(req.CorrelationID, service, conn.epoch, rule, req.ReplyTo); err != nil {
		req.ReplyTo <- broker.RouteResponse{CorrelationID: req.CorrelationID, Error: err.Error()}
		close(req.ReplyTo)
		return
	}

	msg := &wire.ServerMessage{
		Type: wire.TypeCall,
		Call: &wire.ServiceCall{
			CorrelationID: req.CorrelationID,
			Method:        req.Method,
			Payload:       req.Payload,
		},
	}
	select {
	case conn.send <- msg:
	default:
		// Service is not draining its socket; undo the pending entry so the
		// caller gets its single error outcome now.
		s.registry.Resolve(broker.RouteResponse{
			CorrelationID: req.CorrelationID,
			Error:         fmt.Sprintf("service %s send queue full", service),
		})
	}
}

func (s *Server) connFor(service wire.ServiceID) *serviceConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[service.ID]
}

// ServeHTTP upgrades a service connection and runs its read loop. Identity
// comes from the connection URI's serviceId parameter; anonymous
// connections are assigned a fresh id.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - upgrade failed: %v", serverLogPrefix, err))
		return
	}

	id := r.URL.Query().Get("serviceId")
	if id == "" {
		id = uuid.NewString()
	}
	service := wire.ServiceID{ID: id}

	conn := &serviceConn{
		id:    service,
		epoch: s.epochs.Add(1),
		send:  make(chan *wire.ServerMessage, connSendQueue),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	if prev, ok := s.conns[service.ID]; ok {
		// Same identity reconnecting; the stale connection's pump shuts down.
		prev.shutdown()
	}
	s.conns[service.ID] = conn
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - service %s connected from %s", serverLogPrefix, service, r.RemoteAddr))

	go s.writePump(ws, conn)
	s.readLoop(ws, conn)

	s.mu.Lock()
	current := s.conns[service.ID] == conn
	if current {
		delete(s.conns, service.ID)
	}
	s.mu.Unlock()
	conn.shutdown()

	// Calls sent over this socket can never be answered, whichever
	// connection is current now.
	s.registry.FailPendingForConn(service, conn.epoch)

	if !current {
		// A newer connection with the same identity owns the registration;
		// tearing it down here would wipe a live service.
		slog.Info(fmt.Sprintf("%s - stale connection for service %s closed", serverLogPrefix, service))
		return
	}
	s.registry.UnregisterService(service)
	slog.Info(fmt.Sprintf("%s - service %s disconnected", serverLogPrefix, service))
}

func (s *Server) writePump(ws *websocket.Conn, conn *serviceConn) {
	defer ws.Close()
	for {
		select {
		case <-conn.done:
			return
		case msg := <-conn.send:
			data, err := wire.EncodeServer(msg)
			if err != nil {
				slog.Error(fmt.Sprintf("%s - encode for %s failed: %v", serverLogPrefix, conn.id, err))
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Error(fmt.Sprintf("%s - write to %s failed: %v", serverLogPrefix, conn.id, err))
				return
			}
		}
	}
}

// readLoop consumes client messages until the connection drops. Malformed
// frames are logged and skipped; the connection survives them.
func (s *Server) readLoop(ws *websocket.Conn, conn *serviceConn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.DecodeClient(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %s sent malformed message: %v", serverLogPrefix, conn.id, err))
			continue
		}
		switch msg.Type {
		case wire.TypeRegister:
			s.handleRegister(conn, msg.Register)
		case wire.TypeUnregister:
			// Identity comes from the connection, never from payload
			// content; a frame naming another service is refused.
			if msg.Unregister.ServiceID != conn.id {
				slog.Warn(fmt.Sprintf("%s - %s sent unregister for %s, refusing", serverLogPrefix, conn.id, msg.Unregister.ServiceID))
				continue
			}
			s.registry.UnregisterService(conn.id)
			slog.Info(fmt.Sprintf("%s - service %s unregistered", serverLogPrefix, conn.id))
		case wire.TypeSuccess:
			s.registry.Resolve(broker.RouteResponse{
				CorrelationID: msg.Success.CorrelationID,
				Value:         msg.Success.Value,
			})
		case wire.TypeError:
			s.registry.Resolve(broker.RouteResponse{
				CorrelationID: msg.Error.CorrelationID,
				Error:         msg.Error.Error,
			})
		}
	}
}

// handleRegister runs the registration handshake: version gate, ownership
// validation, and the Registered/Error reply.
func (s *Server) handleRegister(conn *serviceConn, reg *wire.Register) {
	if reg.ProtocolVersion != "" {
		v, err := semver.NewVersion(reg.ProtocolVersion)
		if err != nil || !s.constraint.Check(v) {
			s.reply(conn, &wire.ServerMessage{
				Type:  wire.TypeGatewayErr,
				Error: &wire.GatewayError{Reason: fmt.Sprintf("unsupported protocol version %q", reg.ProtocolVersion)},
			})
			return
		}
	}

	accepted, err := s.registry.RegisterHandlers(conn.id, reg.Handlers)
	if err != nil {
		s.reply(conn, &wire.ServerMessage{
			Type:  wire.TypeGatewayErr,
			Error: &wire.GatewayError{Reason: err.Error()},
		})
		return
	}

	slog.Info(fmt.Sprintf("%s - service %s registered %d of %d handlers", serverLogPrefix, conn.id, len(accepted), len(reg.Handlers)))
	s.reply(conn, &wire.ServerMessage{
		Type:       wire.TypeRegistered,
		Registered: &wire.Registered{Handlers: accepted},
	})
}

func (s *Server) reply(conn *serviceConn, msg *wire.ServerMessage) {
	select {
	case conn.send <- msg:
	default:
		slog.Warn(fmt.Sprintf("%s - dropping reply to %s, send queue full", serverLogPrefix, conn.id))
	}
}
