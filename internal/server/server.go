// Package server orchestrates all components: routing registry, gateway
// websocket listener, endpoint brokers, provider broker, HTTP edge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/service-gateway/internal/config"
	"github.com/morezero/service-gateway/pkg/broker"
	"github.com/morezero/service-gateway/pkg/commsbroker"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/provider"
)

const logPrefix = "server:server"

// Broker names accepted in submitted requests.
const (
	BrokerService = "service"
	BrokerComms   = "comms"
)

// Bus subjects for providers living on the message bus.
const (
	SubjectProviderListen   = "gw.provider.listen"
	SubjectProviderResponse = "gw.provider.response"
)

// Server is the service-gateway orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	httpServer *http.Server
	wsServer   *http.Server

	registry *gateway.Registry
	provider *provider.Broker

	mailboxes map[string]*broker.Mailbox
	cleaners  []broker.Cleaner

	hub     *outcomeHub
	callSeq atomic.Uint64
}

// outcomeHub fans delivered outcomes back to the HTTP handler waiting on
// each call id.
type outcomeHub struct {
	mu      sync.Mutex
	waiters map[uint64]chan []byte
}

func newOutcomeHub() *outcomeHub {
	return &outcomeHub{waiters: make(map[uint64]chan []byte)}
}

func (h *outcomeHub) register(callID uint64) chan []byte {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.waiters[callID] = ch
	h.mu.Unlock()
	return ch
}

func (h *outcomeHub) drop(callID uint64) {
	h.mu.Lock()
	delete(h.waiters, callID)
	h.mu.Unlock()
}

func (h *outcomeHub) run(outcomes <-chan broker.Outcome) {
	for out := range outcomes {
		h.mu.Lock()
		ch, ok := h.waiters[out.Request.Ctx.CallID]
		if ok {
			delete(h.waiters, out.Request.Ctx.CallID)
		}
		h.mu.Unlock()
		if !ok {
			slog.Warn(fmt.Sprintf("%s - no waiter for call %d, dropping outcome", logPrefix, out.Request.Ctx.CallID))
			continue
		}
		ch <- out.Body
	}
}

// Run starts the gateway, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting service-gateway", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{
		cfg:       cfg,
		mailboxes: make(map[string]*broker.Mailbox),
		hub:       newOutcomeHub(),
	}

	// Step 1: Routing registry and gateway server.
	s.registry = gateway.NewRegistry(cfg.Policy(), gateway.Passthrough)
	gw, err := gateway.NewServer(s.registry)
	if err != nil {
		return err
	}
	go gw.Run(ctx)

	// Step 2: Outcome fan-out back to waiting callers.
	outcomes := make(chan broker.Outcome, 128)
	go s.hub.run(outcomes)
	callback := broker.Callback{Sender: outcomes}

	// Step 3: Service broker in front of the gateway.
	svcBroker, err := broker.NewServiceBroker(gw, callback, cfg.MailboxCapacity)
	if err != nil {
		return err
	}
	s.mailboxes[BrokerService] = svcBroker.Sender()
	s.cleaners = append(s.cleaners, svcBroker.Cleaner())

	// Step 4: Optional COMMS connection, bus-backed broker and bus-resident
	// provider plumbing.
	if cfg.COMMSURL != "" {
		nc, err := commsbroker.Connect(cfg.COMMSURL, cfg.COMMSName, commsbroker.ConnectOptions{
			Timeout:       cfg.RequestTimeout,
			ReconnectWait: cfg.BackoffInitial,
			MaxReconnects: int(cfg.BackoffMax / cfg.BackoffInitial),
		})
		if err != nil {
			return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		s.nc = nc

		cb, err := commsbroker.NewBroker(nc, callback, commsbroker.Options{
			SubjectPrefix:  cfg.COMMSSubject,
			RequestTimeout: cfg.RequestTimeout,
			Capacity:       cfg.MailboxCapacity,
		})
		if err != nil {
			nc.Close()
			return err
		}
		s.mailboxes[BrokerComms] = cb.Sender()
		s.cleaners = append(s.cleaners, cb.Cleaner())
	}

	// Step 5: Provider broker. Challenges and focus directives reach their
	// apps over the bus when COMMS is configured, otherwise they are logged.
	var sink provider.EventSink
	if s.nc != nil {
		sink = &commsSink{nc: s.nc}
	} else {
		sink = logSink{}
	}
	pb, err := provider.NewBroker(sink, cfg.ProviderTimeout)
	if err != nil {
		return err
	}
	s.provider = pb

	if s.nc != nil {
		if err := s.subscribeProviderSubjects(); err != nil {
			s.nc.Close()
			return err
		}
	}

	// Step 6: WebSocket listener for out-of-process services.
	wsMux := http.NewServeMux()
	wsMux.Handle("/service", gw)
	s.wsServer = &http.Server{Addr: cfg.ListenAddr, Handler: wsMux}
	go func() {
		slog.Info(fmt.Sprintf("%s - gateway listening on %s", logPrefix, cfg.ListenAddr))
		if err := s.wsServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - gateway listener error: %v", logPrefix, err))
		}
	}()

	// Step 7: HTTP edge: request submission, challenges, health.
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC())
	mux.HandleFunc("/challenge", s.handleChallenge())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP edge listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - service-gateway is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	s.wsServer.Shutdown(ctx)
	s.httpServer.Shutdown(ctx)
	for _, clean := range s.cleaners {
		clean()
	}
	if s.nc != nil {
		s.nc.Drain()
	}
	cancel()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// rpcSubmission is the HTTP edge's request body. Broker selects the
// endpoint broker; the default is the websocket service path.
type rpcSubmission struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Broker  string          `json:"broker,omitempty"`
	AppID   string          `json:"appId,omitempty"`
}

func (s *Server) handleRPC() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var sub rpcSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Method == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		name := sub.Broker
		if name == "" {
			name = BrokerService
		}
		mailbox, ok := s.mailboxes[name]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown broker %q", name), http.StatusBadRequest)
			return
		}

		callID := s.callSeq.Add(1)
		waiter := s.hub.register(callID)
		defer s.hub.drop(callID)

		req := &broker.RoutableRequest{
			Method: sub.Method,
			Params: sub.Params,
			Ctx:    broker.CallContext{AppID: sub.AppID, CallID: callID},
			Broker: name,
		}
		if err := mailbox.TrySend(req); err != nil {
			slog.Warn(fmt.Sprintf("%s - call %d rejected by %s broker: %v", logPrefix, callID, name, err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		select {
		case body := <-waiter:
			// The envelope carries the gateway's call id; hand the caller
			// back its own.
			var resp broker.RPCResponse
			if err := json.Unmarshal(body, &resp); err == nil {
				resp.ID = sub.ID
				if rewritten, err := json.Marshal(resp); err == nil {
					body = rewritten
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		case <-time.After(s.cfg.RequestTimeout + s.cfg.HealthCheckTimeout):
			http.Error(w, "no outcome before deadline", http.StatusGatewayTimeout)
		case <-r.Context().Done():
		}
	}
}

// challengeSubmission asks the provider broker to challenge a capability's
// listening app on behalf of a caller.
type challengeSubmission struct {
	Capability string          `json:"capability"`
	AppID      string          `json:"appId"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleChallenge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var sub challengeSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Capability == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		replyTo := make(chan provider.Outcome, 1)
		callCtx := provider.CallContext{
			AppID:  sub.AppID,
			CallID: s.callSeq.Add(1),
			Method: sub.Method,
		}
		correlationID, err := s.provider.DispatchChallenge(sub.Capability, callCtx, sub.Params, replyTo)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, provider.ErrNoProviderRegistered) {
				status = http.StatusNotFound
			} else if errors.Is(err, provider.ErrAmbiguousProvider) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}

		select {
		case out := <-replyTo:
			w.Header().Set("Content-Type", "application/json")
			if out.Err != nil {
				status := http.StatusInternalServerError
				if errors.Is(out.Err, provider.ErrChallengeTimeout) {
					status = http.StatusGatewayTimeout
				}
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(map[string]string{
					"correlationId": correlationID,
					"error":         out.Err.Error(),
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"correlationId": correlationID,
				"result":        out.Value,
			})
		case <-r.Context().Done():
		}
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":            "healthy",
			"pendingRoutes":     s.registry.PendingCount(),
			"pendingChallenges": s.provider.PendingCount(),
			"timestamp":         time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// subscribeProviderSubjects lets providers living on the bus register
// listeners and answer challenges.
func (s *Server) subscribeProviderSubjects() error {
	_, err := s.nc.Subscribe(SubjectProviderListen, func(msg *comms.Msg) {
		var reg struct {
			Capability string `json:"capability"`
			Event      string `json:"event"`
			App        string `json:"app"`
			Listen     bool   `json:"listen"`
		}
		if err := json.Unmarshal(msg.Data, &reg); err != nil {
			slog.Warn(fmt.Sprintf("%s - undecodable listener registration: %v", logPrefix, err))
			return
		}
		s.provider.RegisterOrUnregisterListener(reg.Capability, reg.Event, reg.App, reg.Listen)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, SubjectProviderListen, err)
	}

	_, err = s.nc.Subscribe(SubjectProviderResponse, func(msg *comms.Msg) {
		var resp provider.Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			slog.Warn(fmt.Sprintf("%s - undecodable provider response: %v", logPrefix, err))
			return
		}
		s.provider.ProviderResponse(resp)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, SubjectProviderResponse, err)
	}

	slog.Info(fmt.Sprintf("%s - Subscribed to %s and %s", logPrefix, SubjectProviderListen, SubjectProviderResponse))
	return nil
}

// commsSink publishes provider events on the bus, one subject per app.
type commsSink struct {
	nc *comms.Conn
}

// BuildEventSubject maps an app/event pair onto a bus subject.
func BuildEventSubject(app, event string) string {
	safe := strings.ReplaceAll(app, ".", "_")
	return fmt.Sprintf("gw.evt.%s.%s", safe, event)
}

func (s *commsSink) SendEvent(app, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.nc.Publish(BuildEventSubject(app, event), data)
}

// logSink records events when no bus is configured, keeping the provider
// broker observable in standalone runs.
type logSink struct{}

func (logSink) SendEvent(app, event string, payload any) error {
	slog.Info(fmt.Sprintf("%s - event %s for app %s (no COMMS configured)", logPrefix, event, app))
	return nil
}
