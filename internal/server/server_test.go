package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/morezero/service-gateway/internal/config"
	"github.com/morezero/service-gateway/pkg/broker"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/provider"
)

const serverTestPrefix = "server:server_test"

// answeringSink answers every challenge it sees, simulating a provider app.
type answeringSink struct {
	pb     **provider.Broker
	result json.RawMessage
}

func (s *answeringSink) SendEvent(app, event string, payload any) error {
	ch, ok := payload.(provider.Challenge)
	if !ok {
		return nil
	}
	go (*s.pb).ProviderResponse(provider.Response{CorrelationID: ch.CorrelationID, Result: s.result})
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		cfg: &config.Config{
			RequestTimeout:     time.Second,
			HealthCheckTimeout: time.Second,
		},
		registry:  gateway.NewRegistry(gateway.PolicyFirstWins, nil),
		mailboxes: make(map[string]*broker.Mailbox),
		hub:       newOutcomeHub(),
	}

	sink := &answeringSink{pb: &s.provider, result: json.RawMessage(`{"granted":true}`)}
	pb, err := provider.NewBroker(sink, time.Second)
	if err != nil {
		t.Fatalf("%s - NewBroker: %v", serverTestPrefix, err)
	}
	s.provider = pb
	return s
}

// echoMailbox wires a mailbox whose consumer answers every request with a
// success envelope carrying the request params.
func echoMailbox(s *Server, outcomes chan broker.Outcome) *broker.Mailbox {
	mb := broker.NewMailbox(4)
	callback := broker.Callback{Sender: outcomes}
	go func() {
		for req := range mb.Receive() {
			callback.Deliver(req, broker.SuccessEnvelope(req.Ctx.CallID, req.Params))
		}
	}()
	return mb
}

func TestOutcomeHub_DeliversToWaiter(t *testing.T) {
	hub := newOutcomeHub()
	outcomes := make(chan broker.Outcome, 1)
	go hub.run(outcomes)

	waiter := hub.register(7)
	req := &broker.RoutableRequest{Ctx: broker.CallContext{CallID: 7}}
	outcomes <- broker.Outcome{Request: req, Body: []byte(`{"ok":true}`)}

	select {
	case body := <-waiter:
		if string(body) != `{"ok":true}` {
			t.Errorf("%s - body = %s", serverTestPrefix, body)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - outcome never delivered", serverTestPrefix)
	}
}

func TestOutcomeHub_UnknownWaiterIsDropped(t *testing.T) {
	hub := newOutcomeHub()
	outcomes := make(chan broker.Outcome, 1)
	go hub.run(outcomes)

	req := &broker.RoutableRequest{Ctx: broker.CallContext{CallID: 99}}
	outcomes <- broker.Outcome{Request: req, Body: []byte(`{}`)}
	// Drained without a waiter; nothing to assert beyond no deadlock.
	time.Sleep(20 * time.Millisecond)
}

func TestHandleRPC_RoundTrip(t *testing.T) {
	s := newTestServer(t)
	outcomes := make(chan broker.Outcome, 4)
	go s.hub.run(outcomes)
	s.mailboxes[BrokerService] = echoMailbox(s, outcomes)

	body := strings.NewReader(`{"jsonrpc":"2.0","id":42,"method":"device.info","params":{"q":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/rpc", body)
	rec := httptest.NewRecorder()
	s.handleRPC()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, body %s", serverTestPrefix, rec.Code, rec.Body.String())
	}
	var resp broker.RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s - unmarshal: %v", serverTestPrefix, err)
	}
	if resp.ID != 42 {
		t.Errorf("%s - caller id not restored, got %d", serverTestPrefix, resp.ID)
	}
	if string(resp.Result) != `{"q":1}` {
		t.Errorf("%s - result = %s", serverTestPrefix, resp.Result)
	}
}

func TestHandleRPC_Rejections(t *testing.T) {
	s := newTestServer(t)
	outcomes := make(chan broker.Outcome, 4)
	go s.hub.run(outcomes)
	s.mailboxes[BrokerService] = echoMailbox(s, outcomes)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong http method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"invalid body", http.MethodPost, "{nope", http.StatusBadRequest},
		{"missing method", http.MethodPost, `{"id":1}`, http.StatusBadRequest},
		{"unknown broker", http.MethodPost, `{"method":"m","broker":"dbus"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/rpc", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.handleRPC()(rec, req)
			if rec.Code != tt.want {
				t.Errorf("%s - status = %d, want %d", serverTestPrefix, rec.Code, tt.want)
			}
		})
	}
}

func TestHandleChallenge_AnsweredByProvider(t *testing.T) {
	s := newTestServer(t)
	s.provider.RegisterOrUnregisterListener("pinChallenge", "pin.challenge", "settings", true)

	body := strings.NewReader(`{"capability":"pinChallenge","appId":"refui","method":"secure.confirm"}`)
	req := httptest.NewRequest(http.MethodPost, "/challenge", body)
	rec := httptest.NewRecorder()
	s.handleChallenge()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, body %s", serverTestPrefix, rec.Code, rec.Body.String())
	}
	var resp struct {
		CorrelationID string          `json:"correlationId"`
		Result        json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s - unmarshal: %v", serverTestPrefix, err)
	}
	if resp.CorrelationID == "" {
		t.Errorf("%s - missing correlation id", serverTestPrefix)
	}
	if string(resp.Result) != `{"granted":true}` {
		t.Errorf("%s - result = %s", serverTestPrefix, resp.Result)
	}
}

func TestHandleChallenge_NoProvider(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"capability":"pinChallenge","appId":"refui"}`)
	req := httptest.NewRequest(http.MethodPost, "/challenge", body)
	rec := httptest.NewRecorder()
	s.handleChallenge()(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("%s - status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d", serverTestPrefix, rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s - unmarshal: %v", serverTestPrefix, err)
	}
	if out["status"] != "healthy" {
		t.Errorf("%s - status = %v", serverTestPrefix, out["status"])
	}
}

func TestBuildEventSubject(t *testing.T) {
	got := BuildEventSubject("com.example.settings", "pin.challenge")
	if got != "gw.evt.com_example_settings.pin.challenge" {
		t.Errorf("%s - BuildEventSubject() = %q", serverTestPrefix, got)
	}
}
