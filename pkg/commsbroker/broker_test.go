package commsbroker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/service-gateway/pkg/broker"
)

const testPrefix = "commsbroker:broker_test"

func startBusServer(t *testing.T) (*commsserver.Server, *comms.Conn) {
	t.Helper()
	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create bus server: %v", testPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - bus server failed to start", testPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - failed to connect: %v", testPrefix, err)
	}
	t.Cleanup(nc.Close)
	return ns, nc
}

func awaitOutcome(t *testing.T, outcomes <-chan broker.Outcome) broker.RPCResponse {
	t.Helper()
	select {
	case out := <-outcomes:
		var resp broker.RPCResponse
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			t.Fatalf("%s - unmarshal outcome: %v", testPrefix, err)
		}
		return resp
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - no outcome delivered", testPrefix)
	}
	return broker.RPCResponse{}
}

func TestConnect_AppliesTuning(t *testing.T) {
	ns, _ := startBusServer(t)

	nc, err := Connect(ns.ClientURL(), "gateway-under-test", ConnectOptions{
		Timeout:       3 * time.Second,
		ReconnectWait: 250 * time.Millisecond,
		MaxReconnects: 4,
	})
	if err != nil {
		t.Fatalf("%s - Connect: %v", testPrefix, err)
	}
	defer nc.Close()

	if nc.Opts.Name != "gateway-under-test" {
		t.Errorf("%s - connection name = %q", testPrefix, nc.Opts.Name)
	}
	if nc.Opts.Timeout != 3*time.Second {
		t.Errorf("%s - Timeout = %v, want 3s", testPrefix, nc.Opts.Timeout)
	}
	if nc.Opts.ReconnectWait != 250*time.Millisecond {
		t.Errorf("%s - ReconnectWait = %v, want 250ms", testPrefix, nc.Opts.ReconnectWait)
	}
	if nc.Opts.MaxReconnect != 4 {
		t.Errorf("%s - MaxReconnect = %d, want 4", testPrefix, nc.Opts.MaxReconnect)
	}
}

func TestConnect_DefaultsWhenUnset(t *testing.T) {
	ns, _ := startBusServer(t)

	nc, err := Connect(ns.ClientURL(), "gateway-under-test", ConnectOptions{})
	if err != nil {
		t.Fatalf("%s - Connect: %v", testPrefix, err)
	}
	defer nc.Close()

	if nc.Opts.Timeout != DefaultConnectTimeout {
		t.Errorf("%s - Timeout = %v, want %v", testPrefix, nc.Opts.Timeout, DefaultConnectTimeout)
	}
	if nc.Opts.ReconnectWait != DefaultReconnectWait {
		t.Errorf("%s - ReconnectWait = %v, want %v", testPrefix, nc.Opts.ReconnectWait, DefaultReconnectWait)
	}
	if nc.Opts.MaxReconnect != DefaultMaxReconnects {
		t.Errorf("%s - MaxReconnect = %d, want %d", testPrefix, nc.Opts.MaxReconnect, DefaultMaxReconnects)
	}
}

func TestBuildSubject(t *testing.T) {
	got := BuildSubject("gw.svc", "device.info")
	if got != "gw.svc.device_info" {
		t.Errorf("%s - BuildSubject() = %q, want gw.svc.device_info", testPrefix, got)
	}
}

func TestNewBroker_RequiresConnection(t *testing.T) {
	_, err := NewBroker(nil, broker.Callback{}, Options{})
	if !errors.Is(err, broker.ErrConfigurationMissing) {
		t.Fatalf("%s - expected ErrConfigurationMissing, got %v", testPrefix, err)
	}
}

func TestBroker_RequestReplyRoundTrip(t *testing.T) {
	_, nc := startBusServer(t)

	sub, err := nc.Subscribe(BuildSubject(DefaultSubjectPrefix, "device.info"), func(msg *comms.Msg) {
		var req busRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("%s - undecodable request: %v", testPrefix, err)
			return
		}
		if req.Method != "device.info" || req.AppID != "refui" {
			t.Errorf("%s - unexpected request %+v", testPrefix, req)
		}
		data, _ := json.Marshal(busReply{Result: json.RawMessage(`{"model":"panel-7"}`)})
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("%s - subscribe failed: %v", testPrefix, err)
	}
	defer sub.Unsubscribe()

	outcomes := make(chan broker.Outcome, 1)
	b, err := NewBroker(nc, broker.Callback{Sender: outcomes}, Options{})
	if err != nil {
		t.Fatalf("%s - NewBroker: %v", testPrefix, err)
	}
	defer b.Cleaner()()

	req := &broker.RoutableRequest{
		Method: "device.info",
		Ctx:    broker.CallContext{AppID: "refui", CallID: 11},
	}
	if err := b.Sender().TrySend(req); err != nil {
		t.Fatalf("%s - TrySend: %v", testPrefix, err)
	}

	resp := awaitOutcome(t, outcomes)
	if resp.ID != 11 || resp.Error != nil {
		t.Fatalf("%s - unexpected response %+v", testPrefix, resp)
	}
	if string(resp.Result) != `{"model":"panel-7"}` {
		t.Errorf("%s - result = %s", testPrefix, resp.Result)
	}
}

func TestBroker_ResponderErrorIsPropagated(t *testing.T) {
	_, nc := startBusServer(t)

	sub, err := nc.Subscribe(BuildSubject(DefaultSubjectPrefix, "device.reboot"), func(msg *comms.Msg) {
		data, _ := json.Marshal(busReply{Error: &busError{Code: -32050, Message: "not permitted"}})
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("%s - subscribe failed: %v", testPrefix, err)
	}
	defer sub.Unsubscribe()

	outcomes := make(chan broker.Outcome, 1)
	b, err := NewBroker(nc, broker.Callback{Sender: outcomes}, Options{})
	if err != nil {
		t.Fatalf("%s - NewBroker: %v", testPrefix, err)
	}
	defer b.Cleaner()()

	if err := b.Sender().TrySend(&broker.RoutableRequest{Method: "device.reboot", Ctx: broker.CallContext{CallID: 3}}); err != nil {
		t.Fatalf("%s - TrySend: %v", testPrefix, err)
	}

	resp := awaitOutcome(t, outcomes)
	if resp.Error == nil || resp.Error.Code != -32050 || resp.Error.Message != "not permitted" {
		t.Fatalf("%s - expected responder error, got %+v", testPrefix, resp)
	}
}

func TestBroker_NoResponderTimesOut(t *testing.T) {
	_, nc := startBusServer(t)

	outcomes := make(chan broker.Outcome, 1)
	b, err := NewBroker(nc, broker.Callback{Sender: outcomes}, Options{RequestTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("%s - NewBroker: %v", testPrefix, err)
	}
	defer b.Cleaner()()

	if err := b.Sender().TrySend(&broker.RoutableRequest{Method: "device.missing", Ctx: broker.CallContext{CallID: 9}}); err != nil {
		t.Fatalf("%s - TrySend: %v", testPrefix, err)
	}

	resp := awaitOutcome(t, outcomes)
	if resp.Error == nil || resp.Error.Code != broker.CodeTimeout {
		t.Fatalf("%s - expected timeout error, got %+v", testPrefix, resp)
	}
}
