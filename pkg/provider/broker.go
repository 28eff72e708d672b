// Package provider implements challenge-style routing to in-process
// providers: UI components that register per (capability, app) and answer
// capability challenges asynchronously, possibly after user interaction.
package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const logPrefix = "provider:broker"

// DefaultChallengeTimeout bounds how long a provider may take to answer.
const DefaultChallengeTimeout = 15000 * time.Millisecond

var (
	// ErrNoProviderRegistered means no app is listening for the capability.
	ErrNoProviderRegistered = errors.New("no provider registered for capability")
	// ErrAmbiguousProvider means more than one app is listening; the
	// broker refuses to guess.
	ErrAmbiguousProvider = errors.New("ambiguous provider for capability")
	// ErrChallengeTimeout is the outcome of a challenge whose provider
	// never answered before the deadline.
	ErrChallengeTimeout = errors.New("challenge timed out")
)

// Capability describes one challenge type the broker can route: its opaque
// identifier and the event names its listeners receive. One descriptor per
// capability in a table replaces per-capability handler types.
type Capability struct {
	Name       string
	Event      string
	FocusEvent string
}

// CallContext identifies the caller whose request raised the challenge.
type CallContext struct {
	AppID     string
	SessionID string
	CallID    uint64
	Method    string
}

// Challenge is the event payload delivered to a listening provider.
type Challenge struct {
	CorrelationID string          `json:"correlationId"`
	Capability    string          `json:"capability"`
	Requestor     string          `json:"requestor"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// FocusDirective asks the listening provider to take focus.
type FocusDirective struct {
	Capability string          `json:"capability"`
	Requestor  string          `json:"requestor"`
	Request    json.RawMessage `json:"request,omitempty"`
}

// Response is a provider's answer to an outstanding challenge.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Result        json.RawMessage `json:"result"`
}

// Outcome is the single terminal result the original caller observes.
type Outcome struct {
	Value json.RawMessage
	Err   error
}

// EventSink delivers events to a listening app. The UI transport behind it
// is an external collaborator.
type EventSink interface {
	SendEvent(app, event string, payload any) error
}

type listener struct {
	event string
}

type pendingChallenge struct {
	replyTo chan<- Outcome
	timer   *time.Timer
	ctx     CallContext
}

// Broker routes capability challenges and focus directives to registered
// listeners and guarantees exactly one outcome per dispatched challenge.
type Broker struct {
	sink    EventSink
	timeout time.Duration

	mu           sync.Mutex
	capabilities map[string]Capability
	listeners    map[string]map[string]listener // capability -> app -> entry
	pending      map[string]*pendingChallenge   // correlation id -> waiter
}

// NewBroker creates a provider broker. A nil sink is a configuration error.
func NewBroker(sink EventSink, timeout time.Duration) (*Broker, error) {
	if sink == nil {
		return nil, errors.New(logPrefix + " - event sink required")
	}
	if timeout <= 0 {
		timeout = DefaultChallengeTimeout
	}
	return &Broker{
		sink:         sink,
		timeout:      timeout,
		capabilities: make(map[string]Capability),
		listeners:    make(map[string]map[string]listener),
		pending:      make(map[string]*pendingChallenge),
	}, nil
}

// RegisterCapability records a capability descriptor in the dispatch table.
func (b *Broker) RegisterCapability(c Capability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capabilities[c.Name] = c
}

// RegisterOrUnregisterListener toggles an app's subscription to a
// capability's challenges. Idempotent; in-flight challenges are unaffected.
func (b *Broker) RegisterOrUnregisterListener(capability, event, app string, listen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if listen {
		if event == "" {
			if c, ok := b.capabilities[capability]; ok {
				event = c.Event
			}
		}
		if b.listeners[capability] == nil {
			b.listeners[capability] = make(map[string]listener)
		}
		b.listeners[capability][app] = listener{event: event}
		slog.Info(fmt.Sprintf("%s - app %s listening for capability %s on event %s", logPrefix, app, capability, event))
		return
	}

	if apps, ok := b.listeners[capability]; ok {
		delete(apps, app)
		if len(apps) == 0 {
			delete(b.listeners, capability)
		}
	}
	slog.Info(fmt.Sprintf("%s - app %s stopped listening for capability %s", logPrefix, app, capability))
}

// UnregisterApp drops every listener owned by the app, for app teardown.
func (b *Broker) UnregisterApp(app string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for capability, apps := range b.listeners {
		delete(apps, app)
		if len(apps) == 0 {
			delete(b.listeners, capability)
		}
	}
}

// soleListenerLocked returns the single listening app for a capability.
func (b *Broker) soleListenerLocked(capability string) (string, listener, error) {
	apps := b.listeners[capability]
	switch len(apps) {
	case 0:
		return "", listener{}, fmt.Errorf("%s - %q: %w", logPrefix, capability, ErrNoProviderRegistered)
	case 1:
		for app, l := range apps {
			return app, l, nil
		}
	}
	return "", listener{}, fmt.Errorf("%s - %q has %d listeners: %w", logPrefix, capability, len(apps), ErrAmbiguousProvider)
}

// DispatchChallenge delivers a challenge to the capability's sole listener
// and arms its deadline. The returned correlation id matches the eventual
// Outcome sent on replyTo: the provider's answer or ErrChallengeTimeout,
// exactly once.
func (b *Broker) DispatchChallenge(capability string, ctx CallContext, params json.RawMessage, replyTo chan<- Outcome) (string, error) {
	b.mu.Lock()
	app, l, err := b.soleListenerLocked(capability)
	if err != nil {
		b.mu.Unlock()
		return "", err
	}

	correlationID := uuid.NewString()
	pc := &pendingChallenge{replyTo: replyTo, ctx: ctx}
	pc.timer = time.AfterFunc(b.timeout, func() { b.expire(correlationID) })
	b.pending[correlationID] = pc
	b.mu.Unlock()

	challenge := Challenge{
		CorrelationID: correlationID,
		Capability:    capability,
		Requestor:     ctx.AppID,
		Method:        ctx.Method,
		Params:        params,
	}
	if err := b.sink.SendEvent(app, l.event, challenge); err != nil {
		// Delivery never happened; withdraw the pending entry so the
		// caller's error return is the only outcome.
		b.mu.Lock()
		if pc, ok := b.pending[correlationID]; ok {
			pc.timer.Stop()
			delete(b.pending, correlationID)
		}
		b.mu.Unlock()
		return "", fmt.Errorf("%s - challenge delivery to %s failed: %w", logPrefix, app, err)
	}

	slog.Debug(fmt.Sprintf("%s - challenge %s for capability %s dispatched to %s", logPrefix, correlationID, capability, app))
	return correlationID, nil
}

// ProviderResponse resolves an outstanding challenge. Unknown or expired
// correlation ids are logged and discarded.
func (b *Broker) ProviderResponse(resp Response) {
	b.mu.Lock()
	pc, ok := b.pending[resp.CorrelationID]
	if ok {
		pc.timer.Stop()
		delete(b.pending, resp.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		slog.Warn(fmt.Sprintf("%s - discarding response for unknown or expired challenge %s", logPrefix, resp.CorrelationID))
		return
	}
	pc.replyTo <- Outcome{Value: resp.Result}
}

// expire resolves a challenge whose deadline elapsed without an answer.
func (b *Broker) expire(correlationID string) {
	b.mu.Lock()
	pc, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	slog.Warn(fmt.Sprintf("%s - challenge %s timed out for app %s", logPrefix, correlationID, pc.ctx.AppID))
	pc.replyTo <- Outcome{Err: ErrChallengeTimeout}
}

// Focus routes a focus directive to the capability's sole listening app.
func (b *Broker) Focus(capability string, ctx CallContext, request json.RawMessage) error {
	b.mu.Lock()
	app, l, err := b.soleListenerLocked(capability)
	var focusEvent string
	if err == nil {
		focusEvent = l.event
		if c, ok := b.capabilities[capability]; ok && c.FocusEvent != "" {
			focusEvent = c.FocusEvent
		}
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	directive := FocusDirective{Capability: capability, Requestor: ctx.AppID, Request: request}
	if err := b.sink.SendEvent(app, focusEvent, directive); err != nil {
		return fmt.Errorf("%s - focus delivery to %s failed: %w", logPrefix, app, err)
	}
	return nil
}

// PendingCount reports the number of unanswered challenges.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Listening reports whether the app is currently listening for the
// capability.
func (b *Broker) Listening(capability, app string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.listeners[capability][app]
	return ok
}
