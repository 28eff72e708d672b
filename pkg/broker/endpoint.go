// Package broker defines the endpoint-broker contract: a component that
// accepts a routable request through a bounded mailbox and eventually
// produces exactly one outcome for it.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "broker:endpoint"

// DefaultMailboxCapacity bounds a broker's inbound queue when the
// configuration does not say otherwise.
const DefaultMailboxCapacity = 32

var (
	// ErrMailboxFull is the admission-control rejection: the broker's queue
	// is at capacity and the request was not accepted.
	ErrMailboxFull = errors.New("broker mailbox full")
	// ErrMailboxClosed means the broker's consuming task has exited.
	ErrMailboxClosed = errors.New("broker mailbox closed")
	// ErrConfigurationMissing means a broker was constructed without a
	// required collaborator.
	ErrConfigurationMissing = errors.New("broker configuration missing")
	// ErrTransportDisconnected marks a request whose service connection
	// dropped before a reply arrived.
	ErrTransportDisconnected = errors.New("service transport disconnected")
)

// CallContext identifies the caller of a routable request.
type CallContext struct {
	AppID     string
	SessionID string
	CallID    uint64
}

// RoutableRequest is the normalized unit of work flowing through the system.
type RoutableRequest struct {
	Method string
	Params json.RawMessage
	Ctx    CallContext
	// Broker names the endpoint broker this request is bound for.
	Broker string
}

// Outcome is the single terminal result of a routable request: a complete
// JSON-RPC envelope addressed to the original caller.
type Outcome struct {
	Request *RoutableRequest
	Body    []byte
}

// Callback delivers outcomes back toward the caller. The send never blocks:
// a caller that abandoned its receiver loses the outcome, which is logged
// and not treated as an error.
type Callback struct {
	Sender chan<- Outcome
}

func (c Callback) Deliver(req *RoutableRequest, body []byte) {
	if c.Sender == nil {
		slog.Warn(fmt.Sprintf("%s - no callback sender, dropping outcome for call %d", logPrefix, req.Ctx.CallID))
		return
	}
	select {
	case c.Sender <- Outcome{Request: req, Body: body}:
	default:
		slog.Warn(fmt.Sprintf("%s - caller gone, dropping outcome for call %d method %s", logPrefix, req.Ctx.CallID, req.Method))
	}
}

// Cleaner releases backend-specific resources on shutdown. A nil Cleaner is
// a no-op.
type Cleaner func()

// EndpointBroker accepts routable requests and guarantees exactly one
// outcome per accepted request.
type EndpointBroker interface {
	Sender() *Mailbox
	Cleaner() Cleaner
}

// Mailbox is a bounded, ordered, non-blocking queue in front of a broker's
// consuming task.
type Mailbox struct {
	mu     sync.RWMutex
	closed bool
	ch     chan *RoutableRequest
}

// NewMailbox creates a mailbox with the given capacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{ch: make(chan *RoutableRequest, capacity)}
}

// TrySend enqueues a request without blocking. A full queue is rejected with
// ErrMailboxFull; a closed mailbox with ErrMailboxClosed.
func (m *Mailbox) TrySend(req *RoutableRequest) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- req:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Close shuts the mailbox. Requests already queued are still drained by the
// consumer; further TrySend calls fail with ErrMailboxClosed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Receive exposes the consuming side to the owning broker task.
func (m *Mailbox) Receive() <-chan *RoutableRequest {
	return m.ch
}
