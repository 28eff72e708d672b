// Package gateway implements the server side of the gateway-service routing
// protocol: the method-ownership registry, the correlation table, and the
// websocket endpoint services connect to.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/service-gateway/pkg/broker"
	"github.com/morezero/service-gateway/pkg/wire"
)

const registryLogPrefix = "gateway:registry"

// Duplicate-registration policies. First-wins is the default: a method
// already owned stays with its owner until an explicit unregister, so
// traffic is never hijacked mid-flight. Last-wins exists for hot-reload
// deployments and supersedes the previous owner.
const (
	PolicyFirstWins = "first-wins"
	PolicyLastWins  = "last-wins"
)

var (
	// ErrNoRouteForMethod means no connected service owns the method.
	ErrNoRouteForMethod = errors.New("no route for method")
	// ErrDuplicateRegistration means the method is owned by another service
	// under the first-wins policy.
	ErrDuplicateRegistration = errors.New("duplicate registration")
)

// Transform reshapes a raw service value according to the handler rule the
// owning service declared at registration. The rule language is evaluated
// elsewhere; the registry only threads the call through.
type Transform func(rule wire.HandlerRule, raw json.RawMessage) (json.RawMessage, error)

// Passthrough returns the raw value unchanged.
func Passthrough(_ wire.HandlerRule, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

type ownership struct {
	service wire.ServiceID
	rule    *wire.HandlerRule
}

type pendingCall struct {
	replyTo chan broker.RouteResponse
	rule    *wire.HandlerRule
	service string
	epoch   uint64
}

// Registry is the shared routing state: method ownership and in-flight
// correlations. All mutation happens under one mutex, which is never held
// across a channel send.
type Registry struct {
	mu        sync.Mutex
	policy    string
	transform Transform
	owners    map[string]ownership
	pending   map[uint64]pendingCall
}

// NewRegistry creates a registry with the given duplicate-registration
// policy. An unrecognized policy falls back to first-wins. A nil transform
// means passthrough.
func NewRegistry(policy string, transform Transform) *Registry {
	if policy != PolicyLastWins {
		policy = PolicyFirstWins
	}
	if transform == nil {
		transform = Passthrough
	}
	return &Registry{
		policy:    policy,
		transform: transform,
		owners:    make(map[string]ownership),
		pending:   make(map[uint64]pendingCall),
	}
}

// RegisterHandlers records a service's method claims and returns the subset
// that was accepted. With every claim rejected (and at least one made), the
// registration as a whole fails with ErrDuplicateRegistration.
func (r *Registry) RegisterHandlers(service wire.ServiceID, handlers []wire.HandlerRegistration) ([]wire.HandlerRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var accepted []wire.HandlerRegistration
	for _, h := range handlers {
		owner, taken := r.owners[h.Method]
		if taken && owner.service != service && r.policy == PolicyFirstWins {
			slog.Warn(fmt.Sprintf("%s - method %s already owned by %s, rejecting claim from %s", registryLogPrefix, h.Method, owner.service, service))
			continue
		}
		if taken && owner.service != service {
			slog.Info(fmt.Sprintf("%s - method %s ownership superseded: %s -> %s", registryLogPrefix, h.Method, owner.service, service))
		}
		r.owners[h.Method] = ownership{service: service, rule: h.Rule}
		accepted = append(accepted, h)
	}
	if len(accepted) == 0 && len(handlers) > 0 {
		return nil, fmt.Errorf("%s - service %s: %w", registryLogPrefix, service, ErrDuplicateRegistration)
	}
	return accepted, nil
}

// UnregisterService removes every method the service owns, atomically.
func (r *Registry) UnregisterService(service wire.ServiceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for method, own := range r.owners {
		if own.service == service {
			delete(r.owners, method)
		}
	}
}

// RouteFor resolves the owning service for a method, along with the handler
// rule it declared.
func (r *Registry) RouteFor(method string) (wire.ServiceID, *wire.HandlerRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	own, ok := r.owners[method]
	if !ok {
		return wire.ServiceID{}, nil, fmt.Errorf("%s - %q: %w", registryLogPrefix, method, ErrNoRouteForMethod)
	}
	return own.service, own.rule, nil
}

// Owns reports whether the service currently owns the method.
func (r *Registry) Owns(service wire.ServiceID, method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	own, ok := r.owners[method]
	return ok && own.service == service
}

// AddPending records an in-flight correlation together with the handler
// rule to apply to its eventual success value and the connection epoch the
// call was sent on. A correlation id already in flight is a protocol
// violation and is rejected.
func (r *Registry) AddPending(correlationID uint64, service wire.ServiceID, epoch uint64, rule *wire.HandlerRule, replyTo chan broker.RouteResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[correlationID]; exists {
		return fmt.Errorf("%s - correlation id %d already in flight", registryLogPrefix, correlationID)
	}
	r.pending[correlationID] = pendingCall{replyTo: replyTo, rule: rule, service: service.ID, epoch: epoch}
	return nil
}

// Resolve delivers a routed response to its waiter. A second reply for an
// already-resolved correlation id is discarded with a logged warning. The
// reply channel send happens outside the lock.
func (r *Registry) Resolve(resp broker.RouteResponse) {
	r.mu.Lock()
	call, ok := r.pending[resp.CorrelationID]
	if ok {
		delete(r.pending, resp.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		slog.Warn(fmt.Sprintf("%s - discarding reply for unknown or already-resolved correlation id %d", registryLogPrefix, resp.CorrelationID))
		return
	}

	if !resp.IsError() && call.rule != nil && call.rule.Kind != wire.RuleNone {
		value, err := r.transform(*call.rule, resp.Value)
		if err != nil {
			resp = broker.RouteResponse{
				CorrelationID: resp.CorrelationID,
				Error:         fmt.Sprintf("transform failed: %v", err),
			}
		} else {
			resp.Value = value
		}
	}

	call.replyTo <- resp
	close(call.replyTo)
}

// FailPendingForConn closes the reply channels of every in-flight call sent
// on one connection, identified by its epoch. Waiters observe the closed
// channel as a transport failure, keeping the exactly-once guarantee across
// connection loss. Calls already routed over a newer connection with the
// same service identity are untouched.
func (r *Registry) FailPendingForConn(service wire.ServiceID, epoch uint64) {
	r.mu.Lock()
	var orphaned []chan broker.RouteResponse
	for id, call := range r.pending {
		if call.service == service.ID && call.epoch == epoch {
			orphaned = append(orphaned, call.replyTo)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	if len(orphaned) > 0 {
		slog.Warn(fmt.Sprintf("%s - failing %d in-flight calls for disconnected service %s", registryLogPrefix, len(orphaned), service))
	}
	for _, ch := range orphaned {
		close(ch)
	}
}

// PendingCount reports the number of in-flight correlations.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
