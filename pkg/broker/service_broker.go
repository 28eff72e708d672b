package broker

import (
	"fmt"
	"log/slog"
)

const serviceLogPrefix = "broker:service"

// ServiceBroker bridges routable requests into the gateway-service routing
// protocol and translates each routed outcome back into a JSON-RPC envelope.
type ServiceBroker struct {
	mailbox  *Mailbox
	callback Callback
}

// NewServiceBroker starts the broker's consuming task. A nil router is a
// configuration error reported to the caller, not a process abort.
func NewServiceBroker(router Router, callback Callback, capacity int) (*ServiceBroker, error) {
	if router == nil {
		return nil, fmt.Errorf("%s - no routing handle: %w", serviceLogPrefix, ErrConfigurationMissing)
	}
	b := &ServiceBroker{
		mailbox:  NewMailbox(capacity),
		callback: callback,
	}
	go b.run(router)
	return b, nil
}

// Sender returns the broker's mailbox.
func (b *ServiceBroker) Sender() *Mailbox { return b.mailbox }

// Cleaner closes the mailbox, letting the consuming task drain and exit.
func (b *ServiceBroker) Cleaner() Cleaner { return b.mailbox.Close }

// run drains the mailbox in order. Each request gets exactly one outcome:
// the routed reply, a dispatch error when the gateway queue rejects it, or
// a transport error when the reply channel closes without a response.
func (b *ServiceBroker) run(router Router) {
	for req := range b.mailbox.Receive() {
		slog.Debug(fmt.Sprintf("%s - routing call %d method %s", serviceLogPrefix, req.Ctx.CallID, req.Method))

		replyTo := make(chan RouteResponse, 1)
		routed := &RouteRequest{
			CorrelationID: req.Ctx.CallID,
			Method:        req.Method,
			Payload:       req.Params,
			ReplyTo:       replyTo,
		}
		if err := router.Submit(routed); err != nil {
			slog.Error(fmt.Sprintf("%s - submit failed for call %d: %v", serviceLogPrefix, req.Ctx.CallID, err))
			b.callback.Deliver(req, ErrorEnvelope(req.Ctx.CallID, CodeDispatch, err.Error()))
			continue
		}

		resp, ok := <-replyTo
		if !ok {
			slog.Error(fmt.Sprintf("%s - reply channel closed for call %d, connection lost", serviceLogPrefix, req.Ctx.CallID))
			b.callback.Deliver(req, ErrorEnvelope(req.Ctx.CallID, CodeTransport, ErrTransportDisconnected.Error()))
			continue
		}
		if resp.IsError() {
			b.callback.Deliver(req, ErrorEnvelope(req.Ctx.CallID, CodeServiceError, resp.Error))
			continue
		}
		b.callback.Deliver(req, SuccessEnvelope(req.Ctx.CallID, resp.Value))
	}
}
