// Package commsbroker is the COMMS-backed endpoint broker: routable
// requests drained from its mailbox become request/reply exchanges on the
// message bus, one subject per method.
package commsbroker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/service-gateway/pkg/broker"
)

const logPrefix = "commsbroker:broker"

// DefaultRequestTimeout bounds each bus exchange when the configuration
// does not say otherwise.
const DefaultRequestTimeout = 10 * time.Second

// DefaultSubjectPrefix roots the per-method subjects.
const DefaultSubjectPrefix = "gw.svc"

// BuildSubject maps a routable method onto a bus subject. Dots are subject
// separators on the bus, so the method name is flattened.
func BuildSubject(prefix, method string) string {
	return prefix + "." + strings.ReplaceAll(method, ".", "_")
}

// busRequest is the payload published for one routable request.
type busRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	AppID  string          `json:"appId,omitempty"`
}

// busReply is the responder's answer.
type busReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *busError       `json:"error,omitempty"`
}

type busError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Broker is an endpoint broker backed by a COMMS connection.
type Broker struct {
	mailbox  *broker.Mailbox
	callback broker.Callback
}

// Options tunes a comms broker beyond its connection.
type Options struct {
	SubjectPrefix  string
	RequestTimeout time.Duration
	Capacity       int
}

// NewBroker starts the broker's consuming task over the given connection.
func NewBroker(nc *comms.Conn, callback broker.Callback, opts Options) (*Broker, error) {
	if nc == nil {
		return nil, fmt.Errorf("%s - no COMMS connection: %w", logPrefix, broker.ErrConfigurationMissing)
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	b := &Broker{
		mailbox:  broker.NewMailbox(opts.Capacity),
		callback: callback,
	}
	go b.run(nc, opts)
	return b, nil
}

// Sender returns the broker's mailbox.
func (b *Broker) Sender() *broker.Mailbox { return b.mailbox }

// Cleaner closes the mailbox, letting the consuming task drain and exit.
// The COMMS connection stays open; its owner closes it.
func (b *Broker) Cleaner() broker.Cleaner { return b.mailbox.Close }

// run drains the mailbox in order, one bus exchange per request. Every
// request gets exactly one outcome: the responder's reply, a timeout error,
// or a transport error.
func (b *Broker) run(nc *comms.Conn, opts Options) {
	for req := range b.mailbox.Receive() {
		subject := BuildSubject(opts.SubjectPrefix, req.Method)
		slog.Debug(fmt.Sprintf("%s - call %d method %s on subject %s", logPrefix, req.Ctx.CallID, req.Method, subject))

		data, err := json.Marshal(busRequest{
			ID:     req.Ctx.CallID,
			Method: req.Method,
			Params: req.Params,
			AppID:  req.Ctx.AppID,
		})
		if err != nil {
			b.callback.Deliver(req, broker.ErrorEnvelope(req.Ctx.CallID, broker.CodeDispatch, "unencodable request"))
			continue
		}

		msg, err := nc.Request(subject, data, opts.RequestTimeout)
		if err != nil {
			code := broker.CodeTransport
			text := "bus exchange failed"
			if errors.Is(err, comms.ErrTimeout) || errors.Is(err, comms.ErrNoResponders) {
				code = broker.CodeTimeout
				text = "no response from service endpoint"
			}
			slog.Error(fmt.Sprintf("%s - request on %s for call %d failed: %v", logPrefix, subject, req.Ctx.CallID, err))
			b.callback.Deliver(req, broker.ErrorEnvelope(req.Ctx.CallID, code, text))
			continue
		}

		var reply busReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			slog.Error(fmt.Sprintf("%s - undecodable reply on %s for call %d: %v", logPrefix, subject, req.Ctx.CallID, err))
			b.callback.Deliver(req, broker.ErrorEnvelope(req.Ctx.CallID, broker.CodeTransport, "undecodable reply from service endpoint"))
			continue
		}
		if reply.Error != nil {
			b.callback.Deliver(req, broker.ErrorEnvelope(req.Ctx.CallID, reply.Error.Code, reply.Error.Message))
			continue
		}
		b.callback.Deliver(req, broker.SuccessEnvelope(req.Ctx.CallID, reply.Result))
	}
}
