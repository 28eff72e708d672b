// Package wire defines the messages exchanged between the gateway and its
// services over a persistent connection. The two directions are separate
// types so a misdirected message cannot be represented, let alone routed.
package wire

import "encoding/json"

// Rule kinds a service may attach to a method it registers.
const (
	RuleNone   = "none"
	RuleFilter = "filter"
	RuleStatic = "static"
)

// HandlerRule declares how a service's raw reply for one method is reshaped
// before it is returned to the caller. Immutable after registration.
type HandlerRule struct {
	Kind       string `json:"kind"`
	Alias      string `json:"alias,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// HandlerRegistration is one (method, rule) pair claimed by a service.
type HandlerRegistration struct {
	Method string       `json:"method"`
	Rule   *HandlerRule `json:"rule,omitempty"`
}

// ServiceID identifies a connected service. Identity is established by the
// connection's URI, not by payload content.
type ServiceID struct {
	ID string `json:"serviceId"`
}

func (s ServiceID) String() string { return s.ID }

// Register is the first message a service sends after connecting.
type Register struct {
	Handlers        []HandlerRegistration `json:"handlers"`
	ProtocolVersion string                `json:"protocolVersion,omitempty"`
}

// Registered echoes the subset of handler claims the gateway accepted.
type Registered struct {
	Handlers []HandlerRegistration `json:"handlers"`
}

// Unregister withdraws a service's method ownership. Either side may send it.
type Unregister struct {
	ServiceID ServiceID `json:"serviceId"`
}

// ServiceCall asks the owning service to execute a method.
type ServiceCall struct {
	CorrelationID uint64          `json:"correlationId"`
	Method        string          `json:"method"`
	Payload       json.RawMessage `json:"payload"`
}

// ServiceCallSuccessResponse is the service's reply for a completed call.
type ServiceCallSuccessResponse struct {
	CorrelationID uint64          `json:"correlationId"`
	Value         json.RawMessage `json:"value"`
}

// ServiceCallErrorResponse is the service's reply for a failed call.
type ServiceCallErrorResponse struct {
	CorrelationID uint64 `json:"correlationId"`
	Error         string `json:"error"`
}

// GatewayError carries a handshake or protocol level failure to the service.
type GatewayError struct {
	Reason string `json:"reason"`
}

// ClientMessage is the set of messages a service may send to the gateway.
// Exactly one payload field is populated, selected by Type.
type ClientMessage struct {
	Type       string                      `json:"type"`
	Register   *Register                   `json:"register,omitempty"`
	Unregister *Unregister                 `json:"unregister,omitempty"`
	Success    *ServiceCallSuccessResponse `json:"success,omitempty"`
	Error      *ServiceCallErrorResponse   `json:"error,omitempty"`
}

// ServerMessage is the set of messages the gateway may send to a service.
type ServerMessage struct {
	Type       string        `json:"type"`
	Registered *Registered   `json:"registered,omitempty"`
	Call       *ServiceCall  `json:"call,omitempty"`
	Unregister *Unregister   `json:"unregister,omitempty"`
	Error      *GatewayError `json:"error,omitempty"`
}

// Message type tags.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeUnregister = "unregister"
	TypeCall       = "serviceCall"
	TypeSuccess    = "serviceCallSuccess"
	TypeError      = "serviceCallError"
	TypeGatewayErr = "gatewayError"
)
