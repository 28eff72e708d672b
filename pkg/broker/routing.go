package broker

import "encoding/json"

// RouteRequest is a request forwarded into the gateway-service routing
// protocol. ReplyTo is single-use: the router either sends exactly one
// RouteResponse or closes the channel without one (connection lost).
type RouteRequest struct {
	CorrelationID uint64
	Method        string
	Payload       json.RawMessage
	ReplyTo       chan RouteResponse
}

// RouteResponse is the terminal outcome of a routed request. An empty Error
// means success.
type RouteResponse struct {
	CorrelationID uint64
	Value         json.RawMessage
	Error         string
}

// IsError reports whether the response is the error variant.
func (r RouteResponse) IsError() bool { return r.Error != "" }

// Router is the gateway's inbound queue as seen by a service broker.
// Submit must not block; a queue that cannot accept the request fails it
// immediately.
type Router interface {
	Submit(req *RouteRequest) error
}
