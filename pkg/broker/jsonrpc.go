package broker

import "encoding/json"

// JSON-RPC error codes used for broker-originated failures. The -320xx
// range is outside the reserved protocol codes.
const (
	CodeServiceError = -32050
	CodeTransport    = -32051
	CodeDispatch     = -32052
	CodeTimeout      = -32053
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope produced by brokers.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// SuccessEnvelope builds a success response carrying the original call id.
func SuccessEnvelope(id uint64, result json.RawMessage) []byte {
	body, err := json.Marshal(RPCResponse{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		return ErrorEnvelope(id, CodeServiceError, "unencodable result")
	}
	return body
}

// ErrorEnvelope builds an error response carrying the original call id.
func ErrorEnvelope(id uint64, code int, message string) []byte {
	body, _ := json.Marshal(RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	})
	return body
}
