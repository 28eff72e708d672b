package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage marks an inbound frame that could not be decoded or
// whose type tag does not match its payload. The connection survives it.
var ErrMalformedMessage = errors.New("malformed message")

// EncodeClient serializes a client->gateway message.
func EncodeClient(m *ClientMessage) ([]byte, error) {
	return json.Marshal(m)
}

// EncodeServer serializes a gateway->client message.
func EncodeServer(m *ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeClient parses a frame received by the gateway and validates that the
// tagged payload is present.
func DecodeClient(data []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch m.Type {
	case TypeRegister:
		if m.Register == nil {
			return nil, missingPayload(m.Type)
		}
	case TypeUnregister:
		if m.Unregister == nil {
			return nil, missingPayload(m.Type)
		}
	case TypeSuccess:
		if m.Success == nil {
			return nil, missingPayload(m.Type)
		}
	case TypeError:
		if m.Error == nil {
			return nil, missingPayload(m.Type)
		}
	default:
		return nil, fmt.Errorf("%w: unknown client message type %q", ErrMalformedMessage, m.Type)
	}
	return &m, nil
}

// DecodeServer parses a frame received by a service client.
func DecodeServer(data []byte) (*ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch m.Type {
	case TypeRegistered:
		if m.Registered == nil {
			return nil, missingPayload(m.Type)
		}
	case TypeCall:
		if m.Call == nil {
			return nil, missingPayload(m.Type)
		}
	case TypeUnregister:
		if m.Unregister == nil {
			return nil, missingPayload(m.Type)
		}
	case TypeGatewayErr:
		if m.Error == nil {
			return nil, missingPayload(m.Type)
		}
	default:
		return nil, fmt.Errorf("%w: unknown server message type %q", ErrMalformedMessage, m.Type)
	}
	return &m, nil
}

func missingPayload(typ string) error {
	return fmt.Errorf("%w: message type %q without payload", ErrMalformedMessage, typ)
}
