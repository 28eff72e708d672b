package commsbroker

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const connectLogPrefix = "commsbroker:connect"

// Default tuning for a COMMS connection when the configuration does not
// say otherwise.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = 60
)

// ConnectOptions tunes the COMMS connection itself. Zero values fall back
// to the package defaults.
type ConnectOptions struct {
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

// Connect creates a COMMS connection to the given URL.
func Connect(url, name string, opts ConnectOptions) (*comms.Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = DefaultReconnectWait
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}

	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", connectLogPrefix, url, name))

	nc, err := comms.Connect(url,
		comms.Name(name),
		comms.Timeout(opts.Timeout),
		comms.ReconnectWait(opts.ReconnectWait),
		comms.MaxReconnects(opts.MaxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", connectLogPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", connectLogPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", connectLogPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", connectLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", connectLogPrefix, nc.ConnectedUrl()))
	return nc, nil
}
