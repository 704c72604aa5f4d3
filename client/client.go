// Package client implements the C2 Client Session: one WebSocket plus a
// typed REST helper against a single ComfyUI-compatible remote server,
// with an auto-reconnecting connection state machine and typed frame
// decoding.
package client

import "time"

// ConnectionState is the C2 connection state machine.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config parameterizes one Session.
type Config struct {
	// Host is host:port of the remote server, e.g. "127.0.0.1:8188".
	Host string
	// Secure selects wss/https instead of ws/http.
	Secure bool

	AutoReconnect         bool
	MaxReconnectAttempts  int // 0 = unbounded
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// PingInterval > 0 enables a WebSocket-level keepalive ping; 0 disables it.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// SupportsPreviewMetadata advertises the metadata-preview binary frame
	// variant.
	SupportsPreviewMetadata bool

	// HTTPTimeout bounds each REST call. Zero or negative selects the 30s
	// default.
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	return c
}

func (c Config) wsScheme() string {
	if c.Secure {
		return "wss"
	}
	return "ws"
}

func (c Config) httpScheme() string {
	if c.Secure {
		return "https"
	}
	return "http"
}
