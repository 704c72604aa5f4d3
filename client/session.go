package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/rezkam/workflowpool/events"
)

// Session owns one WebSocket connection plus a REST helper against a
// single remote server. A single background goroutine owns
// the live *websocket.Conn at any time; callers only ever observe state
// through Bus events and the typed REST methods.
type Session struct {
	id     string
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	httpClient *http.Client
	dialer     *websocket.Dialer

	stateMu sync.RWMutex
	state   ConnectionState

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}

	everConnected bool
}

// NewSession constructs a Session bound to one remote server. It does not
// connect until Connect is called.
func NewSession(id string, cfg Config, bus *events.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Session{
		id:         id,
		cfg:        cfg,
		bus:        bus,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:      StateConnecting,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// ID returns the client id this session was constructed with.
func (s *Session) ID() string { return s.id }

// ClientID satisfies failover.Client.
func (s *Session) ClientID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(state ConnectionState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Connect opens the WebSocket and blocks until the first connection
// succeeds, the context is cancelled, or reconnection attempts are
// exhausted.
func (s *Session) Connect(ctx context.Context) error {
	connected := make(chan error, 1)
	go s.connectLoop(ctx, connected)

	select {
	case err := <-connected:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the session permanently: any live connection is closed and
// no further reconnection attempts are made.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.doneChan
	return nil
}

// AbortReconnect is equivalent to Close: it stops the session permanently,
// ending any pending reconnect attempt along with any live connection.
func (s *Session) AbortReconnect() { _ = s.Close() }

func (s *Session) connectLoop(ctx context.Context, firstResult chan<- error) {
	defer close(s.doneChan)

	reconnectBackoff := backoff.NewExponentialBackOff()
	reconnectBackoff.InitialInterval = s.cfg.ReconnectInitialDelay
	reconnectBackoff.MaxInterval = s.cfg.ReconnectMaxDelay

	attempts := 0
	reportedFirst := false
	report := func(err error) {
		if !reportedFirst {
			reportedFirst = true
			firstResult <- err
		}
	}

	for {
		select {
		case <-s.stopChan:
			report(errors.New("client: session closed"))
			return
		case <-ctx.Done():
			report(ctx.Err())
			return
		default:
		}

		conn, _, err := s.dialer.DialContext(ctx, s.wsURL(), nil)
		if err != nil {
			attempts++
			if s.cfg.MaxReconnectAttempts > 0 && attempts > s.cfg.MaxReconnectAttempts {
				s.setState(StateFailed)
				s.bus.Emit("reconnection_failed", ReconnectionFailedEvent{ClientID: s.id, Err: err})
				report(fmt.Errorf("client: reconnection attempts exhausted: %w", err))
				return
			}
			delay, backoffErr := reconnectBackoff.NextBackOff()
			if backoffErr != nil {
				delay = s.cfg.ReconnectMaxDelay
			}
			s.logger.WarnContext(ctx, "client: connect failed, retrying", "client_id", s.id, "attempt", attempts, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-s.stopChan:
				report(errors.New("client: session closed"))
				return
			case <-ctx.Done():
				report(ctx.Err())
				return
			}
		}

		attempts = 0
		reconnectBackoff.Reset()
		first := !s.everConnected
		s.everConnected = true
		s.setState(StateConnected)
		if first {
			s.bus.Emit("connected", StateEvent{ClientID: s.id})
			report(nil)
		} else {
			s.bus.Emit("reconnected", StateEvent{ClientID: s.id})
		}

		err = s.runConnection(ctx, conn)
		if err == nil {
			// Intentional stop (Close or ctx cancellation).
			s.setState(StateDisconnected)
			return
		}

		s.setState(StateDisconnected)
		s.bus.Emit("disconnected", StateEvent{ClientID: s.id, Err: err})
		s.logger.WarnContext(ctx, "client: disconnected", "client_id", s.id, "error", err)

		if !s.cfg.AutoReconnect {
			s.setState(StateFailed)
			return
		}
		s.setState(StateReconnecting)
	}
}

// StateEvent is the payload for connected/reconnected/disconnected events.
type StateEvent struct {
	ClientID string
	Err      error
}

// ReconnectionFailedEvent is the payload for reconnection_failed.
type ReconnectionFailedEvent struct {
	ClientID string
	Err      error
}

type frameMsg struct {
	isText bool
	data   []byte
	err    error
}

func (s *Session) readerLoop(conn *websocket.Conn, out chan<- frameMsg) {
	defer close(out)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			out <- frameMsg{err: err}
			return
		}
		out <- frameMsg{isText: msgType == websocket.TextMessage, data: data}
	}
}

// runConnection owns conn for its lifetime: one goroutine reads frames
// into a channel, this goroutine drains that channel, sends pings, and is
// the only writer on conn. It returns nil for an intentional stop
// (Close/ctx cancellation) and non-nil for a connection loss.
func (s *Session) runConnection(ctx context.Context, conn *websocket.Conn) error {
	readChan := make(chan frameMsg, 64)
	go s.readerLoop(conn, readChan)
	defer conn.Close()

	var pingTickerC <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		pingTickerC = ticker.C
	}

	pongChan := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongChan <- struct{}{}:
		default:
		}
		return nil
	})

	awaitingPong := false
	var pongDeadline time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopChan:
			return nil

		case msg, ok := <-readChan:
			if !ok {
				return errors.New("client: read loop closed unexpectedly")
			}
			if msg.err != nil {
				return msg.err
			}
			s.handleFrame(msg)

		case <-pingTickerC:
			if awaitingPong {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.PingTimeout)); err != nil {
				return fmt.Errorf("client: ping failed: %w", err)
			}
			awaitingPong = true
			pongDeadline = time.Now().Add(s.cfg.PingTimeout)

		case <-pongChan:
			awaitingPong = false
		}

		if awaitingPong && time.Now().After(pongDeadline) {
			return errors.New("client: pong timeout")
		}
	}
}

func (s *Session) handleFrame(msg frameMsg) {
	if msg.isText {
		event, err := decodeTextFrame(msg.data)
		if err != nil {
			s.logger.ErrorContext(context.Background(), "client: malformed text frame", "client_id", s.id, "error", err)
			return
		}
		s.bus.Emit(event.Type, event)
		return
	}

	preview, previewMeta, err := decodeBinaryFrame(msg.data, s.cfg.SupportsPreviewMetadata)
	if err != nil {
		s.logger.ErrorContext(context.Background(), "client: malformed binary frame", "client_id", s.id, "error", err)
		return
	}
	if preview != nil {
		s.bus.Emit("b_preview", *preview)
	}
	if previewMeta != nil {
		s.bus.Emit("b_preview_meta", *previewMeta)
	}
}

func (s *Session) wsURL() string {
	return fmt.Sprintf("%s://%s/ws?clientId=%s", s.cfg.wsScheme(), s.cfg.Host, s.id)
}
