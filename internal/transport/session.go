// Package transport owns the persistent bidirectional connection to the
// collaboration server. A session walks a strict handshake order —
// connect, authenticate, join — before it accepts application push
// events, and every failure path lands back in Disconnected.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chalkroom/chalkroom/internal/metrics"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting-auth"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in-room"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Named events on the wire. Frames are JSON objects with an event field
// plus the arguments for that event.
const (
	eventAuthenticate  = "authenticate"
	eventJoinRoom      = "join-room"
	eventSendText      = "send-text"
	eventAuthenticated = "authenticated"
	eventReceiveText   = "receive-text"
	eventReceiveMarkup = "receive-original-markup"
)

type frame struct {
	Event      string `json:"event"`
	Text       string `json:"text,omitempty"`
	Markup     string `json:"markup,omitempty"`
	Username   string `json:"username,omitempty"`
	RoomID     string `json:"roomId,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// Session errors.
var (
	ErrNotInRoom = errors.New("transport: join handshake not complete")
	ErrClosed    = errors.New("transport: session closed")
)

// Config holds the session target and retry policy.
type Config struct {
	URL            string
	RoomID         string
	Credential     string
	DialTimeout    time.Duration
	RedialAttempts int
	RedialBackoff  time.Duration
}

// Events are the callbacks a session fires from its read loop. All are
// optional and are invoked sequentially from a single goroutine.
type Events struct {
	OnText    func(text, username string)
	OnMarkup  func(markup string)
	OnState   func(State)
	OnDropped func(err error)
}

// Session is one live connection. It is a singleton per worker instance;
// the request gateway tears down any previous session before dialing a
// new one so push-event listeners never accumulate.
type Session struct {
	cfg    Config
	events Events
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	closed   bool
	autoJoin bool

	// writeMu serializes frame writes; the websocket allows one
	// concurrent writer.
	writeMu sync.Mutex
}

// Dial opens a session and performs the connect and authenticate steps.
// The join step completes asynchronously once the server acknowledges the
// credential. Dial fails outright if the connection cannot be opened.
func Dial(ctx context.Context, cfg Config, events Events, logger *slog.Logger) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("transport: room id required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RedialBackoff <= 0 {
		cfg.RedialBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{cfg: cfg, events: events, logger: logger, autoJoin: true}
	if err := s.connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}
	go s.run()
	return s, nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendText sends a text update for the session's room. It is refused
// until the join handshake has completed.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateInRoom {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	conn := s.conn
	s.mu.Unlock()

	return s.write(conn, frame{
		Event:      eventSendText,
		Text:       text,
		RoomID:     s.cfg.RoomID,
		Credential: s.cfg.Credential,
	})
}

// Rejoin re-sends the join event after a redial. Room membership is not
// restored automatically on reconnect; this is the explicit step that
// restores it, and it only applies once the session has re-authenticated.
func (s *Session) Rejoin() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return fmt.Errorf("transport: cannot rejoin in state %s", s.state)
	}
	conn := s.conn
	s.mu.Unlock()
	return s.join(conn)
}

// Close tears down the connection and stops the redial loop. Safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.setState(StateDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// connect performs the connect and authenticate handshake steps. The
// transport-level handshake does not carry the credential, so an explicit
// authenticate event always follows a successful dial.
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	metrics.TransportConnects.Inc()

	if err := s.write(conn, frame{Event: eventAuthenticate, Credential: s.cfg.Credential}); err != nil {
		conn.Close()
		return fmt.Errorf("send authenticate: %w", err)
	}
	s.setState(StateAwaitingAuth)
	return nil
}

// run owns the read loop and the redial policy. On connection loss it
// notifies OnDropped, redials with backoff, and re-authenticates — but it
// never rejoins the room on its own.
func (s *Session) run() {
	for {
		err := s.readLoop()

		s.mu.Lock()
		closed := s.closed
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()

		s.setState(StateDisconnected)
		if closed {
			return
		}

		metrics.TransportDrops.Inc()
		s.logger.Info("connection lost", slog.String("room", s.cfg.RoomID), slog.String("error", err.Error()))
		if s.events.OnDropped != nil {
			s.events.OnDropped(err)
		}
		if !s.redial() {
			return
		}
	}
}

func (s *Session) readLoop() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("transport: no connection")
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		s.handleFrame(conn, f)
	}
}

func (s *Session) handleFrame(conn *websocket.Conn, f frame) {
	switch f.Event {
	case eventAuthenticated:
		s.mu.Lock()
		if s.state != StateAwaitingAuth {
			s.mu.Unlock()
			metrics.TransportEventsDropped.WithLabelValues(f.Event).Inc()
			return
		}
		s.state = StateAuthenticated
		auto := s.autoJoin
		s.mu.Unlock()
		s.notifyState(StateAuthenticated)
		if auto {
			if err := s.join(conn); err != nil {
				s.logger.Error("join after authenticate", slog.String("error", err.Error()))
			}
		}

	case eventReceiveText:
		if s.State() != StateInRoom {
			metrics.TransportEventsDropped.WithLabelValues(f.Event).Inc()
			return
		}
		if s.events.OnText != nil {
			s.events.OnText(f.Text, f.Username)
		}

	case eventReceiveMarkup:
		if s.State() != StateInRoom {
			metrics.TransportEventsDropped.WithLabelValues(f.Event).Inc()
			return
		}
		if s.events.OnMarkup != nil {
			s.events.OnMarkup(f.Markup)
		}

	default:
		metrics.TransportEventsDropped.WithLabelValues("unknown").Inc()
		s.logger.Warn("unknown socket event", slog.String("event", f.Event))
	}
}

// join sends the join event and, absent a join acknowledgment on this
// protocol, treats a successful write as membership.
func (s *Session) join(conn *websocket.Conn) error {
	err := s.write(conn, frame{
		Event:      eventJoinRoom,
		RoomID:     s.cfg.RoomID,
		Credential: s.cfg.Credential,
	})
	if err != nil {
		return fmt.Errorf("send join-room: %w", err)
	}
	s.setState(StateInRoom)
	return nil
}

func (s *Session) redial() bool {
	// Any membership the old connection had is gone; stop at
	// Authenticated until the caller explicitly rejoins.
	s.mu.Lock()
	s.autoJoin = false
	s.mu.Unlock()

	for attempt := 1; attempt <= s.cfg.RedialAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * s.cfg.RedialBackoff)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			return true
		}
		s.logger.Warn("redial failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	s.setState(StateDisconnected)
	return false
}

func (s *Session) write(conn *websocket.Conn, f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	if s.events.OnState != nil {
		s.events.OnState(st)
	}
}
