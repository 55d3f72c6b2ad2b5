// Package gateway is the privileged worker behind the relay bridge. It
// owns the remote service client, the session credential state and the
// single live transport session, and it dispatches every request kind the
// bridge vocabulary names. The page side never touches credentials or the
// socket directly; everything funnels through Dispatch.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chalkroom/chalkroom/internal/api"
	"github.com/chalkroom/chalkroom/internal/credentials"
	"github.com/chalkroom/chalkroom/internal/metrics"
	"github.com/chalkroom/chalkroom/internal/relay"
	"github.com/chalkroom/chalkroom/internal/transport"
)

// Service is the remote-API surface the gateway depends on. *api.Client
// implements it; tests substitute a fake.
type Service interface {
	Login(ctx context.Context, username, password string) (json.RawMessage, error)
	MyRooms(ctx context.Context) ([]api.Room, error)
	ViewableRooms(ctx context.Context) ([]api.Room, error)
	RoleForRoom(ctx context.Context, roomCode string) (*api.RoleInfo, error)
	Transcribe(ctx context.Context, tr api.TranscribeRequest) (string, error)
}

// Conn is the live transport session as the gateway sees it.
type Conn interface {
	SendText(text string) error
	Rejoin() error
	State() transport.State
	Close() error
}

// Dialer opens a transport session. Injected so tests can run without a
// real websocket server.
type Dialer func(ctx context.Context, cfg transport.Config, events transport.Events, logger *slog.Logger) (Conn, error)

// NetDialer is the production dialer backed by transport.Dial.
func NetDialer(ctx context.Context, cfg transport.Config, events transport.Events, logger *slog.Logger) (Conn, error) {
	return transport.Dial(ctx, cfg, events, logger)
}

// Recorder persists session events for later inspection. Optional.
type Recorder interface {
	Record(ctx context.Context, kind, detail string)
}

// Config wires a Gateway.
type Config struct {
	Service        Service
	Credentials    credentials.Store
	Dialer         Dialer
	SocketURL      string
	DialTimeout    time.Duration
	RedialAttempts int
	RedialBackoff  time.Duration
	Recorder       Recorder
	Logger         *slog.Logger
}

// Snapshot is the gateway state exposed on the debug surface.
type Snapshot struct {
	Authenticated bool   `json:"authenticated"`
	SocketState   string `json:"socketState"`
	RoomID        string `json:"roomId,omitempty"`
}

// Gateway handles forwarded requests. At most one transport session is
// live at a time; initSocket tears down the previous one before dialing
// so push listeners never accumulate across room switches.
type Gateway struct {
	svc     Service
	creds   credentials.Store
	dialer  Dialer
	url     string
	dialTO  time.Duration
	redials int
	backoff time.Duration
	rec     Recorder
	logger  *slog.Logger
	publish func(relay.WorkerMessage)

	mu            sync.Mutex
	authenticated bool
	sess          Conn
	roomID        string
}

// New creates a gateway. It starts with no credential and no socket.
func New(cfg Config) *Gateway {
	if cfg.Dialer == nil {
		cfg.Dialer = NetDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Gateway{
		svc:     cfg.Service,
		creds:   cfg.Credentials,
		dialer:  cfg.Dialer,
		url:     cfg.SocketURL,
		dialTO:  cfg.DialTimeout,
		redials: cfg.RedialAttempts,
		backoff: cfg.RedialBackoff,
		rec:     cfg.Recorder,
		logger:  cfg.Logger,
	}
}

// SetPublisher registers the push-event sink. The bridge is constructed
// around the gateway, so the publisher arrives after New.
func (g *Gateway) SetPublisher(fn func(relay.WorkerMessage)) {
	g.mu.Lock()
	g.publish = fn
	g.mu.Unlock()
}

// Snapshot reports the current gateway state.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := transport.StateDisconnected
	if g.sess != nil {
		st = g.sess.State()
	}
	return Snapshot{
		Authenticated: g.authenticated,
		SocketState:   st.String(),
		RoomID:        g.roomID,
	}
}

// Close tears down the live transport session, if any.
func (g *Gateway) Close() error {
	g.mu.Lock()
	sess := g.sess
	g.sess = nil
	g.roomID = ""
	g.mu.Unlock()
	if sess != nil {
		return sess.Close()
	}
	return nil
}

// Dispatch routes one forwarded request to its handler. Every outcome is
// a Result; Dispatch never panics and never returns a Go error.
func (g *Gateway) Dispatch(ctx context.Context, req relay.Request) relay.Result {
	switch req.Type {
	case relay.KindCheckAuth:
		return g.checkAuth(ctx)
	case relay.KindLogin:
		return g.login(ctx, req)
	case relay.KindFetchRooms:
		return g.fetchRooms(ctx)
	case relay.KindJoinRoom:
		return g.joinRoom(ctx, req)
	case relay.KindInitSocket:
		return g.initSocket(ctx, req)
	case relay.KindEmitText:
		return g.emitText(req)
	case relay.KindTranscribe:
		return g.transcribe(ctx, req)
	default:
		return relay.Failure(relay.ErrorKindInvalid, "unknown request type: "+req.Type)
	}
}

// checkAuth reports the session state. A credential already present in
// the store (a cookie surviving a worker restart) counts as an existing
// session, so it authenticates the gateway without a fresh login.
func (g *Gateway) checkAuth(ctx context.Context) relay.Result {
	g.mu.Lock()
	ok := g.authenticated
	g.mu.Unlock()
	if !ok {
		if _, present := g.creds.Credential(); present {
			g.mu.Lock()
			g.authenticated = true
			g.mu.Unlock()
			ok = true
		}
	}
	return relay.OK(relay.AuthData{IsAuthenticated: ok})
}

func (g *Gateway) login(ctx context.Context, req relay.Request) relay.Result {
	var creds relay.Credentials
	if err := json.Unmarshal(req.Data, &creds); err != nil {
		return relay.Failure(relay.ErrorKindInvalid, "decode credentials: "+err.Error())
	}
	if creds.Username == "" || creds.Password == "" {
		return relay.Failure(relay.ErrorKindInvalid, "username and password required")
	}

	raw, err := g.svc.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		return g.fail(ctx, "login", err)
	}

	g.mu.Lock()
	g.authenticated = true
	g.mu.Unlock()
	g.record(ctx, "login", creds.Username)
	return relay.Result{Success: true, Data: raw}
}

func (g *Gateway) fetchRooms(ctx context.Context) relay.Result {
	editing, err := g.svc.MyRooms(ctx)
	if err != nil {
		return g.fail(ctx, "fetchRooms", err)
	}
	viewing, err := g.svc.ViewableRooms(ctx)
	if err != nil {
		return g.fail(ctx, "fetchRooms", err)
	}
	return relay.OK(relay.RoomListData{
		EditingRooms: toRooms(editing),
		ViewingRooms: toRooms(viewing),
	})
}

func (g *Gateway) joinRoom(ctx context.Context, req relay.Request) relay.Result {
	if req.RoomCode == "" {
		return relay.Failure(relay.ErrorKindInvalid, "room code required")
	}
	info, err := g.svc.RoleForRoom(ctx, req.RoomCode)
	if err != nil {
		return g.fail(ctx, "joinRoom", err)
	}
	g.record(ctx, "join-room", req.RoomCode)
	return relay.OK(relay.RoleData{Role: info.Role})
}

// initSocket opens the transport session for a room. It is idempotent in
// the sense that matters: any previous session is torn down first, so
// repeated calls leave exactly one live connection and one set of push
// listeners.
func (g *Gateway) initSocket(ctx context.Context, req relay.Request) relay.Result {
	if req.RoomID == "" {
		return relay.Failure(relay.ErrorKindInvalid, "room id required")
	}

	cred, ok := g.creds.Credential()
	if !ok {
		g.expire(ctx)
		return relay.Failure(relay.ErrorKindAuthExpired, "no session credential")
	}

	g.mu.Lock()
	old := g.sess
	g.sess = nil
	g.mu.Unlock()
	if old != nil {
		old.Close()
	}

	roomID := req.RoomID
	sess, err := g.dialer(ctx, transport.Config{
		URL:            g.url,
		RoomID:         roomID,
		Credential:     cred,
		DialTimeout:    g.dialTO,
		RedialAttempts: g.redials,
		RedialBackoff:  g.backoff,
	}, transport.Events{
		OnText: func(text, username string) {
			g.push(relay.EventSocketText, relay.TextEventData{Text: text, Username: username})
		},
		OnMarkup: func(markup string) {
			g.push(relay.EventSocketLatex, relay.MarkupEventData{Markup: markup})
		},
		OnDropped: func(err error) {
			g.push(relay.EventSocketDropped, relay.DroppedEventData{RoomID: roomID, Error: err.Error()})
		},
	}, g.logger)
	if err != nil {
		return relay.Failure(relay.ErrorKindNetwork, fmt.Sprintf("open socket: %v", err))
	}

	g.mu.Lock()
	displaced := g.sess
	g.sess = sess
	g.roomID = roomID
	g.mu.Unlock()
	if displaced != nil {
		displaced.Close()
	}

	g.record(ctx, "socket-open", roomID)
	return relay.OK(nil)
}

func (g *Gateway) emitText(req relay.Request) relay.Result {
	g.mu.Lock()
	sess := g.sess
	g.mu.Unlock()
	if sess == nil {
		return relay.Failure(relay.ErrorKindInvalid, "socket not initialized")
	}
	if err := sess.SendText(req.Text); err != nil {
		return relay.Failure(relay.ErrorKindNetwork, "send text: "+err.Error())
	}
	return relay.OK(nil)
}

func (g *Gateway) transcribe(ctx context.Context, req relay.Request) relay.Result {
	if len(req.AudioData) == 0 {
		return relay.Failure(relay.ErrorKindInvalid, "audio data required")
	}
	// The request identifier comes from the caller; it drives duplicate
	// detection downstream, so a missing one is refused, never invented.
	if req.RequestID == "" {
		return relay.Failure(relay.ErrorKindInvalid, "request id required")
	}

	start := time.Now()
	text, err := g.svc.Transcribe(ctx, api.TranscribeRequest{
		Audio:    req.AudioData,
		Language: req.Language,
		Prompt:   req.Prompt,
	})
	if err != nil {
		return g.fail(ctx, "transcribeAudio", err)
	}
	metrics.TranscriptionDuration.Observe(time.Since(start).Seconds())

	return relay.OK(relay.TranscriptionData{Text: text, RequestID: req.RequestID})
}

// Rejoin restores room membership after a dropped connection. Exposed for
// the page side to call once it learns of the drop.
func (g *Gateway) Rejoin() error {
	g.mu.Lock()
	sess := g.sess
	g.mu.Unlock()
	if sess == nil {
		return errors.New("gateway: no socket to rejoin")
	}
	return sess.Rejoin()
}

// fail maps a service error to a failure result. Credential expiry is a
// global condition: whichever call observes it flips the gateway back to
// unauthenticated.
func (g *Gateway) fail(ctx context.Context, op string, err error) relay.Result {
	if errors.Is(err, api.ErrAuthExpired) {
		g.expire(ctx)
		return relay.Failure(relay.ErrorKindAuthExpired, op+": session expired")
	}
	g.logger.Warn("request failed", slog.String("op", op), slog.String("error", err.Error()))
	return relay.Failure(relay.ErrorKindNetwork, op+": "+err.Error())
}

func (g *Gateway) expire(ctx context.Context) {
	g.mu.Lock()
	was := g.authenticated
	g.authenticated = false
	g.mu.Unlock()
	if c, ok := g.creds.(credentials.Clearer); ok {
		c.Clear()
	}
	if was {
		g.record(ctx, "auth-expired", "")
	}
}

func (g *Gateway) push(event string, payload any) {
	g.mu.Lock()
	publish := g.publish
	g.mu.Unlock()
	if publish == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("encode push event", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	publish(relay.WorkerMessage{Type: event, Data: data})
}

func (g *Gateway) record(ctx context.Context, kind, detail string) {
	if g.rec != nil {
		g.rec.Record(ctx, kind, detail)
	}
}

func toRooms(in []api.Room) []relay.Room {
	out := make([]relay.Room, len(in))
	for i, r := range in {
		out[i] = relay.Room{ID: r.ID, Name: r.Name}
	}
	return out
}
