// Package app is the page-side session orchestrator. It drives the whole
// user flow over the relay bridge: authenticate, browse rooms, join a
// room, edit, capture voice segments. It never touches credentials or the
// socket directly; every privileged action is a bridge call, and every
// push event arrives through the bridge inbox consumed by Run.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chalkroom/chalkroom/internal/collab"
	"github.com/chalkroom/chalkroom/internal/ptt"
	"github.com/chalkroom/chalkroom/internal/relay"
)

// Phase is the orchestrator lifecycle phase.
type Phase int

const (
	PhaseUnauthenticated Phase = iota
	PhaseRoomBrowsing
	PhaseInRoom
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseRoomBrowsing:
		return "room-browsing"
	case PhaseInRoom:
		return "in-room"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// RoleEditor is the room role allowed to mutate the document.
const RoleEditor = "editor"

// Orchestrator errors.
var (
	ErrNotInRoom   = errors.New("app: not in a room")
	ErrViewerRole  = errors.New("app: viewers cannot edit")
	ErrNotLoggedIn = errors.New("app: not logged in")
)

// Caller is the bridge surface the orchestrator drives. *relay.Bridge
// implements it.
type Caller interface {
	Call(ctx context.Context, req relay.Request) (relay.Result, error)
	Events() <-chan relay.WorkerMessage
}

// Config wires an orchestrator.
type Config struct {
	Bridge   Caller
	Recorder ptt.Recorder // audio capture device; nil disables push-to-talk
	Language string
	Prompt   string
	OnPhase  func(Phase)
	OnDoc    func(collab.Document)
	Logger   *slog.Logger
}

// Orchestrator holds the page-side session state.
type Orchestrator struct {
	bridge  Caller
	onPhase func(Phase)
	onDoc   func(collab.Document)
	logger  *slog.Logger

	mu       sync.Mutex
	phase    Phase
	username string
	editing  []relay.Room
	viewing  []relay.Room
	roomID   string
	role     string
	engine   *collab.Engine

	pipeline *ptt.Pipeline
}

// New creates an orchestrator in the unauthenticated phase.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		bridge:  cfg.Bridge,
		onPhase: cfg.OnPhase,
		onDoc:   cfg.OnDoc,
		logger:  cfg.Logger,
	}
	if cfg.Recorder != nil {
		o.pipeline = ptt.New(ptt.Config{
			Recorder: cfg.Recorder,
			Submit:   o.submitSegment,
			Language: cfg.Language,
			Prompt:   cfg.Prompt,
			Logger:   cfg.Logger,
		})
	}
	return o
}

// Phase reports the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Document returns the current document, zero-valued outside a room.
func (o *Orchestrator) Document() collab.Document {
	o.mu.Lock()
	engine := o.engine
	o.mu.Unlock()
	if engine == nil {
		return collab.Document{}
	}
	return engine.Document()
}

// CheckAuth asks the worker whether a valid session already exists and, if
// so, skips straight to room browsing.
func (o *Orchestrator) CheckAuth(ctx context.Context) (bool, error) {
	res, err := o.bridge.Call(ctx, relay.Request{Type: relay.KindCheckAuth})
	if err != nil {
		return false, err
	}
	if !res.Success {
		o.observe(res)
		return false, nil
	}
	var auth relay.AuthData
	if err := json.Unmarshal(res.Data, &auth); err != nil {
		return false, fmt.Errorf("decode auth response: %w", err)
	}
	if auth.IsAuthenticated {
		o.setPhase(PhaseRoomBrowsing)
	}
	return auth.IsAuthenticated, nil
}

// Login authenticates and advances to room browsing. A failure result is
// returned as an error carrying the worker's message.
func (o *Orchestrator) Login(ctx context.Context, username, password string) error {
	data, err := json.Marshal(relay.Credentials{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	res, err := o.bridge.Call(ctx, relay.Request{Type: relay.KindLogin, Data: data})
	if err != nil {
		return err
	}
	if !res.Success {
		o.observe(res)
		return fmt.Errorf("login: %s", res.Error)
	}

	o.mu.Lock()
	o.username = username
	o.mu.Unlock()
	o.setPhase(PhaseRoomBrowsing)
	return nil
}

// FetchRooms refreshes the editing and viewing room lists.
func (o *Orchestrator) FetchRooms(ctx context.Context) (relay.RoomListData, error) {
	res, err := o.bridge.Call(ctx, relay.Request{Type: relay.KindFetchRooms})
	if err != nil {
		return relay.RoomListData{}, err
	}
	if !res.Success {
		o.observe(res)
		return relay.RoomListData{}, fmt.Errorf("fetch rooms: %s", res.Error)
	}
	var rooms relay.RoomListData
	if err := json.Unmarshal(res.Data, &rooms); err != nil {
		return relay.RoomListData{}, fmt.Errorf("decode rooms: %w", err)
	}

	o.mu.Lock()
	o.editing = rooms.EditingRooms
	o.viewing = rooms.ViewingRooms
	o.mu.Unlock()
	return rooms, nil
}

// FilterRooms narrows the last fetched lists by a case-insensitive name
// substring. An empty query returns everything.
func (o *Orchestrator) FilterRooms(query string) relay.RoomListData {
	o.mu.Lock()
	editing, viewing := o.editing, o.viewing
	o.mu.Unlock()

	return relay.RoomListData{
		EditingRooms: filterRooms(editing, query),
		ViewingRooms: filterRooms(viewing, query),
	}
}

func filterRooms(rooms []relay.Room, query string) []relay.Room {
	if query == "" {
		return rooms
	}
	q := strings.ToLower(query)
	var out []relay.Room
	for _, r := range rooms {
		if strings.Contains(strings.ToLower(r.Name), q) {
			out = append(out, r)
		}
	}
	return out
}

// JoinRoom looks up the caller's role, opens the room socket, and enters
// the in-room phase with a fresh sync engine. The engine's identity is the
// logged-in username so rebroadcasts of our own edits are recognized.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomID string) (string, error) {
	o.mu.Lock()
	username := o.username
	o.mu.Unlock()
	if username == "" {
		return "", ErrNotLoggedIn
	}

	res, err := o.bridge.Call(ctx, relay.Request{Type: relay.KindJoinRoom, RoomCode: roomID})
	if err != nil {
		return "", err
	}
	if !res.Success {
		o.observe(res)
		return "", fmt.Errorf("join room: %s", res.Error)
	}
	var role relay.RoleData
	if err := json.Unmarshal(res.Data, &role); err != nil {
		return "", fmt.Errorf("decode role: %w", err)
	}

	res, err = o.bridge.Call(ctx, relay.Request{Type: relay.KindInitSocket, RoomID: roomID})
	if err != nil {
		return "", err
	}
	if !res.Success {
		o.observe(res)
		return "", fmt.Errorf("open socket: %s", res.Error)
	}

	engine := collab.NewEngine(username, o.sendText,
		collab.WithOnChange(o.notifyDoc),
		collab.WithLogger(o.logger),
	)

	o.mu.Lock()
	o.roomID = roomID
	o.role = role.Role
	o.engine = engine
	o.mu.Unlock()
	o.setPhase(PhaseInRoom)

	o.logger.Info("joined room", slog.String("room", roomID), slog.String("role", role.Role))
	return role.Role, nil
}

// LeaveRoom returns to room browsing. The worker keeps the socket until
// the next room is joined; the orchestrator just stops listening to it.
func (o *Orchestrator) LeaveRoom() {
	o.mu.Lock()
	o.roomID = ""
	o.role = ""
	o.engine = nil
	o.mu.Unlock()
	o.setPhase(PhaseRoomBrowsing)
}

// Edit applies a local edit. Only editors may mutate the document.
func (o *Orchestrator) Edit(text string) error {
	o.mu.Lock()
	engine, role := o.engine, o.role
	o.mu.Unlock()
	if engine == nil {
		return ErrNotInRoom
	}
	if role != RoleEditor {
		return ErrViewerRole
	}
	engine.LocalEdit(text)
	return nil
}

// StartCapture begins a push-to-talk capture. No-op without a recorder.
func (o *Orchestrator) StartCapture(ctx context.Context) {
	if o.pipeline != nil {
		o.pipeline.KeyDown(ctx)
	}
}

// StopCapture ends the capture and submits the segment.
func (o *Orchestrator) StopCapture() {
	if o.pipeline != nil {
		o.pipeline.KeyUp()
	}
}

// Run consumes push events from the bridge inbox until ctx is done or the
// bridge closes. It is the only reader of the inbox.
func (o *Orchestrator) Run(ctx context.Context) {
	events := o.bridge.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			o.handleEvent(msg)
		}
	}
}

func (o *Orchestrator) handleEvent(msg relay.WorkerMessage) {
	o.mu.Lock()
	engine := o.engine
	roomID := o.roomID
	o.mu.Unlock()

	switch msg.Type {
	case relay.EventSocketText:
		if engine == nil {
			return
		}
		var evt relay.TextEventData
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			o.logger.Warn("malformed text event", slog.String("error", err.Error()))
			return
		}
		engine.ApplyRemoteText(evt.Text, evt.Username)

	case relay.EventSocketLatex:
		if engine == nil {
			return
		}
		var evt relay.MarkupEventData
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			o.logger.Warn("malformed markup event", slog.String("error", err.Error()))
			return
		}
		engine.ApplyMarkup(evt.Markup)

	case relay.EventSocketDropped:
		o.logger.Warn("room connection dropped", slog.String("room", roomID))

	default:
		o.logger.Warn("unknown push event", slog.String("type", msg.Type))
	}
}

// sendText is the sync engine's propagation hook: forward the full text
// to the room through the worker.
func (o *Orchestrator) sendText(text string) {
	res, err := o.bridge.Call(context.Background(), relay.Request{
		Type: relay.KindEmitText,
		Text: text,
	})
	if err != nil {
		o.logger.Warn("emit text failed", slog.String("error", err.Error()))
		return
	}
	if !res.Success {
		o.observe(res)
		o.logger.Warn("emit text refused", slog.String("error", res.Error))
	}
}

// submitSegment sends a captured audio segment for transcription and, on
// success, appends the result through the sync engine. The segment's
// request id travels the whole loop so redelivered responses deduplicate.
func (o *Orchestrator) submitSegment(seg ptt.Segment) {
	res, err := o.bridge.Call(context.Background(), relay.Request{
		Type:      relay.KindTranscribe,
		RequestID: seg.RequestID,
		AudioData: seg.Audio,
		Language:  seg.Language,
		Prompt:    seg.Prompt,
	})
	if err != nil {
		o.logger.Warn("transcription failed", slog.String("error", err.Error()))
		return
	}
	if !res.Success {
		o.observe(res)
		o.logger.Warn("transcription refused", slog.String("error", res.Error))
		return
	}

	var tr relay.TranscriptionData
	if err := json.Unmarshal(res.Data, &tr); err != nil {
		o.logger.Warn("malformed transcription", slog.String("error", err.Error()))
		return
	}

	o.mu.Lock()
	engine := o.engine
	o.mu.Unlock()
	if engine == nil {
		// Left the room while the segment was in flight.
		return
	}
	engine.ApplyTranscription(tr.RequestID, tr.Text)
}

// observe inspects a failure result for the conditions that change
// orchestrator state. Credential expiry drops the whole session back to
// unauthenticated no matter which call surfaced it.
func (o *Orchestrator) observe(res relay.Result) {
	if res.ErrorKind != relay.ErrorKindAuthExpired {
		return
	}
	o.mu.Lock()
	o.username = ""
	o.roomID = ""
	o.role = ""
	o.engine = nil
	o.mu.Unlock()
	o.setPhase(PhaseUnauthenticated)
	o.logger.Info("session expired")
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	if o.phase == p {
		o.mu.Unlock()
		return
	}
	o.phase = p
	o.mu.Unlock()
	if o.onPhase != nil {
		o.onPhase(p)
	}
}

func (o *Orchestrator) notifyDoc(doc collab.Document) {
	if o.onDoc != nil {
		o.onDoc(doc)
	}
}
