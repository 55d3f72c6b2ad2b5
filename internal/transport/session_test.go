package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeServer is an in-process collaboration server speaking the session's
// wire protocol. It records inbound frames and can push frames to the
// client at any point in the handshake.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []frame
	connCh   chan *websocket.Conn
	autoAuth bool
}

func newFakeServer(t *testing.T, autoAuth bool) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, autoAuth: autoAuth, connCh: make(chan *websocket.Conn, 4)}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()
	fs.connCh <- conn

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		fs.mu.Lock()
		fs.received = append(fs.received, f)
		fs.mu.Unlock()

		if f.Event == eventAuthenticate && fs.autoAuth {
			fs.push(conn, frame{Event: eventAuthenticated})
		}
	}
}

func (fs *fakeServer) push(conn *websocket.Conn, f frame) {
	data, _ := json.Marshal(f)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		fs.t.Logf("push failed: %v", err)
	}
}

func (fs *fakeServer) frames() []frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]frame, len(fs.received))
	copy(out, fs.received)
	return out
}

func (fs *fakeServer) waitForFrame(event string, timeout time.Duration) (frame, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, f := range fs.frames() {
			if f.Event == event {
				return f, true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return frame{}, false
}

func waitForState(s *Session, want State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestHandshakeOrder(t *testing.T) {
	fs := newFakeServer(t, true)

	s, err := Dial(context.Background(), Config{
		URL:        fs.url(),
		RoomID:     "room-42",
		Credential: "s:tok",
	}, Events{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if !waitForState(s, StateInRoom, 2*time.Second) {
		t.Fatalf("never reached in-room, state = %s", s.State())
	}

	got := fs.frames()
	if len(got) < 2 {
		t.Fatalf("server saw %d frames, want authenticate then join-room", len(got))
	}
	if got[0].Event != eventAuthenticate || got[0].Credential != "s:tok" {
		t.Errorf("first frame = %+v, want authenticate with credential", got[0])
	}
	if got[1].Event != eventJoinRoom || got[1].RoomID != "room-42" {
		t.Errorf("second frame = %+v, want join-room for room-42", got[1])
	}
}

func TestSendTextRefusedBeforeJoin(t *testing.T) {
	// Server never acknowledges the credential, so the session stays in
	// awaiting-auth and send-text must be refused.
	fs := newFakeServer(t, false)

	s, err := Dial(context.Background(), Config{
		URL:        fs.url(),
		RoomID:     "room-42",
		Credential: "s:tok",
	}, Events{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if err := s.SendText("x=1"); err != ErrNotInRoom {
		t.Fatalf("SendText before join = %v, want ErrNotInRoom", err)
	}
	for _, f := range fs.frames() {
		if f.Event == eventSendText {
			t.Fatal("send-text reached the server before join completed")
		}
	}
}

func TestPushBeforeJoinIsDropped(t *testing.T) {
	fs := newFakeServer(t, false)

	var mu sync.Mutex
	var texts []string
	s, err := Dial(context.Background(), Config{
		URL:        fs.url(),
		RoomID:     "room-42",
		Credential: "s:tok",
	}, Events{
		OnText: func(text, username string) {
			mu.Lock()
			texts = append(texts, text)
			mu.Unlock()
		},
	}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	conn := <-fs.connCh
	// Application push before the handshake completed: must be dropped.
	fs.push(conn, frame{Event: eventReceiveText, Text: "early", Username: "bob"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	n := len(texts)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("push event accepted before join, got %d texts", n)
	}
}

func TestPushDeliveredInRoom(t *testing.T) {
	fs := newFakeServer(t, true)

	textCh := make(chan frame, 1)
	markupCh := make(chan string, 1)
	s, err := Dial(context.Background(), Config{
		URL:        fs.url(),
		RoomID:     "room-42",
		Credential: "s:tok",
	}, Events{
		OnText: func(text, username string) {
			textCh <- frame{Text: text, Username: username}
		},
		OnMarkup: func(markup string) {
			markupCh <- markup
		},
	}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if !waitForState(s, StateInRoom, 2*time.Second) {
		t.Fatalf("never reached in-room")
	}

	conn := <-fs.connCh
	fs.push(conn, frame{Event: eventReceiveText, Text: "x=1", Username: "bob"})
	fs.push(conn, frame{Event: eventReceiveMarkup, Markup: "<mrow>x=1</mrow>"})

	select {
	case f := <-textCh:
		if f.Text != "x=1" || f.Username != "bob" {
			t.Errorf("text event = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("text push never delivered")
	}
	select {
	case m := <-markupCh:
		if m != "<mrow>x=1</mrow>" {
			t.Errorf("markup = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("markup push never delivered")
	}
}

func TestSendTextCarriesRoomAndCredential(t *testing.T) {
	fs := newFakeServer(t, true)

	s, err := Dial(context.Background(), Config{
		URL:        fs.url(),
		RoomID:     "room-42",
		Credential: "s:tok",
	}, Events{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if !waitForState(s, StateInRoom, 2*time.Second) {
		t.Fatal("never reached in-room")
	}
	if err := s.SendText("x=1"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	f, ok := fs.waitForFrame(eventSendText, 2*time.Second)
	if !ok {
		t.Fatal("server never saw send-text")
	}
	if f.Text != "x=1" || f.RoomID != "room-42" || f.Credential != "s:tok" {
		t.Errorf("send-text frame = %+v", f)
	}
}

func TestDropNotifiesAndStopsShortOfRejoin(t *testing.T) {
	fs := newFakeServer(t, true)

	dropped := make(chan error, 1)
	s, err := Dial(context.Background(), Config{
		URL:            fs.url(),
		RoomID:         "room-42",
		Credential:     "s:tok",
		RedialAttempts: 3,
		RedialBackoff:  10 * time.Millisecond,
	}, Events{
		OnDropped: func(err error) {
			select {
			case dropped <- err:
			default:
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if !waitForState(s, StateInRoom, 2*time.Second) {
		t.Fatal("never reached in-room")
	}

	// Kill the server side of the connection.
	conn := <-fs.connCh
	conn.Close()

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDropped never fired")
	}

	// The session redials and re-authenticates but must not rejoin the
	// room on its own.
	if !waitForState(s, StateAuthenticated, 2*time.Second) {
		t.Fatalf("never re-authenticated, state = %s", s.State())
	}
	time.Sleep(50 * time.Millisecond)
	if st := s.State(); st != StateAuthenticated {
		t.Fatalf("state after redial = %s, want authenticated", st)
	}

	// Explicit rejoin restores membership.
	if err := s.Rejoin(); err != nil {
		t.Fatalf("Rejoin: %v", err)
	}
	if st := s.State(); st != StateInRoom {
		t.Fatalf("state after rejoin = %s, want in-room", st)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := newFakeServer(t, true)

	s, err := Dial(context.Background(), Config{
		URL:        fs.url(),
		RoomID:     "room-42",
		Credential: "s:tok",
	}, Events{}, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.SendText("x"); err != ErrClosed {
		t.Errorf("SendText after close = %v, want ErrClosed", err)
	}
}
