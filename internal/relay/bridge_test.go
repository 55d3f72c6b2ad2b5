package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubWorker records dispatched requests and answers from a script.
type stubWorker struct {
	mu       sync.Mutex
	requests []Request
	respond  func(req Request) Result
	block    chan struct{} // when set, Dispatch waits until closed
}

func (w *stubWorker) Dispatch(_ context.Context, req Request) Result {
	w.mu.Lock()
	w.requests = append(w.requests, req)
	w.mu.Unlock()
	if w.block != nil {
		<-w.block
	}
	if w.respond != nil {
		return w.respond(req)
	}
	return OK(nil)
}

func (w *stubWorker) dispatched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

const testOrigin = "https://rooms.example.test"

func TestCallRoundTrip(t *testing.T) {
	worker := &stubWorker{respond: func(req Request) Result {
		if req.Type != KindLogin {
			t.Errorf("worker saw kind %q, want %q", req.Type, KindLogin)
		}
		return OK(AuthData{IsAuthenticated: true})
	}}
	b := NewBridge(testOrigin, worker)
	defer b.Close()

	res, err := b.Call(context.Background(), Request{Type: KindLogin})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	var data AuthData
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !data.IsAuthenticated {
		t.Error("expected isAuthenticated=true")
	}
	if n := b.PendingCalls(); n != 0 {
		t.Errorf("pending calls after resolution = %d, want 0", n)
	}
}

func TestForwardRejectsForeignOrigin(t *testing.T) {
	worker := &stubWorker{}
	b := NewBridge(testOrigin, worker)
	defer b.Close()

	_, _, err := b.Forward(context.Background(), PageMessage{
		Type:    PageMarker + "LOGIN",
		Origin:  "https://evil.example.test",
		Message: Request{Type: KindLogin},
	})
	if !errors.Is(err, ErrForeignOrigin) {
		t.Fatalf("err = %v, want ErrForeignOrigin", err)
	}
	if worker.dispatched() != 0 {
		t.Error("foreign-origin message was forwarded to the worker")
	}
}

func TestForwardRejectsUnknownKind(t *testing.T) {
	worker := &stubWorker{}
	b := NewBridge(testOrigin, worker)
	defer b.Close()

	cases := []struct {
		name string
		msg  PageMessage
		want error
	}{
		{
			name: "no marker",
			msg:  PageMessage{Type: "LOGIN", Origin: testOrigin, Message: Request{Type: KindLogin}},
			want: ErrBadMarker,
		},
		{
			name: "unknown call name",
			msg:  PageMessage{Type: PageMarker + "SELF_DESTRUCT", Origin: testOrigin, Message: Request{Type: "selfDestruct"}},
			want: ErrUnknownKind,
		},
		{
			name: "tag and request type disagree",
			msg:  PageMessage{Type: PageMarker + "LOGIN", Origin: testOrigin, Message: Request{Type: KindFetchRooms}},
			want: ErrKindMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := b.Forward(context.Background(), tc.msg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if worker.dispatched() != 0 {
		t.Error("malformed message was forwarded to the worker")
	}
}

func TestCallIDsAreUnique(t *testing.T) {
	worker := &stubWorker{}
	b := NewBridge(testOrigin, worker)
	defer b.Close()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, ch, err := b.Forward(context.Background(), PageMessage{
			Type:    PageMarker + "FETCH_ROOMS",
			Origin:  testOrigin,
			Message: Request{Type: KindFetchRooms},
		})
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate call id %q", id)
		}
		seen[id] = true
		<-ch
	}
}

func TestCallTimeoutProducesTimedOutResult(t *testing.T) {
	worker := &stubWorker{block: make(chan struct{})}
	b := NewBridge(testOrigin, worker, WithCallTimeout(20*time.Millisecond))

	res, err := b.Call(context.Background(), Request{Type: KindFetchRooms})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.ErrorKind != ErrorKindTimedOut {
		t.Errorf("errorKind = %q, want %q", res.ErrorKind, ErrorKindTimedOut)
	}
	if n := b.PendingCalls(); n != 0 {
		t.Errorf("pending calls after timeout = %d, want 0", n)
	}

	// Let the worker finish; its late response must be discarded without
	// a panic or a stray inbox delivery.
	close(worker.block)
	time.Sleep(10 * time.Millisecond)
	select {
	case evt := <-b.Events():
		t.Errorf("late response leaked into inbox: %+v", evt)
	default:
	}
	b.Close()
}

func TestPublishDeliversPushEvents(t *testing.T) {
	b := NewBridge(testOrigin, &stubWorker{})
	defer b.Close()

	payload, _ := json.Marshal(TextEventData{Text: "x=1", Username: "ada"})
	b.Publish(WorkerMessage{Type: EventSocketText, Data: payload})

	select {
	case evt := <-b.Events():
		if evt.Type != EventSocketText {
			t.Errorf("event type = %q, want %q", evt.Type, EventSocketText)
		}
		var data TextEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("decode push payload: %v", err)
		}
		if data.Text != "x=1" || data.Username != "ada" {
			t.Errorf("unexpected payload: %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("push event never delivered")
	}
}

func TestResponseTagDerivation(t *testing.T) {
	tag, ok := PageTag(KindTranscribe)
	if !ok {
		t.Fatal("no tag for transcribeAudio")
	}
	if tag != "FROM_PAGE_TRANSCRIBE_AUDIO" {
		t.Errorf("page tag = %q", tag)
	}
	if got := ResponseTag(tag); got != "FROM_EXTENSION_TRANSCRIBE_AUDIO" {
		t.Errorf("response tag = %q", got)
	}
}

func TestCloseResolvesPendingCalls(t *testing.T) {
	worker := &stubWorker{block: make(chan struct{})}
	defer close(worker.block)
	b := NewBridge(testOrigin, worker)

	// The default configuration has no call timeout, so a caller blocked
	// on a stalled worker relies on Close to unblock it.
	done := make(chan Result, 1)
	go func() {
		res, err := b.Call(context.Background(), Request{Type: KindFetchRooms})
		if err != nil {
			t.Errorf("Call failed: %v", err)
		}
		done <- res
	}()

	for b.PendingCalls() == 0 {
		time.Sleep(time.Millisecond)
	}
	b.Close()

	select {
	case res := <-done:
		if res.Success {
			t.Fatal("expected failure result after Close")
		}
		if res.ErrorKind != ErrorKindInvalid {
			t.Errorf("errorKind = %q, want %q", res.ErrorKind, ErrorKindInvalid)
		}
	case <-time.After(time.Second):
		t.Fatal("Call still blocked after Close")
	}
	if n := b.PendingCalls(); n != 0 {
		t.Errorf("pending calls after Close = %d, want 0", n)
	}
}

func TestClosedBridgeRefusesForward(t *testing.T) {
	b := NewBridge(testOrigin, &stubWorker{})
	b.Close()

	_, err := b.Call(context.Background(), Request{Type: KindCheckAuth})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
