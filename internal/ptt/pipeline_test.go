package ptt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRecorder scripts the capture device.
type fakeRecorder struct {
	mu       sync.Mutex
	started  int
	stopped  int
	audio    []byte
	startErr error
	stopErr  error
}

func (r *fakeRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started++
	return nil
}

func (r *fakeRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopErr != nil {
		return nil, r.stopErr
	}
	r.stopped++
	return r.audio, nil
}

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.stopped
}

func TestCaptureSubmitsSegment(t *testing.T) {
	rec := &fakeRecorder{audio: []byte{1, 2, 3}}
	segCh := make(chan Segment, 1)
	p := New(Config{
		Recorder: rec,
		Submit:   func(seg Segment) { segCh <- seg },
	})

	p.KeyDown(context.Background())
	if p.State() != StateCapturing {
		t.Fatalf("state = %s, want capturing", p.State())
	}
	p.KeyUp()
	if p.State() != StateIdle {
		t.Fatalf("state after key-up = %s, want idle", p.State())
	}

	select {
	case seg := <-segCh:
		if !strings.HasPrefix(seg.RequestID, "tx-") {
			t.Errorf("request id = %q, want tx- prefix", seg.RequestID)
		}
		if len(seg.Audio) != 3 {
			t.Errorf("audio = %v", seg.Audio)
		}
		if seg.Language != "en" {
			t.Errorf("language = %q", seg.Language)
		}
		if seg.Prompt != DefaultPrompt {
			t.Errorf("prompt = %q", seg.Prompt)
		}
	case <-time.After(time.Second):
		t.Fatal("segment never submitted")
	}
}

func TestKeyDownWhileCapturingIsNoOp(t *testing.T) {
	rec := &fakeRecorder{audio: []byte{1}}
	p := New(Config{Recorder: rec, Submit: func(Segment) {}})

	ctx := context.Background()
	p.KeyDown(ctx)
	p.KeyDown(ctx)
	p.KeyDown(ctx)

	if started, _ := rec.counts(); started != 1 {
		t.Errorf("recorder started %d times, want 1", started)
	}
}

func TestKeyUpWhileIdleIsNoOp(t *testing.T) {
	rec := &fakeRecorder{}
	p := New(Config{Recorder: rec, Submit: func(Segment) {}})

	p.KeyUp()
	if _, stopped := rec.counts(); stopped != 0 {
		t.Errorf("recorder stopped %d times, want 0", stopped)
	}
	if p.State() != StateIdle {
		t.Errorf("state = %s", p.State())
	}
}

func TestRequestIDsAreFreshPerCapture(t *testing.T) {
	rec := &fakeRecorder{audio: []byte{1}}
	segCh := make(chan Segment, 2)
	p := New(Config{Recorder: rec, Submit: func(seg Segment) { segCh <- seg }})

	ctx := context.Background()
	p.KeyDown(ctx)
	p.KeyUp()
	p.KeyDown(ctx)
	p.KeyUp()

	first := <-segCh
	second := <-segCh
	if first.RequestID == second.RequestID {
		t.Errorf("request id reused: %q", first.RequestID)
	}
}

func TestDeviceDeniedSurfacesErrorAndReturnsToIdle(t *testing.T) {
	rec := &fakeRecorder{startErr: errors.New("device access denied")}
	var gotErr error
	p := New(Config{
		Recorder: rec,
		Submit:   func(Segment) { t.Error("segment submitted despite device error") },
		OnError:  func(err error) { gotErr = err },
	})

	p.KeyDown(context.Background())
	if p.State() != StateIdle {
		t.Fatalf("state = %s, want idle after device error", p.State())
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "device access denied") {
		t.Errorf("error = %v", gotErr)
	}
}

func TestStopFailureReturnsToIdle(t *testing.T) {
	rec := &fakeRecorder{stopErr: errors.New("encode failure")}
	var gotErr error
	p := New(Config{
		Recorder: rec,
		Submit:   func(Segment) { t.Error("segment submitted despite stop error") },
		OnError:  func(err error) { gotErr = err },
	})

	p.KeyDown(context.Background())
	p.KeyUp()
	if p.State() != StateIdle {
		t.Fatalf("state = %s", p.State())
	}
	if gotErr == nil {
		t.Error("stop error not surfaced")
	}
}

func TestEmptyCaptureIsDiscarded(t *testing.T) {
	rec := &fakeRecorder{audio: nil}
	p := New(Config{
		Recorder: rec,
		Submit:   func(Segment) { t.Error("empty segment submitted") },
	})

	p.KeyDown(context.Background())
	p.KeyUp()
	if p.State() != StateIdle {
		t.Fatalf("state = %s", p.State())
	}
}

func TestStateCallbackSequence(t *testing.T) {
	rec := &fakeRecorder{audio: []byte{1}}
	var mu sync.Mutex
	var states []State
	p := New(Config{
		Recorder: rec,
		Submit:   func(Segment) {},
		OnState: func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})

	p.KeyDown(context.Background())
	p.KeyUp()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateCapturing, StateProcessing, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}
