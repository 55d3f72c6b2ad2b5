// Package ptt implements the push-to-talk pipeline: a hold-key gesture
// captures a bounded audio segment and submits it for transcription. The
// pipeline is a strictly sequential three-state machine and never blocks
// on the transcription result; it returns to idle as soon as the capture
// device is released.
package ptt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chalkroom/chalkroom/internal/metrics"
)

// State is the pipeline state.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultPrompt is the transcription hint used when none is configured.
const DefaultPrompt = "This is math content for a lecture. If unclear, return empty string"

// Recorder abstracts the capture device. Microphone mechanics live
// outside this package.
type Recorder interface {
	// Start begins capturing audio.
	Start(ctx context.Context) error
	// Stop ends the capture and returns the recorded segment.
	Stop() ([]byte, error)
}

// Segment is a captured audio segment ready for transcription, tagged
// with the origin-side request identifier that enables downstream dedup.
type Segment struct {
	RequestID string
	Audio     []byte
	Language  string
	Prompt    string
}

// Submitter issues the transcription call for a segment. It is invoked
// asynchronously; the pipeline does not wait for it.
type Submitter func(seg Segment)

// Pipeline is the push-to-talk state machine. One instance exists per
// editing surface; transitions are strictly sequential.
type Pipeline struct {
	rec      Recorder
	submit   Submitter
	language string
	prompt   string
	onState  func(State)
	onError  func(error)
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

// Config wires a pipeline.
type Config struct {
	Recorder Recorder
	Submit   Submitter
	Language string // defaults to "en"
	Prompt   string // defaults to DefaultPrompt
	OnState  func(State)
	OnError  func(error)
	Logger   *slog.Logger
}

// New creates an idle pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		rec:      cfg.Recorder,
		submit:   cfg.Submit,
		language: cfg.Language,
		prompt:   cfg.Prompt,
		onState:  cfg.OnState,
		onError:  cfg.OnError,
		logger:   cfg.Logger,
	}
}

// State reports the current pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// KeyDown begins a capture. A key-down while already capturing is a
// no-op, so holding the key produces exactly one capture.
func (p *Pipeline) KeyDown(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	p.state = StateCapturing
	p.mu.Unlock()
	p.notify(StateCapturing)
	metrics.CapturesActive.Inc()

	if err := p.rec.Start(ctx); err != nil {
		metrics.CapturesActive.Dec()
		p.toIdle()
		p.fail(fmt.Errorf("start capture: %w", err))
	}
}

// KeyUp ends the capture and submits the segment for transcription with a
// fresh request identifier. A key-up outside of capturing is a no-op. The
// pipeline is idle again by the time KeyUp returns; the transcription
// response arrives whenever it arrives.
func (p *Pipeline) KeyUp() {
	p.mu.Lock()
	if p.state != StateCapturing {
		p.mu.Unlock()
		return
	}
	p.state = StateProcessing
	p.mu.Unlock()
	p.notify(StateProcessing)
	metrics.CapturesActive.Dec()

	audio, err := p.rec.Stop()
	if err != nil {
		p.toIdle()
		p.fail(fmt.Errorf("stop capture: %w", err))
		return
	}
	if len(audio) == 0 {
		p.toIdle()
		return
	}

	seg := Segment{
		RequestID: "tx-" + uuid.NewString(),
		Audio:     audio,
		Language:  p.language,
		Prompt:    p.prompt,
	}
	p.logger.Info("submitting capture",
		slog.String("request_id", seg.RequestID),
		slog.Int("bytes", len(seg.Audio)),
	)
	if p.submit != nil {
		go p.submit(seg)
	}
	p.toIdle()
}

func (p *Pipeline) toIdle() {
	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
	p.notify(StateIdle)
}

func (p *Pipeline) notify(st State) {
	if p.onState != nil {
		p.onState(st)
	}
}

func (p *Pipeline) fail(err error) {
	p.logger.Warn("capture failed", slog.String("error", err.Error()))
	if p.onError != nil {
		p.onError(err)
	}
}
