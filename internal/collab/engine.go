// Package collab reconciles locally-typed edits, remotely-pushed edits
// and voice-transcribed insertions into one document. The server
// rebroadcasts every update to all room members including the writer, so
// the engine's central job is recognizing and discarding its own echoes
// and duplicate deliveries. Conflict policy is last-writer-wins; there is
// no operational-transform merge, and concurrent edits from two different
// remote writers may be lost.
package collab

import (
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chalkroom/chalkroom/internal/metrics"
)

// seenRequestCapacity bounds the duplicate-transcription tracking set so
// long sessions do not grow it without limit; the oldest entries are
// evicted first.
const seenRequestCapacity = 256

// SelfWriter marks document state last written locally.
const SelfWriter = "self"

// Document is the collaboratively edited state.
type Document struct {
	RawText    string
	Markup     string
	LastWriter string
}

// Engine merges the three input sources for one document.
type Engine struct {
	selfID   string
	send     func(text string)
	onChange func(Document)
	logger   *slog.Logger

	mu           sync.Mutex
	doc          Document
	seen         *lru.Cache[string, struct{}]
	suppressEcho string // exact text of the next expected self-echo, "" when unset
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnChange registers a callback fired after every applied mutation.
func WithOnChange(fn func(Document)) Option {
	return func(e *Engine) { e.onChange = fn }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine for the given local identity. send is
// invoked (outside the engine lock) for every local mutation that must
// propagate to the room; it must not call back into the engine
// synchronously.
func NewEngine(selfID string, send func(text string), opts ...Option) *Engine {
	seen, _ := lru.New[string, struct{}](seenRequestCapacity)
	e := &Engine{
		selfID: selfID,
		send:   send,
		logger: slog.Default(),
		seen:   seen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Document returns a snapshot of the current document.
func (e *Engine) Document() Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc
}

// LocalEdit applies a page-originated keystroke edit optimistically and
// propagates it. The local copy never waits for a server acknowledgment.
func (e *Engine) LocalEdit(text string) {
	e.mu.Lock()
	e.doc.RawText = text
	e.doc.LastWriter = SelfWriter
	// A fresh local edit supersedes any echo still expected from an
	// earlier transcription append.
	e.suppressEcho = ""
	doc := e.doc
	e.mu.Unlock()

	e.notify(doc)
	if e.send != nil {
		e.send(text)
	}
}

// ApplyRemoteText applies a remotely-pushed text update. It reports
// whether the update mutated the document; echoes of the local writer and
// the one-shot suppressed transcription echo are dropped.
func (e *Engine) ApplyRemoteText(text, writer string) bool {
	e.mu.Lock()

	if writer == e.selfID {
		e.mu.Unlock()
		metrics.SyncEchoDropped.Inc()
		e.logger.Debug("dropping self-echo", slog.String("writer", writer))
		return false
	}
	if e.suppressEcho != "" && text == e.suppressEcho {
		// The server's rebroadcast of our own transcription append can
		// arrive under a different writer identity; match on content
		// once and drop it regardless.
		e.suppressEcho = ""
		e.mu.Unlock()
		metrics.SyncEchoDropped.Inc()
		e.logger.Debug("dropping suppressed transcription echo")
		return false
	}

	e.doc.RawText = text
	e.doc.LastWriter = writer
	doc := e.doc
	e.mu.Unlock()

	metrics.SyncRemoteApplied.Inc()
	e.notify(doc)
	return true
}

// ApplyMarkup replaces the rendered markup. Markup is produced only by
// the server, so it applies unconditionally.
func (e *Engine) ApplyMarkup(markup string) {
	e.mu.Lock()
	e.doc.Markup = markup
	doc := e.doc
	e.mu.Unlock()
	e.notify(doc)
}

// ApplyTranscription appends a transcription result to the document. The
// request id guards against duplicate delivery: a previously-seen id
// produces zero mutations. On success the appended text is propagated and
// the engine arms the one-shot echo suppression for the server's
// rebroadcast of this exact update.
func (e *Engine) ApplyTranscription(requestID, text string) bool {
	if requestID == "" || strings.TrimSpace(text) == "" {
		return false
	}

	e.mu.Lock()
	if _, dup := e.seen.Get(requestID); dup {
		e.mu.Unlock()
		metrics.SyncDuplicateDropped.Inc()
		e.logger.Debug("dropping duplicate transcription", slog.String("request_id", requestID))
		return false
	}
	e.seen.Add(requestID, struct{}{})

	if e.doc.RawText == "" {
		e.doc.RawText = text
	} else {
		e.doc.RawText += " " + text
	}
	e.doc.LastWriter = SelfWriter
	e.suppressEcho = e.doc.RawText
	doc := e.doc
	e.mu.Unlock()

	e.notify(doc)
	if e.send != nil {
		e.send(doc.RawText)
	}
	return true
}

func (e *Engine) notify(doc Document) {
	if e.onChange != nil {
		e.onChange(doc)
	}
}
