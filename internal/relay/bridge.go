package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chalkroom/chalkroom/internal/metrics"
)

// Worker handles a forwarded request and returns exactly one result.
// Implementations must not panic; every failure is encoded in the result.
type Worker interface {
	Dispatch(ctx context.Context, req Request) Result
}

// Bridge forwarding errors. These surface only to the component hosting
// the bridge; the page never observes a dropped message.
var (
	ErrForeignOrigin = errors.New("relay: message from foreign origin")
	ErrBadMarker     = errors.New("relay: missing page marker")
	ErrUnknownKind   = errors.New("relay: unknown message kind")
	ErrKindMismatch  = errors.New("relay: envelope tag does not match request type")
	ErrClosed        = errors.New("relay: bridge closed")
)

// Bridge is the sole bidirectional seam between page and worker. It
// validates page-originated envelopes, forwards them to the worker,
// correlates responses by call ID, and fans worker push events out to the
// page inbox. It holds no state across calls beyond the pending table.
type Bridge struct {
	origin  string
	worker  Worker
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Result
	closed  bool

	inbox chan WorkerMessage
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCallTimeout bounds how long Call waits for a response. Zero (the
// default) waits indefinitely, matching the transport's lack of latency
// guarantees; enabling it yields a timed_out failure result.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// NewBridge creates a bridge accepting messages only from the given
// document origin.
func NewBridge(origin string, worker Worker, opts ...Option) *Bridge {
	b := &Bridge{
		origin:  origin,
		worker:  worker,
		logger:  slog.Default(),
		pending: make(map[string]chan Result),
		inbox:   make(chan WorkerMessage, 64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Events is the page-side inbox for push events. Call responses do not
// appear here; they resolve through the pending-call table.
func (b *Bridge) Events() <-chan WorkerMessage {
	return b.inbox
}

// Forward validates a page-originated envelope and hands it to the worker
// asynchronously. Malformed input — foreign origin, missing marker,
// unknown kind, tag/type mismatch — is dropped, never forwarded. The
// returned call ID identifies the pending call; the response arrives on
// the returned channel.
func (b *Bridge) Forward(ctx context.Context, msg PageMessage) (string, <-chan Result, error) {
	if msg.Origin != b.origin {
		b.drop("foreign_origin", msg.Type)
		return "", nil, ErrForeignOrigin
	}
	kind, ok := kindForTag(msg.Type)
	if !ok {
		reason := "unknown_kind"
		err := ErrUnknownKind
		if len(msg.Type) < len(PageMarker) || msg.Type[:len(PageMarker)] != PageMarker {
			reason = "bad_marker"
			err = ErrBadMarker
		}
		b.drop(reason, msg.Type)
		return "", nil, err
	}
	if kind != msg.Message.Type {
		b.drop("kind_mismatch", msg.Type)
		return "", nil, ErrKindMismatch
	}

	callID := uuid.NewString()
	ch := make(chan Result, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, ErrClosed
	}
	b.pending[callID] = ch
	b.mu.Unlock()

	metrics.RelayForwarded.WithLabelValues(kind).Inc()

	go func() {
		res := b.worker.Dispatch(ctx, msg.Message)
		b.resolve(callID, res)
	}()

	return callID, ch, nil
}

// Call performs a full correlated round trip from the page side: tag the
// request, forward it, wait for the matching response. Misuse (unknown
// kind, closed bridge) returns an error; call-level failures including
// timeout come back as failure results, preserving the uniform shape.
func (b *Bridge) Call(ctx context.Context, req Request) (Result, error) {
	tag, ok := PageTag(req.Type)
	if !ok {
		return Result{}, ErrUnknownKind
	}

	callID, ch, err := b.Forward(ctx, PageMessage{Type: tag, Origin: b.origin, Message: req})
	if err != nil {
		return Result{}, err
	}

	var timeout <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-ch:
		return res, nil
	case <-timeout:
		b.abandon(callID)
		return Failure(ErrorKindTimedOut, "call timed out"), nil
	case <-ctx.Done():
		b.abandon(callID)
		return Result{}, ctx.Err()
	}
}

// Publish delivers a worker push event to the page inbox. If the page is
// not draining its inbox the event is dropped rather than blocking the
// worker.
func (b *Bridge) Publish(evt WorkerMessage) {
	// The send stays under the lock so it cannot race Close's close of
	// the inbox; it never blocks because the channel send is non-blocking.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var delivered bool
	select {
	case b.inbox <- evt:
		delivered = true
	default:
	}
	b.mu.Unlock()

	if delivered {
		metrics.RelayPushDelivered.WithLabelValues(evt.Type).Inc()
	} else {
		b.drop("inbox_full", evt.Type)
	}
}

// PendingCalls reports the number of unresolved calls.
func (b *Bridge) PendingCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops the bridge. Pending calls resolve with a failure result so
// no caller is left blocked; in-flight worker dispatches finish but their
// responses are discarded.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	res := Failure(ErrorKindInvalid, "bridge closed")
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- res
	}
	close(b.inbox)
}

// resolve delivers a worker response to its pending call. A response for
// an abandoned or already-resolved call is discarded harmlessly.
func (b *Bridge) resolve(callID string, res Result) {
	b.mu.Lock()
	ch, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()

	if !ok {
		metrics.RelayLateResponses.Inc()
		b.logger.Debug("discarding late response", slog.String("call_id", callID))
		return
	}
	ch <- res
}

// abandon removes a pending call so its eventual response is discarded.
func (b *Bridge) abandon(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

func (b *Bridge) drop(reason, msgType string) {
	metrics.RelayDropped.WithLabelValues(reason).Inc()
	b.logger.Warn("dropping bridge message",
		slog.String("reason", reason),
		slog.String("type", msgType),
	)
}
