// Package relay implements the single seam between the untrusted page
// context and the privileged worker context: a typed message bridge with a
// closed vocabulary of request kinds, marker-tagged envelopes, and
// per-call correlation. Payloads cross the bridge as raw JSON; the bridge
// rewrites the envelope tag and nothing else.
package relay

import (
	"encoding/json"
	"strings"
)

// Envelope markers. A page-originated message carries PageMarker followed
// by the call name; the bridge responds with the same name under
// WorkerMarker, so FROM_PAGE_LOGIN is answered by FROM_EXTENSION_LOGIN.
const (
	PageMarker   = "FROM_PAGE_"
	WorkerMarker = "FROM_EXTENSION_"
)

// Request kinds understood by the worker.
const (
	KindCheckAuth  = "checkAuth"
	KindLogin      = "login"
	KindFetchRooms = "fetchRooms"
	KindJoinRoom   = "joinRoom"
	KindInitSocket = "initSocket"
	KindEmitText   = "emitText"
	KindTranscribe = "transcribeAudio"
)

// Push event types delivered to the page without a preceding call.
const (
	EventSocketText    = WorkerMarker + "SOCKET_TEXT"
	EventSocketLatex   = WorkerMarker + "SOCKET_LATEX"
	EventSocketDropped = WorkerMarker + "SOCKET_DROPPED"
)

// Error kinds carried on failure results so consumers can react without
// parsing error text.
const (
	ErrorKindAuthExpired = "auth_expired"
	ErrorKindNetwork     = "network"
	ErrorKindTimedOut    = "timed_out"
	ErrorKindInvalid     = "invalid_request"
)

// callNames maps request kinds to the name embedded in envelope tags.
var callNames = map[string]string{
	KindCheckAuth:  "CHECK_AUTH",
	KindLogin:      "LOGIN",
	KindFetchRooms: "FETCH_ROOMS",
	KindJoinRoom:   "JOIN_ROOM",
	KindInitSocket: "INIT_SOCKET",
	KindEmitText:   "EMIT_TEXT",
	KindTranscribe: "TRANSCRIBE_AUDIO",
}

// tagKinds is the reverse of callNames, keyed by tag name.
var tagKinds = func() map[string]string {
	m := make(map[string]string, len(callNames))
	for kind, name := range callNames {
		m[name] = kind
	}
	return m
}()

// PageTag returns the page-origin envelope tag for a request kind.
func PageTag(kind string) (string, bool) {
	name, ok := callNames[kind]
	if !ok {
		return "", false
	}
	return PageMarker + name, true
}

// ResponseTag derives the worker-origin tag answering a page tag.
func ResponseTag(pageTag string) string {
	return WorkerMarker + strings.TrimPrefix(pageTag, PageMarker)
}

// kindForTag resolves the request kind named by a page tag.
func kindForTag(pageTag string) (string, bool) {
	if !strings.HasPrefix(pageTag, PageMarker) {
		return "", false
	}
	kind, ok := tagKinds[strings.TrimPrefix(pageTag, PageMarker)]
	return kind, ok
}

// Request is the payload forwarded to the worker. One struct covers the
// whole closed vocabulary; unused fields stay empty for a given kind.
type Request struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`      // login credentials
	RoomCode  string          `json:"roomCode,omitempty"`  // joinRoom
	RoomID    string          `json:"roomId,omitempty"`    // initSocket, emitText
	Text      string          `json:"text,omitempty"`      // emitText
	RequestID string          `json:"requestId,omitempty"` // transcribeAudio, caller-supplied
	AudioData []byte          `json:"audioData,omitempty"` // transcribeAudio, webm bytes
	Language  string          `json:"language,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
}

// Result is the uniform response shape for every call. Failures never
// surface as anything else: network errors, bad input and expired
// credentials all land here with Success=false.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

// Failure builds a failure result from an error kind and message.
func Failure(kind, msg string) Result {
	return Result{Success: false, Error: msg, ErrorKind: kind}
}

// OK builds a success result, marshalling v into the data field. A
// marshal failure is reported as a failure result rather than a panic,
// keeping the never-raises contract.
func OK(v any) Result {
	if v == nil {
		return Result{Success: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Failure(ErrorKindInvalid, "encode response: "+err.Error())
	}
	return Result{Success: true, Data: data}
}

// PageMessage is a page-originated envelope entering the bridge.
type PageMessage struct {
	Type    string  `json:"type"`
	Origin  string  `json:"origin"`
	Message Request `json:"message"`
}

// WorkerMessage is a worker-originated envelope leaving the bridge, either
// a correlated call response or an uncorrelated push event.
type WorkerMessage struct {
	Type     string          `json:"type"`
	CallID   string          `json:"callId,omitempty"`
	Response *Result         `json:"response,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Wire payload shapes shared by both sides of the bridge. The bridge
// itself never reads them.

// Credentials is the login request body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Room is a single joinable room.
type Room struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// RoomListData is the fetchRooms response payload.
type RoomListData struct {
	EditingRooms []Room `json:"editingRooms"`
	ViewingRooms []Room `json:"viewingRooms"`
}

// RoleData is the joinRoom response payload.
type RoleData struct {
	Role string `json:"role"`
}

// AuthData is the checkAuth response payload.
type AuthData struct {
	IsAuthenticated bool `json:"isAuthenticated"`
}

// TranscriptionData is the transcribeAudio response payload. RequestID
// echoes the caller-supplied identifier so duplicate deliveries can be
// recognized downstream.
type TranscriptionData struct {
	Text      string `json:"text"`
	RequestID string `json:"requestId"`
}

// TextEventData is the SOCKET_TEXT push payload.
type TextEventData struct {
	Text     string `json:"text"`
	Username string `json:"username"`
}

// MarkupEventData is the SOCKET_LATEX push payload.
type MarkupEventData struct {
	Markup string `json:"markup"`
}

// DroppedEventData is the SOCKET_DROPPED push payload.
type DroppedEventData struct {
	RoomID string `json:"roomId"`
	Error  string `json:"error,omitempty"`
}
