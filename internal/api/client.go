// Package api is the HTTP client for the remote collaboration service:
// login, room listings, role lookup, and the file-upload transcription
// endpoint. The service's own business logic lives behind this surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// ErrAuthExpired signals the session credential is no longer valid.
// Callers treat it globally: whichever call observes it, the whole
// session falls back to unauthenticated.
var ErrAuthExpired = errors.New("api: authentication expired")

// Room is a joinable room as the service reports it.
type Room struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// RoleInfo is the caller's role in a room.
type RoleInfo struct {
	Role string `json:"role"`
}

// TranscribeRequest is an audio segment submitted for transcription.
type TranscribeRequest struct {
	Audio    []byte
	Language string
	Prompt   string
}

// Client talks to the collaboration service. The HTTP client's cookie jar
// holds the session credential, so authenticated calls need no explicit
// token plumbing.
type Client struct {
	baseURL          string
	transcriptionURL string
	httpClient       *http.Client
}

// Config holds client endpoints and timeouts.
type Config struct {
	BaseURL          string
	TranscriptionURL string
	Timeout          time.Duration
}

// New creates a client with its own cookie jar.
func New(cfg Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transcriptionURL := cfg.TranscriptionURL
	if transcriptionURL == "" {
		transcriptionURL = cfg.BaseURL
	}
	return &Client{
		baseURL:          cfg.BaseURL,
		transcriptionURL: transcriptionURL,
		httpClient:       &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

// Jar exposes the cookie jar so the credential store can share it.
func (c *Client) Jar() http.CookieJar {
	return c.httpClient.Jar
}

// Login exchanges credentials for a session cookie. The raw response body
// is returned for the caller to forward untouched.
func (c *Client) Login(ctx context.Context, username, password string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, fmt.Errorf("encode login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// MyRooms lists rooms the caller can edit.
func (c *Client) MyRooms(ctx context.Context) ([]Room, error) {
	return c.getRooms(ctx, "/myrooms")
}

// ViewableRooms lists rooms the caller can only view.
func (c *Client) ViewableRooms(ctx context.Context) ([]Room, error) {
	return c.getRooms(ctx, "/viewablerooms")
}

func (c *Client) getRooms(ctx context.Context, path string) ([]Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var rooms []Room
	if err := json.Unmarshal(raw, &rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return rooms, nil
}

// RoleForRoom reports the caller's role in the named room.
func (c *Client) RoleForRoom(ctx context.Context, roomCode string) (*RoleInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rooms/"+roomCode+"/role", nil)
	if err != nil {
		return nil, fmt.Errorf("create role request: %w", err)
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var info RoleInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode role: %w", err)
	}
	return &info, nil
}

// Transcribe uploads an audio segment as multipart form data and returns
// the transcribed text.
func (c *Client) Transcribe(ctx context.Context, tr TranscribeRequest) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("audioFile", "recording.webm")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(tr.Audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := mw.WriteField("language", tr.Language); err != nil {
		return "", fmt.Errorf("write language: %w", err)
	}
	if err := mw.WriteField("prompt", tr.Prompt); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transcriptionURL+"/transcribe", &buf)
	if err != nil {
		return "", fmt.Errorf("create transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := c.do(req)
	if err != nil {
		return "", err
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		// Some transcription backends return the bare string.
		var text string
		if err2 := json.Unmarshal(raw, &text); err2 == nil {
			return text, nil
		}
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return result.Text, nil
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrAuthExpired
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
