// Package credentials provides the session credential store: a named,
// cookie-like token scoped to a configured origin. Absence or emptiness
// means unauthenticated.
package credentials

import (
	"net/http"
	"net/url"
	"sync"
)

// Store yields the current session credential, if any.
type Store interface {
	// Credential returns the opaque token and whether one is present.
	// An empty token counts as absent.
	Credential() (string, bool)
}

// Clearer is implemented by stores that can drop an invalidated
// credential, forcing re-login.
type Clearer interface {
	Clear()
}

// CookieStore reads the named cookie for a known origin from an HTTP
// cookie jar. The jar is typically shared with the remote API client so a
// login response's Set-Cookie becomes visible here without extra plumbing.
type CookieStore struct {
	jar    http.CookieJar
	origin *url.URL
	name   string
}

// NewCookieStore creates a store reading cookie name for origin from jar.
func NewCookieStore(jar http.CookieJar, origin *url.URL, name string) *CookieStore {
	return &CookieStore{jar: jar, origin: origin, name: name}
}

func (s *CookieStore) Credential() (string, bool) {
	for _, c := range s.jar.Cookies(s.origin) {
		if c.Name == s.name && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

// Clear overwrites the named cookie with an expired empty value.
func (s *CookieStore) Clear() {
	s.jar.SetCookies(s.origin, []*http.Cookie{{Name: s.name, Value: "", MaxAge: -1}})
}

// MemoryStore is a process-local credential holder, used in tests and in
// deployments without a cookie surface.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryStore creates a store holding the given initial token.
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

func (s *MemoryStore) Credential() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// Set replaces the stored token.
func (s *MemoryStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *MemoryStore) Clear() {
	s.Set("")
}
