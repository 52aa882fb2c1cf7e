package rp

import (
	"context"
	"net/http"
	"sync"
)

// TestStore is an in-memory SessionStore for tests. Every request is handed
// the same single session, which is what the flow's handlers see for one
// user agent. It is concurrently safe.
type TestStore struct {
	mu        sync.Mutex
	values    map[string]string
	principal *Principal

	// LoadErr, when set, is returned by Load.
	LoadErr error

	// LogoutErr, when set, is returned by Logout, leaving the session
	// untouched.
	LogoutErr error
}

// NewTestStore creates an empty TestStore.
func NewTestStore() *TestStore {
	return &TestStore{values: map[string]string{}}
}

// Load implements SessionStore.
func (s *TestStore) Load(ctx context.Context, w http.ResponseWriter, r *http.Request) (Session, error) {
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	return (*testSession)(s), nil
}

// SetValue seeds a session value, as if a prior request stored it.
func (s *TestStore) SetValue(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Value returns a stored session value.
func (s *TestStore) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// SetPrincipal seeds an authenticated session.
func (s *TestStore) SetPrincipal(p *Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = p
}

// CurrentPrincipal returns the session's principal, or nil.
func (s *TestStore) CurrentPrincipal() *Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

type testSession TestStore

func (s *testSession) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *testSession) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *testSession) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *testSession) Principal(ctx context.Context) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal, nil
}

func (s *testSession) Login(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = p
	return nil
}

func (s *testSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LogoutErr != nil {
		return s.LogoutErr
	}
	s.principal = nil
	s.values = map[string]string{}
	return nil
}

// TestAuthenticator is an Authenticator for tests. It returns the configured
// principal/error pair and records what it was called with.
type TestAuthenticator struct {
	mu        sync.Mutex
	calls     int
	lastCode  string
	lastNonce string

	// Principal and Err are returned by Authenticate.
	Principal *Principal
	Err       error
}

// Authenticate implements Authenticator.
func (a *TestAuthenticator) Authenticate(ctx context.Context, code, nonce string) (*Principal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.lastCode = code
	a.lastNonce = nonce
	return a.Principal, a.Err
}

// Calls returns how many times Authenticate was invoked.
func (a *TestAuthenticator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// LastCode returns the code from the most recent Authenticate call.
func (a *TestAuthenticator) LastCode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCode
}

// LastNonce returns the nonce from the most recent Authenticate call.
func (a *TestAuthenticator) LastNonce() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastNonce
}

// TestMetadata is a MetadataSource backed by a static map.
type TestMetadata map[string]string

// Value implements MetadataSource.
func (m TestMetadata) Value(ctx context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}
