package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ridgelight/oidcrp/rp"
)

// Memory is an in-process rp.SessionStore. Sessions do not survive a
// restart, which is fine for tests and single-instance relying parties. It
// is concurrently safe.
type Memory struct {
	mu         sync.Mutex
	cookieName string
	sessions   map[string]*memoryData
}

type memoryData struct {
	values    map[string]string
	principal *rp.Principal
}

// NewMemory creates an empty in-memory session store.
// Supported options: WithCookieName
func NewMemory(opt ...rp.Option) *Memory {
	opts := getStoreOpts(opt...)
	return &Memory{
		cookieName: opts.withCookieName,
		sessions:   map[string]*memoryData{},
	}
}

// Load implements rp.SessionStore. A request without a (known) session
// cookie is handed a fresh session and the cookie to go with it.
func (m *Memory) Load(ctx context.Context, w http.ResponseWriter, r *http.Request) (rp.Session, error) {
	const op = "session.Memory.Load"
	m.mu.Lock()
	defer m.mu.Unlock()

	id := requestSessionID(r, m.cookieName)
	if _, ok := m.sessions[id]; !ok {
		var err error
		if id, err = newSessionID(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		m.sessions[id] = &memoryData{values: map[string]string{}}
		writeSessionCookie(w, r, m.cookieName, id)
	}
	return &memorySession{store: m, id: id, w: w, r: r}, nil
}

type memorySession struct {
	store *Memory
	id    string
	w     http.ResponseWriter
	r     *http.Request
}

func (s *memorySession) data() *memoryData {
	d, ok := s.store.sessions[s.id]
	if !ok {
		d = &memoryData{values: map[string]string{}}
		s.store.sessions[s.id] = d
	}
	return d
}

func (s *memorySession) Get(ctx context.Context, key string) (string, bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	v, ok := s.data().values[key]
	return v, ok, nil
}

func (s *memorySession) Set(ctx context.Context, key, value string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.data().values[key] = value
	return nil
}

func (s *memorySession) Delete(ctx context.Context, key string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.data().values, key)
	return nil
}

func (s *memorySession) Principal(ctx context.Context) (*rp.Principal, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.data().principal, nil
}

// Login rotates the session id so the authenticated session never shares an
// identifier with the anonymous one that began the flow. Stored values move
// with it.
func (s *memorySession) Login(ctx context.Context, p *rp.Principal) error {
	const op = "session.memorySession.Login"
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	newID, err := newSessionID()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	d := s.data()
	d.principal = p
	delete(s.store.sessions, s.id)
	s.store.sessions[newID] = d
	s.id = newID
	writeSessionCookie(s.w, s.r, s.store.cookieName, newID)
	return nil
}

// Logout drops the session entirely and hands the user agent a fresh empty
// one.
func (s *memorySession) Logout(ctx context.Context) error {
	const op = "session.memorySession.Logout"
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	newID, err := newSessionID()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	delete(s.store.sessions, s.id)
	s.store.sessions[newID] = &memoryData{values: map[string]string{}}
	s.id = newID
	writeSessionCookie(s.w, s.r, s.store.cookieName, newID)
	return nil
}
