// Package auth holds the session feed the sync engine is gated on, the
// phone verification exchange with the identity provider and server side
// ID token verification.
package auth

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNoSession    = errors.New("no active session")
	ErrInvalidCode  = errors.New("invalid verification code")
	ErrInvalidPhone = errors.New("invalid phone number")
)

// Session is the signed-in identity. The profile claims are optional and
// may be empty before the profile is completed.
type Session struct {
	UID         string
	DisplayName string
	PhoneNumber string
	AvatarURL   string
	IDToken     string
}

// ProfileUpdate changes provider-side profile claims; nil fields are kept.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
}

// Challenge is a pending phone verification.
type Challenge struct {
	PhoneNumber string
	SessionInfo string
}

// Provider is the identity provider behind a Manager.
type Provider interface {
	StartVerification(ctx context.Context, phoneNumber string) (*Challenge, error)
	Confirm(ctx context.Context, ch *Challenge, code string) (*Session, error)
	UpdateProfile(ctx context.Context, s *Session, upd ProfileUpdate) (*Session, error)
}

type subscriber struct {
	id int
	fn func(*Session)
}

// Manager owns the current session and broadcasts every change to its
// subscribers, in the order the changes happened. A nil session means
// signed out.
type Manager struct {
	provider Provider

	// deliver serializes broadcasts so subscribers observe changes in order.
	deliver sync.Mutex

	mu      sync.Mutex
	current *Session
	subs    []subscriber
	nextID  int
}

func NewManager(p Provider) *Manager {
	return &Manager{provider: p}
}

// Subscribe registers fn and immediately calls it with the current session.
// fn must not block; the returned func unsubscribes.
func (m *Manager) Subscribe(fn func(*Session)) (unsubscribe func()) {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	current := copySession(m.current)
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.current)
}

func (m *Manager) set(s *Session) {
	m.swap(func(*Session) bool { return true }, s)
}

// swap installs s if ok accepts the current session and broadcasts it.
func (m *Manager) swap(ok func(current *Session) bool, s *Session) bool {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	if !ok(m.current) {
		m.mu.Unlock()
		return false
	}
	m.current = copySession(s)
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.fn(copySession(s))
	}
	return true
}

// SignIn installs an already established session, e.g. one restored from
// a stored ID token.
func (m *Manager) SignIn(s *Session) {
	m.set(s)
}

func (m *Manager) SignOut() {
	m.set(nil)
}

func (m *Manager) StartVerification(ctx context.Context, phoneNumber string) (*Challenge, error) {
	return m.provider.StartVerification(ctx, phoneNumber)
}

// Confirm completes a verification and signs the resulting session in.
func (m *Manager) Confirm(ctx context.Context, ch *Challenge, code string) (*Session, error) {
	s, err := m.provider.Confirm(ctx, ch, code)
	if err != nil {
		return nil, err
	}
	m.set(s)
	return copySession(s), nil
}

// UpdateProfile pushes profile claims to the provider and broadcasts the
// updated session.
func (m *Manager) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*Session, error) {
	current := m.Current()
	if current == nil {
		return nil, ErrNoSession
	}
	s, err := m.provider.UpdateProfile(ctx, current, upd)
	if err != nil {
		return nil, err
	}
	// A sign-out while the update was in flight wins.
	sameUser := func(cur *Session) bool { return cur != nil && cur.UID == s.UID }
	if !m.swap(sameUser, s) {
		return nil, ErrNoSession
	}
	return copySession(s), nil
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
