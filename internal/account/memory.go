package account

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	byEmail    map[string]string
	identities map[string]string
	logins     map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*User),
		byEmail:    make(map[string]string),
		identities: make(map[string]string),
		logins:     make(map[string]string),
	}
}

func clone(u *User) *User {
	c := *u
	if u.VerifiedAt != nil {
		t := *u.VerifiedAt
		c.VerifiedAt = &t
	}
	return &c
}

func (s *MemoryStore) create(u *User) error {
	email := normalizeEmail(u.Email)
	if _, ok := s.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	u.Email = email
	s.users[u.ID] = clone(u)
	s.byEmail[email] = u.ID
	return nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(u)
}

// FindByID implements Store.
func (s *MemoryStore) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(u), nil
}

// FindByEmail implements Store.
func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s.users[id]), nil
}

// MarkVerified implements Store.
func (s *MemoryStore) MarkVerified(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.VerifiedAt != nil {
		return ErrAlreadyVerified
	}
	u.VerifiedAt = &at
	return nil
}

// ResolveFederated implements Store.
func (s *MemoryStore) ResolveFederated(_ context.Context, id Identity, newUser *User) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id.Provider + "\x00" + id.ProviderUserID
	if uid, ok := s.identities[key]; ok {
		return clone(s.users[uid]), nil
	}
	if uid, ok := s.byEmail[normalizeEmail(id.Email)]; ok {
		s.identities[key] = uid
		u := s.users[uid]
		if u.VerifiedAt == nil {
			// Nobody proved ownership of the password set on an unverified
			// account; the provider just proved ownership of the email.
			at := newUser.CreatedAt
			u.VerifiedAt = &at
			u.PasswordHash = ""
		}
		return clone(u), nil
	}
	if err := s.create(newUser); err != nil {
		return nil, err
	}
	s.identities[key] = newUser.ID
	return clone(s.users[newUser.ID]), nil
}

// SaveLoginToken implements Store. Expiry is enforced by the token itself.
func (s *MemoryStore) SaveLoginToken(_ context.Context, userID, tokenID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	s.logins[userID] = tokenID
	return nil
}

// SwapLoginToken implements Store.
func (s *MemoryStore) SwapLoginToken(_ context.Context, userID, oldID, newID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.logins[userID]; !ok || cur != oldID {
		return ErrTokenRevoked
	}
	s.logins[userID] = newID
	return nil
}

// DeleteLoginToken implements Store.
func (s *MemoryStore) DeleteLoginToken(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logins, userID)
	return nil
}
