package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryUsers is the DSN-less UserStore.
type memoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUsers builds an in-memory UserStore.
func NewMemoryUsers() UserStore {
	return &memoryUsers{users: make(map[string]User)}
}

func (m *memoryUsers) Create(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return fmt.Errorf("%w: %q", ErrUsernameTaken, u.Username)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.Username] = u
	return nil
}

func (m *memoryUsers) Get(_ context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return User{}, fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	return u, nil
}

func (m *memoryUsers) Delete(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	delete(m.users, username)
	return nil
}

func (m *memoryUsers) List(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Username < out[j].Username
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// memoryRevocations is the DSN-less RevocationStore. Expired entries are
// pruned on each call.
type memoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocations builds an in-memory RevocationStore.
func NewMemoryRevocations() RevocationStore {
	return &memoryRevocations{revoked: make(map[string]time.Time), now: time.Now}
}

func (m *memoryRevocations) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	m.revoked[tokenID] = expiresAt
	return nil
}

func (m *memoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	_, ok := m.revoked[tokenID]
	return ok, nil
}

func (m *memoryRevocations) prune() {
	now := m.now()
	for id, exp := range m.revoked {
		if exp.Before(now) {
			delete(m.revoked, id)
		}
	}
}
