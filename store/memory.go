package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatrelay/platform"
)

type memKey struct {
	user string
	p    platform.Platform
}

// Memory is an in-process LinkedAccountStore used when no database is
// configured and in tests.
type Memory struct {
	mu   sync.RWMutex
	accs map[memKey]LinkedAccount
}

// NewMemory returns an empty store.
func NewMemory() *Memory { return &Memory{accs: make(map[memKey]LinkedAccount)} }

func (m *Memory) Get(_ context.Context, userID string, p platform.Platform) (*LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accs[memKey{userID, p}]
	if !ok {
		return nil, ErrNotFound
	}
	a.Scopes = slices.Clone(a.Scopes)
	return &a, nil
}

func (m *Memory) find(match func(LinkedAccount) bool) (*LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accs {
		if match(a) {
			a.Scopes = slices.Clone(a.Scopes)
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindByUsername(_ context.Context, p platform.Platform, username string) (*LinkedAccount, error) {
	return m.find(func(a LinkedAccount) bool { return a.Platform == p && strings.EqualFold(a.Username, username) })
}

func (m *Memory) FindByPlatformUserID(_ context.Context, p platform.Platform, id string) (*LinkedAccount, error) {
	return m.find(func(a LinkedAccount) bool { return a.Platform == p && a.PlatformUserID == id })
}

func (m *Memory) Upsert(_ context.Context, acct LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct.Scopes = slices.Clone(acct.Scopes)
	m.accs[memKey{acct.UserID, acct.Platform}] = acct
	return nil
}

func (m *Memory) UpdateTokens(_ context.Context, userID string, p platform.Platform, upd TokenUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{userID, p}
	a, ok := m.accs[k]
	if !ok {
		return ErrNotFound
	}
	a.AccessToken = upd.AccessToken
	if upd.RefreshToken != "" {
		a.RefreshToken = upd.RefreshToken
	}
	a.ExpiresAt = upd.ExpiresAt
	if upd.Scopes != nil {
		a.Scopes = slices.Clone(upd.Scopes)
	}
	m.accs[k] = a
	return nil
}

func (m *Memory) SetModerator(_ context.Context, userID string, p platform.Platform, isMod bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{userID, p}
	a, ok := m.accs[k]
	if !ok {
		return ErrNotFound
	}
	a.IsModerator = isMod
	m.accs[k] = a
	return nil
}

func (m *Memory) PropagateModerator(_ context.Context, userID string, isMod bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for k, a := range m.accs {
		if k.user == userID {
			a.IsModerator = isMod
			m.accs[k] = a
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) ListExpiring(_ context.Context, before time.Time) ([]LinkedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []LinkedAccount
	for _, a := range m.accs {
		if a.RefreshToken != "" && !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(before) {
			a.Scopes = slices.Clone(a.Scopes)
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y LinkedAccount) int { return x.ExpiresAt.Compare(y.ExpiresAt) })
	return out, nil
}
