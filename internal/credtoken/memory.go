package credtoken

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process concurrency safety. The
// durable implementation lives in internal/store/pg.
type MemoryStore struct {
	mu     sync.Mutex
	byHash map[string]*Token
	byID   map[string]*Token
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[string]*Token),
		byID:   make(map[string]*Token),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.byHash[t.TokenHash] = &cp
	m.byID[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Redeem(ctx context.Context, tokenHash string, now time.Time) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.byHash[tokenHash]
	if !ok || !tok.Live(now) {
		return Token{}, false, nil
	}
	used := now
	tok.UsedAt = &used
	return *tok, true, nil
}

func (m *MemoryStore) Live(ctx context.Context, userID string, typ Type, now time.Time) ([]Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Token
	for _, tok := range m.byID {
		if tok.UserID == userID && tok.Type == typ && tok.Live(now) {
			res = append(res, *tok)
		}
	}
	return res, nil
}

func (m *MemoryStore) Expire(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.byID[id]; ok && tok.Live(now) {
		tok.ExpiresAt = now
	}
	return nil
}
