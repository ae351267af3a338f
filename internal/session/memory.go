package session

import (
	"context"
	"sync"

	"github.com/hitoshi/aizily/internal/model"
)

// MemoryStore はプロセス内メモリにセッションを保持するStore。
// テストおよびmemoryドライバ用。エンコード済みバイト列で保持し、
// 永続ストアと同じ往復変換を通す。
type MemoryStore struct {
	mu   sync.RWMutex
	data []byte
	now  Clock
}

// NewMemoryStore はMemoryStoreを生成する。nowがnilの場合はtime.Nowを使う。
func NewMemoryStore(now Clock) *MemoryStore {
	return &MemoryStore{now: clockOrDefault(now)}
}

// Save はセッションを保存する。
func (m *MemoryStore) Save(_ context.Context, s *model.Session) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Load は現在のセッションを返す。未保存または期限切れの場合はnilを返す。
func (m *MemoryStore) Load(ctx context.Context) (*model.Session, error) {
	s, err := m.LoadAny(ctx)
	if err != nil {
		return nil, err
	}
	return liveOrNil(s, m.now), nil
}

// LoadAny は期限切れを含む保存済みのセッションを返す。
func (m *MemoryStore) LoadAny(_ context.Context) (*model.Session, error) {
	m.mu.RLock()
	data := m.data
	m.mu.RUnlock()

	if data == nil {
		return nil, nil
	}
	return decode(data)
}

// Clear は保存済みのセッションを削除する。
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
