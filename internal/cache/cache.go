package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"labelpos/backend/internal/cart"
	"labelpos/backend/internal/domain"
)

type CatalogCache interface {
	Get(ctx context.Context, key string) (*domain.CatalogItem, bool, error)
	Set(ctx context.Context, key string, value *domain.CatalogItem, ttl time.Duration) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) (*domain.CatalogItem, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ *domain.CatalogItem, _ time.Duration) error {
	return nil
}

// CartStore keeps cart snapshots between requests. Load returns
// domain.ErrNotFound for unknown or expired carts.
type CartStore interface {
	Load(ctx context.Context, id string) (cart.Snapshot, error)
	Save(ctx context.Context, snapshot cart.Snapshot) error
	Delete(ctx context.Context, id string) error
}

type MemoryCartStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	carts map[string]memoryCart
}

type memoryCart struct {
	snapshot  cart.Snapshot
	expiresAt time.Time
}

func NewMemoryCartStore(ttl time.Duration) *MemoryCartStore {
	return &MemoryCartStore{ttl: ttl, carts: make(map[string]memoryCart)}
}

func (s *MemoryCartStore) Load(_ context.Context, id string) (cart.Snapshot, error) {
	s.mu.RLock()
	entry, ok := s.carts[id]
	s.mu.RUnlock()
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return cart.Snapshot{}, fmt.Errorf("cart %s: %w", id, domain.ErrNotFound)
	}
	return entry.snapshot, nil
}

func (s *MemoryCartStore) Save(_ context.Context, snapshot cart.Snapshot) error {
	entry := memoryCart{snapshot: snapshot}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[snapshot.ID] = entry
	for id, other := range s.carts {
		if !other.expiresAt.IsZero() && time.Now().After(other.expiresAt) {
			delete(s.carts, id)
		}
	}
	return nil
}

func (s *MemoryCartStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.carts, id)
	s.mu.Unlock()
	return nil
}
