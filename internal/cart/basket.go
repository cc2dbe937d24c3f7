package cart

import (
	"context"
	"sort"
	"sync"

	"fulfillment/models"
)

// BasketStore persists the mutable basket until checkout.
type BasketStore interface {
	Lines(ctx context.Context, shopperID string) ([]models.CartLine, error)
	// Put inserts or replaces the line for line.ProductID.
	Put(ctx context.Context, line models.CartLine) error
	Remove(ctx context.Context, shopperID, productID string) error
	Clear(ctx context.Context, shopperID string) error
}

// MemoryBasket keeps baskets in process.
type MemoryBasket struct {
	mu      sync.Mutex
	baskets map[string]map[string]models.CartLine
}

func NewMemoryBasket() *MemoryBasket {
	return &MemoryBasket{baskets: map[string]map[string]models.CartLine{}}
}

func (b *MemoryBasket) Lines(ctx context.Context, shopperID string) ([]models.CartLine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.CartLine, 0, len(b.baskets[shopperID]))
	for _, l := range b.baskets[shopperID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (b *MemoryBasket) Put(ctx context.Context, line models.CartLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baskets[line.ShopperID] == nil {
		b.baskets[line.ShopperID] = map[string]models.CartLine{}
	}
	b.baskets[line.ShopperID][line.ProductID] = line
	return nil
}

func (b *MemoryBasket) Remove(ctx context.Context, shopperID, productID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.baskets[shopperID], productID)
	return nil
}

func (b *MemoryBasket) Clear(ctx context.Context, shopperID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.baskets, shopperID)
	return nil
}
