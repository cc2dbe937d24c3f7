package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"fulfillment/models"
)

// BasketStore keeps each shopper's basket in a hash keyed by product id.
type BasketStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

func NewBasketStore(client goredis.UniversalClient, ttl time.Duration) *BasketStore {
	return &BasketStore{client: client, ttl: ttl}
}

func basketKey(shopperID string) string {
	return fmt.Sprintf("basket:%s", shopperID)
}

func (s *BasketStore) Lines(ctx context.Context, shopperID string) ([]models.CartLine, error) {
	raw, err := s.client.HGetAll(ctx, basketKey(shopperID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read basket: %w", err)
	}

	lines := make([]models.CartLine, 0, len(raw))
	for productID, v := range raw {
		var line models.CartLine
		if err := json.Unmarshal([]byte(v), &line); err != nil {
			return nil, fmt.Errorf("failed to decode basket line %s: %w", productID, err)
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

func (s *BasketStore) Put(ctx context.Context, line models.CartLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode basket line: %w", err)
	}

	key := basketKey(line.ShopperID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, line.ProductID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write basket: %w", err)
	}
	return nil
}

func (s *BasketStore) Remove(ctx context.Context, shopperID, productID string) error {
	return s.client.HDel(ctx, basketKey(shopperID), productID).Err()
}

func (s *BasketStore) Clear(ctx context.Context, shopperID string) error {
	return s.client.Del(ctx, basketKey(shopperID)).Err()
}
