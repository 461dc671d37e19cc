package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// ReceiptStore implements ports.ReceiptStore using Redis SET NX. It is the
// fast at-most-once gate in front of the conditional transaction update:
// the first caller for a (receipt, kind) pair wins, every later caller sees
// false and acknowledges the duplicate without touching the settlement leg.
type ReceiptStore struct {
	client *goredis.Client
	prefix string
}

// NewReceiptStore creates a new Redis-backed receipt dedup store.
func NewReceiptStore(client *goredis.Client) *ReceiptStore {
	return &ReceiptStore{
		client: client,
		prefix: "receipt:",
	}
}

// MarkProcessed atomically records the receipt if unseen.
// Returns true exactly once per (receiptID, kind).
func (s *ReceiptStore) MarkProcessed(ctx context.Context, receiptID string, kind domain.TransactionKind, ttl time.Duration) (bool, error) {
	key := s.prefix + string(kind) + ":" + receiptID
	result, err := s.client.SetArgs(ctx, key, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			// Key already exists, receipt was already processed
			return false, nil
		}
		return false, fmt.Errorf("redis receipt check: %w", err)
	}
	return result == "OK", nil
}
