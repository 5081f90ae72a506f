package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/go-redis/redis/v8"
)

type cachedWallet struct {
	Balance int64 `json:"balance"`
	Locked  int64 `json:"locked"`
}

func balanceKey(userID string) string { return fmt.Sprintf("balance:%s", userID) }

// CacheWallet writes a balance snapshot read from storage to Redis.
func (r *Repository) CacheWallet(ctx context.Context, w *model.Wallet) error {
	if r.rdb == nil {
		return nil
	}
	b, err := json.Marshal(cachedWallet{Balance: w.Balance, Locked: w.Locked})
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, balanceKey(w.UserID), string(b), r.cacheTTL).Err()
}

// EvictWallet drops the cached snapshot after a committed mutation.
func (r *Repository) EvictWallet(ctx context.Context, userID string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, balanceKey(userID)).Err()
}

// GetCachedWallet reads Redis. A miss (or a disabled cache) is redis.Nil.
func (r *Repository) GetCachedWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if r.rdb == nil {
		return nil, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var c cachedWallet
	if err := json.Unmarshal([]byte(str), &c); err != nil {
		return nil, err
	}
	return &model.Wallet{UserID: userID, Balance: c.Balance, Locked: c.Locked}, nil
}
