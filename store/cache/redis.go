// Package cache provides a Redis-backed ledger.StateCache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/warp/trade-ledger/ledger"
)

// RedisStateCache caches the current state of each item. The ledger service
// writes it after every replay and deletes it on every rollback; reads fall
// back to the last persisted snapshot on a miss.
type RedisStateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStateCache creates a cache whose entries expire after ttl. A zero
// ttl keeps entries until they are invalidated.
func NewRedisStateCache(rdb *redis.Client, ttl time.Duration) *RedisStateCache {
	return &RedisStateCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached state of item. Entries that fail to decode count
// as misses.
func (c *RedisStateCache) Get(ctx context.Context, item ledger.ItemID) (ledger.State, bool, error) {
	data, err := c.rdb.Get(ctx, stateKey(item)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.State{}, false, nil
	}
	if err != nil {
		return ledger.State{}, false, fmt.Errorf("redis get: %w", err)
	}

	state, err := decodeState(data)
	if err != nil {
		c.rdb.Del(ctx, stateKey(item))
		return ledger.State{}, false, nil
	}
	return state, true, nil
}

func (c *RedisStateCache) Set(ctx context.Context, state ledger.State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, stateKey(state.Item), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisStateCache) Invalidate(ctx context.Context, item ledger.ItemID) error {
	if err := c.rdb.Del(ctx, stateKey(item)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// --- Encoding ---

// entry is the wire form of a state. Decimals travel as strings.
type entry struct {
	Item        int64  `msgpack:"i"`
	AverageCost string `msgpack:"c"`
	Balance     int64  `msgpack:"b"`
	Profit      string `msgpack:"p"`
	Tax         string `msgpack:"t"`
	Value       string `msgpack:"v"`
	Purchases   int64  `msgpack:"np"`
	Bought      int64  `msgpack:"nb"`
	Sales       int64  `msgpack:"ns"`
	Sold        int64  `msgpack:"nd"`
}

func encodeState(s ledger.State) ([]byte, error) {
	return msgpack.Marshal(entry{
		Item:        int64(s.Item),
		AverageCost: s.AverageCost.String(),
		Balance:     s.Balance,
		Profit:      s.Profit.String(),
		Tax:         s.Tax.String(),
		Value:       s.Value.String(),
		Purchases:   s.Purchases,
		Bought:      s.Bought,
		Sales:       s.Sales,
		Sold:        s.Sold,
	})
}

func decodeState(data []byte) (ledger.State, error) {
	var e entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return ledger.State{}, err
	}

	s := ledger.State{
		Item: ledger.ItemID(e.Item),
		Derived: ledger.Derived{
			Balance:   e.Balance,
			Purchases: e.Purchases,
			Bought:    e.Bought,
			Sales:     e.Sales,
			Sold:      e.Sold,
		},
	}
	var err error
	if s.AverageCost, err = decimal.NewFromString(e.AverageCost); err != nil {
		return ledger.State{}, err
	}
	if s.Profit, err = decimal.NewFromString(e.Profit); err != nil {
		return ledger.State{}, err
	}
	if s.Tax, err = decimal.NewFromString(e.Tax); err != nil {
		return ledger.State{}, err
	}
	if s.Value, err = decimal.NewFromString(e.Value); err != nil {
		return ledger.State{}, err
	}
	return s, nil
}

func stateKey(item ledger.ItemID) string { return fmt.Sprintf("ledger:state:%d", item) }
