package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/conviction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot, rarely written accounts: the Config singleton and
// epoch results. Reads inside Update always go to the primary; writes
// invalidate the cache once the transaction has committed.
//
// Every invalidation bumps a per-key generation. A read-through fill only
// lands if the generation it saw before reading the primary is still
// current, so a fill racing a commit cannot restore the old value.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var dirty []string
	err := s.primary.Update(ctx, func(tx Tx) error {
		dirty = dirty[:0]
		return fn(&invalidatingTx{Tx: tx, dirty: &dirty})
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		s.invalidate(ctx, dirty)
	}
	return nil
}

// invalidate bumps the generation of each key and drops the cached value.
// A failure leaves the old value readable until its TTL expires.
func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.Incr(ctx, generationKey(key))
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed, entries stay until ttl",
			"keys", keys,
			"ttl", s.ttl.String(),
			"err", err,
		)
	}
}

type invalidatingTx struct {
	Tx
	dirty *[]string
}

func (t *invalidatingTx) PutConfig(ctx context.Context, cfg *model.Config) error {
	*t.dirty = append(*t.dirty, configKey())
	return t.Tx.PutConfig(ctx, cfg)
}

func (t *invalidatingTx) PutEpochResult(ctx context.Context, r *model.EpochResult) error {
	*t.dirty = append(*t.dirty, epochResultKey(r.Address))
	return t.Tx.PutEpochResult(ctx, r)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.primary.View(ctx, func(tx Tx) error {
		return fn(&readThroughTx{Tx: tx, s: s})
	})
}

type readThroughTx struct {
	Tx
	s *CachedStore
}

func (t *readThroughTx) GetConfig(ctx context.Context) (*model.Config, error) {
	var cfg model.Config
	if t.s.get(ctx, configKey(), &cfg) {
		return &cfg, nil
	}

	// Cache miss: read from primary.
	gen := t.s.generation(ctx, configKey())
	c, err := t.Tx.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	t.s.fill(ctx, configKey(), gen, c)
	return c, nil
}

func (t *readThroughTx) GetEpochResult(ctx context.Context, addr solana.PublicKey) (*model.EpochResult, error) {
	var r model.EpochResult
	if t.s.get(ctx, epochResultKey(addr), &r) {
		return &r, nil
	}

	// Cache miss.
	key := epochResultKey(addr)
	gen := t.s.generation(ctx, key)
	res, err := t.Tx.GetEpochResult(ctx, addr)
	if err != nil {
		return nil, err
	}
	t.s.fill(ctx, key, gen, res)
	return res, nil
}

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// generation returns the invalidation count of key, or -1 if it cannot be
// read, which disables the fill.
func (s *CachedStore) generation(ctx context.Context, key string) int64 {
	gen, err := s.rdb.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		return -1
	}
	return gen
}

// fill caches v under key unless key was invalidated after gen was read.
func (s *CachedStore) fill(ctx context.Context, key string, gen int64, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	genKey := generationKey(key)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

// --- Cache key helpers ---

func configKey() string { return "conviction:config" }

func epochResultKey(addr solana.PublicKey) string {
	return "conviction:epoch_result:" + addr.String()
}

func generationKey(key string) string { return key + ":gen" }
