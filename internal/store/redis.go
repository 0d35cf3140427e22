package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for events, options and trades. Writes always go to the primary and
// tombstone the touched keys once they are committed. Reads made inside a
// transaction bypass the cache entirely.
//
// Users are not cached: balances change on every trade.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

var _ Store = (*CachedStore)(nil)

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	w := &invalidatingTx{Tx: nil, keys: map[string]struct{}{}}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		w.Tx = tx
		return fn(w)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, w.keys)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return readThrough(ctx, s, eventKey(id), func() (*model.Event, error) { return s.primary.GetEvent(ctx, id) })
}

func (s *CachedStore) GetOption(ctx context.Context, id string) (*model.Option, error) {
	return readThrough(ctx, s, optionKey(id), func() (*model.Option, error) { return s.primary.GetOption(ctx, id) })
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return readThrough(ctx, s, tradeKey(id), func() (*model.Trade, error) { return s.primary.GetTrade(ctx, id) })
}

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	fill := true
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		if bytes.Equal(data, tombstone) {
			fill = false
		} else {
			var v T
			if gob.NewDecoder(bytes.NewReader(data)).Decode(&v) == nil {
				return &v, nil
			}
		}
	}

	// Cache miss: read from primary.
	v, err := load()
	if err != nil {
		return nil, err
	}
	if !fill {
		return v, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err == nil {
		// SETNX: a tombstone written since the load wins over our value.
		if err := s.rdb.SetNX(ctx, key, buf.Bytes(), s.ttl).Err(); err != nil {
			slog.Warn("cache set failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.primary.GetUserByEmail(ctx, email)
}

func (s *CachedStore) ListOptions(ctx context.Context, eventID string) ([]model.Option, error) {
	return s.primary.ListOptions(ctx, eventID)
}

func (s *CachedStore) CountTrades(ctx context.Context, eventID string) (int, error) {
	return s.primary.CountTrades(ctx, eventID)
}

func (s *CachedStore) ListEvents(ctx context.Context, f model.EventFilter, p model.PageRequest) ([]model.Event, int, error) {
	return s.primary.ListEvents(ctx, f, p)
}

func (s *CachedStore) ListTrades(ctx context.Context, f model.TradeFilter, p model.PageRequest) ([]model.Trade, int, error) {
	return s.primary.ListTrades(ctx, f, p)
}

// --- Auto-commit writes ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateUser(ctx, u) })
}

func (s *CachedStore) UpdateUser(ctx context.Context, u *model.User) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateUser(ctx, u) })
}

func (s *CachedStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateEvent(ctx, e) })
}

func (s *CachedStore) UpdateEvent(ctx context.Context, e *model.Event) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateEvent(ctx, e) })
}

func (s *CachedStore) DeleteEvent(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.DeleteEvent(ctx, id) })
}

func (s *CachedStore) CreateOption(ctx context.Context, o *model.Option) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateOption(ctx, o) })
}

func (s *CachedStore) UpdateOption(ctx context.Context, o *model.Option) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateOption(ctx, o) })
}

func (s *CachedStore) DeleteOptions(ctx context.Context, eventID string) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.DeleteOptions(ctx, eventID) })
}

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateTrade(ctx, t) })
}

func (s *CachedStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateTrade(ctx, t) })
}

// invalidatingTx records every cache key a transaction writes.
type invalidatingTx struct {
	Tx
	keys map[string]struct{}
}

func (w *invalidatingTx) touch(keys ...string) {
	for _, k := range keys {
		w.keys[k] = struct{}{}
	}
}

func (w *invalidatingTx) UpdateEvent(ctx context.Context, e *model.Event) error {
	w.touch(eventKey(e.ID))
	return w.Tx.UpdateEvent(ctx, e)
}

func (w *invalidatingTx) DeleteEvent(ctx context.Context, id string) error {
	if err := w.touchOptions(ctx, id); err != nil {
		return err
	}
	w.touch(eventKey(id))
	return w.Tx.DeleteEvent(ctx, id)
}

func (w *invalidatingTx) CreateOption(ctx context.Context, o *model.Option) error {
	w.touch(optionKey(o.ID), eventKey(o.EventID))
	return w.Tx.CreateOption(ctx, o)
}

func (w *invalidatingTx) UpdateOption(ctx context.Context, o *model.Option) error {
	w.touch(optionKey(o.ID), eventKey(o.EventID))
	return w.Tx.UpdateOption(ctx, o)
}

func (w *invalidatingTx) DeleteOptions(ctx context.Context, eventID string) error {
	if err := w.touchOptions(ctx, eventID); err != nil {
		return err
	}
	w.touch(eventKey(eventID))
	return w.Tx.DeleteOptions(ctx, eventID)
}

func (w *invalidatingTx) touchOptions(ctx context.Context, eventID string) error {
	opts, err := w.Tx.ListOptions(ctx, eventID)
	if err != nil {
		return err
	}
	for _, o := range opts {
		w.touch(optionKey(o.ID))
	}
	return nil
}

func (w *invalidatingTx) CreateTrade(ctx context.Context, t *model.Trade) error {
	w.touch(tradeKey(t.ID))
	return w.Tx.CreateTrade(ctx, t)
}

func (w *invalidatingTx) UpdateTrade(ctx context.Context, t *model.Trade) error {
	w.touch(tradeKey(t.ID))
	return w.Tx.UpdateTrade(ctx, t)
}

// --- Cache helpers ---

// tombstone replaces invalidated keys for tombstoneTTL. Readers that find
// it load from the primary without caching, and readers that loaded before
// the commit cannot write their value over it.
var tombstone = []byte("\x00invalidated")

const tombstoneTTL = 5 * time.Second

func (s *CachedStore) invalidate(ctx context.Context, keys map[string]struct{}) {
	if len(keys) == 0 {
		return
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range list {
			p.Set(ctx, k, tombstone, tombstoneTTL)
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", list, "error", err)
	}
}

func eventKey(id string) string  { return fmt.Sprintf("event:%s", id) }
func optionKey(id string) string { return fmt.Sprintf("option:%s", id) }
func tradeKey(id string) string  { return fmt.Sprintf("trade:%s", id) }
