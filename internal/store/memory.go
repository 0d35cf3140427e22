package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are optimistic: a transaction stages its writes privately
// and remembers the version of every record it read. Commit validates
// those versions under the store lock and either applies every staged
// write or none of them.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]model.User
	events  map[string]model.Event // Options not populated
	options map[string]model.Option
	trades  map[string]model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]model.User),
		events:  make(map[string]model.Event),
		options: make(map[string]model.Option),
		trades:  make(map[string]model.Trade),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:       s,
		reads:   make(map[recordKey]int64),
		users:   make(map[string]*model.User),
		events:  make(map[string]*model.Event),
		options: make(map[string]*model.Option),
		trades:  make(map[string]*model.Trade),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// --- Auto-commit record access ---

func autoCommit[T any](ctx context.Context, s *MemoryStore, fn func(Tx) (T, error)) (T, error) {
	var out T
	err := s.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return autoCommit(ctx, s, func(tx Tx) (*model.User, error) { return tx.GetUser(ctx, id) })
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return autoCommit(ctx, s, func(tx Tx) (*model.User, error) { return tx.GetUserByEmail(ctx, email) })
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateUser(ctx, u) })
}

func (s *MemoryStore) UpdateUser(ctx context.Context, u *model.User) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateUser(ctx, u) })
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return autoCommit(ctx, s, func(tx Tx) (*model.Event, error) { return tx.GetEvent(ctx, id) })
}

func (s *MemoryStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateEvent(ctx, e) })
}

func (s *MemoryStore) UpdateEvent(ctx context.Context, e *model.Event) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateEvent(ctx, e) })
}

func (s *MemoryStore) DeleteEvent(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.DeleteEvent(ctx, id) })
}

func (s *MemoryStore) GetOption(ctx context.Context, id string) (*model.Option, error) {
	return autoCommit(ctx, s, func(tx Tx) (*model.Option, error) { return tx.GetOption(ctx, id) })
}

func (s *MemoryStore) ListOptions(ctx context.Context, eventID string) ([]model.Option, error) {
	return autoCommit(ctx, s, func(tx Tx) ([]model.Option, error) { return tx.ListOptions(ctx, eventID) })
}

func (s *MemoryStore) CreateOption(ctx context.Context, o *model.Option) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateOption(ctx, o) })
}

func (s *MemoryStore) UpdateOption(ctx context.Context, o *model.Option) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateOption(ctx, o) })
}

func (s *MemoryStore) DeleteOptions(ctx context.Context, eventID string) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.DeleteOptions(ctx, eventID) })
}

func (s *MemoryStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return autoCommit(ctx, s, func(tx Tx) (*model.Trade, error) { return tx.GetTrade(ctx, id) })
}

func (s *MemoryStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.CreateTrade(ctx, t) })
}

func (s *MemoryStore) UpdateTrade(ctx context.Context, t *model.Trade) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpdateTrade(ctx, t) })
}

func (s *MemoryStore) CountTrades(ctx context.Context, eventID string) (int, error) {
	return autoCommit(ctx, s, func(tx Tx) (int, error) { return tx.CountTrades(ctx, eventID) })
}

// --- Listings ---

func (s *MemoryStore) ListEvents(_ context.Context, f model.EventFilter, p model.PageRequest) ([]model.Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Event
	for _, e := range s.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.StartAfter != nil && e.StartTime.Before(*f.StartAfter) {
			continue
		}
		if f.EndBefore != nil && e.EndTime.After(*f.EndBefore) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.Before(matched[j].StartTime)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	page := paginate(matched, p)
	for i := range page {
		page[i].Options = s.optionsOfLocked(page[i].ID)
	}
	return page, total, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f model.TradeFilter, p model.PageRequest) ([]model.Trade, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Trade
	for _, t := range s.trades {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.EventID != "" && t.EventID != f.EventID {
			continue
		}
		if f.OptionID != "" && t.OptionID != f.OptionID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Result != nil && (t.Result == nil || *t.Result != *f.Result) {
			continue
		}
		matched = append(matched, cloneTrade(t))
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	return paginate(matched, p), len(matched), nil
}

func paginate[T any](rows []T, p model.PageRequest) []T {
	p = p.Normalize()
	start := p.Offset()
	if start >= len(rows) {
		return nil
	}
	end := start + p.Limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// optionsOfLocked returns an event's committed options. Caller holds s.mu.
func (s *MemoryStore) optionsOfLocked(eventID string) []model.Option {
	opts := []model.Option{}
	for _, o := range s.options {
		if o.EventID == eventID {
			opts = append(opts, cloneOption(o))
		}
	}
	sortOptions(opts)
	return opts
}

func sortOptions(opts []model.Option) {
	sort.Slice(opts, func(i, j int) bool {
		if !opts[i].CreatedAt.Equal(opts[j].CreatedAt) {
			return opts[i].CreatedAt.Before(opts[j].CreatedAt)
		}
		return opts[i].ID < opts[j].ID
	})
}

// --- Transactions ---

type recordKind uint8

const (
	kindUser recordKind = iota
	kindEvent
	kindOption
	kindTrade
)

type recordKey struct {
	kind recordKind
	id   string
}

// memTx stages writes over a snapshot-free view of the store. A nil entry
// in a staged map marks a deletion.
type memTx struct {
	s       *MemoryStore
	reads   map[recordKey]int64 // version first observed; 0 = absent
	users   map[string]*model.User
	events  map[string]*model.Event
	options map[string]*model.Option
	trades  map[string]*model.Trade
}

func (tx *memTx) observe(k recordKey, version int64) {
	if _, seen := tx.reads[k]; !seen {
		tx.reads[k] = version
	}
}

func (tx *memTx) user(id string) (*model.User, bool) {
	if u, staged := tx.users[id]; staged {
		if u == nil {
			return nil, false
		}
		c := *u
		return &c, true
	}
	tx.s.mu.RLock()
	u, ok := tx.s.users[id]
	tx.s.mu.RUnlock()
	tx.observe(recordKey{kindUser, id}, u.Version)
	if !ok {
		return nil, false
	}
	return &u, true
}

func (tx *memTx) event(id string) (*model.Event, bool) {
	if e, staged := tx.events[id]; staged {
		if e == nil {
			return nil, false
		}
		c := *e
		return &c, true
	}
	tx.s.mu.RLock()
	e, ok := tx.s.events[id]
	tx.s.mu.RUnlock()
	tx.observe(recordKey{kindEvent, id}, e.Version)
	if !ok {
		return nil, false
	}
	return &e, true
}

func (tx *memTx) option(id string) (*model.Option, bool) {
	if o, staged := tx.options[id]; staged {
		if o == nil {
			return nil, false
		}
		c := cloneOption(*o)
		return &c, true
	}
	tx.s.mu.RLock()
	o, ok := tx.s.options[id]
	tx.s.mu.RUnlock()
	tx.observe(recordKey{kindOption, id}, o.Version)
	if !ok {
		return nil, false
	}
	c := cloneOption(o)
	return &c, true
}

func (tx *memTx) trade(id string) (*model.Trade, bool) {
	if t, staged := tx.trades[id]; staged {
		if t == nil {
			return nil, false
		}
		c := cloneTrade(*t)
		return &c, true
	}
	tx.s.mu.RLock()
	t, ok := tx.s.trades[id]
	tx.s.mu.RUnlock()
	tx.observe(recordKey{kindTrade, id}, t.Version)
	if !ok {
		return nil, false
	}
	c := cloneTrade(t)
	return &c, true
}

func (tx *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := tx.user(id)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (tx *memTx) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	for _, u := range tx.users {
		if u != nil && strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	tx.s.mu.RLock()
	var id string
	for _, u := range tx.s.users {
		if strings.EqualFold(u.Email, email) {
			id = u.ID
			break
		}
	}
	tx.s.mu.RUnlock()
	if id == "" {
		return nil, fmt.Errorf("user with email %s: %w", email, ErrNotFound)
	}
	return tx.GetUser(context.Background(), id)
}

func (tx *memTx) CreateUser(_ context.Context, u *model.User) error {
	if _, exists := tx.user(u.ID); exists {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	for _, staged := range tx.users {
		if staged != nil && userClashes(*staged, *u) {
			return fmt.Errorf("user %s: %w", u.Username, ErrDuplicate)
		}
	}
	tx.s.mu.RLock()
	clash := tx.s.userClashesLocked(*u)
	tx.s.mu.RUnlock()
	if clash {
		return fmt.Errorf("user %s: %w", u.Username, ErrDuplicate)
	}
	u.Version = 1
	c := *u
	tx.users[u.ID] = &c
	return nil
}

func (tx *memTx) UpdateUser(_ context.Context, u *model.User) error {
	cur, ok := tx.user(u.ID)
	if !ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
	}
	if cur.Version != u.Version {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	u.Version++
	c := *u
	tx.users[u.ID] = &c
	return nil
}

func (tx *memTx) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, ok := tx.event(id)
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	opts, err := tx.ListOptions(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Options = opts
	return e, nil
}

func (tx *memTx) CreateEvent(_ context.Context, e *model.Event) error {
	if _, exists := tx.event(e.ID); exists {
		return fmt.Errorf("event %s: %w", e.ID, ErrDuplicate)
	}
	e.Version = 1
	c := *e
	c.Options = nil
	tx.events[e.ID] = &c
	return nil
}

func (tx *memTx) UpdateEvent(_ context.Context, e *model.Event) error {
	cur, ok := tx.event(e.ID)
	if !ok {
		return fmt.Errorf("event %s: %w", e.ID, ErrNotFound)
	}
	if cur.Version != e.Version {
		return fmt.Errorf("event %s: %w", e.ID, ErrConflict)
	}
	e.Version++
	c := *e
	c.Options = nil
	tx.events[e.ID] = &c
	return nil
}

func (tx *memTx) DeleteEvent(ctx context.Context, id string) error {
	if _, ok := tx.event(id); !ok {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	tx.events[id] = nil
	return tx.DeleteOptions(ctx, id)
}

func (tx *memTx) GetOption(_ context.Context, id string) (*model.Option, error) {
	o, ok := tx.option(id)
	if !ok {
		return nil, fmt.Errorf("option %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (tx *memTx) ListOptions(_ context.Context, eventID string) ([]model.Option, error) {
	var ids []string
	tx.s.mu.RLock()
	for id, o := range tx.s.options {
		if o.EventID == eventID {
			ids = append(ids, id)
		}
	}
	tx.s.mu.RUnlock()
	for id, o := range tx.options {
		if o != nil && o.EventID == eventID {
			ids = append(ids, id)
		}
	}

	seen := make(map[string]bool, len(ids))
	opts := []model.Option{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if o, ok := tx.option(id); ok && o.EventID == eventID {
			opts = append(opts, *o)
		}
	}
	sortOptions(opts)
	return opts, nil
}

func (tx *memTx) CreateOption(_ context.Context, o *model.Option) error {
	if _, exists := tx.option(o.ID); exists {
		return fmt.Errorf("option %s: %w", o.ID, ErrDuplicate)
	}
	o.Version = 1
	c := cloneOption(*o)
	tx.options[o.ID] = &c
	return nil
}

func (tx *memTx) UpdateOption(_ context.Context, o *model.Option) error {
	cur, ok := tx.option(o.ID)
	if !ok {
		return fmt.Errorf("option %s: %w", o.ID, ErrNotFound)
	}
	if cur.Version != o.Version {
		return fmt.Errorf("option %s: %w", o.ID, ErrConflict)
	}
	o.Version++
	c := cloneOption(*o)
	tx.options[o.ID] = &c
	return nil
}

func (tx *memTx) DeleteOptions(ctx context.Context, eventID string) error {
	opts, err := tx.ListOptions(ctx, eventID)
	if err != nil {
		return err
	}
	for _, o := range opts {
		tx.options[o.ID] = nil
	}
	return nil
}

func (tx *memTx) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	t, ok := tx.trade(id)
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (tx *memTx) CreateTrade(_ context.Context, t *model.Trade) error {
	if _, exists := tx.trade(t.ID); exists {
		return fmt.Errorf("trade %s: %w", t.ID, ErrDuplicate)
	}
	t.Version = 1
	c := cloneTrade(*t)
	tx.trades[t.ID] = &c
	return nil
}

func (tx *memTx) UpdateTrade(_ context.Context, t *model.Trade) error {
	cur, ok := tx.trade(t.ID)
	if !ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
	}
	t.Version++
	c := cloneTrade(*t)
	tx.trades[t.ID] = &c
	return nil
}

func (tx *memTx) CountTrades(_ context.Context, eventID string) (int, error) {
	n := 0
	tx.s.mu.RLock()
	for id, t := range tx.s.trades {
		if _, staged := tx.trades[id]; !staged && t.EventID == eventID {
			n++
		}
	}
	tx.s.mu.RUnlock()
	for _, t := range tx.trades {
		if t != nil && t.EventID == eventID {
			n++
		}
	}
	return n, nil
}

// commit validates every observed version and applies the staged writes.
func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tx.reads {
		if s.versionLocked(k) != v {
			return fmt.Errorf("%w: record %s changed", ErrConflict, k.id)
		}
	}
	for id, u := range tx.users {
		if u == nil {
			continue
		}
		if _, existed := s.users[id]; !existed && s.userClashesLocked(*u) {
			return fmt.Errorf("user %s: %w", u.Username, ErrDuplicate)
		}
	}

	for id, u := range tx.users {
		if u == nil {
			delete(s.users, id)
		} else {
			s.users[id] = *u
		}
	}
	for id, e := range tx.events {
		if e == nil {
			delete(s.events, id)
		} else {
			s.events[id] = *e
		}
	}
	for id, o := range tx.options {
		if o == nil {
			delete(s.options, id)
		} else {
			s.options[id] = *o
		}
	}
	for id, t := range tx.trades {
		if t == nil {
			delete(s.trades, id)
		} else {
			s.trades[id] = *t
		}
	}
	return nil
}

func (s *MemoryStore) versionLocked(k recordKey) int64 {
	switch k.kind {
	case kindUser:
		return s.users[k.id].Version
	case kindEvent:
		return s.events[k.id].Version
	case kindOption:
		return s.options[k.id].Version
	case kindTrade:
		return s.trades[k.id].Version
	}
	return 0
}

func (s *MemoryStore) userClashesLocked(u model.User) bool {
	for _, existing := range s.users {
		if existing.ID != u.ID && userClashes(existing, u) {
			return true
		}
	}
	return false
}

func userClashes(a, b model.User) bool {
	return strings.EqualFold(a.Username, b.Username) || strings.EqualFold(a.Email, b.Email)
}

// Records are stored by value; pointer fields are copied so callers can
// never mutate committed state.

func cloneOption(o model.Option) model.Option {
	if o.Result != nil {
		r := *o.Result
		o.Result = &r
	}
	return o
}

func cloneTrade(t model.Trade) model.Trade {
	if t.Result != nil {
		r := *t.Result
		t.Result = &r
	}
	if t.SettledAt != nil {
		at := *t.SettledAt
		t.SettledAt = &at
	}
	return t
}

