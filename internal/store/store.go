// Package store defines the Ledger Store used by the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every record carries a version. Update methods are guarded by it: the
// caller passes the record as last read, and the write fails with
// ErrConflict if anyone else committed a change in between. On success the
// passed record's Version is advanced.
package store

import (
	"context"
	"errors"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: transaction conflict")
	ErrDuplicate = errors.New("store: duplicate key")
)

// Tx is the per-record read/write surface. It is implemented both by a
// running transaction and, in auto-commit mode, by the Store itself.
type Tx interface {
	// --- Users ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// CreateUser fails with ErrDuplicate if the id, username or email is taken.
	CreateUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, u *model.User) error

	// --- Events ---

	// GetEvent returns the event with its options populated.
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	// CreateEvent persists the event row only; options are created separately.
	CreateEvent(ctx context.Context, e *model.Event) error
	UpdateEvent(ctx context.Context, e *model.Event) error
	// DeleteEvent removes the event and every option it owns.
	DeleteEvent(ctx context.Context, id string) error

	// --- Options ---

	GetOption(ctx context.Context, id string) (*model.Option, error)
	// ListOptions returns an event's options in creation order.
	ListOptions(ctx context.Context, eventID string) ([]model.Option, error)
	CreateOption(ctx context.Context, o *model.Option) error
	UpdateOption(ctx context.Context, o *model.Option) error
	DeleteOptions(ctx context.Context, eventID string) error

	// --- Trades ---

	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	CreateTrade(ctx context.Context, t *model.Trade) error
	UpdateTrade(ctx context.Context, t *model.Trade) error
	// CountTrades counts the trades placed on an event, in any status. The
	// trade set itself is not locked: a caller relying on the count reads the
	// event in the same transaction, and every trade creation writes the
	// event it trades on.
	CountTrades(ctx context.Context, eventID string) (int, error)
}

// Store is the persistence interface.
type Store interface {
	Tx

	// ListEvents returns one page of events ordered by start time ascending,
	// options populated, plus the total number of matches.
	ListEvents(ctx context.Context, f model.EventFilter, p model.PageRequest) ([]model.Event, int, error)

	// ListTrades returns one page of trades ordered by creation time
	// descending, plus the total number of matches.
	ListTrades(ctx context.Context, f model.TradeFilter, p model.PageRequest) ([]model.Trade, int, error)

	// InTx runs fn in one all-or-nothing transaction. If fn returns an error
	// nothing it wrote is visible to anyone. A concurrent conflicting commit
	// surfaces as ErrConflict.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
