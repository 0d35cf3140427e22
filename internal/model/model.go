// Package model defines the core domain types shared across the settlement engine.
// Monetary values are shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a trading account. Balance is mutated only by the trade engine
// (debit on creation, refund on cancellation, payout on winning settlement).
type User struct {
	ID           string          `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	Email        string          `json:"email" db:"email"`
	FullName     string          `json:"fullName" db:"full_name"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Role         Role            `json:"role" db:"role"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	Version      int64           `json:"-" db:"version"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
}

// Event is a time-bounded occurrence whose options resolve to true/false.
// Options are owned by the event; deleting the event deletes them.
type Event struct {
	ID          string      `json:"id" db:"id"`
	Title       string      `json:"title" db:"title"`
	Description string      `json:"description" db:"description"`
	Category    string      `json:"category" db:"category"`
	StartTime   time.Time   `json:"startTime" db:"start_time"`
	EndTime     time.Time   `json:"endTime" db:"end_time"`
	Status      EventStatus `json:"status" db:"status"`
	Options     []Option    `json:"options"`
	Version     int64       `json:"-" db:"version"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
}

// Option is one outcome of an event. Result is nil until decided and is
// never reset to nil once set.
type Option struct {
	ID        string          `json:"id" db:"id"`
	EventID   string          `json:"eventId" db:"event_id"`
	Title     string          `json:"title" db:"title"`
	Odds      decimal.Decimal `json:"odds" db:"odds"` // payout multiplier, > 0
	Result    *bool           `json:"result" db:"result"`
	Version   int64           `json:"-" db:"version"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// Resolved reports whether the option's outcome has been decided.
func (o Option) Resolved() bool { return o.Result != nil }

// Trade is a user's stake on one option of one event.
// PotentialReturn is fixed at creation; Payout is zero until settlement.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"userId" db:"user_id"`
	EventID         string          `json:"eventId" db:"event_id"`
	OptionID        string          `json:"optionId" db:"option_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	PotentialReturn decimal.Decimal `json:"potentialReturn" db:"potential_return"`
	Payout          decimal.Decimal `json:"payout" db:"payout"`
	Status          TradeStatus     `json:"status" db:"status"`
	Result          *bool           `json:"result" db:"result"`
	SettledAt       *time.Time      `json:"settledAt,omitempty" db:"settled_at"`
	Version         int64           `json:"-" db:"version"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

// TradeDetail is a trade together with snapshots of the event and option
// it references.
type TradeDetail struct {
	Trade  Trade   `json:"trade"`
	Event  *Event  `json:"event,omitempty"`
	Option *Option `json:"option,omitempty"`
}

// EventFilter narrows event listings. Zero values are ignored.
type EventFilter struct {
	Status     EventStatus
	Category   string
	StartAfter *time.Time // start_time >= StartAfter
	EndBefore  *time.Time // end_time <= EndBefore
}

// TradeFilter narrows trade listings by equality. Zero values are ignored.
type TradeFilter struct {
	UserID   string
	EventID  string
	OptionID string
	Status   TradeStatus
	Result   *bool
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
