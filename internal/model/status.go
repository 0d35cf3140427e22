package model

// Role is the access level carried by a user's token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAdmin }

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventUpcoming  EventStatus = "upcoming"
	EventLive      EventStatus = "live"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
)

// Valid reports whether s is one of the four event states.
func (s EventStatus) Valid() bool {
	switch s {
	case EventUpcoming, EventLive, EventCompleted, EventCancelled:
		return true
	}
	return false
}

// Tradable reports whether trades may be placed on an event in state s.
func (s EventStatus) Tradable() bool { return s == EventUpcoming || s == EventLive }

// Terminal reports whether no further transition leaves s.
func (s EventStatus) Terminal() bool { return s == EventCompleted || s == EventCancelled }

// adminEventTransitions lists the status changes an administrator may
// request. Completion is absent: it is only ever derived from option results.
var adminEventTransitions = map[EventStatus][]EventStatus{
	EventUpcoming: {EventUpcoming, EventLive, EventCancelled},
	EventLive:     {EventLive, EventCancelled},
}

// CanSetEventStatus reports whether an administrator may move an event
// from one status to another.
func CanSetEventStatus(from, to EventStatus) bool {
	for _, s := range adminEventTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanDeriveCompletion reports whether an event in state s may transition
// to completed once all of its options are resolved.
func CanDeriveCompletion(s EventStatus) bool { return s == EventUpcoming || s == EventLive }

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeSettled   TradeStatus = "settled"
	TradeCancelled TradeStatus = "cancelled"
)

// Valid reports whether s is one of the three trade states.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradePending, TradeSettled, TradeCancelled:
		return true
	}
	return false
}

// TradeAction is an operation that moves a trade through its lifecycle.
type TradeAction string

const (
	TradeRestate TradeAction = "restate" // pending -> pending, no effect
	TradeCancel  TradeAction = "cancel"  // pending -> cancelled, refund amount
	TradeSettle  TradeAction = "settle"  // pending -> settled, payout 0 or potential return
)

// tradeTransitions is the complete trade state machine. Settled and
// cancelled have no outgoing edges.
var tradeTransitions = map[TradeStatus]map[TradeAction]TradeStatus{
	TradePending: {
		TradeRestate: TradePending,
		TradeCancel:  TradeCancelled,
		TradeSettle:  TradeSettled,
	},
}

// NextTradeStatus returns the status reached by applying action a to a
// trade in state from, and false if the table has no such edge.
func NextTradeStatus(from TradeStatus, a TradeAction) (TradeStatus, bool) {
	to, ok := tradeTransitions[from][a]
	return to, ok
}

// StatusAction maps an administrative status request onto a trade action.
// Requests for settled are refused here: settlement carries a result and
// goes through its own operation.
func StatusAction(target TradeStatus) (TradeAction, bool) {
	switch target {
	case TradePending:
		return TradeRestate, true
	case TradeCancelled:
		return TradeCancel, true
	}
	return "", false
}
