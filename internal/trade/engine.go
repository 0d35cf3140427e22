// Package trade is the trade lifecycle and balance-settlement engine. It
// creates trades against a user's balance, cancels them with a refund, and
// settles them with a payout, each as one atomic store transaction.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

// Service runs trade operations. Balance checks and debits are serialized
// through store transactions, not in-process locks, so several instances
// may share one store.
type Service struct {
	store       store.Store
	pub         stream.Publisher
	maxAttempts int
	concurrency int
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the notification sink.
func WithPublisher(p stream.Publisher) Option { return func(s *Service) { s.pub = p } }

// WithMaxAttempts bounds conflict retries per operation.
func WithMaxAttempts(n int) Option { return func(s *Service) { s.maxAttempts = n } }

// WithConcurrency bounds parallel settlements in SettleEvent.
func WithConcurrency(n int) Option { return func(s *Service) { s.concurrency = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a trade service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		maxAttempts: 3,
		concurrency: 4,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateInput is a trade creation request.
type CreateInput struct {
	UserID   string          `json:"userId"`
	EventID  string          `json:"eventId" validate:"required"`
	OptionID string          `json:"optionId" validate:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

// CreateTrade debits the stake from the user and records a pending trade
// in one transaction. Preconditions are checked in order and the first
// failure wins: positive amount, user exists, sufficient balance, event
// open for trading, option belongs to the event.
func (s *Service) CreateTrade(ctx context.Context, in CreateInput) (*model.Trade, error) {
	if !in.Amount.IsPositive() {
		return nil, apperr.New(apperr.Validation, "invalid amount", "amount must be greater than 0")
	}

	var (
		trade   *model.Trade
		balance decimal.Decimal
	)
	err := s.run(ctx, "create_trade", func(tx store.Tx) error {
		user, err := tx.GetUser(ctx, in.UserID)
		if err != nil {
			return store.NotFound(err, "user", in.UserID)
		}
		if user.Balance.LessThan(in.Amount) {
			return apperr.New(apperr.InsufficientBalance, "insufficient balance",
				fmt.Sprintf("Balance: %s, Required: %s", user.Balance, in.Amount))
		}

		event, err := tx.GetEvent(ctx, in.EventID)
		if err != nil {
			return store.NotFound(err, "event", in.EventID)
		}
		if !event.Status.Tradable() {
			return apperr.New(apperr.InvalidEventStatus, "event is not open for trading",
				fmt.Sprintf("Event status is %s; trades require upcoming or live.", event.Status))
		}

		opt, err := tx.GetOption(ctx, in.OptionID)
		if err != nil {
			return store.NotFound(err, "option", in.OptionID)
		}
		if opt.EventID != in.EventID {
			return apperr.New(apperr.InvalidRelation, "option does not belong to event",
				fmt.Sprintf("Option %s belongs to event %s, not %s.", opt.ID, opt.EventID, in.EventID))
		}

		// Writing the event orders this trade against option replacement.
		if err := tx.UpdateEvent(ctx, event); err != nil {
			return err
		}
		user.Balance = user.Balance.Sub(in.Amount)
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		trade = &model.Trade{
			ID:              uuid.New().String(),
			UserID:          user.ID,
			EventID:         event.ID,
			OptionID:        opt.ID,
			Amount:          in.Amount,
			PotentialReturn: in.Amount.Mul(opt.Odds),
			Payout:          decimal.Zero,
			Status:          model.TradePending,
			CreatedAt:       s.now(),
		}
		balance = user.Balance
		return tx.CreateTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesCreated.Inc()
	slog.Info("trade created",
		"trade_id", trade.ID,
		"user", trade.UserID,
		"event", trade.EventID,
		"option", trade.OptionID,
		"amount", trade.Amount.String(),
		"potential_return", trade.PotentialReturn.String(),
		"balance", balance.String(),
	)
	s.publish(stream.Message{
		Type:     stream.TradeCreated,
		TradeID:  trade.ID,
		UserID:   trade.UserID,
		EventID:  trade.EventID,
		OptionID: trade.OptionID,
		Status:   string(trade.Status),
		Amount:   trade.Amount.String(),
	})
	return trade, nil
}

// UpdateTradeStatus applies an administrative status change. Only pending
// trades can change: pending restates as a no-op, cancelled refunds the
// amount. Settlement is refused here and goes through SettleTrade.
func (s *Service) UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) (*model.Trade, error) {
	if !status.Valid() {
		return nil, apperr.New(apperr.Validation, "invalid status",
			fmt.Sprintf("status must be one of pending, settled, cancelled; got %q", status))
	}

	var (
		trade    *model.Trade
		refunded bool
	)
	err := s.run(ctx, "update_trade_status", func(tx store.Tx) error {
		refunded = false
		var err error
		trade, err = tx.GetTrade(ctx, id)
		if err != nil {
			return store.NotFound(err, "trade", id)
		}
		if trade.Status != model.TradePending {
			return apperr.New(apperr.InvalidOperation, "trade cannot be changed",
				fmt.Sprintf("Trade is already %s.", trade.Status))
		}
		action, ok := model.StatusAction(status)
		if !ok {
			return apperr.New(apperr.InvalidOperation, "trades cannot be set to settled directly",
				"Use the settle operation, which records a result and payout.")
		}
		next, ok := model.NextTradeStatus(trade.Status, action)
		if !ok {
			return apperr.New(apperr.InvalidOperation, "invalid status transition",
				fmt.Sprintf("A trade cannot move from %s to %s.", trade.Status, status))
		}
		if action == model.TradeRestate {
			return nil
		}

		user, err := tx.GetUser(ctx, trade.UserID)
		if err != nil {
			return store.NotFound(err, "user", trade.UserID)
		}
		user.Balance = user.Balance.Add(trade.Amount)
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		trade.Status = next
		refunded = true
		return tx.UpdateTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	if refunded {
		metrics.TradesCancelled.Inc()
		slog.Info("trade cancelled", "trade_id", trade.ID, "user", trade.UserID, "refund", trade.Amount.String())
		s.publish(stream.Message{
			Type:    stream.TradeCancelled,
			TradeID: trade.ID,
			UserID:  trade.UserID,
			EventID: trade.EventID,
			Status:  string(trade.Status),
			Amount:  trade.Amount.String(),
		})
	}
	return trade, nil
}

// SettleTrade resolves a pending trade on a completed event. A winning
// trade pays its potential return to the user; a losing one pays nothing.
// Of several concurrent calls on one trade exactly one succeeds; the rest
// observe the settled trade and fail with InvalidOperation.
func (s *Service) SettleTrade(ctx context.Context, id string, result bool) (*model.Trade, error) {
	var trade *model.Trade
	err := s.run(ctx, "settle_trade", func(tx store.Tx) error {
		var err error
		trade, err = tx.GetTrade(ctx, id)
		if err != nil {
			return store.NotFound(err, "trade", id)
		}
		next, ok := model.NextTradeStatus(trade.Status, model.TradeSettle)
		if !ok {
			return apperr.New(apperr.InvalidOperation, "only pending trades can be settled",
				fmt.Sprintf("Trade is already %s.", trade.Status))
		}
		event, err := tx.GetEvent(ctx, trade.EventID)
		if err != nil {
			return store.NotFound(err, "event", trade.EventID)
		}
		if event.Status != model.EventCompleted {
			return apperr.New(apperr.InvalidOperation, "event must be completed first",
				fmt.Sprintf("Event status is %s.", event.Status))
		}

		now := s.now()
		trade.Status = next
		trade.Result = model.Bool(result)
		trade.SettledAt = &now
		trade.Payout = decimal.Zero
		if result {
			trade.Payout = trade.PotentialReturn
			user, err := tx.GetUser(ctx, trade.UserID)
			if err != nil {
				return store.NotFound(err, "user", trade.UserID)
			}
			user.Balance = user.Balance.Add(trade.Payout)
			if err := tx.UpdateUser(ctx, user); err != nil {
				return err
			}
		}
		return tx.UpdateTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	outcome := "lost"
	if result {
		outcome = "won"
		metrics.PayoutTotal.Add(trade.Payout.InexactFloat64())
	}
	metrics.TradesSettled.WithLabelValues(outcome).Inc()
	slog.Info("trade settled",
		"trade_id", trade.ID,
		"user", trade.UserID,
		"result", result,
		"payout", trade.Payout.String(),
	)
	s.publish(stream.Message{
		Type:    stream.TradeSettled,
		TradeID: trade.ID,
		UserID:  trade.UserID,
		EventID: trade.EventID,
		Status:  string(trade.Status),
		Result:  model.Bool(result),
		Payout:  trade.Payout.String(),
	})
	return trade, nil
}

// GetTrade returns a trade by id.
func (s *Service) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := s.store.GetTrade(ctx, id)
	if err != nil {
		return nil, store.AppError(store.NotFound(err, "trade", id), "get trade")
	}
	return t, nil
}

// GetTradeDetail returns a trade with snapshots of its event and option.
// Either snapshot is omitted if the record has since been deleted.
func (s *Service) GetTradeDetail(ctx context.Context, id string) (*model.TradeDetail, error) {
	t, err := s.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &model.TradeDetail{Trade: *t}
	e, err := s.store.GetEvent(ctx, t.EventID)
	switch {
	case err == nil:
		d.Event = e
	case !errors.Is(err, store.ErrNotFound):
		return nil, store.AppError(err, "get trade event")
	}
	o, err := s.store.GetOption(ctx, t.OptionID)
	switch {
	case err == nil:
		d.Option = o
	case !errors.Is(err, store.ErrNotFound):
		return nil, store.AppError(err, "get trade option")
	}
	return d, nil
}

// ListTrades returns one page of trades, newest first.
func (s *Service) ListTrades(ctx context.Context, f model.TradeFilter, p model.PageRequest) (model.Page[model.Trade], error) {
	if f.Status != "" && !f.Status.Valid() {
		return model.Page[model.Trade]{}, apperr.New(apperr.Validation, "invalid filter",
			fmt.Sprintf("unknown trade status %q", f.Status))
	}
	p = p.Normalize()
	trades, total, err := s.store.ListTrades(ctx, f, p)
	if err != nil {
		return model.Page[model.Trade]{}, store.AppError(err, "list trades")
	}
	return model.NewPage(trades, p, total), nil
}

// ListByUser returns one page of a user's trades.
func (s *Service) ListByUser(ctx context.Context, userID string, f model.TradeFilter, p model.PageRequest) (model.Page[model.Trade], error) {
	f.UserID = userID
	return s.ListTrades(ctx, f, p)
}

// ListByEvent returns one page of an event's trades.
func (s *Service) ListByEvent(ctx context.Context, eventID string, f model.TradeFilter, p model.PageRequest) (model.Page[model.Trade], error) {
	f.EventID = eventID
	return s.ListTrades(ctx, f, p)
}

// run executes fn transactionally with conflict retry, recording latency
// and conflicts under op.
func (s *Service) run(ctx context.Context, op string, fn func(tx store.Tx) error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation(op, start, err) }()
	err = store.Retry(ctx, s.store, s.maxAttempts, func() {
		metrics.TxConflicts.WithLabelValues(op).Inc()
	}, fn)
	return store.AppError(err, op)
}

func (s *Service) publish(msg stream.Message) {
	if s.pub != nil {
		s.pub.Publish(msg)
	}
}
