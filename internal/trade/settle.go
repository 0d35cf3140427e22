package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Summary reports the outcome of settling every pending trade on an event.
type Summary struct {
	EventID     string          `json:"eventId"`
	Settled     int             `json:"settled"`
	Won         int             `json:"won"`
	Lost        int             `json:"lost"`
	Skipped     int             `json:"skipped"`
	TotalPayout decimal.Decimal `json:"totalPayout"`
}

// SettleEvent settles all pending trades on a completed event, each with
// the result of the option it was placed on. Every trade settles in its
// own transaction. Trades that stop being pending before their turn, or
// whose option no longer exists, are counted as skipped.
func (s *Service) SettleEvent(ctx context.Context, eventID string) (*Summary, error) {
	// Read in a transaction so the status comes from the primary store and
	// never from a cache.
	var event *model.Event
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		event, err = tx.GetEvent(ctx, eventID)
		return err
	})
	if err != nil {
		return nil, store.AppError(store.NotFound(err, "event", eventID), "settle event")
	}
	if event.Status != model.EventCompleted {
		return nil, apperr.New(apperr.InvalidOperation, "event must be completed first",
			fmt.Sprintf("Event status is %s.", event.Status))
	}
	results := make(map[string]bool, len(event.Options))
	for _, o := range event.Options {
		if o.Result != nil {
			results[o.ID] = *o.Result
		}
	}

	pending, err := s.pendingTrades(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &Summary{EventID: eventID, TotalPayout: decimal.Zero}, nil
	}

	var (
		mu  sync.Mutex
		sum = &Summary{EventID: eventID, TotalPayout: decimal.Zero}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, t := range pending {
		result, ok := results[t.OptionID]
		if !ok {
			mu.Lock()
			sum.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			settled, err := s.SettleTrade(gctx, t.ID, result)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case apperr.Is(err, apperr.InvalidOperation), apperr.Is(err, apperr.NotFound):
				sum.Skipped++
				return nil
			case err != nil:
				return err
			}
			sum.Settled++
			if result {
				sum.Won++
				sum.TotalPayout = sum.TotalPayout.Add(settled.Payout)
			} else {
				sum.Lost++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	slog.Info("event settled",
		"event", eventID,
		"settled", sum.Settled,
		"won", sum.Won,
		"lost", sum.Lost,
		"skipped", sum.Skipped,
		"total_payout", sum.TotalPayout.String(),
	)
	return sum, nil
}

// pendingTrades collects every pending trade on an event. The whole set is
// read before any is settled so that paging offsets stay stable.
func (s *Service) pendingTrades(ctx context.Context, eventID string) ([]model.Trade, error) {
	f := model.TradeFilter{EventID: eventID, Status: model.TradePending}
	p := model.PageRequest{Page: 1, Limit: model.MaxPageLimit}
	var all []model.Trade
	for {
		trades, total, err := s.store.ListTrades(ctx, f, p)
		if err != nil {
			return nil, store.AppError(err, "list pending trades")
		}
		all = append(all, trades...)
		if len(trades) == 0 || p.Page*p.Limit >= total {
			return all, nil
		}
		p.Page++
	}
}

// Sweeper periodically settles pending trades on completed events.
type Sweeper struct {
	svc      *Service
	schedule string
	cron     *cron.Cron
}

// NewSweeper creates a sweeper that runs on the given cron schedule, in
// standard five-field or descriptor ("@every 30s") form. A run still in
// progress when the next one is due causes that next run to be skipped.
func NewSweeper(svc *Service, schedule string) *Sweeper {
	return &Sweeper{
		svc:      svc,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules the sweep. Runs use ctx and stop settling once it is done.
func (sw *Sweeper) Start(ctx context.Context) error {
	if _, err := sw.cron.AddFunc(sw.schedule, func() {
		if _, err := sw.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("settlement sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", sw.schedule, err)
	}
	sw.cron.Start()
	slog.Info("settlement sweeper started", "schedule", sw.schedule)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
	slog.Info("settlement sweeper stopped")
}

// Sweep settles every completed event once and returns the number of
// trades settled.
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	f := model.EventFilter{Status: model.EventCompleted}
	p := model.PageRequest{Page: 1, Limit: model.MaxPageLimit}
	settled := 0
	for {
		events, total, err := sw.svc.store.ListEvents(ctx, f, p)
		if err != nil {
			return settled, store.AppError(err, "list completed events")
		}
		for _, e := range events {
			sum, err := sw.svc.SettleEvent(ctx, e.ID)
			if sum != nil {
				settled += sum.Settled
			}
			if err != nil {
				return settled, fmt.Errorf("settle event %s: %w", e.ID, err)
			}
		}
		if len(events) == 0 || p.Page*p.Limit >= total {
			return settled, nil
		}
		p.Page++
	}
}
