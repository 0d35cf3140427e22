package market

import (
	"context"
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

// Service manages events and options. Every mutation runs in one store
// transaction and is retried from the top on a transaction conflict.
type Service struct {
	store       store.Store
	pub         stream.Publisher
	maxAttempts int
	now         func() time.Time
}

// NewService creates a market service. pub may be nil.
func NewService(st store.Store, pub stream.Publisher, maxAttempts int) *Service {
	return &Service{
		store:       st,
		pub:         pub,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// OptionInput describes an option to create.
type OptionInput struct {
	Title string          `json:"title" validate:"required"`
	Odds  decimal.Decimal `json:"odds"`
}

// CreateEventInput is the body of an event creation request.
type CreateEventInput struct {
	Title       string            `json:"title" validate:"required"`
	Description string            `json:"description"`
	Category    string            `json:"category" validate:"required"`
	StartTime   time.Time         `json:"startTime" validate:"required"`
	EndTime     time.Time         `json:"endTime" validate:"required"`
	Status      model.EventStatus `json:"status"`
	Options     []OptionInput     `json:"options" validate:"dive"`
}

// UpdateEventInput is a partial event update. Nil fields are left as is.
// A non-nil Options replaces the whole option set.
type UpdateEventInput struct {
	Title       *string            `json:"title"`
	Description *string            `json:"description"`
	Category    *string            `json:"category"`
	StartTime   *time.Time         `json:"startTime"`
	EndTime     *time.Time         `json:"endTime"`
	Status      *model.EventStatus `json:"status"`
	Options     *[]OptionInput     `json:"options"`
}

// CreateOptionInput is the body of an option creation request.
type CreateOptionInput struct {
	EventID string          `json:"eventId" validate:"required"`
	Title   string          `json:"title" validate:"required"`
	Odds    decimal.Decimal `json:"odds"`
}

// Resolution is the outcome of setting an option's result.
type Resolution struct {
	Option    model.Option `json:"option"`
	Event     model.Event  `json:"event"`
	Completed bool         `json:"completed"` // this call completed the event
}

// CreateEvent creates an event and its inline options atomically.
func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (*model.Event, error) {
	status := in.Status
	if status == "" {
		status = model.EventUpcoming
	}
	var expl []string
	if !in.StartTime.Before(in.EndTime) {
		expl = append(expl, "startTime must be before endTime")
	}
	if !status.Tradable() {
		expl = append(expl, "status must be upcoming or live at creation")
	}
	expl = append(expl, checkOptions(in.Options)...)
	if len(expl) > 0 {
		return nil, apperr.New(apperr.Validation, "invalid event", expl...)
	}

	var event *model.Event
	err := s.run(ctx, "create_event", func(tx store.Tx) error {
		now := s.now()
		event = &model.Event{
			ID:          uuid.New().String(),
			Title:       in.Title,
			Description: in.Description,
			Category:    in.Category,
			StartTime:   in.StartTime.UTC(),
			EndTime:     in.EndTime.UTC(),
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateEvent(ctx, event); err != nil {
			return err
		}
		opts, err := createOptions(ctx, tx, event.ID, in.Options, now)
		if err != nil {
			return err
		}
		event.Options = opts
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("event created", "id", event.ID, "title", event.Title, "options", len(event.Options))
	return event, nil
}

// GetEvent returns an event with its options.
func (s *Service) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, store.AppError(store.NotFound(err, "event", id), "get event")
	}
	return e, nil
}

// ListEvents returns one page of events ordered by start time.
func (s *Service) ListEvents(ctx context.Context, f model.EventFilter, p model.PageRequest) (model.Page[model.Event], error) {
	if f.Status != "" && !f.Status.Valid() {
		return model.Page[model.Event]{}, apperr.New(apperr.Validation, "invalid filter",
			fmt.Sprintf("unknown event status %q", f.Status))
	}
	p = p.Normalize()
	events, total, err := s.store.ListEvents(ctx, f, p)
	if err != nil {
		return model.Page[model.Event]{}, store.AppError(err, "list events")
	}
	return model.NewPage(events, p, total), nil
}

// UpdateEvent applies a partial update. Replacing the option set is only
// allowed while no option has a result and no trade references the event.
func (s *Service) UpdateEvent(ctx context.Context, id string, in UpdateEventInput) (*model.Event, error) {
	if in.Options != nil {
		if expl := checkOptions(*in.Options); len(expl) > 0 {
			return nil, apperr.New(apperr.Validation, "invalid options", expl...)
		}
	}

	var (
		event   *model.Event
		changed bool
		from    model.EventStatus
	)
	err := s.run(ctx, "update_event", func(tx store.Tx) error {
		var err error
		event, err = tx.GetEvent(ctx, id)
		if err != nil {
			return store.NotFound(err, "event", id)
		}
		from = event.Status

		if in.Title != nil {
			event.Title = *in.Title
		}
		if in.Description != nil {
			event.Description = *in.Description
		}
		if in.Category != nil {
			event.Category = *in.Category
		}
		if in.StartTime != nil {
			event.StartTime = in.StartTime.UTC()
		}
		if in.EndTime != nil {
			event.EndTime = in.EndTime.UTC()
		}
		if !event.StartTime.Before(event.EndTime) {
			return apperr.New(apperr.Validation, "invalid event", "startTime must be before endTime")
		}
		if in.Status != nil {
			if err := checkStatusChange(event.Status, *in.Status); err != nil {
				return err
			}
			event.Status = *in.Status
		}

		now := s.now()
		if in.Options != nil {
			for _, o := range event.Options {
				if o.Resolved() {
					return apperr.New(apperr.InvalidOperation, "options cannot be replaced",
						fmt.Sprintf("Option %s already has a result.", o.ID))
				}
			}
			traded, err := tx.CountTrades(ctx, id)
			if err != nil {
				return err
			}
			if traded > 0 {
				return apperr.New(apperr.InvalidOperation, "options cannot be replaced",
					"The event already has trades placed on its options.")
			}
			if err := tx.DeleteOptions(ctx, id); err != nil {
				return err
			}
			opts, err := createOptions(ctx, tx, id, *in.Options, now)
			if err != nil {
				return err
			}
			event.Options = opts
		}

		event.UpdatedAt = now
		if err := tx.UpdateEvent(ctx, event); err != nil {
			return err
		}
		changed = event.Status != from
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("event updated", "id", id, "status", event.Status)
	if changed {
		s.publish(stream.Message{Type: stream.EventStatusChanged, EventID: id, Status: string(event.Status)})
	}
	return event, nil
}

// UpdateEventStatus sets an event's status following the administrative
// transition table. Completed can never be requested.
func (s *Service) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) (*model.Event, error) {
	return s.UpdateEvent(ctx, id, UpdateEventInput{Status: &status})
}

// DeleteEvent removes an event and its options. Trades on the event keep
// their references.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	err := s.run(ctx, "delete_event", func(tx store.Tx) error {
		return store.NotFound(tx.DeleteEvent(ctx, id), "event", id)
	})
	if err != nil {
		return err
	}
	slog.Info("event deleted", "id", id)
	return nil
}

// CreateOption adds an option to an upcoming or live event.
func (s *Service) CreateOption(ctx context.Context, in CreateOptionInput) (*model.Option, error) {
	if expl := checkOptions([]OptionInput{{Title: in.Title, Odds: in.Odds}}); len(expl) > 0 {
		return nil, apperr.New(apperr.Validation, "invalid option", expl...)
	}

	var opt *model.Option
	err := s.run(ctx, "create_option", func(tx store.Tx) error {
		event, err := tx.GetEvent(ctx, in.EventID)
		if err != nil {
			return store.NotFound(err, "event", in.EventID)
		}
		if !event.Status.Tradable() {
			return apperr.New(apperr.InvalidEventStatus, "event is not open",
				fmt.Sprintf("Options can only be added to upcoming or live events; event is %s.", event.Status))
		}
		now := s.now()
		opt = &model.Option{
			ID:        uuid.New().String(),
			EventID:   event.ID,
			Title:     in.Title,
			Odds:      in.Odds,
			CreatedAt: now,
		}
		if err := tx.CreateOption(ctx, opt); err != nil {
			return err
		}
		// Touch the event so a concurrent completion of it conflicts.
		event.UpdatedAt = now
		return tx.UpdateEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("option created", "id", opt.ID, "event_id", opt.EventID, "odds", opt.Odds.String())
	return opt, nil
}

// SetOptionResult records an option's outcome and, if every option of its
// event now has a result, transitions the event to completed. A result
// can be set once; repeating the same value is a no-op that re-runs the
// completion check, and a different value is rejected.
func (s *Service) SetOptionResult(ctx context.Context, optionID string, result bool) (*Resolution, error) {
	var res Resolution
	err := s.run(ctx, "set_option_result", func(tx store.Tx) error {
		res = Resolution{}
		opt, err := tx.GetOption(ctx, optionID)
		if err != nil {
			return store.NotFound(err, "option", optionID)
		}
		if opt.Result != nil && *opt.Result != result {
			return apperr.New(apperr.InvalidOperation, "option result already set",
				fmt.Sprintf("Option %s is already resolved to %t and cannot be changed.", optionID, *opt.Result))
		}
		event, err := tx.GetEvent(ctx, opt.EventID)
		if err != nil {
			return store.NotFound(err, "event", opt.EventID)
		}
		if event.Status == model.EventCancelled {
			return apperr.New(apperr.InvalidEventStatus, "event is cancelled",
				"Options of a cancelled event cannot be resolved.")
		}

		now := s.now()
		touched := false
		if opt.Result == nil {
			opt.Result = model.Bool(result)
			if err := tx.UpdateOption(ctx, opt); err != nil {
				return err
			}
			touched = true
		}

		opts, err := tx.ListOptions(ctx, event.ID)
		if err != nil {
			return err
		}
		if EventCompleted(opts) && model.CanDeriveCompletion(event.Status) {
			event.Status = model.EventCompleted
			res.Completed = true
			touched = true
		}
		if touched {
			// Concurrent resolutions of sibling options serialize on the
			// event version, so exactly one of them observes completion.
			event.UpdatedAt = now
			if err := tx.UpdateEvent(ctx, event); err != nil {
				return err
			}
		}
		event.Options = opts
		res.Option = *opt
		res.Event = *event
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("option resolved",
		"option_id", optionID,
		"event_id", res.Event.ID,
		"result", result,
		"event_completed", res.Completed,
	)
	s.publish(stream.Message{Type: stream.OptionResolved, EventID: res.Event.ID, OptionID: optionID, Result: model.Bool(result)})
	if res.Completed {
		metrics.EventsCompleted.Inc()
		s.publish(stream.Message{Type: stream.EventCompleted, EventID: res.Event.ID, Status: string(model.EventCompleted)})
	}
	return &res, nil
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

func checkStatusChange(from, to model.EventStatus) error {
	if !to.Valid() {
		return apperr.New(apperr.Validation, "invalid status", fmt.Sprintf("unknown event status %q", to))
	}
	if to == model.EventCompleted {
		return apperr.New(apperr.InvalidEventStatus, "status cannot be set to completed",
			"An event completes automatically once all of its options have results.")
	}
	if !model.CanSetEventStatus(from, to) {
		return apperr.New(apperr.InvalidEventStatus, "invalid status transition",
			fmt.Sprintf("An event cannot move from %s to %s.", from, to))
	}
	return nil
}

func checkOptions(opts []OptionInput) []string {
	var expl []string
	for i, o := range opts {
		if o.Title == "" {
			expl = append(expl, fmt.Sprintf("options[%d].title is required", i))
		}
		if !o.Odds.IsPositive() {
			expl = append(expl, fmt.Sprintf("options[%d].odds must be greater than 0", i))
		}
	}
	return expl
}

// createOptions inserts options in order. Creation times are offset by
// index so listing order matches input order.
func createOptions(ctx context.Context, tx store.Tx, eventID string, in []OptionInput, now time.Time) ([]model.Option, error) {
	opts := make([]model.Option, 0, len(in))
	for i, o := range in {
		opt := model.Option{
			ID:        uuid.New().String(),
			EventID:   eventID,
			Title:     o.Title,
			Odds:      o.Odds,
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		if err := tx.CreateOption(ctx, &opt); err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return opts, nil
}
