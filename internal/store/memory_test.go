package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func seedUser(t *testing.T, s store.Store, id string, balance int64) *model.User {
	t.Helper()
	u := &model.User{
		ID:        id,
		Username:  id,
		Email:     id + "@example.com",
		FullName:  "Test " + id,
		Role:      model.RoleUser,
		Balance:   decimal.NewFromInt(balance),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	return u
}

func seedEvent(t *testing.T, s store.Store, id string, start time.Time, optionIDs ...string) *model.Event {
	t.Helper()
	ctx := context.Background()
	e := &model.Event{
		ID:        id,
		Title:     "Event " + id,
		Category:  "sports",
		StartTime: start,
		EndTime:   start.Add(2 * time.Hour),
		Status:    model.EventUpcoming,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateEvent(ctx, e); err != nil {
			return err
		}
		for i, oid := range optionIDs {
			o := &model.Option{
				ID:        oid,
				EventID:   id,
				Title:     "Option " + oid,
				Odds:      decimal.RequireFromString("2.5"),
				CreatedAt: e.CreatedAt.Add(time.Duration(i)),
			}
			if err := tx.CreateOption(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}
	return e
}

func TestInTx_RollbackOnError(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedUser(t, ms, "u1", 100)

	boom := errors.New("boom")
	err := ms.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, "u1")
		if err != nil {
			return err
		}
		u.Balance = u.Balance.Sub(decimal.NewFromInt(40))
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		if err := tx.CreateTrade(ctx, &model.Trade{ID: "t1", UserID: "u1", Amount: decimal.NewFromInt(40)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if !u.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected balance untouched at 100, got %s", u.Balance)
	}
	if _, err := ms.GetTrade(ctx, "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected trade to be absent, got %v", err)
	}
}

func TestInTx_ReadsOwnWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedUser(t, ms, "u1", 100)

	err := ms.InTx(ctx, func(tx store.Tx) error {
		u, _ := tx.GetUser(ctx, "u1")
		u.Balance = decimal.NewFromInt(10)
		if err := tx.UpdateUser(ctx, u); err != nil {
			return err
		}
		again, err := tx.GetUser(ctx, "u1")
		if err != nil {
			return err
		}
		if !again.Balance.Equal(decimal.NewFromInt(10)) {
			t.Errorf("expected staged balance 10, got %s", again.Balance)
		}
		if again.Version != 2 {
			t.Errorf("expected staged version 2, got %d", again.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInTx_ConflictOnConcurrentCommit(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedUser(t, ms, "u1", 100)

	err := ms.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, "u1")
		if err != nil {
			return err
		}

		// Another writer commits first.
		other, _ := ms.GetUser(ctx, "u1")
		other.Balance = decimal.NewFromInt(50)
		if err := ms.UpdateUser(ctx, other); err != nil {
			t.Fatalf("concurrent update failed: %v", err)
		}

		u.Balance = decimal.NewFromInt(60)
		return tx.UpdateUser(ctx, u)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if !u.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected the first commit to win with 50, got %s", u.Balance)
	}
}

func TestUpdate_StaleVersion(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	u := seedUser(t, ms, "u1", 100)

	stale := *u
	u.Balance = decimal.NewFromInt(90)
	if err := ms.UpdateUser(ctx, u); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if u.Version != 2 {
		t.Errorf("expected version to advance to 2, got %d", u.Version)
	}
	if err := ms.UpdateUser(ctx, &stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict for stale write, got %v", err)
	}
}

func TestCreateUser_Duplicate(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedUser(t, ms, "alice", 0)

	dup := &model.User{ID: "other", Username: "ALICE", Email: "new@example.com"}
	if err := ms.CreateUser(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate on username, got %v", err)
	}
	dup = &model.User{ID: "other", Username: "bob", Email: "Alice@Example.com"}
	if err := ms.CreateUser(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate on email, got %v", err)
	}

	u, err := ms.GetUserByEmail(ctx, "ALICE@example.com")
	if err != nil || u.ID != "alice" {
		t.Errorf("expected case-insensitive email lookup, got %v %v", u, err)
	}
}

func TestDeleteEvent_CascadesOptions(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedEvent(t, ms, "e1", time.Now().Add(time.Hour), "o1", "o2")

	e, err := ms.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if len(e.Options) != 2 || e.Options[0].ID != "o1" || e.Options[1].ID != "o2" {
		t.Fatalf("expected options [o1 o2] in creation order, got %+v", e.Options)
	}

	if err := ms.DeleteEvent(ctx, "e1"); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	if _, err := ms.GetOption(ctx, "o1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected option to be deleted with its event, got %v", err)
	}
	if err := ms.DeleteEvent(ctx, "e1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedEvent(t, ms, "e1", time.Now().Add(time.Hour), "o1")

	o, _ := ms.GetOption(ctx, "o1")
	o.Result = model.Bool(true)

	again, _ := ms.GetOption(ctx, "o1")
	if again.Result != nil {
		t.Error("mutating a returned option must not change stored state")
	}
}

func TestListEvents_FilterAndOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seedEvent(t, ms, "late", base.Add(48*time.Hour), "o1")
	seedEvent(t, ms, "early", base, "o2")
	seedEvent(t, ms, "mid", base.Add(24*time.Hour))

	events, total, err := ms.ListEvents(ctx, model.EventFilter{}, model.PageRequest{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if total != 3 || len(events) != 2 {
		t.Fatalf("expected 2 of 3 events, got %d of %d", len(events), total)
	}
	if events[0].ID != "early" || events[1].ID != "mid" {
		t.Errorf("expected start-time order [early mid], got [%s %s]", events[0].ID, events[1].ID)
	}
	if len(events[0].Options) != 1 || events[1].Options == nil {
		t.Errorf("expected options populated, got %+v / %+v", events[0].Options, events[1].Options)
	}

	after := base.Add(time.Hour)
	events, total, _ = ms.ListEvents(ctx, model.EventFilter{StartAfter: &after}, model.PageRequest{})
	if total != 2 {
		t.Errorf("expected 2 events starting after the first, got %d", total)
	}

	events, _, _ = ms.ListEvents(ctx, model.EventFilter{}, model.PageRequest{Page: 5, Limit: 2})
	if len(events) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(events))
	}
}

func TestListTrades_NewestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"t1", "t2", "t3"} {
		tr := &model.Trade{
			ID: id, UserID: "u1", EventID: "e1", OptionID: "o1",
			Amount: decimal.NewFromInt(10), Status: model.TradePending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if id == "t2" {
			tr.UserID = "u2"
		}
		if err := ms.CreateTrade(ctx, tr); err != nil {
			t.Fatalf("create trade: %v", err)
		}
	}

	trades, total, err := ms.ListTrades(ctx, model.TradeFilter{UserID: "u1"}, model.PageRequest{})
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if total != 2 || trades[0].ID != "t3" || trades[1].ID != "t1" {
		t.Errorf("expected [t3 t1], got %d %+v", total, trades)
	}
}

func TestCountTrades(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seedUser(t, s, "u1", 100)
	seedEvent(t, s, "e1", time.Now().Add(time.Hour), "o1")
	seedEvent(t, s, "e2", time.Now().Add(time.Hour), "o2")

	newTrade := func(id, eventID, optionID string) *model.Trade {
		return &model.Trade{
			ID: id, UserID: "u1", EventID: eventID, OptionID: optionID,
			Amount: decimal.NewFromInt(10), PotentialReturn: decimal.NewFromInt(25),
			Status: model.TradePending, CreatedAt: time.Now().UTC(),
		}
	}
	if err := s.CreateTrade(ctx, newTrade("t1", "e1", "o1")); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if err := s.CreateTrade(ctx, newTrade("t2", "e2", "o2")); err != nil {
		t.Fatalf("create trade: %v", err)
	}

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateTrade(ctx, newTrade("t3", "e1", "o1")); err != nil {
			return err
		}
		n, err := tx.CountTrades(ctx, "e1")
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("expected committed and staged trades counted, got %d", n)
		}
		return errors.New("rollback")
	})
	if err == nil {
		t.Fatal("expected rollback error")
	}
	if n, _ := s.CountTrades(ctx, "e1"); n != 1 {
		t.Errorf("expected 1 trade after rollback, got %d", n)
	}
}
