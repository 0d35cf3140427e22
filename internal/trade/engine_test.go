package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	st     *store.MemoryStore
	market *market.Service
	trades *trade.Service
}

// newTestEnv creates trade and market services over one in-memory store.
func newTestEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	return &env{
		st:     st,
		market: market.NewService(st, nil, 50),
		trades: trade.NewService(st, trade.WithMaxAttempts(50), trade.WithConcurrency(4)),
	}
}

func (e *env) seedUser(t *testing.T, id, balance string) {
	t.Helper()
	u := &model.User{
		ID:        id,
		Username:  id,
		Email:     id + "@example.com",
		FullName:  "Test " + id,
		Role:      model.RoleUser,
		Balance:   d(balance),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func (e *env) seedEvent(t *testing.T, odds ...string) *model.Event {
	t.Helper()
	start := time.Now().UTC().Add(time.Hour)
	in := market.CreateEventInput{Title: "Match", Category: "football", StartTime: start, EndTime: start.Add(2 * time.Hour)}
	for _, o := range odds {
		in.Options = append(in.Options, market.OptionInput{Title: "Option " + o, Odds: d(o)})
	}
	ev, err := e.market.CreateEvent(context.Background(), in)
	if err != nil {
		t.Fatalf("failed to seed event: %v", err)
	}
	return ev
}

// complete resolves the event's options in order with the given results.
func (e *env) complete(t *testing.T, ev *model.Event, results ...bool) {
	t.Helper()
	for i, r := range results {
		if _, err := e.market.SetOptionResult(context.Background(), ev.Options[i].ID, r); err != nil {
			t.Fatalf("resolve option %d: %v", i, err)
		}
	}
}

func (e *env) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	u, err := e.st.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Balance
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if !apperr.Is(err, kind) {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}

func expectBalance(t *testing.T, e *env, id, want string) {
	t.Helper()
	if got := e.balance(t, id); !got.Equal(d(want)) {
		t.Errorf("expected balance %s, got %s", want, got)
	}
}

// --- Trade creation ---

func TestCreateTrade_DebitsBalance(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2.5", "1.5")

	tr, err := e.trades.CreateTrade(context.Background(), trade.CreateInput{
		UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("40"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Status != model.TradePending {
		t.Errorf("expected pending, got %s", tr.Status)
	}
	if !tr.PotentialReturn.Equal(d("100")) {
		t.Errorf("expected potential return 100, got %s", tr.PotentialReturn)
	}
	if !tr.Payout.IsZero() || tr.Result != nil {
		t.Errorf("new trade should have no payout or result: %+v", tr)
	}
	expectBalance(t, e, "alice", "60")
}

func TestCreateTrade_Preconditions(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2.5")
	other := e.seedEvent(t, "3")
	ctx := context.Background()

	cases := []struct {
		name string
		in   trade.CreateInput
		want apperr.Kind
	}{
		{"zero amount", trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("0")}, apperr.Validation},
		{"negative amount", trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("-5")}, apperr.Validation},
		{"unknown user", trade.CreateInput{UserID: "bob", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("10")}, apperr.NotFound},
		{"over balance", trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("100.01")}, apperr.InsufficientBalance},
		{"balance checked before event", trade.CreateInput{UserID: "alice", EventID: "missing", OptionID: "missing", Amount: d("500")}, apperr.InsufficientBalance},
		{"unknown event", trade.CreateInput{UserID: "alice", EventID: "missing", OptionID: ev.Options[0].ID, Amount: d("10")}, apperr.NotFound},
		{"unknown option", trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: "missing", Amount: d("10")}, apperr.NotFound},
		{"option of another event", trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: other.Options[0].ID, Amount: d("10")}, apperr.InvalidRelation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.trades.CreateTrade(ctx, tc.in)
			expectKind(t, err, tc.want)
		})
	}
	expectBalance(t, e, "alice", "100")
}

func TestCreateTrade_ExactBalance(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2")

	if _, err := e.trades.CreateTrade(context.Background(), trade.CreateInput{
		UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("100"),
	}); err != nil {
		t.Fatalf("staking the whole balance should succeed: %v", err)
	}
	expectBalance(t, e, "alice", "0")
}

func TestCreateTrade_ClosedEvent(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ctx := context.Background()

	cancelled := e.seedEvent(t, "2")
	if _, err := e.market.UpdateEventStatus(ctx, cancelled.ID, model.EventCancelled); err != nil {
		t.Fatalf("cancel event: %v", err)
	}
	_, err := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: cancelled.ID, OptionID: cancelled.Options[0].ID, Amount: d("10")})
	expectKind(t, err, apperr.InvalidEventStatus)

	completed := e.seedEvent(t, "2")
	e.complete(t, completed, true)
	_, err = e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: completed.ID, OptionID: completed.Options[0].ID, Amount: d("10")})
	expectKind(t, err, apperr.InvalidEventStatus)

	expectBalance(t, e, "alice", "100")
}

func TestCreateTrade_ConcurrentConservesFunds(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2")

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.trades.CreateTrade(context.Background(), trade.CreateInput{
				UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("30"),
			})
			switch {
			case err == nil:
				mu.Lock()
				created++
				mu.Unlock()
			case !apperr.Is(err, apperr.InsufficientBalance):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 3 {
		t.Errorf("expected exactly 3 trades of 30 from 100, got %d", created)
	}
	expectBalance(t, e, "alice", "10")
}

// --- Status updates ---

// tradeAfterCount is a store whose transactions place a trade right after
// the first trade count on an event, before the counting transaction
// commits.
type tradeAfterCount struct {
	*store.MemoryStore
	once  sync.Once
	place func()
}

func (s *tradeAfterCount) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx store.Tx) error {
		return fn(&countingTx{Tx: tx, s: s})
	})
}

type countingTx struct {
	store.Tx
	s *tradeAfterCount
}

func (tx *countingTx) CountTrades(ctx context.Context, eventID string) (int, error) {
	n, err := tx.Tx.CountTrades(ctx, eventID)
	tx.s.once.Do(tx.s.place)
	return n, err
}

func TestReplaceOptions_TradePlacedConcurrently(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2.5", "1.5")
	ctx := context.Background()

	var placed *model.Trade
	st := &tradeAfterCount{MemoryStore: e.st}
	st.place = func() {
		var err error
		placed, err = e.trades.CreateTrade(ctx, trade.CreateInput{
			UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("10"),
		})
		if err != nil {
			t.Errorf("create trade: %v", err)
		}
	}

	opts := []market.OptionInput{{Title: "Yes", Odds: d("1.8")}}
	_, err := market.NewService(st, nil, 5).UpdateEvent(ctx, ev.ID, market.UpdateEventInput{Options: &opts})
	expectKind(t, err, apperr.InvalidOperation)

	if placed == nil {
		t.Fatal("expected a trade to be placed during the replacement")
	}
	if _, err := e.st.GetOption(ctx, placed.OptionID); err != nil {
		t.Errorf("trade %s points at a missing option: %v", placed.ID, err)
	}
	got, _ := e.market.GetEvent(ctx, ev.ID)
	if len(got.Options) != 2 {
		t.Errorf("expected the original two options to remain, got %d", len(got.Options))
	}
}

func TestUpdateTradeStatus_CancelRefunds(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2.5")
	ctx := context.Background()

	tr, err := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("40")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	same, err := e.trades.UpdateTradeStatus(ctx, tr.ID, model.TradePending)
	if err != nil || same.Status != model.TradePending {
		t.Fatalf("pending to pending should be a no-op: %v", err)
	}
	expectBalance(t, e, "alice", "60")

	_, err = e.trades.UpdateTradeStatus(ctx, tr.ID, model.TradeSettled)
	expectKind(t, err, apperr.InvalidOperation)

	cancelled, err := e.trades.UpdateTradeStatus(ctx, tr.ID, model.TradeCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.TradeCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	expectBalance(t, e, "alice", "100")

	_, err = e.trades.UpdateTradeStatus(ctx, tr.ID, model.TradeCancelled)
	expectKind(t, err, apperr.InvalidOperation)
	expectBalance(t, e, "alice", "100")
}

func TestUpdateTradeStatus_Invalid(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.trades.UpdateTradeStatus(ctx, "any", "void")
	expectKind(t, err, apperr.Validation)

	_, err = e.trades.UpdateTradeStatus(ctx, "missing", model.TradeCancelled)
	expectKind(t, err, apperr.NotFound)
}

// --- Settlement ---

func TestSettleTrade_WinPaysPotentialReturn(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2.5")
	ctx := context.Background()

	tr, err := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("40")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = e.trades.SettleTrade(ctx, tr.ID, true)
	expectKind(t, err, apperr.InvalidOperation)

	e.complete(t, ev, true)
	settled, err := e.trades.SettleTrade(ctx, tr.ID, true)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.TradeSettled || settled.Result == nil || !*settled.Result {
		t.Errorf("unexpected settled trade: %+v", settled)
	}
	if !settled.Payout.Equal(d("100")) || settled.SettledAt == nil {
		t.Errorf("expected payout 100 with settledAt, got %s", settled.Payout)
	}
	expectBalance(t, e, "alice", "160")

	_, err = e.trades.SettleTrade(ctx, tr.ID, true)
	expectKind(t, err, apperr.InvalidOperation)
	_, err = e.trades.UpdateTradeStatus(ctx, tr.ID, model.TradeCancelled)
	expectKind(t, err, apperr.InvalidOperation)
	expectBalance(t, e, "alice", "160")
}

func TestSettleTrade_Loss(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2.5")
	ctx := context.Background()

	tr, _ := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("40")})
	e.complete(t, ev, false)

	settled, err := e.trades.SettleTrade(ctx, tr.ID, false)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Payout.IsZero() {
		t.Errorf("losing trade should pay nothing, got %s", settled.Payout)
	}
	expectBalance(t, e, "alice", "60")
}

func TestSettleTrade_ConcurrentExactlyOnce(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2")
	ctx := context.Background()

	tr, _ := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("50")})
	e.complete(t, ev, true)

	const n = 8
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.trades.SettleTrade(ctx, tr.ID, true)
			switch {
			case err == nil:
				mu.Lock()
				ok++
				mu.Unlock()
			case !apperr.Is(err, apperr.InvalidOperation):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("expected exactly one settlement, got %d", ok)
	}
	expectBalance(t, e, "alice", "150")
}

func TestSettleEvent(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	e.seedUser(t, "bob", "100")
	ev := e.seedEvent(t, "2", "3")
	ctx := context.Background()

	place := func(user string, opt int, amount string) *model.Trade {
		tr, err := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: user, EventID: ev.ID, OptionID: ev.Options[opt].ID, Amount: d(amount)})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return tr
	}
	place("alice", 0, "10")
	place("alice", 1, "20")
	place("bob", 0, "30")
	withdrawn := place("bob", 1, "5")
	if _, err := e.trades.UpdateTradeStatus(ctx, withdrawn.ID, model.TradeCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := e.trades.SettleEvent(ctx, ev.ID)
	expectKind(t, err, apperr.InvalidOperation)

	e.complete(t, ev, true, false)
	sum, err := e.trades.SettleEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("settle event: %v", err)
	}
	if sum.Settled != 3 || sum.Won != 2 || sum.Lost != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if !sum.TotalPayout.Equal(d("80")) {
		t.Errorf("expected total payout 80, got %s", sum.TotalPayout)
	}
	expectBalance(t, e, "alice", "90")
	expectBalance(t, e, "bob", "130")

	again, err := e.trades.SettleEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if again.Settled != 0 {
		t.Errorf("second pass should settle nothing, got %d", again.Settled)
	}
}

func TestSweeper_Sweep(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ctx := context.Background()

	open := e.seedEvent(t, "2")
	done := e.seedEvent(t, "2")
	for _, ev := range []*model.Event{open, done} {
		if _, err := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("10")}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	e.complete(t, done, true)

	n, err := trade.NewSweeper(e.trades, "@every 1m").Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one trade settled, got %d", n)
	}
	expectBalance(t, e, "alice", "100")
}

func TestSettleEvent_StaleCachedEvent(t *testing.T) {
	e := newTestEnv(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cs := store.NewCachedStore(e.st, rdb, time.Minute)
	cached := trade.NewService(cs, trade.WithMaxAttempts(50))
	ctx := context.Background()

	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2.5")
	if _, err := cached.CreateTrade(ctx, trade.CreateInput{
		UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("40"),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Cache the open event, then complete it behind the cache's back.
	mr.FastForward(10 * time.Second)
	if _, err := cs.GetEvent(ctx, ev.ID); err != nil {
		t.Fatalf("get event: %v", err)
	}
	e.complete(t, ev, true)
	if stale, _ := cs.GetEvent(ctx, ev.ID); stale.Status == model.EventCompleted {
		t.Fatal("expected the cached event to still be open")
	}

	sum, err := cached.SettleEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("settle event: %v", err)
	}
	if sum.Settled != 1 || !sum.TotalPayout.Equal(d("100")) {
		t.Errorf("unexpected summary: %+v", sum)
	}
	expectBalance(t, e, "alice", "160")
}

func TestGetTradeDetail(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	ev := e.seedEvent(t, "2")
	ctx := context.Background()
	tr, _ := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: "alice", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("10")})

	det, err := e.trades.GetTradeDetail(ctx, tr.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if det.Event == nil || det.Option == nil || det.Option.ID != tr.OptionID {
		t.Errorf("expected event and option snapshots: %+v", det)
	}

	if err := e.market.DeleteEvent(ctx, ev.ID); err != nil {
		t.Fatalf("delete event: %v", err)
	}
	det, err = e.trades.GetTradeDetail(ctx, tr.ID)
	if err != nil {
		t.Fatalf("detail after delete: %v", err)
	}
	if det.Event != nil || det.Option != nil {
		t.Errorf("snapshots of deleted records should be omitted: %+v", det)
	}

	_, err = e.trades.GetTradeDetail(ctx, "missing")
	expectKind(t, err, apperr.NotFound)
}

// --- HTTP ---

func newRouter(e *env, id auth.Identity) chi.Router {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithIdentity(req.Context(), id)))
		})
	})
	r.Route("/api/v1", func(r chi.Router) {
		e.trades.Routes(r)
		e.trades.AdminRoutes(r)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHTTP_CreateTradeForCaller(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	e.seedUser(t, "bob", "100")
	ev := e.seedEvent(t, "2.5")
	router := newRouter(e, auth.Identity{UserID: "alice", Role: model.RoleUser})

	w := doJSON(t, router, "POST", "/api/v1/trades", map[string]any{
		"eventId": ev.ID, "optionId": ev.Options[0].ID, "amount": "40",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var tr model.Trade
	json.NewDecoder(w.Body).Decode(&tr)
	if tr.UserID != "alice" || !tr.PotentialReturn.Equal(d("100")) {
		t.Errorf("unexpected trade: %+v", tr)
	}

	w = doJSON(t, router, "POST", "/api/v1/trades", map[string]any{
		"userId": "bob", "eventId": ev.ID, "optionId": ev.Options[0].ID, "amount": "10",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("trading for another user: expected 403, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/trades", map[string]any{
		"eventId": ev.ID, "optionId": ev.Options[0].ID, "amount": "1000",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("insufficient balance: expected 400, got %d", w.Code)
	}
	var body httpx.ErrorBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Error != apperr.InsufficientBalance {
		t.Errorf("expected InsufficientBalance, got %s", body.Error)
	}
}

func TestHTTP_ListScopedToCaller(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "alice", "100")
	e.seedUser(t, "bob", "100")
	ev := e.seedEvent(t, "2")
	ctx := context.Background()
	for _, u := range []string{"alice", "bob", "bob"} {
		if _, err := e.trades.CreateTrade(ctx, trade.CreateInput{UserID: u, EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("10")}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	router := newRouter(e, auth.Identity{UserID: "alice", Role: model.RoleUser})
	w := doJSON(t, router, "GET", "/api/v1/trades?userId=bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var page model.Page[model.Trade]
	json.NewDecoder(w.Body).Decode(&page)
	if page.Pagination.Total != 1 || page.Items[0].UserID != "alice" {
		t.Errorf("non-admin listing should only show own trades: %+v", page)
	}

	admin := newRouter(e, auth.Identity{UserID: "root", Role: model.RoleAdmin})
	w = doJSON(t, admin, "GET", "/api/v1/trades/user/bob?limit=1", nil)
	json.NewDecoder(w.Body).Decode(&page)
	if page.Pagination.Total != 2 || page.Pagination.TotalPages != 2 || !page.Pagination.HasNext {
		t.Errorf("unexpected admin page: %+v", page.Pagination)
	}

	w = doJSON(t, admin, "GET", "/api/v1/trades?limit=500", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit over maximum: expected 400, got %d", w.Code)
	}
}

func TestHTTP_GetOtherUsersTrade(t *testing.T) {
	e := newTestEnv(t)
	e.seedUser(t, "bob", "100")
	ev := e.seedEvent(t, "2")
	tr, _ := e.trades.CreateTrade(context.Background(), trade.CreateInput{UserID: "bob", EventID: ev.ID, OptionID: ev.Options[0].ID, Amount: d("10")})

	router := newRouter(e, auth.Identity{UserID: "alice", Role: model.RoleUser})
	if w := doJSON(t, router, "GET", "/api/v1/trades/"+tr.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user's trade, got %d", w.Code)
	}
	admin := newRouter(e, auth.Identity{UserID: "root", Role: model.RoleAdmin})
	if w := doJSON(t, admin, "GET", "/api/v1/trades/"+tr.ID, nil); w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}
}

func TestHTTP_SettleRequiresResult(t *testing.T) {
	e := newTestEnv(t)
	admin := newRouter(e, auth.Identity{UserID: "root", Role: model.RoleAdmin})
	w := doJSON(t, admin, "PATCH", "/api/v1/trades/any/settle", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without result, got %d", w.Code)
	}
}
