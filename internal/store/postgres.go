package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds connection parameters for the PostgreSQL pool.
type PostgresConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

// OpenPostgres creates a connection pool and verifies connectivity.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Inside InTx, reads lock the rows they return: users, events and trades
// FOR UPDATE, options FOR SHARE. Updates are additionally guarded by
// the version column. Serialization failures and deadlocks surface as
// ErrConflict.
type PostgresStore struct {
	pgTx
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgTx: pgTx{q: pool}, pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", classify(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{q: tx, locking: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", classify(err))
	}
	committed = true
	return nil
}

// RunMigrations applies the embedded SQL files in lexicographic order,
// tracking applied files in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, entry.Name(),
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		if err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, entry.Name())
			return err
		}); err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Listings ---

func (s *PostgresStore) ListEvents(ctx context.Context, f model.EventFilter, p model.PageRequest) ([]model.Event, int, error) {
	p = p.Normalize()
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.StartAfter != nil {
		add("start_time >= $%d", *f.StartAfter)
	}
	if f.EndBefore != nil {
		add("end_time <= $%d", *f.EndBefore)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count events: %w", classify(err))
	}

	args = append(args, p.Limit, p.Offset())
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events`+cond+
			fmt.Sprintf(` ORDER BY start_time ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list events: %w", classify(err))
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: scan events: %w", err)
	}
	if len(events) == 0 {
		return events, total, nil
	}

	ids := make([]string, len(events))
	index := make(map[string]int, len(events))
	for i := range events {
		ids[i] = events[i].ID
		index[events[i].ID] = i
		events[i].Options = []model.Option{}
	}
	optRows, err := s.pool.Query(ctx,
		`SELECT `+optionColumns+` FROM options WHERE event_id = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list event options: %w", classify(err))
	}
	opts, err := pgx.CollectRows(optRows, scanOption)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: scan event options: %w", err)
	}
	for _, o := range opts {
		i := index[o.EventID]
		events[i].Options = append(events[i].Options, o)
	}
	return events, total, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, f model.TradeFilter, p model.PageRequest) ([]model.Trade, int, error) {
	p = p.Normalize()
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.EventID != "" {
		add("event_id = $%d", f.EventID)
	}
	if f.OptionID != "" {
		add("option_id = $%d", f.OptionID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Result != nil {
		add("result = $%d", *f.Result)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count trades: %w", classify(err))
	}

	args = append(args, p.Limit, p.Offset())
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades`+cond+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list trades: %w", classify(err))
	}
	trades, err := pgx.CollectRows(rows, scanTrade)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, total, nil
}

// --- Record access ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgTx implements Tx over a pool (auto-commit) or a transaction (locking).
type pgTx struct {
	q       querier
	locking bool
}

func (t *pgTx) forUpdate() string {
	if t.locking {
		return " FOR UPDATE"
	}
	return ""
}

func (t *pgTx) forShare() string {
	if t.locking {
		return " FOR SHARE"
	}
	return ""
}

const (
	userColumns   = `id, username, email, full_name, password_hash, role, balance::TEXT, version, created_at`
	eventColumns  = `id, title, description, category, start_time, end_time, status, version, created_at, updated_at`
	optionColumns = `id, event_id, title, odds::TEXT, result, version, created_at`
	tradeColumns  = `id, user_id, event_id, option_id, amount::TEXT, potential_return::TEXT, payout::TEXT,
	                 status, result, settled_at, version, created_at`
)

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	row, err := t.q.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`+t.forUpdate(), id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get user %s: %w", id, classify(err))
	}
	u, err := pgx.CollectExactlyOneRow(row, scanUser)
	if err != nil {
		return nil, fmt.Errorf("postgres: get user %s: %w", id, classify(err))
	}
	return &u, nil
}

func (t *pgTx) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row, err := t.q.Query(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`+t.forUpdate(), email)
	if err != nil {
		return nil, fmt.Errorf("postgres: get user by email: %w", classify(err))
	}
	u, err := pgx.CollectExactlyOneRow(row, scanUser)
	if err != nil {
		return nil, fmt.Errorf("postgres: get user by email: %w", classify(err))
	}
	return &u, nil
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, username, email, full_name, password_hash, role, balance, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, 1, $8)`,
		u.ID, u.Username, u.Email, u.FullName, u.PasswordHash, string(u.Role), u.Balance.String(), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.ID, classify(err))
	}
	u.Version = 1
	return nil
}

func (t *pgTx) UpdateUser(ctx context.Context, u *model.User) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users
		 SET username = $2, email = $3, full_name = $4, password_hash = $5, role = $6,
		     balance = $7::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $8`,
		u.ID, u.Username, u.Email, u.FullName, u.PasswordHash, string(u.Role), u.Balance.String(), u.Version,
	)
	return t.guarded(tag, err, "user", u.ID, &u.Version)
}

func (t *pgTx) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	rows, err := t.q.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`+t.forUpdate(), id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get event %s: %w", id, classify(err))
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("postgres: get event %s: %w", id, classify(err))
	}
	if e.Options, err = t.ListOptions(ctx, id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO events (id, title, description, category, start_time, end_time, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`,
		e.ID, e.Title, e.Description, e.Category, e.StartTime, e.EndTime, string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create event %s: %w", e.ID, classify(err))
	}
	e.Version = 1
	return nil
}

func (t *pgTx) UpdateEvent(ctx context.Context, e *model.Event) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE events
		 SET title = $2, description = $3, category = $4, start_time = $5, end_time = $6,
		     status = $7, updated_at = $8, version = version + 1
		 WHERE id = $1 AND version = $9`,
		e.ID, e.Title, e.Description, e.Category, e.StartTime, e.EndTime, string(e.Status), e.UpdatedAt, e.Version,
	)
	return t.guarded(tag, err, "event", e.ID, &e.Version)
}

func (t *pgTx) DeleteEvent(ctx context.Context, id string) error {
	if err := t.DeleteOptions(ctx, id); err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete event %s: %w", id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete event %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetOption(ctx context.Context, id string) (*model.Option, error) {
	rows, err := t.q.Query(ctx, `SELECT `+optionColumns+` FROM options WHERE id = $1`+t.forShare(), id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get option %s: %w", id, classify(err))
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOption)
	if err != nil {
		return nil, fmt.Errorf("postgres: get option %s: %w", id, classify(err))
	}
	return &o, nil
}

func (t *pgTx) ListOptions(ctx context.Context, eventID string) ([]model.Option, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+optionColumns+` FROM options WHERE event_id = $1 ORDER BY created_at, id`+t.forShare(), eventID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list options %s: %w", eventID, classify(err))
	}
	opts, err := pgx.CollectRows(rows, scanOption)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan options %s: %w", eventID, err)
	}
	if opts == nil {
		opts = []model.Option{}
	}
	return opts, nil
}

func (t *pgTx) CreateOption(ctx context.Context, o *model.Option) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO options (id, event_id, title, odds, result, version, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, 1, $6)`,
		o.ID, o.EventID, o.Title, o.Odds.String(), o.Result, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create option %s: %w", o.ID, classify(err))
	}
	o.Version = 1
	return nil
}

func (t *pgTx) UpdateOption(ctx context.Context, o *model.Option) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE options SET title = $2, odds = $3::NUMERIC, result = $4, version = version + 1
		 WHERE id = $1 AND version = $5`,
		o.ID, o.Title, o.Odds.String(), o.Result, o.Version,
	)
	return t.guarded(tag, err, "option", o.ID, &o.Version)
}

func (t *pgTx) DeleteOptions(ctx context.Context, eventID string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM options WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("postgres: delete options %s: %w", eventID, classify(err))
	}
	return nil
}

func (t *pgTx) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := t.q.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`+t.forUpdate(), id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get trade %s: %w", id, classify(err))
	}
	tr, err := pgx.CollectExactlyOneRow(rows, scanTrade)
	if err != nil {
		return nil, fmt.Errorf("postgres: get trade %s: %w", id, classify(err))
	}
	return &tr, nil
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, user_id, event_id, option_id, amount, potential_return, payout,
		                     status, result, settled_at, version, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, 1, $11)`,
		tr.ID, tr.UserID, tr.EventID, tr.OptionID,
		tr.Amount.String(), tr.PotentialReturn.String(), tr.Payout.String(),
		string(tr.Status), tr.Result, tr.SettledAt, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create trade %s: %w", tr.ID, classify(err))
	}
	tr.Version = 1
	return nil
}

// UpdateTrade writes the mutable trade fields. Amount and potential return
// are fixed at creation and never rewritten.
func (t *pgTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE trades
		 SET payout = $2::NUMERIC, status = $3, result = $4, settled_at = $5, version = version + 1
		 WHERE id = $1 AND version = $6`,
		tr.ID, tr.Payout.String(), string(tr.Status), tr.Result, tr.SettledAt, tr.Version,
	)
	return t.guarded(tag, err, "trade", tr.ID, &tr.Version)
}

func (t *pgTx) CountTrades(ctx context.Context, eventID string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM trades WHERE event_id = $1`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count trades %s: %w", eventID, classify(err))
	}
	return n, nil
}

// guarded interprets the outcome of a version-guarded UPDATE.
func (t *pgTx) guarded(tag pgconn.CommandTag, err error, kind, id string, version *int64) error {
	if err != nil {
		return fmt.Errorf("postgres: update %s %s: %w", kind, id, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update %s %s: %w", kind, id, ErrConflict)
	}
	*version++
	return nil
}

// --- Row scanning ---

func scanUser(row pgx.CollectableRow) (model.User, error) {
	var u model.User
	var role, balance string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash, &role, &balance, &u.Version, &u.CreatedAt)
	if err != nil {
		return u, err
	}
	u.Role = model.Role(role)
	u.Balance, err = decimal.NewFromString(balance)
	return u, err
}

func scanEvent(row pgx.CollectableRow) (model.Event, error) {
	var e model.Event
	var status string
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Category, &e.StartTime, &e.EndTime,
		&status, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	e.Status = model.EventStatus(status)
	return e, err
}

func scanOption(row pgx.CollectableRow) (model.Option, error) {
	var o model.Option
	var odds string
	if err := row.Scan(&o.ID, &o.EventID, &o.Title, &odds, &o.Result, &o.Version, &o.CreatedAt); err != nil {
		return o, err
	}
	var err error
	o.Odds, err = decimal.NewFromString(odds)
	return o, err
}

func scanTrade(row pgx.CollectableRow) (model.Trade, error) {
	var t model.Trade
	var amount, potential, payout, status string
	if err := row.Scan(&t.ID, &t.UserID, &t.EventID, &t.OptionID, &amount, &potential, &payout,
		&status, &t.Result, &t.SettledAt, &t.Version, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Status = model.TradeStatus(status)
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, err
	}
	if t.PotentialReturn, err = decimal.NewFromString(potential); err != nil {
		return t, err
	}
	t.Payout, err = decimal.NewFromString(payout)
	return t, err
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}
