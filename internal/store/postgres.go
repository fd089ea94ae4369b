package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/efreitasn/tradecore/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultMaxAttempts = 5
	baseBackoff        = 5 * time.Millisecond
)

// Postgres is a Store on PostgreSQL through lib/pq. Sessions run at
// repeatable read with row locks on every order, user and position they
// touch. Serialization failures and deadlocks are retried with
// exponential backoff.
type Postgres struct {
	db          *sql.DB
	maxAttempts int
	publishMu   sync.Mutex
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.Errorf(domain.ErrBackendUnavailable, "open postgres: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, domain.Errorf(domain.ErrBackendUnavailable, "ping postgres: %v", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, maxAttempts: defaultMaxAttempts}
}

// Migrate applies the embedded schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", mapPgErr(err))
		}
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// retryableError marks a transaction failure that may succeed on retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// mapPgErr classifies driver errors into the domain taxonomy.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001" || pqErr.Code == "40P01":
			return &retryableError{err: domain.Errorf(domain.ErrConflict, "%s", pqErr.Message)}
		case pqErr.Code == "23505":
			return domain.Errorf(domain.ErrConflict, "%s", pqErr.Message)
		case pqErr.Code == "23514" || pqErr.Code == "23503":
			return domain.Errorf(domain.ErrInvariantViolation, "%s", pqErr.Message)
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return domain.Errorf(domain.ErrBackendUnavailable, "%s", pqErr.Message)
		}
		return fmt.Errorf("postgres: %w", err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return domain.Errorf(domain.ErrBackendUnavailable, "%v", err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// WithSession runs fn in a transaction, retrying serialization failures.
// After-commit callbacks run once, for the attempt that committed.
func (p *Postgres) WithSession(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	if inSession(ctx) {
		return ErrNestedSession
	}

	var err error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		var sess *pgSession
		sess, err = p.runOnce(ctx, fn)
		if err == nil {
			p.publishMu.Lock()
			sess.callbacks.run()
			p.publishMu.Unlock()
			return nil
		}
		var retry *retryableError
		if !errors.As(err, &retry) {
			return err
		}
	}
	return err
}

func (p *Postgres) runOnce(ctx context.Context, fn func(ctx context.Context, s Session) error) (*pgSession, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, mapPgErr(err)
	}
	sess := &pgSession{tx: tx}

	if fnErr := runSession(withSessionMarker(ctx), sess, fn); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return nil, fmt.Errorf("transaction rollback failed: %w (original error: %v)", mapPgErr(rbErr), fnErr)
		}
		return nil, fnErr
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPgErr(err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, balance, is_banned, roles, created_at, updated_at`

func scanUser(r rowScanner) (*domain.User, error) {
	var u domain.User
	var balance int64
	var roles []string
	if err := r.Scan(&u.ID, &balance, &u.IsBanned, pq.Array(&roles), &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, mapPgErr(err)
	}
	u.Balance = domain.Money(balance)
	u.Roles = roles
	return &u, nil
}

const orderColumns = `id, user_id, instrument_id, symbol, side, kind, requested_qty, filled_qty,
	limit_price, stop_price, avg_fill_price, market_price_at_submit, status, reject_reason,
	created_at, updated_at, expires_at, executed_at`

func scanOrder(r rowScanner) (*domain.Order, error) {
	var (
		o                           domain.Order
		requested, filled, atSubmit int64
		limit, stop, avg            sql.NullInt64
		expires, executed           sql.NullTime
	)
	err := r.Scan(&o.ID, &o.UserID, &o.InstrumentID, &o.Symbol, &o.Side, &o.Kind,
		&requested, &filled, &limit, &stop, &avg, &atSubmit, &o.Status, &o.RejectReason,
		&o.CreatedAt, &o.UpdatedAt, &expires, &executed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, mapPgErr(err)
	}
	o.RequestedQty = domain.Quantity(requested)
	o.FilledQty = domain.Quantity(filled)
	o.MarketPriceAtSubmit = domain.Money(atSubmit)
	o.LimitPrice = fromNullMoney(limit)
	o.StopPrice = fromNullMoney(stop)
	o.AvgFillPrice = fromNullMoney(avg)
	o.ExpiresAt = fromNullTime(expires)
	o.ExecutedAt = fromNullTime(executed)
	return &o, nil
}

const tradeColumns = `id, user_id, instrument_id, symbol, order_id, side, quantity, price, amount, created_at`

func scanTrade(r rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var qty, price, amount int64
	if err := r.Scan(&t.ID, &t.UserID, &t.InstrumentID, &t.Symbol, &t.OrderID, &t.Side, &qty, &price, &amount, &t.CreatedAt); err != nil {
		return nil, mapPgErr(err)
	}
	t.Quantity = domain.Quantity(qty)
	t.Price = domain.Money(price)
	t.Amount = domain.Money(amount)
	return &t, nil
}

const positionColumns = `user_id, instrument_id, symbol, quantity, avg_cost_basis, updated_at`

func scanPosition(r rowScanner) (*domain.Position, error) {
	var pos domain.Position
	var qty, avg int64
	if err := r.Scan(&pos.UserID, &pos.InstrumentID, &pos.Symbol, &qty, &avg, &pos.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, mapPgErr(err)
	}
	pos.Quantity = domain.Quantity(qty)
	pos.AvgCostBasis = domain.Money(avg)
	return &pos, nil
}

const instrumentColumns = `id, symbol, display_name, created_at`

func scanInstrument(r rowScanner) (*domain.Instrument, error) {
	var inst domain.Instrument
	if err := r.Scan(&inst.ID, &inst.Symbol, &inst.DisplayName, &inst.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSymbolNotFound
		}
		return nil, mapPgErr(err)
	}
	return &inst, nil
}

func toNullMoney(m *domain.Money) sql.NullInt64 {
	if m == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*m), Valid: true}
}

func fromNullMoney(n sql.NullInt64) *domain.Money {
	if !n.Valid {
		return nil
	}
	return domain.Money(n.Int64).Ptr()
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func (p *Postgres) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// whereBuilder accumulates numbered placeholders.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereBuilder) limit(page, limit int) string {
	if page <= 0 || limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, (page-1)*limit)
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (p *Postgres) ReadOrders(ctx context.Context, f OrderFilter) ([]*domain.Order, int, error) {
	var w whereBuilder
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.Symbol != "" {
		w.add("symbol = $%d", f.Symbol)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if f.From != nil {
		w.add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("created_at < $%d", *f.To)
	}
	if f.ExpiresBefore != nil {
		w.add("expires_at <= $%d", *f.ExpiresBefore)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, mapPgErr(err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders`+w.String()+` ORDER BY created_at DESC, id DESC`+w.limit(f.Page, f.Limit),
		w.args...)
	if err != nil {
		return nil, 0, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPgErr(err)
	}
	return out, total, nil
}

func (p *Postgres) ReadPosition(ctx context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	return scanPosition(p.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND instrument_id = $2`, user, inst))
}

func (p *Postgres) ListPositions(ctx context.Context, user domain.UserID) ([]*domain.Position, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY symbol`, user)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, mapPgErr(rows.Err())
}

func (p *Postgres) ReadTrades(ctx context.Context, f TradeFilter) ([]*domain.Trade, int, error) {
	var w whereBuilder
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.Symbol != "" {
		w.add("symbol = $%d", f.Symbol)
	}
	if f.OrderID != "" {
		w.add("order_id = $%d", f.OrderID)
	}
	if f.From != nil {
		w.add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("created_at < $%d", *f.To)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, mapPgErr(err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades`+w.String()+` ORDER BY created_at DESC, id DESC`+w.limit(f.Page, f.Limit),
		w.args...)
	if err != nil {
		return nil, 0, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPgErr(err)
	}
	return out, total, nil
}

func (p *Postgres) GetInstrument(ctx context.Context, id domain.InstrumentID) (*domain.Instrument, error) {
	return scanInstrument(p.db.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
}

func (p *Postgres) GetInstrumentBySymbol(ctx context.Context, symbol string) (*domain.Instrument, error) {
	return scanInstrument(p.db.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE symbol = $1`, symbol))
}

func (p *Postgres) ListInstruments(ctx context.Context) ([]*domain.Instrument, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+instrumentColumns+` FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]*domain.Instrument, 0)
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, mapPgErr(rows.Err())
}

func (p *Postgres) CreateUser(ctx context.Context, u *domain.User) error {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, int64(u.Balance), u.IsBanned, pq.Array(roles), u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrUserAlreadyExists
	}
	return mapPgErr(err)
}

func (p *Postgres) SetUserBanned(ctx context.Context, id domain.UserID, banned bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET is_banned = $2, updated_at = $3 WHERE id = $1`, id, banned, time.Now())
	if err != nil {
		return mapPgErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (p *Postgres) CreateInstrument(ctx context.Context, inst *domain.Instrument) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO instruments (`+instrumentColumns+`) VALUES ($1, $2, $3, $4)`,
		inst.ID, inst.Symbol, inst.DisplayName, inst.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrSymbolAlreadyExists
	}
	return mapPgErr(err)
}

func (p *Postgres) PurgeTradesBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trades WHERE created_at < $1`, t)
	if err != nil {
		return 0, mapPgErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapPgErr(err)
	}
	return int(n), nil
}

type pgSession struct {
	tx        *sql.Tx
	callbacks afterCommit
}

func (s *pgSession) FindOrderForUpdate(ctx context.Context, id domain.OrderID) (*domain.Order, error) {
	return scanOrder(s.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (s *pgSession) CompareAndSetOrder(ctx context.Context, id domain.OrderID, pred func(*domain.Order) bool, apply func(*domain.Order)) (*domain.Order, error) {
	cur, err := s.FindOrderForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pred(cur.Clone()) {
		return nil, nil
	}
	next := cur.Clone()
	apply(next)
	if err := checkOrderTransition(cur, next); err != nil {
		return nil, err
	}
	_, err = s.tx.ExecContext(ctx, `
		UPDATE orders SET filled_qty = $2, limit_price = $3, stop_price = $4, avg_fill_price = $5,
			status = $6, reject_reason = $7, updated_at = $8, expires_at = $9, executed_at = $10
		WHERE id = $1`,
		next.ID, int64(next.FilledQty), toNullMoney(next.LimitPrice), toNullMoney(next.StopPrice),
		toNullMoney(next.AvgFillPrice), next.Status, next.RejectReason, next.UpdatedAt,
		toNullTime(next.ExpiresAt), toNullTime(next.ExecutedAt))
	if err != nil {
		return nil, mapPgErr(err)
	}
	return next, nil
}

func (s *pgSession) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.ID, o.UserID, o.InstrumentID, o.Symbol, o.Side, o.Kind, int64(o.RequestedQty), int64(o.FilledQty),
		toNullMoney(o.LimitPrice), toNullMoney(o.StopPrice), toNullMoney(o.AvgFillPrice),
		int64(o.MarketPriceAtSubmit), o.Status, o.RejectReason, o.CreatedAt, o.UpdatedAt,
		toNullTime(o.ExpiresAt), toNullTime(o.ExecutedAt))
	if isUniqueViolation(err) {
		return domain.ErrOrderAlreadyExists
	}
	return mapPgErr(err)
}

// CountLiveOrders first writes the user row. A concurrent session doing
// the same blocks on it and then fails with a serialization error, which
// WithSession retries on a fresh snapshot that includes the winner's order.
func (s *pgSession) CountLiveOrders(ctx context.Context, user domain.UserID) (int, error) {
	res, err := s.tx.ExecContext(ctx, `UPDATE users SET updated_at = updated_at WHERE id = $1`, user)
	if err != nil {
		return 0, mapPgErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, mapPgErr(err)
	} else if n == 0 {
		return 0, domain.ErrUserNotFound
	}
	var count int
	err = s.tx.QueryRowContext(ctx,
		`SELECT count(*) FROM orders WHERE user_id = $1 AND status = ANY($2)`,
		user, pq.Array(statusStrings(domain.LiveStatuses))).Scan(&count)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return count, nil
}

func (s *pgSession) GetPosition(ctx context.Context, user domain.UserID, inst domain.InstrumentID) (*domain.Position, error) {
	return scanPosition(s.tx.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND instrument_id = $2 FOR UPDATE`, user, inst))
}

func (s *pgSession) PutPosition(ctx context.Context, pos *domain.Position) error {
	if pos.Quantity <= 0 {
		return domain.Errorf(domain.ErrInvariantViolation, "position quantity %d must be positive", pos.Quantity)
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, instrument_id) DO UPDATE SET
			quantity = EXCLUDED.quantity, avg_cost_basis = EXCLUDED.avg_cost_basis, updated_at = EXCLUDED.updated_at`,
		pos.UserID, pos.InstrumentID, pos.Symbol, int64(pos.Quantity), int64(pos.AvgCostBasis), pos.UpdatedAt)
	return mapPgErr(err)
}

func (s *pgSession) DeletePosition(ctx context.Context, user domain.UserID, inst domain.InstrumentID) error {
	res, err := s.tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = $1 AND instrument_id = $2`, user, inst)
	if err != nil {
		return mapPgErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}

func (s *pgSession) AppendTrade(ctx context.Context, t *domain.Trade) error {
	if err := checkTrade(t); err != nil {
		return err
	}
	_, err := s.tx.ExecContext(ctx, `INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, t.InstrumentID, t.Symbol, t.OrderID, t.Side,
		int64(t.Quantity), int64(t.Price), int64(t.Amount), t.CreatedAt)
	return mapPgErr(err)
}

func (s *pgSession) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	return scanUser(s.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (s *pgSession) AdjustBalance(ctx context.Context, id domain.UserID, delta domain.Money, failIfNegative bool) (domain.Money, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return 0, err
	}
	next, err := newBalance(id, u.Balance, delta, failIfNegative)
	if err != nil {
		return 0, err
	}
	if _, err := s.tx.ExecContext(ctx,
		`UPDATE users SET balance = $2, updated_at = $3 WHERE id = $1`, id, int64(next), time.Now()); err != nil {
		return 0, mapPgErr(err)
	}
	return next, nil
}

func (s *pgSession) FindLedgerEntry(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var amount, after int64
	err := s.tx.QueryRowContext(ctx, `
		SELECT idempotency_key, user_id, direction, amount, balance_after, created_at
		FROM payment_ledger WHERE idempotency_key = $1`, key).
		Scan(&e.IdempotencyKey, &e.UserID, &e.Direction, &amount, &after, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgErr(err)
	}
	e.Amount = domain.Money(amount)
	e.BalanceAfter = domain.Money(after)
	return &e, nil
}

// AppendLedgerEntry treats a concurrent insert of the same key as a
// retryable conflict, so the retry observes the committed entry.
func (s *pgSession) AppendLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	res, err := s.tx.ExecContext(ctx, `
		INSERT INTO payment_ledger (idempotency_key, user_id, direction, amount, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.IdempotencyKey, e.UserID, e.Direction, int64(e.Amount), int64(e.BalanceAfter), e.CreatedAt)
	if err != nil {
		return mapPgErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &retryableError{err: domain.Errorf(domain.ErrConflict, "ledger entry %q already exists", e.IdempotencyKey)}
	}
	return nil
}

func (s *pgSession) AfterCommit(fn func()) {
	s.callbacks.add(fn)
}

var _ Store = (*Postgres)(nil)
