/*
Package sqlite provides the SQLite-backed implementation of the ledger
store interfaces.

INTERFACES IMPLEMENTED:
  invest.Store:   wallets, plans, positions, transactions, settlement runs
  invest.TxStore: unit-of-work support via WithTx

UNIQUENESS ENFORCEMENT:
  The transactions table carries a UNIQUE index on reference. A collision
  surfaces as invest.ErrDuplicateReference - the row is never overwritten.

MONEY:
  All amounts are stored as decimal strings and aggregated in Go with
  shopspring/decimal. REAL columns never hold a balance.

CONCURRENCY:
  A sync.RWMutex serializes writers at the process level; SQLite is opened
  in WAL mode so readers don't block. WithTx holds the write lock for the
  duration of the unit of work, which also serializes concurrent mutation
  of the same wallet from different call paths (settlement vs. a
  user-triggered withdrawal).

MIGRATION:
  Schema is auto-migrated on New(). Use ":memory:" for tests.

SEE ALSO:
  - invest/store.go: interface definitions and the unit-of-work contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vantage/invest-engine/invest"
)

// Store implements invest.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx abstracts *sql.DB and *sql.Tx so query helpers run in either scope.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: every pool connection to ":memory:" would otherwise
	// get its own empty database, and the store's mutex already serializes
	// writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Wallets (one per user)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance TEXT NOT NULL,
		total_deposited TEXT NOT NULL,
		total_withdrawn TEXT NOT NULL,
		frozen INTEGER NOT NULL DEFAULT 0,
		frozen_at TEXT,
		frozen_by TEXT,
		freeze_reason TEXT,
		has_active_investments INTEGER NOT NULL DEFAULT 0,
		last_activity TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Investment plans
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rate TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		min_amount TEXT NOT NULL,
		max_amount TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		visibility TEXT NOT NULL DEFAULT 'public',
		description TEXT,
		max_active_users INTEGER,
		allow_multiple INTEGER NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'LOW',
		total_invested TEXT NOT NULL DEFAULT '0',
		active_positions INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

	-- User positions
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		expected_profit TEXT NOT NULL,
		actual_profit TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'active',
		is_profit_credited INTEGER NOT NULL DEFAULT 0,
		is_principal_returned INTEGER NOT NULL DEFAULT 0,
		profit_credited_at TEXT,
		principal_returned_at TEXT,
		is_frozen INTEGER NOT NULL DEFAULT 0,
		frozen_at TEXT,
		frozen_by TEXT,
		freeze_reason TEXT,
		manually_completed INTEGER NOT NULL DEFAULT 0,
		completed_by TEXT,
		admin_notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_positions_plan ON positions(plan_id, status);

	-- Settlement scan (hot path): matured, unsettled actives
	CREATE INDEX IF NOT EXISTS idx_positions_settlement
		ON positions(status, end_date, is_profit_credited, is_principal_returned);

	-- Transaction ledger (append-mostly)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		reference TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		description TEXT,
		related_position TEXT,
		reversed INTEGER NOT NULL DEFAULT 0,
		reversed_at TEXT,
		reversed_by TEXT,
		reversal_reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_related
		ON transactions(related_position) WHERE related_position IS NOT NULL;

	-- Settlement batch audit records
	CREATE TABLE IF NOT EXISTS settlement_runs (
		id TEXT PRIMARY KEY,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_settlement_runs_started ON settlement_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, userID invest.UserID) (*invest.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWallet(ctx, s.db, userID)
}

func (s *Store) getWallet(ctx context.Context, q dbtx, userID invest.UserID) (*invest.Wallet, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, balance, total_deposited, total_withdrawn,
		       frozen, frozen_at, frozen_by, freeze_reason,
		       has_active_investments, last_activity, created_at, updated_at
		FROM wallets WHERE user_id = ?`, userID)

	var (
		w                                invest.Wallet
		balance, deposited, withdrawn    string
		frozenAt, frozenBy, freezeReason sql.NullString
		lastActivity                     sql.NullString
		createdAt, updatedAt             string
	)
	err := row.Scan(&w.ID, &w.UserID, &balance, &deposited, &withdrawn,
		&w.Frozen, &frozenAt, &frozenBy, &freezeReason,
		&w.HasActiveInvestments, &lastActivity, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, invest.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}

	w.Balance = parseDecimal(balance)
	w.TotalDeposited = parseDecimal(deposited)
	w.TotalWithdrawn = parseDecimal(withdrawn)
	w.FrozenAt = parseNullTime(frozenAt)
	w.FrozenBy = invest.UserID(frozenBy.String)
	w.FreezeReason = freezeReason.String
	w.LastActivity = parseNullTime(lastActivity)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func (s *Store) SaveWallet(ctx context.Context, w *invest.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveWallet(ctx, s.db, w)
}

func (s *Store) saveWallet(ctx context.Context, q dbtx, w *invest.Wallet) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO wallets
		(id, user_id, balance, total_deposited, total_withdrawn,
		 frozen, frozen_at, frozen_by, freeze_reason,
		 has_active_investments, last_activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			total_deposited = excluded.total_deposited,
			total_withdrawn = excluded.total_withdrawn,
			frozen = excluded.frozen,
			frozen_at = excluded.frozen_at,
			frozen_by = excluded.frozen_by,
			freeze_reason = excluded.freeze_reason,
			has_active_investments = excluded.has_active_investments,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at`,
		w.ID, w.UserID, w.Balance.String(), w.TotalDeposited.String(), w.TotalWithdrawn.String(),
		w.Frozen, formatNullTime(w.FrozenAt), nullString(string(w.FrozenBy)), nullString(w.FreezeReason),
		w.HasActiveInvestments, formatNullTime(w.LastActivity),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// =============================================================================
// PLANS
// =============================================================================

const planColumns = `id, name, rate, duration_days, min_amount, max_amount,
	status, visibility, description, max_active_users, allow_multiple,
	risk_level, total_invested, active_positions, created_at, updated_at`

func (s *Store) GetPlan(ctx context.Context, id invest.PlanID) (*invest.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPlan(ctx, s.db, id)
}

func (s *Store) getPlan(ctx context.Context, q dbtx, id invest.PlanID) (*invest.Plan, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row.Scan)
	if err == sql.ErrNoRows {
		return nil, invest.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanPlan(scan func(dest ...any) error) (*invest.Plan, error) {
	var (
		p                         invest.Plan
		rate, minAmount, totalInv string
		maxAmount, description    sql.NullString
		maxActiveUsers            sql.NullInt64
		createdAt, updatedAt      string
	)
	err := scan(&p.ID, &p.Name, &rate, &p.DurationDays, &minAmount, &maxAmount,
		&p.Status, &p.Visibility, &description, &maxActiveUsers, &p.AllowMultipleInvestments,
		&p.RiskLevel, &totalInv, &p.ActivePositions, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Rate = parseDecimal(rate)
	p.MinAmount = parseDecimal(minAmount)
	if maxAmount.Valid {
		d := parseDecimal(maxAmount.String)
		p.MaxAmount = &d
	}
	p.Description = description.String
	if maxActiveUsers.Valid {
		n := int(maxActiveUsers.Int64)
		p.MaxActiveUsers = &n
	}
	p.TotalInvested = parseDecimal(totalInv)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) SavePlan(ctx context.Context, p *invest.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePlan(ctx, s.db, p)
}

func (s *Store) savePlan(ctx context.Context, q dbtx, p *invest.Plan) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	var maxAmount any
	if p.MaxAmount != nil {
		maxAmount = p.MaxAmount.String()
	}
	var maxActiveUsers any
	if p.MaxActiveUsers != nil {
		maxActiveUsers = *p.MaxActiveUsers
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO plans
		(id, name, rate, duration_days, min_amount, max_amount, status, visibility,
		 description, max_active_users, allow_multiple, risk_level,
		 total_invested, active_positions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rate = excluded.rate,
			duration_days = excluded.duration_days,
			min_amount = excluded.min_amount,
			max_amount = excluded.max_amount,
			status = excluded.status,
			visibility = excluded.visibility,
			description = excluded.description,
			max_active_users = excluded.max_active_users,
			allow_multiple = excluded.allow_multiple,
			risk_level = excluded.risk_level,
			total_invested = excluded.total_invested,
			active_positions = excluded.active_positions,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Rate.String(), p.DurationDays, p.MinAmount.String(), maxAmount,
		p.Status, p.Visibility, nullString(p.Description), maxActiveUsers,
		p.AllowMultipleInvestments, p.RiskLevel,
		p.TotalInvested.String(), p.ActivePositions,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

func (s *Store) ListPlans(ctx context.Context, status invest.PlanStatus) ([]invest.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPlans(ctx, s.db, status)
}

func (s *Store) listPlans(ctx context.Context, q dbtx, status invest.PlanStatus) ([]invest.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY rate ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []invest.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// =============================================================================
// POSITIONS
// =============================================================================

const positionColumns = `id, user_id, plan_id, amount, start_date, end_date,
	expected_profit, actual_profit, status, is_profit_credited, is_principal_returned,
	profit_credited_at, principal_returned_at, is_frozen, frozen_at, frozen_by,
	freeze_reason, manually_completed, completed_by, admin_notes, created_at, updated_at`

func (s *Store) GetPosition(ctx context.Context, id invest.PositionID) (*invest.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPosition(ctx, s.db, id)
}

func (s *Store) getPosition(ctx context.Context, q dbtx, id invest.PositionID) (*invest.Position, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, invest.ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanPosition(scan func(dest ...any) error) (*invest.Position, error) {
	var (
		p                                invest.Position
		amount, expectedProfit, actual   string
		startDate, endDate               string
		profitAt, principalAt            sql.NullString
		frozenAt, frozenBy, freezeReason sql.NullString
		completedBy, adminNotes          sql.NullString
		createdAt, updatedAt             string
	)
	err := scan(&p.ID, &p.UserID, &p.PlanID, &amount, &startDate, &endDate,
		&expectedProfit, &actual, &p.Status, &p.IsProfitCredited, &p.IsPrincipalReturned,
		&profitAt, &principalAt, &p.IsFrozen, &frozenAt, &frozenBy,
		&freezeReason, &p.ManuallyCompleted, &completedBy, &adminNotes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Amount = parseDecimal(amount)
	p.ExpectedProfit = parseDecimal(expectedProfit)
	p.ActualProfit = parseDecimal(actual)
	p.StartDate = parseTime(startDate)
	p.EndDate = parseTime(endDate)
	p.ProfitCreditedAt = parseNullTime(profitAt)
	p.PrincipalReturnedAt = parseNullTime(principalAt)
	p.FrozenAt = parseNullTime(frozenAt)
	p.FrozenBy = invest.UserID(frozenBy.String)
	p.FreezeReason = freezeReason.String
	p.CompletedBy = invest.UserID(completedBy.String)
	p.AdminNotes = adminNotes.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) SavePosition(ctx context.Context, p *invest.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePosition(ctx, s.db, p)
}

func (s *Store) savePosition(ctx context.Context, q dbtx, p *invest.Position) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO positions
		(id, user_id, plan_id, amount, start_date, end_date, expected_profit,
		 actual_profit, status, is_profit_credited, is_principal_returned,
		 profit_credited_at, principal_returned_at, is_frozen, frozen_at, frozen_by,
		 freeze_reason, manually_completed, completed_by, admin_notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			expected_profit = excluded.expected_profit,
			actual_profit = excluded.actual_profit,
			status = excluded.status,
			is_profit_credited = excluded.is_profit_credited,
			is_principal_returned = excluded.is_principal_returned,
			profit_credited_at = excluded.profit_credited_at,
			principal_returned_at = excluded.principal_returned_at,
			is_frozen = excluded.is_frozen,
			frozen_at = excluded.frozen_at,
			frozen_by = excluded.frozen_by,
			freeze_reason = excluded.freeze_reason,
			manually_completed = excluded.manually_completed,
			completed_by = excluded.completed_by,
			admin_notes = excluded.admin_notes,
			updated_at = excluded.updated_at`,
		p.ID, p.UserID, p.PlanID, p.Amount.String(), formatTime(p.StartDate), formatTime(p.EndDate),
		p.ExpectedProfit.String(), p.ActualProfit.String(), p.Status,
		p.IsProfitCredited, p.IsPrincipalReturned,
		formatNullTime(p.ProfitCreditedAt), formatNullTime(p.PrincipalReturnedAt),
		p.IsFrozen, formatNullTime(p.FrozenAt), nullString(string(p.FrozenBy)),
		nullString(p.FreezeReason), p.ManuallyCompleted, nullString(string(p.CompletedBy)),
		nullString(p.AdminNotes), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (s *Store) ListPositionsByUser(ctx context.Context, userID invest.UserID, status invest.PositionStatus) ([]invest.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPositionsByUser(ctx, s.db, userID, status)
}

func (s *Store) listPositionsByUser(ctx context.Context, q dbtx, userID invest.UserID, status invest.PositionStatus) ([]invest.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryPositions(ctx, q, query, args...)
}

func (s *Store) ListMaturedUnsettled(ctx context.Context, asOf time.Time) ([]invest.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMaturedUnsettled(ctx, s.db, asOf)
}

func (s *Store) listMaturedUnsettled(ctx context.Context, q dbtx, asOf time.Time) ([]invest.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE status = 'active' AND end_date <= ?
		  AND (is_profit_credited = 0 OR is_principal_returned = 0)
		ORDER BY end_date ASC`
	return s.queryPositions(ctx, q, query, formatTime(asOf))
}

func (s *Store) queryPositions(ctx context.Context, q dbtx, query string, args ...any) ([]invest.Position, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []invest.Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *Store) CountActivePositions(ctx context.Context, userID invest.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActivePositions(ctx, s.db, userID)
}

func (s *Store) countActivePositions(ctx context.Context, q dbtx, userID invest.UserID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = ? AND status = 'active'`,
		userID).Scan(&n)
	return n, err
}

func (s *Store) HasActivePosition(ctx context.Context, userID invest.UserID, planID invest.PlanID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasActivePosition(ctx, s.db, userID, planID)
}

func (s *Store) hasActivePosition(ctx context.Context, q dbtx, userID invest.UserID, planID invest.PlanID) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = ? AND plan_id = ? AND status = 'active'`,
		userID, planID).Scan(&n)
	return n > 0, err
}

func (s *Store) CountActiveInvestors(ctx context.Context, planID invest.PlanID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActiveInvestors(ctx, s.db, planID)
}

func (s *Store) countActiveInvestors(ctx context.Context, q dbtx, planID invest.PlanID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM positions WHERE plan_id = ? AND status = 'active'`,
		planID).Scan(&n)
	return n, err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, user_id, tx_type, amount, source, destination,
	reference, status, description, related_position, reversed, reversed_at,
	reversed_by, reversal_reason, created_at`

func (s *Store) AppendTransaction(ctx context.Context, tx *invest.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransaction(ctx, s.db, tx)
}

func (s *Store) appendTransaction(ctx context.Context, q dbtx, tx *invest.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, tx_type, amount, source, destination, reference, status,
		 description, related_position, reversed, reversed_at, reversed_by,
		 reversal_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount.String(), tx.Source, tx.Destination,
		tx.Reference, tx.Status, nullString(tx.Description),
		nullString(string(tx.RelatedPosition)), tx.Reversed,
		formatNullTime(tx.ReversedAt), nullString(string(tx.ReversedBy)),
		nullString(tx.ReversalReason), formatTime(tx.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return invest.ErrDuplicateReference
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (*invest.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTransactionByReference(ctx, s.db, reference)
}

func (s *Store) getTransactionByReference(ctx context.Context, q dbtx, reference string) (*invest.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = ?`, reference)
	tx, err := scanTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, invest.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func scanTransaction(scan func(dest ...any) error) (*invest.Transaction, error) {
	var (
		tx                     invest.Transaction
		amount                 string
		description, related   sql.NullString
		reversedAt, reversedBy sql.NullString
		reversalReason         sql.NullString
		createdAt              string
	)
	err := scan(&tx.ID, &tx.UserID, &tx.Type, &amount, &tx.Source, &tx.Destination,
		&tx.Reference, &tx.Status, &description, &related, &tx.Reversed,
		&reversedAt, &reversedBy, &reversalReason, &createdAt)
	if err != nil {
		return nil, err
	}

	tx.Amount = parseDecimal(amount)
	tx.Description = description.String
	tx.RelatedPosition = invest.PositionID(related.String)
	tx.ReversedAt = parseNullTime(reversedAt)
	tx.ReversedBy = invest.UserID(reversedBy.String)
	tx.ReversalReason = reversalReason.String
	tx.CreatedAt = parseTime(createdAt)
	return &tx, nil
}

func (s *Store) SetTransactionStatus(ctx context.Context, reference string, from, to invest.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTransactionStatus(ctx, s.db, reference, from, to)
}

func (s *Store) setTransactionStatus(ctx context.Context, q dbtx, reference string, from, to invest.TransactionStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE reference = ? AND status = ?`,
		to, reference, from)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the reference doesn't exist or the status has already
		// moved on. Distinguish for the caller.
		tx, err := s.getTransactionByReference(ctx, q, reference)
		if err != nil {
			return err
		}
		return &invest.StateTransitionError{
			Entity: "transaction",
			From:   string(tx.Status),
			To:     string(to),
			Reason: "status only moves forward from pending",
		}
	}
	return nil
}

func (s *Store) MarkTransactionReversed(ctx context.Context, reference string, by invest.UserID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markTransactionReversed(ctx, s.db, reference, by, reason, at)
}

func (s *Store) markTransactionReversed(ctx context.Context, q dbtx, reference string, by invest.UserID, reason string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE transactions
		SET reversed = 1, reversed_at = ?, reversed_by = ?, reversal_reason = ?
		WHERE reference = ? AND reversed = 0`,
		formatTime(at), nullString(string(by)), nullString(reason), reference)
	if err != nil {
		return fmt.Errorf("failed to reverse transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.getTransactionByReference(ctx, q, reference); err != nil {
			return err
		}
		return &invest.StateTransitionError{
			Entity: "transaction", From: "reversed", To: "reversed",
			Reason: "transaction is already reversed",
		}
	}
	return nil
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID invest.UserID, txType invest.TransactionType) ([]invest.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactionsByUser(ctx, s.db, userID, txType)
}

func (s *Store) listTransactionsByUser(ctx context.Context, q dbtx, userID invest.UserID, txType invest.TransactionType) ([]invest.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if txType != "" {
		query += ` AND tx_type = ?`
		args = append(args, txType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []invest.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// SETTLEMENT RUNS + STATS
// =============================================================================

func (s *Store) SaveSettlementRun(ctx context.Context, run *invest.SettlementRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSettlementRun(ctx, s.db, run)
}

func (s *Store) saveSettlementRun(ctx context.Context, q dbtx, run *invest.SettlementRun) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settlement_runs
		(id, trigger_source, status, processed, failed, skipped, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			failed = excluded.failed,
			skipped = excluded.skipped,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.Trigger, run.Status, run.Processed, run.Failed, run.Skipped,
		nullString(run.Error), formatTime(run.StartedAt), formatNullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save settlement run: %w", err)
	}
	return nil
}

func (s *Store) ListSettlementRuns(ctx context.Context, limit int) ([]invest.SettlementRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSettlementRuns(ctx, s.db, limit)
}

func (s *Store) listSettlementRuns(ctx context.Context, q dbtx, limit int) ([]invest.SettlementRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, trigger_source, status, processed, failed, skipped, error, started_at, completed_at
		FROM settlement_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement runs: %w", err)
	}
	defer rows.Close()

	var runs []invest.SettlementRun
	for rows.Next() {
		var (
			run         invest.SettlementRun
			errMsg      sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Trigger, &run.Status, &run.Processed,
			&run.Failed, &run.Skipped, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Error = errMsg.String
		run.StartedAt = parseTime(startedAt)
		run.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) SettlementStats(ctx context.Context, now time.Time) (*invest.SettlementStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settlementStats(ctx, s.db, now)
}

func (s *Store) settlementStats(ctx context.Context, q dbtx, now time.Time) (*invest.SettlementStats, error) {
	stats := &invest.SettlementStats{
		TotalProfitPending:    decimal.Zero,
		TotalPrincipalPending: decimal.Zero,
	}

	nowStr := formatTime(now)
	next24 := formatTime(now.Add(24 * time.Hour))

	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status = 'active'`).
		Scan(&stats.TotalActiveInvestments)
	if err != nil {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE status = 'active' AND end_date <= ? AND is_profit_credited = 0`, nowStr).
		Scan(&stats.MaturedButNotCredited)
	if err != nil {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE status = 'active' AND end_date <= ? AND is_principal_returned = 0`, nowStr).
		Scan(&stats.MaturedButNotPrincipalReturned)
	if err != nil {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE status = 'active' AND end_date <= ?
		  AND (is_profit_credited = 0 OR is_principal_returned = 0)`, next24).
		Scan(&stats.DueInNext24Hours)
	if err != nil {
		return nil, err
	}

	// Amounts are decimal strings, so the sums happen in Go.
	rows, err := q.QueryContext(ctx, `
		SELECT expected_profit, amount, is_profit_credited, is_principal_returned
		FROM positions
		WHERE status = 'active' AND (is_profit_credited = 0 OR is_principal_returned = 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			profit, amount       string
			profitDone, prinDone bool
		)
		if err := rows.Scan(&profit, &amount, &profitDone, &prinDone); err != nil {
			return nil, err
		}
		if !profitDone {
			stats.TotalProfitPending = stats.TotalProfitPending.Add(parseDecimal(profit))
		}
		if !prinDone {
			stats.TotalPrincipalPending = stats.TotalPrincipalPending.Add(parseDecimal(amount))
		}
	}
	return stats, rows.Err()
}

// =============================================================================
// UNIT OF WORK (invest.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. The write lock is held
// for the duration, serializing units of work against each other and
// against direct writes.
func (s *Store) WithTx(ctx context.Context, fn func(invest.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the transaction-scoped view handed to WithTx callbacks. It
// reuses the parent's query helpers against the *sql.Tx and takes no locks
// (WithTx already holds the write lock).
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) GetWallet(ctx context.Context, userID invest.UserID) (*invest.Wallet, error) {
	return ts.parent.getWallet(ctx, ts.tx, userID)
}

func (ts *txStore) SaveWallet(ctx context.Context, w *invest.Wallet) error {
	return ts.parent.saveWallet(ctx, ts.tx, w)
}

func (ts *txStore) GetPlan(ctx context.Context, id invest.PlanID) (*invest.Plan, error) {
	return ts.parent.getPlan(ctx, ts.tx, id)
}

func (ts *txStore) SavePlan(ctx context.Context, p *invest.Plan) error {
	return ts.parent.savePlan(ctx, ts.tx, p)
}

func (ts *txStore) ListPlans(ctx context.Context, status invest.PlanStatus) ([]invest.Plan, error) {
	return ts.parent.listPlans(ctx, ts.tx, status)
}

func (ts *txStore) GetPosition(ctx context.Context, id invest.PositionID) (*invest.Position, error) {
	return ts.parent.getPosition(ctx, ts.tx, id)
}

func (ts *txStore) SavePosition(ctx context.Context, p *invest.Position) error {
	return ts.parent.savePosition(ctx, ts.tx, p)
}

func (ts *txStore) ListPositionsByUser(ctx context.Context, userID invest.UserID, status invest.PositionStatus) ([]invest.Position, error) {
	return ts.parent.listPositionsByUser(ctx, ts.tx, userID, status)
}

func (ts *txStore) ListMaturedUnsettled(ctx context.Context, asOf time.Time) ([]invest.Position, error) {
	return ts.parent.listMaturedUnsettled(ctx, ts.tx, asOf)
}

func (ts *txStore) CountActivePositions(ctx context.Context, userID invest.UserID) (int, error) {
	return ts.parent.countActivePositions(ctx, ts.tx, userID)
}

func (ts *txStore) HasActivePosition(ctx context.Context, userID invest.UserID, planID invest.PlanID) (bool, error) {
	return ts.parent.hasActivePosition(ctx, ts.tx, userID, planID)
}

func (ts *txStore) CountActiveInvestors(ctx context.Context, planID invest.PlanID) (int, error) {
	return ts.parent.countActiveInvestors(ctx, ts.tx, planID)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx *invest.Transaction) error {
	return ts.parent.appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransactionByReference(ctx context.Context, reference string) (*invest.Transaction, error) {
	return ts.parent.getTransactionByReference(ctx, ts.tx, reference)
}

func (ts *txStore) SetTransactionStatus(ctx context.Context, reference string, from, to invest.TransactionStatus) error {
	return ts.parent.setTransactionStatus(ctx, ts.tx, reference, from, to)
}

func (ts *txStore) MarkTransactionReversed(ctx context.Context, reference string, by invest.UserID, reason string, at time.Time) error {
	return ts.parent.markTransactionReversed(ctx, ts.tx, reference, by, reason, at)
}

func (ts *txStore) ListTransactionsByUser(ctx context.Context, userID invest.UserID, txType invest.TransactionType) ([]invest.Transaction, error) {
	return ts.parent.listTransactionsByUser(ctx, ts.tx, userID, txType)
}

func (ts *txStore) SaveSettlementRun(ctx context.Context, run *invest.SettlementRun) error {
	return ts.parent.saveSettlementRun(ctx, ts.tx, run)
}

func (ts *txStore) ListSettlementRuns(ctx context.Context, limit int) ([]invest.SettlementRun, error) {
	return ts.parent.listSettlementRuns(ctx, ts.tx, limit)
}

func (ts *txStore) SettlementStats(ctx context.Context, now time.Time) (*invest.SettlementStats, error) {
	return ts.parent.settlementStats(ctx, ts.tx, now)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
