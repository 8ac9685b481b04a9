/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements credit.TxStore (balances, transactions, grant audits) and the
  tenant.Loader used by the tenant directory. In production the same
  patterns apply to PostgreSQL with minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  credit.BalanceStore:      Versioned balance rows
  credit.TransactionLedger: Append-only transaction log
  credit.AuditLog:          Grant audit records
  credit.TxStore:           Atomic units via WithTx
  tenant.Loader:            Tenant rows with JSON settings

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on transactions or grant_audits
  - No DELETE statements on transactions or grant_audits
  - Corrections via REFUND / REVOKE transactions only

KEY TABLES:
  balances:      One row per (tenant, account), version column for CAS
  transactions:  Immutable ledger of all balance changes
  grant_audits:  One row per admin grant, keyed by transaction id
  tenants:       Tenant name + settings JSON

INVARIANTS IN THE SCHEMA:
  CHECK constraints keep purchased, consumed and locked non-negative and
  available (purchased - consumed - locked) >= 0, so a bug in the handlers
  cannot persist an impossible balance.

TIMESTAMPS:
  Stored as INTEGER unix nanoseconds so keyset pagination compares exactly.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole unit; every statement inside the unit goes through the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := credit.NewService(store, tenant.NewDirectory(store, 0, 0))

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/tenant"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an open database and migrates it.
func NewWithDB(db *sql.DB) (*Store, error) {
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

// Ping checks the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balances (mutable projection, optimistic concurrency)
	CREATE TABLE IF NOT EXISTS balances (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		purchased INTEGER NOT NULL DEFAULT 0 CHECK (purchased >= 0),
		consumed INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0),
		locked INTEGER NOT NULL DEFAULT 0 CHECK (locked >= 0),
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, account_id),
		CHECK (purchased - consumed - locked >= 0)
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		source TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		booking_id TEXT,
		idempotency_key TEXT UNIQUE,
		actor_id TEXT NOT NULL,
		detail_json TEXT NOT NULL,
		available_after INTEGER NOT NULL,
		locked_after INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- History queries (hot path): newest first per account
	CREATE INDEX IF NOT EXISTS idx_transactions_account_created
		ON transactions(tenant_id, account_id, created_at DESC, id DESC);

	-- Tenant-wide history
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_created
		ON transactions(tenant_id, created_at DESC, id DESC);

	-- For transaction type filtering
	CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(tx_type);

	-- For booking tracking
	CREATE INDEX IF NOT EXISTS idx_transactions_booking
		ON transactions(booking_id) WHERE booking_id IS NOT NULL;

	-- Grant audits (append-only)
	CREATE TABLE IF NOT EXISTS grant_audits (
		transaction_id TEXT PRIMARY KEY REFERENCES transactions(id),
		tenant_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		recipient_contact TEXT,
		authorized_by TEXT NOT NULL,
		authorized_role TEXT NOT NULL,
		reason TEXT,
		quantity INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_grant_audits_tenant
		ON grant_audits(tenant_id, created_at DESC);

	-- Tenants
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		settings_json TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BALANCE STORE (credit.BalanceStore interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, key credit.AccountKey) (credit.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, key)
}

func (s *Store) GetOrCreate(ctx context.Context, key credit.AccountKey) (credit.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getOrCreateBalance(ctx, s.db, key)
}

func (s *Store) Commit(ctx context.Context, prev, next credit.Balance) (credit.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return commitBalance(ctx, s.db, prev, next)
}

func (s *Store) ListBalances(ctx context.Context) ([]credit.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBalances(ctx, s.db)
}

const balanceColumns = `account_id, tenant_id, purchased, consumed, locked, version, updated_at`

func getBalance(ctx context.Context, q querier, key credit.AccountKey) (credit.Balance, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE tenant_id = ? AND account_id = ?`,
		key.TenantID, key.AccountID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.NewBalance(key), nil
	}
	if err != nil {
		return credit.Balance{}, fmt.Errorf("failed to load balance %s: %w", key, err)
	}
	return b, nil
}

func getOrCreateBalance(ctx context.Context, q querier, key credit.AccountKey) (credit.Balance, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (tenant_id, account_id, purchased, consumed, locked, version, updated_at)
		VALUES (?, ?, 0, 0, 0, 1, ?)
		ON CONFLICT(tenant_id, account_id) DO NOTHING
	`, key.TenantID, key.AccountID, time.Now().UTC().UnixNano())
	if err != nil {
		return credit.Balance{}, fmt.Errorf("failed to create balance %s: %w", key, err)
	}
	return getBalance(ctx, q, key)
}

// commitBalance inserts when prev.Version is 0 and otherwise updates the row
// only if its version is unchanged.
func commitBalance(ctx context.Context, q querier, prev, next credit.Balance) (credit.Balance, error) {
	key := prev.Key()
	next.AccountID, next.TenantID = key.AccountID, key.TenantID
	next.Version = prev.Version + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	if prev.Version == 0 {
		_, err := q.ExecContext(ctx, `
			INSERT INTO balances (tenant_id, account_id, purchased, consumed, locked, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, key.TenantID, key.AccountID, next.TotalPurchased, next.TotalConsumed, next.LockedQty,
			next.Version, next.UpdatedAt.UnixNano())
		if isUniqueConstraintError(err) {
			return credit.Balance{}, credit.ErrConflict
		}
		if err != nil {
			return credit.Balance{}, fmt.Errorf("failed to insert balance %s: %w", key, err)
		}
		return next, nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE balances
		SET purchased = ?, consumed = ?, locked = ?, version = ?, updated_at = ?
		WHERE tenant_id = ? AND account_id = ? AND version = ?
	`, next.TotalPurchased, next.TotalConsumed, next.LockedQty, next.Version, next.UpdatedAt.UnixNano(),
		key.TenantID, key.AccountID, prev.Version)
	if err != nil {
		return credit.Balance{}, fmt.Errorf("failed to update balance %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return credit.Balance{}, fmt.Errorf("failed to update balance %s: %w", key, err)
	}
	if n == 0 {
		return credit.Balance{}, credit.ErrConflict
	}
	return next, nil
}

func listBalances(ctx context.Context, q querier) ([]credit.Balance, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+balanceColumns+` FROM balances ORDER BY tenant_id, account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []credit.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (credit.Balance, error) {
	var (
		b         credit.Balance
		updatedAt int64
	)
	if err := row.Scan(&b.AccountID, &b.TenantID, &b.TotalPurchased, &b.TotalConsumed,
		&b.LockedQty, &b.Version, &updatedAt); err != nil {
		return credit.Balance{}, err
	}
	b.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return b, nil
}

// =============================================================================
// TRANSACTION LEDGER (credit.TransactionLedger interface)
// =============================================================================

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx credit.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTx(ctx, s.db, tx)
}

func (s *Store) GetTransaction(ctx context.Context, id credit.TransactionID) (credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryOneTx(ctx, s.db, `WHERE id = ?`, id)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryOneTx(ctx, s.db, `WHERE idempotency_key = ?`, key)
}

func (s *Store) ListTransactions(ctx context.Context, filter credit.TransactionFilter) (credit.TransactionPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, filter)
}

const txColumns = `id, tenant_id, account_id, tx_type, source, quantity, booking_id, idempotency_key,
	actor_id, detail_json, available_after, locked_after, created_at`

func appendTx(ctx context.Context, q querier, tx credit.Transaction) error {
	detailJSON, err := encodeDetail(tx.Detail)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.TenantID,
		tx.AccountID,
		tx.Type,
		tx.Source,
		tx.Quantity,
		nullString(tx.RelatedBookingID),
		nullString(tx.IdempotencyKey),
		tx.ActorID,
		detailJSON,
		tx.AvailableAfter,
		tx.LockedAfter,
		tx.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return credit.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func queryOneTx(ctx context.Context, q querier, where string, args ...any) (credit.Transaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions `+where+` LIMIT 1`, args...)
	if err != nil {
		return credit.Transaction{}, fmt.Errorf("failed to query transaction: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return credit.Transaction{}, err
		}
		return credit.Transaction{}, credit.ErrNotFound
	}
	return scanTransaction(rows)
}

func listTransactions(ctx context.Context, q querier, filter credit.TransactionFilter) (credit.TransactionPage, error) {
	var (
		conds []string
		args  []any
	)
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, t)
		}
		conds = append(conds, "tx_type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if filter.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.To.UnixNano())
	}
	if filter.After != nil {
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
		ts := filter.After.CreatedAt.UnixNano()
		args = append(args, ts, ts, filter.After.ID)
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		// One extra row tells whether another page exists.
		query += ` LIMIT ?`
		args = append(args, filter.Limit+1)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return credit.TransactionPage{}, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []credit.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return credit.TransactionPage{}, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return credit.TransactionPage{}, err
	}

	page := credit.TransactionPage{Transactions: txs}
	if filter.Limit > 0 && len(txs) > filter.Limit {
		page.Transactions = txs[:filter.Limit]
		last := page.Transactions[filter.Limit-1]
		page.Next = &credit.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}

func scanTransaction(rows *sql.Rows) (credit.Transaction, error) {
	var (
		tx             credit.Transaction
		bookingID      sql.NullString
		idempotencyKey sql.NullString
		detailJSON     string
		createdAt      int64
	)

	err := rows.Scan(
		&tx.ID, &tx.TenantID, &tx.AccountID, &tx.Type, &tx.Source, &tx.Quantity,
		&bookingID, &idempotencyKey, &tx.ActorID, &detailJSON,
		&tx.AvailableAfter, &tx.LockedAfter, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.RelatedBookingID = bookingID.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = time.Unix(0, createdAt).UTC()
	tx.Detail, err = decodeDetail(tx.Type, detailJSON)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	return tx, nil
}

// =============================================================================
// TRANSACTION DETAILS - JSON column
// =============================================================================

func encodeDetail(d credit.Detail) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s detail: %w", d.TxType(), err)
	}
	return string(b), nil
}

func decodeDetail(t credit.TransactionType, raw string) (credit.Detail, error) {
	var (
		d   credit.Detail
		err error
	)
	switch t {
	case credit.TxGrant:
		var v credit.GrantDetail
		err = json.Unmarshal([]byte(raw), &v)
		d = v
	case credit.TxConsume:
		var v credit.ConsumeDetail
		err = json.Unmarshal([]byte(raw), &v)
		d = v
	case credit.TxLock:
		var v credit.LockDetail
		err = json.Unmarshal([]byte(raw), &v)
		d = v
	case credit.TxUnlock:
		var v credit.UnlockDetail
		err = json.Unmarshal([]byte(raw), &v)
		d = v
	case credit.TxRefund:
		var v credit.RefundDetail
		err = json.Unmarshal([]byte(raw), &v)
		d = v
	case credit.TxRevoke:
		var v credit.RevokeDetail
		err = json.Unmarshal([]byte(raw), &v)
		d = v
	default:
		return nil, fmt.Errorf("unknown transaction type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s detail: %w", t, err)
	}
	return d, nil
}

// =============================================================================
// AUDIT LOG (credit.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, audit credit.GrantAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, audit)
}

func (s *Store) GetAudit(ctx context.Context, txID credit.TransactionID) (credit.GrantAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAudit(ctx, s.db, txID)
}

func (s *Store) ListAudits(ctx context.Context, tenantID credit.TenantID, limit int) ([]credit.GrantAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAudits(ctx, s.db, tenantID, limit)
}

const auditColumns = `transaction_id, tenant_id, recipient_id, recipient_contact, authorized_by,
	authorized_role, reason, quantity, created_at`

func appendAudit(ctx context.Context, q querier, a credit.GrantAudit) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO grant_audits (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.TransactionID, a.TenantID, a.RecipientID, nullString(a.RecipientContact), a.AuthorizedBy,
		a.AuthorizedRole, nullString(a.Reason), a.Quantity, a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append grant audit: %w", err)
	}
	return nil
}

func getAudit(ctx context.Context, q querier, txID credit.TransactionID) (credit.GrantAudit, error) {
	row := q.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM grant_audits WHERE transaction_id = ?`, txID)
	a, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.GrantAudit{}, credit.ErrNotFound
	}
	return a, err
}

func listAudits(ctx context.Context, q querier, tenantID credit.TenantID, limit int) ([]credit.GrantAudit, error) {
	query := `SELECT ` + auditColumns + ` FROM grant_audits`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, transaction_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grant audits: %w", err)
	}
	defer rows.Close()

	var out []credit.GrantAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAudit(row scanner) (credit.GrantAudit, error) {
	var (
		a         credit.GrantAudit
		contact   sql.NullString
		reason    sql.NullString
		createdAt int64
	)
	if err := row.Scan(&a.TransactionID, &a.TenantID, &a.RecipientID, &contact, &a.AuthorizedBy,
		&a.AuthorizedRole, &reason, &a.Quantity, &createdAt); err != nil {
		return credit.GrantAudit{}, err
	}
	a.RecipientContact = contact.String
	a.Reason = reason.String
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	return a, nil
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, key credit.AccountKey) (credit.Balance, error) {
	return getBalance(ctx, ts.tx, key)
}

func (ts *txStore) GetOrCreate(ctx context.Context, key credit.AccountKey) (credit.Balance, error) {
	return getOrCreateBalance(ctx, ts.tx, key)
}

func (ts *txStore) Commit(ctx context.Context, prev, next credit.Balance) (credit.Balance, error) {
	return commitBalance(ctx, ts.tx, prev, next)
}

func (ts *txStore) ListBalances(ctx context.Context) ([]credit.Balance, error) {
	return listBalances(ctx, ts.tx)
}

func (ts *txStore) Append(ctx context.Context, tx credit.Transaction) error {
	return appendTx(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransaction(ctx context.Context, id credit.TransactionID) (credit.Transaction, error) {
	return queryOneTx(ctx, ts.tx, `WHERE id = ?`, id)
}

func (ts *txStore) FindByIdempotencyKey(ctx context.Context, key string) (credit.Transaction, error) {
	return queryOneTx(ctx, ts.tx, `WHERE idempotency_key = ?`, key)
}

func (ts *txStore) ListTransactions(ctx context.Context, filter credit.TransactionFilter) (credit.TransactionPage, error) {
	return listTransactions(ctx, ts.tx, filter)
}

func (ts *txStore) AppendAudit(ctx context.Context, audit credit.GrantAudit) error {
	return appendAudit(ctx, ts.tx, audit)
}

func (ts *txStore) GetAudit(ctx context.Context, txID credit.TransactionID) (credit.GrantAudit, error) {
	return getAudit(ctx, ts.tx, txID)
}

func (ts *txStore) ListAudits(ctx context.Context, tenantID credit.TenantID, limit int) ([]credit.GrantAudit, error) {
	return listAudits(ctx, ts.tx, tenantID, limit)
}

// =============================================================================
// TENANT STORE (tenant.Loader interface)
// =============================================================================

// SaveTenant inserts or replaces a tenant row.
func (s *Store) SaveTenant(ctx context.Context, rec tenant.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := string(rec.Settings)
	if settings == "" {
		settings = "{}"
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, settings_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Name, settings, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

// LoadTenant returns the tenant row, or nil if it does not exist.
func (s *Store) LoadTenant(ctx context.Context, id credit.TenantID) (*tenant.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT id, name, settings_json, updated_at FROM tenants WHERE id = ?`, id)
	rec, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, settings_json, updated_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var out []tenant.Record
	for rows.Next() {
		rec, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTenant(row scanner) (tenant.Record, error) {
	var (
		rec       tenant.Record
		settings  string
		updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &settings, &updatedAt); err != nil {
		return tenant.Record{}, err
	}
	rec.Settings = json.RawMessage(settings)
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

// Helper functions

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

var (
	_ credit.TxStore = (*Store)(nil)
	_ credit.Store   = (*txStore)(nil)
	_ tenant.Loader  = (*Store)(nil)
)
