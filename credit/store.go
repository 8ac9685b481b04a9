/*
store.go - Persistence interfaces for balances, transactions and audits

PURPOSE:
  Defines the contract between the operation handlers and storage. The
  Balance Store is a pure state holder, the Transaction Ledger and the audit
  log are append-only.

KEY INTERFACES:
  BalanceStore:      Get / GetOrCreate / Commit with optimistic concurrency
  TransactionLedger: Append + read-only history queries
  AuditLog:          Grant audit records
  TxStore:           All of the above plus WithTx for atomic units

APPEND-ONLY CONTRACT:
  There is no Update or Delete for transactions or audits. Corrections are
  new transactions (REFUND, REVOKE).

OPTIMISTIC CONCURRENCY:
  Commit(prev, next) replaces the stored row only if its version still
  equals prev.Version, otherwise it fails with ErrConflict. A prev.Version
  of 0 means "row must not exist yet".

IMPLEMENTATIONS:
  - credit/store/memory.go: In-memory, snapshot rollback
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - guard.go: Uses WithTx
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// BALANCE STORE
// =============================================================================

type BalanceStore interface {
	// Get returns the stored balance or a zero balance with Version 0.
	// It never writes.
	Get(ctx context.Context, key AccountKey) (Balance, error)

	// GetOrCreate returns the stored balance, persisting a zero row first
	// if none exists.
	GetOrCreate(ctx context.Context, key AccountKey) (Balance, error)

	// Commit replaces prev with next. Returns ErrConflict when the stored
	// version is not prev.Version. On success next.Version is prev.Version+1.
	Commit(ctx context.Context, prev, next Balance) (Balance, error)

	// ListBalances returns every stored balance, for reconciliation.
	ListBalances(ctx context.Context) ([]Balance, error)
}

// =============================================================================
// TRANSACTION LEDGER
// =============================================================================

type TransactionLedger interface {
	// Append persists tx. Returns ErrDuplicateIdempotencyKey if its key exists.
	Append(ctx context.Context, tx Transaction) error

	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// FindByIdempotencyKey returns the transaction with key, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	// ListTransactions returns a page, newest first.
	ListTransactions(ctx context.Context, filter TransactionFilter) (TransactionPage, error)
}

// TransactionFilter narrows history queries. Zero fields are ignored.
type TransactionFilter struct {
	TenantID  TenantID
	AccountID AccountID
	Types     []TransactionType
	From      *time.Time
	To        *time.Time

	Limit int
	// After is the keyset position (exclusive); nil starts at the newest entry.
	After *PageCursor
}

// PageCursor is the keyset position of a transaction in history order.
type PageCursor struct {
	CreatedAt time.Time
	ID        TransactionID
}

type TransactionPage struct {
	Transactions []Transaction
	// Next is set when more entries exist after this page.
	Next *PageCursor
}

// Matches reports whether tx passes every filter field except paging.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.TenantID != "" && tx.TenantID != f.TenantID {
		return false
	}
	if f.AccountID != "" && tx.AccountID != f.AccountID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if tx.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// Before reports whether tx sorts after the cursor in newest-first order.
func (c PageCursor) Before(tx Transaction) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.ID < c.ID
	}
	return tx.CreatedAt.Before(c.CreatedAt)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditLog interface {
	AppendAudit(ctx context.Context, audit GrantAudit) error
	GetAudit(ctx context.Context, txID TransactionID) (GrantAudit, error)
	ListAudits(ctx context.Context, tenantID TenantID, limit int) ([]GrantAudit, error)
}

// =============================================================================
// STORE - Everything the service needs
// =============================================================================

type Store interface {
	BalanceStore
	TransactionLedger
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is
	// rolled back. If fn returns nil, all of them are committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// TenantDirectory resolves tenant configuration. A missing tenant is
// (nil, nil), not an error.
type TenantDirectory interface {
	Tenant(ctx context.Context, id TenantID) (*TenantConfig, error)
}
