// Package store provides in-memory implementations of credit.TxStore and
// credit.TenantDirectory.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	balances     map[credit.AccountKey]credit.Balance
	transactions []credit.Transaction // append order
	byID         map[credit.TransactionID]int
	idempotency  map[string]int
	audits       map[credit.TransactionID]credit.GrantAudit
	tenants      map[credit.TenantID]credit.TenantConfig
}

func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[credit.AccountKey]credit.Balance),
		byID:        make(map[credit.TransactionID]int),
		idempotency: make(map[string]int),
		audits:      make(map[credit.TransactionID]credit.GrantAudit),
		tenants:     make(map[credit.TenantID]credit.TenantConfig),
	}
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Memory) Get(_ context.Context, key credit.AccountKey) (credit.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(key), nil
}

func (m *Memory) GetOrCreate(_ context.Context, key credit.AccountKey) (credit.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key), nil
}

func (m *Memory) Commit(_ context.Context, prev, next credit.Balance) (credit.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(prev, next)
}

func (m *Memory) ListBalances(_ context.Context) ([]credit.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBalancesLocked(), nil
}

func (m *Memory) getLocked(key credit.AccountKey) credit.Balance {
	if b, ok := m.balances[key]; ok {
		return b
	}
	return credit.NewBalance(key)
}

func (m *Memory) getOrCreateLocked(key credit.AccountKey) credit.Balance {
	if b, ok := m.balances[key]; ok {
		return b
	}
	b := credit.NewBalance(key)
	b.Version = 1
	m.balances[key] = b
	return b
}

func (m *Memory) commitLocked(prev, next credit.Balance) (credit.Balance, error) {
	key := prev.Key()
	stored, exists := m.balances[key]
	switch {
	case prev.Version == 0 && exists:
		return credit.Balance{}, credit.ErrConflict
	case prev.Version != 0 && (!exists || stored.Version != prev.Version):
		return credit.Balance{}, credit.ErrConflict
	}
	next.AccountID, next.TenantID = key.AccountID, key.TenantID
	next.Version = prev.Version + 1
	m.balances[key] = next
	return next, nil
}

func (m *Memory) listBalancesLocked() []credit.Balance {
	out := make([]credit.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx credit.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) GetTransaction(_ context.Context, id credit.TransactionID) (credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByKeyLocked(key)
}

func (m *Memory) ListTransactions(_ context.Context, filter credit.TransactionFilter) (credit.TransactionPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(filter), nil
}

func (m *Memory) appendLocked(tx credit.Transaction) error {
	if tx.IdempotencyKey != "" {
		if _, ok := m.idempotency[tx.IdempotencyKey]; ok {
			return credit.ErrDuplicateIdempotencyKey
		}
	}
	m.transactions = append(m.transactions, tx)
	i := len(m.transactions) - 1
	m.byID[tx.ID] = i
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = i
	}
	return nil
}

func (m *Memory) getTransactionLocked(id credit.TransactionID) (credit.Transaction, error) {
	i, ok := m.byID[id]
	if !ok {
		return credit.Transaction{}, credit.ErrNotFound
	}
	return m.transactions[i], nil
}

func (m *Memory) findByKeyLocked(key string) (credit.Transaction, error) {
	i, ok := m.idempotency[key]
	if !ok {
		return credit.Transaction{}, credit.ErrNotFound
	}
	return m.transactions[i], nil
}

func (m *Memory) listLocked(filter credit.TransactionFilter) credit.TransactionPage {
	var matched []credit.Transaction
	for _, tx := range m.transactions {
		if !filter.Matches(tx) {
			continue
		}
		if filter.After != nil && !filter.After.Before(tx) {
			continue
		}
		matched = append(matched, tx)
	}
	// Newest first, ID breaks ties.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := credit.TransactionPage{}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
		last := matched[len(matched)-1]
		page.Next = &credit.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	page.Transactions = matched
	return page
}

// =============================================================================
// AUDITS
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, audit credit.GrantAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(audit)
}

func (m *Memory) GetAudit(_ context.Context, txID credit.TransactionID) (credit.GrantAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.audits[txID]
	if !ok {
		return credit.GrantAudit{}, credit.ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAudits(_ context.Context, tenantID credit.TenantID, limit int) ([]credit.GrantAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAuditsLocked(tenantID, limit), nil
}

func (m *Memory) appendAuditLocked(audit credit.GrantAudit) error {
	if _, ok := m.byID[audit.TransactionID]; !ok {
		return credit.ErrNotFound
	}
	if _, ok := m.audits[audit.TransactionID]; ok {
		return credit.ErrDuplicateIdempotencyKey
	}
	m.audits[audit.TransactionID] = audit
	return nil
}

func (m *Memory) listAuditsLocked(tenantID credit.TenantID, limit int) []credit.GrantAudit {
	var out []credit.GrantAudit
	for _, a := range m.audits {
		if tenantID == "" || a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID > out[j].TransactionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// TENANTS
// =============================================================================

func (m *Memory) SaveTenant(_ context.Context, cfg credit.TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[cfg.ID] = cfg
	return nil
}

// Tenant implements credit.TenantDirectory.
func (m *Memory) Tenant(_ context.Context, id credit.TenantID) (*credit.TenantConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.tenants[id]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(credit.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances     map[credit.AccountKey]credit.Balance
	transactions int
	audits       map[credit.TransactionID]credit.GrantAudit
}

// snapshot copies the mutable maps. Transactions are append-only, so the
// slice length is enough to roll them back.
func (tm *TxMemory) snapshot() memorySnapshot {
	balances := make(map[credit.AccountKey]credit.Balance, len(tm.balances))
	for k, v := range tm.balances {
		balances[k] = v
	}
	audits := make(map[credit.TransactionID]credit.GrantAudit, len(tm.audits))
	for k, v := range tm.audits {
		audits[k] = v
	}
	return memorySnapshot{balances: balances, transactions: len(tm.transactions), audits: audits}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.balances = s.balances
	tm.audits = s.audits
	for _, tx := range tm.transactions[s.transactions:] {
		delete(tm.byID, tx.ID)
		if tx.IdempotencyKey != "" {
			delete(tm.idempotency, tx.IdempotencyKey)
		}
	}
	tm.transactions = tm.transactions[:s.transactions]
}

// txMemoryView is the Store handed to WithTx callbacks. The parent lock is
// already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Get(_ context.Context, key credit.AccountKey) (credit.Balance, error) {
	return tv.parent.getLocked(key), nil
}

func (tv *txMemoryView) GetOrCreate(_ context.Context, key credit.AccountKey) (credit.Balance, error) {
	return tv.parent.getOrCreateLocked(key), nil
}

func (tv *txMemoryView) Commit(_ context.Context, prev, next credit.Balance) (credit.Balance, error) {
	return tv.parent.commitLocked(prev, next)
}

func (tv *txMemoryView) ListBalances(_ context.Context) ([]credit.Balance, error) {
	return tv.parent.listBalancesLocked(), nil
}

func (tv *txMemoryView) Append(_ context.Context, tx credit.Transaction) error {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) GetTransaction(_ context.Context, id credit.TransactionID) (credit.Transaction, error) {
	return tv.parent.getTransactionLocked(id)
}

func (tv *txMemoryView) FindByIdempotencyKey(_ context.Context, key string) (credit.Transaction, error) {
	return tv.parent.findByKeyLocked(key)
}

func (tv *txMemoryView) ListTransactions(_ context.Context, filter credit.TransactionFilter) (credit.TransactionPage, error) {
	return tv.parent.listLocked(filter), nil
}

func (tv *txMemoryView) AppendAudit(_ context.Context, audit credit.GrantAudit) error {
	return tv.parent.appendAuditLocked(audit)
}

func (tv *txMemoryView) GetAudit(_ context.Context, txID credit.TransactionID) (credit.GrantAudit, error) {
	a, ok := tv.parent.audits[txID]
	if !ok {
		return credit.GrantAudit{}, credit.ErrNotFound
	}
	return a, nil
}

func (tv *txMemoryView) ListAudits(_ context.Context, tenantID credit.TenantID, limit int) ([]credit.GrantAudit, error) {
	return tv.parent.listAuditsLocked(tenantID, limit), nil
}

var (
	_ credit.TxStore         = (*TxMemory)(nil)
	_ credit.Store           = (*txMemoryView)(nil)
	_ credit.TenantDirectory = (*Memory)(nil)
)
