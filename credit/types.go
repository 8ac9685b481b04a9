/*
Package credit provides the credit and hour ledger engine.

PURPOSE:
  Tracks how many class credits a student (or hours a professor) holds inside
  a tenant, and records every change as an immutable transaction. The same
  engine serves the booking engine (consume/refund around lessons), the
  check-in flow (lock/unlock of professor hours) and the admin console
  (grant/revoke).

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountKey: (account, tenant) pair that scopes a balance
  - Balance: mutable snapshot of an account's position, versioned
  - Transaction: immutable ledger entry with a typed Detail variant
  - GrantAudit: compliance record written alongside admin grants

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never updated or deleted
  2. Derived availability: Available is computed, never stored
  3. Typed details: each transaction type carries only its own fields
  4. Auditability: every write names its actor, source and idempotency key

USAGE:
  svc := credit.NewService(store, tenants)
  res, err := svc.Grant(ctx, credit.GrantRequest{...})

SEE ALSO:
  - policy.go: Authorization and policy validation
  - ledger.go: Operation handlers
  - guard.go: Atomic commit and retry
  - store.go: Persistence interfaces
*/
package credit

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TenantID string
type TransactionID string

// AccountKey identifies one balance row.
type AccountKey struct {
	AccountID AccountID
	TenantID  TenantID
}

func (k AccountKey) String() string { return string(k.TenantID) + "/" + string(k.AccountID) }

// =============================================================================
// BALANCE - Current position of one account inside one tenant
// =============================================================================

// Balance is the mutable snapshot of an account. It is only ever replaced
// through Store.Commit by an operation handler.
//
// Version is the optimistic concurrency token: 0 means the row has not been
// persisted yet, every successful commit increments it.
type Balance struct {
	AccountID      AccountID
	TenantID       TenantID
	TotalPurchased int64
	TotalConsumed  int64
	LockedQty      int64
	UpdatedAt      time.Time
	Version        int64
}

// NewBalance returns the zero balance for key.
func NewBalance(key AccountKey) Balance {
	return Balance{AccountID: key.AccountID, TenantID: key.TenantID}
}

func (b Balance) Key() AccountKey {
	return AccountKey{AccountID: b.AccountID, TenantID: b.TenantID}
}

// Available is the usable portion: purchased - consumed - locked.
func (b Balance) Available() int64 {
	return b.TotalPurchased - b.TotalConsumed - b.LockedQty
}

// Total is available + locked, the quantity conserved across Unlock.
func (b Balance) Total() int64 {
	return b.Available() + b.LockedQty
}

// Valid reports whether no field (stored or derived) is negative.
func (b Balance) Valid() bool {
	return b.TotalPurchased >= 0 && b.TotalConsumed >= 0 && b.LockedQty >= 0 && b.Available() >= 0
}

// Persisted reports whether the balance was read from storage.
func (b Balance) Persisted() bool { return b.Version > 0 }

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxGrant   TransactionType = "GRANT"
	TxConsume TransactionType = "CONSUME"
	TxLock    TransactionType = "LOCK"
	TxUnlock  TransactionType = "UNLOCK"
	TxRefund  TransactionType = "REFUND"
	TxRevoke  TransactionType = "REVOKE"
)

// AllTransactionTypes lists the closed set of transaction types.
var AllTransactionTypes = []TransactionType{TxGrant, TxConsume, TxLock, TxUnlock, TxRefund, TxRevoke}

// ParseTransactionType converts a stored or user supplied type name.
func ParseTransactionType(s string) (TransactionType, bool) {
	for _, t := range AllTransactionTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Source records who originated a balance change.
type Source string

const (
	SourceSelf         Source = "SELF"
	SourceCounterparty Source = "COUNTERPARTY"
	SourceSystem       Source = "SYSTEM"
	SourceAdmin        Source = "ADMIN"
)

// Transaction is an append-only ledger entry. Quantity is the non-negative
// magnitude actually applied; its direction is implied by Type.
type Transaction struct {
	ID               TransactionID
	AccountID        AccountID
	TenantID         TenantID
	Type             TransactionType
	Source           Source
	Quantity         int64
	RelatedBookingID string
	IdempotencyKey   string
	ActorID          string
	Detail           Detail

	// Position right after this transaction was applied.
	AvailableAfter int64
	LockedAfter    int64

	CreatedAt time.Time
}

func (t Transaction) Key() AccountKey {
	return AccountKey{AccountID: t.AccountID, TenantID: t.TenantID}
}

// =============================================================================
// TRANSACTION DETAILS - Closed set of typed variants
// =============================================================================

// Detail is the type-specific payload of a transaction. The set of
// implementations is closed: only this package can add variants.
type Detail interface {
	TxType() TransactionType
	isDetail()
}

type GrantDetail struct {
	Reason       string `json:"reason"`
	AuthorizedBy string `json:"authorized_by"`
}

type ConsumeDetail struct {
	BookingID string `json:"booking_id,omitempty"`
}

type LockDetail struct {
	BookingID string `json:"booking_id,omitempty"`
}

// UnlockDetail keeps the requested quantity next to the clamped amount.
type UnlockDetail struct {
	BookingID string `json:"booking_id,omitempty"`
	Requested int64  `json:"requested"`
	Unlocked  int64  `json:"unlocked"`
}

type RefundDetail struct {
	BookingID string `json:"booking_id,omitempty"`
	Requested int64  `json:"requested"`
	Refunded  int64  `json:"refunded"`
}

type RevokeDetail struct {
	Reason       string `json:"reason"`
	AuthorizedBy string `json:"authorized_by"`
}

func (GrantDetail) TxType() TransactionType   { return TxGrant }
func (ConsumeDetail) TxType() TransactionType { return TxConsume }
func (LockDetail) TxType() TransactionType    { return TxLock }
func (UnlockDetail) TxType() TransactionType  { return TxUnlock }
func (RefundDetail) TxType() TransactionType  { return TxRefund }
func (RevokeDetail) TxType() TransactionType  { return TxRevoke }

func (GrantDetail) isDetail()   {}
func (ConsumeDetail) isDetail() {}
func (LockDetail) isDetail()    {}
func (UnlockDetail) isDetail()  {}
func (RefundDetail) isDetail()  {}
func (RevokeDetail) isDetail()  {}

// =============================================================================
// GRANT AUDIT - Compliance record for admin grants
// =============================================================================

// GrantAudit links a GRANT transaction to the administrator who authorized it.
// It is written in the same atomic unit as the transaction.
type GrantAudit struct {
	TransactionID    TransactionID
	TenantID         TenantID
	RecipientID      AccountID
	RecipientContact string
	AuthorizedBy     string
	AuthorizedRole   Role
	Reason           string
	Quantity         int64
	CreatedAt        time.Time
}

// =============================================================================
// TENANT CONFIGURATION
// =============================================================================

// DefaultHighQuantityThreshold applies when neither the service nor the
// tenant overrides it.
const DefaultHighQuantityThreshold int64 = 100

// TenantConfig is the per-tenant policy input. An absent feature flag is
// false.
type TenantConfig struct {
	ID                    TenantID
	Name                  string
	ManualCreditRelease   bool
	HighQuantityThreshold int64 // 0 = use the service default
}
