/*
ledger.go - Operation handlers

PURPOSE:
  One handler per verb: Grant, Consume, Lock, Unlock, Refund, Revoke. Each
  composes Authorize + Validate + Balance Store + Transaction Ledger into a
  single guarded unit of work.

STATE MACHINE (per call):
  Validating -> Applying -> Committed
       |            |
       +------------+--> Rejected/Failed (nothing persisted)

OPERATIONS:
  Grant    purchased += q                      GRANT  (+ audit for admins)
  Consume  consumed  += q   needs available>=q CONSUME
  Lock     locked    += q   needs available>=q LOCK
  Unlock   locked    -= min(q, locked)         UNLOCK (zero is not an error)
  Refund   consumed  -= min(q, consumed)       REFUND
  Revoke   purchased -= q   needs available>=q REVOKE (admins only)

FAILURES:
  Every failed call returns the balance as it was before the call, plus a
  coded *Error. Rejections happen before any write, so nothing needs to be
  rolled back for them.

SEE ALSO:
  - policy.go: Authorize, Validate
  - guard.go: Atomic unit and retry
*/
package credit

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/pagination"
)

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

type GrantRequest struct {
	Caller              Caller
	AccountID           AccountID
	TenantID            TenantID
	Quantity            decimal.Decimal
	Reason              string
	RecipientContact    string
	ConfirmHighQuantity bool
	IdempotencyKey      string
}

// BookingRequest is shared by Consume, Lock, Unlock and Refund.
type BookingRequest struct {
	Caller         Caller
	AccountID      AccountID
	TenantID       TenantID
	Quantity       decimal.Decimal
	BookingID      string
	IdempotencyKey string
}

type RevokeRequest struct {
	Caller              Caller
	AccountID           AccountID
	TenantID            TenantID
	Quantity            decimal.Decimal
	Reason              string
	ConfirmHighQuantity bool
	IdempotencyKey      string
}

// Result is returned by every handler. On failure only Balance is set and
// holds the pre-operation balance.
type Result struct {
	Balance     Balance
	Transaction *Transaction
	Audit       *GrantAudit
	Replayed    bool
}

// Outcome is reported to observers after every mutating call.
type Outcome struct {
	Operation TransactionType
	Key       AccountKey
	Result    Result
	Err       error
	Attempts  int
	Duration  time.Duration
}

// Observer receives outcomes (metrics, event publishing). Implementations
// must not block.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store          TxStore
	tenants        TenantDirectory
	observers      []Observer
	log            logrus.FieldLogger
	threshold      int64
	conflictPolicy retrypolicy.RetryPolicy[Result]
	now            func() time.Time
	newID          func() TransactionID
}

type Option func(*Service)

// WithThreshold overrides the global high-quantity threshold.
func WithThreshold(n int64) Option { return func(s *Service) { s.threshold = n } }

func WithRetry(cfg RetryConfig) Option {
	return func(s *Service) { s.conflictPolicy = newConflictPolicy(cfg) }
}

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates the ledger service. tenants may be nil, in which case
// every tenant is treated as missing.
func NewService(store TxStore, tenants TenantDirectory, opts ...Option) *Service {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	s := &Service{
		store:          store,
		tenants:        tenants,
		log:            discard,
		threshold:      DefaultHighQuantityThreshold,
		conflictPolicy: newConflictPolicy(DefaultRetryConfig()),
		now:            time.Now,
		newID:          func() TransactionID { return TransactionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

func (s *Service) Grant(ctx context.Context, req GrantRequest) (Result, error) {
	return s.execute(ctx, operation{
		op:             TxGrant,
		caller:         req.Caller,
		key:            AccountKey{AccountID: req.AccountID, TenantID: req.TenantID},
		quantity:       req.Quantity,
		confirm:        req.ConfirmHighQuantity,
		idempotencyKey: req.IdempotencyKey,
		apply: func(cur Balance, q int64) (Balance, int64, Detail, error) {
			next, err := applyGrant(cur, q)
			return next, q, GrantDetail{Reason: req.Reason, AuthorizedBy: req.Caller.ID}, err
		},
		audit: func(tx Transaction) *GrantAudit {
			if tx.Source != SourceAdmin {
				return nil
			}
			return &GrantAudit{
				TransactionID:    tx.ID,
				TenantID:         tx.TenantID,
				RecipientID:      tx.AccountID,
				RecipientContact: req.RecipientContact,
				AuthorizedBy:     req.Caller.ID,
				AuthorizedRole:   req.Caller.Role,
				Reason:           req.Reason,
				Quantity:         tx.Quantity,
				CreatedAt:        tx.CreatedAt,
			}
		},
	})
}

func (s *Service) Consume(ctx context.Context, req BookingRequest) (Result, error) {
	return s.execute(ctx, bookingOperation(TxConsume, req, func(cur Balance, q int64) (Balance, int64, Detail, error) {
		next, err := applyConsume(cur, q)
		return next, q, ConsumeDetail{BookingID: req.BookingID}, err
	}))
}

func (s *Service) Lock(ctx context.Context, req BookingRequest) (Result, error) {
	return s.execute(ctx, bookingOperation(TxLock, req, func(cur Balance, q int64) (Balance, int64, Detail, error) {
		next, err := applyLock(cur, q)
		return next, q, LockDetail{BookingID: req.BookingID}, err
	}))
}

// Unlock never fails for lack of locked quantity: it unlocks
// min(requested, locked), which may be zero.
func (s *Service) Unlock(ctx context.Context, req BookingRequest) (Result, error) {
	return s.execute(ctx, bookingOperation(TxUnlock, req, func(cur Balance, q int64) (Balance, int64, Detail, error) {
		next, unlocked := applyUnlock(cur, q)
		return next, unlocked, UnlockDetail{BookingID: req.BookingID, Requested: q, Unlocked: unlocked}, nil
	}))
}

func (s *Service) Refund(ctx context.Context, req BookingRequest) (Result, error) {
	return s.execute(ctx, bookingOperation(TxRefund, req, func(cur Balance, q int64) (Balance, int64, Detail, error) {
		next, refunded := applyRefund(cur, q)
		return next, refunded, RefundDetail{BookingID: req.BookingID, Requested: q, Refunded: refunded}, nil
	}))
}

func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (Result, error) {
	return s.execute(ctx, operation{
		op:             TxRevoke,
		caller:         req.Caller,
		key:            AccountKey{AccountID: req.AccountID, TenantID: req.TenantID},
		quantity:       req.Quantity,
		confirm:        req.ConfirmHighQuantity,
		idempotencyKey: req.IdempotencyKey,
		apply: func(cur Balance, q int64) (Balance, int64, Detail, error) {
			next, err := applyRevoke(cur, q)
			return next, q, RevokeDetail{Reason: req.Reason, AuthorizedBy: req.Caller.ID}, err
		},
	})
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// GetBalance returns the balance, creating a zero row on first access.
func (s *Service) GetBalance(ctx context.Context, caller Caller, key AccountKey) (Balance, error) {
	if key.AccountID == "" || key.TenantID == "" {
		return Balance{}, newError(CodeInvalidRequest, "account_id and tenant_id are required")
	}
	if err := AuthorizeRead(caller, key.TenantID, key.AccountID); err != nil {
		return Balance{}, err
	}
	return s.store.GetOrCreate(ctx, key)
}

func (s *Service) ListTransactions(ctx context.Context, caller Caller, filter TransactionFilter) (TransactionPage, error) {
	if err := AuthorizeRead(caller, filter.TenantID, filter.AccountID); err != nil {
		return TransactionPage{}, err
	}
	filter.Limit = pagination.ClampLimit(filter.Limit)
	return s.store.ListTransactions(ctx, filter)
}

// GetAudit returns the audit of a grant. Only franchisor admins learn that
// an audit does not exist; everyone else gets UNAUTHORIZED for missing and
// foreign audits alike.
func (s *Service) GetAudit(ctx context.Context, caller Caller, txID TransactionID) (GrantAudit, error) {
	audit, err := s.store.GetAudit(ctx, txID)
	if errors.Is(err, ErrNotFound) && caller.Role != RoleFranchisorAdmin {
		return GrantAudit{}, newError(CodeUnauthorized, "%s may not read audit %q", caller.Role, txID)
	}
	if err != nil {
		return GrantAudit{}, err
	}
	if err := AuthorizeAudit(caller, audit.TenantID); err != nil {
		return GrantAudit{}, err
	}
	return audit, nil
}

func (s *Service) ListAudits(ctx context.Context, caller Caller, tenantID TenantID, limit int) ([]GrantAudit, error) {
	if err := AuthorizeAudit(caller, tenantID); err != nil {
		return nil, err
	}
	return s.store.ListAudits(ctx, tenantID, pagination.ClampLimit(limit))
}

// =============================================================================
// EXECUTION
// =============================================================================

type applyFunc func(cur Balance, q int64) (next Balance, applied int64, detail Detail, err error)

type operation struct {
	op             TransactionType
	caller         Caller
	key            AccountKey
	quantity       decimal.Decimal
	confirm        bool
	idempotencyKey string
	bookingID      string
	apply          applyFunc
	audit          func(tx Transaction) *GrantAudit
}

func bookingOperation(op TransactionType, req BookingRequest, apply applyFunc) operation {
	return operation{
		op:             op,
		caller:         req.Caller,
		key:            AccountKey{AccountID: req.AccountID, TenantID: req.TenantID},
		quantity:       req.Quantity,
		idempotencyKey: req.IdempotencyKey,
		bookingID:      req.BookingID,
		apply:          apply,
	}
}

func (s *Service) execute(ctx context.Context, o operation) (Result, error) {
	start := time.Now()
	res, attempts, err := s.executeOnce(ctx, o)
	outcome := Outcome{
		Operation: o.op,
		Key:       o.key,
		Result:    res,
		Err:       err,
		Attempts:  attempts,
		Duration:  time.Since(start),
	}
	for _, obs := range s.observers {
		obs.Observe(ctx, outcome)
	}

	entry := s.log.WithFields(logrus.Fields{
		"operation":  o.op,
		"tenant_id":  o.key.TenantID,
		"account_id": o.key.AccountID,
		"caller_id":  o.caller.ID,
		"attempts":   attempts,
	})
	switch {
	case err == nil && res.Replayed:
		entry.WithField("transaction_id", res.Transaction.ID).Info("Replayed idempotent ledger operation")
	case err == nil:
		entry.WithFields(logrus.Fields{
			"transaction_id": res.Transaction.ID,
			"quantity":       res.Transaction.Quantity,
			"available":      res.Balance.Available(),
			"locked":         res.Balance.LockedQty,
		}).Info("Ledger operation committed")
	case IsClientError(err):
		entry.WithField("code", CodeOf(err)).Info("Ledger operation rejected")
	default:
		entry.WithError(err).Error("Ledger operation failed")
	}
	return res, err
}

func (s *Service) executeOnce(ctx context.Context, o operation) (Result, int, error) {
	if o.key.AccountID == "" || o.key.TenantID == "" {
		return Result{}, 0, newError(CodeInvalidRequest, "account_id and tenant_id are required")
	}
	source, err := Authorize(o.op, o.caller, o.key)
	if err != nil {
		return Result{}, 0, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, 0, canceledError(err)
	}

	if o.idempotencyKey != "" {
		res, ok, err := s.replay(ctx, o.op, o.key, o.idempotencyKey)
		if err != nil {
			return s.failed(ctx, o.key), 0, err
		}
		if ok {
			return res, 0, nil
		}
	}

	res, attempts, err := s.runGuarded(ctx, func() (Result, error) {
		return s.attempt(ctx, o, source)
	})
	if err != nil {
		if res.Balance.AccountID == "" {
			res = s.failed(ctx, o.key)
		}
		return Result{Balance: res.Balance}, attempts, err
	}
	return res, attempts, nil
}

// attempt runs one Validating -> Applying -> Committed pass.
func (s *Service) attempt(ctx context.Context, o operation, source Source) (Result, error) {
	tenant, err := s.lookupTenant(ctx, o.key.TenantID)
	if err != nil {
		return Result{}, err
	}
	decision := Validate(PolicyRequest{
		Operation:           o.op,
		Quantity:            o.quantity,
		ConfirmHighQuantity: o.confirm,
		Caller:              o.caller,
		Tenant:              tenant,
		DefaultThreshold:    s.threshold,
	})
	if !decision.Approved() {
		return s.failed(ctx, o.key), decision.Err()
	}
	q := o.quantity.IntPart()

	cur, err := s.store.Get(ctx, o.key)
	if err != nil {
		return Result{}, err
	}
	next, applied, detail, err := o.apply(cur, q)
	if err != nil {
		return Result{Balance: cur}, err
	}
	if !next.Valid() {
		return Result{Balance: cur}, newError(CodeInternal, "operation would leave %s in an invalid state", o.key)
	}

	now := s.now().UTC()
	next.UpdatedAt = now
	tx := Transaction{
		ID:               s.newID(),
		AccountID:        o.key.AccountID,
		TenantID:         o.key.TenantID,
		Type:             o.op,
		Source:           source,
		Quantity:         applied,
		RelatedBookingID: o.bookingID,
		IdempotencyKey:   o.idempotencyKey,
		ActorID:          o.caller.ID,
		Detail:           detail,
		AvailableAfter:   next.Available(),
		LockedAfter:      next.LockedQty,
		CreatedAt:        now,
	}
	var audit *GrantAudit
	if o.audit != nil {
		audit = o.audit(tx)
	}

	committed, err := s.commitUnit(ctx, cur, next, tx, audit)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		res, ok, rerr := s.replay(ctx, o.op, o.key, o.idempotencyKey)
		if rerr != nil {
			return Result{Balance: cur}, rerr
		}
		if ok {
			return res, nil
		}
	}
	if err != nil {
		return Result{Balance: cur}, err
	}
	return Result{Balance: committed, Transaction: &tx, Audit: audit}, nil
}

func (s *Service) lookupTenant(ctx context.Context, id TenantID) (*TenantConfig, error) {
	if s.tenants == nil {
		return nil, nil
	}
	return s.tenants.Tenant(ctx, id)
}

// failed reads the current balance for an error response. Read errors are
// ignored; the caller already has the real error.
func (s *Service) failed(ctx context.Context, key AccountKey) Result {
	bal, err := s.store.Get(ctx, key)
	if err != nil {
		return Result{Balance: NewBalance(key)}
	}
	return Result{Balance: bal}
}

// =============================================================================
// BALANCE TRANSITIONS - Pure functions
// =============================================================================

func applyGrant(cur Balance, q int64) (Balance, error) {
	if cur.TotalPurchased > math.MaxInt64-q {
		return cur, newError(CodeInvalidQuantity, "grant of %d would overflow the balance", q)
	}
	next := cur
	next.TotalPurchased += q
	return next, nil
}

func applyConsume(cur Balance, q int64) (Balance, error) {
	if cur.Available() < q {
		return cur, &InsufficientBalanceError{Key: cur.Key(), Operation: TxConsume, Available: cur.Available(), Requested: q}
	}
	next := cur
	next.TotalConsumed += q
	return next, nil
}

func applyLock(cur Balance, q int64) (Balance, error) {
	if cur.Available() < q {
		return cur, &InsufficientBalanceError{Key: cur.Key(), Operation: TxLock, Available: cur.Available(), Requested: q}
	}
	next := cur
	next.LockedQty += q
	return next, nil
}

func applyUnlock(cur Balance, q int64) (Balance, int64) {
	unlocked := min(q, cur.LockedQty)
	next := cur
	next.LockedQty -= unlocked
	return next, unlocked
}

func applyRefund(cur Balance, q int64) (Balance, int64) {
	refunded := min(q, cur.TotalConsumed)
	next := cur
	next.TotalConsumed -= refunded
	return next, refunded
}

func applyRevoke(cur Balance, q int64) (Balance, error) {
	if cur.Available() < q {
		return cur, &InsufficientBalanceError{Key: cur.Key(), Operation: TxRevoke, Available: cur.Available(), Requested: q}
	}
	next := cur
	next.TotalPurchased -= q
	return next, nil
}
