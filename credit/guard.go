/*
guard.go - Atomicity and idempotency guard

PURPOSE:
  Turns one operation attempt into an all-or-nothing unit and retries the
  whole attempt when the optimistic balance check fails.

ATOMIC UNIT:
  Inside TxStore.WithTx, in this order:
    1. Commit the new balance (conditioned on the version that was read)
    2. Append the transaction
    3. Append the grant audit, if any
  Any error rolls back every write of the unit. The unit runs on a context
  that ignores caller cancellation: once it begins it always ends in a
  commit or a full rollback.

RETRY:
  CONFLICT is the only retryable error. The retry policy re-runs the full
  authorize -> validate -> read -> apply -> commit cycle with a bounded
  number of retries and jittered backoff. When retries run out the caller
  gets CONFLICT, which it should treat as transient.

IDEMPOTENCY:
  A caller-supplied key is looked up before the first attempt. If the
  append itself collides (two concurrent requests with the same key), the
  losing unit rolls back and resolves to the stored transaction.

SEE ALSO:
  - ledger.go: Builds attempts
  - store.go: WithTx contract
*/
package credit

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// =============================================================================
// RETRY CONFIG
// =============================================================================

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   200 * time.Millisecond,
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

func newConflictPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[Result] {
	cfg = normalizeRetryConfig(cfg)
	return retrypolicy.NewBuilder[Result]().
		HandleIf(func(_ Result, err error) bool { return IsRetryable(err) }).
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()
}

// =============================================================================
// GUARDED EXECUTION
// =============================================================================

// runGuarded executes attempt under the conflict retry policy and returns
// the number of attempts made.
func (s *Service) runGuarded(ctx context.Context, attempt func() (Result, error)) (Result, int, error) {
	attempts := 0
	res, err := failsafe.With(s.conflictPolicy).WithContext(ctx).Get(func() (Result, error) {
		attempts++
		return attempt()
	})
	switch {
	case err == nil:
	case isContextError(err):
		err = canceledError(err)
	case IsRetryable(err) && ctx.Err() != nil:
		// Canceled while waiting out a backoff.
		err = canceledError(ctx.Err())
	case IsRetryable(err):
		err = &Error{Code: CodeConflict, Message: "retries exhausted, try again", Err: err}
	}
	return res, attempts, err
}

// commitUnit writes balance, transaction and audit as one unit.
func (s *Service) commitUnit(ctx context.Context, prev, next Balance, tx Transaction, audit *GrantAudit) (Balance, error) {
	unitCtx := context.WithoutCancel(ctx)
	var committed Balance
	err := s.store.WithTx(unitCtx, func(st Store) error {
		b, err := st.Commit(unitCtx, prev, next)
		if err != nil {
			return err
		}
		if err := st.Append(unitCtx, tx); err != nil {
			return err
		}
		if audit != nil {
			if err := st.AppendAudit(unitCtx, *audit); err != nil {
				return err
			}
		}
		committed = b
		return nil
	})
	return committed, err
}

// replay returns the stored outcome for an idempotency key, if any.
func (s *Service) replay(ctx context.Context, op TransactionType, key AccountKey, idempotencyKey string) (Result, bool, error) {
	tx, err := s.store.FindByIdempotencyKey(ctx, idempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if tx.Type != op || tx.Key() != key {
		return Result{}, false, newError(CodeIdempotencyKeyReused,
			"key %q belongs to %s %s on %s", idempotencyKey, tx.Type, tx.ID, tx.Key())
	}

	bal, err := s.store.Get(ctx, key)
	if err != nil {
		return Result{}, false, err
	}
	res := Result{Balance: bal, Transaction: &tx, Replayed: true}
	if tx.Type == TxGrant {
		audit, err := s.store.GetAudit(ctx, tx.ID)
		switch {
		case err == nil:
			res.Audit = &audit
		case !errors.Is(err, ErrNotFound):
			return Result{}, false, err
		}
	}
	return res, true, nil
}
