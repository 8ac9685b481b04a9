/*
reconciler.go - Periodic ledger reconciliation

PURPOSE:
  Periodically replays every account's transactions and compares the result
  with the stored balance row. Any disagreement means a write bypassed the
  ledger and is logged as drift. Nothing is repaired automatically.

CONSISTENCY:
  Balances and history are read without a shared snapshot. An account is
  compared only when its balance version is the same before and after its
  history was read; otherwise the pass rereads it, and an account still
  moving after maxStableReads attempts is skipped until the next run.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Reports each run to an optional recorder (Prometheus)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether the reconciler is active (default: true)

USAGE:
  rec := NewReconciler(store, log)
  rec.Start()
  // ... later
  rec.Stop()

SEE ALSO:
  - credit/replay.go: Replay and CompareBalance
  - metrics/metrics.go: RecordReconcile
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/pagination"
)

// maxStableReads bounds how often one account is reread while it is written.
const maxStableReads = 3

// ReconcileStore is the read side the reconciler needs.
type ReconcileStore interface {
	ListBalances(ctx context.Context) ([]credit.Balance, error)
	Get(ctx context.Context, key credit.AccountKey) (credit.Balance, error)
	ListTransactions(ctx context.Context, filter credit.TransactionFilter) (credit.TransactionPage, error)
}

// ReconcileRecorder receives the outcome of every run.
type ReconcileRecorder interface {
	RecordReconcile(drifted int, err error)
}

// Reconciler handles periodic balance verification.
type Reconciler struct {
	Store         ReconcileStore
	Recorder      ReconcileRecorder
	Log           logrus.FieldLogger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciler creates a new reconciler.
func NewReconciler(store ReconcileStore, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		Store:         store,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the reconciler.
func (rc *Reconciler) Start() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.Enabled {
		rc.Log.Info("[Reconciler] Disabled, not starting")
		return
	}
	if rc.ticker != nil {
		return
	}

	rc.ticker = time.NewTicker(rc.CheckInterval)
	rc.stop = make(chan bool)
	rc.wg.Add(1)

	go rc.run(rc.ticker, rc.stop)

	rc.Log.WithField("interval", rc.CheckInterval.String()).Info("[Reconciler] Started")
}

// Stop stops the reconciler and waits for a running pass to finish.
func (rc *Reconciler) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.ticker != nil {
		rc.ticker.Stop()
		close(rc.stop)
		rc.wg.Wait()
		rc.ticker = nil
		rc.Log.Info("[Reconciler] Stopped")
	}
}

func (rc *Reconciler) run(ticker *time.Ticker, stop chan bool) {
	defer rc.wg.Done()

	// Run immediately on start
	rc.checkAndReport()

	for {
		select {
		case <-ticker.C:
			rc.checkAndReport()
		case <-stop:
			return
		}
	}
}

func (rc *Reconciler) checkAndReport() {
	drifts, err := rc.RunOnce(context.Background())
	if rc.Recorder != nil {
		rc.Recorder.RecordReconcile(len(drifts), err)
	}
	if err != nil {
		rc.Log.WithError(err).Error("[Reconciler] Run failed")
	}
}

// RunOnce compares every stored balance with its replayed ledger and
// returns the accounts that disagree.
func (rc *Reconciler) RunOnce(ctx context.Context) ([]credit.Drift, error) {
	balances, err := rc.Store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}

	var drifts []credit.Drift
	skipped := 0
	for _, listed := range balances {
		bal, txs, stable, err := rc.stableRead(ctx, listed)
		if err != nil {
			return drifts, err
		}
		if !stable {
			skipped++
			rc.Log.WithFields(logrus.Fields{
				"tenant_id":  listed.TenantID,
				"account_id": listed.AccountID,
			}).Debug("[Reconciler] Account busy, skipped")
			continue
		}
		d := credit.CompareBalance(bal, txs)
		if d == nil {
			continue
		}
		drifts = append(drifts, *d)
		rc.Log.WithFields(logrus.Fields{
			"tenant_id":  bal.TenantID,
			"account_id": bal.AccountID,
		}).Warn("[Reconciler] Balance drift: " + d.String())
	}

	rc.Log.WithFields(logrus.Fields{
		"balances": len(balances),
		"drifted":  len(drifts),
		"skipped":  skipped,
	}).Info("[Reconciler] Completed")
	return drifts, nil
}

// stableRead returns a balance together with the history that produced it.
// The history is trusted only if no commit touched the account while it was
// being read, which the unchanged version proves.
func (rc *Reconciler) stableRead(ctx context.Context, bal credit.Balance) (credit.Balance, []credit.Transaction, bool, error) {
	key := bal.Key()
	for i := 0; i < maxStableReads; i++ {
		txs, err := rc.accountHistory(ctx, key)
		if err != nil {
			return bal, nil, false, fmt.Errorf("failed to load history of %s: %w", key, err)
		}
		after, err := rc.Store.Get(ctx, key)
		if err != nil {
			return bal, nil, false, fmt.Errorf("failed to reload balance of %s: %w", key, err)
		}
		if after.Version == bal.Version {
			return bal, txs, true, nil
		}
		bal = after
	}
	return bal, nil, false, nil
}

func (rc *Reconciler) accountHistory(ctx context.Context, key credit.AccountKey) ([]credit.Transaction, error) {
	filter := credit.TransactionFilter{
		TenantID:  key.TenantID,
		AccountID: key.AccountID,
		Limit:     pagination.MaxLimit,
	}
	var all []credit.Transaction
	for {
		page, err := rc.Store.ListTransactions(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Transactions...)
		if page.Next == nil {
			return all, nil
		}
		filter.After = page.Next
	}
}
