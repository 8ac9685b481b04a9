/*
replay.go - Rebuild balances from the transaction ledger

PURPOSE:
  The ledger is the source of truth; a Balance row is a projection of it.
  Replay folds transactions (oldest first) into totals so a stored balance
  can be checked against its history.

  Transaction quantities are the amounts actually applied, so clamped
  UNLOCK and REFUND entries replay exactly.

SEE ALSO:
  - api/reconciler.go: Periodic drift detection
*/
package credit

import (
	"fmt"
	"sort"
)

// Replay folds txs into balances per account. Order of the input does not
// matter; entries are applied by CreatedAt then ID. Version and UpdatedAt
// are left zero.
func Replay(txs []Transaction) map[AccountKey]Balance {
	sorted := make([]Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make(map[AccountKey]Balance)
	for _, tx := range sorted {
		key := tx.Key()
		b, ok := out[key]
		if !ok {
			b = NewBalance(key)
		}
		out[key] = applyRecorded(b, tx)
	}
	return out
}

func applyRecorded(b Balance, tx Transaction) Balance {
	switch tx.Type {
	case TxGrant:
		b.TotalPurchased += tx.Quantity
	case TxConsume:
		b.TotalConsumed += tx.Quantity
	case TxLock:
		b.LockedQty += tx.Quantity
	case TxUnlock:
		b.LockedQty -= tx.Quantity
	case TxRefund:
		b.TotalConsumed -= tx.Quantity
	case TxRevoke:
		b.TotalPurchased -= tx.Quantity
	}
	return b
}

// Drift describes a stored balance that disagrees with its replay.
type Drift struct {
	Key      AccountKey
	Stored   Balance
	Replayed Balance
}

func (d Drift) String() string {
	return fmt.Sprintf("%s: stored purchased=%d consumed=%d locked=%d, ledger purchased=%d consumed=%d locked=%d",
		d.Key,
		d.Stored.TotalPurchased, d.Stored.TotalConsumed, d.Stored.LockedQty,
		d.Replayed.TotalPurchased, d.Replayed.TotalConsumed, d.Replayed.LockedQty)
}

// CompareBalance returns the drift between stored and the replay of its
// transactions, or nil when they agree.
func CompareBalance(stored Balance, txs []Transaction) *Drift {
	replayed, ok := Replay(txs)[stored.Key()]
	if !ok {
		replayed = NewBalance(stored.Key())
	}
	if replayed.TotalPurchased == stored.TotalPurchased &&
		replayed.TotalConsumed == stored.TotalConsumed &&
		replayed.LockedQty == stored.LockedQty {
		return nil
	}
	return &Drift{Key: stored.Key(), Stored: stored, Replayed: replayed}
}
