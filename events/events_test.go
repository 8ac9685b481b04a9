package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/logging"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (c *capturePublisher) Publish(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func (c *capturePublisher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func committed(id credit.TransactionID) credit.Outcome {
	tx := credit.Transaction{
		ID:               id,
		AccountID:        "student-1",
		TenantID:         "academy-1",
		Type:             credit.TxConsume,
		Source:           credit.SourceCounterparty,
		Quantity:         1,
		AvailableAfter:   1,
		RelatedBookingID: "lesson-42",
		CreatedAt:        time.Date(2025, time.June, 1, 18, 0, 0, 0, time.UTC),
	}
	return credit.Outcome{Operation: tx.Type, Key: tx.Key(), Result: credit.Result{Transaction: &tx}}
}

func TestNotifier_PublishesCommittedOnly(t *testing.T) {
	pub := &capturePublisher{}
	n := NewNotifier(pub, logging.NewDiscard(), 8)

	// GIVEN: one commit, one replay, one failure
	n.Observe(context.Background(), committed("tx-1"))
	replay := committed("tx-1")
	replay.Result.Replayed = true
	n.Observe(context.Background(), replay)
	n.Observe(context.Background(), credit.Outcome{Err: credit.ErrInsufficientBalance})

	// WHEN
	require.NoError(t, n.Close())

	// THEN
	require.Len(t, pub.events, 1)
	e := pub.events[0]
	assert.Equal(t, credit.TransactionID("tx-1"), e.EventID)
	assert.Equal(t, "lesson-42", e.BookingID)
	assert.Equal(t, int64(1), e.AvailableAfter)
	assert.True(t, pub.closed)
}

func TestNotifier_PublishErrorIsSwallowed(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	n := NewNotifier(pub, logging.NewDiscard(), 8)

	n.Observe(context.Background(), committed("tx-1"))
	n.Observe(context.Background(), committed("tx-2"))

	require.NoError(t, n.Close())
	assert.Len(t, pub.events, 2)
}

func TestNotifier_ObserveAfterCloseIsIgnored(t *testing.T) {
	pub := &capturePublisher{}
	n := NewNotifier(pub, logging.NewDiscard(), 1)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	assert.NotPanics(t, func() { n.Observe(context.Background(), committed("tx-1")) })
	assert.Empty(t, pub.events)
}
