/*
Package events publishes committed ledger changes to the notification system.

PURPOSE:
  The notification collaborator (push, email, "you have 1 credit left")
  consumes one message per committed transaction. Publishing happens after
  the atomic unit has committed and never affects the operation's outcome:
  failures are logged and dropped.

DELIVERY:
  At most once per committed transaction. Replayed idempotent calls publish
  nothing; the original call already did.

SEE ALSO:
  - amqp.go: RabbitMQ publisher
  - credit/ledger.go: Observer interface
*/
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/credit"
)

// Event is the message body for one committed transaction.
type Event struct {
	EventID        credit.TransactionID   `json:"event_id"`
	Type           credit.TransactionType `json:"type"`
	Source         credit.Source          `json:"source"`
	TenantID       credit.TenantID        `json:"tenant_id"`
	AccountID      credit.AccountID       `json:"account_id"`
	Quantity       int64                  `json:"quantity"`
	AvailableAfter int64                  `json:"available_after"`
	LockedAfter    int64                  `json:"locked_after"`
	BookingID      string                 `json:"booking_id,omitempty"`
	ActorID        string                 `json:"actor_id"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

// FromTransaction builds the event for a committed transaction.
func FromTransaction(tx credit.Transaction) Event {
	return Event{
		EventID:        tx.ID,
		Type:           tx.Type,
		Source:         tx.Source,
		TenantID:       tx.TenantID,
		AccountID:      tx.AccountID,
		Quantity:       tx.Quantity,
		AvailableAfter: tx.AvailableAfter,
		LockedAfter:    tx.LockedAfter,
		BookingID:      tx.RelatedBookingID,
		ActorID:        tx.ActorID,
		OccurredAt:     tx.CreatedAt,
	}
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }

// =============================================================================
// NOTIFIER - credit.Observer that publishes in the background
// =============================================================================

const (
	defaultBuffer  = 256
	publishTimeout = 5 * time.Second
)

// Notifier queues events from committed operations and publishes them on a
// single background goroutine, so Observe never blocks a ledger call. When
// the queue is full the event is dropped and logged.
type Notifier struct {
	pub   Publisher
	log   logrus.FieldLogger
	queue chan Event
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewNotifier(pub Publisher, log logrus.FieldLogger, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	n := &Notifier{pub: pub, log: log, queue: make(chan Event, buffer)}
	n.wg.Add(1)
	go n.run()
	return n
}

// Observe implements credit.Observer.
func (n *Notifier) Observe(_ context.Context, o credit.Outcome) {
	if o.Err != nil || o.Result.Replayed || o.Result.Transaction == nil {
		return
	}
	e := FromTransaction(*o.Result.Transaction)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.log.WithFields(logrus.Fields{
			"event_id": e.EventID,
			"type":     e.Type,
		}).Warn("[Events] Queue full, dropping event")
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for e := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := n.pub.Publish(ctx, e); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"event_id":  e.EventID,
				"type":      e.Type,
				"tenant_id": e.TenantID,
			}).Error("[Events] Publish failed")
		}
		cancel()
	}
}

// Close drains queued events and closes the publisher.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	return n.pub.Close()
}

var _ credit.Observer = (*Notifier)(nil)
