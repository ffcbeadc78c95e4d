/*
Package events forwards committed changes to a message broker.

PURPOSE:
  Other processes (a reporting job, a second UI) can follow the ledger
  without polling. The relay subscribes to budget.AllScope() and publishes
  one ChangeMessage per committed write.

DELIVERY:
  At most once. A failed publish is logged and skipped; it never reaches
  the command that produced the change. The synthetic "current" event of a
  new subscription is not published.

SEE ALSO:
  - budget/notifier.go: Event source
  - amqp.go: RabbitMQ publisher
*/
package events

import (
	"context"
	"fmt"

	"github.com/warp/cycle-ledger/budget"
	"github.com/warp/cycle-ledger/log"
)

// Publisher sends one message body under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Relay copies notifier events to a Publisher.
type Relay struct {
	notifier  *budget.Notifier
	publisher Publisher
	logger    *log.Logger
}

func NewRelay(notifier *budget.Notifier, publisher Publisher, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Nop()
	}
	return &Relay{
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentRelay),
	}
}

// Run relays until ctx is done or the notifier closes.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.notifier.Subscribe(budget.AllScope())
	if err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	defer sub.Close()

	r.logger.InfoContext(ctx, "change relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "change relay stopped", "reason", ctx.Err())
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				r.logger.InfoContext(ctx, "change relay stopped", "reason", "notifier closed")
				return nil
			}
			if ev.Kind != budget.EventChanged {
				continue
			}
			r.forward(ctx, ev)
		}
	}
}

func (r *Relay) forward(ctx context.Context, ev budget.Event) {
	msg := NewChangeMessage(ev)
	body, err := msg.ToJSON()
	if err != nil {
		r.logger.Failure(ctx, "encode change", err, log.FieldOperation, log.OpPublish)
		return
	}
	if err := r.publisher.Publish(ctx, msg.RoutingKey(), body); err != nil {
		r.logger.Failure(ctx, "publish change", err,
			log.FieldOperation, log.OpPublish,
			log.FieldCycleID, msg.CycleID,
			log.FieldSeq, msg.Seq)
		return
	}
	r.logger.DebugContext(ctx, "change published",
		log.FieldOperation, log.OpPublish,
		"kind", msg.Kind,
		log.FieldCycleID, msg.CycleID,
		log.FieldSeq, msg.Seq)
}
