package events

import (
	"encoding/json"

	"github.com/warp/cycle-ledger/budget"
)

// Routing keys on the relay exchange.
const (
	RoutingCycleChanged       = "cycle.changed"
	RoutingTransactionChanged = "transaction.changed"
)

// ChangeMessage is the JSON body published for one committed change.
// Consumers refetch the records they care about; the message carries ids only.
type ChangeMessage struct {
	Kind            budget.ChangeKind `json:"kind"`
	CycleID         int64             `json:"cycle_id"`
	TransactionID   int64             `json:"transaction_id,omitempty"`
	PreviousCycleID int64             `json:"previous_cycle_id,omitempty"`
	Seq             uint64            `json:"seq"`
	At              int64             `json:"at"` // epoch milliseconds
}

// NewChangeMessage builds the message for a notifier event.
func NewChangeMessage(ev budget.Event) ChangeMessage {
	c := ev.Change
	return ChangeMessage{
		Kind:            c.Kind,
		CycleID:         int64(c.CycleID),
		TransactionID:   int64(c.TransactionID),
		PreviousCycleID: int64(c.PreviousCycleID),
		Seq:             ev.Seq,
		At:              c.At.UnixMilli(),
	}
}

// RoutingKey returns the routing key for the message kind.
func (m ChangeMessage) RoutingKey() string {
	if m.Kind.IsCycleChange() {
		return RoutingCycleChanged
	}
	return RoutingTransactionChanged
}

// ToJSON converts the message to JSON bytes
func (m ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes a message body.
func ChangeMessageFromJSON(data []byte) (ChangeMessage, error) {
	var msg ChangeMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}
