package orders

import (
	"time"

	"github.com/Panda-1024/premium-bot/libs/kafka"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
)

type OrderEvent struct {
	kafka.Envelope
	OrderID         string    `json:"order_id"`
	UserID          int64     `json:"user_id"`
	Recipient       string    `json:"recipient"`
	Duration        int       `json:"duration"`
	Amount          string    `json:"amount"`
	Status          string    `json:"status"`
	PaymentTxID     string    `json:"payment_tx_id,omitempty"`
	PaymentEvent    int       `json:"payment_event_index,omitempty"`
	FulfillmentTxID string    `json:"fulfillment_tx_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// newOrderEvent derives the event id from the order and its new status so a
// transition can be published more than once without consumers counting it
// twice.
func newOrderEvent(order *storage.Order, reason string) (OrderEvent, error) {
	eventType := "order." + order.Status
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID("order", order.ID, order.Status), eventType, 1, order.ID)
	if err != nil {
		return OrderEvent{}, err
	}
	return OrderEvent{
		Envelope:        env,
		OrderID:         order.ID,
		UserID:          order.UserID,
		Recipient:       order.Recipient,
		Duration:        order.Duration,
		Amount:          order.Amount.StringFixed(3),
		Status:          order.Status,
		PaymentTxID:     order.PaymentTxID,
		PaymentEvent:    order.PaymentEventIndex,
		FulfillmentTxID: order.FulfillmentTxID,
		Reason:          reason,
		OccurredAt:      order.UpdatedAt,
	}, nil
}
