package domain

// OrderStatus is the canonical order lifecycle stage stored on projections.
type OrderStatus string

const (
	OrderCreated        OrderStatus = "created"
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
	OrderUnderReview    OrderStatus = "under_review"
	OrderProcessing     OrderStatus = "processing"
	OrderCompleted      OrderStatus = "completed"
	OrderShipped        OrderStatus = "shipped"
	OrderDelivering     OrderStatus = "delivering"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
	OrderRefunded       OrderStatus = "refunded"
	OrderRestoring      OrderStatus = "restoring"
)

// OrderStatuses lists every canonical status.
var OrderStatuses = []OrderStatus{
	OrderCreated, OrderPendingPayment, OrderPaid, OrderUnderReview, OrderProcessing, OrderCompleted,
	OrderShipped, OrderDelivering, OrderDelivered, OrderCancelled, OrderRefunded, OrderRestoring,
}

func (s OrderStatus) Valid() bool {
	for _, v := range OrderStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// TriggerPrefix prefixes status-change notification triggers, e.g. "order.status.paid".
const TriggerPrefix = "order.status."

// StatusTrigger returns the notification trigger id for a status.
func StatusTrigger(s OrderStatus) string {
	return TriggerPrefix + string(s)
}
