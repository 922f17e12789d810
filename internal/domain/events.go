package domain

import "strings"

// EventType is a provider event name after provider-specific aliases are resolved.
type EventType string

const (
	EventOrderCreated         EventType = "order.created"
	EventOrderUpdated         EventType = "order.updated"
	EventOrderStatusUpdated   EventType = "order.status.updated"
	EventOrderPaymentUpdated  EventType = "order.payment.updated"
	EventOrderCancelled       EventType = "order.cancelled"
	EventOrderRefunded        EventType = "order.refunded"
	EventOrderDeleted         EventType = "order.deleted"
	EventOrderShipmentCreated EventType = "order.shipment.created"
	EventShipmentCreated      EventType = "shipment.created"
	EventCustomerCreated      EventType = "customer.created"
	EventCustomerUpdated      EventType = "customer.updated"
	EventCustomerLogin        EventType = "customer.login"
	EventAbandonedCart        EventType = "abandoned.cart"
	EventAppStoreAuthorize    EventType = "app.store.authorize"
	EventAppInstalled         EventType = "app.installed"
	EventAppUninstalled       EventType = "app.uninstalled"
)

// Priority orders queue jobs; 1 is served first.
type Priority int

const (
	PriorityFinancial     Priority = 1
	PriorityCustomer      Priority = 2
	PriorityStatus        Priority = 3
	PriorityInformational Priority = 4
)

var eventPriorities = map[EventType]Priority{
	EventOrderCreated:         PriorityFinancial,
	EventOrderPaymentUpdated:  PriorityFinancial,
	EventOrderCancelled:       PriorityFinancial,
	EventOrderRefunded:        PriorityFinancial,
	EventCustomerCreated:      PriorityCustomer,
	EventCustomerUpdated:      PriorityCustomer,
	EventAbandonedCart:        PriorityCustomer,
	EventOrderUpdated:         PriorityStatus,
	EventOrderStatusUpdated:   PriorityStatus,
	EventOrderShipmentCreated: PriorityStatus,
	EventShipmentCreated:      PriorityStatus,
	EventOrderDeleted:         PriorityStatus,
}

// PriorityFor returns the queue priority of an event type. Unknown and app lifecycle
// events are informational.
func PriorityFor(t EventType) Priority {
	if p, ok := eventPriorities[t]; ok {
		return p
	}
	return PriorityInformational
}

// ParseEventType trims and lowercases a raw event name.
func ParseEventType(raw string) EventType {
	return EventType(strings.ToLower(strings.TrimSpace(raw)))
}
