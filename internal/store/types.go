// Package store holds the parameter types shared by the Postgres and in-memory
// row stores.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"rafeq/internal/domain"
)

// ErrConflict is returned when a unique constraint rejects an insert that the
// caller expected to succeed.
var ErrConflict = errors.New("store: conflict")

// EventCompletion records the outcome of a processing attempt.
type EventCompletion struct {
	ID                string
	Status            domain.EventStatus
	Result            json.RawMessage
	RelatedEntityID   string
	RelatedEntityType string
	Now               time.Time
}

// EventFailure increments attempts and records the error.
type EventFailure struct {
	ID     string
	Status domain.EventStatus // retry_pending or failed
	Error  string
	Now    time.Time
}

// OrphanLink attaches events that arrived before their store was authorized.
type OrphanLink struct {
	Provider   domain.Provider
	MerchantID string
	TenantID   string
	StoreID    string
	Now        time.Time
}

// SendFilter selects pending scheduled sends of one tenant.
//
// A non-empty SequenceGroupKey narrows the match to that group, further restricted
// to ReferenceID when both are set. Otherwise a record matches on ReferenceID, or on
// Phone as a fallback: when the filter carries a reference, Phone only reaches
// records without one or records of a different ReferenceType (cart reminders
// matched by an order event). TemplateIDs, when set, restricts the result to those
// templates. An empty filter matches nothing.
type SendFilter struct {
	TenantID         string
	ReferenceID      string
	ReferenceType    string
	SequenceGroupKey string
	Phone            string
	TemplateIDs      []string
}

func (f SendFilter) Empty() bool {
	return f.ReferenceID == "" && f.SequenceGroupKey == "" && f.Phone == ""
}

// Match reports whether s satisfies the filter, status aside.
func (f SendFilter) Match(s domain.ScheduledTemplateSend) bool {
	if f.Empty() || s.TenantID != f.TenantID {
		return false
	}
	if len(f.TemplateIDs) > 0 && !contains(f.TemplateIDs, s.TemplateID) {
		return false
	}
	if f.SequenceGroupKey != "" {
		return s.SequenceGroupKey == f.SequenceGroupKey && (f.ReferenceID == "" || s.ReferenceID == f.ReferenceID)
	}
	if f.ReferenceID != "" && s.ReferenceID == f.ReferenceID {
		return true
	}
	return f.Phone != "" && s.CustomerPhone == f.Phone && f.phoneReaches(s)
}

func (f SendFilter) phoneReaches(s domain.ScheduledTemplateSend) bool {
	if f.ReferenceID == "" || s.ReferenceID == "" {
		return true
	}
	return f.ReferenceType != "" && s.ReferenceType != f.ReferenceType
}

// SendKey identifies the tuple that may have at most one active send.
type SendKey struct {
	TenantID    string
	TemplateID  string
	Phone       string
	ReferenceID string
}

func KeyOf(s domain.ScheduledTemplateSend) SendKey {
	return SendKey{TenantID: s.TenantID, TemplateID: s.TemplateID, Phone: s.CustomerPhone, ReferenceID: s.ReferenceID}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
