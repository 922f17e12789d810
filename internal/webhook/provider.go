package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"rafeq/internal/domain"
)

// Provider describes how one platform signs and shapes its webhooks.
type Provider struct {
	Name            domain.Provider
	Secret          string
	SignatureHeader string
	DeliveryHeader  string
	// Aliases maps provider-specific event names onto shared event types.
	Aliases map[string]domain.EventType
}

func Salla(secret string) Provider {
	return Provider{
		Name:            domain.ProviderSalla,
		Secret:          secret,
		SignatureHeader: "X-Salla-Signature",
		DeliveryHeader:  "X-Salla-Delivery-Id",
		Aliases: map[string]domain.EventType{
			"order.shipment.creating": domain.EventOrderShipmentCreated,
			"abandoned.cart.created":  domain.EventAbandonedCart,
		},
	}
}

func Zid(secret string) Provider {
	return Provider{
		Name:            domain.ProviderZid,
		Secret:          secret,
		SignatureHeader: "X-Zid-Signature",
		DeliveryHeader:  "X-Zid-Delivery-Id",
		Aliases: map[string]domain.EventType{
			"order.create":                domain.EventOrderCreated,
			"order.update":                domain.EventOrderUpdated,
			"order.status.update":         domain.EventOrderStatusUpdated,
			"order.payment_status.update": domain.EventOrderPaymentUpdated,
			"order.cancel":                domain.EventOrderCancelled,
			"order.refund":                domain.EventOrderRefunded,
			"order.delete":                domain.EventOrderDeleted,
			"customer.create":             domain.EventCustomerCreated,
			"customer.update":             domain.EventCustomerUpdated,
			"customer.login":              domain.EventCustomerLogin,
			"abandoned_cart.created":      domain.EventAbandonedCart,
			"abandoned_cart.reminder":     domain.EventAbandonedCart,
			"app.authorize":               domain.EventAppStoreAuthorize,
			"app.install":                 domain.EventAppInstalled,
			"app.uninstall":               domain.EventAppUninstalled,
		},
	}
}

func (p Provider) eventType(raw string) domain.EventType {
	t := domain.ParseEventType(raw)
	if alias, ok := p.Aliases[string(t)]; ok {
		return alias
	}
	return t
}

// Envelope is the part of a webhook body the gateway needs before processing.
type Envelope struct {
	Event      domain.EventType
	MerchantID string
	CreatedAt  string
	ExternalID string
	Data       json.RawMessage
}

// idempotencyDataPrefix bounds how much of the data payload feeds the key.
const idempotencyDataPrefix = 512

// IdempotencyKey fingerprints the delivery: sha256 of event type, merchant,
// created_at and the leading bytes of data, joined by "|".
func (e Envelope) IdempotencyKey() string {
	data := e.Data
	if len(data) > idempotencyDataPrefix {
		data = data[:idempotencyDataPrefix]
	}
	h := sha256.New()
	h.Write([]byte(string(e.Event)))
	h.Write([]byte{'|'})
	h.Write([]byte(e.MerchantID))
	h.Write([]byte{'|'})
	h.Write([]byte(e.CreatedAt))
	h.Write([]byte{'|'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ParseEnvelope decodes {event, merchant, created_at, data} and its near variants.
func (p Provider) ParseEnvelope(body []byte) (Envelope, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		return Envelope{}, false
	}
	rawEvent := firstString(top, "event", "event_type", "type")
	if rawEvent == "" {
		return Envelope{}, false
	}

	env := Envelope{
		Event:     p.eventType(rawEvent),
		CreatedAt: firstString(top, "created_at", "createdAt", "timestamp"),
		Data:      bytes.TrimSpace(top["data"]),
	}
	var data map[string]json.RawMessage
	if len(env.Data) > 0 && env.Data[0] == '{' {
		_ = json.Unmarshal(env.Data, &data)
	}
	env.MerchantID = resolveMerchant(top, data)
	env.ExternalID = idOf(data["id"])
	return env, true
}

// resolveMerchant probes the shapes providers use for the merchant identifier:
// merchant as number, string or {id}, merchant_id, store_id, store {id}, and
// data.store.id.
func resolveMerchant(top, data map[string]json.RawMessage) string {
	for _, k := range []string{"merchant", "merchant_id", "store_id", "store"} {
		if id := idOf(top[k]); id != "" {
			return id
		}
	}
	if data != nil {
		if id := idOf(data["store"]); id != "" {
			return id
		}
		if id := idOf(data["merchant"]); id != "" {
			return id
		}
	}
	return ""
}

// idOf reads a scalar id or the id field of an object.
func idOf(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		return scalar(obj["id"])
	default:
		return scalar(raw)
	}
}

func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}

func firstString(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if s := scalar(m[k]); s != "" {
			return s
		}
	}
	return ""
}
