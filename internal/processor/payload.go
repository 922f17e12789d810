package processor

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"rafeq/internal/util"
)

// object is a decoded JSON object from a provider payload.
type object map[string]any

func decodePayload(raw []byte) (object, object) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return object{}, object{}
	}
	data, _ := top["data"].(map[string]any)
	return object(top), object(data)
}

func (o object) obj(key string) object {
	if o == nil {
		return nil
	}
	m, _ := o[key].(map[string]any)
	return object(m)
}

// str reads a scalar field as a string. Numbers keep their literal form.
func (o object) str(keys ...string) string {
	if o == nil {
		return ""
	}
	for _, k := range keys {
		switch v := o[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case map[string]any:
			if s := object(v).str("id"); s != "" {
				return s
			}
		}
	}
	return ""
}

func (o object) num(keys ...string) float64 {
	if o == nil {
		return 0
	}
	for _, k := range keys {
		switch v := o[k].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		case map[string]any:
			if f := object(v).num("amount", "value"); f != 0 {
				return f
			}
		}
	}
	return 0
}

// customerInfo is what the processor needs from a customer-shaped object.
type customerInfo struct {
	ExternalID string
	Name       string
	Phone      string
	Email      string
}

func parseCustomer(o object) customerInfo {
	if o == nil {
		return customerInfo{}
	}
	name := o.str("name", "full_name")
	if name == "" {
		name = strings.TrimSpace(o.str("first_name") + " " + o.str("last_name"))
	}
	phone := util.JoinPhone(o.str("mobile_code", "country_code"), o.str("mobile"))
	if phone == "" {
		phone = util.NormalizePhone(o.str("phone", "mobile_number", "telephone"))
	}
	return customerInfo{
		ExternalID: o.str("id"),
		Name:       name,
		Phone:      phone,
		Email:      o.str("email"),
	}
}

// orderInfo is the part of an order payload the projection keeps.
type orderInfo struct {
	ExternalID    string
	ReferenceID   string
	Total         float64
	Currency      string
	PaymentMethod string
}

func parseOrder(data object) orderInfo {
	amounts := data.obj("amounts")
	total := amounts.num("total")
	if total == 0 {
		total = data.num("total", "order_total", "total_price")
	}
	currency := data.str("currency", "currency_code")
	if currency == "" {
		currency = amounts.obj("total").str("currency")
	}
	return orderInfo{
		ExternalID:    data.str("id", "order_id"),
		ReferenceID:   data.str("reference_id", "code", "order_number"),
		Total:         total,
		Currency:      currency,
		PaymentMethod: data.str("payment_method"),
	}
}
