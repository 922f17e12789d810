package status

import (
	"encoding/json"
	"strconv"
	"strings"
)

type RawKind int

const (
	RawEmpty RawKind = iota
	RawText
	RawNumber
	RawStructured
)

// RawStatus is a provider status as it arrived: plain text, a numeric code, or an
// object carrying a system slug/name plus merchant-customized slug/name.
type RawStatus struct {
	Kind   RawKind
	Text   string
	Number float64

	Slug       string
	Name       string
	CustomSlug string
	CustomName string
}

func Text(s string) RawStatus { return RawStatus{Kind: RawText, Text: s} }

func Number(n float64) RawStatus { return RawStatus{Kind: RawNumber, Number: n} }

// ParseRaw converts a decoded JSON value into a RawStatus.
func ParseRaw(v any) RawStatus {
	switch t := v.(type) {
	case nil:
		return RawStatus{}
	case string:
		if strings.TrimSpace(t) == "" {
			return RawStatus{}
		}
		return Text(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Text(t.String())
		}
		return Number(f)
	case map[string]any:
		r := RawStatus{
			Kind: RawStructured,
			Slug: str(t["slug"]),
			Name: str(t["name"]),
		}
		if c, ok := t["customized"].(map[string]any); ok {
			r.CustomSlug = str(c["slug"])
			r.CustomName = str(c["name"])
		}
		if r.Slug == "" && r.Name == "" && r.CustomSlug == "" && r.CustomName == "" {
			return RawStatus{}
		}
		return r
	}
	return RawStatus{}
}

// CanonicalText picks the value used for the stored canonical status:
// slug, customized.slug, name, customized.name.
func (r RawStatus) CanonicalText() string {
	switch r.Kind {
	case RawText:
		return r.Text
	case RawNumber:
		return formatNumber(r.Number)
	case RawStructured:
		return firstNonEmpty(r.Slug, r.CustomSlug, r.Name, r.CustomName)
	}
	return ""
}

// TriggerText picks the value used to select the notification trigger:
// customized.slug, slug, customized.name, name. A merchant-customized label wins here
// even when the canonical status comes from the generic system slug.
func (r RawStatus) TriggerText() string {
	switch r.Kind {
	case RawText:
		return r.Text
	case RawNumber:
		return formatNumber(r.Number)
	case RawStructured:
		return firstNonEmpty(r.CustomSlug, r.Slug, r.CustomName, r.Name)
	}
	return ""
}

// String is the most descriptive text of the raw value, for logs and audit columns.
func (r RawStatus) String() string {
	if r.Kind == RawStructured {
		return firstNonEmpty(r.CustomName, r.Name, r.CustomSlug, r.Slug)
	}
	return r.CanonicalText()
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return formatNumber(t)
	case json.Number:
		return t.String()
	}
	return ""
}
