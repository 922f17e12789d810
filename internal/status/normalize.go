// Package status maps provider order statuses onto the canonical order lifecycle.
//
// Raw statuses arrive as English slugs, Arabic free text (often merchant-customized),
// numeric codes or objects exposing both a system slug and a customized label. The
// pipeline is: exact slug table, Unicode cleaning plus ordered substring rules, letter
// normalization fallback, and finally a safe default of "processing".
package status

import (
	"log/slog"

	"rafeq/internal/domain"
)

const (
	RuleSlug       = "slug"
	RuleSubstring  = "substring"
	RuleNormalized = "normalized"
	RuleDefault    = "default"
)

// DefaultStatus is used when nothing matches.
const DefaultStatus = domain.OrderProcessing

type Result struct {
	Status  domain.OrderStatus
	Trigger string
	Matched bool
	Rule    string
}

// Normalize is pure: the same raw value always yields the same result.
func Normalize(raw RawStatus) Result {
	status, rule, ok := Classify(raw.CanonicalText())
	res := Result{Status: status, Matched: ok, Rule: rule}

	trigger := status
	if t, _, tok := Classify(raw.TriggerText()); tok {
		trigger = t
	}
	res.Trigger = domain.StatusTrigger(trigger)
	return res
}

// Classify maps one text value to a canonical status. ok is false when the default
// was applied.
func Classify(text string) (domain.OrderStatus, string, bool) {
	if text == "" {
		return DefaultStatus, RuleDefault, false
	}
	if s, ok := slugTable[slugKey(text)]; ok {
		return s, RuleSlug, true
	}

	cleaned := Clean(text)
	if s, ok := slugTable[slugKey(cleaned)]; ok {
		return s, RuleSlug, true
	}
	for _, r := range substringRules {
		if r.match(cleaned) {
			return r.Status, RuleSubstring, true
		}
	}

	normalized := NormalizeLetters(text)
	if s, ok := normalizedTable[normalized]; ok {
		return s, RuleNormalized, true
	}
	for _, r := range normalizedRules {
		if r.match(normalized) {
			return r.Status, RuleNormalized, true
		}
	}
	return DefaultStatus, RuleDefault, false
}

// Normalizer wraps Normalize with logging of unrecognized values.
type Normalizer struct {
	Logger *slog.Logger
}

func (n *Normalizer) Normalize(raw RawStatus) Result {
	res := Normalize(raw)
	if !res.Matched && raw.Kind != RawEmpty {
		text := raw.CanonicalText()
		n.logger().Warn("unrecognized order status, defaulting",
			"raw", text,
			"trigger_raw", raw.TriggerText(),
			"default", string(res.Status),
			"codepoints", Codepoints(text),
		)
	}
	return res
}

func (n *Normalizer) logger() *slog.Logger {
	if n != nil && n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
