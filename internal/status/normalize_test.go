package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafeq/internal/domain"
)

func TestSlugTableRoundTrips(t *testing.T) {
	for slug, want := range slugTable {
		t.Run(slug, func(t *testing.T) {
			res := Normalize(Text(slug))
			assert.True(t, res.Matched)
			assert.Equal(t, RuleSlug, res.Rule)
			assert.Equal(t, want, res.Status)
			assert.Equal(t, domain.StatusTrigger(want), res.Trigger)
		})
	}
}

func TestSlugMatchIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, domain.OrderUnderReview, Normalize(Text("  Under_Review ")).Status)
	assert.Equal(t, domain.OrderDelivering, Normalize(Text("Out-For-Delivery")).Status)
	assert.Equal(t, domain.OrderCancelled, Normalize(Text("CANCELED")).Status)
}

func TestArabicSubstringRules(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.OrderStatus
	}{
		{"بانتظار الدفع", domain.OrderPendingPayment},
		{"في انتظار الدفع", domain.OrderPendingPayment},
		{"غير مدفوع", domain.OrderPendingPayment},
		{"تم الدفع", domain.OrderPaid},
		{"مدفوع", domain.OrderPaid},
		{"قيد المراجعة", domain.OrderUnderReview},
		{"قيد التنفيذ", domain.OrderProcessing},
		{"تم التنفيذ", domain.OrderCompleted},
		{"مكتمل", domain.OrderCompleted},
		{"تم الشحن", domain.OrderShipped},
		{"جاري التوصيل", domain.OrderDelivering},
		{"تم التوصيل", domain.OrderDelivered},
		{"ملغي", domain.OrderCancelled},
		{"تم الإلغاء", domain.OrderCancelled},
		{"مسترجع", domain.OrderRefunded},
		{"جاري الاسترجاع", domain.OrderRestoring},
		{"طلب جديد", domain.OrderCreated},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res := Normalize(Text(tt.raw))
			require.True(t, res.Matched, "expected %q to match", tt.raw)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestPaidNeverClassifiesAsAwaitingPayment(t *testing.T) {
	// "الدفع" (awaiting payment token) is a substring of "تم الدفع" (paid).
	for _, raw := range []string{"تم الدفع", "الطلب: تم الدفع بنجاح", "تم الدفع - بانتظار الشحن"} {
		res := Normalize(Text(raw))
		assert.Equal(t, domain.OrderPaid, res.Status, raw)
		assert.NotEqual(t, domain.OrderPendingPayment, res.Status, raw)
	}
}

func TestPaymentConfirmationPhrasesClassifyAsPaid(t *testing.T) {
	for _, raw := range []string{"تم استلام الدفع", "تم تأكيد الدفع", "تم تاكيد الدفع", "اكتمال الدفع", "تم السداد"} {
		assert.Equal(t, domain.OrderPaid, Normalize(Text(raw)).Status, raw)
	}
	for _, raw := range []string{"بانتظار تأكيد الدفع", "في انتظار استلام الدفع", "لم يتم استلام الدفع", "الدفع"} {
		assert.Equal(t, domain.OrderPendingPayment, Normalize(Text(raw)).Status, raw)
	}
}

func TestPersianLettersAndPresentationForms(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.OrderStatus
	}{
		{"ملغی", domain.OrderCancelled},
		{"\uFE97\uFEE2 \uFE8D\uFEDF\uFEAA\uFED3\uFECA", domain.OrderPaid}, // presentation forms of "تم الدفع"
		{"جاري الشحن", domain.OrderShipped},
		{"مکتمل", domain.OrderCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res := Normalize(Text(tt.raw))
			assert.True(t, res.Matched)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestNumericCodesUseDefault(t *testing.T) {
	// Numeric status ids are merchant-specific; only their names are classified.
	for _, n := range []float64{1, 2, 566146469} {
		res := Normalize(Number(n))
		assert.False(t, res.Matched)
		assert.Equal(t, DefaultStatus, res.Status)
	}
}

func TestCompletedPrecedesBareExecuted(t *testing.T) {
	assert.Equal(t, domain.OrderCompleted, Normalize(Text("تم التنفيذ")).Status)
	assert.Equal(t, domain.OrderProcessing, Normalize(Text("تنفيذ")).Status)
}

func TestUnicodeRepresentationsNormalizeIdentically(t *testing.T) {
	const zwj = "\u200d"
	tests := []struct {
		name string
		a, b string
	}{
		{"composed vs decomposed hamza", "تم ال\u0625لغاء", "تم ال\u0627\u0655لغاء"},
		{"zero-width joiner", "مدفوع", "مد" + zwj + "فوع"},
		{"diacritics", "مدفوع", "مَدْفُوع"},
		{"tatweel", "مكتمل", "مكـــتمل"},
		{"bidi marks", "تم الشحن", "\u200fتم الشحن\u200e"},
		{"alif maqsura", "ملغي", "ملغى"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ra := Normalize(Text(tt.a))
			rb := Normalize(Text(tt.b))
			require.True(t, ra.Matched)
			require.True(t, rb.Matched)
			assert.Equal(t, ra.Status, rb.Status)
			assert.Equal(t, ra.Trigger, rb.Trigger)
		})
	}
}

func TestLetterNormalizationFallback(t *testing.T) {
	// Wrong hamza carrier: no substring rule matches the cleaned text.
	res := Normalize(Text("تم الأسترجاع"))
	assert.True(t, res.Matched)
	assert.Equal(t, RuleNormalized, res.Rule)
	assert.Equal(t, domain.OrderRefunded, res.Status)

	res = Normalize(Text("جاهز للشحن"))
	assert.Equal(t, RuleNormalized, res.Rule)
	assert.Equal(t, domain.OrderProcessing, res.Status)
}

func TestUnrecognizedDefaultsToProcessing(t *testing.T) {
	res := Normalize(Text("zzz-unknown"))
	assert.False(t, res.Matched)
	assert.Equal(t, RuleDefault, res.Rule)
	assert.Equal(t, domain.OrderProcessing, res.Status)

	res = Normalize(Number(42))
	assert.False(t, res.Matched)
	assert.Equal(t, domain.OrderProcessing, res.Status)

	res = Normalize(RawStatus{})
	assert.Equal(t, domain.OrderProcessing, res.Status)

	// The logging wrapper never panics on odd input.
	n := &Normalizer{}
	assert.Equal(t, domain.OrderProcessing, n.Normalize(Text("\u200b\u200b")).Status)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	raw := RawStatus{Kind: RawStructured, Slug: "in_progress", Name: "قيد التنفيذ", CustomSlug: "under_review", CustomName: "قيد المراجعة"}
	first := Normalize(raw)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Normalize(raw))
	}
}

func TestCanonicalAndTriggerExtractionDiverge(t *testing.T) {
	raw := RawStatus{
		Kind:       RawStructured,
		Slug:       "in_progress",
		Name:       "قيد التنفيذ",
		CustomSlug: "under_review",
		CustomName: "قيد المراجعة",
	}
	assert.Equal(t, "in_progress", raw.CanonicalText())
	assert.Equal(t, "under_review", raw.TriggerText())

	res := Normalize(raw)
	assert.Equal(t, domain.OrderProcessing, res.Status)
	assert.Equal(t, "order.status.under_review", res.Trigger)
}

func TestExtractionPriorities(t *testing.T) {
	onlyNames := RawStatus{Kind: RawStructured, Name: "قيد التنفيذ", CustomName: "تم الشحن"}
	assert.Equal(t, "قيد التنفيذ", onlyNames.CanonicalText())
	assert.Equal(t, "تم الشحن", onlyNames.TriggerText())

	customSlugOnly := RawStatus{Kind: RawStructured, CustomSlug: "paid", Name: "مدفوع"}
	assert.Equal(t, "paid", customSlugOnly.CanonicalText())
	assert.Equal(t, "paid", customSlugOnly.TriggerText())
}

func TestParseRaw(t *testing.T) {
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"a": "تم الدفع",
		"b": 7,
		"c": {"id": 1, "name": "قيد التنفيذ", "slug": "in_progress", "customized": {"name": "جاهز", "slug": "ready"}},
		"d": null,
		"e": {"id": 3}
	}`), &decoded))

	assert.Equal(t, RawText, ParseRaw(decoded["a"]).Kind)
	assert.Equal(t, RawNumber, ParseRaw(decoded["b"]).Kind)
	assert.Equal(t, "7", ParseRaw(decoded["b"]).CanonicalText())

	c := ParseRaw(decoded["c"])
	assert.Equal(t, RawStructured, c.Kind)
	assert.Equal(t, "in_progress", c.Slug)
	assert.Equal(t, "ready", c.CustomSlug)
	assert.Equal(t, "جاهز", c.CustomName)

	assert.Equal(t, RawEmpty, ParseRaw(decoded["d"]).Kind)
	assert.Equal(t, RawEmpty, ParseRaw(decoded["e"]).Kind)
	assert.Equal(t, RawEmpty, ParseRaw("   ").Kind)
}

func TestCodepoints(t *testing.T) {
	assert.Equal(t, "U+0645 U+200D", Codepoints("م\u200d"))
}
