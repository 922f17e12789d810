package status

import (
	"strings"

	"rafeq/internal/domain"
)

// slugTable holds the system slugs both providers send, keyed lowercase with
// spaces and dashes folded to underscores.
var slugTable = map[string]domain.OrderStatus{
	"created":          domain.OrderCreated,
	"new":              domain.OrderCreated,
	"pending_payment":  domain.OrderPendingPayment,
	"payment_pending":  domain.OrderPendingPayment,
	"awaiting_payment": domain.OrderPendingPayment,
	"unpaid":           domain.OrderPendingPayment,
	"paid":             domain.OrderPaid,
	"payment_complete": domain.OrderPaid,
	"under_review":     domain.OrderUnderReview,
	"in_review":        domain.OrderUnderReview,
	"in_progress":      domain.OrderProcessing,
	"processing":       domain.OrderProcessing,
	"preparing":        domain.OrderProcessing,
	"ready":            domain.OrderProcessing,
	"completed":        domain.OrderCompleted,
	"complete":         domain.OrderCompleted,
	"shipped":          domain.OrderShipped,
	"shipping":         domain.OrderShipped,
	"delivering":       domain.OrderDelivering,
	"out_for_delivery": domain.OrderDelivering,
	"in_delivery":      domain.OrderDelivering,
	"delivered":        domain.OrderDelivered,
	"canceled":         domain.OrderCancelled,
	"cancelled":        domain.OrderCancelled,
	"refunded":         domain.OrderRefunded,
	"restored":         domain.OrderRefunded,
	"returned":         domain.OrderRefunded,
	"restoring":        domain.OrderRestoring,
}

func slugKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.Join(strings.Fields(s), "_")
}

// rule matches when the text contains any of Any and none of None.
type rule struct {
	Status domain.OrderStatus
	Any    []string
	None   []string
}

func (r rule) match(s string) bool {
	for _, n := range r.None {
		if strings.Contains(s, n) {
			return false
		}
	}
	for _, a := range r.Any {
		if strings.Contains(s, a) {
			return true
		}
	}
	return false
}

const (
	tokenPaid      = "تم الدفع"
	tokenPaidAdj   = "مدفوع"
	tokenUnpaid    = "غير مدفوع"
	tokenPayment   = "الدفع"
	tokenCompleted = "تم التنفيذ"
	tokenExecute   = "تنفيذ"
	tokenAwaiting  = "انتظار"
)

var paymentConfirmed = []string{
	"استلام الدفع", "تأكيد الدفع", "تاكيد الدفع", "اكتمال الدفع", "نجاح الدفع", "الدفع ناجح", "الدفع مكتمل",
	"تم السداد", "مسدد",
}

// substringRules are evaluated in order. A rule whose tokens contain another rule's
// tokens must come first: "تم الدفع" and "تم استلام الدفع" (paid) contain "الدفع"
// (awaiting payment), and "تم التنفيذ" (completed) contains the bare "تنفيذ".
var substringRules = []rule{
	{Status: domain.OrderRestoring, Any: []string{"جاري الاسترجاع", "قيد الاسترجاع", "جاري الاسترداد", "قيد الاسترداد"}},
	{Status: domain.OrderRefunded, Any: []string{"تم الاسترجاع", "تم الاسترداد", "مسترجع", "مسترد", "استرجاع", "استرداد", "مرتجع", "refund"}},
	{Status: domain.OrderCancelled, Any: []string{"تم الإلغاء", "إلغاء", "الغاء", "ملغي", "ملغى", "ملغا", "cancel"}},
	{Status: domain.OrderDelivered, Any: []string{"تم التوصيل", "تم التسليم", "تم الاستلام", "مستلم"}},
	{Status: domain.OrderDelivering, Any: []string{"جاري التوصيل", "قيد التوصيل", "جار التوصيل", "مع المندوب", "في الطريق"}},
	{Status: domain.OrderShipped, Any: []string{"تم الشحن", "جاري الشحن", "جار الشحن", "مشحون"}},
	{Status: domain.OrderCompleted, Any: []string{tokenCompleted, "مكتمل", "منتهي"}},
	{Status: domain.OrderPaid, Any: []string{tokenPaid, tokenPaidAdj}, None: []string{tokenUnpaid}},
	// Confirmation phrases also contain "الدفع"; a waiting or negated form stays pending.
	{Status: domain.OrderPaid, Any: paymentConfirmed, None: []string{tokenUnpaid, tokenAwaiting, "لم يتم"}},
	{Status: domain.OrderPendingPayment, Any: []string{"بانتظار الدفع", "انتظار الدفع", tokenUnpaid, tokenPayment}, None: []string{tokenPaid}},
	{Status: domain.OrderUnderReview, Any: []string{"قيد المراجعة", "بانتظار المراجعة", "مراجعة"}},
	{Status: domain.OrderProcessing, Any: []string{"قيد التنفيذ", "جاري التنفيذ", "جاري التجهيز", "قيد التجهيز", "تجهيز", tokenExecute}},
	{Status: domain.OrderCreated, Any: []string{"طلب جديد", "جديد"}},
}

// normalizedRules are substringRules with letter-normalized tokens, used by the fallback.
var normalizedRules = func() []rule {
	out := make([]rule, 0, len(substringRules))
	for _, r := range substringRules {
		out = append(out, rule{Status: r.Status, Any: normalizeAll(r.Any), None: normalizeAll(r.None)})
	}
	return out
}()

// normalizedTable holds whole phrases, already letter-normalized, that no substring
// rule covers.
var normalizedTable = map[string]domain.OrderStatus{
	"جاهز":            domain.OrderProcessing,
	"جاهز للشحن":      domain.OrderProcessing,
	"جاهز للاستلام":   domain.OrderProcessing,
	"بانتظار الشحن":   domain.OrderProcessing,
	"قيد الشحن":       domain.OrderShipped,
	"خرج للتوصيل":     domain.OrderDelivering,
	"تم":              domain.OrderCompleted,
	"منجز":            domain.OrderCompleted,
	"بانتظار التحويل": domain.OrderPendingPayment,
	"ارجاع":           domain.OrderRefunded,
	"معلق":            domain.OrderUnderReview,
}

func normalizeAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = NormalizeLetters(s)
	}
	return out
}
