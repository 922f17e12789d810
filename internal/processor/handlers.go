package processor

import (
	"context"
	"fmt"

	"rafeq/internal/domain"
	"rafeq/internal/eventbus"
	"rafeq/internal/observability"
	"rafeq/internal/status"
	"rafeq/internal/util"
)

// orderRule configures the shared order handler for one event type.
type orderRule struct {
	// force stores this status whatever the payload says.
	force domain.OrderStatus
	// fallback replaces the default when the payload status is missing or unrecognized.
	fallback domain.OrderStatus
	// emit is published on every event of this type.
	emit string
	// trigger publishes the status trigger on every event; triggerOnChange only
	// when the canonical status changed.
	trigger         bool
	triggerOnChange bool
}

func (p *Processor) orderHandler(rule orderRule) handlerFunc {
	return func(ctx context.Context, ec *eventContext) error {
		info := parseOrder(ec.data)
		if info.ExternalID == "" {
			ec.out.Handled = false
			ec.out.Reason = "order id missing"
			return nil
		}
		cust, _ := p.syncCustomer(ctx, ec, parseCustomer(ec.data.obj("customer")))

		existing, exists, err := p.Store.FindOrder(ctx, ec.ev.StoreID, info.ExternalID)
		if err != nil {
			return fmt.Errorf("find order: %w", err)
		}
		st, trigger, raw := p.resolveStatus(ec, rule, existing, exists)
		changed := !exists || existing.Status != st

		order, orderOK := p.syncOrder(ctx, ec, domain.Order{
			ID:            util.NewID("ord"),
			TenantID:      ec.ev.TenantID,
			StoreID:       ec.ev.StoreID,
			ExternalID:    info.ExternalID,
			ReferenceID:   info.ReferenceID,
			CustomerID:    cust.ID,
			CustomerPhone: cust.Phone,
			Status:        st,
			RawStatus:     raw,
			Total:         info.Total,
			Currency:      info.Currency,
			PaymentMethod: info.PaymentMethod,
			CreatedAt:     p.now(),
		})
		if !orderOK {
			order = existing
		}
		if cust.Phone == "" {
			cust.Phone = order.CustomerPhone
		}

		ec.out.EntityType = "order"
		ec.out.EntityID = order.ID
		ec.out.Status = string(st)
		ec.out.RawStatus = raw
		ec.out.Trigger = trigger
		ec.out.Action = "order_synced"

		fields := map[string]any{
			"order_id":     info.ExternalID,
			"order_number": firstNonEmpty(info.ReferenceID, order.ReferenceID, info.ExternalID),
			"status":       string(st),
			"raw_status":   raw,
			"total":        info.Total,
			"currency":     info.Currency,
		}
		if exists {
			fields["previous_status"] = string(existing.Status)
		}
		base := eventbus.Event{
			ReferenceID:   info.ExternalID,
			ReferenceType: "order",
			CustomerPhone: cust.Phone,
			CustomerName:  cust.Name,
			Fields:        fields,
		}
		if rule.emit != "" {
			e := base
			e.Name = rule.emit
			p.emit(ctx, ec, e)
		}
		if rule.trigger || (rule.triggerOnChange && changed) {
			e := base
			e.Name = trigger
			p.emit(ctx, ec, e)
		}
		return nil
	}
}

// resolveStatus returns the canonical status to store, the notification trigger
// and the raw text kept for audit.
func (p *Processor) resolveStatus(ec *eventContext, rule orderRule, existing domain.Order, exists bool) (domain.OrderStatus, string, string) {
	rawVal, ok := ec.data["status"]
	if !ok {
		rawVal = ec.data["order_status"]
	}
	raw := status.ParseRaw(rawVal)
	rawText := raw.String()

	if rule.force != "" {
		// A late order.created must not move a known order back to created.
		if exists && existing.Status != "" {
			return existing.Status, domain.StatusTrigger(existing.Status), rawText
		}
		return rule.force, domain.StatusTrigger(rule.force), rawText
	}
	if raw.Kind == status.RawEmpty {
		switch {
		case rule.fallback != "":
			return rule.fallback, domain.StatusTrigger(rule.fallback), rawText
		case exists:
			return existing.Status, domain.StatusTrigger(existing.Status), rawText
		}
		return status.DefaultStatus, domain.StatusTrigger(status.DefaultStatus), rawText
	}

	res := p.normalizer().Normalize(raw)
	if !res.Matched {
		observability.OrNop(p.Metrics).Inc(observability.StatusUnmatched)
		if rule.fallback != "" {
			return rule.fallback, domain.StatusTrigger(rule.fallback), rawText
		}
	}
	return res.Status, res.Trigger, rawText
}

func (p *Processor) normalizer() *status.Normalizer {
	if p.Normalizer != nil {
		return p.Normalizer
	}
	return &status.Normalizer{Logger: p.logger()}
}

// syncCustomer upserts the customer projection. It is an isolated step: on
// failure it returns the parsed customer without an id.
func (p *Processor) syncCustomer(ctx context.Context, ec *eventContext, info customerInfo) (domain.Customer, bool) {
	c := domain.Customer{
		ID:         util.NewID("cus"),
		TenantID:   ec.ev.TenantID,
		StoreID:    ec.ev.StoreID,
		ExternalID: info.ExternalID,
		Name:       info.Name,
		Phone:      info.Phone,
		Email:      info.Email,
		CreatedAt:  p.now(),
	}
	if c.ExternalID == "" {
		if c.Phone == "" {
			return domain.Customer{Name: info.Name}, false
		}
		c.ExternalID = "phone:" + c.Phone
	}
	saved, err := p.Store.UpsertCustomer(ctx, c)
	if !ec.step("customer sync", err) {
		return domain.Customer{Name: info.Name, Phone: info.Phone}, false
	}
	return saved, true
}

// syncOrder upserts the order projection as an isolated step.
func (p *Processor) syncOrder(ctx context.Context, ec *eventContext, o domain.Order) (domain.Order, bool) {
	saved, err := p.Store.UpsertOrder(ctx, o)
	if !ec.step("order sync", err) {
		return domain.Order{}, false
	}
	return saved, true
}

func (p *Processor) handleOrderDeleted(ctx context.Context, ec *eventContext) error {
	ext := ec.data.str("id", "order_id")
	if ext == "" {
		ec.out.Handled = false
		ec.out.Reason = "order id missing"
		return nil
	}
	existing, _, err := p.Store.FindOrder(ctx, ec.ev.StoreID, ext)
	if err != nil {
		return fmt.Errorf("find order: %w", err)
	}
	_, err = p.Store.MarkOrderDeleted(ctx, ec.ev.StoreID, ext, p.now())
	ec.step("order delete", err)

	ec.out.Action = "order_deleted"
	ec.out.EntityType = "order"
	ec.out.EntityID = existing.ID
	p.emit(ctx, ec, eventbus.Event{
		Name:          string(domain.EventOrderDeleted),
		ReferenceID:   ext,
		ReferenceType: "order",
		CustomerPhone: existing.CustomerPhone,
		Fields:        map[string]any{"order_id": ext},
	})
	return nil
}

// handleShipment marks the order shipped and publishes the shipped trigger with
// the tracking details.
func (p *Processor) handleShipment(ctx context.Context, ec *eventContext) error {
	ext := ec.data.str("order_id")
	if ext == "" {
		ext = ec.data.obj("order").str("id")
	}
	if ext == "" && ec.ev.EventType == domain.EventOrderShipmentCreated {
		ext = ec.data.str("id")
	}
	if ext == "" {
		ec.out.Handled = false
		ec.out.Reason = "order id missing"
		return nil
	}

	existing, exists, err := p.Store.FindOrder(ctx, ec.ev.StoreID, ext)
	if err != nil {
		return fmt.Errorf("find order: %w", err)
	}
	cust, _ := p.syncCustomer(ctx, ec, parseCustomer(ec.data.obj("customer")))
	phone := firstNonEmpty(cust.Phone, existing.CustomerPhone)

	order, ok := p.syncOrder(ctx, ec, domain.Order{
		ID:            util.NewID("ord"),
		TenantID:      ec.ev.TenantID,
		StoreID:       ec.ev.StoreID,
		ExternalID:    ext,
		CustomerID:    cust.ID,
		CustomerPhone: phone,
		Status:        domain.OrderShipped,
		CreatedAt:     p.now(),
	})
	if !ok {
		order = existing
	}

	trigger := domain.StatusTrigger(domain.OrderShipped)
	ec.out.Action = "order_shipped"
	ec.out.EntityType = "order"
	ec.out.EntityID = order.ID
	ec.out.Status = string(domain.OrderShipped)
	ec.out.Trigger = trigger

	fields := map[string]any{
		"order_id":         ext,
		"order_number":     firstNonEmpty(order.ReferenceID, ext),
		"status":           string(domain.OrderShipped),
		"tracking_number":  ec.data.str("tracking_number", "shipping_number"),
		"tracking_link":    ec.data.str("tracking_link", "tracking_url"),
		"shipping_company": firstNonEmpty(ec.data.obj("shipping_company").str("name"), ec.data.str("courier_name", "shipping_company")),
	}
	if exists {
		fields["previous_status"] = string(existing.Status)
	}
	p.emit(ctx, ec, eventbus.Event{
		Name:          trigger,
		ReferenceID:   ext,
		ReferenceType: "order",
		CustomerPhone: phone,
		CustomerName:  cust.Name,
		Fields:        fields,
	})
	return nil
}

func (p *Processor) handleCustomer(ctx context.Context, ec *eventContext) error {
	info := parseCustomer(ec.data)
	if info.ExternalID == "" && info.Phone == "" {
		ec.out.Handled = false
		ec.out.Reason = "customer id and phone missing"
		return nil
	}
	cust, _ := p.syncCustomer(ctx, ec, info)
	ec.out.Action = "customer_synced"
	ec.out.EntityType = "customer"
	ec.out.EntityID = cust.ID
	p.emit(ctx, ec, eventbus.Event{
		Name:          string(ec.ev.EventType),
		ReferenceID:   info.ExternalID,
		ReferenceType: "customer",
		CustomerPhone: info.Phone,
		CustomerName:  info.Name,
		Fields:        map[string]any{"customer_id": info.ExternalID, "email": info.Email},
	})
	return nil
}

func (p *Processor) handleCustomerLogin(ctx context.Context, ec *eventContext) error {
	info := parseCustomer(ec.data)
	if info.ExternalID == "" && info.Phone == "" {
		info = parseCustomer(ec.data.obj("customer"))
	}
	ec.out.Action = "customer_login"
	ec.out.EntityType = "customer"
	p.emit(ctx, ec, eventbus.Event{
		Name:          string(domain.EventCustomerLogin),
		ReferenceID:   info.ExternalID,
		ReferenceType: "customer",
		CustomerPhone: info.Phone,
		CustomerName:  info.Name,
	})
	return nil
}

func (p *Processor) handleAbandonedCart(ctx context.Context, ec *eventContext) error {
	info := parseCustomer(ec.data.obj("customer"))
	cust, _ := p.syncCustomer(ctx, ec, info)
	cartID := ec.data.str("id", "cart_id")

	total := ec.data.obj("total").num("amount")
	if total == 0 {
		total = ec.data.num("total", "cart_total")
	}
	ec.out.Action = "cart_abandoned"
	ec.out.EntityType = "cart"
	ec.out.EntityID = cartID
	p.emit(ctx, ec, eventbus.Event{
		Name:          string(domain.EventAbandonedCart),
		ReferenceID:   cartID,
		ReferenceType: "cart",
		CustomerPhone: firstNonEmpty(cust.Phone, info.Phone),
		CustomerName:  info.Name,
		Fields: map[string]any{
			"cart_id":      cartID,
			"total":        total,
			"checkout_url": ec.data.str("checkout_url", "url"),
		},
	})
	return nil
}

// handleAuthorize completes soft-fail linking for a merchant whose store was
// registered to a tenant.
func (p *Processor) handleAuthorize(ctx context.Context, ec *eventContext) error {
	merchant := ec.ev.MerchantID
	if merchant == "" {
		ec.out.Handled = false
		ec.out.Reason = "merchant missing"
		return nil
	}
	st, found, err := p.Store.FindStoreByMerchant(ctx, ec.ev.Provider, merchant)
	if err != nil {
		return fmt.Errorf("find store: %w", err)
	}
	if !found || st.TenantID == "" {
		ec.out.Handled = false
		ec.out.Reason = "no tenant registered for merchant"
		return nil
	}
	if name := firstNonEmpty(ec.data.str("name"), ec.data.obj("store").str("name")); name != "" {
		st.Name = name
	}
	saved, requeued, err := p.LinkStore(ctx, st)
	if err != nil {
		return err
	}
	ec.ev.TenantID = saved.TenantID
	ec.ev.StoreID = saved.ID
	ec.out.Action = "store_linked"
	ec.out.EntityType = "store"
	ec.out.EntityID = saved.ID
	p.emit(ctx, ec, eventbus.Event{
		Name:   string(ec.ev.EventType),
		Fields: map[string]any{"store_id": saved.ID, "merchant_id": merchant, "requeued": requeued},
	})
	return nil
}

func (p *Processor) handleUninstalled(ctx context.Context, ec *eventContext) error {
	st, found, err := p.Store.FindStoreByMerchant(ctx, ec.ev.Provider, ec.ev.MerchantID)
	if err != nil {
		return fmt.Errorf("find store: %w", err)
	}
	if !found {
		ec.out.Handled = false
		ec.out.Reason = "store not found"
		return nil
	}
	st.Active = false
	st.CreatedAt = p.now()
	_, err = p.Store.UpsertStore(ctx, st)
	ec.step("store deactivate", err)
	ec.out.Action = "store_deactivated"
	ec.out.EntityType = "store"
	ec.out.EntityID = st.ID
	p.emit(ctx, ec, eventbus.Event{
		Name:   string(domain.EventAppUninstalled),
		Fields: map[string]any{"store_id": st.ID, "merchant_id": st.MerchantID},
	})
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
