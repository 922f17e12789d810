package pg

import (
	"context"
	"time"

	"rafeq/internal/domain"
)

func (s *Store) FindStoreByMerchant(ctx context.Context, provider domain.Provider, merchantID string) (domain.Store, bool, error) {
	var st domain.Store
	err := s.DB.QueryRow(ctx, `
		SELECT id, COALESCE(tenant_id,''), provider, merchant_id, COALESCE(name,''), active, authorized_at, created_at, updated_at
		FROM stores WHERE provider=$1 AND merchant_id=$2
	`, provider, merchantID).Scan(&st.ID, &st.TenantID, &st.Provider, &st.MerchantID, &st.Name, &st.Active,
		&st.AuthorizedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if notFound(err) {
			return domain.Store{}, false, nil
		}
		return domain.Store{}, false, err
	}
	return st, true, nil
}

// UpsertStore inserts or updates by (provider, merchant_id). Empty fields keep the
// stored value.
func (s *Store) UpsertStore(ctx context.Context, in domain.Store) (domain.Store, error) {
	var out domain.Store
	err := s.DB.QueryRow(ctx, `
		INSERT INTO stores (id, tenant_id, provider, merchant_id, name, active, authorized_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (provider, merchant_id) DO UPDATE SET
			tenant_id=COALESCE(EXCLUDED.tenant_id, stores.tenant_id),
			name=COALESCE(EXCLUDED.name, stores.name),
			active=EXCLUDED.active,
			authorized_at=COALESCE(EXCLUDED.authorized_at, stores.authorized_at),
			updated_at=EXCLUDED.updated_at
		RETURNING id, COALESCE(tenant_id,''), provider, merchant_id, COALESCE(name,''), active, authorized_at, created_at, updated_at
	`, in.ID, nullIfEmpty(in.TenantID), in.Provider, in.MerchantID, nullIfEmpty(in.Name), in.Active, in.AuthorizedAt, in.CreatedAt,
	).Scan(&out.ID, &out.TenantID, &out.Provider, &out.MerchantID, &out.Name, &out.Active, &out.AuthorizedAt, &out.CreatedAt, &out.UpdatedAt)
	return out, err
}

// UpsertCustomer inserts or updates by (store_id, external_id). Empty fields keep
// the stored value.
func (s *Store) UpsertCustomer(ctx context.Context, in domain.Customer) (domain.Customer, error) {
	var out domain.Customer
	err := s.DB.QueryRow(ctx, `
		INSERT INTO customers (id, tenant_id, store_id, external_id, name, phone, email, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (store_id, external_id) DO UPDATE SET
			tenant_id=COALESCE(EXCLUDED.tenant_id, customers.tenant_id),
			name=COALESCE(EXCLUDED.name, customers.name),
			phone=COALESCE(EXCLUDED.phone, customers.phone),
			email=COALESCE(EXCLUDED.email, customers.email),
			updated_at=EXCLUDED.updated_at
		RETURNING id, COALESCE(tenant_id,''), store_id, external_id, COALESCE(name,''), COALESCE(phone,''), COALESCE(email,''), created_at, updated_at
	`, in.ID, nullIfEmpty(in.TenantID), in.StoreID, in.ExternalID, nullIfEmpty(in.Name), nullIfEmpty(in.Phone), nullIfEmpty(in.Email), in.CreatedAt,
	).Scan(&out.ID, &out.TenantID, &out.StoreID, &out.ExternalID, &out.Name, &out.Phone, &out.Email, &out.CreatedAt, &out.UpdatedAt)
	return out, err
}

const orderColumns = `
	id, COALESCE(tenant_id,''), store_id, external_id, COALESCE(reference_id,''), COALESCE(customer_id,''),
	COALESCE(customer_phone,''), status, COALESCE(raw_status,''), total::float8, COALESCE(currency,''),
	COALESCE(payment_method,''), created_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.TenantID, &o.StoreID, &o.ExternalID, &o.ReferenceID, &o.CustomerID,
		&o.CustomerPhone, &o.Status, &o.RawStatus, &o.Total, &o.Currency, &o.PaymentMethod, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s *Store) FindOrder(ctx context.Context, storeID, externalID string) (domain.Order, bool, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE store_id=$1 AND external_id=$2`, storeID, externalID))
	if err != nil {
		if notFound(err) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}
	return o, true, nil
}

// UpsertOrder inserts or updates by (store_id, external_id). Status is always
// written; other empty fields keep the stored value.
func (s *Store) UpsertOrder(ctx context.Context, in domain.Order) (domain.Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `
		INSERT INTO orders (id, tenant_id, store_id, external_id, reference_id, customer_id, customer_phone,
			status, raw_status, total, currency, payment_method, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		ON CONFLICT (store_id, external_id) DO UPDATE SET
			tenant_id=COALESCE(EXCLUDED.tenant_id, orders.tenant_id),
			reference_id=COALESCE(EXCLUDED.reference_id, orders.reference_id),
			customer_id=COALESCE(EXCLUDED.customer_id, orders.customer_id),
			customer_phone=COALESCE(EXCLUDED.customer_phone, orders.customer_phone),
			status=EXCLUDED.status,
			raw_status=COALESCE(EXCLUDED.raw_status, orders.raw_status),
			total=CASE WHEN EXCLUDED.total > 0 THEN EXCLUDED.total ELSE orders.total END,
			currency=COALESCE(EXCLUDED.currency, orders.currency),
			payment_method=COALESCE(EXCLUDED.payment_method, orders.payment_method),
			deleted_at=NULL,
			updated_at=EXCLUDED.updated_at
		RETURNING `+orderColumns,
		in.ID, nullIfEmpty(in.TenantID), in.StoreID, in.ExternalID, nullIfEmpty(in.ReferenceID), nullIfEmpty(in.CustomerID),
		nullIfEmpty(in.CustomerPhone), in.Status, nullIfEmpty(in.RawStatus), in.Total, nullIfEmpty(in.Currency),
		nullIfEmpty(in.PaymentMethod), in.CreatedAt,
	))
}

func (s *Store) MarkOrderDeleted(ctx context.Context, storeID, externalID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET deleted_at=$3, updated_at=$3 WHERE store_id=$1 AND external_id=$2 AND deleted_at IS NULL
	`, storeID, externalID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
