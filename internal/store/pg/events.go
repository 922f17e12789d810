package pg

import (
	"context"
	"encoding/json"
	"time"

	"rafeq/internal/domain"
	"rafeq/internal/store"
)

const eventColumns = `
	id, COALESCE(tenant_id,''), COALESCE(store_id,''), provider, event_type, COALESCE(external_id,''),
	COALESCE(merchant_id,''), COALESCE(delivery_id,''), COALESCE(idempotency_key,''), payload, headers,
	status, attempts, signature_verified, processing_result, COALESCE(error_message,''),
	COALESCE(related_entity_id,''), COALESCE(related_entity_type,''), processed_at, created_at, updated_at`

func scanEvent(row rowScanner) (domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var headers, result []byte
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.StoreID, &ev.Provider, &ev.EventType, &ev.ExternalID,
		&ev.MerchantID, &ev.DeliveryID, &ev.IdempotencyKey, &ev.Payload, &headers,
		&ev.Status, &ev.Attempts, &ev.SignatureVerified, &result, &ev.ErrorMessage,
		&ev.RelatedEntityID, &ev.RelatedEntityType, &ev.ProcessedAt, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	_ = json.Unmarshal(headers, &ev.Headers)
	if len(result) > 0 {
		ev.ProcessingResult = result
	}
	return ev, nil
}

// InsertEvent stores a new event. It returns false without error when another
// event already holds the idempotency key.
func (s *Store) InsertEvent(ctx context.Context, ev domain.WebhookEvent) (bool, error) {
	headers, _ := json.Marshal(ev.Headers)
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (id, tenant_id, store_id, provider, event_type, external_id, merchant_id,
			delivery_id, idempotency_key, payload, headers, status, attempts, signature_verified, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ev.ID, nullIfEmpty(ev.TenantID), nullIfEmpty(ev.StoreID), ev.Provider, ev.EventType, nullIfEmpty(ev.ExternalID),
		nullIfEmpty(ev.MerchantID), nullIfEmpty(ev.DeliveryID), nullIfEmpty(ev.IdempotencyKey), []byte(ev.Payload), headers,
		ev.Status, ev.Attempts, ev.SignatureVerified, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.WebhookEvent, bool, error) {
	ev, err := scanEvent(s.DB.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id=$1`, id))
	if err != nil {
		if notFound(err) {
			return domain.WebhookEvent{}, false, nil
		}
		return domain.WebhookEvent{}, false, err
	}
	return ev, true, nil
}

func (s *Store) FindEventByIdempotencyKey(ctx context.Context, key string) (domain.WebhookEvent, bool, error) {
	ev, err := scanEvent(s.DB.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE idempotency_key=$1`, key))
	if err != nil {
		if notFound(err) {
			return domain.WebhookEvent{}, false, nil
		}
		return domain.WebhookEvent{}, false, err
	}
	return ev, true, nil
}

// ClaimEvent moves an event into processing. It allows reclaiming an event that is
// still "processing" but stale (its worker died).
func (s *Store) ClaimEvent(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	staleBefore := now.Add(-staleAfter)
	ct, err := s.DB.Exec(ctx, `
		UPDATE webhook_events
		SET status='processing', updated_at=$2
		WHERE id=$1 AND (status IN ('pending','retry_pending','failed','skipped') OR (status='processing' AND updated_at < $3))
	`, id, now, staleBefore)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CompleteEvent(ctx context.Context, in store.EventCompletion) error {
	var processedAt any
	if in.Status == domain.EventProcessed {
		processedAt = in.Now
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_events
		SET status=$2, processing_result=$3, related_entity_id=COALESCE($4, related_entity_id),
		    related_entity_type=COALESCE($5, related_entity_type), error_message=NULL,
		    processed_at=COALESCE($6, processed_at), updated_at=$7
		WHERE id=$1
	`, in.ID, in.Status, []byte(in.Result), nullIfEmpty(in.RelatedEntityID), nullIfEmpty(in.RelatedEntityType), processedAt, in.Now)
	return err
}

// FailEvent increments attempts and returns the new count.
func (s *Store) FailEvent(ctx context.Context, in store.EventFailure) (int, error) {
	var attempts int
	err := s.DB.QueryRow(ctx, `
		UPDATE webhook_events
		SET status=$2, error_message=$3, attempts=attempts+1, updated_at=$4
		WHERE id=$1
		RETURNING attempts
	`, in.ID, in.Status, nullIfEmpty(in.Error), in.Now).Scan(&attempts)
	return attempts, err
}

// MarkEventFailed records an error without counting a processing attempt
// (used when the event could not be enqueued).
func (s *Store) MarkEventFailed(ctx context.Context, id, msg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET status='failed', error_message=$2, updated_at=$3 WHERE id=$1
	`, id, nullIfEmpty(msg), now)
	return err
}

// ResetEventForReplay puts a failed or skipped event back to pending.
func (s *Store) ResetEventForReplay(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET status='pending', error_message=NULL, updated_at=$2
		WHERE id=$1 AND status IN ('failed','skipped','retry_pending')
	`, id, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertEventLog(ctx context.Context, l domain.WebhookLog) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_logs (id, event_id, status, attempt, message, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, l.ID, l.EventID, l.Status, l.Attempt, nullIfEmpty(l.Message), l.DurationMs, l.CreatedAt)
	return err
}

func (s *Store) ListEventLogs(ctx context.Context, eventID string) ([]domain.WebhookLog, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, event_id, status, attempt, COALESCE(message,''), COALESCE(duration_ms,0), created_at
		FROM webhook_logs WHERE event_id=$1 ORDER BY created_at, id
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WebhookLog
	for rows.Next() {
		var l domain.WebhookLog
		if err := rows.Scan(&l.ID, &l.EventID, &l.Status, &l.Attempt, &l.Message, &l.DurationMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LinkOrphanEvents attaches unowned events of a merchant to its tenant/store and
// returns the ids of those that were skipped for lack of an owner.
func (s *Store) LinkOrphanEvents(ctx context.Context, in store.OrphanLink) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE webhook_events
		SET tenant_id=$3, store_id=$4, updated_at=$5
		WHERE provider=$1 AND merchant_id=$2 AND tenant_id IS NULL
		RETURNING id, status
	`, in.Provider, in.MerchantID, in.TenantID, in.StoreID, in.Now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var skipped []string
	for rows.Next() {
		var id string
		var st domain.EventStatus
		if err := rows.Scan(&id, &st); err != nil {
			return nil, err
		}
		if st == domain.EventSkipped {
			skipped = append(skipped, id)
		}
	}
	return skipped, rows.Err()
}
