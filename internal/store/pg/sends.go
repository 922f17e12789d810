package pg

import (
	"context"
	"encoding/json"
	"time"

	"rafeq/internal/domain"
	"rafeq/internal/store"
)

const templateColumns = `
	id, tenant_id, name, content, COALESCE(channel_id,''), COALESCE(trigger_event,''), delay_minutes, cancel_on,
	max_sends_per_period, period_hours, COALESCE(sequence_group,''), sequence_order, active`

func scanTemplate(row rowScanner) (domain.Template, error) {
	var t domain.Template
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Content, &t.ChannelID, &t.TriggerEvent, &t.DelayMinutes, &t.CancelOn,
		&t.MaxSendsPerPeriod, &t.PeriodHours, &t.SequenceGroup, &t.SequenceOrder, &t.Active)
	return t, err
}

func (s *Store) queryTemplates(ctx context.Context, sql string, args ...any) ([]domain.Template, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, bool, error) {
	t, err := scanTemplate(s.DB.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1`, id))
	if err != nil {
		if notFound(err) {
			return domain.Template{}, false, nil
		}
		return domain.Template{}, false, err
	}
	return t, true, nil
}

// TemplatesTriggeredBy returns active templates whose trigger is event, sequence
// steps in order.
func (s *Store) TemplatesTriggeredBy(ctx context.Context, tenantID, event string) ([]domain.Template, error) {
	return s.queryTemplates(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE tenant_id=$1 AND trigger_event=$2 AND active
		ORDER BY COALESCE(sequence_group,''), sequence_order, id
	`, tenantID, event)
}

// TemplatesCancelledBy returns templates whose cancel-on set contains event.
func (s *Store) TemplatesCancelledBy(ctx context.Context, tenantID, event string) ([]domain.Template, error) {
	return s.queryTemplates(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE tenant_id=$1 AND cancel_on @> ARRAY[$2::text]
		ORDER BY id
	`, tenantID, event)
}

func (s *Store) UpsertTemplate(ctx context.Context, t domain.Template) error {
	if t.CancelOn == nil {
		t.CancelOn = []string{}
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO templates (id, tenant_id, name, content, channel_id, trigger_event, delay_minutes, cancel_on,
			max_sends_per_period, period_hours, sequence_group, sequence_order, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, content=EXCLUDED.content, channel_id=EXCLUDED.channel_id,
			trigger_event=EXCLUDED.trigger_event, delay_minutes=EXCLUDED.delay_minutes, cancel_on=EXCLUDED.cancel_on,
			max_sends_per_period=EXCLUDED.max_sends_per_period, period_hours=EXCLUDED.period_hours,
			sequence_group=EXCLUDED.sequence_group, sequence_order=EXCLUDED.sequence_order,
			active=EXCLUDED.active, updated_at=now()
	`, t.ID, t.TenantID, t.Name, t.Content, nullIfEmpty(t.ChannelID), nullIfEmpty(t.TriggerEvent), t.DelayMinutes, t.CancelOn,
		t.MaxSendsPerPeriod, t.PeriodHours, nullIfEmpty(t.SequenceGroup), t.SequenceOrder, t.Active)
	return err
}

const sendColumns = `
	id, tenant_id, template_id, customer_phone, COALESCE(reference_id,''), COALESCE(reference_type,''), trigger_event,
	COALESCE(sequence_group_key,''), COALESCE(sequence_order,0), status, scheduled_at, payload, COALESCE(queue_job_id,''),
	COALESCE(message_id,''), sent_at, cancelled_at, COALESCE(cancel_reason,''), COALESCE(error_message,''), attempts,
	created_at, updated_at`

func scanSend(row rowScanner) (domain.ScheduledTemplateSend, error) {
	var s domain.ScheduledTemplateSend
	var payload []byte
	err := row.Scan(&s.ID, &s.TenantID, &s.TemplateID, &s.CustomerPhone, &s.ReferenceID, &s.ReferenceType, &s.TriggerEvent,
		&s.SequenceGroupKey, &s.SequenceOrder, &s.Status, &s.ScheduledAt, &payload, &s.QueueJobID,
		&s.MessageID, &s.SentAt, &s.CancelledAt, &s.CancelReason, &s.ErrorMessage, &s.Attempts,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.ScheduledTemplateSend{}, err
	}
	_ = json.Unmarshal(payload, &s.Payload)
	return s, nil
}

func (s *Store) GetSend(ctx context.Context, id string) (domain.ScheduledTemplateSend, bool, error) {
	out, err := scanSend(s.DB.QueryRow(ctx, `SELECT `+sendColumns+` FROM scheduled_template_sends WHERE id=$1`, id))
	if err != nil {
		if notFound(err) {
			return domain.ScheduledTemplateSend{}, false, nil
		}
		return domain.ScheduledTemplateSend{}, false, err
	}
	return out, true, nil
}

// FindActiveSend returns the pending or sent record for the tuple, if any.
func (s *Store) FindActiveSend(ctx context.Context, k store.SendKey) (domain.ScheduledTemplateSend, bool, error) {
	out, err := scanSend(s.DB.QueryRow(ctx, `
		SELECT `+sendColumns+` FROM scheduled_template_sends
		WHERE tenant_id=$1 AND template_id=$2 AND customer_phone=$3 AND COALESCE(reference_id,'')=$4
		  AND status IN ('pending','sent')
		LIMIT 1
	`, k.TenantID, k.TemplateID, k.Phone, k.ReferenceID))
	if err != nil {
		if notFound(err) {
			return domain.ScheduledTemplateSend{}, false, nil
		}
		return domain.ScheduledTemplateSend{}, false, err
	}
	return out, true, nil
}

// CountSentSince counts sends of a template to a recipient sent at or after since.
func (s *Store) CountSentSince(ctx context.Context, tenantID, templateID, phone string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM scheduled_template_sends
		WHERE tenant_id=$1 AND template_id=$2 AND customer_phone=$3 AND status='sent' AND sent_at >= $4
	`, tenantID, templateID, phone, since).Scan(&n)
	return n, err
}

// InsertSend stores a pending record. It returns false when an active record for
// the same tuple already exists (uq_scheduled_sends_active).
func (s *Store) InsertSend(ctx context.Context, in domain.ScheduledTemplateSend) (bool, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return false, err
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO scheduled_template_sends (id, tenant_id, template_id, customer_phone, reference_id, reference_type,
			trigger_event, sequence_group_key, sequence_order, status, scheduled_at, payload, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,$13)
		ON CONFLICT DO NOTHING
	`, in.ID, in.TenantID, in.TemplateID, in.CustomerPhone, nullIfEmpty(in.ReferenceID), nullIfEmpty(in.ReferenceType),
		in.TriggerEvent, nullIfEmpty(in.SequenceGroupKey), nullIfZero(in.SequenceOrder), in.Status, in.ScheduledAt, payload, in.CreatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetSendJobID(ctx context.Context, id, jobID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_template_sends SET queue_job_id=$2, updated_at=$3 WHERE id=$1
	`, id, jobID, now)
	return err
}

// FindPendingSends lists pending records matching f.
func (s *Store) FindPendingSends(ctx context.Context, f store.SendFilter) ([]domain.ScheduledTemplateSend, error) {
	if f.Empty() {
		return nil, nil
	}
	templateIDs := f.TemplateIDs
	if templateIDs == nil {
		templateIDs = []string{}
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+sendColumns+` FROM scheduled_template_sends
		WHERE tenant_id=$1 AND status='pending'
		  AND (cardinality($5::text[]) = 0 OR template_id = ANY($5::text[]))
		  AND CASE
		    WHEN $3::text <> '' THEN sequence_group_key=$3::text AND ($2::text = '' OR reference_id=$2::text)
		    ELSE ($2::text <> '' AND reference_id=$2::text)
		      OR ($4::text <> '' AND customer_phone=$4::text
		          AND ($2::text = '' OR reference_id IS NULL
		               OR ($6::text <> '' AND COALESCE(reference_type,'') <> $6::text)))
		  END
		ORDER BY scheduled_at, COALESCE(sequence_order,0), id
	`, f.TenantID, f.ReferenceID, f.SequenceGroupKey, f.Phone, templateIDs, f.ReferenceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduledTemplateSend
	for rows.Next() {
		rec, err := scanSend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CancelSend moves a pending record to cancelled. False means it was no longer pending.
func (s *Store) CancelSend(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_template_sends
		SET status='cancelled', cancel_reason=$2, cancelled_at=$3, updated_at=$3
		WHERE id=$1 AND status='pending'
	`, id, nullIfEmpty(reason), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkSendSent(ctx context.Context, id, messageID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_template_sends
		SET status='sent', message_id=$2, sent_at=$3, error_message=NULL, attempts=attempts+1, updated_at=$3
		WHERE id=$1 AND status='pending'
	`, id, nullIfEmpty(messageID), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkSendFailed(ctx context.Context, id, msg string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_template_sends
		SET status='failed', error_message=$2, updated_at=$3
		WHERE id=$1 AND status='pending'
	`, id, nullIfEmpty(msg), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// RecordSendAttempt counts a failed transport attempt on a still-pending record
// and returns the new attempt count.
func (s *Store) RecordSendAttempt(ctx context.Context, id, msg string, now time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		UPDATE scheduled_template_sends
		SET attempts=attempts+1, error_message=$2, updated_at=$3
		WHERE id=$1 AND status='pending'
		RETURNING attempts
	`, id, nullIfEmpty(msg), now).Scan(&n)
	if notFound(err) {
		return 0, nil
	}
	return n, err
}
