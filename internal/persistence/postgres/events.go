// Package postgres provides pgx-backed persistence for events, scheduled
// activities, and schedule plans.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/events"
	"example.com/scheduler/internal/seal"
)

// EventRepository stores participant events, one row per (healthCode,
// eventID). Answer values are encrypted at rest with a version tag.
type EventRepository struct {
	pool  *pgxpool.Pool
	codec *seal.Codec
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(pool *pgxpool.Pool, codec *seal.Codec) *EventRepository {
	return &EventRepository{pool: pool, codec: codec}
}

// GetEvent returns the stored event or nil when absent.
func (r *EventRepository) GetEvent(ctx context.Context, healthCode, eventID string) (*domain.ActivityEvent, error) {
	const query = `SELECT health_code, event_id, event_ts, answer_ciphertext, answer_version
        FROM participant_events WHERE health_code=$1 AND event_id=$2`

	row := r.pool.QueryRow(ctx, query, healthCode, eventID)
	event, err := r.scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// UpsertEvent writes the event and records the outbox entry in the same
// transaction. With enforceOrdering set, the update only lands when the
// submitted timestamp is strictly later than the stored one; the condition
// lives in the statement, so two concurrent publishers cannot interleave a
// stale overwrite. Returns false when the write was skipped, in which case
// no outbox entry is recorded either.
func (r *EventRepository) UpsertEvent(ctx context.Context, event domain.ActivityEvent, enforceOrdering bool) (bool, error) {
	var (
		ciphertext []byte
		version    *int
	)
	if event.AnswerValue != "" {
		v, sealed, err := r.codec.Encode([]byte(event.AnswerValue))
		if err != nil {
			return false, err
		}
		ciphertext = sealed
		version = &v
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	stmt := `INSERT INTO participant_events (health_code, event_id, event_ts, answer_ciphertext, answer_version)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (health_code, event_id)
        DO UPDATE SET event_ts=EXCLUDED.event_ts, answer_ciphertext=EXCLUDED.answer_ciphertext, answer_version=EXCLUDED.answer_version`
	if enforceOrdering {
		stmt += ` WHERE EXCLUDED.event_ts > participant_events.event_ts`
	}

	tag, err := tx.Exec(ctx, stmt, event.HealthCode, event.EventID, event.Timestamp, ciphertext, version)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", event.HealthCode, event.EventID, event.Timestamp.UnixMilli())
	if err := insertOutbox(ctx, tx, EventTypeEventPublished, event.EventID, event.HealthCode, dedupeKey, events.EventPublished{
		HealthCode: event.HealthCode,
		EventID:    event.EventID,
		Timestamp:  event.Timestamp,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListEvents returns every stored event for the participant.
func (r *EventRepository) ListEvents(ctx context.Context, healthCode string) ([]domain.ActivityEvent, error) {
	const query = `SELECT health_code, event_id, event_ts, answer_ciphertext, answer_version
        FROM participant_events WHERE health_code=$1 ORDER BY event_id`

	rows, err := r.pool.Query(ctx, query, healthCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ActivityEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *event)
	}
	return out, rows.Err()
}

// DeleteEvent physically removes one event.
func (r *EventRepository) DeleteEvent(ctx context.Context, healthCode, eventID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM participant_events WHERE health_code=$1 AND event_id=$2`, healthCode, eventID)
	return err
}

// DeleteAllEvents physically removes every event for the participant.
func (r *EventRepository) DeleteAllEvents(ctx context.Context, healthCode string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM participant_events WHERE health_code=$1`, healthCode)
	return err
}

func (r *EventRepository) scanEvent(row pgx.Row) (*domain.ActivityEvent, error) {
	var (
		event      domain.ActivityEvent
		ciphertext []byte
		version    *int
	)
	if err := row.Scan(&event.HealthCode, &event.EventID, &event.Timestamp, &ciphertext, &version); err != nil {
		return nil, err
	}
	if len(ciphertext) > 0 && version != nil {
		answer, err := r.codec.Decode(*version, ciphertext)
		if err != nil {
			return nil, err
		}
		event.AnswerValue = string(answer)
	}
	return &event, nil
}
