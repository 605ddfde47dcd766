package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/scheduler/internal/domain"
	"example.com/scheduler/internal/events"
)

// lockClass namespaces this service's advisory locks.
const lockClass = 7201

// ActivityRepository stores scheduled activities keyed by GUID. Inserts are
// conditional on GUID absence, so concurrent save cycles cannot clobber
// recorded start/finish timestamps.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

// NewActivityRepository constructs an ActivityRepository.
func NewActivityRepository(pool *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{pool: pool}
}

const activityColumns = `guid, health_code, plan_guid, occurrence, activity_type, activity_ref, label, scheduled_on, expires_on, started_on, finished_on, created_at`

// ListByParticipant returns every record for one participant.
func (r *ActivityRepository) ListByParticipant(ctx context.Context, healthCode string) ([]domain.ScheduledActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM scheduled_activities WHERE health_code=$1 ORDER BY scheduled_on, guid`

	rows, err := r.pool.Query(ctx, query, healthCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledActivity
	for rows.Next() {
		act, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *act)
	}
	return out, rows.Err()
}

// GetActivity returns the record or nil when absent.
func (r *ActivityRepository) GetActivity(ctx context.Context, guid string) (*domain.ScheduledActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM scheduled_activities WHERE guid=$1`

	act, err := scanActivity(r.pool.QueryRow(ctx, query, guid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return act, nil
}

// InsertIfAbsent persists the batch, skipping any GUID that already exists,
// and returns how many rows were actually inserted.
func (r *ActivityRepository) InsertIfAbsent(ctx context.Context, activities []domain.ScheduledActivity) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const stmt = `INSERT INTO scheduled_activities (guid, health_code, plan_guid, occurrence, activity_type, activity_ref, label, scheduled_on, expires_on, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
        ON CONFLICT (guid) DO NOTHING`

	inserted := 0
	for _, act := range activities {
		tag, err := tx.Exec(ctx, stmt,
			act.GUID,
			act.HealthCode,
			act.SchedulePlanGUID,
			act.Occurrence,
			act.ActivityType,
			act.ActivityRef,
			act.Label,
			act.ScheduledOn,
			act.ExpiresOn,
		)
		if err != nil {
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpdateTimestamps applies startedOn/finishedOn for one record and emits the
// state-change outbox entry in the same transaction. Nil inputs leave the
// stored column untouched and a finished record never changes again; both
// guards live in the statement, so two concurrent reports cannot blank each
// other's timestamps. Returns false when no live row matched.
func (r *ActivityRepository) UpdateTimestamps(ctx context.Context, healthCode, guid string, startedOn, finishedOn *time.Time) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const stmt = `UPDATE scheduled_activities
        SET started_on=COALESCE($3, started_on), finished_on=COALESCE($4, finished_on)
        WHERE health_code=$1 AND guid=$2 AND finished_on IS NULL
        RETURNING plan_guid, started_on, finished_on`

	var (
		planGUID    string
		newStarted  *time.Time
		newFinished *time.Time
	)
	if err := tx.QueryRow(ctx, stmt, healthCode, guid, startedOn, finishedOn).Scan(&planGUID, &newStarted, &newFinished); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	state := domain.TaskStateStarted
	occurredAt := newStarted
	if newFinished != nil {
		state = domain.TaskStateFinished
		occurredAt = newFinished
	}
	if occurredAt == nil {
		now := time.Now().UTC()
		occurredAt = &now
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", guid, state, occurredAt.UnixMilli())
	if err := insertOutbox(ctx, tx, EventTypeActivityStateChanged, guid, healthCode, dedupeKey, events.ActivityStateChanged{
		GUID:       guid,
		HealthCode: healthCode,
		PlanGUID:   planGUID,
		State:      string(state),
		OccurredAt: *occurredAt,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// DeletePendingByPlan removes unstarted records whose provenance is the plan.
func (r *ActivityRepository) DeletePendingByPlan(ctx context.Context, planGUID string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM scheduled_activities WHERE plan_guid=$1 AND started_on IS NULL AND finished_on IS NULL`,
		planGUID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeletePendingByGUIDs removes unstarted records from the batch. Started and
// finished rows are excluded by the predicate even if named.
func (r *ActivityRepository) DeletePendingByGUIDs(ctx context.Context, healthCode string, guids []string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM scheduled_activities WHERE health_code=$1 AND guid=ANY($2) AND started_on IS NULL AND finished_on IS NULL`,
		healthCode, guids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteByParticipant removes every record for the participant.
func (r *ActivityRepository) DeleteByParticipant(ctx context.Context, healthCode string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM scheduled_activities WHERE health_code=$1`, healthCode)
	return err
}

// WithParticipantLock serializes read-modify-write cycles for one
// participant with a session-scoped advisory lock.
func (r *ActivityRepository) WithParticipantLock(ctx context.Context, healthCode string, fn func(context.Context) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, lockClass, healthCode); err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, lockClass, healthCode)
	}()

	return fn(ctx)
}

func scanActivity(row pgx.Row) (*domain.ScheduledActivity, error) {
	var act domain.ScheduledActivity
	if err := row.Scan(
		&act.GUID,
		&act.HealthCode,
		&act.SchedulePlanGUID,
		&act.Occurrence,
		&act.ActivityType,
		&act.ActivityRef,
		&act.Label,
		&act.ScheduledOn,
		&act.ExpiresOn,
		&act.StartedOn,
		&act.FinishedOn,
		&act.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &act, nil
}
