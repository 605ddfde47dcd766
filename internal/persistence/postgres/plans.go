package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/scheduler/internal/domain"
)

// PlanRepository reads schedule plans authored by study configuration. This
// service never writes plans.
type PlanRepository struct {
	pool *pgxpool.Pool
}

// NewPlanRepository constructs a PlanRepository.
func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

// ActivePlans returns the current active plans, schedule variants decoded.
func (r *PlanRepository) ActivePlans(ctx context.Context) ([]domain.SchedulePlan, error) {
	const query = `SELECT guid, label, version, active, schedule FROM schedule_plans WHERE active ORDER BY guid`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SchedulePlan
	for rows.Next() {
		var (
			plan domain.SchedulePlan
			raw  []byte
		)
		if err := rows.Scan(&plan.GUID, &plan.Label, &plan.Version, &plan.Active, &raw); err != nil {
			return nil, err
		}
		// A malformed schedule is carried through zero-valued so the
		// generator can report a per-plan error instead of this read
		// aborting every other plan.
		_ = json.Unmarshal(raw, &plan.Schedule)
		out = append(out, plan)
	}
	return out, rows.Err()
}
