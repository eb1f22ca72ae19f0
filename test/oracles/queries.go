package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_dispute_per_agreement",
			SQL: `SELECT agreement_id, COUNT(*) FROM disputes
                  WHERE status NOT IN ('resolved','closed')
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_one_penalty_per_dispute",
			SQL: `SELECT dispute_id, COUNT(*) FROM penalties
                  WHERE dispute_id IS NOT NULL
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_resolved_is_closed",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved' AND (closed_at IS NULL OR resolution = 'none')`,
		},
		{
			Name: "O4_escalated_is_stamped",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'escalated_to_moderator' AND escalated_at IS NULL`,
		},
		{
			Name: "O5_score_in_range",
			SQL:  `SELECT id, score FROM disputes WHERE score < 0 OR score > 100`,
		},
		{
			Name: "O6_penalty_tiers",
			SQL: `SELECT id, amount, currency, reason FROM penalties
                  WHERE currency <> 'EUR'
                     OR amount NOT IN (25.00, 50.00)
                     OR (amount = 25.00 AND reason <> 'dispute_lost_half_penalty')
                     OR (amount = 50.00 AND reason = 'dispute_lost_half_penalty')`,
		},
		{
			Name: "O7_disputed_agreement_has_active_dispute",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.agreement_id = a.id
                          AND d.status NOT IN ('resolved','closed'))`,
		},
		{
			Name: "O8_active_dispute_holds_agreement",
			SQL: `SELECT d.id FROM disputes d
                  JOIN agreements a ON a.id = d.agreement_id
                  WHERE d.status NOT IN ('resolved','closed')
                    AND a.status <> 'disputed'`,
		},
		{
			Name: "O9_outbox_progress",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
