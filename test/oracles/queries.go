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

// All returns the invariant queries. Every query must return zero rows on a
// healthy database; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_token_per_stage",
			SQL: `SELECT case_id, stage_kind, COUNT(*) FROM access_tokens
                  WHERE consumed_at IS NULL AND superseded_at IS NULL
                  GROUP BY case_id, stage_kind HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_token_consumed_within_lifetime",
			SQL: `SELECT id, token_value FROM access_tokens
                  WHERE consumed_at IS NOT NULL
                    AND (consumed_at < issued_at OR consumed_at > expires_at)`,
		},
		{
			Name: "O3_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT case_id, seq,
                             LAG(seq) OVER (PARTITION BY case_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O4_status_consistent_with_route",
			SQL: `SELECT id, onboarding_route, status FROM contractor_cases
                  WHERE (status = 'pending_third_party_response'
                         AND onboarding_route NOT IN ('third_party', 'saudi'))
                     OR (status IN ('pending_contract_upload', 'contract_uploaded', 'contract_approved', 'pending_superadmin_signature')
                         AND onboarding_route NOT IN ('third_party', 'saudi'))
                     OR (status IN ('pending_client_wo_signature', 'work_order_completed')
                         AND onboarding_route = 'freelancer')
                     OR (status = 'awaiting_work_order_approval'
                         AND onboarding_route IN ('freelancer', 'offshore'))`,
		},
		{
			Name: "O5_stage_set_matches_route",
			SQL: `SELECT c.id, c.onboarding_route, COUNT(s.stage_kind) AS stages
                  FROM contractor_cases c
                  LEFT JOIN stage_records s ON s.case_id = c.id
                  GROUP BY c.id, c.onboarding_route
                  HAVING COUNT(s.stage_kind) <> CASE c.onboarding_route::text
                      WHEN 'wps' THEN 6
                      WHEN 'freelancer' THEN 4
                      WHEN 'third_party' THEN 6
                      WHEN 'saudi' THEN 7
                      WHEN 'offshore' THEN 5
                      WHEN 'uae' THEN 7
                  END`,
		},
		{
			Name: "O6_rejected_records_origin",
			SQL: `SELECT id FROM contractor_cases
                  WHERE status = 'rejected' AND rejected_from IS NULL`,
		},
		{
			Name: "O7_outbox_not_stale",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_signed_cases_have_contract_signatures",
			SQL: `SELECT c.id FROM contractor_cases c
                  WHERE c.status IN ('signed', 'pending_client_wo_signature', 'work_order_completed',
                                     'awaiting_work_order_approval', 'active', 'suspended')
                    AND NOT EXISTS (
                        SELECT 1 FROM signature_events s
                        WHERE s.case_id = c.id AND s.stage_kind = 'contract')`,
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
