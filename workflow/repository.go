package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"placementflow/route"
	"placementflow/signature"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// LockCase loads the case row FOR UPDATE plus its stage records and their
// signature events. Every transition for the case serializes on this lock.
func (r *Repository) LockCase(ctx context.Context, tx pgx.Tx, caseID string) (Case, error) {
	var (
		c            Case
		rejectedFrom *string
	)
	err := tx.QueryRow(ctx, `
SELECT id::text, onboarding_route::text, status::text, rejected_from::text, created_at, updated_at
FROM contractor_cases
WHERE id = $1
FOR UPDATE
`, caseID).Scan(&c.ID, &c.Route, &c.Status, &rejectedFrom, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Case{}, ErrCaseNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("workflow: lock case: %w", err)
	}
	if rejectedFrom != nil {
		c.RejectedFrom = Status(*rejectedFrom)
	}

	c.Stages, err = r.loadStages(ctx, tx, caseID)
	if err != nil {
		return Case{}, err
	}
	for i := range c.Stages {
		switch c.Stages[i].Kind {
		case route.StageContract:
			quorum, qErr := route.ContractQuorum(c.Route)
			if qErr != nil {
				return Case{}, fmt.Errorf("workflow: %w", qErr)
			}
			c.Stages[i].RequiredRoles = quorum
		case route.StageWorkOrder:
			c.Stages[i].RequiredRoles = []route.SignerRole{route.RoleClient}
		}
	}
	return c, nil
}

func (r *Repository) loadStages(ctx context.Context, tx pgx.Tx, caseID string) ([]Stage, error) {
	rows, err := tx.Query(ctx, `
SELECT stage_kind::text, state::text, COALESCE(artifact_ref::text, ''), token_expires_at, position
FROM stage_records
WHERE case_id = $1
ORDER BY position
`, caseID)
	if err != nil {
		return nil, fmt.Errorf("workflow: load stages: %w", err)
	}
	defer rows.Close()

	stages := make([]Stage, 0, 8)
	for rows.Next() {
		var (
			st       Stage
			position int
		)
		if err := rows.Scan(&st.Kind, &st.State, &st.ArtifactRef, &st.TokenExpiry, &position); err != nil {
			return nil, fmt.Errorf("workflow: scan stage: %w", err)
		}
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate stages: %w", err)
	}

	sigRepo := signature.NewRepository()
	for i := range stages {
		events, err := sigRepo.ListForStage(ctx, tx, caseID, stages[i].Kind)
		if err != nil {
			return nil, err
		}
		stages[i].Signatures = events
	}
	return stages, nil
}

// UpdateStatus moves the case row to the next status. rejectedFrom is set on
// entry to rejected and cleared on exit, so reopen knows where to return.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, caseID string, next Status, rejectedFrom *Status, now time.Time) error {
	var from any
	if rejectedFrom != nil {
		from = string(*rejectedFrom)
	}
	tag, err := tx.Exec(ctx, `
UPDATE contractor_cases
SET status = $2, rejected_from = $3, updated_at = $4
WHERE id = $1
`, caseID, next, from, now)
	if err != nil {
		return fmt.Errorf("workflow: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (r *Repository) SetStageState(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, state StageState) error {
	tag, err := tx.Exec(ctx, `
UPDATE stage_records
SET state = $3
WHERE case_id = $1 AND stage_kind = $2
`, caseID, kind, state)
	if err != nil {
		return fmt.Errorf("workflow: set stage state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow: stage %s missing for case %s", kind, caseID)
	}
	return nil
}

func (r *Repository) SetStageArtifact(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, ref string) error {
	if _, err := tx.Exec(ctx, `
UPDATE stage_records
SET artifact_ref = $3
WHERE case_id = $1 AND stage_kind = $2
`, caseID, kind, nullableRef(ref)); err != nil {
		return fmt.Errorf("workflow: set stage artifact: %w", err)
	}
	return nil
}

func (r *Repository) SetStageTokenExpiry(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, expiresAt time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE stage_records
SET token_expires_at = $3
WHERE case_id = $1 AND stage_kind = $2
`, caseID, kind, expiresAt); err != nil {
		return fmt.Errorf("workflow: set stage token expiry: %w", err)
	}
	return nil
}

// AppendTimeline writes an append-only timeline event. The per-case seq is
// computed under the case lock, so it is gapless and monotonic per case.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, caseID, eventType string, payload map[string]any, actorID string) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("workflow: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO timeline_events (case_id, seq, type, payload, actor_id)
VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE case_id = $1), $2, $3, $4)
`, caseID, eventType, payloadBytes, actor); err != nil {
		return fmt.Errorf("workflow: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox stores a notification for the dispatcher to deliver after
// commit.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("workflow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2)
`, topic, payloadBytes); err != nil {
		return fmt.Errorf("workflow: insert outbox message: %w", err)
	}
	return nil
}

// InsertIdempotencyKey reserves the key inside the active transaction. A
// duplicate is detected with ON CONFLICT DO NOTHING rather than a unique
// violation: a raised error would abort the transaction and the replay path
// still needs it for the snapshot read.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("workflow: empty idempotency key")
	}
	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("workflow: insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

func nullableRef(s string) any {
	if s == "" {
		return nil
	}
	return s
}
