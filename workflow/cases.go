package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"placementflow/route"
	"placementflow/signature"
)

type CreateParams struct {
	ContractorName  string
	ContractorEmail string
	ClientName      string
	Route           route.Route
	// ThirdPartyID links the counterparty company on quote routes.
	ThirdPartyID string
}

type ListFilters struct {
	Status   Status
	Route    route.Route
	Page     int
	PageSize int
}

type Record struct {
	ID              string
	ContractorName  string
	ContractorEmail string
	ClientName      string
	Route           route.Route
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CRUDService creates and reads cases. Transitions go through the Engine.
type CRUDService struct {
	pool *pgxpool.Pool
}

func NewCRUDService(pool *pgxpool.Pool) *CRUDService {
	return &CRUDService{pool: pool}
}

// Create opens a case in draft with one stage record per stage the route
// requires, positions fixed at creation so the stage list never changes
// shape afterwards.
func (s *CRUDService) Create(ctx context.Context, actorID string, params CreateParams) (Record, error) {
	if params.ContractorName == "" {
		return Record{}, fmt.Errorf("workflow: contractor name required")
	}
	if params.ClientName == "" {
		return Record{}, fmt.Errorf("workflow: client name required")
	}
	stages, err := route.StagesFor(params.Route)
	if err != nil {
		return Record{}, fmt.Errorf("workflow: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var rec Record
	insertSQL := `
        INSERT INTO contractor_cases (contractor_name, contractor_email, client_name, onboarding_route, status, third_party_id)
        VALUES ($1,$2,$3,$4,'draft',$5)
        RETURNING id::text, contractor_name, COALESCE(contractor_email,''), client_name, onboarding_route::text, status::text, created_at, updated_at
    `
	if err := tx.QueryRow(ctx, insertSQL,
		params.ContractorName,
		nullableRef(params.ContractorEmail),
		params.ClientName,
		params.Route,
		nullableRef(params.ThirdPartyID),
	).Scan(&rec.ID, &rec.ContractorName, &rec.ContractorEmail, &rec.ClientName, &rec.Route, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, fmt.Errorf("workflow: insert case: %w", err)
	}

	for i, kind := range stages {
		if _, err := tx.Exec(ctx, `
INSERT INTO stage_records (case_id, stage_kind, state, position)
VALUES ($1, $2, 'pending', $3)
`, rec.ID, kind, i); err != nil {
			return Record{}, fmt.Errorf("workflow: insert stage record: %w", err)
		}
	}

	payload := map[string]any{
		"route":      string(params.Route),
		"contractor": params.ContractorName,
		"client":     params.ClientName,
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO timeline_events (case_id, seq, type, payload, actor_id)
VALUES ($1, 1, 'CASE_CREATED', $2::jsonb, $3)
`, rec.ID, mustJSON(payload), actor); err != nil {
		return Record{}, fmt.Errorf("workflow: timeline insert: %w", err)
	}

	outboxPayload := map[string]any{
		"case_id": rec.ID,
		"route":   string(params.Route),
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('case.created',$1::jsonb)`, mustJSON(outboxPayload)); err != nil {
		return Record{}, fmt.Errorf("workflow: outbox insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("workflow: commit: %w", err)
	}

	return rec, nil
}

// Get returns the case snapshot without taking the transition lock.
func (s *CRUDService) Get(ctx context.Context, caseID string) (Snapshot, error) {
	var (
		c            Case
		rejectedFrom *string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id::text, onboarding_route::text, status::text, rejected_from::text, created_at, updated_at
FROM contractor_cases
WHERE id = $1
`, caseID).Scan(&c.ID, &c.Route, &c.Status, &rejectedFrom, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrCaseNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("workflow: get case: %w", err)
	}
	if rejectedFrom != nil {
		c.RejectedFrom = Status(*rejectedFrom)
	}

	rows, err := s.pool.Query(ctx, `
SELECT stage_kind::text, state::text, COALESCE(artifact_ref::text, ''), token_expires_at
FROM stage_records
WHERE case_id = $1
ORDER BY position
`, caseID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("workflow: get stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st Stage
		if err := rows.Scan(&st.Kind, &st.State, &st.ArtifactRef, &st.TokenExpiry); err != nil {
			return Snapshot{}, fmt.Errorf("workflow: scan stage: %w", err)
		}
		c.Stages = append(c.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("workflow: iterate stages: %w", err)
	}

	sigRows, err := s.pool.Query(ctx, `
SELECT id, case_id::text, stage_kind::text, signer_role::text, method::text, COALESCE(payload_ref, ''), signed_at
FROM signature_events
WHERE case_id = $1
ORDER BY id
`, caseID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("workflow: get signatures: %w", err)
	}
	defer sigRows.Close()
	for sigRows.Next() {
		var ev signature.Event
		if err := sigRows.Scan(&ev.ID, &ev.CaseID, &ev.Stage, &ev.SignerRole, &ev.Method, &ev.PayloadRef, &ev.SignedAt); err != nil {
			return Snapshot{}, fmt.Errorf("workflow: scan signature: %w", err)
		}
		if stage := c.StageByKind(ev.Stage); stage != nil {
			stage.Signatures = append(stage.Signatures, ev)
		}
	}
	if err := sigRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("workflow: iterate signatures: %w", err)
	}

	return snapshotOf(c), nil
}

// List pages through cases, optionally filtered by status and route.
func (s *CRUDService) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Route != "" {
		args = append(args, filters.Route)
		where += fmt.Sprintf(" AND onboarding_route = $%d", len(args))
	}

	listArgs := append(append([]any{}, args...), filters.PageSize, (filters.Page-1)*filters.PageSize)
	query := fmt.Sprintf(`
        SELECT id::text, contractor_name, COALESCE(contractor_email,''), client_name, onboarding_route::text, status::text, created_at, updated_at
        FROM contractor_cases
        %s
        ORDER BY created_at DESC
        LIMIT $%d OFFSET $%d
    `, where, len(args)+1, len(args)+2)

	rows, err := s.pool.Query(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("workflow: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ContractorName, &rec.ContractorEmail, &rec.ClientName, &rec.Route, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM contractor_cases %s`, where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// Timeline returns the case's timeline events in seq order.
func (s *CRUDService) Timeline(ctx context.Context, caseID string) ([]TimelineEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT seq, type, payload, COALESCE(actor_id::text, ''), created_at
FROM timeline_events
WHERE case_id = $1
ORDER BY seq
`, caseID)
	if err != nil {
		return nil, fmt.Errorf("workflow: timeline: %w", err)
	}
	defer rows.Close()

	events := []TimelineEvent{}
	for rows.Next() {
		var (
			ev      TimelineEvent
			payload []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.Type, &payload, &ev.ActorID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("workflow: scan timeline event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("workflow: decode timeline payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TimelineEvent is one append-only history entry for a case.
type TimelineEvent struct {
	Seq       int64
	Type      string
	Payload   map[string]any
	ActorID   string
	CreatedAt time.Time
}

func mustJSON(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return string(b)
}
