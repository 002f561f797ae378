package signature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"placementflow/route"
)

// Method distinguishes a typed name from a drawn signature image.
type Method string

const (
	MethodTyped Method = "typed"
	MethodDrawn Method = "drawn"
)

var (
	// ErrRoleNotExpected signals the signer role is not in the stage's quorum.
	ErrRoleNotExpected = errors.New("signature: role not expected for stage")
	// ErrStageNotAwaitingSignature signals the stage cannot accept signatures
	// in its current state.
	ErrStageNotAwaitingSignature = errors.New("signature: stage not awaiting signature")
	// ErrInvalidMethod signals an unknown capture method.
	ErrInvalidMethod = errors.New("signature: invalid method")
)

// Event records one party signing a stage. Events are append-only: re-signing
// appends a superseding event, it never rewrites history.
type Event struct {
	ID         int64
	CaseID     string
	Stage      route.StageKind
	SignerRole route.SignerRole
	Method     Method
	PayloadRef string
	SignedAt   time.Time
}

// CaptureParams describes a signature about to be recorded.
type CaptureParams struct {
	CaseID     string
	Stage      route.StageKind
	Required   []route.SignerRole
	Accepting  bool
	SignerRole route.SignerRole
	Method     Method
	PayloadRef string
	SignedAt   time.Time
}

// Capture validates a signature against the stage's quorum definition and
// returns the event to append. Pure: persistence is the repository's job.
func Capture(params CaptureParams) (Event, error) {
	if !params.Accepting {
		return Event{}, ErrStageNotAwaitingSignature
	}
	if params.Method != MethodTyped && params.Method != MethodDrawn {
		return Event{}, ErrInvalidMethod
	}
	var expected bool
	for _, role := range params.Required {
		if role == params.SignerRole {
			expected = true
			break
		}
	}
	if !expected {
		return Event{}, ErrRoleNotExpected
	}
	return Event{
		CaseID:     params.CaseID,
		Stage:      params.Stage,
		SignerRole: params.SignerRole,
		Method:     params.Method,
		PayloadRef: params.PayloadRef,
		SignedAt:   params.SignedAt,
	}, nil
}

// QuorumSatisfied reports whether every required role has at least one event.
// It is a set check, not a count check: the same role signing twice cannot
// stand in for a different missing role.
func QuorumSatisfied(required []route.SignerRole, events []Event) bool {
	if len(required) == 0 {
		return false
	}
	signed := make(map[route.SignerRole]bool, len(events))
	for _, ev := range events {
		signed[ev.SignerRole] = true
	}
	for _, role := range required {
		if !signed[role] {
			return false
		}
	}
	return true
}

// MissingRoles lists quorum roles that have not signed yet, in quorum order.
func MissingRoles(required []route.SignerRole, events []Event) []route.SignerRole {
	signed := make(map[route.SignerRole]bool, len(events))
	for _, ev := range events {
		signed[ev.SignerRole] = true
	}
	missing := make([]route.SignerRole, 0, len(required))
	for _, role := range required {
		if !signed[role] {
			missing = append(missing, role)
		}
	}
	return missing
}

// Repository persists signature events for a case.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Append inserts the event inside the caller's transaction.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, ev Event) (Event, error) {
	if ev.CaseID == "" || ev.Stage == "" {
		return Event{}, fmt.Errorf("signature: append missing case or stage")
	}
	err := tx.QueryRow(ctx, `
INSERT INTO signature_events (case_id, stage_kind, signer_role, method, payload_ref, signed_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, ev.CaseID, ev.Stage, ev.SignerRole, ev.Method, nullable(ev.PayloadRef), ev.SignedAt).Scan(&ev.ID)
	if err != nil {
		return Event{}, fmt.Errorf("signature: append event: %w", err)
	}
	return ev, nil
}

// ListForStage returns the stage's events in signing order.
func (r *Repository) ListForStage(ctx context.Context, tx pgx.Tx, caseID string, stage route.StageKind) ([]Event, error) {
	rows, err := tx.Query(ctx, `
SELECT id, case_id::text, stage_kind::text, signer_role::text, method::text, COALESCE(payload_ref, ''), signed_at
FROM signature_events
WHERE case_id = $1 AND stage_kind = $2
ORDER BY id
`, caseID, stage)
	if err != nil {
		return nil, fmt.Errorf("signature: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 4)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Stage, &ev.SignerRole, &ev.Method, &ev.PayloadRef, &ev.SignedAt); err != nil {
			return nil, fmt.Errorf("signature: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signature: iterate events: %w", err)
	}
	return events, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
