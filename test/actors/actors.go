package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"placementflow/document"
	"placementflow/gateway"
	"placementflow/notify"
	"placementflow/route"
	"placementflow/signature"
	"placementflow/workflow"
)

// Deps bundles the services actors drive. Everything goes through the real
// engine and gateway so the stress run exercises production paths, not SQL
// shortcuts.
type Deps struct {
	Pool      *pgxpool.Pool
	Engine    *workflow.Engine
	Cases     *workflow.CRUDService
	Gateway   *gateway.Service
	Documents document.Store

	// Staff actor ids registered by the harness; the engine's actor
	// directory gates internal events on their roles.
	AdminID      string
	SuperadminID string
	// ThirdPartyID is the counterparty company quote-route cases are
	// created against.
	ThirdPartyID string
}

// Lifecycle creates cases on the given route and random-walks them through
// the transition table: internal events through the engine, external ones by
// fishing the active link out of the database and going through the gateway.
func Lifecycle(ctx context.Context, deps Deps, r route.Route, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		params := workflow.CreateParams{
			ContractorName: fmt.Sprintf("Stress Contractor %d", rand.Int63()),
			ClientName:     "Stress Client LLC",
			Route:          r,
		}
		if route.Includes(r, route.StageThirdPartyQuote) {
			params.ThirdPartyID = deps.ThirdPartyID
		}
		rec, err := deps.Cases.Create(ctx, deps.AdminID, params)
		if err != nil {
			return fmt.Errorf("lifecycle create: %w", err)
		}

		for i := 0; i < 120; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return nil
			default:
			}
			snap, err := deps.Cases.Get(ctx, rec.ID)
			if err != nil {
				return fmt.Errorf("lifecycle get: %w", err)
			}
			if snap.Status == workflow.StatusActive {
				break
			}
			if err := advance(ctx, deps, snap); err != nil {
				return err
			}
			time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
		}
	}
}

// advance applies one randomly chosen legal event to the case.
func advance(ctx context.Context, deps Deps, snap workflow.Snapshot) error {
	internal := make([]workflow.EventKind, 0, len(snap.PendingActions))
	var external workflow.EventKind
	for _, kind := range snap.PendingActions {
		if kind.External() {
			external = kind
		} else {
			internal = append(internal, kind)
		}
	}

	if len(internal) > 0 && (external == "" || rand.Intn(2) == 0) {
		kind := internal[rand.Intn(len(internal))]
		ev := workflow.Event{Kind: kind, CaseID: snap.ID, ActorID: deps.AdminID}
		if kind == workflow.EventCountersign {
			ev.ActorID = deps.SuperadminID
			ev.Role = internalSignerRole()
			ev.Method = signature.MethodTyped
		}
		if kind == workflow.EventSuspend || kind == workflow.EventReject {
			ev.Reason = "stress"
		}
		_, err := deps.Engine.Apply(ctx, ev)
		return ignoreRefusals(err)
	}
	if external == "" {
		return nil
	}
	return submitExternal(ctx, deps, snap)
}

// submitExternal finds the case's active link, stores a real artifact, and
// submits through the gateway like an outside actor would.
func submitExternal(ctx context.Context, deps Deps, snap workflow.Snapshot) error {
	var (
		value string
		stage route.StageKind
	)
	err := deps.Pool.QueryRow(ctx, `
        SELECT token_value, stage_kind::text FROM access_tokens
        WHERE case_id = $1 AND consumed_at IS NULL AND superseded_at IS NULL
        ORDER BY issued_at DESC LIMIT 1
    `, snap.ID).Scan(&value, &stage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active token: %w", err)
	}

	ref := ""
	if deps.Documents != nil {
		art, err := deps.Documents.Put(ctx, document.PutParams{
			CaseID:      snap.ID,
			Stage:       stage,
			Filename:    fmt.Sprintf("%s.pdf", stage),
			ContentType: "application/pdf",
			Body:        []byte("stress artifact"),
		})
		if err != nil {
			return fmt.Errorf("store artifact: %w", err)
		}
		ref = art.Ref
	}

	_, err = deps.Gateway.Submit(ctx, gateway.Submission{
		TokenValue: value,
		PayloadRef: ref,
		Role:       externalSignerRole(snap.Route, stage),
		Method:     signature.MethodDrawn,
	})
	if errors.Is(err, gateway.ErrLinkInvalid) {
		// lost a race with another actor; the link is spent either way
		return nil
	}
	return err
}

// TokenRacer fires concurrent submissions of the same link and fails the run
// if more than one wins.
func TokenRacer(ctx context.Context, deps Deps, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var (
			value  string
			caseID string
			stage  route.StageKind
			rt     route.Route
		)
		err := deps.Pool.QueryRow(ctx, `
            SELECT t.token_value, t.case_id::text, t.stage_kind::text, c.onboarding_route::text
            FROM access_tokens t
            JOIN contractor_cases c ON c.id = t.case_id
            WHERE t.consumed_at IS NULL AND t.superseded_at IS NULL
            ORDER BY random() LIMIT 1
        `).Scan(&value, &caseID, &stage, &rt)
		if errors.Is(err, pgx.ErrNoRows) {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if err != nil {
			return fmt.Errorf("token racer pick: %w", err)
		}

		const racers = 4
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			go func() {
				_, err := deps.Gateway.Submit(ctx, gateway.Submission{
					TokenValue: value,
					Role:       externalSignerRole(rt, stage),
					Method:     signature.MethodDrawn,
				})
				results <- err
			}()
		}
		var wins int
		for i := 0; i < racers; i++ {
			if err := <-results; err == nil {
				wins++
			}
		}
		if wins > 1 {
			return fmt.Errorf("token %s accepted %d times", value, wins)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Reviewer rejects and reopens cases under review, exercising the
// rejected_from round trip.
func Reviewer(ctx context.Context, deps Deps, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var caseID string
		err := deps.Pool.QueryRow(ctx, `
            SELECT id::text FROM contractor_cases WHERE status = 'pending_review'
            ORDER BY random() LIMIT 1
        `).Scan(&caseID)
		if errors.Is(err, pgx.ErrNoRows) {
			time.Sleep(80 * time.Millisecond)
			continue
		}
		if err != nil {
			return fmt.Errorf("reviewer pick: %w", err)
		}

		if _, err := deps.Engine.Apply(ctx, workflow.Event{Kind: workflow.EventReject, CaseID: caseID, ActorID: deps.AdminID, Reason: "stress reject"}); err != nil {
			if ierr := ignoreRefusals(err); ierr != nil {
				return ierr
			}
			continue
		}
		if _, err := deps.Engine.Apply(ctx, workflow.Event{Kind: workflow.EventReopen, CaseID: caseID, ActorID: deps.AdminID}); err != nil {
			if ierr := ignoreRefusals(err); ierr != nil {
				return ierr
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker drains the outbox through the real dispatcher.
func OutboxWorker(ctx context.Context, dispatcher *notify.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := dispatcher.DrainOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// ignoreRefusals swallows errors that are legitimate under contention:
// another actor moved the case first.
func ignoreRefusals(err error) error {
	if err == nil {
		return nil
	}
	var terr *workflow.TransitionError
	if errors.As(err, &terr) {
		return nil
	}
	if errors.Is(err, signature.ErrRoleNotExpected) || errors.Is(err, workflow.ErrCaseNotFound) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func internalSignerRole() route.SignerRole {
	if rand.Intn(2) == 0 {
		return route.RoleAventusPartyA
	}
	return route.RoleAventusPartyB
}

// externalSignerRole picks the role an outside holder of a signing link for
// this stage would claim.
func externalSignerRole(r route.Route, stage route.StageKind) route.SignerRole {
	if stage == route.StageWorkOrder {
		return route.RoleClient
	}
	quorum, err := route.ContractQuorum(r)
	if err != nil {
		return route.RoleClient
	}
	for _, role := range quorum {
		switch role {
		case route.RoleContractor, route.RoleClient, route.RoleThirdParty:
			return role
		}
	}
	return route.RoleClient
}
