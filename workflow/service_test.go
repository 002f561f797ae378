package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"placementflow/auth"
	"placementflow/route"
	"placementflow/signature"
	"placementflow/token"
)

func TestApply_CommitsTransitionAndFoldsTokenIntoOutbox(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeCaseRepo{current: newCase(route.RouteWPS, StatusDraft)}
	tokens := &fakeTokenIssuer{}
	engine := NewEngine(pool, repo, tokens, &fakeSigAppender{}, zap.NewNop()).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	snap, err := engine.Apply(context.Background(), Event{
		Kind:    EventRequestDocuments,
		CaseID:  "case-1",
		ActorID: "consultant-1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if snap.Status != StatusPendingDocuments {
		t.Fatalf("expected pending_documents, got %s", snap.Status)
	}
	if repo.lastStatus != StatusPendingDocuments {
		t.Fatalf("status not persisted, got %s", repo.lastStatus)
	}
	if len(tokens.issued) != 1 || tokens.issued[0].Scope != token.ScopeUploadDocuments {
		t.Fatalf("expected one upload_documents token, got %+v", tokens.issued)
	}
	if len(repo.outbox) != 1 {
		t.Fatalf("expected one outbox message, got %d", len(repo.outbox))
	}
	if repo.outbox[0].payload["token_value"] != tokens.lastValue {
		t.Fatal("outbox payload missing the minted token value")
	}
	if len(repo.timeline) != 1 || repo.timeline[0].eventType != "CASE_STATUS_CHANGED" {
		t.Fatalf("expected one timeline event, got %+v", repo.timeline)
	}
}

func TestApply_IllegalEventTouchesNothing(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeCaseRepo{current: newCase(route.RouteWPS, StatusDraft)}
	engine := NewEngine(pool, repo, &fakeTokenIssuer{}, &fakeSigAppender{}, zap.NewNop())

	_, err := engine.Apply(context.Background(), Event{Kind: EventActivate, CaseID: "case-1"})
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("illegal event must not commit")
	}
	if !pool.tx.rolled {
		t.Fatal("expected rollback")
	}
	if repo.updateCalls != 0 {
		t.Fatal("illegal event must not update status")
	}
}

func TestApply_DuplicateIdempotencyKeyReplaysSnapshot(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeCaseRepo{
		current:   newCase(route.RouteWPS, StatusPendingDocuments),
		insertErr: ErrDuplicateEvent,
	}
	engine := NewEngine(pool, repo, &fakeTokenIssuer{}, &fakeSigAppender{}, zap.NewNop())

	snap, err := engine.Apply(context.Background(), Event{
		Kind:           EventRequestDocuments,
		CaseID:         "case-1",
		ActorID:        "consultant-1",
		IdempotencyKey: "req-42",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if snap.Status != StatusPendingDocuments {
		t.Fatalf("expected current status back, got %s", snap.Status)
	}
	if repo.updateCalls != 0 {
		t.Fatal("replay must not re-apply the transition")
	}
	if pool.tx.committed {
		t.Fatal("replay must not commit")
	}
}

func TestApply_SignatureEffectStampedWithClock(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	pool := &fakePool{}
	c := newCase(route.RouteWPS, StatusPendingClientWOSignature)
	repo := &fakeCaseRepo{current: c}
	sigs := &fakeSigAppender{}
	engine := NewEngine(pool, repo, &fakeTokenIssuer{}, sigs, zap.NewNop()).
		WithClock(func() time.Time { return now })

	_, err := engine.Apply(context.Background(), Event{
		Kind:   EventClientSigned,
		CaseID: "case-1",
		Claims: &token.Claims{CaseID: "case-1", Stage: route.StageWorkOrder, Scope: token.ScopeSignWorkOrder},
		Method: signature.MethodDrawn,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(sigs.appended) != 1 {
		t.Fatalf("expected one signature, got %d", len(sigs.appended))
	}
	if !sigs.appended[0].SignedAt.Equal(now) {
		t.Fatalf("signed_at = %v, want %v", sigs.appended[0].SignedAt, now)
	}
}

func TestApply_ActorRoleGatesInternalEvents(t *testing.T) {
	cases := []struct {
		name    string
		role    auth.Role
		kind    EventKind
		status  Status
		refused bool
	}{
		{"consultant cannot approve", auth.RoleConsultant, EventApprove, StatusPendingReview, true},
		{"admin approves", auth.RoleAdmin, EventApprove, StatusPendingReview, false},
		{"admin cannot countersign", auth.RoleAdmin, EventCountersign, StatusPendingSignature, true},
		{"superadmin countersigns", auth.RoleSuperadmin, EventCountersign, StatusPendingSignature, false},
		{"consultant still sends contract", auth.RoleConsultant, EventSendContract, StatusApproved, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool := &fakePool{}
			repo := &fakeCaseRepo{current: newCase(route.RouteWPS, tc.status)}
			dir := &fakeDirectory{role: tc.role}
			engine := NewEngine(pool, repo, &fakeTokenIssuer{}, &fakeSigAppender{}, zap.NewNop()).
				WithActorDirectory(dir)

			ev := Event{Kind: tc.kind, CaseID: "case-1", ActorID: "user-1"}
			if tc.kind == EventCountersign {
				ev.Role = route.RoleAventusPartyA
				ev.Method = signature.MethodTyped
			}
			_, err := engine.Apply(context.Background(), ev)
			if tc.refused {
				if !errors.Is(err, ErrActorNotAllowed) {
					t.Fatalf("expected ErrActorNotAllowed, got %v", err)
				}
				if pool.tx != nil {
					t.Fatal("refused actor must not open a transaction")
				}
				return
			}
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !pool.tx.committed {
				t.Fatal("expected commit")
			}
		})
	}
}

func TestApply_NoDirectorySkipsActorCheck(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeCaseRepo{current: newCase(route.RouteWPS, StatusPendingReview)}
	engine := NewEngine(pool, repo, &fakeTokenIssuer{}, &fakeSigAppender{}, zap.NewNop())

	if _, err := engine.Apply(context.Background(), Event{Kind: EventApprove, CaseID: "case-1"}); err != nil {
		t.Fatalf("apply without directory: %v", err)
	}
}

type fakeDirectory struct {
	role auth.Role
}

func (f *fakeDirectory) GetUserByID(ctx context.Context, userID string) (*auth.User, error) {
	if userID == "" {
		return nil, auth.ErrUserNotFound
	}
	return &auth.User{ID: userID, Role: f.role}, nil
}

type fakeCaseRepo struct {
	current     Case
	insertErr   error
	updateCalls int
	lastStatus  Status
	outbox      []outboxCall
	timeline    []timelineCall
}

type outboxCall struct {
	topic   string
	payload map[string]any
}

type timelineCall struct {
	eventType string
	payload   map[string]any
}

func (f *fakeCaseRepo) LockCase(ctx context.Context, tx pgx.Tx, caseID string) (Case, error) {
	c := f.current
	c.ID = caseID
	return c, nil
}

func (f *fakeCaseRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, caseID string, next Status, rejectedFrom *Status, now time.Time) error {
	f.updateCalls++
	f.lastStatus = next
	return nil
}

func (f *fakeCaseRepo) SetStageState(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, state StageState) error {
	return nil
}

func (f *fakeCaseRepo) SetStageArtifact(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, ref string) error {
	return nil
}

func (f *fakeCaseRepo) SetStageTokenExpiry(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, expiresAt time.Time) error {
	return nil
}

func (f *fakeCaseRepo) AppendTimeline(ctx context.Context, tx pgx.Tx, caseID, eventType string, payload map[string]any, actorID string) error {
	f.timeline = append(f.timeline, timelineCall{eventType: eventType, payload: payload})
	return nil
}

func (f *fakeCaseRepo) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.outbox = append(f.outbox, outboxCall{topic: topic, payload: payload})
	return nil
}

func (f *fakeCaseRepo) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	return f.insertErr
}

type fakeTokenIssuer struct {
	issued    []token.IssueParams
	lastValue string
}

func (f *fakeTokenIssuer) IssueTx(ctx context.Context, tx pgx.Tx, params token.IssueParams) (token.AccessToken, error) {
	f.issued = append(f.issued, params)
	f.lastValue = "tok-" + string(params.Scope)
	return token.AccessToken{
		Value:     f.lastValue,
		CaseID:    params.CaseID,
		Stage:     params.Stage,
		Scope:     params.Scope,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

type fakeSigAppender struct {
	appended []signature.Event
}

func (f *fakeSigAppender) Append(ctx context.Context, tx pgx.Tx, ev signature.Event) (signature.Event, error) {
	ev.ID = int64(len(f.appended) + 1)
	f.appended = append(f.appended, ev)
	return ev, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
