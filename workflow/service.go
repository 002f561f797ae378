package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"placementflow/auth"
	"placementflow/route"
	"placementflow/signature"
	"placementflow/token"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CaseRepository defines the data access the engine needs.
type CaseRepository interface {
	LockCase(ctx context.Context, tx pgx.Tx, caseID string) (Case, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, caseID string, next Status, rejectedFrom *Status, now time.Time) error
	SetStageState(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, state StageState) error
	SetStageArtifact(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, ref string) error
	SetStageTokenExpiry(ctx context.Context, tx pgx.Tx, caseID string, kind route.StageKind, expiresAt time.Time) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, caseID, eventType string, payload map[string]any, actorID string) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// TokenIssuer issues capability tokens inside the engine's transaction.
type TokenIssuer interface {
	IssueTx(ctx context.Context, tx pgx.Tx, params token.IssueParams) (token.AccessToken, error)
}

// SignatureAppender persists signature events inside the engine's transaction.
type SignatureAppender interface {
	Append(ctx context.Context, tx pgx.Tx, ev signature.Event) (signature.Event, error)
}

// ActorDirectory resolves internal actor ids to staff users. Satisfied by
// *auth.Service. When set, the engine refuses privileged internal events
// from actors whose role cannot perform them.
type ActorDirectory interface {
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// Engine applies events to cases: lock, decide, run effects, commit. One
// transaction per event, serialized per case by the row lock.
type Engine struct {
	pool       TxBeginner
	repo       CaseRepository
	tokens     TokenIssuer
	signatures SignatureAppender
	actors     ActorDirectory
	log        *zap.Logger
	now        func() time.Time
}

func NewEngine(pool TxBeginner, repo CaseRepository, tokens TokenIssuer, signatures SignatureAppender, log *zap.Logger) *Engine {
	if repo == nil {
		repo = NewRepository()
	}
	if signatures == nil {
		signatures = signature.NewRepository()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		pool:       pool,
		repo:       repo,
		tokens:     tokens,
		signatures: signatures,
		log:        log,
		now:        time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithActorDirectory(actors ActorDirectory) *Engine {
	e.actors = actors
	return e
}

// Apply runs one event against its case. Tokens minted during the transition
// ride on the outbox payloads so the notifier can build links. A replayed
// idempotency key returns the current snapshot untouched.
func (e *Engine) Apply(ctx context.Context, ev Event) (Snapshot, error) {
	if ev.CaseID == "" {
		return Snapshot{}, ErrCaseNotFound
	}
	if err := e.authorize(ctx, ev); err != nil {
		return Snapshot{}, err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if ev.IdempotencyKey != "" {
		if err := e.repo.InsertIdempotencyKey(ctx, tx, ev.IdempotencyKey); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				c, lockErr := e.repo.LockCase(ctx, tx, ev.CaseID)
				if lockErr != nil {
					return Snapshot{}, lockErr
				}
				e.log.Debug("duplicate event replayed",
					zap.String("case_id", ev.CaseID),
					zap.String("event", string(ev.Kind)))
				return snapshotOf(c), nil
			}
			return Snapshot{}, err
		}
	}

	c, err := e.repo.LockCase(ctx, tx, ev.CaseID)
	if err != nil {
		return Snapshot{}, err
	}

	decision, err := Decide(c, ev)
	if err != nil {
		return Snapshot{}, err
	}

	now := e.now().UTC()
	prev := c.Status

	rejectedFrom := rejectedFromAfter(c, decision.Next)
	if err := e.repo.UpdateStatus(ctx, tx, c.ID, decision.Next, rejectedFrom, now); err != nil {
		return Snapshot{}, err
	}

	issued, err := e.runEffects(ctx, tx, &c, decision.Effects, now)
	if err != nil {
		return Snapshot{}, err
	}

	timelinePayload := map[string]any{
		"event": string(ev.Kind),
		"from":  string(prev),
		"to":    string(decision.Next),
	}
	if ev.Reason != "" {
		timelinePayload["reason"] = ev.Reason
	}
	if err := e.repo.AppendTimeline(ctx, tx, c.ID, "CASE_STATUS_CHANGED", timelinePayload, ev.ActorID); err != nil {
		return Snapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("workflow: commit tx: %w", err)
	}

	c.Status = decision.Next
	c.UpdatedAt = now
	if rejectedFrom != nil {
		c.RejectedFrom = *rejectedFrom
	} else {
		c.RejectedFrom = ""
	}

	e.log.Info("case transitioned",
		zap.String("case_id", c.ID),
		zap.String("event", string(ev.Kind)),
		zap.String("from", string(prev)),
		zap.String("to", string(decision.Next)))
	if issued != nil {
		e.log.Info("access token issued",
			zap.String("case_id", c.ID),
			zap.String("stage", string(issued.Stage)),
			zap.String("scope", string(issued.Scope)),
			zap.Time("expires_at", issued.ExpiresAt))
	}

	return snapshotOf(c), nil
}

// authorize checks the acting staff member's role against the event. Review
// decisions need admin, countersigning needs superadmin. External events are
// authorized by their consumed token, not by a user.
func (e *Engine) authorize(ctx context.Context, ev Event) error {
	if e.actors == nil || ev.Kind.External() {
		return nil
	}
	var allowed func(auth.Role) bool
	switch ev.Kind {
	case EventApprove, EventReject, EventReopen, EventRecall:
		allowed = auth.Role.CanReview
	case EventCountersign:
		allowed = auth.Role.CanCountersign
	default:
		return nil
	}
	user, err := e.actors.GetUserByID(ctx, ev.ActorID)
	if err != nil {
		return fmt.Errorf("workflow: resolve actor: %w", err)
	}
	if !allowed(user.Role) {
		e.log.Warn("actor role refused for event",
			zap.String("case_id", ev.CaseID),
			zap.String("actor_id", ev.ActorID),
			zap.String("role", string(user.Role)),
			zap.String("event", string(ev.Kind)))
		return ErrActorNotAllowed
	}
	return nil
}

// runEffects executes a decision's effects in order, mutating the in-memory
// case so the returned snapshot reflects what was written. A token minted for
// a stage is folded into that decision's outbox payloads so the notifier can
// build the link.
func (e *Engine) runEffects(ctx context.Context, tx pgx.Tx, c *Case, effects []Effect, now time.Time) (*token.AccessToken, error) {
	var issued *token.AccessToken
	for _, effect := range effects {
		switch eff := effect.(type) {
		case SetStageStateEffect:
			if err := e.repo.SetStageState(ctx, tx, c.ID, eff.Stage, eff.State); err != nil {
				return nil, err
			}
			if stage := c.StageByKind(eff.Stage); stage != nil {
				stage.State = eff.State
			}

		case StoreArtifactEffect:
			if err := e.repo.SetStageArtifact(ctx, tx, c.ID, eff.Stage, eff.Ref); err != nil {
				return nil, err
			}
			if stage := c.StageByKind(eff.Stage); stage != nil {
				stage.ArtifactRef = eff.Ref
			}

		case IssueTokenEffect:
			tok, err := e.tokens.IssueTx(ctx, tx, token.IssueParams{
				CaseID: c.ID,
				Stage:  eff.Stage,
				Scope:  eff.Scope,
			})
			if err != nil {
				return nil, err
			}
			if err := e.repo.SetStageTokenExpiry(ctx, tx, c.ID, eff.Stage, tok.ExpiresAt); err != nil {
				return nil, err
			}
			if stage := c.StageByKind(eff.Stage); stage != nil {
				expiry := tok.ExpiresAt
				stage.TokenExpiry = &expiry
			}
			issued = &tok

		case AppendSignatureEffect:
			sig := eff.Event
			sig.SignedAt = now
			stored, err := e.signatures.Append(ctx, tx, sig)
			if err != nil {
				return nil, err
			}
			if stage := c.StageByKind(sig.Stage); stage != nil {
				stage.Signatures = append(stage.Signatures, stored)
			}

		case EmitEffect:
			payload := make(map[string]any, len(eff.Payload)+3)
			for k, v := range eff.Payload {
				payload[k] = v
			}
			if issued != nil {
				payload["token_value"] = issued.Value
				payload["token_scope"] = string(issued.Scope)
				payload["token_expires_at"] = issued.ExpiresAt
			}
			if err := e.repo.EnqueueOutbox(ctx, tx, eff.Topic, payload); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("workflow: unknown effect %T", effect)
		}
	}
	return issued, nil
}

// rejectedFromAfter decides the rejected_from column's next value: record the
// interrupted status on entry to rejected, clear it on the way out.
func rejectedFromAfter(c Case, next Status) *Status {
	if next == StatusRejected && c.Status != StatusRejected {
		from := c.Status
		return &from
	}
	if next == StatusRejected {
		from := c.RejectedFrom
		return &from
	}
	return nil
}
