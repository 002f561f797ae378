package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"placementflow/route"
)

// Scope names the single external action a token authorizes.
type Scope string

const (
	ScopeUploadDocuments Scope = "upload_documents"
	ScopeSubmitQuote     Scope = "submit_quote"
	ScopeUploadContract  Scope = "upload_contract"
	ScopeSignContract    Scope = "sign_contract"
	ScopeSignWorkOrder   Scope = "sign_work_order"
)

var (
	// ErrNotFound signals the token value was never issued.
	ErrNotFound = errors.New("token: not found")
	// ErrExpired signals the token outlived its TTL before being consumed.
	ErrExpired = errors.New("token: expired")
	// ErrAlreadyConsumed signals the token was used or superseded by a reissue.
	ErrAlreadyConsumed = errors.New("token: already consumed")
)

// AccessToken is the capability handed to an external actor. The value is
// generated fresh per issuance and never reused.
type AccessToken struct {
	Value     string
	CaseID    string
	Stage     route.StageKind
	Scope     Scope
	ExpiresAt time.Time
}

// Claims are the bound facts returned by a successful consume.
type Claims struct {
	CaseID string
	Stage  route.StageKind
	Scope  Scope
}

// IssueParams enumerates what a new token is bound to.
type IssueParams struct {
	CaseID string
	Stage  route.StageKind
	Scope  Scope
	TTL    time.Duration
}

// Service issues and consumes single-use capability tokens.
type Service struct {
	pool     *pgxpool.Pool
	now      func() time.Time
	generate func() string
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{
		pool:     pool,
		now:      time.Now,
		generate: generateValue,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithGenerator(gen func() string) *Service {
	s.generate = gen
	return s
}

// DefaultTTL returns the scope's standard lifetime: long links for uploads
// sent to outside companies, short ones for signing.
func DefaultTTL(scope Scope) time.Duration {
	switch scope {
	case ScopeUploadDocuments:
		return 7 * 24 * time.Hour
	case ScopeSubmitQuote, ScopeUploadContract:
		return 30 * 24 * time.Hour
	case ScopeSignContract, ScopeSignWorkOrder:
		return 72 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// Issue creates a fresh token for (case, stage), superseding any active one,
// in its own transaction.
func (s *Service) Issue(ctx context.Context, params IssueParams) (AccessToken, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AccessToken{}, fmt.Errorf("token: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tok, err := s.IssueTx(ctx, tx, params)
	if err != nil {
		return AccessToken{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AccessToken{}, fmt.Errorf("token: commit issue: %w", err)
	}
	return tok, nil
}

// IssueTx issues inside the caller's transaction so a workflow transition and
// its token land atomically. The previous active token for the stage is
// superseded first; it will consume as ErrAlreadyConsumed from then on.
func (s *Service) IssueTx(ctx context.Context, tx pgx.Tx, params IssueParams) (AccessToken, error) {
	if params.CaseID == "" {
		return AccessToken{}, fmt.Errorf("token: issue missing case id")
	}
	if params.Stage == "" {
		return AccessToken{}, fmt.Errorf("token: issue missing stage")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultTTL(params.Scope)
	}

	now := s.now().UTC()
	if _, err := tx.Exec(ctx, `
UPDATE access_tokens
SET superseded_at = $3
WHERE case_id = $1 AND stage_kind = $2
  AND consumed_at IS NULL AND superseded_at IS NULL
`, params.CaseID, params.Stage, now); err != nil {
		return AccessToken{}, fmt.Errorf("token: supersede previous: %w", err)
	}

	tok := AccessToken{
		Value:     s.generate(),
		CaseID:    params.CaseID,
		Stage:     params.Stage,
		Scope:     params.Scope,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO access_tokens (case_id, stage_kind, scope, token_value, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, tok.CaseID, tok.Stage, tok.Scope, tok.Value, now, tok.ExpiresAt); err != nil {
		return AccessToken{}, fmt.Errorf("token: insert: %w", err)
	}

	return tok, nil
}

// Consume atomically marks the token used and returns its claims. The update
// is a single compare-and-swap so two racing consumes of the same value yield
// exactly one success; the loser, and any later caller, gets a typed error.
func (s *Service) Consume(ctx context.Context, value string) (Claims, error) {
	if value == "" {
		return Claims{}, ErrNotFound
	}

	now := s.now().UTC()
	var claims Claims
	err := s.pool.QueryRow(ctx, `
UPDATE access_tokens
SET consumed_at = $2
WHERE token_value = $1
  AND consumed_at IS NULL
  AND superseded_at IS NULL
  AND expires_at > $2
RETURNING case_id::text, stage_kind::text, scope::text
`, value, now).Scan(&claims.CaseID, &claims.Stage, &claims.Scope)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claims{}, fmt.Errorf("token: consume: %w", err)
	}

	return Claims{}, s.classifyMiss(ctx, value, now)
}

// classifyMiss distinguishes why the CAS matched nothing. The row is re-read
// only after the swap failed, so the answer is for reporting, not control.
func (s *Service) classifyMiss(ctx context.Context, value string, now time.Time) error {
	var (
		consumedAt   *time.Time
		supersededAt *time.Time
		expiresAt    time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT consumed_at, superseded_at, expires_at
FROM access_tokens
WHERE token_value = $1
`, value).Scan(&consumedAt, &supersededAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("token: classify consume miss: %w", err)
	}
	if consumedAt != nil || supersededAt != nil {
		return ErrAlreadyConsumed
	}
	if !expiresAt.After(now) {
		return ErrExpired
	}
	return ErrNotFound
}

// generateValue returns an unguessable URL-safe token value.
func generateValue() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
