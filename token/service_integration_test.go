package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"placementflow/route"
)

// TestConsume_Integration exercises the single-use guarantee against a real
// PostgreSQL via DATABASE_URL: racing consumes, expiry, and reissue
// supersession.
func TestConsume_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	caseID := seedCase(ctx, t, pool)
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM access_tokens WHERE case_id = $1`, caseID)
		pool.Exec(ctx2, `DELETE FROM stage_records WHERE case_id = $1`, caseID)
		pool.Exec(ctx2, `DELETE FROM contractor_cases WHERE id = $1`, caseID)
	})

	svc := NewService(pool)

	t.Run("racing consumes yield one winner", func(t *testing.T) {
		tok, err := svc.Issue(ctx, IssueParams{CaseID: caseID, Stage: route.StageDocuments, Scope: ScopeUploadDocuments})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}

		var wins, losses atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				_, err := svc.Consume(gctx, tok.Value)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrAlreadyConsumed):
					losses.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("consume race: %v", err)
		}
		if wins.Load() != 1 || losses.Load() != 7 {
			t.Fatalf("expected 1 winner and 7 losers, got %d/%d", wins.Load(), losses.Load())
		}
	})

	t.Run("reissue supersedes previous token", func(t *testing.T) {
		first, err := svc.Issue(ctx, IssueParams{CaseID: caseID, Stage: route.StageContract, Scope: ScopeSignContract})
		if err != nil {
			t.Fatalf("issue first: %v", err)
		}
		second, err := svc.Issue(ctx, IssueParams{CaseID: caseID, Stage: route.StageContract, Scope: ScopeSignContract})
		if err != nil {
			t.Fatalf("issue second: %v", err)
		}

		if _, err := svc.Consume(ctx, first.Value); !errors.Is(err, ErrAlreadyConsumed) {
			t.Fatalf("superseded token: expected ErrAlreadyConsumed, got %v", err)
		}
		claims, err := svc.Consume(ctx, second.Value)
		if err != nil {
			t.Fatalf("consume second: %v", err)
		}
		if claims.CaseID != caseID || claims.Stage != route.StageContract || claims.Scope != ScopeSignContract {
			t.Fatalf("unexpected claims: %+v", claims)
		}
	})

	t.Run("expired token refused", func(t *testing.T) {
		past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		expired := NewService(pool).WithClock(func() time.Time { return past })
		tok, err := expired.Issue(ctx, IssueParams{CaseID: caseID, Stage: route.StageWorkOrder, Scope: ScopeSignWorkOrder, TTL: time.Minute})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}

		if _, err := svc.Consume(ctx, tok.Value); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
	})

	t.Run("unknown token refused", func(t *testing.T) {
		if _, err := svc.Consume(ctx, "never-issued"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func seedCase(ctx context.Context, t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	var caseID string
	err := pool.QueryRow(ctx, `
        INSERT INTO contractor_cases (contractor_name, client_name, onboarding_route, status)
        VALUES ($1, 'Acme FZ-LLC', 'wps', 'draft') RETURNING id
    `, fmt.Sprintf("Token Test %d", time.Now().UnixNano())).Scan(&caseID)
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return caseID
}
