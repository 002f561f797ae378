// Package document stores uploaded artifacts and hands out opaque refs. The
// workflow only ever records the ref; bytes live here.
package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"placementflow/route"
)

// ErrNotFound signals no artifact exists for the ref.
var ErrNotFound = errors.New("document: not found")

type Artifact struct {
	Ref         string
	CaseID      string
	Stage       route.StageKind
	Filename    string
	ContentType string
	Size        int64
	UploadedAt  time.Time
}

type PutParams struct {
	CaseID      string
	Stage       route.StageKind
	Filename    string
	ContentType string
	Body        []byte
}

// Store is the artifact persistence boundary.
type Store interface {
	Put(ctx context.Context, params PutParams) (Artifact, error)
	Get(ctx context.Context, ref string) (Artifact, []byte, error)
}

// PGStore keeps artifact bytes in PostgreSQL. Fine at this volume; refs stay
// stable if blobs ever move to object storage.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
	id   func() string
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool: pool,
		now:  time.Now,
		id:   uuid.NewString,
	}
}

func (s *PGStore) WithClock(now func() time.Time) *PGStore {
	s.now = now
	return s
}

func (s *PGStore) Put(ctx context.Context, params PutParams) (Artifact, error) {
	if params.CaseID == "" || params.Stage == "" {
		return Artifact{}, fmt.Errorf("document: put missing case or stage")
	}
	if len(params.Body) == 0 {
		return Artifact{}, fmt.Errorf("document: put empty body")
	}

	art := Artifact{
		Ref:         s.id(),
		CaseID:      params.CaseID,
		Stage:       params.Stage,
		Filename:    params.Filename,
		ContentType: params.ContentType,
		Size:        int64(len(params.Body)),
		UploadedAt:  s.now().UTC(),
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO documents (ref, case_id, stage_kind, filename, content_type, body, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, art.Ref, art.CaseID, art.Stage, art.Filename, art.ContentType, params.Body, art.UploadedAt); err != nil {
		return Artifact{}, fmt.Errorf("document: insert: %w", err)
	}
	return art, nil
}

func (s *PGStore) Get(ctx context.Context, ref string) (Artifact, []byte, error) {
	var (
		art  Artifact
		body []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT ref::text, case_id::text, stage_kind::text, filename, content_type, body, uploaded_at
FROM documents
WHERE ref = $1
`, ref).Scan(&art.Ref, &art.CaseID, &art.Stage, &art.Filename, &art.ContentType, &body, &art.UploadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Artifact{}, nil, ErrNotFound
	}
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("document: get: %w", err)
	}
	art.Size = int64(len(body))
	return art, body, nil
}

// MemStore is the in-memory Store used by tests.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	meta  map[string]Artifact
}

func NewMemStore() *MemStore {
	return &MemStore{
		blobs: make(map[string][]byte),
		meta:  make(map[string]Artifact),
	}
}

func (s *MemStore) Put(ctx context.Context, params PutParams) (Artifact, error) {
	if len(params.Body) == 0 {
		return Artifact{}, fmt.Errorf("document: put empty body")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	art := Artifact{
		Ref:         uuid.NewString(),
		CaseID:      params.CaseID,
		Stage:       params.Stage,
		Filename:    params.Filename,
		ContentType: params.ContentType,
		Size:        int64(len(params.Body)),
		UploadedAt:  time.Now().UTC(),
	}
	s.blobs[art.Ref] = append([]byte(nil), params.Body...)
	s.meta[art.Ref] = art
	return art, nil
}

func (s *MemStore) Get(ctx context.Context, ref string) (Artifact, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	art, ok := s.meta[ref]
	if !ok {
		return Artifact{}, nil, ErrNotFound
	}
	return art, append([]byte(nil), s.blobs[ref]...), nil
}
