package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"leafdoc/api/internal/diagnosis"
)

var ErrNotFound = sql.ErrNoRows

type DiagnosisRepo struct{ DB *sql.DB }

func NewDiagnosisRepo(db *sql.DB) *DiagnosisRepo { return &DiagnosisRepo{DB: db} }

// Diagnosis is one stored analysis.
type Diagnosis struct {
	ID        uuid.UUID
	CreatedAt time.Time
	ChatID    int64
	ImageHash string
	Model     string
	Result    diagnosis.AnalysisResult
}

// diagnoses is the cache keyed by image and model; chat_diagnoses is the
// per-chat history and keeps its own copy of each result.
const schema = `
create table if not exists diagnoses (
  id           uuid primary key,
  created_at   timestamptz not null default now(),
  image_hash   text not null,
  model        text not null,
  is_healthy   boolean not null,
  disease_name text not null,
  confidence   double precision not null,
  result_json  jsonb not null,
  unique (image_hash, model)
);
create table if not exists chat_diagnoses (
  id           uuid primary key,
  created_at   timestamptz not null default now(),
  chat_id      bigint not null,
  diagnosis_id uuid not null,
  image_hash   text not null,
  model        text not null,
  result_json  jsonb not null
);
create index if not exists chat_diagnoses_chat_created_idx on chat_diagnoses (chat_id, created_at desc)`

func (r *DiagnosisRepo) Migrate(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, schema)
	return err
}

// Save stores d in the cache. A record with the same (image_hash, model) is
// refreshed in place and keeps its ID; d.ID and d.CreatedAt are set from the
// stored row. d.ChatID is not stored here, see Record.
func (r *DiagnosisRepo) Save(ctx context.Context, d *Diagnosis) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	js, err := json.Marshal(d.Result)
	if err != nil {
		return err
	}
	const q = `
insert into diagnoses (id, image_hash, model, is_healthy, disease_name, confidence, result_json)
values ($1,$2,$3,$4,$5,$6,$7)
on conflict (image_hash, model) do update
set is_healthy = excluded.is_healthy,
    disease_name = excluded.disease_name,
    confidence = excluded.confidence,
    result_json = excluded.result_json,
    created_at = now()
returning id, created_at`
	return r.DB.QueryRowContext(ctx, q,
		d.ID, d.ImageHash, d.Model,
		d.Result.IsHealthy, d.Result.DiseaseName, d.Result.ConfidenceScore, js,
	).Scan(&d.ID, &d.CreatedAt)
}

// FindByHash returns the stored diagnosis for (imageHash, model). If maxAge > 0
// and the record is older, or its JSON no longer parses, ErrNotFound is returned.
func (r *DiagnosisRepo) FindByHash(ctx context.Context, imageHash, model string, maxAge time.Duration) (*Diagnosis, error) {
	const q = `
select id, created_at, 0, image_hash, model, result_json
from diagnoses
where image_hash = $1 and model = $2
order by created_at desc
limit 1`
	d, err := scanOne(r.DB.QueryRowContext(ctx, q, imageHash, model))
	if err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(d.CreatedAt) > maxAge {
		return nil, ErrNotFound
	}
	return d, nil
}

// Record adds d to chatID's history. Every diagnosis a chat receives is
// recorded, cached or not.
func (r *DiagnosisRepo) Record(ctx context.Context, chatID int64, d *Diagnosis) error {
	js, err := json.Marshal(d.Result)
	if err != nil {
		return err
	}
	const q = `
insert into chat_diagnoses (id, chat_id, diagnosis_id, image_hash, model, result_json)
values ($1,$2,$3,$4,$5,$6)`
	_, err = r.DB.ExecContext(ctx, q, uuid.New(), chatID, d.ID, d.ImageHash, d.Model, js)
	return err
}

// ListByChat returns up to limit diagnoses from chatID's history, newest
// first. IDs are the cached diagnosis IDs.
func (r *DiagnosisRepo) ListByChat(ctx context.Context, chatID int64, limit int) ([]Diagnosis, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
select diagnosis_id, created_at, chat_id, image_hash, model, result_json
from chat_diagnoses
where chat_id = $1
order by created_at desc
limit $2`
	rows, err := r.DB.QueryContext(ctx, q, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Diagnosis
	for rows.Next() {
		d, err := scanOne(rows)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes cache records older than olderThan. History is kept.
func (r *DiagnosisRepo) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	res, err := r.DB.ExecContext(ctx, `delete from diagnoses where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(s scanner) (*Diagnosis, error) {
	var (
		d  Diagnosis
		js []byte
	)
	if err := s.Scan(&d.ID, &d.CreatedAt, &d.ChatID, &d.ImageHash, &d.Model, &js); err != nil {
		return nil, err
	}
	// a broken cache row counts as absent
	res, err := diagnosis.ParseResult(string(js))
	if err != nil {
		return nil, ErrNotFound
	}
	d.Result = res
	return &d, nil
}
