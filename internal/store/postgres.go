package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"pipelines/internal/apperrors"
	"pipelines/internal/run"
	"pipelines/internal/trigger"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// NewPool connects to PostgreSQL and verifies the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("DB_URL is required for the postgres store")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Postgres stores runs in a pipeline_runs table. Instance results live in a
// JSONB column.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres applies the schema and returns the store.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Create inserts a new run.
func (p *Postgres) Create(ctx context.Context, r *run.Run) error {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return apperrors.Validation("id", "run ID must be a UUID")
	}
	instances, err := json.Marshal(r.Instances)
	if err != nil {
		return fmt.Errorf("marshal instances: %w", err)
	}

	query := `
		INSERT INTO pipeline_runs (id, workflow, ref_kind, ref_name, sha, repository, source,
		                           state, instances, error, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = p.pool.Exec(ctx, query,
		id,
		r.Workflow,
		string(r.Event.Kind),
		r.Event.Name,
		nullString(r.Event.SHA),
		nullString(r.Event.Repository),
		nullString(r.Event.Source),
		string(r.State),
		instances,
		nullString(r.Error),
		r.CreatedAt,
		r.StartedAt,
		r.FinishedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.Conflict("run", r.ID, "run already exists")
	}
	if err != nil {
		return apperrors.Internal("store.create", fmt.Errorf("insert run: %w", err))
	}
	return nil
}

// Update writes the mutable fields of a run.
func (p *Postgres) Update(ctx context.Context, r *run.Run) error {
	instances, err := json.Marshal(r.Instances)
	if err != nil {
		return fmt.Errorf("marshal instances: %w", err)
	}

	query := `
		UPDATE pipeline_runs
		SET state = $2, instances = $3, error = $4, started_at = $5, finished_at = $6
		WHERE id = $1
	`
	result, err := p.pool.Exec(ctx, query,
		r.ID,
		string(r.State),
		instances,
		nullString(r.Error),
		r.StartedAt,
		r.FinishedAt,
	)
	if err != nil {
		return apperrors.Internal("store.update", fmt.Errorf("update run: %w", err))
	}
	if result.RowsAffected() == 0 {
		return apperrors.NotFound("run", r.ID)
	}
	return nil
}

const selectRun = `
	SELECT id, workflow, ref_kind, ref_name, sha, repository, source,
	       state, instances, error, created_at, started_at, finished_at
	FROM pipeline_runs
`

// Get returns one run by ID.
func (p *Postgres) Get(ctx context.Context, id string) (*run.Run, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, apperrors.NotFound("run", id)
	}
	r, err := scanRun(p.pool.QueryRow(ctx, selectRun+" WHERE id = $1", uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return r, nil
}

// List returns runs newest first.
func (p *Postgres) List(ctx context.Context, filter run.ListFilter) ([]*run.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		selectRun+" WHERE ($1::text IS NULL OR state = $1) ORDER BY created_at DESC LIMIT $2",
		nullString(string(filter.State)),
		limit,
	)
	if err != nil {
		return nil, apperrors.Internal("store.list", fmt.Errorf("list runs: %w", err))
	}
	defer rows.Close()

	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Internal("store.list", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	return runs, nil
}

// Ready pings the database.
func (p *Postgres) Ready(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r                    run.Run
		id                   uuid.UUID
		kind, state          string
		sha, repository, src *string
		instances            []byte
		runError             *string
	)
	err := row.Scan(
		&id,
		&r.Workflow,
		&kind,
		&r.Event.Name,
		&sha,
		&repository,
		&src,
		&state,
		&instances,
		&runError,
		&r.CreatedAt,
		&r.StartedAt,
		&r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.ID = id.String()
	r.Event.Kind = trigger.Kind(kind)
	r.State = run.State(state)
	r.Event.SHA = deref(sha)
	r.Event.Repository = deref(repository)
	r.Event.Source = deref(src)
	r.Error = deref(runError)
	if len(instances) > 0 {
		if err := json.Unmarshal(instances, &r.Instances); err != nil {
			return nil, fmt.Errorf("unmarshal instances: %w", err)
		}
	}
	return &r, nil
}

// nullString returns nil for an empty string (NULL in the database).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ run.Store = (*Postgres)(nil)
