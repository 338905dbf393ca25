package live

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/models"
)

// PgRepository handles live_streams persistence. Destinations live in a jsonb column.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live streams repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errs.ErrConflict
	}
	return err
}

const streamColumns = `id, owner_id, title, description, app_id, key_id, source_stream, status,
	destinations, last_started_at, last_stopped_at, created_at, updated_at`

func scanStream(row pgx.Row) (*models.LiveStream, error) {
	var s models.LiveStream
	err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.Description, &s.AppID, &s.KeyID, &s.SourceStream, &s.Status,
		&s.Destinations, &s.LastStartedAt, &s.LastStoppedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if s.Destinations == nil {
		s.Destinations = []models.Destination{}
	}
	return &s, nil
}

func (r *PgRepository) Create(ctx context.Context, s *models.LiveStream) error {
	const q = `INSERT INTO live_streams (id, owner_id, title, description, app_id, key_id, source_stream, status, destinations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, s.ID, s.OwnerID, s.Title, s.Description, s.AppID, s.KeyID, s.SourceStream, s.Status, s.Destinations).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	return mapErr(err)
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*models.LiveStream, error) {
	q := `SELECT ` + streamColumns + ` FROM live_streams WHERE id = $1`
	return scanStream(r.pool.QueryRow(ctx, q, id))
}

func (r *PgRepository) list(ctx context.Context, q string, args ...any) ([]*models.LiveStream, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.LiveStream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListByOwner returns the owner's streams, newest first.
func (r *PgRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.LiveStream, error) {
	q := `SELECT ` + streamColumns + ` FROM live_streams WHERE owner_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, q, ownerID)
}

func (r *PgRepository) ListLiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.LiveStream, error) {
	q := `SELECT ` + streamColumns + ` FROM live_streams WHERE owner_id = $1 AND status = 'live' ORDER BY last_started_at DESC`
	return r.list(ctx, q, ownerID)
}

// CountLive counts live streams across owners; it seeds the live gauge at startup.
func (r *PgRepository) CountLive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM live_streams WHERE status = 'live'`).Scan(&n)
	return n, err
}

func (r *PgRepository) Update(ctx context.Context, s *models.LiveStream) error {
	const q = `UPDATE live_streams
		SET title = $2, description = $3, app_id = $4, key_id = $5, source_stream = $6, status = $7,
			destinations = $8, last_started_at = $9, last_stopped_at = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	err := r.pool.QueryRow(ctx, q, s.ID, s.Title, s.Description, s.AppID, s.KeyID, s.SourceStream, s.Status,
		s.Destinations, s.LastStartedAt, s.LastStoppedAt).Scan(&s.UpdatedAt)
	return mapErr(err)
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM live_streams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
