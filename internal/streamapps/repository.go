package streamapps

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

const uniqueViolation = "23505"

// Repository handles stream_apps and stream_keys persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a stream apps repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errs.ErrConflict
	}
	return err
}

const appColumns = `id, owner_id, name, app_path, default_stream_key, settings, status, created_at, updated_at`

func scanApp(row pgx.Row) (*models.StreamApp, error) {
	var a models.StreamApp
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.AppPath, &a.DefaultStreamKey, &a.Settings, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// CreateApp inserts the app and its default key in one transaction.
func (r *Repository) CreateApp(ctx context.Context, app *models.StreamApp, key *models.StreamKey) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const qa = `INSERT INTO stream_apps (id, owner_id, name, app_path, default_stream_key, settings, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	if err := tx.QueryRow(ctx, qa, app.ID, app.OwnerID, app.Name, app.AppPath, app.DefaultStreamKey, app.Settings, app.Status).
		Scan(&app.CreatedAt, &app.UpdatedAt); err != nil {
		return mapErr(err)
	}
	const qk = `INSERT INTO stream_keys (id, app_id, name, key_value, description, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	if err := tx.QueryRow(ctx, qk, key.ID, key.AppID, key.Name, key.KeyValue, key.Description, key.Active).
		Scan(&key.CreatedAt, &key.UpdatedAt); err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetApp(ctx context.Context, id uuid.UUID) (*models.StreamApp, error) {
	q := `SELECT ` + appColumns + ` FROM stream_apps WHERE id = $1`
	return scanApp(r.pool.QueryRow(ctx, q, id))
}

// ListApps returns the owner's apps, newest first.
func (r *Repository) ListApps(ctx context.Context, ownerID uuid.UUID) ([]*models.StreamApp, error) {
	q := `SELECT ` + appColumns + ` FROM stream_apps WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.StreamApp
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (r *Repository) UpdateApp(ctx context.Context, app *models.StreamApp) error {
	const q = `UPDATE stream_apps
		SET name = $2, app_path = $3, default_stream_key = $4, settings = $5, status = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	err := r.pool.QueryRow(ctx, q, app.ID, app.Name, app.AppPath, app.DefaultStreamKey, app.Settings, app.Status).
		Scan(&app.UpdatedAt)
	return mapErr(err)
}

// DeleteApp removes the app; stream_keys rows cascade.
func (r *Repository) DeleteApp(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM stream_apps WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

const keyColumns = `id, app_id, name, key_value, description, active, created_at, updated_at`

func scanKey(row pgx.Row) (*models.StreamKey, error) {
	var k models.StreamKey
	err := row.Scan(&k.ID, &k.AppID, &k.Name, &k.KeyValue, &k.Description, &k.Active, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

func (r *Repository) CreateKey(ctx context.Context, key *models.StreamKey) error {
	const q = `INSERT INTO stream_keys (id, app_id, name, key_value, description, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, key.ID, key.AppID, key.Name, key.KeyValue, key.Description, key.Active).
		Scan(&key.CreatedAt, &key.UpdatedAt)
	return mapErr(err)
}

func (r *Repository) GetKey(ctx context.Context, id uuid.UUID) (*models.StreamKey, error) {
	q := `SELECT ` + keyColumns + ` FROM stream_keys WHERE id = $1`
	return scanKey(r.pool.QueryRow(ctx, q, id))
}

func (r *Repository) ListKeys(ctx context.Context, appID uuid.UUID) ([]*models.StreamKey, error) {
	q := `SELECT ` + keyColumns + ` FROM stream_keys WHERE app_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.StreamKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, k)
	}
	return list, rows.Err()
}

func (r *Repository) UpdateKey(ctx context.Context, key *models.StreamKey) error {
	const q = `UPDATE stream_keys
		SET name = $2, key_value = $3, description = $4, active = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	err := r.pool.QueryRow(ctx, q, key.ID, key.Name, key.KeyValue, key.Description, key.Active).Scan(&key.UpdatedAt)
	return mapErr(err)
}

func (r *Repository) DeleteKey(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM stream_keys WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *Repository) CountStreamsByApp(ctx context.Context, appID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM live_streams WHERE app_id = $1`, appID).Scan(&n)
	return n, err
}

func (r *Repository) CountStreamsByKey(ctx context.Context, keyID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM live_streams WHERE key_id = $1`, keyID).Scan(&n)
	return n, err
}

// SourceStreamsInApp lists the source_stream names taken under appID.
func (r *Repository) SourceStreamsInApp(ctx context.Context, appID, excludeStreamID uuid.UUID) ([]string, error) {
	const q = `SELECT source_stream FROM live_streams WHERE app_id = $1 AND id <> $2`
	rows, err := r.pool.Query(ctx, q, appID, excludeStreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
