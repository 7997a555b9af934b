// Package postgres is a content store backed by PostgreSQL with pgvector, for
// deployments where the image library lives on a shared database server.
package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/models"
	"imagesearch/internal/store"
)

const schemaVersion = 1

// migrationLockKey serializes concurrent migrations across processes.
const migrationLockKey = 0x696d6773

var _ store.Driver = (*Driver)(nil)

type Driver struct {
	dsn    string
	pool   *pgxpool.Pool
	life   store.Lifecycle
	logger *slog.Logger
}

func NewDriver(dsn string, logger *slog.Logger) *Driver {
	return &Driver{dsn: dsn, logger: logger}
}

func (d *Driver) Init(ctx context.Context) error {
	return d.life.Init(func() error {
		pool, err := pgxpool.New(ctx, d.dsn)
		if err != nil {
			return imgerr.Wrap(err, imgerr.CodeStorageUnavailable, "connecting to postgres")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return imgerr.Wrap(err, imgerr.CodeStorageUnavailable, "pinging postgres")
		}
		if err := migrate(ctx, pool); err != nil {
			pool.Close()
			return imgerr.Wrap(err, imgerr.CodeStorageUnavailable, "migrating postgres")
		}

		d.pool = pool
		d.logger.Info("postgres store initialized", "schema_version", schemaVersion)
		return nil
	})
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS images (
			id             BIGSERIAL PRIMARY KEY,
			name           TEXT NOT NULL,
			mime_type      TEXT NOT NULL,
			payload        BYTEA NOT NULL,
			size           BIGINT NOT NULL,
			checksum       TEXT NOT NULL,
			embedding      vector,
			is_processing  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT images_pending_xor_embedding CHECK ((embedding IS NULL) = is_processing)
		);

		CREATE INDEX IF NOT EXISTS images_created_at_idx ON images (created_at DESC);
	`)
	if err != nil {
		return err
	}

	var version int
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return err
	}
	if version < schemaVersion {
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (d *Driver) Save(ctx context.Context, payload []byte, name, mimeType string) (int64, error) {
	if err := d.life.Check("save"); err != nil {
		return 0, err
	}

	var id int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO images (name, mime_type, payload, size, checksum, is_processing)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id
	`, name, mimeType, payload, int64(len(payload)), store.Checksum(payload)).Scan(&id)
	if err != nil {
		return 0, imgerr.Wrap(err, imgerr.CodeStorageFailure, "inserting image")
	}
	return id, nil
}

func (d *Driver) UpdateEmbedding(ctx context.Context, id int64, embedding []float32) error {
	if err := d.life.Check("update_embedding"); err != nil {
		return err
	}
	if err := store.ValidateEmbedding(id, embedding); err != nil {
		return err
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked int64
	err = tx.QueryRow(ctx, `SELECT id FROM images WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return imgerr.NotFound(id)
	}
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "locking image", imgerr.FieldID(id))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE images
		SET embedding = $1,
		    is_processing = FALSE
		WHERE id = $2
	`, pgvector.NewVector(embedding), id); err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "updating embedding", imgerr.FieldID(id))
	}

	if err := tx.Commit(ctx); err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "committing embedding", imgerr.FieldID(id))
	}
	return nil
}

const metadataColumns = `id, name, mime_type, size, checksum, embedding, is_processing, created_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var (
		img       models.Image
		embedding *pgvector.Vector
	)
	if err := row.Scan(&img.ID, &img.Name, &img.MimeType, &img.Size, &img.Checksum,
		&embedding, &img.IsProcessing, &img.CreatedAt); err != nil {
		return nil, err
	}
	if embedding != nil {
		img.Embedding = embedding.Slice()
	}
	return &img, nil
}

func (d *Driver) Get(ctx context.Context, id int64) (*models.Image, error) {
	if err := d.life.Check("get"); err != nil {
		return nil, err
	}

	img, err := scanImage(d.pool.QueryRow(ctx,
		`SELECT `+metadataColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, imgerr.NotFound(id)
	}
	if err != nil {
		return nil, imgerr.Wrap(err, imgerr.CodeStorageFailure, "loading image", imgerr.FieldID(id))
	}
	return img, nil
}

func (d *Driver) GetPayload(ctx context.Context, id int64) ([]byte, string, error) {
	if err := d.life.Check("get_payload"); err != nil {
		return nil, "", err
	}

	var (
		payload  []byte
		mimeType string
	)
	err := d.pool.QueryRow(ctx,
		`SELECT payload, mime_type FROM images WHERE id = $1`, id,
	).Scan(&payload, &mimeType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", imgerr.NotFound(id)
	}
	if err != nil {
		return nil, "", imgerr.Wrap(err, imgerr.CodeStorageFailure, "loading payload", imgerr.FieldID(id))
	}
	return payload, mimeType, nil
}

func (d *Driver) GetAll(ctx context.Context) ([]*models.Image, error) {
	if err := d.life.Check("get_all"); err != nil {
		return nil, err
	}

	rows, err := d.pool.Query(ctx,
		`SELECT `+metadataColumns+` FROM images ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, imgerr.Wrap(err, imgerr.CodeStorageFailure, "listing images")
	}
	defer rows.Close()

	images := []*models.Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, imgerr.Wrap(err, imgerr.CodeStorageFailure, "scanning image")
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, imgerr.Wrap(err, imgerr.CodeStorageFailure, "iterating images")
	}
	return images, nil
}

func (d *Driver) Delete(ctx context.Context, id int64) error {
	if err := d.life.Check("delete"); err != nil {
		return err
	}

	tag, err := d.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "deleting image", imgerr.FieldID(id))
	}
	if tag.RowsAffected() == 0 {
		return imgerr.NotFound(id)
	}
	return nil
}

// DeleteAll clears the collection. The BIGSERIAL sequence is not reset, so
// ids are not reused afterwards.
func (d *Driver) DeleteAll(ctx context.Context) error {
	if err := d.life.Check("delete_all"); err != nil {
		return err
	}

	if _, err := d.pool.Exec(ctx, `DELETE FROM images`); err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "clearing images")
	}
	return nil
}

func (d *Driver) StorageUsage(ctx context.Context) (int64, error) {
	if err := d.life.Check("storage_usage"); err != nil {
		return 0, err
	}

	var total int64
	if err := d.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size), 0)::BIGINT FROM images`,
	).Scan(&total); err != nil {
		return 0, imgerr.Wrap(err, imgerr.CodeStorageFailure, "summing payload sizes")
	}
	return total, nil
}

func (d *Driver) Close() error {
	d.life.Reset()
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}
