// Package sqlite is the default, local content store backed by a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/models"
	"imagesearch/internal/store"
)

// schemaVersion is tracked in PRAGMA user_version.
const schemaVersion = 1

const memoryPath = ":memory:"

var _ store.Driver = (*Driver)(nil)

type Driver struct {
	path   string
	db     *sql.DB
	life   store.Lifecycle
	logger *slog.Logger
}

// NewDriver prepares a driver for the database at path. Nothing is opened
// until Init. Use ":memory:" for a throwaway database.
func NewDriver(path string, logger *slog.Logger) *Driver {
	return &Driver{path: path, logger: logger}
}

func (d *Driver) dsn() string {
	// _txlock=immediate takes the write lock at BEGIN, so read-modify-write
	// transactions on one id serialize instead of failing at commit.
	const params = "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	if d.path == memoryPath {
		return "file::memory:?" + params
	}
	return "file:" + d.path + "?" + params
}

func (d *Driver) Init(ctx context.Context) error {
	return d.life.Init(func() error {
		if d.path == "" {
			return imgerr.New(imgerr.CodeStorageUnavailable, "database path is required")
		}
		if d.path != memoryPath {
			if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
				return imgerr.Wrap(err, imgerr.CodeStorageUnavailable, "creating database directory")
			}
		}

		db, err := sql.Open("sqlite3", d.dsn())
		if err != nil {
			return imgerr.Wrap(err, imgerr.CodeStorageUnavailable, "opening sqlite db")
		}
		if d.path == memoryPath {
			// Every connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return imgerr.Wrap(err, imgerr.CodeStorageUnavailable, "pinging sqlite db")
		}

		if err := migrate(ctx, db); err != nil {
			_ = db.Close()
			return imgerr.Wrap(err, imgerr.CodeStorageUnavailable, "migrating sqlite db")
		}

		d.db = db
		d.logger.Info("sqlite store initialized", "path", d.path, "schema_version", schemaVersion)
		return nil
	})
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version >= schemaVersion {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT NOT NULL,
			mime_type     TEXT NOT NULL,
			payload       BLOB NOT NULL,
			size          INTEGER NOT NULL,
			checksum      TEXT NOT NULL,
			embedding     BLOB,
			is_processing INTEGER NOT NULL DEFAULT 1,
			created_at    INTEGER NOT NULL,
			CHECK ((embedding IS NULL) = (is_processing = 1))
		);

		CREATE INDEX IF NOT EXISTS images_created_at_idx ON images (created_at);
	`); err != nil {
		return fmt.Errorf("creating images table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}
	return tx.Commit()
}

func (d *Driver) Save(ctx context.Context, payload []byte, name, mimeType string) (int64, error) {
	if err := d.life.Check("save"); err != nil {
		return 0, err
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO images (name, mime_type, payload, size, checksum, is_processing, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, name, mimeType, payload, int64(len(payload)), store.Checksum(payload), time.Now().UnixNano())
	if err != nil {
		return 0, imgerr.Wrap(err, imgerr.CodeStorageFailure, "inserting image")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, imgerr.Wrap(err, imgerr.CodeStorageFailure, "reading inserted id")
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

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "serializing embedding", imgerr.FieldID(id))
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM images WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return imgerr.NotFound(id)
	}
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "loading image", imgerr.FieldID(id))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE images SET embedding = ?, is_processing = 0 WHERE id = ?`, blob, id,
	); err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "updating embedding", imgerr.FieldID(id))
	}

	if err := tx.Commit(); err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "committing embedding", imgerr.FieldID(id))
	}
	return nil
}

const metadataColumns = `id, name, mime_type, size, checksum, embedding, is_processing, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(row scanner) (*models.Image, error) {
	var (
		img       models.Image
		blob      []byte
		createdAt int64
	)
	if err := row.Scan(&img.ID, &img.Name, &img.MimeType, &img.Size, &img.Checksum,
		&blob, &img.IsProcessing, &createdAt); err != nil {
		return nil, err
	}

	if blob != nil {
		emb, err := deserializeFloat32(blob)
		if err != nil {
			return nil, err
		}
		img.Embedding = emb
	}
	img.CreatedAt = time.Unix(0, createdAt)
	return &img, nil
}

// deserializeFloat32 reverses sqlite_vec.SerializeFloat32.
func deserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d: must be divisible by 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func (d *Driver) Get(ctx context.Context, id int64) (*models.Image, error) {
	if err := d.life.Check("get"); err != nil {
		return nil, err
	}

	img, err := scanImage(d.db.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM images WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	err := d.db.QueryRowContext(ctx,
		`SELECT payload, mime_type FROM images WHERE id = ?`, id,
	).Scan(&payload, &mimeType)
	if errors.Is(err, sql.ErrNoRows) {
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

	rows, err := d.db.QueryContext(ctx,
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

	res, err := d.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "deleting image", imgerr.FieldID(id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "deleting image", imgerr.FieldID(id))
	}
	if n == 0 {
		return imgerr.NotFound(id)
	}
	return nil
}

// DeleteAll clears the collection. AUTOINCREMENT keeps the id sequence, so
// ids are not reused afterwards.
func (d *Driver) DeleteAll(ctx context.Context) error {
	if err := d.life.Check("delete_all"); err != nil {
		return err
	}

	if _, err := d.db.ExecContext(ctx, `DELETE FROM images`); err != nil {
		return imgerr.Wrap(err, imgerr.CodeStorageFailure, "clearing images")
	}
	return nil
}

func (d *Driver) StorageUsage(ctx context.Context) (int64, error) {
	if err := d.life.Check("storage_usage"); err != nil {
		return 0, err
	}

	var total int64
	if err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM images`,
	).Scan(&total); err != nil {
		return 0, imgerr.Wrap(err, imgerr.CodeStorageFailure, "summing payload sizes")
	}
	return total, nil
}

func (d *Driver) Close() error {
	d.life.Reset()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
