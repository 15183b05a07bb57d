package postgresbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forensicweb/downloader/backend"
	"github.com/forensicweb/downloader/download"

	"github.com/lib/pq"
)

// DefaultTable is the catalogue table events are written to.
const DefaultTable = "memory_images"

// Backend records events in a Postgres catalogue table, one row per image.
// Rows are upserted so redelivered events are harmless.
type Backend struct {
	db      *sql.DB
	reports chan backend.Report
	ctx     context.Context
}

// ID returns "postgres".
func (b *Backend) ID() string {
	return "postgres"
}

// Start connects to the database named by the "dsn" setting.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	dsn, ok := cfg["dsn"].(string)
	if !ok || dsn == "" {
		return errors.New("dsn must be a non-empty string")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}

	b.db = db
	b.reports = make(chan backend.Report)
	b.ctx = ctx
	return nil
}

// EnsureTable creates table if it does not exist.
func (b *Backend) EnsureTable(table string) error {
	_, err := b.db.ExecContext(b.ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		image_id     text PRIMARY KEY,
		state        text NOT NULL,
		url          text NOT NULL,
		description  text NOT NULL DEFAULT '',
		file_path    text,
		file_size    bigint,
		file_hash    text,
		content_type text,
		error        text,
		completed_at timestamptz NOT NULL
	)`, pq.QuoteIdentifier(table)))
	return err
}

// Notify upserts ev into table.
func (b *Backend) Notify(table string, ev download.Event) error {
	_, err := b.db.ExecContext(b.ctx, fmt.Sprintf(`INSERT INTO %s
		(image_id, state, url, description, file_path, file_size, file_hash, content_type, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (image_id) DO UPDATE SET
			state = EXCLUDED.state,
			file_path = EXCLUDED.file_path,
			file_size = EXCLUDED.file_size,
			file_hash = EXCLUDED.file_hash,
			content_type = EXCLUDED.content_type,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`, pq.QuoteIdentifier(table)),
		ev.ImageID, string(ev.State), ev.URL, ev.Description,
		nullString(ev.FilePath), nullInt(ev.FileSize), nullString(ev.Digest),
		nullString(ev.ContentType), nullString(ev.Error), ev.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("catalogue write failed (%s): %w", pqErr.Code.Name(), err)
		}
		return err
	}

	b.reports <- backend.Report{Event: ev, Delivered: true}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i != 0}
}

// DeliveryReports returns a channel of recorded events. Failures are
// returned directly by Notify() as errors.
func (b *Backend) DeliveryReports() <-chan backend.Report {
	return b.reports
}

// Stop closes the database handle.
func (b *Backend) Stop() error {
	close(b.reports)
	return b.db.Close()
}
