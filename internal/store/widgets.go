package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"widgetflow/internal/domain"
)

// ErrWidgetGone means the widget record does not exist (anymore). A commit
// hitting this mid-job is terminal: the instance was removed concurrently.
var ErrWidgetGone = errors.New("widget record gone")

// EnsureSchema creates the widget tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS widgets (
  widget_id INTEGER PRIMARY KEY,
  type TEXT NOT NULL,
  size TEXT NOT NULL CHECK(size IN ('small','medium','large')) DEFAULT 'medium',
  payload BLOB NOT NULL DEFAULT x'',
  last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_widgets_type ON widgets(type);
CREATE TABLE IF NOT EXISTS widget_state (
  widget_id INTEGER PRIMARY KEY,
  state TEXT NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

// WidgetStore holds the durable widget records. Single-writer discipline:
// only the update runner calls Commit; everything else reads.
type WidgetStore struct{ db *sql.DB }

func NewWidgetStore(db *sql.DB) *WidgetStore { return &WidgetStore{db: db} }

// Create registers a placed widget instance. Re-creating an existing id
// updates type and size (the user reconfigured it); the payload is left for
// the next commit to overwrite.
func (s *WidgetStore) Create(ctx context.Context, rec domain.WidgetRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO widgets (widget_id, type, size, payload, last_updated)
VALUES (?,?,?,x'',CURRENT_TIMESTAMP)
ON CONFLICT(widget_id) DO UPDATE SET type=excluded.type, size=excluded.size
`, rec.WidgetID, rec.Type.ID(), rec.Size)
	return err
}

func (s *WidgetStore) Get(ctx context.Context, widgetID int) (domain.WidgetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT widget_id, type, size, payload, last_updated FROM widgets WHERE widget_id=?`, widgetID)
	return scanRecord(row)
}

// Commit is the single authoritative payload write. It never inserts: a
// missing row means the widget was deleted mid-job and the commit must not
// resurrect it.
func (s *WidgetStore) Commit(ctx context.Context, widgetID int, payload []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE widgets SET payload=?, last_updated=? WHERE widget_id=?`, payload, at.UTC(), widgetID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWidgetGone
	}
	return nil
}

func (s *WidgetStore) DeleteByID(ctx context.Context, widgetID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM widgets WHERE widget_id=?`, widgetID)
	return err
}

func (s *WidgetStore) ListByType(ctx context.Context, t domain.WidgetType) ([]domain.WidgetRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT widget_id, type, size, payload, last_updated FROM widgets WHERE type=? ORDER BY widget_id`, t.ID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.WidgetRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListByCategory covers redraw-all triggers that target a whole content
// kind (e.g. every calendar variant after a system date change).
func (s *WidgetStore) ListByCategory(ctx context.Context, cat domain.Category) ([]domain.WidgetRecord, error) {
	var out []domain.WidgetRecord
	for _, t := range domain.AllTypes() {
		if t == domain.TypeNone || t.Category() != cat {
			continue
		}
		recs, err := s.ListByType(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanRecord(row scanner) (domain.WidgetRecord, error) {
	var rec domain.WidgetRecord
	var typeID, size string
	err := row.Scan(&rec.WidgetID, &typeID, &size, &rec.Payload, &rec.LastUpdated)
	if err == sql.ErrNoRows {
		return domain.WidgetRecord{}, ErrWidgetGone
	}
	if err != nil {
		return domain.WidgetRecord{}, err
	}
	rec.Type = domain.TypeFromID(typeID)
	rec.Size, _ = domain.ParseSize(size)
	return rec, nil
}
