package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when no entry exists for a record id.
var ErrNotFound = errors.New("ledger entry not found")

// Store is the local history of committed assets, backed by SQLite
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or connects to the ledger database and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordCommit inserts the entry for a newly created record.
func (s *Store) RecordCommit(ctx context.Context, entry models.LedgerEntry) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (record_id, title, template_id, image_path, record_url, label_path, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(record_id) DO UPDATE SET
            title = excluded.title,
            template_id = excluded.template_id,
            image_path = excluded.image_path,
            record_url = excluded.record_url,
            updated_at = excluded.updated_at`,
		entry.RecordID,
		entry.Title,
		entry.TemplateID,
		nullableString(entry.ImagePath),
		nullableString(entry.RecordURL),
		nullableString(entry.LabelPath),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert asset %d: %w", entry.RecordID, err)
	}
	return nil
}

// RecordLabel stores the label path for a record.
func (s *Store) RecordLabel(ctx context.Context, recordID int, labelPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET label_path = ?, updated_at = ? WHERE record_id = ?`,
		labelPath,
		time.Now().UTC().Format(time.RFC3339Nano),
		recordID,
	)
	if err != nil {
		return fmt.Errorf("update label for %d: %w", recordID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %d: %w", recordID, ErrNotFound)
	}
	return nil
}

// Get returns the entry for a record id.
func (s *Store) Get(ctx context.Context, recordID int) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE record_id = ?`, recordID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns the newest entries first. A limit of zero returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]models.LedgerEntry, error) {
	query := selectColumns + ` ORDER BY created_at DESC, record_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return entries, nil
}

const selectColumns = `SELECT record_id, title, template_id, image_path, record_url, label_path, created_at, updated_at FROM assets`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.LedgerEntry, error) {
	var (
		entry                       models.LedgerEntry
		imagePath, recordURL, label sql.NullString
		createdAt, updatedAt        string
	)
	if err := row.Scan(&entry.RecordID, &entry.Title, &entry.TemplateID, &imagePath, &recordURL, &label, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan asset: %w", err)
	}
	entry.ImagePath = imagePath.String
	entry.RecordURL = recordURL.String
	entry.LabelPath = label.String
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &entry, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

type migration struct {
	version string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, migration{version: strings.TrimSuffix(name, ".sql"), sql: string(data)})
	}
	return migrations, nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}
