package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"collabtext/internal/domain"
	"collabtext/internal/metadata/migrations"
)

// Ensure SQLiteStore implements the interface.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", domain.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// WAL mode for concurrent readers
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate runs all pending up migrations in version order.
func (s *SQLiteStore) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_documents.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// FindDocument implements Store.
func (s *SQLiteStore) FindDocument(ctx context.Context, id string) (*domain.Document, error) {
	var (
		doc                  domain.Document
		deleted              int
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_by_id, is_deleted, created_at, updated_at
		FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Title, &doc.OwnerID, &deleted, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	doc.IsDeleted = deleted != 0
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, permission FROM document_collaborators
		WHERE document_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying collaborators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c domain.Collaborator
		if err := rows.Scan(&c.UserID, &c.Permission); err != nil {
			return nil, fmt.Errorf("scanning collaborator: %w", err)
		}
		doc.Collaborators = append(doc.Collaborators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collaborators: %w", err)
	}
	return &doc, nil
}

// CreateDocument implements Store.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	if err := validateNew(doc); err != nil {
		return err
	}
	if doc.Title == "" {
		doc.Title = "Untitled"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, created_by_id, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		doc.ID, doc.Title, doc.OwnerID, now, now)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// SetCollaborator implements Store.
func (s *SQLiteStore) SetCollaborator(ctx context.Context, docID string, c domain.Collaborator) error {
	if err := validateCollaborator(c); err != nil {
		return err
	}
	if err := s.touch(ctx, docID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, permission)
		VALUES (?, ?, ?)
		ON CONFLICT (document_id, user_id) DO UPDATE SET permission = excluded.permission`,
		docID, c.UserID, string(c.Permission))
	if err != nil {
		return fmt.Errorf("saving collaborator: %w", err)
	}
	return nil
}

// SoftDelete implements Store.
func (s *SQLiteStore) SoftDelete(ctx context.Context, docID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET is_deleted = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), docID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) touch(ctx context.Context, docID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), docID)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
