package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/internal/domain"
)

// Ensure PostgresStore implements the interface.
var _ Store = (*PostgresStore)(nil)

// PostgresStore reads the metadata service's Postgres tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the tables when they are missing. The metadata
// service owns the schema in production; this is for local setups.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT 'Untitled',
			created_by_id TEXT NOT NULL,
			is_deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS document_collaborators (
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			user_id     TEXT NOT NULL,
			permission  TEXT NOT NULL CHECK (permission IN ('VIEW', 'EDIT')),
			PRIMARY KEY (document_id, user_id)
		);`)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// FindDocument implements Store.
func (s *PostgresStore) FindDocument(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, created_by_id, is_deleted, created_at, updated_at
		FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Title, &doc.OwnerID, &doc.IsDeleted, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT user_id, permission FROM document_collaborators
		WHERE document_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying collaborators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c    domain.Collaborator
			perm string
		)
		if err := rows.Scan(&c.UserID, &perm); err != nil {
			return nil, fmt.Errorf("scanning collaborator: %w", err)
		}
		c.Permission = domain.Permission(perm)
		doc.Collaborators = append(doc.Collaborators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collaborators: %w", err)
	}
	return &doc, nil
}

// CreateDocument implements Store.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	if err := validateNew(doc); err != nil {
		return err
	}
	if doc.Title == "" {
		doc.Title = "Untitled"
	}
	_, err := s.pool.Exec(ctx,
		"INSERT INTO documents (id, title, created_by_id) VALUES ($1, $2, $3)",
		doc.ID, doc.Title, doc.OwnerID)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// SetCollaborator implements Store.
func (s *PostgresStore) SetCollaborator(ctx context.Context, docID string, c domain.Collaborator) error {
	if err := validateCollaborator(c); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, "UPDATE documents SET updated_at = now() WHERE id = $1", docID)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET permission = EXCLUDED.permission`,
		docID, c.UserID, string(c.Permission))
	if err != nil {
		return fmt.Errorf("saving collaborator: %w", err)
	}
	return nil
}

// SoftDelete implements Store.
func (s *PostgresStore) SoftDelete(ctx context.Context, docID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE documents SET is_deleted = TRUE, updated_at = now() WHERE id = $1", docID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
