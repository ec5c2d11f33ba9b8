// Package metadata reads document ownership and sharing from the metadata
// service's database. The sync engine only needs FindDocument; the write
// methods exist for development tooling and tests.
//
// Implementations:
//   - PostgresStore: jackc/pgx connection pool (production)
//   - SQLiteStore: modernc.org/sqlite with embedded migrations (single node)
//   - MemoryStore: tests
package metadata

import (
	"context"
	"fmt"
	"strings"

	"collabtext/internal/domain"
)

// Store is the metadata collaborator.
type Store interface {
	// FindDocument returns the document including soft-deleted ones, or
	// domain.ErrNotFound.
	FindDocument(ctx context.Context, id string) (*domain.Document, error)

	// CreateDocument inserts a new document owned by doc.OwnerID.
	CreateDocument(ctx context.Context, doc domain.Document) error

	// SetCollaborator grants or changes a collaborator's permission.
	SetCollaborator(ctx context.Context, docID string, c domain.Collaborator) error

	// SoftDelete flags a document as deleted.
	SoftDelete(ctx context.Context, docID string) error

	// Close releases the underlying connection.
	Close() error
}

// Open selects an implementation from a database URL:
// postgres:// or postgresql:// → Postgres, sqlite://<path> → SQLite,
// empty → in-memory.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case databaseURL == "":
		return NewMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgresStore(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("%w: unsupported database url %q", domain.ErrInvalidInput, databaseURL)
	}
}

func validateNew(doc domain.Document) error {
	if doc.ID == "" || doc.OwnerID == "" {
		return fmt.Errorf("%w: document needs an id and an owner", domain.ErrInvalidInput)
	}
	return nil
}

func validateCollaborator(c domain.Collaborator) error {
	if c.UserID == "" || !c.Permission.Valid() {
		return fmt.Errorf("%w: collaborator %q with permission %q", domain.ErrInvalidInput, c.UserID, c.Permission)
	}
	return nil
}
