package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collabtext/internal/domain"
)

// Ensure MemoryStore implements the interface.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]domain.Document)}
}

// FindDocument implements Store.
func (s *MemoryStore) FindDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	doc.Collaborators = append([]domain.Collaborator(nil), doc.Collaborators...)
	return &doc, nil
}

// CreateDocument implements Store.
func (s *MemoryStore) CreateDocument(_ context.Context, doc domain.Document) error {
	if err := validateNew(doc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("%w: document %s already exists", domain.ErrInvalidInput, doc.ID)
	}
	if doc.Title == "" {
		doc.Title = "Untitled"
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.docs[doc.ID] = doc
	return nil
}

// SetCollaborator implements Store.
func (s *MemoryStore) SetCollaborator(_ context.Context, docID string, c domain.Collaborator) error {
	if err := validateCollaborator(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return domain.ErrNotFound
	}
	collabs := make([]domain.Collaborator, 0, len(doc.Collaborators)+1)
	for _, existing := range doc.Collaborators {
		if existing.UserID != c.UserID {
			collabs = append(collabs, existing)
		}
	}
	doc.Collaborators = append(collabs, c)
	doc.UpdatedAt = time.Now()
	s.docs[docID] = doc
	return nil
}

// SoftDelete implements Store.
func (s *MemoryStore) SoftDelete(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return domain.ErrNotFound
	}
	doc.IsDeleted = true
	doc.UpdatedAt = time.Now()
	s.docs[docID] = doc
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
