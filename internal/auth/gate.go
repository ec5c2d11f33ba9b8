// Package auth decides whether a connection may join or mutate a document.
//
// The gate verifies the bearer token, looks the document up in the metadata
// store and checks ownership or collaborator permission. It fails closed:
// when the metadata store errors or times out the caller is denied.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collabtext/internal/domain"
)

// Access is the kind of access requested.
type Access int

const (
	// AccessRead joins a room or reads content; needs VIEW.
	AccessRead Access = iota
	// AccessWrite mutates content; needs EDIT.
	AccessWrite
)

// Required returns the permission an access level needs.
func (a Access) Required() domain.Permission {
	if a == AccessWrite {
		return domain.PermissionEdit
	}
	return domain.PermissionView
}

// AnonymousUser is the identity assigned when authentication is skipped.
const AnonymousUser = "anonymous"

// Principal is an admitted caller.
type Principal struct {
	UserID     string
	Username   string
	Permission domain.Permission
	Anonymous  bool
}

// CanEdit reports whether the principal may mutate the document.
func (p *Principal) CanEdit() bool {
	return p.Permission.Allows(domain.PermissionEdit)
}

// DocumentFinder is the part of the metadata store the gate needs.
type DocumentFinder interface {
	FindDocument(ctx context.Context, id string) (*domain.Document, error)
}

// Options tunes a Gate.
type Options struct {
	// Timeout bounds the document lookup. Zero means 3s.
	Timeout time.Duration
	// SkipAuth admits every caller as an anonymous editor.
	SkipAuth bool
}

// Gate authorizes access to documents.
type Gate struct {
	verifier *Verifier
	finder   DocumentFinder
	opts     Options
	log      *slog.Logger
}

// NewGate creates a Gate.
func NewGate(verifier *Verifier, finder DocumentFinder, opts Options) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Gate{
		verifier: verifier,
		finder:   finder,
		opts:     opts,
		log:      slog.Default().With("component", "auth"),
	}
}

// Authorize checks token against docID for the requested access. It has no
// side effects. Errors match domain.ErrUnauthorized, domain.ErrNotFound or
// domain.ErrForbidden; a failing metadata store additionally matches
// domain.ErrAuthSourceUnavailable.
func (g *Gate) Authorize(ctx context.Context, token, docID string, access Access) (*Principal, error) {
	if g.opts.SkipAuth {
		return &Principal{
			UserID:     AnonymousUser,
			Username:   AnonymousUser,
			Permission: domain.PermissionEdit,
			Anonymous:  true,
		}, nil
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	perm, err := g.permission(ctx, claims.UserID, docID, access)
	if err != nil {
		return nil, err
	}
	return &Principal{
		UserID:     claims.UserID,
		Username:   claims.Username,
		Permission: perm,
	}, nil
}

// CheckWrite confirms that userID may still edit docID. Live connections
// call it before committing, so a soft delete or a revoked collaborator
// takes effect without reconnecting.
func (g *Gate) CheckWrite(ctx context.Context, userID, docID string) error {
	if g.opts.SkipAuth {
		return nil
	}
	_, err := g.permission(ctx, userID, docID, AccessWrite)
	return err
}

// permission looks docID up and returns userID's permission when it covers
// access.
func (g *Gate) permission(ctx context.Context, userID, docID string, access Access) (domain.Permission, error) {
	fctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	doc, err := g.finder.FindDocument(fctx, docID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "", fmt.Errorf("document %s: %w", docID, domain.ErrNotFound)
	case err != nil:
		g.log.Error("authorization source unavailable", "doc", docID, "user", userID, "err", err)
		return "", fmt.Errorf("%w: %w", domain.ErrAuthSourceUnavailable, domain.ErrForbidden)
	case doc == nil, doc.IsDeleted:
		return "", fmt.Errorf("document %s: %w", docID, domain.ErrNotFound)
	}

	perm, ok := doc.PermissionFor(userID)
	if !ok || !perm.Allows(access.Required()) {
		return "", fmt.Errorf("user %s on %s: %w", userID, docID, domain.ErrForbidden)
	}
	return perm, nil
}
