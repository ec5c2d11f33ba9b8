package domain

import "errors"

// Domain errors. Wrap them with fmt.Errorf("...: %w") and match with errors.Is.
var (
	// ErrNotFound indicates a document (or stored snapshot) does not exist.
	// Soft-deleted documents report ErrNotFound as well.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// Access errors.

	// ErrUnauthorized indicates a missing, unparseable, expired or badly signed token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller without sufficient permission.
	ErrForbidden = errors.New("forbidden")

	// ErrAuthSourceUnavailable indicates the authorization data source failed or
	// timed out. It is reported to callers as ErrForbidden.
	ErrAuthSourceUnavailable = errors.New("authorization source unavailable")

	// Sync errors.

	// ErrPersistence indicates both the primary and the fallback store failed.
	ErrPersistence = errors.New("persistence failed")

	// ErrMalformedUpdate indicates an undecodable or structurally invalid update.
	ErrMalformedUpdate = errors.New("malformed update")
)
