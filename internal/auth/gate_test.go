package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/domain"
	"collabtext/internal/metadata"
)

const secret = "test-secret"

type fakeFinder struct {
	doc   *domain.Document
	err   error
	delay time.Duration
}

func (f *fakeFinder) FindDocument(ctx context.Context, _ string) (*domain.Document, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.doc, f.err
}

func newStore(t *testing.T) *metadata.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := metadata.NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, domain.Document{ID: "D", OwnerID: "U"}))
	require.NoError(t, s.SetCollaborator(ctx, "D", domain.Collaborator{UserID: "viewer", Permission: domain.PermissionView}))
	require.NoError(t, s.SetCollaborator(ctx, "D", domain.Collaborator{UserID: "editor", Permission: domain.PermissionEdit}))
	require.NoError(t, s.CreateDocument(ctx, domain.Document{ID: "gone", OwnerID: "U"}))
	require.NoError(t, s.SoftDelete(ctx, "gone"))
	return s
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	tok, err := NewVerifier(secret).Issue(userID, userID+"-name", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestGate_AccessScenario(t *testing.T) {
	g := NewGate(NewVerifier(secret), newStore(t), Options{})
	ctx := context.Background()

	p, err := g.Authorize(ctx, issue(t, "U"), "D", AccessWrite)
	require.NoError(t, err)
	assert.Equal(t, "U", p.UserID)
	assert.Equal(t, "U-name", p.Username)
	assert.Equal(t, domain.PermissionEdit, p.Permission)

	_, err = g.Authorize(ctx, issue(t, "V"), "D", AccessRead)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	forged, err := NewVerifier("other-key").Issue("U", "U", time.Hour)
	require.NoError(t, err)
	_, err = g.Authorize(ctx, forged, "D", AccessRead)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = g.Authorize(ctx, issue(t, "U"), "missing", AccessRead)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGate_Permissions(t *testing.T) {
	g := NewGate(NewVerifier(secret), newStore(t), Options{})
	ctx := context.Background()

	tests := []struct {
		user    string
		access  Access
		wantErr error
	}{
		{"viewer", AccessRead, nil},
		{"viewer", AccessWrite, domain.ErrForbidden},
		{"editor", AccessRead, nil},
		{"editor", AccessWrite, nil},
		{"U", AccessRead, nil},
		{"stranger", AccessRead, domain.ErrForbidden},
	}
	for _, tt := range tests {
		_, err := g.Authorize(ctx, issue(t, tt.user), "D", tt.access)
		if tt.wantErr == nil {
			assert.NoError(t, err, "%s/%d", tt.user, tt.access)
		} else {
			assert.ErrorIs(t, err, tt.wantErr, "%s/%d", tt.user, tt.access)
		}
	}
}

func TestGate_SoftDeletedIsNotFound(t *testing.T) {
	g := NewGate(NewVerifier(secret), newStore(t), Options{})

	_, err := g.Authorize(context.Background(), issue(t, "U"), "gone", AccessRead)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGate_NilDocumentIsNotFound(t *testing.T) {
	g := NewGate(NewVerifier(secret), &fakeFinder{}, Options{})

	_, err := g.Authorize(context.Background(), issue(t, "U"), "D", AccessRead)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, g.CheckWrite(context.Background(), "U", "D"), domain.ErrNotFound)
}

func TestGate_CheckWrite(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	g := NewGate(NewVerifier(secret), store, Options{})

	assert.NoError(t, g.CheckWrite(ctx, "U", "D"))
	assert.NoError(t, g.CheckWrite(ctx, "editor", "D"))
	assert.ErrorIs(t, g.CheckWrite(ctx, "viewer", "D"), domain.ErrForbidden)
	assert.ErrorIs(t, g.CheckWrite(ctx, "U", "gone"), domain.ErrNotFound)

	require.NoError(t, store.SoftDelete(ctx, "D"))
	assert.ErrorIs(t, g.CheckWrite(ctx, "editor", "D"), domain.ErrNotFound)

	skip := NewGate(NewVerifier(""), &fakeFinder{err: errors.New("unused")}, Options{SkipAuth: true})
	assert.NoError(t, skip.CheckWrite(ctx, AnonymousUser, "anything"))
}

func TestGate_TokenFailures(t *testing.T) {
	g := NewGate(NewVerifier(secret), newStore(t), Options{})
	ctx := context.Background()

	v := NewVerifier(secret)
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := v.Issue("U", "U", time.Hour)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"missing": "",
		"garbage": "not.a.jwt",
		"expired": expired,
	} {
		_, err := g.Authorize(ctx, tok, "D", AccessRead)
		assert.ErrorIs(t, err, domain.ErrUnauthorized, name)
	}
}

func TestGate_FailsClosedWhenSourceUnavailable(t *testing.T) {
	ctx := context.Background()

	g := NewGate(NewVerifier(secret), &fakeFinder{err: errors.New("db down")}, Options{})
	_, err := g.Authorize(ctx, issue(t, "U"), "D", AccessRead)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.ErrorIs(t, err, domain.ErrAuthSourceUnavailable)

	slow := &fakeFinder{doc: &domain.Document{ID: "D", OwnerID: "U"}, delay: time.Second}
	g = NewGate(NewVerifier(secret), slow, Options{Timeout: 20 * time.Millisecond})
	_, err = g.Authorize(ctx, issue(t, "U"), "D", AccessRead)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestGate_SkipAuth(t *testing.T) {
	g := NewGate(NewVerifier(""), &fakeFinder{err: errors.New("unused")}, Options{SkipAuth: true})

	p, err := g.Authorize(context.Background(), "", "anything", AccessWrite)
	require.NoError(t, err)
	assert.True(t, p.Anonymous)
	assert.True(t, p.CanEdit())
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/D?token=from-query", nil)
	assert.Equal(t, "from-query", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/D", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusCode(domain.ErrUnauthorized))
	assert.Equal(t, http.StatusForbidden, StatusCode(domain.ErrForbidden))
	assert.Equal(t, http.StatusForbidden, StatusCode(domain.ErrAuthSourceUnavailable))
	assert.Equal(t, http.StatusNotFound, StatusCode(domain.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, StatusCode(domain.ErrInvalidInput))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("boom")))
}
