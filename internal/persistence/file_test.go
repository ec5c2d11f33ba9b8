package persistence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/domain"
)

func TestNewFileBackend_RequiresDir(t *testing.T) {
	_, err := NewFileBackend("")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFileBackend_Layout(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFileBackend(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fb.Save(ctx, "abc", []byte("snap")))
	_, err = fb.IncrVersion(ctx, "abc", 0)
	require.NoError(t, err)
	_, err = fb.IncrVersion(ctx, "abc", 0)
	require.NoError(t, err)

	snap, err := os.ReadFile(filepath.Join(dir, "abc.snapshot"))
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), snap)

	ver, err := os.ReadFile(filepath.Join(dir, "abc.version"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(ver))
}

func TestFileBackend_LoadMissing(t *testing.T) {
	fb := newFileBackend(t)
	ctx := context.Background()

	_, err := fb.Load(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	v, err := fb.Version(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestFileBackend_RejectsPathLikeIDs(t *testing.T) {
	fb := newFileBackend(t)
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
		err := fb.Save(ctx, id, []byte("x"))
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "id %q", id)
	}
}

func TestFileBackend_IncrVersionFloor(t *testing.T) {
	fb := newFileBackend(t)
	ctx := context.Background()

	v, err := fb.IncrVersion(ctx, "doc", 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = fb.IncrVersion(ctx, "doc", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(43), v)
}

func TestFileBackend_IncrVersionConcurrent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Separate backends share only the directory, like separate processes.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		fb, err := NewFileBackend(dir)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := fb.IncrVersion(ctx, "doc", 0)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	fb, err := NewFileBackend(dir)
	require.NoError(t, err)
	v, err := fb.Version(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(40), v)
}

func TestFileBackend_CorruptVersion(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFileBackend(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.version"), []byte("abc"), 0600))

	_, err = fb.IncrVersion(context.Background(), "doc", 0)
	assert.Error(t, err)
}
