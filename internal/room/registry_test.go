package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/domain"
	"collabtext/internal/persistence"
)

func seed(t *testing.T, b *backends, docID, text string) {
	t.Helper()
	s := crdt.New(77)
	_, err := s.Insert(0, text)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, b.manager.Save(ctx, docID, codec.EncodeSnapshot(s)))
	_, err = b.manager.NextVersion(ctx, docID)
	require.NoError(t, err)
}

func TestRegistry_AcquireLoadsSnapshot(t *testing.T) {
	reg, b := newRegistry(t, Options{})
	seed(t, b, "d", "stored")

	room := acquire(t, reg, "d")
	assert.Equal(t, "stored", room.Text())
	assert.Equal(t, int64(1), room.Version())
	assert.NotEqual(t, crdt.ClientID(77), room.store.ClientID())

	text, v, err := reg.ApplyOperations(context.Background(), "d", []crdt.Op{crdt.InsertOp(6, "!")})
	require.NoError(t, err)
	assert.Equal(t, "stored!", text)
	assert.Equal(t, int64(2), v)
}

func TestRegistry_ConcurrentAcquireSharesRoom(t *testing.T) {
	reg, _ := newRegistry(t, Options{})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		rooms = make(map[*Room]bool)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := reg.Acquire(context.Background(), "d")
			assert.NoError(t, err)
			mu.Lock()
			rooms[room] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, rooms, 1)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_LoadFailureIsRetried(t *testing.T) {
	reg, b := newRegistry(t, Options{})
	ctx := context.Background()

	b.fail(errOutage)
	_, err := reg.Acquire(ctx, "d")
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 0, reg.Len())

	b.fail(nil)
	room, err := reg.Acquire(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "", room.Text())
}

func TestRegistry_CorruptSnapshotFailsLoad(t *testing.T) {
	reg, b := newRegistry(t, Options{})
	ctx := context.Background()
	require.NoError(t, b.primary.Save(ctx, "d", []byte{0x01, 0x09}))

	_, err := reg.Acquire(ctx, "d")
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestRegistry_SweepEvictsIdleRooms(t *testing.T) {
	reg, _ := newRegistry(t, Options{IdleTTL: time.Minute})
	now := time.Now()
	reg.now = func() time.Time { return now }

	idle := acquire(t, reg, "idle")
	busy := acquire(t, reg, "busy")
	join(t, reg, busy, alice)

	now = now.Add(30 * time.Second)
	reg.Sweep()
	assert.Equal(t, 2, reg.Len())

	now = now.Add(time.Minute)
	reg.Sweep()
	assert.Equal(t, 1, reg.Len())

	// The evicted room refuses new work; the registry loads a fresh one.
	assert.ErrorIs(t, idle.Join(reg.NewClient(nil, bob)), ErrRoomClosed)
	fresh, err := reg.Connect(context.Background(), "idle", reg.NewClient(nil, bob))
	require.NoError(t, err)
	assert.NotSame(t, idle, fresh)
}

func TestRegistry_EvictedRoomKeepsContent(t *testing.T) {
	reg, _ := newRegistry(t, Options{IdleTTL: time.Second})
	now := time.Now()
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := reg.ApplyOperations(ctx, "d", []crdt.Op{crdt.InsertOp(0, "persisted")})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	reg.Sweep()
	require.Equal(t, 0, reg.Len())

	text, v, err := reg.Content(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "persisted", text)
	assert.Equal(t, int64(1), v)
}

func TestRegistry_DirtyRoomNotEvictedUntilSaved(t *testing.T) {
	reg, b := newRegistry(t, Options{IdleTTL: time.Second, RetryMaxElapsed: time.Millisecond})
	now := time.Now()
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	b.fail(errOutage)
	_, _, err := reg.ApplyOperations(ctx, "d", []crdt.Op{crdt.InsertOp(0, "unsaved")})
	require.Error(t, err)

	now = now.Add(time.Hour)
	reg.Sweep()
	assert.Equal(t, 1, reg.Len(), "dirty room stays resident while saves fail")

	b.fail(nil)
	reg.Sweep()
	assert.Equal(t, 0, reg.Len())

	text, _, err := reg.Content(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "unsaved", text)
}

func TestRegistry_MaxRoomsEvictsLeastRecent(t *testing.T) {
	reg, _ := newRegistry(t, Options{MaxRooms: 2})
	now := time.Now()
	reg.now = func() time.Time { return now }

	acquire(t, reg, "first")
	now = now.Add(time.Second)
	acquire(t, reg, "second")
	now = now.Add(time.Second)
	acquire(t, reg, "third")

	assert.Equal(t, 2, reg.Len())
	reg.mu.Lock()
	_, hasFirst := reg.rooms["first"]
	_, hasThird := reg.rooms["third"]
	reg.mu.Unlock()
	assert.False(t, hasFirst)
	assert.True(t, hasThird)
}

func TestRegistry_ZeroTTLKeepsRooms(t *testing.T) {
	reg, _ := newRegistry(t, Options{})
	now := time.Now()
	reg.now = func() time.Time { return now }

	acquire(t, reg, "d")
	now = now.Add(24 * time.Hour)
	reg.Sweep()
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_CloseSavesDirtyRooms(t *testing.T) {
	b := newBackends()
	reg := NewRegistry(b.manager, nil, Options{RetryMaxElapsed: time.Millisecond})
	ctx := context.Background()

	b.fail(errOutage)
	_, _, err := reg.ApplyOperations(ctx, "d", []crdt.Op{crdt.InsertOp(0, "late")})
	require.Error(t, err)
	b.fail(nil)

	require.NoError(t, reg.Close(ctx))
	data, err := b.manager.Load(ctx, "d")
	require.NoError(t, err)
	p, err := codec.Decode(data)
	require.NoError(t, err)
	s := crdt.New(1)
	_, err = s.Apply(p.Update)
	require.NoError(t, err)
	assert.Equal(t, "late", s.Text())
}

// blockingStore holds every Save until release is closed.
type blockingStore struct {
	*persistence.Manager
	saving  chan string
	release chan struct{}
}

func (s *blockingStore) Save(ctx context.Context, docID string, snapshot []byte) error {
	select {
	case s.saving <- docID:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Manager.Save(ctx, docID, snapshot)
}

func TestRegistry_EvictionSaveDoesNotBlockOtherDocuments(t *testing.T) {
	store := &blockingStore{
		Manager: newBackends().manager,
		saving:  make(chan string, 1),
		release: make(chan struct{}),
	}
	reg := NewRegistry(store, nil, Options{IdleTTL: time.Second})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	var once sync.Once
	release := func() { once.Do(func() { close(store.release) }) }
	t.Cleanup(release)
	now := time.Now()
	reg.now = func() time.Time { return now }

	a := acquire(t, reg, "a")
	a.mu.Lock()
	_, err := a.store.Insert(0, "pending")
	a.changes++
	a.mu.Unlock()
	require.NoError(t, err)

	now = now.Add(time.Hour)
	swept := make(chan struct{})
	go func() {
		reg.Sweep()
		close(swept)
	}()
	select {
	case id := <-store.saving:
		require.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("eviction did not save")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := reg.Acquire(ctx, "b")
	require.NoError(t, err, "unrelated document loads while a is saved")
	assert.Equal(t, "", b.Text())

	got := make(chan string, 1)
	go func() {
		text, _, err := reg.Content(context.Background(), "a")
		assert.NoError(t, err)
		got <- text
	}()
	select {
	case <-got:
		t.Fatal("room handed out while it was being evicted")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	<-swept
	select {
	case text := <-got:
		assert.Equal(t, "pending", text)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting acquire never finished")
	}
}

func TestRegistry_LoadMergesFallbackOnlyEdits(t *testing.T) {
	primary := persistence.NewMemoryBackend()
	fallback := persistence.NewMemoryBackend()
	m := persistence.NewManager(primary, fallback, persistence.Options{Merge: codec.MergeSnapshots})
	reg := NewRegistry(m, nil, Options{})
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	ctx := context.Background()

	base := crdt.New(77)
	_, err := base.Insert(0, "base")
	require.NoError(t, err)
	require.NoError(t, primary.Save(ctx, "d", codec.EncodeSnapshot(base)))

	outage := crdt.New(78)
	_, err = outage.Apply(base.Snapshot())
	require.NoError(t, err)
	_, err = outage.Insert(4, "+outage")
	require.NoError(t, err)
	require.NoError(t, fallback.Save(ctx, "d", codec.EncodeSnapshot(outage)))

	room := acquire(t, reg, "d")
	assert.Equal(t, "base+outage", room.Text())
}
