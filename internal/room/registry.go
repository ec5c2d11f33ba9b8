// Package room multiplexes websocket connections onto per-document rooms.
//
// A Registry owns every resident room. A room moves from Loading (its
// snapshot is read through the persistence layer) to Live (clients exchange
// updates) and is evicted once it has been idle long enough. All mutations
// of a room are serialised by the room's mutex; different documents proceed
// in parallel.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabtext/internal/crdt"
)

// ErrRoomClosed is returned when a room was evicted between lookup and use.
var ErrRoomClosed = errors.New("room: closed")

// Persister is the persistence layer a room commits through.
type Persister interface {
	Load(ctx context.Context, docID string) ([]byte, error)
	Save(ctx context.Context, docID string, snapshot []byte) error
	NextVersion(ctx context.Context, docID string) (int64, error)
	Version(ctx context.Context, docID string) (int64, error)
	Forget(docID string)
}

// WriteChecker confirms that a user may still edit a document.
type WriteChecker interface {
	CheckWrite(ctx context.Context, userID, docID string) error
}

// Options tunes a Registry.
type Options struct {
	// IdleTTL evicts rooms without clients after this long. Zero keeps
	// rooms resident until Close.
	IdleTTL time.Duration
	// MaxRooms caps resident rooms. Zero means no cap.
	MaxRooms int
	// JanitorInterval is the sweep period of Run. Zero derives it from IdleTTL.
	JanitorInterval time.Duration

	// MaxMalformed closes a connection after this many consecutive bad frames.
	MaxMalformed int
	// RateLimit and RateBurst bound inbound frames per connection.
	RateLimit float64
	RateBurst int

	// RetryInitial and RetryMaxElapsed shape the background save retry.
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
	// SaveTimeout bounds saves made outside a request (eviction, shutdown).
	SaveTimeout time.Duration

	// Access re-checks edit access before a live connection commits. Nil
	// trusts the permission the connection joined with.
	Access WriteChecker
	// AccessTTL is how long a successful check is reused. Zero means 5s.
	AccessTTL time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxMalformed <= 0 {
		o.MaxMalformed = 10
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 50
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 100
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 2 * time.Minute
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 5 * time.Second
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Minute
		if o.IdleTTL > 0 && o.IdleTTL/2 < o.JanitorInterval {
			o.JanitorInterval = max(o.IdleTTL/2, time.Second)
		}
	}
}

// Registry holds the resident rooms of this process.
type Registry struct {
	store Persister
	relay Relay
	opts  Options
	log   *slog.Logger
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates a Registry. relay may be nil.
func NewRegistry(store Persister, relay Relay, opts Options) *Registry {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:  store,
		relay:  relay,
		opts:   opts,
		log:    slog.Default().With("component", "room"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// NewClient wraps a websocket connection for session. conn may be nil in
// tests that drive a room directly.
func (r *Registry) NewClient(conn *websocket.Conn, s Session) *Client {
	return newClient(conn, s, rate.NewLimiter(rate.Limit(r.opts.RateLimit), r.opts.RateBurst))
}

// Len returns the number of resident rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Acquire returns the live room for docID, loading it on first use.
// Concurrent callers wait for the same load. A document without a stored
// snapshot starts empty. When loading fails the entry is dropped so the
// next caller tries again.
func (r *Registry) Acquire(ctx context.Context, docID string) (*Room, error) {
	r.mu.Lock()
	room, ok := r.rooms[docID]
	for ok && room.evicting != nil {
		done := room.evicting
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
		room, ok = r.rooms[docID]
	}
	if !ok {
		room = newRoom(docID, r)
		r.rooms[docID] = room
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-room.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if room.loadErr != nil {
			return nil, room.loadErr
		}
		return room, nil
	}

	if err := room.load(ctx); err != nil {
		room.loadErr = err
		close(room.ready)
		r.mu.Lock()
		if r.rooms[docID] == room {
			delete(r.rooms, docID)
		}
		r.mu.Unlock()
		r.log.Error("room load failed", "doc", docID, "err", err)
		return nil, err
	}
	close(room.ready)
	r.log.Debug("room live", "doc", docID, "version", room.Version(), "len", room.store.Len())

	if r.relay != nil {
		stop, err := r.relay.Subscribe(docID, room.applyRemote)
		if err != nil {
			r.log.Warn("relay subscribe failed", "doc", docID, "err", err)
		} else {
			room.setRelayStop(stop)
		}
	}

	r.enforceCap(docID)
	return room, nil
}

// Connect acquires the room for docID and joins c to it.
func (r *Registry) Connect(ctx context.Context, docID string, c *Client) (*Room, error) {
	return withRoom(ctx, r, docID, func(room *Room) (*Room, error) {
		return room, room.Join(c)
	})
}

// Content returns the current text and version of docID.
func (r *Registry) Content(ctx context.Context, docID string) (string, int64, error) {
	room, err := r.Acquire(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	return room.Text(), room.Version(), nil
}

// ApplyOperations applies a batch of operations to docID and persists it.
func (r *Registry) ApplyOperations(ctx context.Context, docID string, ops []crdt.Op) (string, int64, error) {
	type result struct {
		text    string
		version int64
	}
	res, err := withRoom(ctx, r, docID, func(room *Room) (result, error) {
		text, v, err := room.ApplyOperations(ctx, ops)
		return result{text, v}, err
	})
	return res.text, res.version, err
}

// withRoom runs fn against the room for docID, retrying when the room is
// evicted in between.
func withRoom[T any](ctx context.Context, r *Registry, docID string, fn func(*Room) (T, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < 3; attempt++ {
		room, err := r.Acquire(ctx, docID)
		if err != nil {
			return zero, err
		}
		v, err := fn(room)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return v, err
	}
	return zero, fmt.Errorf("%w: %s kept closing", ErrRoomClosed, docID)
}

// Run sweeps idle rooms until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.opts.IdleTTL <= 0 && r.opts.MaxRooms <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep evicts rooms idle longer than IdleTTL and, above MaxRooms, the
// least recently active idle rooms. Saves run without the registry lock.
func (r *Registry) Sweep() {
	if ttl := r.opts.IdleTTL; ttl > 0 {
		now := r.now()
		var expired []*Room
		r.mu.Lock()
		for _, room := range r.rooms {
			if !room.isReady() {
				continue
			}
			if last, idle := room.idleSince(); idle && now.Sub(last) >= ttl {
				expired = append(expired, room)
			}
		}
		r.mu.Unlock()
		for _, room := range expired {
			r.evict(room)
		}
	}
	r.enforceCap("")
}

// enforceCap evicts idle rooms, oldest activity first, until the cap holds.
// exempt is never evicted.
func (r *Registry) enforceCap(exempt string) {
	if r.opts.MaxRooms <= 0 {
		return
	}
	type candidate struct {
		room *Room
		last time.Time
	}
	var idle []candidate
	r.mu.Lock()
	if len(r.rooms) <= r.opts.MaxRooms {
		r.mu.Unlock()
		return
	}
	for id, room := range r.rooms {
		if id == exempt || !room.isReady() {
			continue
		}
		if last, ok := room.idleSince(); ok {
			idle = append(idle, candidate{room, last})
		}
	}
	r.mu.Unlock()

	sort.Slice(idle, func(i, j int) bool { return idle[i].last.Before(idle[j].last) })
	for _, c := range idle {
		if r.Len() <= r.opts.MaxRooms {
			return
		}
		r.evict(c.room)
	}
}

// evict drops room when it has no clients and nothing unsaved. A room whose
// pending changes cannot be saved stays resident. Acquire waits for an
// eviction in progress instead of handing out the closing room.
func (r *Registry) evict(room *Room) bool {
	r.mu.Lock()
	if r.rooms[room.id] != room || room.evicting != nil {
		r.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	room.evicting = done
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SaveTimeout)
	err := room.close(ctx)
	cancel()
	if err == nil {
		r.store.Forget(room.id)
	}

	r.mu.Lock()
	room.evicting = nil
	if err == nil && r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()
	close(done)

	if err != nil {
		if !errors.Is(err, errBusy) && !errors.Is(err, ErrRoomClosed) {
			r.log.Warn("room kept resident, save failed", "doc", room.id, "err", err)
		}
		return false
	}
	r.log.Info("room evicted", "doc", room.id)
	return true
}

// Close saves every room with unsaved changes and stops background work.
func (r *Registry) Close(ctx context.Context) error {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room.isReady() {
			rooms = append(rooms, room)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		if _, err := room.persist(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", room.id, err))
		}
		room.stopRelay()
	}
	return errors.Join(errs...)
}
