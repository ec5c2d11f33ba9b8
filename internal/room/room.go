package room

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/domain"
	"collabtext/internal/protocol"
)

var (
	errBusy      = errors.New("room: has clients")
	errTextFrame = errors.New("text frames are not supported")
)

// Room is the live state of one document.
type Room struct {
	id  string
	reg *Registry
	log *slog.Logger

	ready   chan struct{}
	loadErr error
	// evicting is closed once an eviction in progress ends. Guarded by the
	// registry lock.
	evicting chan struct{}

	// persistMu serialises snapshot saves so a later snapshot is never
	// overwritten by an earlier one.
	persistMu sync.Mutex

	mu         sync.Mutex
	store      *crdt.Store
	clients    map[*Client]struct{}
	awareness  map[string]protocol.Awareness
	version    int64
	changes    uint64
	saved      uint64
	lastActive time.Time
	evicted    bool
	retrying   bool
	relayStop  func()
}

func newRoom(id string, reg *Registry) *Room {
	return &Room{
		id:        id,
		reg:       reg,
		log:       reg.log.With("doc", id),
		ready:     make(chan struct{}),
		clients:   make(map[*Client]struct{}),
		awareness: make(map[string]protocol.Awareness),
	}
}

// ID returns the document id.
func (rm *Room) ID() string { return rm.id }

func (rm *Room) load(ctx context.Context) error {
	store := crdt.New(crdt.NewClientID())

	data, err := rm.reg.store.Load(ctx, rm.id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		rm.log.Debug("no stored snapshot, starting empty")
	case err != nil:
		return err
	default:
		p, err := codec.Decode(data)
		if err != nil {
			return fmt.Errorf("%w: stored snapshot of %s: %v", domain.ErrPersistence, rm.id, err)
		}
		if _, err := store.Apply(p.Update); err != nil {
			return fmt.Errorf("%w: stored snapshot of %s: %v", domain.ErrPersistence, rm.id, err)
		}
		for store.StateVector()[store.ClientID()] != 0 {
			if err := store.ResetClient(crdt.NewClientID()); err != nil {
				return err
			}
		}
	}

	version, err := rm.reg.store.Version(ctx, rm.id)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	rm.store = store
	rm.version = version
	rm.lastActive = rm.reg.now()
	rm.mu.Unlock()
	return nil
}

func (rm *Room) isReady() bool {
	select {
	case <-rm.ready:
		return rm.loadErr == nil
	default:
		return false
	}
}

// idleSince reports when the room was last active and whether it has no
// clients.
func (rm *Room) idleSince() (time.Time, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.lastActive, len(rm.clients) == 0
}

// Text returns the current document text.
func (rm *Room) Text() string {
	return rm.store.Text()
}

// Version returns the last committed version.
func (rm *Room) Version() int64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.version
}

// Clients returns the number of connected clients.
func (rm *Room) Clients() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.clients)
}

// Dirty reports whether applied changes are not yet saved.
func (rm *Room) Dirty() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.changes > rm.saved
}

// Join attaches c: it receives the server's state vector and the presence
// of everyone already in the room, and the others learn about c.
func (rm *Room) Join(c *Client) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.evicted {
		return ErrRoomClosed
	}

	rm.clients[c] = struct{}{}
	rm.lastActive = rm.reg.now()

	c.enqueue(protocol.Encode(protocol.MsgSyncStep1, codec.EncodeStateVector(rm.store)))
	for _, rec := range rm.awareness {
		c.enqueue(protocol.EncodeAwareness(rec))
	}
	rec := c.session.awareness(c.id)
	rm.awareness[c.id] = rec
	rm.broadcastLocked(protocol.EncodeAwareness(rec), c)

	rm.log.Info("client joined", "conn", c.id, "user", c.session.UserID, "clients", len(rm.clients))
	return nil
}

// Leave detaches c and tells the others its presence is gone. Calling it
// for a client that already left is a no-op.
func (rm *Room) Leave(c *Client) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.clients[c]; !ok {
		return
	}
	rm.removeLocked(c)
	rm.log.Info("client left", "conn", c.id, "clients", len(rm.clients))
}

// removeLocked drops c, closes its queue and broadcasts the removal.
func (rm *Room) removeLocked(c *Client) {
	delete(rm.clients, c)
	c.closeSend()
	rm.lastActive = rm.reg.now()
	if _, ok := rm.awareness[c.id]; ok {
		delete(rm.awareness, c.id)
		rm.broadcastLocked(protocol.EncodeAwareness(protocol.Awareness{ConnectionID: c.id, Removed: true}), nil)
	}
}

// broadcastLocked queues msg for every client except skip. Clients whose
// queue is full are dropped.
func (rm *Room) broadcastLocked(msg []byte, skip *Client) {
	var slow []*Client
	for c := range rm.clients {
		if c == skip {
			continue
		}
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		rm.log.Warn("dropping slow client", "conn", c.id)
		rm.removeLocked(c)
	}
}

// HandleMessage processes one inbound frame from c.
func (rm *Room) HandleMessage(ctx context.Context, c *Client, data []byte) error {
	if !c.limiter.Allow() {
		c.enqueue(protocol.EncodeError(protocol.CodeRateLimited, "too many messages"))
		return fmt.Errorf("%w: rate limited", domain.ErrInvalidInput)
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		return rm.malformed(c, err)
	}

	switch frame.Type {
	case protocol.MsgSyncStep1:
		sv, err := codec.DecodeStateVector(frame.Payload)
		if err != nil {
			return rm.malformed(c, err)
		}
		c.malformed = 0
		c.enqueue(protocol.Encode(protocol.MsgSyncStep2, codec.EncodeDelta(rm.store, sv)))
		return nil

	case protocol.MsgSyncStep2, protocol.MsgUpdate:
		if !c.session.CanEdit {
			if !rm.novel(frame.Payload) {
				c.malformed = 0
				return nil
			}
			c.enqueue(protocol.EncodeError(protocol.CodeForbidden, "read-only access"))
			return domain.ErrForbidden
		}
		if err := rm.checkWrite(ctx, c); err != nil {
			return err
		}
		_, err := rm.Commit(ctx, c, frame.Payload)
		switch {
		case errors.Is(err, domain.ErrMalformedUpdate):
			return rm.malformed(c, err)
		case err != nil:
			c.malformed = 0
			c.enqueue(protocol.EncodeError(protocol.CodePersistence, "changes applied but not yet saved"))
			return err
		}
		c.malformed = 0
		return nil

	case protocol.MsgAwareness:
		rec, err := protocol.DecodeAwareness(frame.Payload)
		if err != nil {
			return rm.malformed(c, err)
		}
		c.malformed = 0
		rm.setAwareness(c, rec)
		return nil

	default:
		rm.log.Debug("ignoring frame", "conn", c.id, "type", frame.Type)
		return nil
	}
}

// novel reports whether an encoded update holds anything the room does
// not have yet. Undecodable or inapplicable payloads count as changes.
func (rm *Room) novel(payload []byte) bool {
	p, err := codec.Decode(payload)
	if err != nil {
		return true
	}
	changed, err := rm.store.Changes(p.Update)
	return changed || err != nil
}

// checkWrite re-checks the edit access of c. A document that was deleted or
// unshared since c joined closes the connection.
func (rm *Room) checkWrite(ctx context.Context, c *Client) error {
	access := rm.reg.opts.Access
	if access == nil {
		return nil
	}
	now := rm.reg.now()
	if !c.writeChecked.IsZero() && now.Sub(c.writeChecked) < rm.reg.opts.AccessTTL {
		return nil
	}
	err := access.CheckWrite(ctx, c.session.UserID, rm.id)
	switch {
	case err == nil:
		c.writeChecked = now
		return nil
	case errors.Is(err, domain.ErrAuthSourceUnavailable):
		rm.log.Warn("edit refused, access check unavailable", "conn", c.id, "err", err)
		c.enqueue(protocol.EncodeError(protocol.CodeForbidden, "access check unavailable"))
		return err
	default:
		rm.log.Info("closing connection, edit access revoked", "conn", c.id, "user", c.session.UserID, "err", err)
		c.enqueue(protocol.EncodeError(protocol.CodeForbidden, "edit access revoked"))
		rm.Leave(c)
		return err
	}
}

// malformed records a bad frame from c and closes c after too many in a row.
func (rm *Room) malformed(c *Client, cause error) error {
	c.malformed++
	rm.log.Warn("malformed message", "conn", c.id, "count", c.malformed, "err", cause)
	c.enqueue(protocol.EncodeError(protocol.CodeMalformed, cause.Error()))
	if c.malformed >= rm.reg.opts.MaxMalformed {
		rm.log.Warn("closing connection after repeated malformed messages", "conn", c.id)
		rm.Leave(c)
	}
	if errors.Is(cause, domain.ErrMalformedUpdate) {
		return cause
	}
	return fmt.Errorf("%w: %v", domain.ErrMalformedUpdate, cause)
}

func (rm *Room) setAwareness(c *Client, rec protocol.Awareness) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.clients[c]; !ok {
		return
	}
	rec.ConnectionID = c.id
	if rec.Removed {
		if _, ok := rm.awareness[c.id]; ok {
			delete(rm.awareness, c.id)
			rm.broadcastLocked(protocol.EncodeAwareness(protocol.Awareness{ConnectionID: c.id, Removed: true}), c)
		}
		return
	}
	rec.UserID = c.session.UserID
	if rec.DisplayName == "" {
		rec.DisplayName = c.session.DisplayName
	}
	if rec.Color == "" {
		rec.Color = colorFor(c.session.UserID)
	}
	rm.awareness[c.id] = rec
	rm.broadcastLocked(protocol.EncodeAwareness(rec), c)
}

// Awareness returns a copy of the presence records.
func (rm *Room) Awareness() []protocol.Awareness {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]protocol.Awareness, 0, len(rm.awareness))
	for _, rec := range rm.awareness {
		out = append(out, rec)
	}
	return out
}

// Commit applies an encoded update from c, forwards it to the other
// clients and persists the new state. It returns the committed version; a
// duplicate update returns the current version without saving. On a save
// failure the change stays applied and a background retry is started.
func (rm *Room) Commit(ctx context.Context, c *Client, payload []byte) (int64, error) {
	p, err := codec.Decode(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMalformedUpdate, err)
	}

	rm.mu.Lock()
	if rm.evicted {
		rm.mu.Unlock()
		return 0, ErrRoomClosed
	}
	changed, err := rm.store.Apply(p.Update)
	if err != nil {
		rm.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", domain.ErrMalformedUpdate, err)
	}
	if !changed {
		v := rm.version
		rm.mu.Unlock()
		return v, nil
	}
	rm.changes++
	rm.lastActive = rm.reg.now()
	msg := protocol.Encode(protocol.MsgUpdate, payload)
	rm.broadcastLocked(msg, c)
	rm.mu.Unlock()

	version, err := rm.persist(ctx)
	rm.publish(payload, version)
	if err != nil {
		return 0, err
	}
	if c != nil {
		c.enqueue(protocol.EncodeCommit(version))
	}
	return version, nil
}

// ApplyOperations applies a batch of text operations as one change and
// persists it. Every client receives the resulting update.
func (rm *Room) ApplyOperations(ctx context.Context, ops []crdt.Op) (string, int64, error) {
	rm.mu.Lock()
	if rm.evicted {
		rm.mu.Unlock()
		return "", 0, ErrRoomClosed
	}
	u, err := rm.store.ApplyOps(ops)
	if err != nil {
		rm.mu.Unlock()
		return "", 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	text := rm.store.Text()
	if u.Empty() {
		v := rm.version
		rm.mu.Unlock()
		return text, v, nil
	}
	rm.changes++
	rm.lastActive = rm.reg.now()
	payload := codec.EncodeUpdate(u, codec.KindDelta)
	rm.broadcastLocked(protocol.Encode(protocol.MsgUpdate, payload), nil)
	rm.mu.Unlock()

	version, err := rm.persist(ctx)
	rm.publish(payload, version)
	if err != nil {
		return text, 0, err
	}
	return text, version, nil
}

// persist saves a snapshot and bumps the version when there are unsaved
// changes; otherwise it returns the current version.
func (rm *Room) persist(ctx context.Context) (int64, error) {
	rm.persistMu.Lock()
	defer rm.persistMu.Unlock()
	return rm.persistLocked(ctx)
}

// persistLocked must be called with persistMu held.
func (rm *Room) persistLocked(ctx context.Context) (int64, error) {
	rm.mu.Lock()
	dirty, v := rm.changes > rm.saved, rm.version
	rm.mu.Unlock()
	if !dirty {
		return v, nil
	}
	rm.mergeStored(ctx)

	rm.mu.Lock()
	seq := rm.changes
	snapshot := codec.EncodeSnapshot(rm.store)
	rm.mu.Unlock()

	if err := rm.reg.store.Save(ctx, rm.id, snapshot); err != nil {
		rm.saveFailed(err)
		return 0, err
	}
	v, err := rm.reg.store.NextVersion(ctx, rm.id)
	if err != nil {
		rm.saveFailed(err)
		return 0, err
	}

	rm.mu.Lock()
	if seq > rm.saved {
		rm.saved = seq
	}
	if v > rm.version {
		rm.version = v
	}
	rm.mu.Unlock()
	rm.log.Debug("committed", "version", v, "bytes", len(snapshot))
	return v, nil
}

// mergeStored folds the stored snapshot into the room before a save
// replaces it. With a relay, another instance may have saved edits whose
// message never reached this one.
func (rm *Room) mergeStored(ctx context.Context) {
	if rm.reg.relay == nil {
		return
	}
	data, err := rm.reg.store.Load(ctx, rm.id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return
	case err != nil:
		rm.log.Warn("stored snapshot unreadable before save", "err", err)
		return
	}
	p, err := codec.Decode(data)
	if err != nil {
		rm.log.Warn("stored snapshot undecodable before save", "err", err)
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	changed, err := rm.store.Apply(p.Update)
	if err != nil {
		rm.log.Warn("stored snapshot not merged", "err", err)
		return
	}
	if changed {
		rm.log.Info("merged stored edits missing from this instance")
		rm.broadcastLocked(protocol.Encode(protocol.MsgUpdate, data), nil)
	}
}

func (rm *Room) saveFailed(err error) {
	rm.log.Error("save failed, will retry", "err", err)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.retrying || rm.reg.ctx.Err() != nil {
		return
	}
	rm.retrying = true
	rm.reg.wg.Add(1)
	go rm.retrySave()
}

// retrySave keeps saving with exponential backoff until the room is clean
// or the retry budget is spent. Clients are told the version once it
// succeeds.
func (rm *Room) retrySave() {
	defer rm.reg.wg.Done()
	defer func() {
		rm.mu.Lock()
		rm.retrying = false
		rm.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rm.reg.opts.RetryInitial
	b.MaxElapsedTime = rm.reg.opts.RetryMaxElapsed
	b.Reset()

	var version int64
	err := backoff.Retry(func() error {
		if !rm.Dirty() {
			return nil
		}
		ctx, cancel := context.WithTimeout(rm.reg.ctx, rm.reg.opts.SaveTimeout)
		defer cancel()
		v, err := rm.persist(ctx)
		if err == nil {
			version = v
		}
		return err
	}, backoff.WithContext(b, rm.reg.ctx))
	if err != nil {
		rm.log.Error("giving up save retry, room stays dirty", "err", err)
		return
	}
	if version == 0 {
		return
	}
	rm.log.Info("save retry succeeded", "version", version)
	rm.mu.Lock()
	rm.broadcastLocked(protocol.EncodeCommit(version), nil)
	rm.mu.Unlock()
}

// close marks an idle room evicted after saving what is pending. It fails
// with errBusy when clients are connected.
func (rm *Room) close(ctx context.Context) error {
	if _, idle := rm.idleSince(); !idle {
		return errBusy
	}
	rm.persistMu.Lock()
	defer rm.persistMu.Unlock()

	rm.mu.Lock()
	if rm.evicted {
		rm.mu.Unlock()
		return ErrRoomClosed
	}
	if len(rm.clients) > 0 {
		rm.mu.Unlock()
		return errBusy
	}
	rm.evicted = true
	dirty := rm.changes > rm.saved
	rm.mu.Unlock()

	if dirty {
		if _, err := rm.persistLocked(ctx); err != nil {
			rm.mu.Lock()
			rm.evicted = false
			rm.mu.Unlock()
			return err
		}
	}
	rm.stopRelay()
	return nil
}

func (rm *Room) setRelayStop(stop func()) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.relayStop = stop
}

func (rm *Room) stopRelay() {
	rm.mu.Lock()
	stop := rm.relayStop
	rm.relayStop = nil
	rm.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (rm *Room) publish(payload []byte, version int64) {
	if rm.reg.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(rm.reg.ctx, 2*time.Second)
	defer cancel()
	if err := rm.reg.relay.Publish(ctx, rm.id, payload, version); err != nil {
		rm.log.Warn("relay publish failed", "err", err)
	}
}

// applyRemote integrates an update committed by another instance. It is
// broadcast to local clients but neither saved nor counted again.
func (rm *Room) applyRemote(payload []byte, version int64) {
	p, err := codec.Decode(payload)
	if err != nil {
		rm.log.Warn("bad relayed update", "err", err)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.evicted {
		return
	}
	changed, err := rm.store.Apply(p.Update)
	if err != nil {
		rm.log.Warn("relayed update rejected", "err", err)
		return
	}
	if version > rm.version {
		rm.version = version
	}
	if changed {
		rm.lastActive = rm.reg.now()
		rm.broadcastLocked(protocol.Encode(protocol.MsgUpdate, payload), nil)
	}
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#008080", "#9a6324",
}

// colorFor picks a stable cursor color for a user.
func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
