package crdt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	// ErrInvalidOp indicates a local operation that does not fit the current text.
	ErrInvalidOp = errors.New("crdt: invalid operation")

	// ErrInvalidUpdate indicates a structurally invalid update.
	ErrInvalidUpdate = errors.New("crdt: invalid update")

	// ErrCausality indicates an update that depends on items the store has not
	// seen: a replica clock gap, or an unknown origin or delete target.
	ErrCausality = errors.New("crdt: update out of causal order")
)

type item struct {
	id          ID
	origin      *item
	rightOrigin *item
	content     rune
	deleted     bool
	left, right *item
}

func (it *item) idPtr() *ID {
	if it == nil {
		return nil
	}
	id := it.id
	return &id
}

// Store is one replica of a text document. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	client ClientID
	head   *item
	items  map[ID]*item
	log    []*item
	sv     StateVector
	length int
}

// New returns an empty store that issues local items as client.
func New(client ClientID) *Store {
	return &Store{
		client: client,
		items:  make(map[ID]*item),
		sv:     make(StateVector),
	}
}

// ClientID returns the replica id used for local operations.
func (s *Store) ClientID() ClientID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// ResetClient switches local operations to a new replica id. The id must not
// have history in the store.
func (s *Store) ResetClient(client ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sv[client] != 0 {
		return fmt.Errorf("crdt: client %d already has history", client)
	}
	s.client = client
	return nil
}

// Text returns the visible text.
func (s *Store) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	for it := s.head; it != nil; it = it.right {
		if !it.deleted {
			b.WriteRune(it.content)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// StateVector returns a copy of the store's state vector.
func (s *Store) StateVector() StateVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sv.Clone()
}

// Insert inserts text at the rune index.
func (s *Store) Insert(index int, text string) (Update, error) {
	return s.ApplyOps([]Op{InsertOp(index, text)})
}

// Delete removes length runes starting at index.
func (s *Store) Delete(index, length int) (Update, error) {
	return s.ApplyOps([]Op{DeleteOp(index, length)})
}

// Set replaces the whole text in one batch.
func (s *Store) Set(text string) (Update, error) {
	return s.ApplyOps([]Op{SetOp(text)})
}

// ApplyOps applies a batch of local operations atomically and returns the
// update describing it. Each operation sees the text left by the previous
// one. If any operation is invalid nothing is applied.
func (s *Store) ApplyOps(ops []Op) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOps(ops); err != nil {
		return Update{}, err
	}

	var (
		b       builder
		deleted []ID
	)
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			s.localInsert(&b, op.Index, op.Text)
		case OpDelete:
			deleted = s.localDelete(deleted, op.Index, op.Length)
		case OpSet:
			deleted = s.localDelete(deleted, 0, s.length)
			s.localInsert(&b, 0, op.Text)
		}
	}
	b.u.Deletes = compressDeletes(deleted)
	return b.u, nil
}

func (s *Store) checkOps(ops []Op) error {
	n := s.length
	for i, op := range ops {
		switch op.Kind {
		case OpInsert:
			if op.Index < 0 || op.Index > n {
				return fmt.Errorf("%w: op %d: insert at %d outside [0,%d]", ErrInvalidOp, i, op.Index, n)
			}
			n += utf8.RuneCountInString(op.Text)
		case OpDelete:
			if op.Index < 0 || op.Length < 0 || op.Index+op.Length > n {
				return fmt.Errorf("%w: op %d: delete [%d,+%d) outside [0,%d]", ErrInvalidOp, i, op.Index, op.Length, n)
			}
			n -= op.Length
		case OpSet:
			n = utf8.RuneCountInString(op.Text)
		default:
			return fmt.Errorf("%w: op %d: unknown kind %q", ErrInvalidOp, i, op.Kind)
		}
	}
	return nil
}

// visibleAt returns the item holding the visible rune at index.
func (s *Store) visibleAt(index int) *item {
	if index < 0 {
		return nil
	}
	for it := s.head; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if index == 0 {
			return it
		}
		index--
	}
	return nil
}

func (s *Store) localInsert(b *builder, index int, text string) {
	if text == "" {
		return
	}
	left := s.visibleAt(index - 1)
	right := s.head
	if left != nil {
		right = left.right
	}
	for _, r := range text {
		it := &item{
			id:          ID{Client: s.client, Clock: s.sv[s.client]},
			origin:      left,
			rightOrigin: right,
			content:     r,
		}
		s.integrate(it)
		b.add(it.id, left.idPtr(), right.idPtr(), r)
		left = it
	}
}

func (s *Store) localDelete(deleted []ID, index, length int) []ID {
	if length == 0 {
		return deleted
	}
	it := s.visibleAt(index)
	for ; it != nil && length > 0; it = it.right {
		if it.deleted {
			continue
		}
		it.deleted = true
		s.length--
		length--
		deleted = append(deleted, it.id)
	}
	return deleted
}

// integrate places a new item between its origins and records it.
func (s *Store) integrate(it *item) {
	left := it.origin
	o := s.head
	if left != nil {
		o = left.right
	}
	if o != it.rightOrigin {
		conflicting := make(map[*item]struct{})
		beforeOrigin := make(map[*item]struct{})
		for o != nil && o != it.rightOrigin {
			beforeOrigin[o] = struct{}{}
			conflicting[o] = struct{}{}
			if o.origin == it.origin {
				// Same gap: the lower replica id goes first.
				if o.id.Client < it.id.Client {
					left = o
					clear(conflicting)
				} else if o.rightOrigin == it.rightOrigin {
					break
				}
			} else if _, seen := beforeOrigin[o.origin]; o.origin != nil && seen {
				if _, c := conflicting[o.origin]; !c {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = o.right
		}
	}

	if left != nil {
		it.left = left
		it.right = left.right
		left.right = it
	} else {
		it.right = s.head
		s.head = it
	}
	if it.right != nil {
		it.right.left = it
	}

	s.items[it.id] = it
	s.log = append(s.log, it)
	s.sv[it.id.Client] = it.id.Clock + 1
	if !it.deleted {
		s.length++
	}
}

type plannedInsert struct {
	id          ID
	origin      *ID
	rightOrigin *ID
	content     rune
}

// Apply integrates a remote update. It returns false when the update held
// nothing new. The whole update is validated before the store is touched: a
// rejected update leaves the store unchanged.
func (s *Store) Apply(u Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserts, deletes, err := s.plan(u)
	if err != nil {
		return false, err
	}

	for _, p := range inserts {
		it := &item{id: p.id, content: p.content}
		if p.origin != nil {
			it.origin = s.items[*p.origin]
		}
		if p.rightOrigin != nil {
			it.rightOrigin = s.items[*p.rightOrigin]
		}
		s.integrate(it)
	}
	changed := len(inserts) > 0
	for _, id := range deletes {
		it := s.items[id]
		if it.deleted {
			continue
		}
		it.deleted = true
		s.length--
		changed = true
	}
	return changed, nil
}

// Changes reports whether applying u would alter the store, without
// applying it. It fails like Apply for an update Apply would reject.
func (s *Store) Changes(u Update) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inserts, deletes, err := s.plan(u)
	if err != nil {
		return false, err
	}
	if len(inserts) > 0 {
		return true, nil
	}
	for _, id := range deletes {
		if !s.items[id].deleted {
			return true, nil
		}
	}
	return false, nil
}

// plan validates u against the current state and returns the inserts that
// are new to the store plus every id the delete set covers.
func (s *Store) plan(u Update) ([]plannedInsert, []ID, error) {
	next := make(map[ClientID]uint64)
	clock := func(c ClientID) uint64 {
		if n, ok := next[c]; ok {
			return n
		}
		return s.sv[c]
	}
	known := func(id *ID) bool {
		return id == nil || id.Clock < clock(id.Client)
	}

	var inserts []plannedInsert
	for i, st := range u.Structs {
		if st.Content == "" || !utf8.ValidString(st.Content) {
			return nil, nil, fmt.Errorf("%w: struct %d has empty or invalid content", ErrInvalidUpdate, i)
		}
		k := uint64(0)
		for _, r := range st.Content {
			id := ID{Client: st.ID.Client, Clock: st.ID.Clock + k}
			if id.Clock < st.ID.Clock {
				return nil, nil, fmt.Errorf("%w: struct %d clock overflow", ErrInvalidUpdate, i)
			}
			origin := st.Origin
			if k > 0 {
				origin = &ID{Client: id.Client, Clock: id.Clock - 1}
			}
			k++

			have := clock(id.Client)
			if id.Clock < have {
				continue
			}
			if id.Clock > have {
				return nil, nil, fmt.Errorf("%w: item %s but next clock of %d is %d", ErrCausality, id, id.Client, have)
			}
			if !known(origin) {
				return nil, nil, fmt.Errorf("%w: item %s has unknown origin %s", ErrCausality, id, origin)
			}
			if !known(st.RightOrigin) {
				return nil, nil, fmt.Errorf("%w: item %s has unknown right origin %s", ErrCausality, id, st.RightOrigin)
			}
			next[id.Client] = id.Clock + 1
			inserts = append(inserts, plannedInsert{
				id:          id,
				origin:      copyID(origin),
				rightOrigin: copyID(st.RightOrigin),
				content:     r,
			})
		}
	}

	var deletes []ID
	for i, r := range u.Deletes {
		if r.Len == 0 || r.Clock+r.Len < r.Clock {
			return nil, nil, fmt.Errorf("%w: delete range %d is empty or overflows", ErrInvalidUpdate, i)
		}
		if end := r.Clock + r.Len; end > clock(r.Client) {
			return nil, nil, fmt.Errorf("%w: delete range %d:%d+%d beyond known clock %d",
				ErrCausality, r.Client, r.Clock, r.Len, clock(r.Client))
		}
		for c := r.Clock; c < r.Clock+r.Len; c++ {
			deletes = append(deletes, ID{Client: r.Client, Clock: c})
		}
	}
	return inserts, deletes, nil
}

// Snapshot returns an update holding the complete state.
func (s *Store) Snapshot() Update {
	return s.DiffSince(nil)
}

// DiffSince returns the items a replica with state vector sv is missing, in
// integration order, together with the complete delete set.
func (s *Store) DiffSince(sv StateVector) Update {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b builder
	for _, it := range s.log {
		if sv.Has(it.id) {
			continue
		}
		b.add(it.id, it.origin.idPtr(), it.rightOrigin.idPtr(), it.content)
	}
	b.u.Deletes = s.deleteSet()
	return b.u
}

func (s *Store) deleteSet() []DeleteRange {
	var ranges []DeleteRange
	for _, c := range s.sv.Clients() {
		for clock := uint64(0); clock < s.sv[c]; clock++ {
			if !s.items[ID{Client: c, Clock: clock}].deleted {
				continue
			}
			if n := len(ranges); n > 0 && ranges[n-1].Client == c && ranges[n-1].Clock+ranges[n-1].Len == clock {
				ranges[n-1].Len++
				continue
			}
			ranges = append(ranges, DeleteRange{Client: c, Clock: clock, Len: 1})
		}
	}
	return ranges
}
