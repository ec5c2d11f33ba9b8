package crdt

import (
	"sort"
	"unicode/utf8"
)

// Struct is a run of consecutive runes inserted by one replica. The first rune
// has ID and Origin; every following rune has the previous rune as origin.
// All runes share RightOrigin.
type Struct struct {
	ID          ID
	Origin      *ID
	RightOrigin *ID
	Content     string
}

// Len returns the number of runes (and clocks) the struct covers.
func (s Struct) Len() int {
	return utf8.RuneCountInString(s.Content)
}

// DeleteRange marks Len consecutive clocks of Client, starting at Clock, as deleted.
type DeleteRange struct {
	Client ClientID
	Clock  uint64
	Len    uint64
}

// Update is an immutable delta: inserted runs in integration order plus a
// delete set. A snapshot is the update that contains everything.
type Update struct {
	Structs []Struct
	Deletes []DeleteRange
}

// Empty reports whether the update carries nothing.
func (u Update) Empty() bool {
	return len(u.Structs) == 0 && len(u.Deletes) == 0
}

// builder appends runes to an update, merging them into runs where possible.
type builder struct {
	u       Update
	lastLen uint64
}

func (b *builder) add(id ID, origin, rightOrigin *ID, r rune) {
	if n := len(b.u.Structs); n > 0 {
		last := &b.u.Structs[n-1]
		if last.ID.Client == id.Client &&
			last.ID.Clock+b.lastLen == id.Clock &&
			origin != nil && *origin == (ID{Client: id.Client, Clock: id.Clock - 1}) &&
			sameID(last.RightOrigin, rightOrigin) {
			last.Content += string(r)
			b.lastLen++
			return
		}
	}
	b.u.Structs = append(b.u.Structs, Struct{
		ID:          id,
		Origin:      copyID(origin),
		RightOrigin: copyID(rightOrigin),
		Content:     string(r),
	})
	b.lastLen = 1
}

func copyID(id *ID) *ID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

// compressDeletes turns a set of ids into sorted, merged ranges.
func compressDeletes(ids []ID) []DeleteRange {
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Clock < ids[j].Clock
	})
	var ranges []DeleteRange
	for _, id := range ids {
		if n := len(ranges); n > 0 {
			last := &ranges[n-1]
			if last.Client == id.Client && last.Clock+last.Len == id.Clock {
				last.Len++
				continue
			}
			if last.Client == id.Client && id.Clock < last.Clock+last.Len {
				continue
			}
		}
		ranges = append(ranges, DeleteRange{Client: id.Client, Clock: id.Clock, Len: 1})
	}
	return ranges
}
