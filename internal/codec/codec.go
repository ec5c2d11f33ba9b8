// Package codec serialises crdt updates, snapshots and state vectors.
//
// All integers are unsigned LEB128 varints. An encoded update is
//
//	format(0x01) kind structs deletes
//	structs := n { client clock info [originClient originClock] [rightClient rightClock] len bytes }
//	deletes := n { client clock len }
//
// where info bit 0 flags an origin and bit 1 a right origin. A state vector
// is n { client clock }, sorted by client.
//
// Decoding validates the complete input before returning, so a caller never
// hands a half-read update to a store.
package codec

import (
	"errors"
	"fmt"

	"collabtext/internal/crdt"
)

// ErrDecode indicates bytes that are not a valid encoding.
var ErrDecode = errors.New("codec: decode error")

const formatV1 = 0x01

// Kind tells a full snapshot from a delta.
type Kind byte

const (
	KindSnapshot Kind = 0
	KindDelta    Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

const (
	infoOrigin      = 0x01
	infoRightOrigin = 0x02
)

// Payload is a decoded update together with its kind.
type Payload struct {
	Kind   Kind
	Update crdt.Update
}

// IsSnapshot reports whether the payload is a full snapshot.
func (p Payload) IsSnapshot() bool {
	return p.Kind == KindSnapshot
}

// EncodeSnapshot serialises the complete state of store.
func EncodeSnapshot(store *crdt.Store) []byte {
	return EncodeUpdate(store.Snapshot(), KindSnapshot)
}

// EncodeDelta serialises what a replica at sv is missing from store.
func EncodeDelta(store *crdt.Store, sv crdt.StateVector) []byte {
	return EncodeUpdate(store.DiffSince(sv), KindDelta)
}

// EncodeStateVector serialises the state vector of store.
func EncodeStateVector(store *crdt.Store) []byte {
	return MarshalStateVector(store.StateVector())
}

// MergeSnapshots decodes every snapshot and returns one snapshot holding
// their union.
func MergeSnapshots(snapshots ...[]byte) ([]byte, error) {
	store := crdt.New(crdt.NewClientID())
	for i, data := range snapshots {
		p, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		if _, err := store.Apply(p.Update); err != nil {
			return nil, fmt.Errorf("%w: snapshot %d: %v", ErrDecode, i, err)
		}
	}
	return EncodeSnapshot(store), nil
}
