package codec

import (
	"encoding/binary"

	"collabtext/internal/crdt"
)

type encoder struct {
	buf []byte
}

func (e *encoder) uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) putByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) id(id crdt.ID) {
	e.uvarint(uint64(id.Client))
	e.uvarint(id.Clock)
}

// EncodeUpdate serialises u with the given kind.
func EncodeUpdate(u crdt.Update, kind Kind) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.putByte(formatV1)
	e.putByte(byte(kind))

	e.uvarint(uint64(len(u.Structs)))
	for _, st := range u.Structs {
		e.id(st.ID)
		var info byte
		if st.Origin != nil {
			info |= infoOrigin
		}
		if st.RightOrigin != nil {
			info |= infoRightOrigin
		}
		e.putByte(info)
		if st.Origin != nil {
			e.id(*st.Origin)
		}
		if st.RightOrigin != nil {
			e.id(*st.RightOrigin)
		}
		e.uvarint(uint64(len(st.Content)))
		e.buf = append(e.buf, st.Content...)
	}

	e.uvarint(uint64(len(u.Deletes)))
	for _, d := range u.Deletes {
		e.uvarint(uint64(d.Client))
		e.uvarint(d.Clock)
		e.uvarint(d.Len)
	}
	return e.buf
}

// MarshalStateVector serialises sv, sorted by client.
func MarshalStateVector(sv crdt.StateVector) []byte {
	e := &encoder{}
	clients := sv.Clients()
	e.uvarint(uint64(len(clients)))
	for _, c := range clients {
		e.uvarint(uint64(c))
		e.uvarint(sv[c])
	}
	return e.buf
}
