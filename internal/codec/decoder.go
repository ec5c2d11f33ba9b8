package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"collabtext/internal/crdt"
)

// Minimum encoded sizes, used to reject counts the input cannot hold.
const (
	minStructSize = 4 // client, clock, info, len
	minDeleteSize = 3
	minSVEntry    = 2
)

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint for %s at offset %d", ErrDecode, what, d.off)
	}
	d.off += n
	return v, nil
}

func (d *decoder) readByte(what string) (byte, error) {
	if d.remaining() < 1 {
		return 0, fmt.Errorf("%w: missing %s at offset %d", ErrDecode, what, d.off)
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) id(what string) (crdt.ID, error) {
	client, err := d.uvarint(what + " client")
	if err != nil {
		return crdt.ID{}, err
	}
	clock, err := d.uvarint(what + " clock")
	if err != nil {
		return crdt.ID{}, err
	}
	return crdt.ID{Client: crdt.ClientID(client), Clock: clock}, nil
}

func (d *decoder) count(what string, minSize int) (int, error) {
	n, err := d.uvarint(what)
	if err != nil {
		return 0, err
	}
	if n > uint64(d.remaining()/minSize) {
		return 0, fmt.Errorf("%w: %s count %d exceeds input", ErrDecode, what, n)
	}
	return int(n), nil
}

func (d *decoder) end() error {
	if d.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, d.remaining())
	}
	return nil
}

// Decode parses an encoded update or snapshot.
func Decode(data []byte) (Payload, error) {
	d := &decoder{buf: data}

	format, err := d.readByte("format")
	if err != nil {
		return Payload{}, err
	}
	if format != formatV1 {
		return Payload{}, fmt.Errorf("%w: unknown format %#x", ErrDecode, format)
	}
	kb, err := d.readByte("kind")
	if err != nil {
		return Payload{}, err
	}
	kind := Kind(kb)
	if kind != KindSnapshot && kind != KindDelta {
		return Payload{}, fmt.Errorf("%w: unknown kind %d", ErrDecode, kb)
	}

	var u crdt.Update
	n, err := d.count("struct", minStructSize)
	if err != nil {
		return Payload{}, err
	}
	if n > 0 {
		u.Structs = make([]crdt.Struct, 0, n)
	}
	for i := 0; i < n; i++ {
		st, err := d.structAt(i)
		if err != nil {
			return Payload{}, err
		}
		u.Structs = append(u.Structs, st)
	}

	n, err = d.count("delete", minDeleteSize)
	if err != nil {
		return Payload{}, err
	}
	if n > 0 {
		u.Deletes = make([]crdt.DeleteRange, 0, n)
	}
	for i := 0; i < n; i++ {
		r, err := d.id("delete")
		if err != nil {
			return Payload{}, err
		}
		length, err := d.uvarint("delete length")
		if err != nil {
			return Payload{}, err
		}
		if length == 0 {
			return Payload{}, fmt.Errorf("%w: delete range %d is empty", ErrDecode, i)
		}
		u.Deletes = append(u.Deletes, crdt.DeleteRange{Client: r.Client, Clock: r.Clock, Len: length})
	}

	if err := d.end(); err != nil {
		return Payload{}, err
	}
	return Payload{Kind: kind, Update: u}, nil
}

func (d *decoder) structAt(i int) (crdt.Struct, error) {
	var st crdt.Struct
	id, err := d.id("struct")
	if err != nil {
		return st, err
	}
	st.ID = id

	info, err := d.readByte("struct info")
	if err != nil {
		return st, err
	}
	if info&^(infoOrigin|infoRightOrigin) != 0 {
		return st, fmt.Errorf("%w: struct %d has unknown info bits %#x", ErrDecode, i, info)
	}
	if info&infoOrigin != 0 {
		o, err := d.id("origin")
		if err != nil {
			return st, err
		}
		st.Origin = &o
	}
	if info&infoRightOrigin != 0 {
		r, err := d.id("right origin")
		if err != nil {
			return st, err
		}
		st.RightOrigin = &r
	}

	size, err := d.uvarint("content length")
	if err != nil {
		return st, err
	}
	if size == 0 || size > uint64(d.remaining()) {
		return st, fmt.Errorf("%w: struct %d content length %d invalid", ErrDecode, i, size)
	}
	content := d.buf[d.off : d.off+int(size)]
	d.off += int(size)
	if !utf8.Valid(content) {
		return st, fmt.Errorf("%w: struct %d content is not UTF-8", ErrDecode, i)
	}
	st.Content = string(content)
	return st, nil
}

// DecodeStateVector parses an encoded state vector.
func DecodeStateVector(data []byte) (crdt.StateVector, error) {
	d := &decoder{buf: data}
	n, err := d.count("state vector", minSVEntry)
	if err != nil {
		return nil, err
	}
	sv := make(crdt.StateVector, n)
	for i := 0; i < n; i++ {
		entry, err := d.id("state vector")
		if err != nil {
			return nil, err
		}
		if _, dup := sv[entry.Client]; dup {
			return nil, fmt.Errorf("%w: duplicate client %d in state vector", ErrDecode, entry.Client)
		}
		sv[entry.Client] = entry.Clock
	}
	if err := d.end(); err != nil {
		return nil, err
	}
	return sv, nil
}
