package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ClientID identifies a replica.
type ClientID uint64

// NewClientID returns a random replica id. Ids fit in 53 bits so browser
// clients can hold them as numbers.
func NewClientID() ClientID {
	u := uuid.New()
	return ClientID(binary.BigEndian.Uint64(u[:8]) >> 11)
}

// ID is the causal identifier of one inserted rune: the inserting replica and
// its clock at the time. Clocks of a replica are contiguous from zero.
type ID struct {
	Client ClientID `json:"client"`
	Clock  uint64   `json:"clock"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StateVector maps every known replica to the next clock expected from it.
type StateVector map[ClientID]uint64

// Has reports whether the item id is covered by the vector.
func (sv StateVector) Has(id ID) bool {
	return id.Clock < sv[id.Client]
}

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	for k, v := range sv {
		c[k] = v
	}
	return c
}

// Clients returns the replicas in the vector in ascending order.
func (sv StateVector) Clients() []ClientID {
	clients := make([]ClientID, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}
