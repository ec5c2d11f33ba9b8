package crdt

// OpKind tags a text operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpSet    OpKind = "set"
)

// Op is one index-based text operation. Only the fields of its kind are
// meaningful: Insert{Index, Text}, Delete{Index, Length}, Set{Text}.
// Indexes and lengths count runes.
type Op struct {
	Kind   OpKind `json:"op"`
	Index  int    `json:"index,omitempty"`
	Length int    `json:"length,omitempty"`
	Text   string `json:"text,omitempty"`
}

// InsertOp returns an operation inserting text at index.
func InsertOp(index int, text string) Op {
	return Op{Kind: OpInsert, Index: index, Text: text}
}

// DeleteOp returns an operation deleting length runes starting at index.
func DeleteOp(index, length int) Op {
	return Op{Kind: OpDelete, Index: index, Length: length}
}

// SetOp returns an operation replacing the whole text.
func SetOp(text string) Op {
	return Op{Kind: OpSet, Text: text}
}
