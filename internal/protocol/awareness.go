package protocol

import (
	"encoding/json"
	"fmt"
)

// Cursor is a selection in rune offsets.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Awareness is one participant's ephemeral presence. A record with Removed
// set tells peers the connection left.
type Awareness struct {
	ConnectionID string  `json:"connectionId"`
	UserID       string  `json:"userId,omitempty"`
	DisplayName  string  `json:"displayName,omitempty"`
	Color        string  `json:"color,omitempty"`
	Cursor       *Cursor `json:"cursor,omitempty"`
	Removed      bool    `json:"removed,omitempty"`
}

// EncodeAwareness builds an awareness frame.
func EncodeAwareness(a Awareness) []byte {
	b, _ := json.Marshal(a)
	return Encode(MsgAwareness, b)
}

// DecodeAwareness parses an awareness payload.
func DecodeAwareness(payload []byte) (Awareness, error) {
	var a Awareness
	if err := json.Unmarshal(payload, &a); err != nil {
		return Awareness{}, fmt.Errorf("%w: awareness: %v", ErrFrame, err)
	}
	if a.Cursor != nil && (a.Cursor.Anchor < 0 || a.Cursor.Head < 0) {
		return Awareness{}, fmt.Errorf("%w: negative cursor", ErrFrame)
	}
	return a, nil
}
