// Package protocol frames messages exchanged over a document websocket.
//
// Every binary frame starts with a one-byte message type followed by the
// payload:
//
//	0 sync-step-1  state vector of the sender
//	1 sync-step-2  update the receiver lacks
//	2 update       incremental update
//	3 awareness    JSON presence record
//	4 commit       uvarint document version after a persisted change
//	5 error        JSON {"code", "message"}
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags a frame.
type MessageType byte

// Frame types.
const (
	MsgSyncStep1 MessageType = iota
	MsgSyncStep2
	MsgUpdate
	MsgAwareness
	MsgCommit
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgSyncStep1:
		return "sync-step-1"
	case MsgSyncStep2:
		return "sync-step-2"
	case MsgUpdate:
		return "update"
	case MsgAwareness:
		return "awareness"
	case MsgCommit:
		return "commit"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// ErrFrame reports an empty frame, an unknown type or a bad payload.
var ErrFrame = errors.New("malformed frame")

// Frame is a decoded message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode builds a frame.
func Encode(t MessageType, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(t))
	return append(out, payload...)
}

// Decode splits a frame. The payload aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrFrame)
	}
	t := MessageType(data[0])
	if t > MsgError {
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrFrame, data[0])
	}
	return Frame{Type: t, Payload: data[1:]}, nil
}

// EncodeCommit builds a commit acknowledgement carrying version.
func EncodeCommit(version int64) []byte {
	return Encode(MsgCommit, binary.AppendUvarint(nil, uint64(version)))
}

// DecodeCommit reads the version from a commit payload.
func DecodeCommit(payload []byte) (int64, error) {
	v, n := binary.Uvarint(payload)
	if n <= 0 || n != len(payload) {
		return 0, fmt.Errorf("%w: bad commit version", ErrFrame)
	}
	return int64(v), nil
}

// Error codes sent in MsgError frames.
const (
	CodeMalformed   = "malformed"
	CodePersistence = "persistence"
	CodeForbidden   = "forbidden"
	CodeRateLimited = "rate_limited"
)

// ErrorPayload is the body of a MsgError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeError builds an error frame.
func EncodeError(code, message string) []byte {
	b, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Encode(MsgError, b)
}

// DecodeError reads an error payload.
func DecodeError(payload []byte) (ErrorPayload, error) {
	var e ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrFrame, err)
	}
	return e, nil
}
