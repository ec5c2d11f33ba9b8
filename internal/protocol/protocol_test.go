package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	data := Encode(MsgUpdate, []byte{1, 2, 3})
	assert.Equal(t, []byte{2, 1, 2, 3}, data)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MsgUpdate, f.Type)
	assert.Equal(t, []byte{1, 2, 3}, f.Payload)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrFrame)

	_, err = Decode([]byte{9, 0})
	assert.ErrorIs(t, err, ErrFrame)
}

func TestCommit(t *testing.T) {
	f, err := Decode(EncodeCommit(300))
	require.NoError(t, err)
	assert.Equal(t, MsgCommit, f.Type)

	v, err := DecodeCommit(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(300), v)

	_, err = DecodeCommit(nil)
	assert.ErrorIs(t, err, ErrFrame)
	_, err = DecodeCommit([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrFrame)
}

func TestError(t *testing.T) {
	f, err := Decode(EncodeError(CodePersistence, "save failed"))
	require.NoError(t, err)
	assert.Equal(t, MsgError, f.Type)

	e, err := DecodeError(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, ErrorPayload{Code: CodePersistence, Message: "save failed"}, e)
}

func TestAwareness(t *testing.T) {
	in := Awareness{ConnectionID: "c1", UserID: "u1", DisplayName: "Ann", Color: "#f00", Cursor: &Cursor{Anchor: 2, Head: 5}}
	f, err := Decode(EncodeAwareness(in))
	require.NoError(t, err)
	assert.Equal(t, MsgAwareness, f.Type)

	out, err := DecodeAwareness(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	assert.JSONEq(t, `{"connectionId":"c1","removed":true}`,
		string(EncodeAwareness(Awareness{ConnectionID: "c1", Removed: true})[1:]))

	_, err = DecodeAwareness([]byte("{"))
	assert.ErrorIs(t, err, ErrFrame)
	_, err = DecodeAwareness([]byte(`{"cursor":{"anchor":-1,"head":0}}`))
	assert.ErrorIs(t, err, ErrFrame)
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "sync-step-1", MsgSyncStep1.String())
	assert.Equal(t, "unknown(42)", MessageType(42).String())
}
