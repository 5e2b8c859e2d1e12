package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	codec := New(0)
	original := []byte("hello, worker")

	var buf bytes.Buffer
	require.NoError(t, codec.WriteMessage(&buf, original))
	// msgpack encodes a 13-byte []byte as bin8: one type byte and one length
	// byte ahead of the data itself.
	require.Equal(t, headerSize+2+len(original), buf.Len())

	dec := codec.NewDecoder(&buf)
	var got []byte
	require.NoError(t, dec.Decode(&got))
	require.Equal(t, original, got)
}

func TestParentFrameRoundTripsBinaryBody(t *testing.T) {
	codec := New(0)
	req := &ParentFrame{
		Cmd:     CmdRequest,
		ID:      42,
		Method:  "POST",
		URI:     "/api/users?page=1",
		Headers: map[string][]string{"Content-Type": {"application/octet-stream"}},
		RawBody: []byte{0x00, 0x01, 0xFF, 0xFE, 0x10},
	}

	var buf bytes.Buffer
	require.NoError(t, codec.WriteMessage(&buf, req))

	dec := codec.NewDecoder(&buf)
	var got ParentFrame
	require.NoError(t, dec.Decode(&got))

	require.Equal(t, req.Cmd, got.Cmd)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.RawBody, got.RawBody)
}

func TestDecodeErrorDoesNotCloseStream(t *testing.T) {
	codec := New(0)
	var buf bytes.Buffer

	// A frame whose payload is not valid msgpack for the target type.
	require.NoError(t, codec.WriteMessage(&buf, "not-a-struct"))
	// Followed by a well-formed frame.
	require.NoError(t, codec.WriteMessage(&buf, &ChildFrame{Cmd: CmdMaintComplete}))

	dec := codec.NewDecoder(&buf)

	var bad ChildFrame
	err := dec.Decode(&bad)
	require.Error(t, err)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)

	var good ChildFrame
	require.NoError(t, dec.Decode(&good))
	require.Equal(t, CmdMaintComplete, good.Cmd)
}

func TestDecodeReturnsEOFOnCleanClose(t *testing.T) {
	codec := New(0)
	r, w := io.Pipe()
	go w.Close()

	dec := codec.NewDecoder(r)
	var got ChildFrame
	err := dec.Decode(&got)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	codec := New(8)
	var buf bytes.Buffer
	err := codec.WriteMessage(&buf, []byte("this payload is definitely too long"))
	require.Error(t, err)
}
