// Package wire implements the length-prefixed binary framing layer used
// between a pool supervisor and its child worker processes, plus the
// message envelopes carried over it.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxPayloadSize bounds a single framed message. Requests carrying larger
// bodies (uploads, image buffers) are rejected rather than accepted and
// truncated.
const MaxPayloadSize = 32 * 1024 * 1024

const headerSize = 4

// Codec writes and reads self-describing framed messages on a byte stream:
// a 4-byte big-endian length prefix followed by a msgpack-encoded payload.
// Binary blobs travel inside the payload untouched -- there is no base64
// hop, which matters for request bodies and response buffers.
type Codec struct {
	maxPayload uint32
}

// New returns a Codec bounding frames to maxPayload bytes. A maxPayload of
// 0 uses MaxPayloadSize.
func New(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = MaxPayloadSize
	}
	return &Codec{maxPayload: uint32(maxPayload)}
}

// WriteMessage marshals v and writes it as one frame. Concurrent callers on
// the same io.Writer must serialize their own calls -- the codec does not
// lock; that responsibility sits with the Proxy, whose outbound stream is
// single-writer.
func (c *Codec) WriteMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	if uint32(len(payload)) > c.maxPayload {
		return fmt.Errorf("wire: payload exceeds max size: %d > %d", len(payload), c.maxPayload)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// DecodeError wraps a corrupt frame's payload. The stream itself remains
// usable -- the length prefix already told the reader how many bytes to
// discard, so the next call to Decoder.Decode resumes cleanly.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("wire: decode frame: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reads a sequence of framed messages from a byte stream.
type Decoder struct {
	r     *bufio.Reader
	codec *Codec
}

// NewDecoder wraps r for repeated framed reads.
func (c *Codec) NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), codec: c}
}

// Decode reads the next frame and unmarshals it into v. It returns io.EOF
// when the underlying stream is closed cleanly between frames. A malformed
// payload yields a *DecodeError without disturbing the stream position for
// the next call.
func (d *Decoder) Decode(v any) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(d.r, header); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("wire: read header: %w", err)
	}

	size := binary.BigEndian.Uint32(header)
	if size > d.codec.maxPayload {
		return fmt.Errorf("wire: frame exceeds max size: %d > %d", size, d.codec.maxPayload)
	}
	if size == 0 {
		return fmt.Errorf("wire: empty frame")
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return fmt.Errorf("wire: read payload: %w", err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}
