package protocol

import (
	"bytes"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode writes event as a single MessagePack array: [tag, field...].
// Integers are emitted in MessagePack's minimum-width form (positive
// fixint, uint8, uint16, or uint32 — the tag never needs more than 5
// bytes), exactly what the shim's own encoder produces.
func Encode(event Event) ([]byte, error) {
	fields := event.fields()
	packed := make([]uint32, 1+len(fields))
	packed[0] = uint32(event.tag())
	copy(packed[1:], fields)

	buf := newGrowBuffer()
	enc := msgpack.NewEncoder(buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(packed); err != nil {
		return nil, &EncodeError{Err: err}
	}
	return buf.Bytes(), nil
}

// Decode reads a single framed event from b. The whole array is decoded;
// the tag alone determines how many of the following elements are used,
// per fieldCounts, and any extra elements are ignored. Decode never advances past a byte it couldn't account for — on
// error it returns a DecodeError and the caller's buffer is untouched.
func Decode(b []byte) (Event, error) {
	var packed []uint32
	if err := msgpack.NewDecoder(bytes.NewReader(b)).Decode(&packed); err != nil {
		return nil, classifyDecodeErr(err)
	}

	if len(packed) < 1 {
		return nil, &DecodeError{Kind: Truncated}
	}

	tag := Tag(packed[0])
	count, known := fieldCounts[tag]
	if !known {
		return nil, &DecodeError{Kind: BadTag}
	}

	if len(packed)-1 < count {
		return nil, &DecodeError{Kind: Truncated}
	}

	return buildEvent(tag, packed[1:1+count])
}

// StreamDecoder reads a sequence of framed events off a single persistent
// connection. It wraps one msgpack.Decoder (and the buffered reader that
// Decoder builds around its source) for the decoder's entire lifetime —
// a msgpack.Decoder.Reset against a plain io.Reader that is not itself a
// *bufio.Reader or io.ByteScanner reads ahead through an internal buffer,
// so constructing a fresh Decoder per call would silently drop whatever
// extra bytes of the next frame that buffer had already pulled off the
// socket. Coalesced writes land multiple frames in a single TCP segment
// routinely, not as an edge case, so that buffer almost always holds more
// than one message's worth of bytes.
type StreamDecoder struct {
	dec *msgpack.Decoder
}

// NewStreamDecoder returns a StreamDecoder reading from r. Construct one
// per connection and reuse it across every DecodeEvent call for that
// connection's lifetime.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{dec: msgpack.NewDecoder(r)}
}

// DecodeEvent reads the next framed event, relying on the msgpack
// decoder's own array-length bookkeeping to know where the frame ends —
// no outer length prefix is read or written.
func (d *StreamDecoder) DecodeEvent() (Event, error) {
	var packed []uint32
	if err := d.dec.Decode(&packed); err != nil {
		return nil, classifyDecodeErr(err)
	}

	if len(packed) < 1 {
		return nil, &DecodeError{Kind: Truncated}
	}

	tag := Tag(packed[0])
	count, known := fieldCounts[tag]
	if !known {
		return nil, &DecodeError{Kind: BadTag}
	}

	if len(packed)-1 < count {
		return nil, &DecodeError{Kind: Truncated}
	}

	return buildEvent(tag, packed[1:1+count])
}

// classifyDecodeErr maps a msgpack decoding failure onto the protocol's
// own error taxonomy. Short reads (EOF mid-array) are Truncated; anything
// else — a non-array value, a negative or non-integer element — is BadType.
func classifyDecodeErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Kind: Truncated, Err: err}
	}
	return &DecodeError{Kind: BadType, Err: err}
}
