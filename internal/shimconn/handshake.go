package shimconn

import (
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// handshake is the first message a shim sends after the TLS session is
// established: its VM identity and an HMAC auth token proving knowledge
// of the pre-shared passkey. Unlike the protocol package's packed-array
// event encoding, the handshake is a one-time, off-hot-path exchange and
// is encoded as an ordinary msgpack map — there is no shim-side C encoder
// it must bit-match.
type handshake struct {
	UUID  string   `msgpack:"uuid"`
	VMID  int32    `msgpack:"vm_id"`
	Port  uint16   `msgpack:"port"`
	Token [32]byte `msgpack:"token"`
}

// handshakeAck is the multiplexer's response to a handshake.
type handshakeAck struct {
	OK     bool   `msgpack:"ok"`
	Reason string `msgpack:"reason,omitempty"`
}

func writeHandshake(w io.Writer, h handshake) error {
	return msgpack.NewEncoder(w).Encode(&h)
}

func readHandshake(r io.Reader) (handshake, error) {
	var h handshake
	err := msgpack.NewDecoder(r).Decode(&h)
	return h, err
}

func writeHandshakeAck(w io.Writer, ack handshakeAck) error {
	return msgpack.NewEncoder(w).Encode(&ack)
}

func readHandshakeAck(r io.Reader) (handshakeAck, error) {
	var ack handshakeAck
	err := msgpack.NewDecoder(r).Decode(&ack)
	return ack, err
}
