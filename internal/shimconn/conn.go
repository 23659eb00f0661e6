package shimconn

import (
	"crypto/tls"
	"sync"
)

// Conn is one authenticated shim connection. After the handshake it is a
// plain io.Reader/io.Writer carrying protocol.Encode/protocol.Decode
// frames; reads and writes are not internally synchronized against each
// other (the Worker's single writer goroutine is the only writer, and the
// Listener's own reader goroutine is the only reader), but Write itself
// is safe to call concurrently with the read side of the same *tls.Conn.
type Conn struct {
	uuid string
	vmID int32
	port uint16

	conn    *tls.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// UUID returns the VM identifier this connection authenticated as.
func (c *Conn) UUID() string { return c.uuid }

// VMID returns the VM's numeric identifier, used to locate its
// framebuffer's shared-memory name.
func (c *Conn) VMID() int { return int(c.vmID) }

// Port returns the port the shim announced during the handshake.
func (c *Conn) Port() uint16 { return c.port }

// Read reads raw bytes from the underlying TLS connection.
func (c *Conn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// Write writes raw bytes to the underlying TLS connection, serialized
// against concurrent writers.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(p)
}

// Close closes the underlying TLS connection. Safe to call more than
// once; only the first call's error is returned.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
