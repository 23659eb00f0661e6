// Package shimconn is the concrete shim<->multiplexer transport: a
// TLS-over-TCP listener that authenticates an incoming shim connection
// with an HMAC token bound to the TLS session, then hands back a Conn
// carrying protocol.Encode/protocol.Decode frames.
package shimconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rdpmux/rdpmux/internal/shimauth"
)

// handshakeDeadline bounds how long a newly accepted TCP connection has
// to complete its TLS handshake and auth exchange before it is dropped.
const handshakeDeadline = 5 * time.Second

// Listener accepts and authenticates shim connections on a single
// TLS-over-TCP socket, and tracks the live Conn for each authenticated
// uuid so the Worker's writer goroutine can deliver outbound frames.
type Listener struct {
	ln      net.Listener
	port    int
	passkey []byte
	log     *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// Listen binds a TLS-over-TCP listener on port (0 for a random free
// port) and generates an ephemeral self-signed certificate for it.
func Listen(port int, passkey []byte, log *slog.Logger) (*Listener, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("shimconn: generate TLS cert: %w", err)
	}

	tlsConf := serverTLSConfig(cert)
	ln, err := tls.Listen("tcp4", ":"+strconv.Itoa(port), tlsConf)
	if err != nil {
		return nil, fmt.Errorf("shimconn: listen: %w", err)
	}

	if log == nil {
		log = slog.New(&discardHandler{})
	}

	return &Listener{
		ln:      ln,
		port:    ln.Addr().(*net.TCPAddr).Port,
		passkey: passkey,
		log:     log.With("component", "shimconn"),
		conns:   make(map[string]*Conn),
	}, nil
}

// Port returns the TCP port the listener is bound to.
func (l *Listener) Port() int { return l.port }

// Accept waits for, TLS-handshakes, and authenticates the next shim
// connection. On success the Conn is tracked for Lookup until Forget or
// Close is called for its uuid.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("shimconn: accept: %w", res.err)
		}
		tlsConn := res.conn.(*tls.Conn)
		conn, err := l.authenticate(tlsConn)
		if err != nil {
			tlsConn.Close()
			return nil, err
		}
		l.mu.Lock()
		l.conns[conn.uuid] = conn
		l.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *Listener) authenticate(tlsConn *tls.Conn) (*Conn, error) {
	tlsConn.SetDeadline(time.Now().Add(handshakeDeadline))
	defer tlsConn.SetDeadline(time.Time{})

	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("shimconn: TLS handshake: %w", err)
	}

	h, err := readHandshake(tlsConn)
	if err != nil {
		return nil, fmt.Errorf("shimconn: read handshake: %w", err)
	}

	state := tlsConn.ConnectionState()
	material, err := state.ExportKeyingMaterial(shimauth.ExporterLabel(), nil, 32)
	if err != nil {
		return nil, fmt.Errorf("shimconn: export keying material: %w", err)
	}

	if !shimauth.VerifyAuthToken(l.passkey, material, h.Token) {
		writeHandshakeAck(tlsConn, handshakeAck{OK: false, Reason: "invalid passkey"})
		return nil, fmt.Errorf("shimconn: authentication failed for uuid %q", h.UUID)
	}

	if err := writeHandshakeAck(tlsConn, handshakeAck{OK: true}); err != nil {
		return nil, fmt.Errorf("shimconn: write handshake ack: %w", err)
	}

	return &Conn{uuid: h.UUID, vmID: h.VMID, port: h.Port, conn: tlsConn}, nil
}

// Lookup returns the live connection for uuid, if any. *Conn satisfies
// worker.Conn (it has a Write method); cmd/rdpmuxd adapts this method to
// worker.ConnLookup's exact signature so shimconn does not need to import
// the worker package just to name its interface type.
func (l *Listener) Lookup(uuid string) (*Conn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conns[uuid]
	return c, ok
}

// Forget stops tracking uuid's connection, without closing it. Called
// when the VM's shim connection ends, so the Worker stops delivering to it.
func (l *Listener) Forget(uuid string) {
	l.mu.Lock()
	delete(l.conns, uuid)
	l.mu.Unlock()
}

// Close shuts down the listener and every tracked connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	for uuid, c := range l.conns {
		c.Close()
		delete(l.conns, uuid)
	}
	l.mu.Unlock()
	return l.ln.Close()
}
