// Command rdpmuxd is the multiplexer daemon: it accepts shim connections
// over TLS, maps each VM's shared-memory framebuffer, and relays display
// updates to whatever PeerSink is wired in for the process.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rdpmux/rdpmux/internal/listener"
	"github.com/rdpmux/rdpmux/internal/peersink"
	"github.com/rdpmux/rdpmux/internal/protocol"
	"github.com/rdpmux/rdpmux/internal/shimconn"
	"github.com/rdpmux/rdpmux/internal/version"
	"github.com/rdpmux/rdpmux/internal/worker"
)

// globalFlags holds double-dash flags parsed from os.Args before dispatch,
// mirroring the teacher's own hand-rolled long-flag parser rather than
// pulling in the "flag" package for this.
type globalFlags struct {
	version    bool
	loopback   bool
	profile    bool
	listen     int
	passkeyHex string
	rest       []string
}

func parseGlobalFlags() globalFlags {
	var g globalFlags
	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		switch {
		case arg == "--version":
			g.version = true
		case arg == "--loopback":
			g.loopback = true
		case arg == "--profile":
			g.profile = true
		case arg == "--listen" && i+1 < len(os.Args):
			i++
			g.listen, _ = strconv.Atoi(os.Args[i])
		case strings.HasPrefix(arg, "--listen="):
			v, _ := strings.CutPrefix(arg, "--listen=")
			g.listen, _ = strconv.Atoi(v)
		case arg == "--passkey-file" && i+1 < len(os.Args):
			i++
			g.passkeyHex = readPasskeyFile(os.Args[i])
		case strings.HasPrefix(arg, "--passkey-file="):
			v, _ := strings.CutPrefix(arg, "--passkey-file=")
			g.passkeyHex = readPasskeyFile(v)
		default:
			g.rest = append(g.rest, arg)
		}
	}
	return g
}

func readPasskeyFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading passkey file %s: %v\n", path, err)
		os.Exit(1)
	}
	return strings.TrimSpace(string(b))
}

func main() {
	gf := parseGlobalFlags()

	if gf.version {
		fmt.Printf("rdpmuxd %s (%s)\n", version.VERSION, version.Commit)
		os.Exit(0)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	passkey, err := resolvePasskey(gf.passkeyHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	shimLn, err := shimconn.Listen(gf.listen, passkey, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: listen:", err)
		os.Exit(1)
	}
	defer shimLn.Close()

	w := worker.New(&connLookupAdapter{shimLn}, log)
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("rdpmuxd listening", "port", shimLn.Port(), "loopback", gf.loopback)

	if gf.profile {
		go profileLoop(ctx, w, log)
	}

	acceptLoop(ctx, shimLn, w, gf, log)
}

// resolvePasskey decodes a hex passkey if one was supplied, or generates a
// fresh 32-byte passkey and prints it once for operators to copy into the
// shim's own configuration.
func resolvePasskey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		passkey := make([]byte, 32)
		if _, err := rand.Read(passkey); err != nil {
			return nil, fmt.Errorf("generate passkey: %w", err)
		}
		fmt.Fprintf(os.Stderr, "generated passkey: %s\n", hex.EncodeToString(passkey))
		return passkey, nil
	}
	passkey, err := hex.DecodeString(hexKey)
	if err != nil || len(passkey) != 32 {
		return nil, fmt.Errorf("passkey must be 64 hex characters (32 bytes)")
	}
	return passkey, nil
}

// connLookupAdapter bridges shimconn.Listener.Lookup's concrete *Conn
// return type to worker.ConnLookup's interface-typed signature, so
// shimconn does not need to import worker just to name its type.
type connLookupAdapter struct {
	ln *shimconn.Listener
}

func (a *connLookupAdapter) Lookup(uuid string) (worker.Conn, bool) {
	c, ok := a.ln.Lookup(uuid)
	if !ok {
		return nil, false
	}
	return c, true
}

// acceptLoop accepts shim connections until ctx is cancelled, registering
// each one with the Worker and spawning its read loop.
func acceptLoop(ctx context.Context, shimLn *shimconn.Listener, w *worker.Worker, gf globalFlags, log *slog.Logger) {
	for {
		conn, err := shimLn.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("accept failed", "err", err)
			continue
		}

		l, err := w.RegisterVM(conn.UUID(), conn.VMID(), conn.Port(), true)
		if err != nil {
			log.Warn("register vm failed", "uuid", conn.UUID(), "err", err)
			conn.Close()
			continue
		}

		sink := peerSinkFor(gf)
		sink.CloseOnDone(ctx)
		if err := w.RunVM(conn.UUID(), sink); err != nil {
			log.Warn("run vm failed", "uuid", conn.UUID(), "err", err)
			conn.Close()
			continue
		}

		go readLoop(conn, l, shimLn, w, log)
	}
}

// peerSinkFor returns the PeerSink to hand each newly registered Listener.
// It always returns the in-process Loopback stand-in, whether or not
// --loopback was given; this module has no other PeerSink to choose, and
// the flag is only reported in the startup log.
func peerSinkFor(gf globalFlags) *peersink.Loopback {
	return peersink.NewLoopback(30)
}

// profileLoop emits a VM-count snapshot to stderr every five seconds
// until ctx is cancelled, standing in for the teacher's client-side
// RTT/traffic profiling (there is no client connection here to profile;
// the daemon-side equivalent is current load).
func profileLoop(ctx context.Context, w *worker.Worker, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Info("profile", "vms", w.Count())
		case <-ctx.Done():
			return
		}
	}
}

// readLoop drains codec frames off conn, dispatching each to the Listener.
// A frame that decodes as a complete array but is malformed (bad tag, too
// few fields) is logged and discarded; any other error — the connection
// closing, or a value the decoder cannot read past — ends the loop, which
// then forgets the connection so the Worker stops trying to deliver to it.
func readLoop(conn *shimconn.Conn, l *listener.Listener, shimLn *shimconn.Listener, w *worker.Worker, log *slog.Logger) {
	defer func() {
		shimLn.Forget(conn.UUID())
		w.UnregisterVM(conn.UUID(), conn.Port())
		conn.Close()
	}()

	dec := protocol.NewStreamDecoder(conn)
	for {
		event, err := dec.DecodeEvent()
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) && decErr.Err == nil {
				log.Warn("discarding malformed frame", "uuid", conn.UUID(), "err", err)
				continue
			}
			log.Info("shim connection closed", "uuid", conn.UUID(), "err", err)
			return
		}
		l.OnIncoming(event)
	}
}
