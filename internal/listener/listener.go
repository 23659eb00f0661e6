// Package listener implements the per-VM remote-desktop listener state
// machine: framebuffer lifecycle, peer registry, and the update/ack
// protocol that paces a shim using a feedback-controlled target frame rate.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rdpmux/rdpmux/internal/framebuffer"
	"github.com/rdpmux/rdpmux/internal/pixfmt"
	"github.com/rdpmux/rdpmux/internal/protocol"
)

const (
	minTargetFPS = 3
	maxTargetFPS = 30
)

// State is the Listener's lifecycle position.
type State int32

const (
	Created State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Peer is a single connected remote-desktop client, as seen by the Listener.
// The Listener never looks inside a Peer; it is an opaque key into its own
// peer set and the argument PeerSink callbacks are invoked with.
type Peer interface{}

// PeerSink is the backing remote-desktop server. It is out of scope for
// this module (§1) — invoked only through this interface.
type PeerSink interface {
	Start(l *Listener) error
	FullUpdate(p Peer, w, h int, format pixfmt.Format) error
	PartialUpdate(p Peer, x, y, w, h int) error
	CaptureFPS(p Peer) uint32
	RegisterPeer(l *Listener, p Peer)
	UnregisterPeer(l *Listener, p Peer)
}

// Outbound is the subset of the Worker's API a Listener needs to emit
// events back to its shim and to remove itself from the registry.
type Outbound interface {
	SendMessage(event protocol.Event, uuid string) error
	UnregisterVM(uuid string, port uint16) error
}

// Control is the management surface a peer-facing server uses to
// configure and introspect a Listener, independent of the PeerSink
// interface it uses to push display data. *Listener implements it
// directly.
type Control interface {
	SetCredentialFile(path string)
	SetAuthentication(enabled bool)
	Port() uint16
	NumConnectedPeers() uint32
	RequiresAuthentication() bool
}

var _ Control = (*Listener)(nil)

// Config configures a new Listener.
type Config struct {
	UUID string
	VMID int
	Port uint16
	Auth bool
}

// Listener bridges one VM's framebuffer and input events to a set of
// remote-desktop peers. A Listener is created in state Created, run exactly
// once, and destroys itself (via Outbound.UnregisterVM) when Run returns.
type Listener struct {
	cfg         Config
	out         Outbound
	log         *slog.Logger
	state       atomic.Int32
	stop        atomic.Bool
	fb          atomic.Pointer[framebuffer.Mapping]
	width       atomic.Uint32
	height      atomic.Uint32
	format      atomic.Uint32
	target      atomic.Uint32
	peerMu      sync.Mutex
	peers       map[Peer]struct{}
	peerSink    PeerSink
	formatValid atomic.Bool
	credMu      sync.Mutex
	credPath    string
	authing     atomic.Bool
}

// New constructs a Listener in state Created. No framebuffer is mapped and
// no peer is registered yet.
func New(cfg Config, out Outbound, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.New(&discardHandler{})
	}
	l := &Listener{
		cfg:   cfg,
		out:   out,
		log:   log.With("component", "listener", "uuid", cfg.UUID, "vm_id", cfg.VMID),
		peers: make(map[Peer]struct{}),
	}
	l.state.Store(int32(Created))
	l.target.Store(maxTargetFPS)
	l.authing.Store(cfg.Auth)
	return l
}

// Run transitions Created -> Running, starts the backing peer sink, and
// blocks until the sink's Start returns or ctx is cancelled. Setting the
// stop flag (a Shutdown event) does not by itself make Run return.
// It always transitions to Stopped and unregisters itself from the Worker
// before returning, on every exit path including a panic recovered here.
func (l *Listener) Run(ctx context.Context, sink PeerSink) (err error) {
	l.peerSink = sink
	l.state.Store(int32(Running))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener: panic in Run: %v", r)
			l.log.Error("recovered panic", "error", err)
		}
		l.state.Store(int32(Stopped))
		if fb := l.fb.Load(); fb != nil {
			if cerr := fb.Close(); cerr != nil {
				l.log.Warn("closing framebuffer mapping", "error", cerr)
			}
		}
		if uerr := l.out.UnregisterVM(l.cfg.UUID, l.cfg.Port); uerr != nil {
			l.log.Warn("unregister on exit", "error", uerr)
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- sink.Start(l)
	}()

	select {
	case serr := <-done:
		l.state.Store(int32(Stopping))
		return serr
	case <-ctx.Done():
		l.state.Store(int32(Stopping))
		l.stop.Store(true)
		return ctx.Err()
	}
}

// OnIncoming dispatches an event received from the shim. Once the stop flag
// is set, every call is a no-op.
func (l *Listener) OnIncoming(event protocol.Event) {
	if l.stop.Load() {
		return
	}

	switch ev := event.(type) {
	case protocol.DisplaySwitch:
		l.handleDisplaySwitch(ev)
	case protocol.DisplayUpdate:
		l.handleDisplayUpdate(ev)
	case protocol.Shutdown:
		l.stop.Store(true)
		l.state.Store(int32(Stopping))
	default:
		l.log.Warn("discarding unexpected event", "type", fmt.Sprintf("%T", event))
	}
}

// OnPeerInput is called by a PeerSink when a peer moves the mouse or
// presses a key. It does nothing but forward the event to the shim via the
// Worker's outbound FIFO — the mux->shim direction of the protocol.
func (l *Listener) OnPeerInput(ev protocol.Event) {
	if l.stop.Load() {
		return
	}
	if err := l.out.SendMessage(ev, l.cfg.UUID); err != nil {
		l.log.Warn("enqueue peer input", "error", err)
	}
}

// handleDisplaySwitch maps the framebuffer if none is mapped yet (a failed
// open leaves nothing mapped, so the next switch tries again) and then
// updates the Listener's recorded (width, height, format) — that update
// happens unconditionally, even for a format this module has no peer
// mapping for. Only the peer broadcast that follows is conditional: it
// runs only once ev.Format resolves to a known pixfmt.Mapping, and an
// unrecognized format leaves formatValid false, which makes
// handleDisplayUpdate and RegisterPeer decline to call into the PeerSink
// until a subsequent DisplaySwitch advertises a format this module
// understands.
func (l *Listener) handleDisplaySwitch(ev protocol.DisplaySwitch) {
	var openErr error
	if l.fb.Load() == nil {
		size := framebufferSize(int(ev.W), int(ev.H))
		if size > framebuffer.MaxSize {
			openErr = &framebuffer.Error{Kind: framebuffer.TooLarge, Err: fmt.Errorf("display switch implies mapping of %d bytes exceeding maximum %d", size, framebuffer.MaxSize)}
		} else if fb, err := framebuffer.Open(l.cfg.VMID, size); err != nil {
			openErr = err
		} else {
			l.fb.Store(fb)
		}
	}
	if openErr != nil {
		l.log.Warn("open framebuffer", "error", openErr)
		return
	}

	l.peerMu.Lock()
	l.width.Store(ev.W)
	l.height.Store(ev.H)
	l.format.Store(ev.Format)
	l.peerMu.Unlock()

	format := pixfmt.Format(ev.Format)
	if !pixfmt.Lookup(format).Valid() {
		l.formatValid.Store(false)
		l.log.Warn("declining to broadcast display switch with unrecognized format", "format", ev.Format)
		return
	}
	l.formatValid.Store(true)

	peers := l.snapshotPeers()
	for _, p := range peers {
		if err := l.peerSink.FullUpdate(p, int(ev.W), int(ev.H), format); err != nil {
			l.log.Warn("full update to peer", "error", err)
		}
	}
}

// handleDisplayUpdate broadcasts a partial update to every peer and folds
// each peer's reported capture rate into the running target-FPS average,
// regardless of whether that peer's PartialUpdate call itself errored —
// a broadcast failure to one peer says nothing about that peer's capture
// rate, so it must not be excluded from the average. The broadcast itself
// is skipped while the current format is invalid, but the
// DisplayUpdateComplete ack is always enqueued: the shim paces its next
// DisplayUpdate on receiving an ack for this one, so the ack can never be
// conditional on anything peer-side.
func (l *Listener) handleDisplayUpdate(ev protocol.DisplayUpdate) {
	target := l.target.Load()

	if l.formatValid.Load() {
		peers := l.snapshotPeers()
		for _, p := range peers {
			if err := l.peerSink.PartialUpdate(p, int(ev.X), int(ev.Y), int(ev.W), int(ev.H)); err != nil {
				l.log.Warn("partial update to peer", "error", err)
			}
			target = clampFPS((target + l.peerSink.CaptureFPS(p)) / 2)
		}
		l.target.Store(target)
	}

	ack := protocol.DisplayUpdateComplete{Success: 1, Framerate: target}
	if err := l.out.SendMessage(ack, l.cfg.UUID); err != nil {
		l.log.Warn("enqueue update complete", "error", err)
	}
}

func clampFPS(v uint32) uint32 {
	if v < minTargetFPS {
		return minTargetFPS
	}
	if v > maxTargetFPS {
		return maxTargetFPS
	}
	return v
}

// framebufferSize derives a tight mapping size (4 bytes per pixel) from
// advertised dimensions. It does not cap the result; handleDisplaySwitch
// rejects a size above framebuffer.MaxSize. The shim does not negotiate a
// size, so this is a bound derived from the switch, not a value it sends.
func framebufferSize(w, h int) int {
	return w * h * 4
}

func (l *Listener) snapshotPeers() []Peer {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()
	out := make([]Peer, 0, len(l.peers))
	for p := range l.peers {
		out = append(out, p)
	}
	return out
}

// RegisterPeer adds peer to the peer set and, if a framebuffer is already
// mapped, immediately sends it a full-display update for the current
// dimensions and format.
func (l *Listener) RegisterPeer(peer Peer) {
	l.peerMu.Lock()
	l.peers[peer] = struct{}{}
	l.peerMu.Unlock()

	if l.fb.Load() == nil || l.peerSink == nil || !l.formatValid.Load() {
		return
	}
	w, h, format := int(l.width.Load()), int(l.height.Load()), pixfmt.Format(l.format.Load())
	if err := l.peerSink.FullUpdate(peer, w, h, format); err != nil {
		l.log.Warn("initial full update to new peer", "error", err)
	}
}

// UnregisterPeer removes peer from the peer set.
func (l *Listener) UnregisterPeer(peer Peer) {
	l.peerMu.Lock()
	delete(l.peers, peer)
	l.peerMu.Unlock()
}

// SetCredentialFile updates the credential file path used for peer
// authentication. Thread-safe; has no retroactive effect on peer sessions
// already negotiated.
func (l *Listener) SetCredentialFile(path string) {
	l.credMu.Lock()
	l.credPath = path
	l.credMu.Unlock()
}

// SetAuthentication enables or disables authentication for future peer
// sessions.
func (l *Listener) SetAuthentication(enabled bool) {
	l.authing.Store(enabled)
}

// Width returns the last advertised framebuffer width.
func (l *Listener) Width() int { return int(l.width.Load()) }

// Height returns the last advertised framebuffer height.
func (l *Listener) Height() int { return int(l.height.Load()) }

// CredentialPath returns the currently configured credential file path.
func (l *Listener) CredentialPath() string {
	l.credMu.Lock()
	defer l.credMu.Unlock()
	return l.credPath
}

// Authenticating reports whether peer authentication is currently enabled.
func (l *Listener) Authenticating() bool { return l.authing.Load() }

// NumConnectedPeers returns the number of currently registered peers.
func (l *Listener) NumConnectedPeers() uint32 {
	l.peerMu.Lock()
	defer l.peerMu.Unlock()
	return uint32(len(l.peers))
}

// Port returns the VM's peer-facing port, as configured at construction.
func (l *Listener) Port() uint16 { return l.cfg.Port }

// RequiresAuthentication is an alias for Authenticating, satisfying the
// Control interface's naming.
func (l *Listener) RequiresAuthentication() bool { return l.Authenticating() }

// State returns the Listener's current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

// UUID returns the VM identifier this Listener was constructed with.
func (l *Listener) UUID() string { return l.cfg.UUID }
