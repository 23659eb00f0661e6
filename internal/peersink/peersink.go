// Package peersink defines the collaborator interfaces a transport-specific
// peer server implements to plug into a Listener, plus Loopback, a minimal
// in-process stand-in used by tests and the daemon's -loopback diagnostic
// mode. Nothing in this package speaks any real remote-desktop wire
// protocol; a production PeerSink (FreeRDP bindings or similar) lives
// outside this module entirely.
package peersink

import (
	"context"
	"sync"

	"github.com/rdpmux/rdpmux/internal/listener"
	"github.com/rdpmux/rdpmux/internal/pixfmt"
)

// Region is the last update pushed to a peer, recorded by Loopback for
// inspection in tests.
type Region struct {
	X, Y, W, H int
	Format     pixfmt.Format
	Full       bool
}

// Loopback is a PeerSink that never opens a socket: it keeps peers as
// opaque tokens supplied by the caller (via Connect) and records the
// updates the Listener pushes to each one. Start blocks until Close is
// called or the context is done, mirroring a real peer server's lifetime
// without running one.
type Loopback struct {
	fps uint32

	mu      sync.Mutex
	regions map[listener.Peer]Region
	closed  chan struct{}
	once    sync.Once
}

// NewLoopback returns a Loopback reporting fps as every peer's capture
// frame rate (clamped by the Listener to [3,30] regardless).
func NewLoopback(fps uint32) *Loopback {
	return &Loopback{
		fps:     fps,
		regions: make(map[listener.Peer]Region),
		closed:  make(chan struct{}),
	}
}

// Start blocks until Close is called.
func (lb *Loopback) Start(l *listener.Listener) error {
	<-lb.closed
	return nil
}

// Close stops Start from blocking. Safe to call more than once.
func (lb *Loopback) Close() {
	lb.once.Do(func() { close(lb.closed) })
}

// Connect registers peer with l and returns it unchanged, for tests that
// want a Listener-side RegisterPeer/UnregisterPeer pair around a plain
// token value.
func (lb *Loopback) Connect(l *listener.Listener, peer listener.Peer) listener.Peer {
	l.RegisterPeer(peer)
	return peer
}

// Disconnect unregisters peer from l and drops its recorded region.
func (lb *Loopback) Disconnect(l *listener.Listener, peer listener.Peer) {
	l.UnregisterPeer(peer)
	lb.mu.Lock()
	delete(lb.regions, peer)
	lb.mu.Unlock()
}

func (lb *Loopback) FullUpdate(p listener.Peer, w, h int, format pixfmt.Format) error {
	lb.mu.Lock()
	lb.regions[p] = Region{W: w, H: h, Format: format, Full: true}
	lb.mu.Unlock()
	return nil
}

func (lb *Loopback) PartialUpdate(p listener.Peer, x, y, w, h int) error {
	lb.mu.Lock()
	r := lb.regions[p]
	r.X, r.Y, r.W, r.H, r.Full = x, y, w, h, false
	lb.regions[p] = r
	lb.mu.Unlock()
	return nil
}

func (lb *Loopback) CaptureFPS(p listener.Peer) uint32 {
	return lb.fps
}

func (lb *Loopback) RegisterPeer(l *listener.Listener, p listener.Peer) {}

func (lb *Loopback) UnregisterPeer(l *listener.Listener, p listener.Peer) {}

// LastRegion returns the most recent update recorded for peer, for test
// assertions.
func (lb *Loopback) LastRegion(peer listener.Peer) (Region, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	r, ok := lb.regions[peer]
	return r, ok
}

// CloseOnDone spawns a goroutine that calls Close once ctx is done, so a
// caller can drive the Loopback's lifetime off of a context instead of an
// explicit Close call (used by the daemon, for every Loopback it creates,
// to tie peer lifetime to the process's shutdown context).
func (lb *Loopback) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		lb.Close()
	}()
}
