package listener

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rdpmux/rdpmux/internal/framebuffer"
	"github.com/rdpmux/rdpmux/internal/pixfmt"
	"github.com/rdpmux/rdpmux/internal/protocol"
)

// fakeOutbound records SendMessage/UnregisterVM calls for assertions.
type fakeOutbound struct {
	mu           sync.Mutex
	sent         []protocol.Event
	unregistered bool
	sendErr      error
}

func (f *fakeOutbound) SendMessage(event protocol.Event, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeOutbound) UnregisterVM(uuid string, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = true
	return nil
}

func (f *fakeOutbound) snapshot() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Event, len(f.sent))
	copy(out, f.sent)
	return out
}

type fullCall struct {
	peer   Peer
	w, h   int
	format pixfmt.Format
}

type partialCall struct {
	peer    Peer
	x, y, w, h int
}

// fakeSink is a PeerSink double. Start blocks until stop is closed.
type fakeSink struct {
	mu      sync.Mutex
	full    []fullCall
	partial []partialCall
	fps     map[Peer]uint32
	stop    chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{fps: make(map[Peer]uint32), stop: make(chan struct{})}
}

func (s *fakeSink) Start(l *Listener) error {
	<-s.stop
	return nil
}

func (s *fakeSink) FullUpdate(p Peer, w, h int, format pixfmt.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = append(s.full, fullCall{p, w, h, format})
	return nil
}

func (s *fakeSink) PartialUpdate(p Peer, x, y, w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, partialCall{p, x, y, w, h})
	return nil
}

func (s *fakeSink) CaptureFPS(p Peer) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps[p]
}

func (s *fakeSink) RegisterPeer(l *Listener, p Peer)   {}
func (s *fakeSink) UnregisterPeer(l *Listener, p Peer) {}

// newRunningListener creates a Listener, starts Run in a goroutine against
// a fakeSink, and waits until Run has recorded the sink (so OnIncoming /
// RegisterPeer calls are safe), returning a cleanup that stops the sink.
func newRunningListener(t *testing.T, cfg Config, out Outbound) (*Listener, *fakeSink, func()) {
	t.Helper()
	l := New(cfg, out, nil)
	sink := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan struct{})
	go func() {
		l.Run(ctx, sink)
		close(runDone)
	}()

	// Run sets l.peerSink synchronously before blocking in Start; poll until
	// it is observable.
	deadline := time.After(2 * time.Second)
	for l.State() != Running {
		select {
		case <-deadline:
			t.Fatal("listener did not reach Running state")
		case <-time.After(time.Millisecond):
		}
	}

	cleanup := func() {
		close(sink.stop)
		cancel()
		<-runDone
	}
	return l, sink, cleanup
}

// withFakeShm points framebuffer.ShmDir at a temp directory containing a
// pre-sized fake shared-memory file for vmID, and restores ShmDir on
// cleanup.
func withFakeShm(t *testing.T, vmID int, size int) {
	t.Helper()
	dir := t.TempDir()
	old := framebuffer.ShmDir
	framebuffer.ShmDir = dir
	t.Cleanup(func() { framebuffer.ShmDir = old })

	path := dir + "/" + strconv.Itoa(vmID) + ".rdpmux"
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write fake shm file: %v", err)
	}
}

func TestDisplaySwitchFirstMap(t *testing.T) {
	withFakeShm(t, 42, 1920*1080*4)

	out := &fakeOutbound{}
	l, sink, cleanup := newRunningListener(t, Config{UUID: "vm-42", VMID: 42, Port: 3389}, out)
	defer cleanup()

	peer := "peer-a"
	l.RegisterPeer(peer)

	l.OnIncoming(protocol.DisplaySwitch{Format: uint32(pixfmt.R8G8B8A8), W: 1920, H: 1080})

	if l.Width() != 1920 || l.Height() != 1080 {
		t.Fatalf("got (%d,%d), want (1920,1080)", l.Width(), l.Height())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.full) != 1 {
		t.Fatalf("expected 1 FullUpdate call, got %d", len(sink.full))
	}
	if sink.full[0].w != 1920 || sink.full[0].h != 1080 || sink.full[0].format != pixfmt.R8G8B8A8 {
		t.Fatalf("unexpected FullUpdate: %+v", sink.full[0])
	}
}

func TestDisplaySwitchResizeDoesNotRemap(t *testing.T) {
	withFakeShm(t, 42, 1920*1080*4)

	out := &fakeOutbound{}
	l, sink, cleanup := newRunningListener(t, Config{UUID: "vm-42", VMID: 42, Port: 3389}, out)
	defer cleanup()

	l.RegisterPeer("peer-a")

	l.OnIncoming(protocol.DisplaySwitch{Format: uint32(pixfmt.R8G8B8A8), W: 1920, H: 1080})
	firstFB := l.fb.Load()

	l.OnIncoming(protocol.DisplaySwitch{Format: uint32(pixfmt.X8R8G8B8), W: 800, H: 600})

	if l.fb.Load() != firstFB {
		t.Fatal("expected the same framebuffer mapping to be reused across a resize")
	}
	if l.Width() != 800 || l.Height() != 600 {
		t.Fatalf("got (%d,%d), want (800,600)", l.Width(), l.Height())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.full) != 2 {
		t.Fatalf("expected 2 FullUpdate calls, got %d", len(sink.full))
	}
	if sink.full[1].format != pixfmt.X8R8G8B8 {
		t.Fatalf("expected second FullUpdate to use the new format, got %+v", sink.full[1])
	}
}

func TestDisplayUpdateBroadcastsAndAcks(t *testing.T) {
	withFakeShm(t, 7, 640*480*4)

	out := &fakeOutbound{}
	l, sink, cleanup := newRunningListener(t, Config{UUID: "vm-7", VMID: 7, Port: 1}, out)
	defer cleanup()

	l.RegisterPeer("peer-a")
	l.RegisterPeer("peer-b")
	l.OnIncoming(protocol.DisplaySwitch{Format: uint32(pixfmt.R8G8B8A8), W: 640, H: 480})

	l.OnIncoming(protocol.NewDisplayUpdate(10, 20, 110, 220))

	sink.mu.Lock()
	n := len(sink.partial)
	sink.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 PartialUpdate calls, got %d", n)
	}

	sent := out.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 outbound enqueue, got %d", len(sent))
	}
	ack, ok := sent[0].(protocol.DisplayUpdateComplete)
	if !ok {
		t.Fatalf("expected DisplayUpdateComplete, got %T", sent[0])
	}
	if ack.Success != 1 {
		t.Fatalf("expected success=1, got %d", ack.Success)
	}
}

func TestFPSClamp(t *testing.T) {
	withFakeShm(t, 1, 640*480*4)

	out := &fakeOutbound{}
	l, sink, cleanup := newRunningListener(t, Config{UUID: "vm-1", VMID: 1, Port: 1}, out)
	defer cleanup()

	l.RegisterPeer("peer-a")
	l.RegisterPeer("peer-b")
	sink.fps["peer-a"] = 1
	sink.fps["peer-b"] = 100
	l.OnIncoming(protocol.DisplaySwitch{Format: uint32(pixfmt.R8G8B8A8), W: 640, H: 480})

	l.OnIncoming(protocol.NewDisplayUpdate(0, 0, 1, 1))

	sent := out.snapshot()
	ack := sent[len(sent)-1].(protocol.DisplayUpdateComplete)
	if ack.Framerate < minTargetFPS || ack.Framerate > maxTargetFPS {
		t.Fatalf("targetFPS %d outside [%d,%d]", ack.Framerate, minTargetFPS, maxTargetFPS)
	}
	if ack.Framerate != maxTargetFPS {
		t.Fatalf("expected clamp to %d given (30+1)/2=15 then (15+100)/2=57, got %d", maxTargetFPS, ack.Framerate)
	}
}

func TestDisplaySwitchUnknownFormatDeclinesPeers(t *testing.T) {
	withFakeShm(t, 55, 640*480*4)

	out := &fakeOutbound{}
	l, sink, cleanup := newRunningListener(t, Config{UUID: "vm-55", VMID: 55, Port: 1}, out)
	defer cleanup()

	l.RegisterPeer("peer-a")

	// 0x99 has no entry in pixfmt's table.
	l.OnIncoming(protocol.DisplaySwitch{Format: 0x99, W: 640, H: 480})

	sink.mu.Lock()
	full := len(sink.full)
	sink.mu.Unlock()
	if full != 0 {
		t.Fatalf("expected no FullUpdate for an unrecognized format, got %d", full)
	}

	l.OnIncoming(protocol.NewDisplayUpdate(0, 0, 10, 10))

	sink.mu.Lock()
	partial := len(sink.partial)
	sink.mu.Unlock()
	if partial != 0 {
		t.Fatalf("expected DisplayUpdate to decline peers while format is invalid, got %d PartialUpdate calls", partial)
	}

	// The ack is unconditional: the shim paces its next DisplayUpdate on
	// receiving it regardless of whether the format was servable.
	sent := out.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected exactly 1 ack enqueued even while format is invalid, got %d", len(sent))
	}
	if _, ok := sent[0].(protocol.DisplayUpdateComplete); !ok {
		t.Fatalf("expected DisplayUpdateComplete, got %T", sent[0])
	}

	// A peer registering while the format is invalid gets nothing either.
	l.RegisterPeer("peer-b")
	sink.mu.Lock()
	full = len(sink.full)
	sink.mu.Unlock()
	if full != 0 {
		t.Fatalf("expected RegisterPeer not to send a FullUpdate while format is invalid, got %d", full)
	}

	// A subsequent valid switch recovers normal broadcasting.
	l.OnIncoming(protocol.DisplaySwitch{Format: uint32(pixfmt.R8G8B8A8), W: 640, H: 480})
	sink.mu.Lock()
	full = len(sink.full)
	sink.mu.Unlock()
	if full != 2 {
		t.Fatalf("expected a FullUpdate per registered peer once format becomes valid, got %d", full)
	}
}

func TestShutdownStopsIncomingSideEffects(t *testing.T) {
	out := &fakeOutbound{}
	l, sink, cleanup := newRunningListener(t, Config{UUID: "vm-9", VMID: 9, Port: 1}, out)
	defer cleanup()

	l.RegisterPeer("peer-a")

	l.OnIncoming(protocol.Shutdown{})

	l.OnIncoming(protocol.NewDisplayUpdate(0, 0, 10, 10))

	sink.mu.Lock()
	n := len(sink.partial)
	sink.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no PartialUpdate calls after Shutdown, got %d", n)
	}
	if len(out.snapshot()) != 0 {
		t.Fatalf("expected no outbound enqueue after Shutdown")
	}
}

func TestOnPeerInputForwardsToOutbound(t *testing.T) {
	out := &fakeOutbound{}
	l, _, cleanup := newRunningListener(t, Config{UUID: "vm-3", VMID: 3, Port: 1}, out)
	defer cleanup()

	l.OnPeerInput(protocol.Mouse{X: 5, Y: 6, Flags: 0})

	sent := out.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected 1 enqueued event, got %d", len(sent))
	}
	if _, ok := sent[0].(protocol.Mouse); !ok {
		t.Fatalf("expected Mouse event, got %T", sent[0])
	}
}
