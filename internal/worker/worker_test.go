package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/rdpmux/rdpmux/internal/protocol"
)

// fakeConn records bytes written to it, standing in for a shimconn.Conn.
type fakeConn struct {
	mu   sync.Mutex
	buf  []byte
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *fakeConn) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

// fakeConnLookup is a ConnLookup over an in-memory map, populated by tests.
type fakeConnLookup struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeConnLookup() *fakeConnLookup {
	return &fakeConnLookup{conns: make(map[string]*fakeConn)}
}

func (f *fakeConnLookup) add(uuid string) *fakeConn {
	c := &fakeConn{}
	f.mu.Lock()
	f.conns[uuid] = c
	f.mu.Unlock()
	return c
}

func (f *fakeConnLookup) Lookup(uuid string) (Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[uuid]
	return c, ok
}

// startTestWorker constructs a Worker wired to a fakeConnLookup and returns
// a cleanup that stops it. Mirrors the teacher's startTestSession helper.
func startTestWorker(t *testing.T) (*Worker, *fakeConnLookup, func()) {
	t.Helper()
	conns := newFakeConnLookup()
	w := New(conns, nil)
	return w, conns, func() {
		w.Close()
	}
}

func TestRegisterVMRejectsDuplicate(t *testing.T) {
	w, _, cleanup := startTestWorker(t)
	defer cleanup()

	if _, err := w.RegisterVM("vm-1", 1, 1, false); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := w.RegisterVM("vm-1", 1, 1, false); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestUnregisterThenRegisterSucceeds(t *testing.T) {
	w, _, cleanup := startTestWorker(t)
	defer cleanup()

	if _, err := w.RegisterVM("vm-1", 1, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := w.UnregisterVM("vm-1", 1); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := w.RegisterVM("vm-1", 1, 1, false); err != nil {
		t.Fatalf("re-register after unregister: %v", err)
	}
}

func TestUnregisterUnknownIsIdempotent(t *testing.T) {
	w, _, cleanup := startTestWorker(t)
	defer cleanup()

	if err := w.UnregisterVM("never-registered", 1); err != nil {
		t.Fatalf("expected nil for unknown uuid, got %v", err)
	}
}

func TestSendMessageFailsWhenQueueFull(t *testing.T) {
	conns := newFakeConnLookup()
	w := &Worker{
		log:       nil,
		conns:     conns,
		listeners: make(map[string]*entry),
		outbound:  make(chan outboundEntry, 1),
	}
	// Fill the queue without a writer goroutine draining it.
	w.outbound <- outboundEntry{event: protocol.Shutdown{}, uuid: "vm-1"}

	err := w.SendMessage(protocol.Shutdown{}, "vm-1")
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSendMessageDeliversThroughWriter(t *testing.T) {
	w, conns, cleanup := startTestWorker(t)
	defer cleanup()

	conn := conns.add("vm-1")

	if err := w.SendMessage(protocol.Shutdown{}, "vm-1"); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(conn.bytes()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	decoded, err := protocol.Decode(conn.bytes())
	if err != nil {
		t.Fatalf("decode delivered bytes: %v", err)
	}
	if _, ok := decoded.(protocol.Shutdown); !ok {
		t.Fatalf("expected Shutdown, got %T", decoded)
	}
}

func TestLookupReflectsRegistry(t *testing.T) {
	w, _, cleanup := startTestWorker(t)
	defer cleanup()

	if _, ok := w.Lookup("vm-1"); ok {
		t.Fatal("expected no listener before registration")
	}
	l, err := w.RegisterVM("vm-1", 1, 1, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := w.Lookup("vm-1")
	if !ok || got != l {
		t.Fatalf("Lookup did not return the registered listener")
	}
}
