// Package worker owns the process-wide VM registry: a mapping from VM
// UUID to the Listener serving it, a bounded outbound FIFO, and the
// single writer goroutine that drains it.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rdpmux/rdpmux/internal/coalesce"
	"github.com/rdpmux/rdpmux/internal/listener"
	"github.com/rdpmux/rdpmux/internal/protocol"
)

// outboundQueueSize bounds the worker's outbound FIFO. SendMessage returns
// ErrQueueFull rather than block once this many entries are pending.
const outboundQueueSize = 256

var (
	// ErrAlreadyRegistered is returned by RegisterVM when uuid is already
	// present in the registry.
	ErrAlreadyRegistered = errors.New("worker: vm already registered")
	// ErrNotFound is returned when an operation names a uuid not present
	// in the registry.
	ErrNotFound = errors.New("worker: vm not found")
	// ErrQueueFull is returned by SendMessage when the outbound FIFO is
	// at capacity.
	ErrQueueFull = errors.New("worker: outbound queue full")
)

// Conn is the subset of a shim connection the writer goroutine needs to
// deliver outbound bytes. Satisfied by *shimconn.Conn.
type Conn interface {
	Write(p []byte) (int, error)
}

// ConnLookup resolves the live connection for a uuid, so the writer
// goroutine can deliver outbound frames without the registry owning
// transport objects directly. *shimconn.Listener's Lookup returns a
// concrete *shimconn.Conn, so cmd/rdpmuxd wraps it in a small adapter that
// satisfies this interface.
type ConnLookup interface {
	Lookup(uuid string) (Conn, bool)
}

// outboundEntry is one queued (event, destination) pair.
type outboundEntry struct {
	event protocol.Event
	uuid  string
}

// entry is the registry's bookkeeping for one registered VM.
type entry struct {
	l      *listener.Listener
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Worker owns every Listener in the process and the single writer
// goroutine that serializes outbound writes across all of them.
type Worker struct {
	log   *slog.Logger
	conns ConnLookup

	mu        sync.RWMutex
	listeners map[string]*entry

	outbound chan outboundEntry
	wg       sync.WaitGroup
}

// New constructs a Worker and starts its writer goroutine. conns resolves
// a registered VM's uuid to its live shim connection for delivery; it may
// be nil in tests that only exercise the registry and queueing.
func New(conns ConnLookup, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.New(&discardHandler{})
	}
	w := &Worker{
		log:       log.With("component", "worker"),
		conns:     conns,
		listeners: make(map[string]*entry),
		outbound:  make(chan outboundEntry, outboundQueueSize),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// RegisterVM allocates a Listener for uuid and inserts it into the
// registry. Fails with ErrAlreadyRegistered if uuid is already present.
// The Listener is not run until RunVM is called, so the caller can build
// a PeerSink that itself references the Listener before it starts.
func (w *Worker) RegisterVM(uuid string, vmID int, port uint16, auth bool) (*listener.Listener, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.listeners[uuid]; exists {
		return nil, ErrAlreadyRegistered
	}

	l := listener.New(listener.Config{UUID: uuid, VMID: vmID, Port: port, Auth: auth}, w, w.log)
	ctx, cancel := context.WithCancel(context.Background())
	w.listeners[uuid] = &entry{l: l, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	return l, nil
}

// RunVM starts a registered Listener's Run loop against sink, in its own
// goroutine, using the context RegisterVM associated with uuid.
func (w *Worker) RunVM(uuid string, sink listener.PeerSink) error {
	w.mu.RLock()
	e, ok := w.listeners[uuid]
	w.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	go func() {
		defer close(e.done)
		if err := e.l.Run(e.ctx, sink); err != nil {
			w.log.Warn("listener exited", "uuid", uuid, "error", err)
		}
	}()
	return nil
}

// UnregisterVM removes uuid from the registry. Idempotent: returns nil if
// uuid is already absent. The Listener's own Run cleanup (framebuffer
// unmap, etc.) runs once its context is cancelled here.
func (w *Worker) UnregisterVM(uuid string, port uint16) error {
	w.mu.Lock()
	e, ok := w.listeners[uuid]
	if ok {
		delete(w.listeners, uuid)
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}
	e.cancel()
	return nil
}

// Count returns the number of VMs currently registered. Used by the
// daemon's -profile mode to report load periodically.
func (w *Worker) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.listeners)
}

// Lookup returns the Listener registered for uuid, if any.
func (w *Worker) Lookup(uuid string) (*listener.Listener, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.listeners[uuid]
	if !ok {
		return nil, false
	}
	return e.l, true
}

// SendMessage enqueues event for delivery to uuid's shim connection.
// Non-blocking: returns ErrQueueFull immediately rather than waiting on a
// full outbound FIFO, so no mutator goroutine ever blocks on I/O.
func (w *Worker) SendMessage(event protocol.Event, uuid string) error {
	select {
	case w.outbound <- outboundEntry{event: event, uuid: uuid}:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop is the Worker's single writer goroutine: every outbound write
// for every VM this process serves funnels through here, in FIFO order
// per uuid. It coalesces consecutive frames destined for the same uuid
// with internal/coalesce before issuing the underlying Write, checking
// armed deadlines on a fixed tick rather than multiplexing one timer
// channel per connection in the select statement.
func (w *Worker) writeLoop() {
	defer w.wg.Done()

	coalescers := make(map[string]*coalesce.Coalescer)
	ticker := time.NewTicker(coalesce.Delay)
	defer ticker.Stop()

	flush := func(uuid string, c *coalesce.Coalescer) {
		if data := c.Flush(); data != nil {
			w.deliver(uuid, data)
		}
	}

	for {
		select {
		case e, ok := <-w.outbound:
			if !ok {
				for uuid, c := range coalescers {
					flush(uuid, c)
				}
				return
			}
			w.accumulate(coalescers, e, flush)

		case <-ticker.C:
			for uuid, c := range coalescers {
				select {
				case <-c.Timer():
					flush(uuid, c)
				default:
				}
			}
		}
	}
}

func (w *Worker) accumulate(coalescers map[string]*coalesce.Coalescer, e outboundEntry, flush func(string, *coalesce.Coalescer)) {
	encoded, err := protocol.Encode(e.event)
	if err != nil {
		w.log.Warn("encode outbound event", "uuid", e.uuid, "error", err)
		return
	}

	c, ok := coalescers[e.uuid]
	if !ok {
		c = coalesce.New()
		coalescers[e.uuid] = c
	}

	if c.Add(encoded) {
		flush(e.uuid, c)
	}
}

func (w *Worker) deliver(uuid string, data []byte) {
	if w.conns == nil {
		return
	}
	conn, ok := w.conns.Lookup(uuid)
	if !ok {
		w.log.Warn("no connection for uuid, dropping outbound batch", "uuid", uuid, "bytes", len(data))
		return
	}
	if _, err := conn.Write(data); err != nil {
		w.log.Warn("write outbound batch", "uuid", uuid, "error", err)
	}
}

// Close stops accepting new outbound entries and waits for the writer
// goroutine to drain and exit.
func (w *Worker) Close() error {
	close(w.outbound)
	w.wg.Wait()
	return nil
}
