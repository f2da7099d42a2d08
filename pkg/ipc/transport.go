package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned when sending on a closed transport
var ErrClosed = errors.New("ipc: transport closed")

// Transport moves envelopes between a supervisor and a worker. There is no
// shared memory between the two sides; everything crosses here.
type Transport interface {
	Send(env Envelope) error
	// Messages delivers inbound envelopes; the channel closes when the
	// peer goes away
	Messages() <-chan Envelope
	Close() error
}

// PipeTransport frames envelopes as JSON lines over a byte stream, typically
// a worker process's stdio pipes.
type PipeTransport struct {
	enc      *json.Encoder
	writerMu sync.Mutex
	closer   io.Closer
	messages chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipeTransport creates a transport over a reader/writer pair. If w is
// also an io.Closer it is closed with the transport.
func NewPipeTransport(r io.Reader, w io.Writer) *PipeTransport {
	t := &PipeTransport{
		enc:      json.NewEncoder(w),
		messages: make(chan Envelope, 16),
		closed:   make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}

	go t.readLoop(r)
	return t
}

func (t *PipeTransport) readLoop(r io.Reader) {
	defer close(t.messages)

	dec := json.NewDecoder(r)
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		select {
		case t.messages <- env:
		case <-t.closed:
			return
		}
	}
}

func (t *PipeTransport) Send(env Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.writerMu.Lock()
	defer t.writerMu.Unlock()
	if err := t.enc.Encode(env); err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}
	return nil
}

func (t *PipeTransport) Messages() <-chan Envelope {
	return t.messages
}

func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// MemoryTransport is an in-process transport for tests
type MemoryTransport struct {
	out  chan Envelope
	data chan Envelope
	in   chan Envelope

	closed   chan struct{}
	shutdown *sync.Once
}

// Pipe creates a connected pair of in-memory transports. Closing either
// side tears down both directions.
func Pipe() (*MemoryTransport, *MemoryTransport) {
	ab := make(chan Envelope, 64)
	ba := make(chan Envelope, 64)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &MemoryTransport{out: ab, data: ba, in: make(chan Envelope), closed: closed, shutdown: once}
	b := &MemoryTransport{out: ba, data: ab, in: make(chan Envelope), closed: closed, shutdown: once}
	go a.forward()
	go b.forward()
	return a, b
}

// forward moves envelopes from the shared data channel onto this side's
// Messages channel. The data channels are never closed since a Send may be
// blocked on one during teardown; closure is signalled through the closed
// channel alone and the data channels are left to the garbage collector.
func (t *MemoryTransport) forward() {
	defer close(t.in)
	for {
		select {
		case env := <-t.data:
			select {
			case t.in <- env:
			case <-t.closed:
				return
			}
		case <-t.closed:
			return
		}
	}
}

func (t *MemoryTransport) Send(env Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	case t.out <- env:
		return nil
	}
}

func (t *MemoryTransport) Messages() <-chan Envelope {
	return t.in
}

func (t *MemoryTransport) Close() error {
	t.shutdown.Do(func() {
		close(t.closed)
	})
	return nil
}
