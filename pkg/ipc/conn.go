package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn layers request/response correlation over a Transport. Responses are
// matched to their request by envelope ID; everything else surfaces on the
// Inbound channel.
type Conn struct {
	transport Transport
	logger    zerolog.Logger
	pending   *pendingMap
	inbound   chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps a transport and starts its read loop
func NewConn(transport Transport, logger zerolog.Logger) *Conn {
	c := &Conn{
		transport: transport,
		logger:    logger.With().Str("component", "ipc").Logger(),
		pending:   newPendingMap(),
		inbound:   make(chan Envelope, 16),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	defer c.pending.failAll()

	for env := range c.transport.Messages() {
		if env.Kind == KindResponse {
			if !c.pending.resolve(env) {
				c.logger.Debug().Str("id", env.ID).Msg("Response with no pending request, dropping")
			}
			continue
		}

		select {
		case c.inbound <- env:
		case <-c.done:
			return
		}
	}
}

// Inbound delivers requests and notifications from the peer. The channel
// closes once the peer goes away.
func (c *Conn) Inbound() <-chan Envelope {
	return c.inbound
}

// Request sends an envelope and waits for the correlated response
func (c *Conn) Request(ctx context.Context, kind Kind, payload any) (json.RawMessage, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ch := c.pending.add(id)
	defer c.pending.drop(id)

	if err := c.transport.Send(Envelope{ID: id, Kind: kind, Payload: data}); err != nil {
		return nil, fmt.Errorf("ipc: send %s: %w", kind, err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget envelope
func (c *Conn) Notify(kind Kind, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := c.transport.Send(Envelope{Kind: kind, Payload: data}); err != nil {
		return fmt.Errorf("ipc: send %s: %w", kind, err)
	}
	return nil
}

// Respond answers an earlier request
func (c *Conn) Respond(to Envelope, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := c.transport.Send(Envelope{ID: to.ID, Kind: KindResponse, Payload: data}); err != nil {
		return fmt.Errorf("ipc: respond to %s: %w", to.Kind, err)
	}
	return nil
}

// Close tears down the connection and fails all pending requests
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return data, nil
}

// pendingMap correlates outbound request IDs to their response channels
type pendingMap struct {
	mu sync.Mutex
	m  map[string]chan Envelope
}

func newPendingMap() *pendingMap {
	return &pendingMap{m: make(map[string]chan Envelope)}
}

func (p *pendingMap) add(id string) chan Envelope {
	ch := make(chan Envelope, 1)
	p.mu.Lock()
	p.m[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingMap) resolve(env Envelope) bool {
	p.mu.Lock()
	ch, ok := p.m[env.ID]
	if ok {
		delete(p.m, env.ID)
	}
	p.mu.Unlock()

	if ok {
		ch <- env
	}
	return ok
}

func (p *pendingMap) drop(id string) {
	p.mu.Lock()
	delete(p.m, id)
	p.mu.Unlock()
}

// failAll closes every pending channel so waiters see a dead peer
func (p *pendingMap) failAll() {
	p.mu.Lock()
	for id, ch := range p.m {
		close(ch)
		delete(p.m, id)
	}
	p.mu.Unlock()
}
