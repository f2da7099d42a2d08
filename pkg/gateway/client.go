package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mizuki/hotaru/pkg/command"
	"github.com/mizuki/hotaru/pkg/plugin"
)

// Event is one inbound gateway event. Kind "command" carries a command
// invocation with a reply token; anything else is a domain event.
type Event struct {
	Kind    string         `json:"kind"`
	Name    string         `json:"name"`
	Token   string         `json:"token,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventKindCommand marks an inbound command invocation
const EventKindCommand = "command"

// Client is the narrow gateway capability: connect, receive events, send
// replies. The connection is owned exclusively by one runtime instance.
type Client interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	Replier(ev Event) command.Replier
	Close() error
}

// WSClient implements Client over a websocket connection
type WSClient struct {
	url    string
	token  string
	logger zerolog.Logger

	events chan Event

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSClient creates a websocket gateway client
func NewWSClient(url, token string, logger zerolog.Logger) *WSClient {
	return &WSClient{
		url:    url,
		token:  token,
		logger: logger.With().Str("component", "gateway").Logger(),
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
}

// Connect establishes the connection, retrying with exponential backoff,
// then keeps reading events in the background until Close.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", c.url).Msg("Gateway dial failed, retrying")
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info().Str("url", c.url).Msg("Gateway connected")
		return nil
	}, backoff.WithContext(policy, ctx))
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.events)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		var ev Event
		err := conn.ReadJSON(&ev)
		if err == nil {
			select {
			case c.events <- ev:
				continue
			case <-c.done:
				return
			}
		}

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.logger.Warn().Err(err).Msg("Gateway read failed, reconnecting")
		if err := c.dial(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Gateway reconnect failed")
			return
		}
	}
}

// Events delivers inbound gateway events
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Replier builds the reply capability for one inbound event
func (c *WSClient) Replier(ev Event) command.Replier {
	return &wsReplier{client: c, token: ev.Token}
}

// Close tears the connection down
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return err
}

func (c *WSClient) send(frame replyFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("gateway: not connected")
	}
	return c.conn.WriteJSON(frame)
}

// replyFrame is one outbound reply message
type replyFrame struct {
	Type    string         `json:"type"` // reply, defer, edit
	Token   string         `json:"token"`
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type wsReplier struct {
	client *WSClient
	token  string
}

func (r *wsReplier) Reply(ctx context.Context, result plugin.Result) error {
	return r.client.send(replyFrame{Type: "reply", Token: r.token, Content: result.Content, Data: result.Data})
}

func (r *wsReplier) Defer(ctx context.Context) error {
	return r.client.send(replyFrame{Type: "defer", Token: r.token})
}

func (r *wsReplier) Edit(ctx context.Context, result plugin.Result) error {
	return r.client.send(replyFrame{Type: "edit", Token: r.token, Content: result.Content, Data: result.Data})
}
