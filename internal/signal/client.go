// Package signal implements the SignalingTransport over a websocket
// connection to a named-channel publish/subscribe relay. The relay
// broadcasts every published envelope to all subscribers of the
// channel, including the sender; receivers filter their own echo.
package signal

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchardlive/callkit/internal/domain"
)

const (
	pingInterval = 25 * time.Second
	writeTimeout = 5 * time.Second
)

// frame is the relay wire protocol. Subscribe/unsubscribe manage
// channel membership; publish carries an envelope out, deliver carries
// one in.
type frame struct {
	Op      string           `json:"op"` // "subscribe", "unsubscribe", "publish", "deliver"
	Channel string           `json:"channel"`
	Message *domain.Envelope `json:"message,omitempty"`
}

// Client is a Transport backed by one websocket connection to the relay.
type Client struct {
	conn *websocket.Conn
	self string

	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[string][]func(domain.Envelope)

	closed chan struct{}
}

var _ domain.Transport = (*Client)(nil)

// Dial connects to the relay. Fails with ErrTransportUnavailable when
// the relay cannot be reached.
func Dial(url, self string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransportUnavailable, url, err)
	}

	c := &Client{
		conn:   conn,
		self:   self,
		subs:   make(map[string][]func(domain.Envelope)),
		closed: make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	log.Printf("[signal] connected to %s as %s", url, self)
	return c, nil
}

// Join subscribes to a channel. Multiple callbacks may be registered
// for the same channel; each receives every delivered envelope in
// arrival order.
func (c *Client) Join(channel string, fn func(domain.Envelope)) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: client closed", domain.ErrTransportUnavailable)
	default:
	}

	c.subMu.Lock()
	first := len(c.subs[channel]) == 0
	c.subs[channel] = append(c.subs[channel], fn)
	c.subMu.Unlock()

	if first {
		if err := c.writeFrame(frame{Op: "subscribe", Channel: channel}); err != nil {
			c.subMu.Lock()
			delete(c.subs, channel)
			c.subMu.Unlock()
			return fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransportUnavailable, channel, err)
		}
	}
	return nil
}

// Publish sends an envelope to a channel. Fire-and-forget: write errors
// are logged, not returned, matching at-most-once delivery.
func (c *Client) Publish(channel string, env domain.Envelope) error {
	env.Channel = channel
	if env.From == "" {
		env.From = c.self
	}
	if err := c.writeFrame(frame{Op: "publish", Channel: channel, Message: &env}); err != nil {
		log.Printf("[signal] publish %s on %s: %v", env.Type, channel, err)
		return fmt.Errorf("%w: publish on %s: %v", domain.ErrTransportUnavailable, channel, err)
	}
	return nil
}

// Leave unsubscribes from a channel. Safe to call when not joined or
// after Close.
func (c *Client) Leave(channel string) {
	c.subMu.Lock()
	_, joined := c.subs[channel]
	delete(c.subs, channel)
	c.subMu.Unlock()

	if !joined {
		return
	}
	if err := c.writeFrame(frame{Op: "unsubscribe", Channel: channel}); err != nil {
		log.Printf("[signal] unsubscribe %s: %v", channel, err)
	}
}

// Close shuts down the websocket connection. Idempotent.
func (c *Client) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.conn.Close()
}

func (c *Client) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches delivered envelopes to channel subscribers.
// Dispatch is synchronous so per-sender arrival order is preserved;
// subscribers hand work off to their own goroutines.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("[signal] read error: %v", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("[signal] unmarshal frame: %v", err)
			continue
		}
		if f.Op != "deliver" || f.Message == nil {
			continue
		}

		c.subMu.RLock()
		fns := make([]func(domain.Envelope), len(c.subs[f.Channel]))
		copy(fns, c.subs[f.Channel])
		c.subMu.RUnlock()

		for _, fn := range fns {
			fn(*f.Message)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeTimeout),
			)
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
					return
				default:
					log.Printf("[signal] ping error: %v", err)
					return
				}
			}
		}
	}
}
