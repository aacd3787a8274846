package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsPingInterval = 30 * time.Second

// wsJoin is the handshake sent right after dialing so the server can place
// the connection in the right room before any signaling flows.
type wsJoin struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	From   string `json:"from"`
}

// WSChannel is a signaling channel backed by a WebSocket relay server that
// broadcasts every message to the other members of a room. Used where the
// peers cannot reach each other's gossipsub mesh (e.g. mobile networks with
// a hosted relay).
type WSChannel struct {
	room string
	self string
	conn *websocket.Conn
	out  chan Message

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// DialWS connects to the signaling server at rawURL and joins room.
// The join handshake is written before DialWS returns, so a Publish issued
// immediately afterwards is delivered in-room.
func DialWS(ctx context.Context, rawURL, room, identity string) (*WSChannel, error) {
	if room == "" {
		return nil, fmt.Errorf("signal: empty room")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signal: parse ws url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: websocket dial: %w", err)
	}

	c := &WSChannel{
		room:   room,
		self:   identity,
		conn:   conn,
		out:    make(chan Message, 64),
		closed: make(chan struct{}),
	}

	if err := c.writeJSON(wsJoin{Type: "join", RoomID: room, From: identity}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("signal: join %s: %w", room, err)
	}

	go c.readLoop()
	go c.pingLoop()

	log.Printf("SIGNAL [%s]: websocket joined %s", room, u.Host)
	return c, nil
}

func (c *WSChannel) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Publish sends msg to the room via the relay.
func (c *WSChannel) Publish(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.writeJSON(msg)
}

// Messages returns the inbound message stream. Closed when the channel is.
func (c *WSChannel) Messages() <-chan Message {
	return c.out
}

// Close shuts the connection down. Idempotent.
func (c *WSChannel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		log.Printf("SIGNAL [%s]: websocket left", c.room)
	})
	return nil
}

func (c *WSChannel) readLoop() {
	defer close(c.out)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("SIGNAL [%s]: read error: %v", c.room, err)
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			log.Printf("SIGNAL [%s]: dropping bad payload: %v", c.room, err)
			continue
		}
		if msg.From == c.self {
			continue
		}
		select {
		case c.out <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Printf("SIGNAL [%s]: ping error: %v", c.room, err)
				}
				return
			}
		}
	}
}
