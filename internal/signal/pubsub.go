package signal

import (
	"context"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// PubSubChannel is a room-scoped signaling channel over gossipsub. Messages
// published by other subscribers of the same room arrive on Messages();
// self-originated traffic is dropped both by pubsub origin and by the
// message's From field, so an echoing router cannot feed a session its own
// offers back.
type PubSubChannel struct {
	room string
	self string // participant identity, for From-based echo filtering

	node  *Node
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	out   chan Message

	closeOnce sync.Once
	closeErr  error
	cancel    context.CancelFunc
}

// Join subscribes to the signaling topic of room. The subscription is live
// once Join returns — a Ready announcement published immediately afterwards
// cannot be missed by the local subscriber loop.
func (n *Node) Join(ctx context.Context, room, identity string) (*PubSubChannel, error) {
	if room == "" {
		return nil, fmt.Errorf("signal: empty room")
	}

	topic, err := n.ps.Join(TopicPrefix + room)
	if err != nil {
		return nil, fmt.Errorf("signal: join %s: %w", room, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("signal: subscribe %s: %w", room, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &PubSubChannel{
		room:   room,
		self:   identity,
		node:   n,
		topic:  topic,
		sub:    sub,
		out:    make(chan Message, 64),
		cancel: cancel,
	}

	go ch.readLoop(loopCtx)

	log.Printf("SIGNAL [%s]: subscribed", room)
	return ch, nil
}

func (c *PubSubChannel) readLoop(ctx context.Context) {
	defer close(c.out)
	for {
		m, err := c.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == c.node.host.ID() {
			continue
		}
		msg, err := Decode(m.Data)
		if err != nil {
			log.Printf("SIGNAL [%s]: dropping bad payload from %s: %v", c.room, m.ReceivedFrom, err)
			continue
		}
		if msg.From == c.self {
			continue
		}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Publish broadcasts msg to the room.
func (c *PubSubChannel) Publish(ctx context.Context, msg Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, b)
}

// Messages returns the inbound message stream. Closed when the channel is.
func (c *PubSubChannel) Messages() <-chan Message {
	return c.out
}

// Close leaves the room. Idempotent.
func (c *PubSubChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.sub.Cancel()
		c.closeErr = c.topic.Close()
		log.Printf("SIGNAL [%s]: left", c.room)
	})
	return c.closeErr
}
