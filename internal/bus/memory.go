package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Client = (*MemoryClient)(nil)

// MemoryBroker is an in-process broker with MQTT retained and last-will
// semantics. Clients created from the same broker see each other's publishes.
type MemoryBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	clients  map[*MemoryClient]struct{}
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		retained: make(map[string][]byte),
		clients:  make(map[*MemoryClient]struct{}),
	}
}

// Retained returns the retained payload stored for topic.
func (b *MemoryBroker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.retained[topic]
	return copyBytes(payload), ok
}

// NewClient creates a disconnected client attached to the broker.
func (b *MemoryBroker) NewClient(id string, will *Will, bufferSize int) *MemoryClient {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryClient{
		broker:     b,
		id:         id,
		will:       will,
		bufferSize: bufferSize,
		subs:       make(map[string]Handler),
		queue:      newDeliveryQueue(),
	}
}

func (b *MemoryBroker) route(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = copyBytes(payload)
		}
	}
	var targets []delivery
	var queues []*deliveryQueue
	for client := range b.clients {
		for _, h := range client.matching(topic) {
			targets = append(targets, delivery{handler: h, msg: Message{Topic: topic, Payload: copyBytes(payload)}})
			queues = append(queues, client.queue)
		}
	}
	b.mu.Unlock()
	for i, d := range targets {
		queues[i].push(d)
	}
}

type pendingPublish struct {
	topic    string
	payload  []byte
	retained bool
}

// MemoryClient is a Client backed by a MemoryBroker.
type MemoryClient struct {
	broker     *MemoryBroker
	id         string
	will       *Will
	bufferSize int

	// publishMu serializes publishes with buffer flushes so ordering holds
	// across a reconnect.
	publishMu sync.Mutex

	mu        sync.Mutex
	connected bool
	started   bool
	closed    bool
	subs      map[string]Handler
	pending   []pendingPublish
	onConnect []func()
	onLost    []func(error)
	queue     *deliveryQueue
}

// ID returns the client identifier.
func (c *MemoryClient) ID() string { return c.id }

func (c *MemoryClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("memory client already connected")
	}
	c.started = true
	c.mu.Unlock()
	c.reconnect()
	return nil
}

// Drop simulates an unclean disconnect: the broker publishes the will and the
// connection-lost hooks run. Subscriptions survive for Restore.
func (c *MemoryClient) Drop() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	hooks := append([]func(error){}, c.onLost...)
	c.mu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()

	if c.will != nil {
		c.broker.route(c.will.Topic, c.will.Payload, true)
	}
	for _, hook := range hooks {
		hook(errors.New("connection lost"))
	}
}

// Restore simulates a successful automatic reconnect.
func (c *MemoryClient) Restore() {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.reconnect()
}

func (c *MemoryClient) reconnect() {
	c.publishMu.Lock()
	c.mu.Lock()
	c.connected = true
	pending := c.pending
	c.pending = nil
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	c.broker.mu.Lock()
	c.broker.clients[c] = struct{}{}
	c.broker.mu.Unlock()

	for _, p := range pending {
		c.broker.route(p.topic, p.payload, p.retained)
	}
	c.publishMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	c.mu.Lock()
	patterns := make([]string, 0, len(c.subs))
	for pattern := range c.subs {
		patterns = append(patterns, pattern)
	}
	c.mu.Unlock()
	for _, pattern := range patterns {
		c.deliverRetained(pattern)
	}
}

func (c *MemoryClient) Disconnect(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()
	c.queue.close()
	return nil
}

func (c *MemoryClient) Publish(topic string, payload []byte, retained bool) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		defer c.mu.Unlock()
		if len(c.pending) >= c.bufferSize {
			return ErrBufferFull
		}
		c.pending = append(c.pending, pendingPublish{topic: topic, payload: copyBytes(payload), retained: retained})
		return nil
	}
	c.mu.Unlock()

	c.broker.route(topic, payload, retained)
	return nil
}

func (c *MemoryClient) Subscribe(pattern string, handler Handler) error {
	if !ValidPattern(pattern) {
		return fmt.Errorf("invalid subscription pattern %q", pattern)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.subs[pattern] = handler
	connected := c.connected
	c.mu.Unlock()
	if connected {
		c.deliverRetained(pattern)
	}
	return nil
}

func (c *MemoryClient) deliverRetained(pattern string) {
	c.mu.Lock()
	handler, ok := c.subs[pattern]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.broker.mu.Lock()
	var msgs []Message
	for topic, payload := range c.broker.retained {
		if MatchTopic(pattern, topic) {
			msgs = append(msgs, Message{Topic: topic, Payload: copyBytes(payload), Retained: true})
		}
	}
	c.broker.mu.Unlock()
	for _, msg := range msgs {
		c.queue.push(delivery{handler: handler, msg: msg})
	}
}

func (c *MemoryClient) Unsubscribe(pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, pattern)
	return nil
}

func (c *MemoryClient) OnConnect(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, hook)
}

func (c *MemoryClient) OnConnectionLost(hook func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, hook)
}

func (c *MemoryClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MemoryClient) matching(topic string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	var out []Handler
	for pattern, h := range c.subs {
		if MatchTopic(pattern, topic) {
			out = append(out, h)
		}
	}
	return out
}
