package bus_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"astoria/internal/bus"
	"astoria/internal/faults"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"astoria/astdiskd/state", "astoria/astdiskd/state", true},
		{"astoria/+/state", "astoria/astdiskd/state", true},
		{"astoria/+/state", "astoria/astdiskd/status", false},
		{"astoria/astprocd/request/+", "astoria/astprocd/request/abc", true},
		{"astoria/astprocd/request/+", "astoria/astprocd/request/abc/extra", false},
		{"astoria/#", "astoria", true},
		{"astoria/#", "astoria/a/b/c", true},
		{"#", "anything/at/all", true},
		{"astoria/+", "astoria", false},
		{"other/#", "astoria/x", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s~%s", tt.pattern, tt.topic), func(t *testing.T) {
			if got := bus.MatchTopic(tt.pattern, tt.topic); got != tt.want {
				t.Fatalf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestValidPattern(t *testing.T) {
	for _, pattern := range []string{"a/b", "a/+/c", "a/#", "#"} {
		if !bus.ValidPattern(pattern) {
			t.Fatalf("expected %q to be valid", pattern)
		}
	}
	for _, pattern := range []string{"", "a/#/c", "a/b+", "a#"} {
		if bus.ValidPattern(pattern) {
			t.Fatalf("expected %q to be invalid", pattern)
		}
	}
}

type collector struct {
	ch chan bus.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan bus.Message, 64)}
}

func (c *collector) handle(msg bus.Message) { c.ch <- msg }

func (c *collector) next(t *testing.T) bus.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return bus.Message{}
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.ch:
		t.Fatalf("unexpected message on %s: %q", msg.Topic, msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func connected(t *testing.T, broker *bus.MemoryBroker, id string, will *bus.Will, buffer int) *bus.MemoryClient {
	t.Helper()
	client := broker.NewClient(id, will, buffer)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func TestMemoryBrokerDeliversRetainedToLateSubscribers(t *testing.T) {
	broker := bus.NewMemoryBroker()
	pub := connected(t, broker, "pub", nil, 0)
	if err := pub.Publish("astoria/astdiskd/state", []byte("v1"), true); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub := connected(t, broker, "sub", nil, 0)
	got := newCollector()
	if err := sub.Subscribe("astoria/+/state", got.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msg := got.next(t)
	if string(msg.Payload) != "v1" || !msg.Retained {
		t.Fatalf("unexpected retained delivery %+v", msg)
	}
}

func TestMemoryBrokerPreservesPerTopicOrder(t *testing.T) {
	broker := bus.NewMemoryBroker()
	sub := connected(t, broker, "sub", nil, 0)
	got := newCollector()
	if err := sub.Subscribe("t/#", got.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	pub := connected(t, broker, "pub", nil, 0)
	for i := 0; i < 20; i++ {
		if err := pub.Publish("t/x", []byte(fmt.Sprint(i)), false); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		if msg := got.next(t); string(msg.Payload) != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %q", i, msg.Payload)
		}
	}
}

func TestMemoryClientDropPublishesWill(t *testing.T) {
	broker := bus.NewMemoryBroker()
	will := &bus.Will{Topic: "astoria/astdiskd/status", Payload: []byte("offline")}
	client := connected(t, broker, "astdiskd", will, 0)
	if err := client.Publish(will.Topic, []byte("online"), true); err != nil {
		t.Fatalf("publish: %v", err)
	}

	lost := make(chan error, 1)
	client.OnConnectionLost(func(err error) { lost <- err })
	client.Drop()

	if payload, _ := broker.Retained(will.Topic); string(payload) != "offline" {
		t.Fatalf("retained status = %q, want offline", payload)
	}
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("connection lost hook not called")
	}
}

func TestMemoryClientGracefulDisconnectSkipsWill(t *testing.T) {
	broker := bus.NewMemoryBroker()
	will := &bus.Will{Topic: "s", Payload: []byte("offline")}
	client := broker.NewClient("c", will, 0)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, ok := broker.Retained("s"); ok {
		t.Fatal("graceful disconnect must not publish the will")
	}
	if err := client.Publish("x", nil, false); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("publish after disconnect = %v", err)
	}
}

func TestMemoryClientBuffersWhileDisconnected(t *testing.T) {
	broker := bus.NewMemoryBroker()
	sub := connected(t, broker, "sub", nil, 0)
	got := newCollector()
	if err := sub.Subscribe("q", got.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := connected(t, broker, "pub", nil, 2)
	client.Drop()
	if err := client.Publish("q", []byte("a"), false); err != nil {
		t.Fatalf("buffered publish: %v", err)
	}
	if err := client.Publish("q", []byte("b"), false); err != nil {
		t.Fatalf("buffered publish: %v", err)
	}
	err := client.Publish("q", []byte("c"), false)
	if !errors.Is(err, bus.ErrBufferFull) || !errors.Is(err, faults.ErrConnectivity) {
		t.Fatalf("overflow publish = %v, want buffer full connectivity error", err)
	}
	got.none(t)

	reconnected := make(chan struct{}, 1)
	client.OnConnect(func() { reconnected <- struct{}{} })
	client.Restore()
	<-reconnected

	if msg := got.next(t); string(msg.Payload) != "a" {
		t.Fatalf("first flushed = %q", msg.Payload)
	}
	if msg := got.next(t); string(msg.Payload) != "b" {
		t.Fatalf("second flushed = %q", msg.Payload)
	}
}

func TestMemoryClientRestoreRedeliversRetained(t *testing.T) {
	broker := bus.NewMemoryBroker()
	pub := connected(t, broker, "pub", nil, 0)
	_ = pub.Publish("astoria/astmetad/status", []byte("online"), true)

	client := connected(t, broker, "c", nil, 0)
	got := newCollector()
	_ = client.Subscribe("astoria/+/status", got.handle)
	got.next(t)

	client.Drop()
	client.Restore()
	if msg := got.next(t); string(msg.Payload) != "online" {
		t.Fatalf("expected retained redelivery, got %q", msg.Payload)
	}
}

func TestMemoryBrokerEmptyRetainedClears(t *testing.T) {
	broker := bus.NewMemoryBroker()
	pub := connected(t, broker, "pub", nil, 0)
	_ = pub.Publish("k", []byte("v"), true)
	_ = pub.Publish("k", nil, true)
	if _, ok := broker.Retained("k"); ok {
		t.Fatal("empty retained publish should clear the topic")
	}
}

func TestSubscribeRejectsInvalidPattern(t *testing.T) {
	broker := bus.NewMemoryBroker()
	client := connected(t, broker, "c", nil, 0)
	if err := client.Subscribe("a/#/b", func(bus.Message) {}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}
