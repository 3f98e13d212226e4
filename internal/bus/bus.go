package bus

import (
	"context"
	"errors"
	"strings"

	"astoria/internal/faults"
)

// ErrBufferFull reports that a publish was dropped because the session is down
// and the outbound buffer is at capacity.
var ErrBufferFull = faults.Wrap(faults.ErrConnectivity, "bus", "publish", "offline publish buffer full", nil)

// ErrClosed reports use of a client after Disconnect.
var ErrClosed = errors.New("bus client closed")

// DefaultBufferSize bounds the publishes held while disconnected.
const DefaultBufferSize = 256

// Message is a single delivery from the broker.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler receives messages for one subscription. Handlers for a client are
// invoked sequentially and must not block for long.
type Handler func(Message)

// Will is the message the broker publishes on behalf of a client whose
// session ends uncleanly. It is always retained.
type Will struct {
	Topic   string
	Payload []byte
}

// Client is the bus contract every manager codes against.
type Client interface {
	// Connect establishes the session and registers the will atomically.
	Connect(ctx context.Context) error
	// Disconnect ends the session cleanly; the will is not published.
	Disconnect(ctx context.Context) error
	// Publish is fire-and-forget. While disconnected the message is buffered
	// and ErrBufferFull is returned once the buffer would overflow.
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(pattern string, handler Handler) error
	Unsubscribe(pattern string) error
	// OnConnect registers a hook run after every successful (re)connect,
	// before subscriptions are restored.
	OnConnect(func())
	// OnConnectionLost registers a hook run when the session drops.
	OnConnectionLost(func(error))
	Connected() bool
}

// MatchTopic reports whether topic matches an MQTT subscription pattern.
// "+" matches exactly one level and a trailing "#" matches any remaining
// levels, including none.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pLevels := strings.Split(pattern, "/")
	tLevels := strings.Split(topic, "/")
	for i, p := range pLevels {
		if p == "#" {
			return i == len(pLevels)-1
		}
		if i >= len(tLevels) {
			return false
		}
		if p != "+" && p != tLevels[i] {
			return false
		}
	}
	return len(pLevels) == len(tLevels)
}

// ValidPattern reports whether pattern is a well formed subscription filter.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(level, "+") && level != "+" {
			return false
		}
	}
	return true
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
