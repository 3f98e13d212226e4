package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"astoria/internal/faults"
	"astoria/internal/logging"
)

// Compile-time interface check.
var _ Client = (*MQTTClient)(nil)

const (
	qos             = 1
	quiesceMillis   = 250
	subscribeWait   = 10 * time.Second
	protocolMQTT31  = 3
	protocolMQTT311 = 4
)

// MQTTOptions configures an MQTTClient.
type MQTTOptions struct {
	// Broker is a URL such as tcp://localhost:1883 or ssl://host:8883.
	Broker           string
	ClientID         string
	Will             *Will
	EnableTLS        bool
	ForceProtocolV31 bool
	ConnectTimeout   time.Duration
	KeepAlive        time.Duration
	BufferSize       int
	Logger           *slog.Logger
}

// MQTTClient is a Client backed by the paho MQTT library.
type MQTTClient struct {
	client     mqtt.Client
	logger     *slog.Logger
	bufferSize int

	// publishMu orders publishes against the reconnect flush and guards
	// connected, which only turns true once buffered publishes are sent.
	publishMu sync.Mutex
	connected bool

	mu        sync.Mutex
	subs      map[string]Handler
	pending   []pendingPublish
	onConnect []func()
	onLost    []func(error)
}

// NewMQTTClient builds an unconnected client. Automatic reconnect is enabled;
// subscriptions are restored after every reconnect.
func NewMQTTClient(opts MQTTOptions) *MQTTClient {
	logger := logging.NewComponentLogger(opts.Logger, "bus")
	c := &MQTTClient{
		logger:     logger,
		bufferSize: opts.BufferSize,
		subs:       make(map[string]Handler),
	}
	if c.bufferSize <= 0 {
		c.bufferSize = DefaultBufferSize
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetCleanSession(true)
	clientOpts.SetOrderMatters(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetMaxReconnectInterval(10 * time.Second)
	if opts.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.KeepAlive > 0 {
		clientOpts.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ForceProtocolV31 {
		clientOpts.SetProtocolVersion(protocolMQTT31)
	} else {
		clientOpts.SetProtocolVersion(protocolMQTT311)
	}
	if opts.EnableTLS {
		clientOpts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if opts.Will != nil {
		clientOpts.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, qos, true)
	}
	clientOpts.SetOnConnectHandler(func(mqtt.Client) { c.handleConnect() })
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.handleLost(err) })
	clientOpts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("reconnecting to broker", logging.String("broker", opts.Broker))
	})

	c.client = mqtt.NewClient(clientOpts)
	return c
}

func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return faults.Wrap(faults.ErrConnectivity, "bus", "connect", "", err)
		}
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.ErrConnectivity, "bus", "connect", "broker unreachable", ctx.Err())
	}
}

func (c *MQTTClient) Disconnect(_ context.Context) error {
	c.publishMu.Lock()
	c.connected = false
	c.publishMu.Unlock()
	c.client.Disconnect(quiesceMillis)
	return nil
}

func (c *MQTTClient) Publish(topic string, payload []byte, retained bool) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if !c.connected {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.pending) >= c.bufferSize {
			return ErrBufferFull
		}
		c.pending = append(c.pending, pendingPublish{topic: topic, payload: copyBytes(payload), retained: retained})
		return nil
	}
	c.send(topic, payload, retained)
	return nil
}

func (c *MQTTClient) send(topic string, payload []byte, retained bool) {
	token := c.client.Publish(topic, qos, retained, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			logging.WarnWithContext(c.logger, "publish failed", "bus_publish",
				logging.Topic(topic),
				logging.Error(token.Error()),
				logging.String(logging.FieldImpact, "subscribers may miss this update"),
			)
		}
	}()
}

func (c *MQTTClient) Subscribe(pattern string, handler Handler) error {
	if !ValidPattern(pattern) {
		return faults.Wrap(faults.ErrValidation, "bus", "subscribe", fmt.Sprintf("invalid pattern %q", pattern), nil)
	}
	c.mu.Lock()
	c.subs[pattern] = handler
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(pattern, handler)
}

func (c *MQTTClient) subscribe(pattern string, handler Handler) error {
	token := c.client.Subscribe(pattern, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Topic: msg.Topic(), Payload: copyBytes(msg.Payload()), Retained: msg.Retained()})
	})
	if !token.WaitTimeout(subscribeWait) {
		return faults.Wrap(faults.ErrTimeout, "bus", "subscribe", pattern, nil)
	}
	if err := token.Error(); err != nil {
		return faults.Wrap(faults.ErrConnectivity, "bus", "subscribe", pattern, err)
	}
	return nil
}

func (c *MQTTClient) Unsubscribe(pattern string) error {
	c.mu.Lock()
	delete(c.subs, pattern)
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		return nil
	}
	token := c.client.Unsubscribe(pattern)
	if !token.WaitTimeout(subscribeWait) {
		return faults.Wrap(faults.ErrTimeout, "bus", "unsubscribe", pattern, nil)
	}
	return token.Error()
}

func (c *MQTTClient) OnConnect(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, hook)
}

func (c *MQTTClient) OnConnectionLost(hook func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, hook)
}

func (c *MQTTClient) Connected() bool {
	return c.client.IsConnectionOpen()
}

// handleConnect runs on a paho goroutine after every (re)connect.
func (c *MQTTClient) handleConnect() {
	c.logger.Info("connected to broker")

	c.publishMu.Lock()
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	hooks := append([]func(){}, c.onConnect...)
	subs := make(map[string]Handler, len(c.subs))
	for pattern, h := range c.subs {
		subs[pattern] = h
	}
	c.mu.Unlock()
	for _, p := range pending {
		c.send(p.topic, p.payload, p.retained)
	}
	c.connected = true
	c.publishMu.Unlock()
	if len(pending) > 0 {
		c.logger.Info("flushed buffered publishes", logging.Int("count", len(pending)))
	}

	for _, hook := range hooks {
		hook()
	}
	for pattern, h := range subs {
		if err := c.subscribe(pattern, h); err != nil {
			logging.ErrorFromFault(c.logger, "restore subscription failed", faults.Kind(err), err, logging.Topic(pattern))
		}
	}
}

func (c *MQTTClient) handleLost(err error) {
	logging.WarnWithContext(c.logger, "broker connection lost", "bus_disconnect",
		logging.Error(err),
		logging.String(logging.FieldImpact, "publishes are buffered until reconnect"),
		logging.String(logging.FieldErrorHint, "check broker availability"),
	)
	c.publishMu.Lock()
	c.connected = false
	c.publishMu.Unlock()
	c.mu.Lock()
	hooks := append([]func(error){}, c.onLost...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(err)
	}
}
