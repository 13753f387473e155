package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DefaultBufferSize is the offline buffer capacity when none is configured.
const DefaultBufferSize = 500

// Options configures a RealClient.
type Options struct {
	Broker     string
	ClientID   string // empty generates "zone-controller-<uuid>"
	BufferSize int
	// Will is published by the broker if the connection drops uncleanly.
	Will *Message
	// OnConnect runs after every (re)connect, once subscriptions are restored.
	OnConnect func()
}

type subscription struct {
	qos     byte
	handler Handler
}

// RealClient talks to an actual MQTT broker. Messages published while the
// connection is down are held in a ring buffer and replayed on reconnect.
type RealClient struct {
	client paho.Client

	mu   sync.Mutex
	subs map[string]subscription
	buf  *ringBuffer

	onConnect func()
}

// NewRealClient creates a client and starts connecting in the background.
// It returns immediately; the client keeps retrying until the broker answers.
func NewRealClient(o Options) *RealClient {
	if o.ClientID == "" {
		o.ClientID = "zone-controller-" + uuid.NewString()[:8]
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	c := &RealClient{
		subs:      make(map[string]subscription),
		buf:       newRingBuffer(o.BufferSize),
		onConnect: o.OnConnect,
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(func(paho.Client) { c.handleConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})
	if o.Will != nil {
		opts.SetBinaryWill(o.Will.Topic, o.Will.Payload, o.Will.QoS, o.Will.Retained)
	}

	c.client = paho.NewClient(opts)
	c.client.Connect()
	log.Printf("mqtt: connecting to %s as %s", o.Broker, o.ClientID)
	return c
}

func (c *RealClient) handleConnect() {
	log.Printf("mqtt: connected")
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for f, s := range c.subs {
		subs[f] = s
	}
	pending := c.buf.drainAll()
	c.mu.Unlock()

	for f, s := range subs {
		if err := c.subscribe(f, s); err != nil {
			log.Printf("mqtt: resubscribe %s: %v", f, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("mqtt: replaying %d buffered messages", len(pending))
		go func() {
			for _, m := range pending {
				if err := c.Publish(m); err != nil {
					log.Printf("mqtt: replay %s: %v", m.Topic, err)
				}
			}
		}()
	}
	if c.onConnect != nil {
		go c.onConnect()
	}
}

// Publish sends msg, or buffers it while the connection is down.
func (c *RealClient) Publish(msg Message) error {
	if !c.client.IsConnectionOpen() {
		c.bufferMsg(msg)
		return nil
	}
	token := c.client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	if !token.WaitTimeout(5 * time.Second) {
		c.bufferMsg(msg)
		return fmt.Errorf("publish %s: timeout", msg.Topic)
	}
	if err := token.Error(); err != nil {
		c.bufferMsg(msg)
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (c *RealClient) bufferMsg(msg Message) {
	c.mu.Lock()
	c.buf.push(msg)
	c.mu.Unlock()
}

// Buffered returns the number of messages waiting for a connection.
func (c *RealClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// Subscribe registers h for filter. If not yet connected, the subscription
// is made on connect.
func (c *RealClient) Subscribe(filter string, qos byte, h Handler) error {
	s := subscription{qos: qos, handler: h}
	c.mu.Lock()
	c.subs[filter] = s
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(filter, s)
}

func (c *RealClient) subscribe(filter string, s subscription) error {
	token := c.client.Subscribe(filter, s.qos, func(_ paho.Client, m paho.Message) {
		s.handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

// IsConnected reports whether the connection is currently open.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
