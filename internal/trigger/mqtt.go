package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const connectTimeout = 5 * time.Second

// Subscriber delivers payloads for a broker topic. The engine consumes it as
// a capability; the MQTT client below is the production implementation.
type Subscriber interface {
	Subscribe(topic string) (<-chan string, func(), error)
	Close()
}

// Client wraps a paho MQTT connection for event-triggered sessions.
type Client struct {
	client mqtt.Client
	log    zerolog.Logger
}

// Connect dials the broker and waits for the connection to establish.
func Connect(broker, clientID, username, password string, log zerolog.Logger) (*Client, error) {
	l := log.With().Str("component", "trigger").Str("broker", broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		l.Info().Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		l.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &Client{client: client, log: l}, nil
}

// Subscribe streams payloads for a topic. The returned cancel func
// unsubscribes and closes the stream.
func (c *Client) Subscribe(topic string) (<-chan string, func(), error) {
	sub := &subscription{
		log:      c.log.With().Str("topic", topic).Logger(),
		payloads: make(chan string, 16),
	}

	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		sub.deliver(string(msg.Payload()))
	})
	if !token.WaitTimeout(connectTimeout) {
		return nil, nil, fmt.Errorf("mqtt subscribe timeout for %q", topic)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt subscribe failed for %q: %w", topic, err)
	}

	cancel := func() {
		c.client.Unsubscribe(topic).WaitTimeout(connectTimeout)
		sub.stop()
	}
	return sub.payloads, cancel, nil
}

// subscription serializes handler deliveries against teardown. The broker
// client may still invoke the message handler while an unsubscribe is in
// flight, so the stream is only closed under the same lock that gates every
// send; a late delivery after stop is dropped, never a panic.
type subscription struct {
	log      zerolog.Logger
	payloads chan string

	mu      sync.Mutex
	stopped bool
}

func (s *subscription) deliver(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.payloads <- payload:
	default:
		s.log.Warn().Msg("trigger payload dropped, consumer not keeping up")
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.payloads)
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// EdgeDetector fires exactly once per armed-to-fired payload transition.
// Level-triggered noise (a steady stream of "fired") does not re-fire; the
// payload must return to the armed value first.
type EdgeDetector struct {
	armed    string
	fired    string
	previous string
}

func NewEdgeDetector(armed, fired string) *EdgeDetector {
	return &EdgeDetector{armed: armed, fired: fired}
}

// Observe records a payload and reports whether it completes an edge.
func (d *EdgeDetector) Observe(payload string) bool {
	payload = strings.TrimSpace(payload)
	edge := d.previous == d.armed && payload == d.fired
	d.previous = payload
	return edge
}
