package notify

import (
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Event types emitted by the capture core.
const (
	EventFrameCaptured   = "frame-captured"
	EventCaptureError    = "capture-error"
	EventCaptureComplete = "capture-completed"
	EventCaptureStopped  = "capture-stopped"
	EventAssemblyReady   = "assembly-ready"
)

// Event is one observer notification. Delivery is fire-and-forget: a slow or
// absent observer never blocks a capture loop.
type Event struct {
	Type                string    `json:"type"`
	SessionID           string    `json:"session_id"`
	Path                string    `json:"path,omitempty"`
	Count               int       `json:"count,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	Message             string    `json:"message,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Config holds the optional AMQP publishing settings.
type Config struct {
	AMQPURL       string
	Exchange      string
	RoutingPrefix string
	AMQPEnabled   bool
}

// Notifier fans events out to in-process subscribers and, when configured,
// to an AMQP topic exchange.
type Notifier struct {
	config *Config
	log    zerolog.Logger

	mu   sync.RWMutex
	subs map[int]chan Event
	next int

	rabbitConn *amqp.Connection
	rabbitChan *amqp.Channel
}

func NewNotifier(cfg *Config, log zerolog.Logger) *Notifier {
	return &Notifier{
		config: cfg,
		log:    log.With().Str("component", "notify").Logger(),
		subs:   make(map[int]chan Event),
	}
}

// Start initializes the AMQP connection when publishing is enabled. A broker
// that is down degrades to in-process notification only.
func (n *Notifier) Start() error {
	if !n.config.AMQPEnabled {
		return nil
	}
	if err := n.initRabbitMQ(); err != nil {
		return err
	}
	n.log.Info().Str("exchange", n.config.Exchange).Msg("amqp event publishing enabled")
	return nil
}

// Stop closes the AMQP connection and all subscriber channels.
func (n *Notifier) Stop() {
	n.mu.Lock()
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
	n.mu.Unlock()

	if n.rabbitChan != nil {
		n.rabbitChan.Close()
	}
	if n.rabbitConn != nil {
		n.rabbitConn.Close()
	}
}

// Subscribe registers an in-process observer. The returned cancel func must
// be called when the observer goes away.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if c, ok := n.subs[id]; ok {
			close(c)
			delete(n.subs, id)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber and to the AMQP exchange.
func (n *Notifier) Publish(event Event) {
	event.Timestamp = time.Now().UTC()

	n.mu.RLock()
	for _, ch := range n.subs {
		select {
		case ch <- event:
		default:
			// drop rather than stall a session loop
		}
	}
	n.mu.RUnlock()

	if err := n.publishToRabbitMQ(event); err != nil {
		n.log.Warn().Err(err).Str("type", event.Type).Msg("failed to publish event to amqp")
	}
}

func (n *Notifier) initRabbitMQ() error {
	var err error
	n.rabbitConn, err = amqp.Dial(n.config.AMQPURL)
	if err != nil {
		return err
	}

	n.rabbitChan, err = n.rabbitConn.Channel()
	if err != nil {
		return err
	}

	return n.rabbitChan.ExchangeDeclare(
		n.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
}

func (n *Notifier) publishToRabbitMQ(event Event) error {
	if !n.config.AMQPEnabled || n.rabbitChan == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return n.rabbitChan.Publish(
		n.config.Exchange,                   // exchange
		n.config.RoutingPrefix+"."+event.Type, // routing key
		false,                               // mandatory
		false,                               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
		},
	)
}
