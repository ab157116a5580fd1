package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"

	"github.com/ystepanoff/apol/config"
	"github.com/ystepanoff/apol/events"
)

const (
	envelopeVersion = 1
	publishTimeout  = 2 * time.Second
	outboxSize      = 256
)

// Envelope wraps every event published over MQTT.
type Envelope struct {
	Version   int       `json:"v"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Node      string    `json:"node"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"p,omitempty"`
}

func NewEnvelope(e events.Event) Envelope {
	return Envelope{
		Version:   envelopeVersion,
		ID:        uuid.New().String(),
		Type:      e.Type.String(),
		Node:      e.Node.String(),
		Timestamp: e.Timestamp.UTC(),
		Payload:   encodePayload(e.Payload),
	}
}

// Publisher is the subset of mqtt.Client used for publishing.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type EventPublisherOptions struct {
	TopicPrefix  string
	BreakerFails int
	BreakerOpen  time.Duration
	Logger       hclog.Logger
}

// EventPublisher forwards outcome events to MQTT. Handle only enqueues, so the
// node loops that emit events never wait on the broker; a circuit breaker
// sheds publishes while the broker is unreachable.
type EventPublisher struct {
	client Publisher
	prefix string
	log    hclog.Logger
	cb     *gobreaker.CircuitBreaker

	outbox  chan Envelope
	dropped atomic.Uint64
	sent    atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

func NewEventPublisher(client Publisher, opts EventPublisherOptions) *EventPublisher {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "apol"
	}
	if opts.BreakerFails <= 0 {
		opts.BreakerFails = 3
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	log := opts.Logger.Named("mqtt")
	fails := uint32(opts.BreakerFails)

	return &EventPublisher{
		client: client,
		prefix: opts.TopicPrefix,
		log:    log,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mqtt-publish",
			Timeout: opts.BreakerOpen,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= fails
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		outbox: make(chan Envelope, outboxSize),
		done:   make(chan struct{}),
	}
}

// Published reports whether an event type goes out over MQTT. Per-packet
// traffic stays local; outcomes and state changes are published.
func Published(t events.EventType) bool {
	switch t {
	case events.EventPacketSent, events.EventPacketReceived, events.EventAddressMismatch, events.EventStrayAck:
		return false
	}
	return true
}

// Handle is an events.SubscriberFunc.
func (p *EventPublisher) Handle(e events.Event) {
	if !Published(e.Type) {
		return
	}
	select {
	case p.outbox <- NewEnvelope(e):
	default:
		p.dropped.Inc()
	}
}

// Run publishes queued envelopes until ctx is cancelled.
func (p *EventPublisher) Run(ctx context.Context) {
	defer p.once.Do(func() { close(p.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.outbox:
			if err := p.publish(env); err != nil {
				p.log.Debug("publish failed", "type", env.Type, "node", env.Node, "error", err)
			}
		}
	}
}

// Done is closed when Run returns.
func (p *EventPublisher) Done() <-chan struct{} { return p.done }

func (p *EventPublisher) Topic(env Envelope) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, env.Node, env.Type)
}

func (p *EventPublisher) publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = p.cb.Execute(func() (interface{}, error) {
		token := p.client.Publish(p.Topic(env), 1, false, data)
		if !token.WaitTimeout(publishTimeout) {
			return nil, errors.New("publish timed out")
		}
		return nil, token.Error()
	})
	if err != nil {
		p.dropped.Inc()
		return err
	}
	p.sent.Inc()
	return nil
}

func (p *EventPublisher) Sent() uint64 { return p.sent.Load() }

func (p *EventPublisher) Dropped() uint64 { return p.dropped.Load() }

// Connect dials the broker, retrying with exponential backoff.
func Connect(ctx context.Context, cfg config.MessagingConfig, log hclog.Logger) (mqtt.Client, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true)

	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			log.Warn("mqtt connect failed", "broker", broker, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	log.Info("connected to mqtt broker", "broker", broker)
	return client, nil
}

// encodePayload flattens error values, which encoding/json renders as {}.
func encodePayload(v any) any {
	switch p := v.(type) {
	case events.RequestEvent:
		out := map[string]any{
			"request":  p.Request.String(),
			"origin":   p.Origin.String(),
			"target":   p.Target.String(),
			"payload":  p.Payload,
			"attempts": p.Attempts,
		}
		if p.Err != nil {
			out["error"] = p.Err.Error()
		}
		return out
	case events.LightEvent:
		return map[string]any{
			"active":   p.Active.String(),
			"pulsing":  p.Pulsing,
			"pulse_on": p.PulseOn,
			"manual":   p.Manual,
		}
	case events.PingEvent:
		return map[string]any{"peer": p.Peer.String(), "rtt_ms": p.RTT.Milliseconds()}
	case events.OverrideEvent:
		if p.EndTime.IsZero() {
			return nil
		}
		return map[string]any{"duration": p.Duration, "end": p.EndTime.UTC()}
	}
	return v
}
