package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ystepanoff/apol/events"
	"github.com/ystepanoff/apol/node"
	proto "github.com/ystepanoff/apol/protocol"
)

func TestMetricsObserve(t *testing.T) {
	m := NewMetrics()

	m.Observe(events.Event{Type: events.EventDelivered, Node: proto.Handheld,
		Payload: events.RequestEvent{Request: proto.Green, Origin: proto.Handheld, Attempts: 2}})
	m.Observe(events.Event{Type: events.EventAttemptsExhausted, Node: proto.Repeater,
		Payload: events.RequestEvent{Request: proto.Red, Origin: proto.Handheld, Err: proto.ErrAttemptsExhausted}})
	m.Observe(events.Event{Type: events.EventQueueFull, Node: proto.Repeater,
		Payload: events.RequestEvent{Request: proto.Red, Origin: proto.VehicleDetection, Err: proto.ErrQueueFull}})

	if got := testutil.ToFloat64(m.events.WithLabelValues("HHD", "delivered")); got != 1 {
		t.Errorf("delivered count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("RPT", "HHD", "RED", "attempts_exhausted")); got != 1 {
		t.Errorf("exhausted failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("RPT", "VDD", "RED", "queue_full")); got != 1 {
		t.Errorf("queue-full failures = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.attempts); n != 1 {
		t.Errorf("attempt histograms = %d, want 1", n)
	}
}

func TestMetricsUpdateStatusAndHandler(t *testing.T) {
	m := NewMetrics()
	m.UpdateStatus(node.Status{
		Role:     "POL",
		PowerDBm: 14,
		Light:    &node.LightStatus{Active: "GREEN"},
		Peers:    []node.PeerStatus{{Role: "HHD", Alive: true}, {Role: "VDD"}},
	})
	m.UpdateStatus(node.Status{Role: "RPT", PowerDBm: 20, Queue: make([]node.RequestStatus, 3)})

	if got := testutil.ToFloat64(m.light.WithLabelValues("POL", "green")); got != 1 {
		t.Errorf("green gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.peersAlive.WithLabelValues("POL")); got != 1 {
		t.Errorf("peers alive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("RPT")); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "apol_tx_power_dbm") {
		t.Error("exposition is missing apol_tx_power_dbm")
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeBroker struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	calls  int
	err    error
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return newToken(b.err)
	}
	b.topics = append(b.topics, topic)
	b.bodies = append(b.bodies, payload.([]byte))
	return newToken(nil)
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventPublisher(t *testing.T) {
	broker := &fakeBroker{}
	p := NewEventPublisher(broker, EventPublisherOptions{TopicPrefix: "pit"})
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer func() {
		cancel()
		<-p.Done()
	}()

	p.Handle(events.Event{Type: events.EventPacketSent, Node: proto.Handheld})
	p.Handle(events.Event{
		Type:      events.EventAttemptsExhausted,
		Node:      proto.Handheld,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload:   events.RequestEvent{Request: proto.Red, Origin: proto.Handheld, Target: proto.PitOutLight, Attempts: 5, Err: proto.ErrAttemptsExhausted},
	})

	waitFor(t, func() bool { return broker.count() == 1 })

	if broker.topics[0] != "pit/HHD/attempts_exhausted" {
		t.Errorf("topic = %q", broker.topics[0])
	}
	var env struct {
		ID   string         `json:"id"`
		Type string         `json:"type"`
		P    map[string]any `json:"p"`
	}
	if err := json.Unmarshal(broker.bodies[0], &env); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if env.ID == "" || env.P["request"] != "RED" || env.P["error"] != proto.ErrAttemptsExhausted.Error() {
		t.Errorf("envelope = %+v", env)
	}
}

func TestEventPublisherBreakerOpens(t *testing.T) {
	broker := &fakeBroker{err: errors.New("broker down")}
	p := NewEventPublisher(broker, EventPublisherOptions{BreakerFails: 2, BreakerOpen: time.Hour})

	for i := 0; i < 5; i++ {
		env := NewEnvelope(events.Event{Type: events.EventDelivered, Node: proto.PitOutLight})
		p.publish(env)
	}
	if broker.calls != 2 {
		t.Errorf("broker called %d times, want 2 before the breaker opened", broker.calls)
	}
	if p.Dropped() != 5 || p.Sent() != 0 {
		t.Errorf("dropped = %d sent = %d", p.Dropped(), p.Sent())
	}
}

func TestPublishedFiltersTraffic(t *testing.T) {
	for _, typ := range []events.EventType{events.EventPacketSent, events.EventPacketReceived, events.EventAddressMismatch} {
		if Published(typ) {
			t.Errorf("%v would be published", typ)
		}
	}
	if !Published(events.EventQueueFull) {
		t.Error("queue_full must be published")
	}
}
