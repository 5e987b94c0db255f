package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/domain"
)

// memoryBus delivers written records straight to the transport that owns the topic.
type memoryBus struct {
	mu      sync.Mutex
	inboxes map[string]*KafkaTransport
	written []kafka.Message
}

func (b *memoryBus) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	b.mu.Lock()
	target := b.inboxes[topic]
	b.written = append(b.written, msgs...)
	b.mu.Unlock()
	if target == nil {
		return nil
	}
	for _, m := range msgs {
		rec := broker.Message{Topic: topic, Key: string(m.Key), Payload: m.Value, Headers: map[string]string{}}
		for _, h := range m.Headers {
			rec.Headers[h.Key] = string(h.Value)
		}
		rec.Kind = rec.Headers["kind"]
		go func() { _ = target.Handle(ctx, rec) }()
	}
	return nil
}

func newKafkaPair(t *testing.T) (*KafkaTransport, *KafkaTransport, *memoryBus) {
	bus := &memoryBus{inboxes: map[string]*KafkaTransport{}}
	phone := NewKafkaTransport(KafkaConfig{TopicPrefix: "ws", DeviceID: "phone", PeerID: "watch"}, bus, WithKafkaLogger(testLogger(t)))
	watch := NewKafkaTransport(KafkaConfig{TopicPrefix: "ws", DeviceID: "watch", PeerID: "phone"}, bus, WithKafkaLogger(testLogger(t)))
	bus.inboxes[InboxTopic("ws", "phone")] = phone
	bus.inboxes[InboxTopic("ws", "watch")] = watch
	return phone, watch, bus
}

func TestKafkaTransportRequestReply(t *testing.T) {
	ctx := context.Background()
	phone, watch, _ := newKafkaPair(t)
	router := NewRouter(NewMemoryLedger(), WithRouterLogger(testLogger(t)))
	router.Handle(ActionGetMetrics, func(context.Context, Message) (map[string]any, error) {
		return map[string]any{"state": "active"}, nil
	})
	watch.Bind(router)
	phone.Bind(NewRouter(NewMemoryLedger()))

	require.False(t, phone.Reachable())
	require.NoError(t, watch.Heartbeat(ctx))
	require.Eventually(t, phone.Reachable, time.Second, 5*time.Millisecond)

	reply, err := NewPeer(phone, WithRequestTimeout(time.Second)).Send(ctx, NewMessage(ActionGetMetrics, nil))
	require.NoError(t, err)
	require.Equal(t, "active", reply.Field("state"))
}

func TestKafkaTransportPresenceExpires(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	transport := NewKafkaTransport(KafkaConfig{TopicPrefix: "ws", DeviceID: "phone", PeerID: "watch", PresenceWindow: 10 * time.Second},
		&memoryBus{inboxes: map[string]*KafkaTransport{}}, WithKafkaClock(clock), WithKafkaLogger(testLogger(t)))

	require.NoError(t, transport.Handle(context.Background(), broker.Message{Kind: KindHeartbeat, Headers: map[string]string{"sender": "watch"}}))
	require.True(t, transport.Reachable())

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()
	require.False(t, transport.Reachable())

	// records from strangers do not count as presence
	require.NoError(t, transport.Handle(context.Background(), broker.Message{Kind: KindHeartbeat, Headers: map[string]string{"sender": "tablet"}}))
	require.False(t, transport.Reachable())
}

func TestKafkaTransportContextUsesPeerInbox(t *testing.T) {
	ctx := context.Background()
	phone, watch, bus := newKafkaPair(t)
	executed := make(chan string, 1)
	router := NewRouter(NewMemoryLedger(), WithRouterLogger(testLogger(t)))
	router.Handle(ActionEndWorkout, func(_ context.Context, msg Message) (map[string]any, error) {
		executed <- msg.Field(KeyCommandID)
		return nil, nil
	})
	watch.Bind(router)

	id, err := NewPeer(phone).QueueCommand(ctx, ActionEndWorkout)
	require.NoError(t, err)
	select {
	case got := <-executed:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("queued command not executed")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.written, 1)
	require.Equal(t, "context:watch", string(bus.written[0].Key))
}

func TestKafkaTransportRequestHonoursDeadline(t *testing.T) {
	phone, _, _ := newKafkaPair(t)
	// watch has no receiver bound so the request is never answered
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := phone.Request(ctx, NewMessage(ActionGetMetrics, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, domain.ErrPeerUnreachable)
}

func TestKafkaTransportDropsExpiredRequests(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	bus := &memoryBus{inboxes: map[string]*KafkaTransport{}}
	watch := NewKafkaTransport(KafkaConfig{TopicPrefix: "ws", DeviceID: "watch", PeerID: "phone", RequestTTL: 5 * time.Second},
		bus, WithKafkaClock(func() time.Time { return now }), WithKafkaLogger(testLogger(t)))

	started := 0
	router := NewRouter(NewMemoryLedger(), WithRouterLogger(testLogger(t)))
	router.Handle(ActionStartWorkout, func(context.Context, Message) (map[string]any, error) {
		started++
		return nil, nil
	})
	watch.Bind(router)

	request := func(timestamp time.Time, headers ...string) broker.Message {
		rec := broker.Message{
			Kind:      KindRequest,
			Timestamp: timestamp,
			Payload:   []byte(`{"action":"startWorkout","activityType":"running"}`),
			Headers: map[string]string{
				"sender":         "phone",
				"correlation_id": "c-1",
				"reply_to":       InboxTopic("ws", "phone"),
			},
		}
		for i := 0; i+1 < len(headers); i += 2 {
			rec.Headers[headers[i]] = headers[i+1]
		}
		return rec
	}
	ctx := context.Background()

	require.NoError(t, watch.Handle(ctx, request(now.Add(-time.Hour), HeaderDeadline, now.Add(-59*time.Minute).Format(time.RFC3339Nano))))
	require.NoError(t, watch.Handle(ctx, request(now.Add(-time.Hour))))
	require.Zero(t, started)
	bus.mu.Lock()
	require.Empty(t, bus.written)
	bus.mu.Unlock()

	require.NoError(t, watch.Handle(ctx, request(now.Add(-time.Second), HeaderDeadline, now.Add(time.Second).Format(time.RFC3339Nano))))
	require.Equal(t, 1, started)
	bus.mu.Lock()
	require.Len(t, bus.written, 1)
	bus.mu.Unlock()
}

func TestKafkaTransportStampsRequestDeadline(t *testing.T) {
	bus := &memoryBus{inboxes: map[string]*KafkaTransport{}}
	phone := NewKafkaTransport(KafkaConfig{TopicPrefix: "ws", DeviceID: "phone", PeerID: "watch"}, bus, WithKafkaLogger(testLogger(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	deadline, _ := ctx.Deadline()
	_, err := phone.Request(ctx, NewMessage(ActionGetMetrics, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.written, 1)
	var stamped string
	for _, h := range bus.written[0].Headers {
		if h.Key == HeaderDeadline {
			stamped = string(h.Value)
		}
	}
	got, err := time.Parse(time.RFC3339Nano, stamped)
	require.NoError(t, err)
	require.True(t, got.Equal(deadline))
}
