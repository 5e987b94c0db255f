package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/domain"
)

// Record kinds carried in the "kind" header.
const (
	KindRequest   = "request"
	KindReply     = "reply"
	KindNotify    = "notify"
	KindContext   = "context"
	KindHeartbeat = "heartbeat"
)

// DefaultPresenceWindow is how recently the peer must have been heard from to count as reachable.
const DefaultPresenceWindow = 30 * time.Second

// DefaultRequestTTL is how long an immediate request stays executable when the sender's context
// carried no deadline.
const DefaultRequestTTL = 30 * time.Second

// HeaderDeadline carries the RFC 3339 instant after which a request must not be executed.
const HeaderDeadline = "deadline"

// InboxTopic returns the topic a device consumes.
func InboxTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s.device.%s", prefix, deviceID)
}

// KafkaConfig identifies both ends of a Kafka-backed link.
type KafkaConfig struct {
	TopicPrefix    string
	DeviceID       string
	PeerID         string
	PresenceWindow time.Duration
	RequestTTL     time.Duration
}

// KafkaOption configures a KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithKafkaLogger overrides the transport logger.
func WithKafkaLogger(logger *log.Logger) KafkaOption {
	return func(t *KafkaTransport) { t.logger = logger }
}

// WithKafkaClock injects the clock used for presence tracking.
func WithKafkaClock(clock func() time.Time) KafkaOption {
	return func(t *KafkaTransport) { t.clock = clock }
}

// KafkaTransport exchanges protocol traffic through per-device inbox topics. Replies are matched to
// requests by correlation id. Reachability is inferred from the last record received from the peer.
type KafkaTransport struct {
	cfg      KafkaConfig
	writer   broker.Writer
	clock    func() time.Time
	logger   *log.Logger
	lastSeen atomic.Int64

	mu       sync.Mutex
	receiver Receiver
	pending  map[string]chan Reply
}

// NewKafkaTransport constructs a transport that writes through writer.
func NewKafkaTransport(cfg KafkaConfig, writer broker.Writer, opts ...KafkaOption) *KafkaTransport {
	if cfg.PresenceWindow <= 0 {
		cfg.PresenceWindow = DefaultPresenceWindow
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	t := &KafkaTransport{
		cfg:     cfg,
		writer:  writer,
		clock:   time.Now,
		logger:  log.New(log.Writer(), "[protocol/kafka] ", log.LstdFlags|log.Lshortfile),
		pending: make(map[string]chan Reply),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind attaches the receiver for inbound traffic.
func (t *KafkaTransport) Bind(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

// Reachable implements Transport.
func (t *KafkaTransport) Reachable() bool {
	seen := t.lastSeen.Load()
	if seen == 0 {
		return false
	}
	return t.clock().Sub(time.Unix(0, seen)) <= t.cfg.PresenceWindow
}

// Request implements Transport. The record carries a deadline so a peer that reads it late, after
// the caller has given up, drops it instead of executing it.
func (t *KafkaTransport) Request(ctx context.Context, msg Message) (Reply, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = t.clock().Add(t.cfg.RequestTTL)
	}

	correlationID := uuid.NewString()
	ch := make(chan Reply, 1)
	t.mu.Lock()
	t.pending[correlationID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
	}()

	if err := t.write(ctx, KindRequest, msg, correlationID, HeaderDeadline, deadline.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify implements Transport.
func (t *KafkaTransport) Notify(ctx context.Context, msg Message) error {
	return t.write(ctx, KindNotify, msg, "")
}

// UpdateContext implements Transport. The record is keyed by peer so a compacted inbox keeps only
// the latest context.
func (t *KafkaTransport) UpdateContext(ctx context.Context, values map[string]any) error {
	return t.write(ctx, KindContext, values, "")
}

// Heartbeat announces this device to the peer.
func (t *KafkaTransport) Heartbeat(ctx context.Context) error {
	return t.write(ctx, KindHeartbeat, map[string]any{"at": t.clock().UTC().Format(time.RFC3339)}, "")
}

// RunHeartbeat sends heartbeats every interval until ctx is cancelled.
func (t *KafkaTransport) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := t.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			t.logger.Printf("heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run consumes this device's inbox until ctx is cancelled.
func (t *KafkaTransport) Run(ctx context.Context, reader broker.Reader) error {
	return broker.NewProcessor(reader, t, broker.WithLogger(t.logger)).Run(ctx)
}

// NewInboxReader builds a consumer-group reader for a device inbox. Committed offsets let a device
// that reconnects pick up the durable context written while it was away.
func NewInboxReader(brokers []string, prefix, deviceID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  fmt.Sprintf("%s.inbox.%s", prefix, deviceID),
		Topic:    InboxTopic(prefix, deviceID),
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  250 * time.Millisecond,
	})
}

// Handle implements broker.Handler for records arriving in this device's inbox.
func (t *KafkaTransport) Handle(ctx context.Context, rec broker.Message) error {
	sender := rec.Headers["sender"]
	if sender != "" && sender != t.cfg.PeerID {
		t.logger.Printf("dropping %s from unexpected sender %q", rec.Kind, sender)
		return nil
	}
	t.lastSeen.Store(t.clock().UnixNano())

	switch rec.Kind {
	case KindHeartbeat:
		return nil
	case KindReply:
		var reply Reply
		if err := json.Unmarshal(rec.Payload, &reply); err != nil {
			t.logger.Printf("decode reply: %v", err)
			return nil
		}
		t.mu.Lock()
		ch, ok := t.pending[rec.Headers["correlation_id"]]
		t.mu.Unlock()
		if !ok {
			// requester already gave up
			return nil
		}
		select {
		case ch <- reply:
		default:
		}
		return nil
	}

	receiver := t.boundReceiver()
	if receiver == nil {
		return fmt.Errorf("no receiver bound for %s", rec.Kind)
	}

	switch rec.Kind {
	case KindRequest:
		var msg Message
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			return t.reply(ctx, rec, ErrorReply(fmt.Errorf("decode request: %w", err)))
		}
		if t.expired(rec) {
			t.logger.Printf("dropping expired %s request (correlation_id=%s)", msg.Action(), rec.Headers["correlation_id"])
			recordDispatch(msg.Action(), "expired")
			return nil
		}
		return t.reply(ctx, rec, receiver.HandleMessage(ctx, msg))
	case KindNotify:
		var msg Message
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			t.logger.Printf("decode notification: %v", err)
			return nil
		}
		receiver.HandleNotification(ctx, msg)
		return nil
	case KindContext:
		var values map[string]any
		if err := json.Unmarshal(rec.Payload, &values); err != nil {
			t.logger.Printf("decode context: %v", err)
			return nil
		}
		if err := receiver.HandleContext(ctx, values); err != nil {
			t.logger.Printf("context: %v", err)
		}
		return nil
	default:
		t.logger.Printf("unknown record kind %q", rec.Kind)
		return nil
	}
}

func (t *KafkaTransport) reply(ctx context.Context, rec broker.Message, reply Reply) error {
	replyTo := rec.Headers["reply_to"]
	if replyTo == "" {
		return fmt.Errorf("request %s without reply_to", rec.Headers["correlation_id"])
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return t.writer.WriteMessages(ctx, replyTo, kafka.Message{
		Key:     []byte(t.cfg.PeerID),
		Value:   body,
		Time:    t.clock().UTC(),
		Headers: broker.Headers("kind", KindReply, "correlation_id", rec.Headers["correlation_id"], "sender", t.cfg.DeviceID),
	})
}

// expired reports whether a request is past its deadline header or, without one, older than RequestTTL.
func (t *KafkaTransport) expired(rec broker.Message) bool {
	now := t.clock()
	if raw := rec.Headers[HeaderDeadline]; raw != "" {
		deadline, err := time.Parse(time.RFC3339Nano, raw)
		if err == nil {
			return now.After(deadline)
		}
		t.logger.Printf("malformed %s header %q", HeaderDeadline, raw)
	}
	return !rec.Timestamp.IsZero() && now.Sub(rec.Timestamp) > t.cfg.RequestTTL
}

func (t *KafkaTransport) write(ctx context.Context, kind string, payload any, correlationID string, extra ...string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	key := t.cfg.PeerID
	if kind == KindContext {
		key = "context:" + t.cfg.PeerID
	}
	err = t.writer.WriteMessages(ctx, InboxTopic(t.cfg.TopicPrefix, t.cfg.PeerID), kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  t.clock().UTC(),
		Headers: broker.Headers(append([]string{
			"kind", kind,
			"correlation_id", correlationID,
			"reply_to", InboxTopic(t.cfg.TopicPrefix, t.cfg.DeviceID),
			"sender", t.cfg.DeviceID,
		}, extra...)...),
	})
	if err != nil {
		return fmt.Errorf("write %s: %w: %w", kind, domain.ErrPeerUnreachable, err)
	}
	return nil
}

func (t *KafkaTransport) boundReceiver() Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiver
}
