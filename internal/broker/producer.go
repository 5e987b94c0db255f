// Package broker wraps kafka-go writers and readers shared by the outbox dispatcher and the device transport.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer publishes records to a topic.
type Writer interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*KafkaProducer)

// WithBatchTimeout lowers writer batching latency, used for interactive device traffic.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(p *KafkaProducer) { p.batchTimeout = d }
}

// WithAutoTopicCreation lets writers create missing topics, used for per-device inboxes.
func WithAutoTopicCreation() ProducerOption {
	return func(p *KafkaProducer) { p.autoCreate = true }
}

// KafkaProducer lazily manages writers per topic.
type KafkaProducer struct {
	brokers      []string
	batchTimeout time.Duration
	autoCreate   bool

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) *KafkaProducer {
	p := &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteMessages writes messages to the given topic, creating a writer if necessary.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	start := time.Now()
	err := p.writerForTopic(topic).WriteMessages(ctx, msgs...)
	recordWrite(topic, len(msgs), time.Since(start), err)
	return err
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: p.autoCreate,
	}
	if p.batchTimeout > 0 {
		writer.BatchTimeout = p.batchTimeout
	}
	p.writers[topic] = writer
	return writer
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}

// Header returns the value of key in msg headers.
func Header(msg kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// Headers builds kafka headers from key/value pairs, skipping empty values.
func Headers(pairs ...string) []kafka.Header {
	headers := make([]kafka.Header, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		headers = append(headers, kafka.Header{Key: pairs[i], Value: []byte(pairs[i+1])})
	}
	return headers
}
