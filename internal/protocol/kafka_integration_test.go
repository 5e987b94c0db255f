//go:build integration

package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/testsupport"
)

func TestKafkaTransportRoundTripThroughBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	brokers := testsupport.StartKafka(ctx, t, InboxTopic("it", "phone"), InboxTopic("it", "watch"))
	producer := broker.NewKafkaProducer(brokers, broker.WithBatchTimeout(10*time.Millisecond))
	defer producer.Close()

	phone := NewKafkaTransport(KafkaConfig{TopicPrefix: "it", DeviceID: "phone", PeerID: "watch"}, producer, WithKafkaLogger(testLogger(t)))
	watch := NewKafkaTransport(KafkaConfig{TopicPrefix: "it", DeviceID: "watch", PeerID: "phone"}, producer, WithKafkaLogger(testLogger(t)))

	router := NewRouter(NewMemoryLedger(), WithRouterLogger(testLogger(t)))
	router.Handle(ActionGetMetrics, func(context.Context, Message) (map[string]any, error) {
		return map[string]any{"state": "active", "heart_rate": 141.0}, nil
	})
	watch.Bind(router)
	phone.Bind(NewRouter(NewMemoryLedger(), WithRouterLogger(testLogger(t))))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	for _, tr := range []struct {
		transport *KafkaTransport
		device    string
	}{{phone, "phone"}, {watch, "watch"}} {
		reader := NewInboxReader(brokers, "it", tr.device)
		go func() {
			defer reader.Close()
			_ = tr.transport.Run(runCtx, reader)
		}()
	}

	require.NoError(t, watch.Heartbeat(ctx))
	require.Eventually(t, phone.Reachable, time.Minute, 100*time.Millisecond)

	reply, err := NewPeer(phone, WithRequestTimeout(30*time.Second)).Send(ctx, NewMessage(ActionGetMetrics, nil))
	require.NoError(t, err)
	require.Equal(t, "active", reply.Field("state"))
	require.InDelta(t, 141.0, reply.Float("heart_rate"), 0.001)
}
