package app

import (
	"fmt"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/phase_monitor/internal/report"
)

// startBroker runs an in-process broker on a free local port.
func startBroker(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return fmt.Sprintf("tcp://%s", addr)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	broker := startBroker(t)

	sub, err := connectMQTT(broker, "test-sub")
	require.NoError(t, err)
	defer sub.Disconnect(100)

	got := make(chan report.Sequence, 1)
	require.NoError(t, subscribeJSON(sub, "phase/sequence", func(topic string, rep report.Sequence) {
		assert.Equal(t, "phase/sequence", topic)
		got <- rep
	}))

	pubClient, err := connectMQTT(broker, "test-pub")
	require.NoError(t, err)
	defer pubClient.Disconnect(100)
	pub := &mqttPublisher{client: pubClient, timeout: 2 * time.Second}

	// A malformed payload is dropped by the subscriber.
	pubClient.Publish("phase/sequence", 0, false, []byte("{not json")).Wait()
	require.NoError(t, pub.Publish("phase/sequence", false, report.Sequence{Sequence: "ACB", Swap: "B-C"}))

	select {
	case rep := <-got:
		assert.Equal(t, "ACB", rep.Sequence)
		assert.Equal(t, "B-C", rep.Swap)
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPublishRejectsUnmarshalable(t *testing.T) {
	broker := startBroker(t)
	client, err := connectMQTT(broker, "test-bad")
	require.NoError(t, err)
	defer client.Disconnect(100)

	pub := &mqttPublisher{client: client, timeout: time.Second}
	err = pub.Publish("phase/a", false, map[string]any{"f": func() {}})
	assert.Error(t, err)
}

func TestConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = connectMQTT("tcp://"+addr, "nobody")
	assert.Error(t, err)
}
