package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSNotifierPublishes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("helix.events.>", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	n := NewNATSNotifier(nc, "", nil)
	require.NoError(t, n.Notify(context.Background(), Event{
		Type:    PhasePaused,
		Project: "demo",
		Phase:   "build",
		Message: "waiting for operator",
	}))
	require.NoError(t, nc.Flush())

	select {
	case msg := <-msgs:
		assert.Equal(t, "helix.events.phase.paused", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "demo", ev.Project)
		assert.Equal(t, "build", ev.Phase)
		assert.False(t, ev.At.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, []byte) error { return errors.New("nats: connection closed") }

func TestNATSNotifierPublishError(t *testing.T) {
	n := NewNATSNotifier(failingPublisher{}, "ops", nil)
	assert.Equal(t, "ops.project.failed", n.Subject(ProjectFailed))
	err := n.Notify(context.Background(), Event{Type: ProjectFailed})
	assert.ErrorContains(t, err, "publish ops.project.failed")
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))
	require.NoError(t, n.Notify(context.Background(), Event{
		Type:    PhasePaused,
		Project: "demo",
		Phase:   "build",
		Message: "phase paused for human input",
		Data:    map[string]string{"signal": "/tmp/x.resume"},
	}))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "phase paused for human input", entry.Message)
	assert.Equal(t, "/tmp/x.resume", entry.ContextMap()["signal"])
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiDeliversToAll(t *testing.T) {
	a := &recordingNotifier{err: errors.New("down")}
	b := &recordingNotifier{}
	err := Multi{a, b, Nop{}}.Notify(context.Background(), Event{Type: PhaseFailed})

	assert.ErrorContains(t, err, "down")
	require.Len(t, b.events, 1)
	assert.False(t, b.events[0].At.IsZero())
	assert.Len(t, a.events, 1)
}
