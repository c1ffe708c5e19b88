package stream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lenshq/backend/internal/config"
)

func newTestRegistry(buffer int) *Registry {
	return NewRegistry(config.StreamConfig{SubscriberBuffer: buffer}, nil, zerolog.Nop())
}

func recvNow(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	default:
		t.Fatal("expected a buffered message")
		return Message{}
	}
}

func assertNoMessage(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message %q", msg.Type)
	default:
	}
}

func TestBroadcastFansOutPerSession(t *testing.T) {
	reg := newTestRegistry(8)
	defer reg.Close()

	a := reg.Subscribe("sess-1", "websocket")
	b := reg.Subscribe("sess-1", "sse")
	other := reg.Subscribe("sess-2", "websocket")

	assert.Equal(t, 2, reg.SubscriberCount("sess-1"))
	assert.Equal(t, 1, reg.SubscriberCount("sess-2"))

	msg := Message{
		Type:      TypeErrorEvent,
		SessionID: "sess-1",
		Seq:       1,
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(`{"message":"boom"}`),
	}
	assert.Equal(t, 2, reg.Broadcast("sess-1", msg))

	assert.Equal(t, TypeErrorEvent, recvNow(t, a).Type)
	assert.Equal(t, int64(1), recvNow(t, b).Seq)
	assertNoMessage(t, other)

	assert.Zero(t, reg.Broadcast("sess-ghost", msg), "no subscribers, no deliveries")
}

func TestBroadcastShedsOldestWhenBufferFull(t *testing.T) {
	reg := newTestRegistry(2)
	defer reg.Close()

	sub := reg.Subscribe("sess-1", "websocket")
	for seq := int64(1); seq <= 2; seq++ {
		require.Equal(t, 1, reg.Broadcast("sess-1", Message{Type: TypeSessionEvent, Seq: seq}))
	}
	assert.False(t, sub.Degraded())

	// Third message into a two-slot buffer: seq 1 is shed to admit seq 3.
	assert.Equal(t, 1, reg.Broadcast("sess-1", Message{Type: TypeSessionEvent, Seq: 3}))
	assert.True(t, sub.Degraded(), "a drop marks the subscriber for resync")

	assert.Equal(t, int64(2), recvNow(t, sub).Seq)
	assert.Equal(t, int64(3), recvNow(t, sub).Seq)
	assertNoMessage(t, sub)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	reg := newTestRegistry(4)
	defer reg.Close()

	sub := reg.Subscribe("sess-1", "poll")
	require.Equal(t, 1, reg.SubscriberCount("sess-1"))

	reg.Unsubscribe(sub)
	reg.Unsubscribe(sub)
	reg.Unsubscribe(nil)

	assert.Zero(t, reg.SubscriberCount("sess-1"))
	_, open := <-sub.C()
	assert.False(t, open, "unsubscribe closes the channel")
	assert.Zero(t, reg.Broadcast("sess-1", Message{Type: TypeSessionEvent}))
}

func TestRegistryCloseDetachesEveryone(t *testing.T) {
	reg := newTestRegistry(4)
	a := reg.Subscribe("sess-1", "websocket")
	b := reg.Subscribe("sess-2", "sse")

	reg.Close()
	reg.Close()

	_, open := <-a.C()
	assert.False(t, open)
	_, open = <-b.C()
	assert.False(t, open)
	assert.Zero(t, reg.SubscriberCount("sess-1"))

	// Late subscribers get a dead channel instead of a panic.
	late := reg.Subscribe("sess-3", "websocket")
	_, open = <-late.C()
	assert.False(t, open)
	assert.Zero(t, reg.SubscriberCount("sess-3"))
}

type recordingSink struct {
	mu  sync.Mutex
	got []string
}

func (s *recordingSink) Publish(projectID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, projectID+"/"+msg.Type)
}

func TestBroadcastProjectReachesSinksOnly(t *testing.T) {
	reg := newTestRegistry(4)
	defer reg.Close()

	sink := &recordingSink{}
	reg.AddSink(sink)
	sub := reg.Subscribe("sess-1", "websocket")

	reg.BroadcastProject("proj-1", Message{Type: TypeErrorEvent, SessionID: "sess-1"})

	sink.mu.Lock()
	assert.Equal(t, []string{"proj-1/error-event"}, sink.got)
	sink.mu.Unlock()
	assertNoMessage(t, sub)
}

func TestHeartbeatFrame(t *testing.T) {
	hb := Heartbeat()
	assert.Equal(t, TypeHeartbeat, hb.Type)
	assert.Empty(t, hb.SessionID)
	assert.Zero(t, hb.Seq)
	assert.WithinDuration(t, time.Now().UTC(), hb.Timestamp, 2*time.Second)
}
