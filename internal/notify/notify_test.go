package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestHubDeliversToUserSubscribers(t *testing.T) {
	hub := NewHub()
	ch1, cancel1 := hub.Subscribe("u1")
	ch2, cancel2 := hub.Subscribe("u1")
	other, cancelOther := hub.Subscribe("u2")
	defer cancel2()
	defer cancelOther()

	require.NoError(t, hub.Publish(context.Background(), Event{Type: EventRewardGranted, UserID: "u1", Amount: 500}))

	assert.Equal(t, int64(500), (<-ch1).Amount)
	assert.Equal(t, int64(500), (<-ch2).Amount)
	select {
	case <-other:
		t.Fatal("event delivered to another user")
	default:
	}

	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers("u1"))
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("u1")
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, hub.Publish(context.Background(), Event{UserID: "u1"}))
	}
	assert.Len(t, ch, cap(ch))
}

func TestAsyncLogsFailuresAndDoesNotPropagate(t *testing.T) {
	log, hook := test.NewNullLogger()
	rec := &recorder{err: errors.New("sink down")}
	async := NewAsync(rec, log, 8)

	err := async.Publish(context.Background(), Event{Type: EventWithdrawalRequested, UserID: "u1"})
	assert.NoError(t, err)
	async.Close()

	require.Len(t, rec.Events(), 1)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "failed to publish notification", entry.Message)

	// After Close events are dropped without panicking.
	assert.NoError(t, async.Publish(context.Background(), Event{UserID: "u1"}))
	assert.Len(t, rec.Events(), 1)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}

	err := Multi{ok, bad}.Publish(context.Background(), Event{UserID: "u1"})
	assert.ErrorContains(t, err, "boom")
	assert.Len(t, ok.Events(), 1)
	assert.Len(t, bad.Events(), 1)

	assert.NoError(t, Multi{ok, Nop{}}.Publish(context.Background(), Event{UserID: "u1"}))
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	p := NewRedisPublisher(rdb, "")
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, p.UserChannel("u1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, Event{Type: EventRewardGranted, UserID: "u1", Amount: 500, Balance: 500}))

	select {
	case msg := <-sub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, EventRewardGranted, got.Type)
		assert.Equal(t, int64(500), got.Balance)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByUser(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w)

	require.NoError(t, p.Publish(context.Background(), Event{Type: EventWithdrawalCompleted, UserID: "u1", WithdrawalID: "w1"}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("u1"), w.msgs[0].Key)
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	assert.Equal(t, []byte(EventWithdrawalCompleted), w.msgs[0].Headers[0].Value)
}
