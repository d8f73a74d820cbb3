package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/bookingflow/internal/clock"
)

type recordingWriter struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	err     error
	release chan struct{}
	writes  int
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) recorded() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestNotifyWritesOneHintPerFeed(t *testing.T) {
	w := &recordingWriter{}
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	k := newKafka(w, WithClock(clock.NewFixed(now)))

	k.Notify(context.Background(), "orders", "scheduled-sessions", "orders")
	require.NoError(t, k.Close())

	msgs := w.recorded()
	require.Len(t, msgs, 2)
	assert.Equal(t, "orders", string(msgs[0].Key))
	assert.Equal(t, "scheduled-sessions", string(msgs[1].Key))

	var hint Hint
	require.NoError(t, json.Unmarshal(msgs[0].Value, &hint))
	assert.Equal(t, Hint{Feed: "orders", At: now.UnixNano()}, hint)
}

func TestNotifySurvivesCancelledRequest(t *testing.T) {
	w := &recordingWriter{}
	k := newKafka(w)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	k.Notify(ctx, "orders")
	require.NoError(t, k.Close())

	assert.Len(t, w.recorded(), 1)
}

func TestNotifyDoesNotWaitForBroker(t *testing.T) {
	w := &recordingWriter{release: make(chan struct{})}
	k := newKafka(w, WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			k.Notify(context.Background(), "orders")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled writer")
	}

	close(w.release)
	require.NoError(t, k.Close())
	assert.NotEmpty(t, w.recorded())
	assert.LessOrEqual(t, len(w.recorded()), 2, "hints beyond the queue are dropped")
}

func TestNotifySwallowsWriteErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	k := newKafka(w)

	assert.NotPanics(t, func() { k.Notify(context.Background(), "orders") })
	require.NoError(t, k.Close())
	assert.Equal(t, 1, w.writes)
}

func TestNotifyAfterCloseIsDropped(t *testing.T) {
	w := &recordingWriter{}
	k := newKafka(w)
	require.NoError(t, k.Close())

	k.Notify(context.Background(), "orders")
	assert.Empty(t, w.recorded())
}

func TestNotifyWithoutFeedsWritesNothing(t *testing.T) {
	w := &recordingWriter{}
	k := newKafka(w)
	k.Notify(context.Background())
	require.NoError(t, k.Close())
	assert.Empty(t, w.recorded())
}
