// Package notify publishes hints that a change feed has new items, so feed
// consumers can poll straight away instead of waiting for their next interval.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/cimillas/bookingflow/internal/clock"
)

const (
	defaultWriteTimeout = 2 * time.Second
	defaultQueueSize    = 256
)

// Hint is the message body. Consumers only learn which feed moved; they
// still read the items from the feed itself.
type Hint struct {
	Feed string `json:"feed"`
	At   int64  `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes one message per changed feed, keyed by feed name. Writes
// happen on a background goroutine so a slow broker never holds up a request.
type Kafka struct {
	writer    messageWriter
	clock     clock.Clock
	log       zerolog.Logger
	timeout   time.Duration
	queueSize int

	queue     chan []kafka.Message
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type Option func(*Kafka)

func WithClock(c clock.Clock) Option {
	return func(k *Kafka) { k.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(k *Kafka) { k.log = l }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(k *Kafka) {
		if d > 0 {
			k.timeout = d
		}
	}
}

// WithQueueSize bounds the pending batches. Hints beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(k *Kafka) {
		if n > 0 {
			k.queueSize = n
		}
	}
}

// NewKafka publishes to topic on the given brokers.
func NewKafka(brokers []string, topic string, opts ...Option) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafka(w, opts...)
}

func newKafka(w messageWriter, opts ...Option) *Kafka {
	k := &Kafka{
		writer:    w,
		clock:     clock.NewSystem(),
		log:       zerolog.Nop(),
		timeout:   defaultWriteTimeout,
		queueSize: defaultQueueSize,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.queue = make(chan []kafka.Message, k.queueSize)
	go k.run()
	return k
}

// Notify runs after a commit and must not fail or delay the request. Hints
// are queued for the background writer; when the queue is full they are
// dropped, since consumers still find the items on their next poll.
func (k *Kafka) Notify(_ context.Context, feeds ...string) {
	if len(feeds) == 0 {
		return
	}
	msgs, err := k.messages(feeds)
	if err != nil {
		k.log.Warn().Err(err).Strs("feeds", feeds).Msg("feed change notification failed")
		return
	}
	select {
	case <-k.stop:
		k.log.Debug().Strs("feeds", feeds).Msg("notifier closed, hint dropped")
		return
	default:
	}
	select {
	case k.queue <- msgs:
	default:
		k.log.Warn().Strs("feeds", feeds).Msg("notification queue full, hint dropped")
	}
}

func (k *Kafka) messages(feeds []string) ([]kafka.Message, error) {
	at := k.clock.Now().UnixNano()
	msgs := make([]kafka.Message, 0, len(feeds))
	seen := make(map[string]bool, len(feeds))
	for _, f := range feeds {
		if seen[f] {
			continue
		}
		seen[f] = true
		body, err := json.Marshal(Hint{Feed: f, At: at})
		if err != nil {
			return nil, fmt.Errorf("encode hint: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(f), Value: body})
	}
	return msgs, nil
}

func (k *Kafka) run() {
	defer close(k.stopped)
	for {
		select {
		case msgs := <-k.queue:
			k.write(msgs)
		case <-k.stop:
			for {
				select {
				case msgs := <-k.queue:
					k.write(msgs)
				default:
					return
				}
			}
		}
	}
}

func (k *Kafka) write(msgs []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		k.log.Warn().Err(err).Int("hints", len(msgs)).Msg("feed change notification failed")
	}
}

// Close flushes queued hints and closes the writer.
func (k *Kafka) Close() error {
	k.closeOnce.Do(func() { close(k.stop) })
	<-k.stopped
	return k.writer.Close()
}
