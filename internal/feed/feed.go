// Package feed streams committed ledger activity to Kafka so that mirrors and
// downstream systems can follow the chain without polling the node.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	skafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// Event types published on the feed.
const (
	EventEntryAppended     = "ledger.entry_appended"
	EventCheckpointCreated = "checkpoint.created"
)

// Message header keys.
const (
	HeaderEventType = "icn-event"
	HeaderSignature = "icn-signature"
)

// Event is the JSON body of every feed message.
type Event struct {
	Type       string               `json:"type"`
	NodeID     string               `json:"node_id"`
	Timestamp  time.Time            `json:"timestamp"`
	Entry      *model.AuditEntry    `json:"entry,omitempty"`
	Checkpoint *checkpoint.Artifact `json:"checkpoint,omitempty"`
}

func (e Event) key() string {
	if e.Entry != nil {
		return e.Entry.EntityID
	}
	if e.Checkpoint != nil {
		return e.Checkpoint.Date
	}
	return e.Type
}

// Writer is the subset of kafka.Writer the feed needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(eventType string, success bool)

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *skafka.Writer {
	return &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireAll,
	}
}

// Feed buffers events and writes them from a single goroutine so that commit
// hooks never block the chain. Events are dropped, with a warning, when the
// buffer is full; the chain itself remains the source of truth.
type Feed struct {
	writer    Writer
	nodeID    string
	key       *signature.NodeKey
	events    chan Event
	onMetrics MetricsRecorder
	logger    *zap.Logger
}

// New creates a Feed. Every message is signed with key.
func New(w Writer, nodeID string, key *signature.NodeKey, buffer int, logger *zap.Logger) *Feed {
	if buffer <= 0 {
		buffer = 256
	}
	return &Feed{
		writer: w,
		nodeID: nodeID,
		key:    key,
		events: make(chan Event, buffer),
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (f *Feed) SetMetricsRecorder(fn MetricsRecorder) { f.onMetrics = fn }

// EntryHook returns a commit hook that enqueues every appended entry.
func (f *Feed) EntryHook() trustledger.CommitHook {
	return func(_ context.Context, e *model.AuditEntry) {
		entry := *e
		f.enqueue(Event{Type: EventEntryAppended, Entry: &entry})
	}
}

// Publish implements checkpoint.Publisher.
func (f *Feed) Publish(_ context.Context, art *checkpoint.Artifact) error {
	f.enqueue(Event{Type: EventCheckpointCreated, Checkpoint: art})
	return nil
}

func (f *Feed) enqueue(ev Event) {
	ev.NodeID = f.nodeID
	ev.Timestamp = time.Now().UTC()
	select {
	case f.events <- ev:
	default:
		f.logger.Warn("feed: buffer full, dropping event", zap.String("type", ev.Type), zap.String("key", ev.key()))
		f.record(ev.Type, false)
	}
}

// Run writes buffered events until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.events:
			if err := f.deliver(ctx, ev); err != nil {
				f.logger.Warn("feed: delivery failed",
					zap.String("type", ev.Type),
					zap.String("key", ev.key()),
					zap.Error(err),
				)
			}
		}
	}
}

// deliver writes one event, retrying transient broker errors.
func (f *Feed) deliver(ctx context.Context, ev Event) error {
	msg, err := f.message(ev)
	if err != nil {
		f.record(ev.Type, false)
		return err
	}
	op := func() (struct{}, error) {
		return struct{}{}, f.writer.WriteMessages(ctx, msg)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err = backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	f.record(ev.Type, err == nil)
	return err
}

func (f *Feed) message(ev Event) (skafka.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return skafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return skafka.Message{
		Key:   []byte(ev.key()),
		Value: body,
		Headers: []skafka.Header{
			{Key: HeaderEventType, Value: []byte(ev.Type)},
			{Key: HeaderSignature, Value: []byte(f.key.Sign(body))},
		},
	}, nil
}

func (f *Feed) record(eventType string, success bool) {
	if f.onMetrics != nil {
		f.onMetrics(eventType, success)
	}
}

// Close closes the underlying writer.
func (f *Feed) Close() error {
	return f.writer.Close()
}
