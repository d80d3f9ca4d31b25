// Package publisher forwards item lifecycle events to a Kafka topic so that
// downstream systems (WMS, reporting) can follow the sorter without polling.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds publisher settings.
type Config struct {
	Brokers      []string
	Topic        string
	Source       string        // ce-source header, e.g. "sortline/line-1"
	BatchSize    int           // events per write
	BatchTimeout time.Duration // max wait before a partial batch is written
	WriteTimeout time.Duration
}

// Publisher batches events from the bus into Kafka messages keyed by barcode.
type Publisher struct {
	cfg    Config
	writer MessageWriter
	log    *zap.Logger
}

// NewWriter builds the kafka-go writer for cfg.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// New creates a publisher. writer may be nil to build a kafka-go writer from cfg.
func New(cfg Config, writer MessageWriter, logger *zap.Logger) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, eris.New("kafka topic is required")
	}
	if writer == nil {
		if len(cfg.Brokers) == 0 {
			return nil, eris.New("kafka brokers are required")
		}
		writer = NewWriter(cfg)
	}
	if cfg.Source == "" {
		cfg.Source = "sortline"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, writer: writer, log: logger.Named("publisher")}, nil
}

// Message converts one lifecycle event to a Kafka message.
func (p *Publisher) Message(ev types.Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, eris.Wrapf(err, "marshal event %s", ev.ID)
	}
	key := ev.Barcode
	if key == "" {
		key = string(ev.Type)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "ce-type", Value: []byte(ev.Type)},
			{Key: "ce-source", Value: []byte(p.cfg.Source)},
			{Key: "ce-id", Value: []byte(ev.ID)},
			{Key: "ce-time", Value: []byte(ev.Time.Format(time.RFC3339Nano))},
			{Key: "content-type", Value: []byte("application/json")},
		},
		Time: ev.Time,
	}, nil
}

// Run publishes events until the channel closes or ctx is done. A failed
// batch is logged and dropped; the sorter never waits on Kafka.
func (p *Publisher) Run(ctx context.Context, events <-chan types.Event) error {
	ticker := time.NewTicker(p.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		if err := p.writer.WriteMessages(wctx, batch...); err != nil {
			p.log.Error("failed to publish events",
				zap.String("topic", p.cfg.Topic),
				zap.Int("count", len(batch)),
				zap.Error(err))
		}
		batch = batch[:0]
	}
	defer flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := p.Message(ev)
			if err != nil {
				p.log.Error("dropping event", zap.Error(err))
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
