package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carshare/libs/kafkax"
	otelx "github.com/md-rashed-zaman/carshare/libs/otel"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// Lease is how long a batch handed to a publisher stays hidden from other
// publishers. Records are marked published only when fn returns nil; a batch
// whose publisher dies becomes visible again once the lease runs out.
const Lease = 30 * time.Second

// Store leases unpublished records in one short transaction and calls fn after
// it commits, so no database connection is held while Kafka is written.
type Store interface {
	PublishPending(ctx context.Context, limit int, fn func(context.Context, []Record) error) (int, error)
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	store     Store
	logger    *slog.Logger
	brokers   []string
	writer    MessageWriter
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(store Store, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		store:     store,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

// WithWriter replaces the Kafka writer Run would otherwise build from the brokers.
func (p *Publisher) WithWriter(w MessageWriter) *Publisher {
	p.writer = w
	return p
}

func (p *Publisher) Run(ctx context.Context) {
	if p.writer == nil {
		if len(p.brokers) == 0 {
			p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
			return
		}
		w := &kafka.Writer{
			Addr:         kafka.TCP(p.brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		defer w.Close()
		p.writer = w
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PublishBatch(ctx)
			if err != nil {
				p.logger.Error("outbox publish failed", "err", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("outbox published", "count", n)
			}
		}
	}
}

// PublishBatch publishes one batch and returns how many records were sent.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	return p.store.PublishPending(ctx, p.batchSize, func(ctx context.Context, records []Record) error {
		msgs := make([]kafka.Message, 0, len(records))
		for _, r := range records {
			msgs = append(msgs, Message(ctx, r))
		}
		writeCtx, cancel := context.WithTimeout(ctx, Lease/2)
		defer cancel()
		if err := p.writer.WriteMessages(writeCtx, msgs...); err != nil {
			metrics.IncOutboxPublished("error")
			return err
		}
		metrics.IncOutboxPublished("ok")
		return nil
	})
}

// Message builds the Kafka message for r. Messages are keyed by aggregate so
// every event of one booking lands on the same partition.
func Message(ctx context.Context, r Record) kafka.Message {
	msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
	msg := kafka.Message{
		Topic:   r.EventType,
		Key:     []byte(r.AggregateID),
		Value:   r.Payload,
		Headers: kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType}.Headers(),
	}
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	return msg
}
