package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/carshare/libs/kafkax"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
)

const TopicCarUpserted = "fleet.car.upserted.v1"

// ErrInvalidEvent marks a message that can never be applied. It is logged and
// committed so it does not block the partition.
var ErrInvalidEvent = errors.New("invalid fleet event")

// CarUpserted is the fleet service's snapshot of a car.
type CarUpserted struct {
	CarID           string          `json:"car_id"`
	Status          model.CarStatus `json:"status"`
	HourlyRateCents int64           `json:"hourly_rate_cents"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CarStore applies a car snapshot at most once per event ID.
type CarStore interface {
	ApplyCarEvent(ctx context.Context, eventID, eventType string, car model.Car) (bool, error)
}

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

type Consumer struct {
	reader Reader
	store  CarStore
	logger *slog.Logger
}

func New(logger *slog.Logger, store CarStore, cfg Config) *Consumer {
	if cfg.Topic == "" {
		cfg.Topic = TopicCarUpserted
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewWithReader(logger, store, reader)
}

func NewWithReader(logger *slog.Logger, store CarStore, reader Reader) *Consumer {
	return &Consumer{reader: reader, store: store, logger: logger}
}

// Run fetches until ctx is cancelled. Offsets are committed only after a
// message was applied or rejected as invalid.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil && !errors.Is(err, ErrInvalidEvent) {
			c.logger.Error("fleet event failed, will be redelivered", "err", err, "offset", msg.Offset)
			metrics.IncFleetEvent("error")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", "err", err)
		}
	}
}

// Handle applies one message.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	car, err := decodeCar(msg)
	if err != nil {
		c.logger.Warn("invalid fleet event skipped", "event_id", meta.EventID, "err", err)
		metrics.IncFleetEvent("invalid")
		span.RecordError(err)
		return err
	}

	applied, err := c.store.ApplyCarEvent(ctxSpan, meta.EventID, meta.EventType, car)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !applied {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		metrics.IncFleetEvent("duplicate")
		return nil
	}
	metrics.IncFleetEvent("applied")
	c.logger.Info("car updated", "car_id", car.ID, "status", car.Status, "hourly_rate_cents", car.HourlyRateCents)
	return nil
}

func decodeCar(msg kafka.Message) (model.Car, error) {
	var evt CarUpserted
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return model.Car{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if evt.CarID == "" {
		return model.Car{}, fmt.Errorf("%w: car_id is required", ErrInvalidEvent)
	}
	if !evt.Status.Valid() {
		return model.Car{}, fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, evt.Status)
	}
	if evt.HourlyRateCents < 0 {
		return model.Car{}, fmt.Errorf("%w: negative hourly rate", ErrInvalidEvent)
	}
	updated := evt.UpdatedAt
	if updated.IsZero() {
		updated = msg.Time
	}
	if updated.IsZero() {
		updated = time.Now()
	}
	return model.Car{
		ID:              evt.CarID,
		Status:          evt.Status,
		HourlyRateCents: evt.HourlyRateCents,
		UpdatedAt:       updated.UTC(),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
