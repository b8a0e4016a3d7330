package booking

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/outbox"
)

const (
	AggregateType = "booking"

	TopicCreated   = "booking.reservation.created.v1"
	TopicExtended  = "booking.reservation.extended.v1"
	TopicCancelled = "booking.reservation.cancelled.v1"
	TopicDeleted   = "booking.reservation.deleted.v1"
)

type ReservationEvent struct {
	BookingID           string       `json:"booking_id"`
	CarID               string       `json:"car_id"`
	UserID              string       `json:"user_id,omitempty"`
	Status              model.Status `json:"status"`
	StartTime           time.Time    `json:"start_time"`
	EndTime             time.Time    `json:"end_time"`
	PriceCents          int64        `json:"price_cents"`
	AdditionalCostCents int64        `json:"additional_cost_cents,omitempty"`
	MinutesAdded        int          `json:"minutes_added,omitempty"`
	Reason              string       `json:"reason,omitempty"`
	OccurredAt          time.Time    `json:"occurred_at"`
}

func reservationEvent(topic string, b model.Booking, at time.Time, fill func(*ReservationEvent)) (outbox.Event, error) {
	evt := ReservationEvent{
		BookingID:  b.ID,
		CarID:      b.CarID,
		UserID:     b.UserID,
		Status:     b.Status,
		StartTime:  b.StartTime.UTC(),
		EndTime:    b.EndTime.UTC(),
		PriceCents: b.PriceCents,
		OccurredAt: at.UTC(),
	}
	if fill != nil {
		fill(&evt)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.NewEvent(AggregateType, b.ID, topic, payload), nil
}
