package booking

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/outbox"
)

// Store is the persistent layout behind the service: a global bookings index,
// a per-car timeline and a per-user index, plus the car registry.
//
// Implementations translate driver errors to the sentinels of this package:
// missing rows to ErrNotFound, serialization aborts to ErrSerialization and
// constraint-level overlaps to ErrConflict.
type Store interface {
	Car(ctx context.Context, carID string) (model.Car, error)
	// Timeline returns the car's non-cancelled bookings intersecting [from, to),
	// ascending by start. It fails with ErrNotFound for an unknown car.
	Timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error)
	Get(ctx context.Context, bookingID string) (model.Booking, error)
	UserBookings(ctx context.Context, userID string, limit int) ([]model.Booking, error)
	// InTx runs fn in one transaction. Nothing fn wrote survives a non-nil return.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side. Insert, Update and Delete touch every denormalized copy
// of the booking and fail with ErrPartialWrite when a copy does not match
// exactly one row.
type Tx interface {
	// LockCar takes the per-car write lock held until the transaction ends.
	LockCar(ctx context.Context, carID string) (model.Car, error)
	Timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error)
	GetForUpdate(ctx context.Context, bookingID string) (model.Booking, error)
	Insert(ctx context.Context, b model.Booking) error
	Update(ctx context.Context, b model.Booking) error
	Delete(ctx context.Context, b model.Booking) error
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// TimelineCache caches day timelines for slot rendering. It is never read on
// the write path.
type TimelineCache interface {
	// Get returns the version it read alongside the entry; Set must be given
	// that version so a stale fill cannot outlive an invalidation.
	Get(ctx context.Context, carID string, dayStart time.Time) ([]model.Booking, int64, bool)
	Set(ctx context.Context, carID string, version int64, dayStart time.Time, bookings []model.Booking)
	Invalidate(ctx context.Context, carID string)
}

type noCache struct{}

func (noCache) Get(context.Context, string, time.Time) ([]model.Booking, int64, bool) {
	return nil, -1, false
}
func (noCache) Set(context.Context, string, int64, time.Time, []model.Booking) {}
func (noCache) Invalidate(context.Context, string)                             {}
