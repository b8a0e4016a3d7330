package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/pricing"
)

const (
	defaultOpTimeout = 5 * time.Second
	defaultTxRetries = 3
	defaultListLimit = 50
	maxListLimit     = 200
)

type Config struct {
	Buffer      time.Duration
	Granularity time.Duration
	// Location defines calendar days for slot computation. Defaults to UTC.
	Location *time.Location
	// OpTimeout bounds every store call, including one transaction attempt.
	OpTimeout time.Duration
	// TxRetries is how many times a write is re-run after a serialization
	// failure. Zero means the default of 3; a negative value disables retries.
	TxRetries int
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	slots := availability.Config{Buffer: c.Buffer, Granularity: c.Granularity}.WithDefaults()
	c.Buffer, c.Granularity = slots.Buffer, slots.Granularity
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	switch {
	case c.TxRetries == 0:
		c.TxRetries = defaultTxRetries
	case c.TxRetries < 0:
		c.TxRetries = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Actor is the principal on whose behalf an operation runs.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) owns(b model.Booking) bool {
	return a.Admin || (a.UserID != "" && a.UserID == b.UserID)
}

// NewBooking is a reservation request. An empty Status means a customer booking;
// maintenance and repair create car blocks without a user.
type NewBooking struct {
	CarID     string
	UserID    string
	StartTime time.Time
	EndTime   time.Time
	Status    model.Status
	Notes     string
}

type DayAvailability struct {
	CarID      string
	DayStart   time.Time
	DayEnd     time.Time
	Slots      []availability.Interval
	StartTimes []time.Time
}

type Service struct {
	store  Store
	cache  TimelineCache
	logger *slog.Logger
	cfg    Config
	tracer trace.Tracer
}

type Option func(*Service)

func WithCache(c TimelineCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

func NewService(store Store, logger *slog.Logger, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cache:  noCache{},
		logger: logger,
		cfg:    cfg.withDefaults(),
		tracer: otel.Tracer("booking-service/booking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Buffer() time.Duration      { return s.cfg.Buffer }
func (s *Service) Granularity() time.Duration { return s.cfg.Granularity }
func (s *Service) Location() *time.Location   { return s.cfg.Location }
func (s *Service) Now() time.Time             { return s.cfg.Now().UTC() }

// Timeline returns the car's non-cancelled bookings intersecting [from, to).
func (s *Service) Timeline(ctx context.Context, carID string, from, to time.Time) (_ []model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Timeline", trace.WithAttributes(attribute.String("car.id", carID)))
	defer func() { endSpan(span, err) }()

	if !to.After(from) {
		return nil, fmt.Errorf("timeline: %w: window end must be after start", ErrInvalidWindow)
	}
	out, err := s.timeline(ctx, carID, from, to)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	for i := range out {
		out[i] = model.WithDerivedStatus(out[i], now)
	}
	return out, nil
}

// FreeSlots computes the open windows and offered start times of the calendar
// day containing day.
func (s *Service) FreeSlots(ctx context.Context, carID string, day time.Time) (_ DayAvailability, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.FreeSlots", trace.WithAttributes(attribute.String("car.id", carID)))
	defer func() { endSpan(span, err) }()

	dayStart, dayEnd := availability.DayBounds(day, s.cfg.Location)
	existing, err := s.dayTimeline(ctx, carID, dayStart, dayEnd)
	if err != nil {
		return DayAvailability{}, err
	}
	slots := availability.FreeSlots(existing, dayStart, dayEnd, s.Now(), s.cfg.Buffer)
	return DayAvailability{
		CarID:      carID,
		DayStart:   dayStart,
		DayEnd:     dayEnd,
		Slots:      slots,
		StartTimes: availability.StartTimes(slots, dayStart, s.cfg.Granularity, s.cfg.Granularity),
	}, nil
}

// Durations lists the booking lengths offered for a booking starting at start.
func (s *Service) Durations(ctx context.Context, carID string, start time.Time) ([]time.Duration, error) {
	day, err := s.FreeSlots(ctx, carID, start)
	if err != nil {
		return nil, err
	}
	return availability.Durations(day.Slots, start, s.cfg.Granularity), nil
}

// HasConflict reports whether [start, end) collides with an existing booking
// of the car once buffer is applied around it. The answer is advisory: the same
// check runs again inside the write transaction.
func (s *Service) HasConflict(ctx context.Context, carID string, start, end time.Time, buffer time.Duration) (bool, error) {
	found, err := s.conflicts(ctx, carID, start, end, buffer, "")
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// Conflicts returns the bookings blocking [start, end) with the configured
// buffer. excludeID skips a booking being extended.
func (s *Service) Conflicts(ctx context.Context, carID string, start, end time.Time, excludeID string) ([]model.Booking, error) {
	return s.conflicts(ctx, carID, start, end, s.cfg.Buffer, excludeID)
}

func (s *Service) conflicts(ctx context.Context, carID string, start, end time.Time, buffer time.Duration, excludeID string) (_ []model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Conflicts", trace.WithAttributes(attribute.String("car.id", carID)))
	defer func() { endSpan(span, err) }()

	if !end.After(start) {
		return nil, fmt.Errorf("conflict check: %w: end must be after start", ErrInvalidWindow)
	}
	if buffer < 0 {
		buffer = 0
	}
	existing, err := s.timeline(ctx, carID, start.Add(-buffer), end.Add(buffer))
	if err != nil {
		return nil, err
	}
	found := availability.Conflicts(existing, start, end, buffer, excludeID)
	if len(found) > 0 {
		metrics.IncConflict("check")
	}
	return found, nil
}

// Commit stores a new booking after re-checking the car's timeline under the
// per-car lock. The booking, its car and user index entries and the created
// event are written in one transaction.
func (s *Service) Commit(ctx context.Context, actor Actor, in NewBooking) (_ model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Commit", trace.WithAttributes(attribute.String("car.id", in.CarID)))
	defer func() { endSpan(span, err) }()

	now := s.Now()
	status := in.Status
	if status == "" {
		status = model.StatusUpcoming
	}
	switch {
	case status.IsBlock():
		if !actor.Admin {
			return model.Booking{}, fmt.Errorf("commit: %w: only administrators can block a car", ErrPermissionDenied)
		}
		in.UserID = ""
	case status == model.StatusUpcoming:
		if in.UserID == "" {
			in.UserID = actor.UserID
		}
		if in.UserID == "" || (in.UserID != actor.UserID && !actor.Admin) {
			return model.Booking{}, fmt.Errorf("commit: %w", ErrPermissionDenied)
		}
	default:
		return model.Booking{}, fmt.Errorf("commit: %w: cannot create a booking as %q", ErrInvalidTransition, status)
	}
	if in.CarID == "" {
		return model.Booking{}, fmt.Errorf("commit: %w: car is required", ErrInvalidWindow)
	}
	if err := s.validateWindow(in.StartTime, in.EndTime, now); err != nil {
		return model.Booking{}, fmt.Errorf("commit: %w", err)
	}
	if !actor.Admin && in.StartTime.Before(now.Add(-s.cfg.Granularity)) {
		return model.Booking{}, fmt.Errorf("commit: %w: start is in the past", ErrInvalidWindow)
	}

	b := model.Booking{
		ID:        uuid.NewString(),
		CarID:     in.CarID,
		UserID:    in.UserID,
		StartTime: in.StartTime.UTC(),
		EndTime:   in.EndTime.UTC(),
		Status:    status,
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("booking.id", b.ID))

	err = s.write(ctx, "commit", func(ctx context.Context, tx Tx) error {
		car, err := tx.LockCar(ctx, b.CarID)
		if err != nil {
			return err
		}
		if err := s.guard(ctx, tx, b.CarID, b.StartTime, b.EndTime, ""); err != nil {
			return err
		}
		b.PriceCents = 0
		if !b.Status.IsBlock() {
			b.PriceCents = pricing.Price(b.Duration(), car.HourlyRateCents)
		}
		if err := tx.Insert(ctx, b); err != nil {
			return err
		}
		evt, err := reservationEvent(TopicCreated, b, now, nil)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return model.Booking{}, err
	}
	s.cache.Invalidate(ctx, b.CarID)
	s.logger.Info("booking committed", "booking_id", b.ID, "car_id", b.CarID, "status", b.Status, "price_cents", b.PriceCents)
	return model.WithDerivedStatus(b, now), nil
}

// Extend moves the end of an upcoming or active booking to newEnd. The longer
// window is re-validated against the car's other bookings first; on conflict
// the booking is left untouched.
func (s *Service) Extend(ctx context.Context, actor Actor, bookingID string, newEnd time.Time) (_ model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Extend", trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer func() { endSpan(span, err) }()

	now := s.Now()
	newEnd = newEnd.UTC()
	var out model.Booking
	err = s.write(ctx, "extend", func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if !actor.owns(cur) {
			return ErrPermissionDenied
		}
		if model.Terminal(cur, now) {
			return fmt.Errorf("%w: booking is %s", ErrInvalidTransition, model.DeriveStatus(cur, now))
		}
		if !newEnd.After(cur.EndTime) {
			return fmt.Errorf("%w: new end must be after the current end", ErrInvalidWindow)
		}
		car, err := tx.LockCar(ctx, cur.CarID)
		if err != nil {
			return err
		}
		if err := s.guard(ctx, tx, cur.CarID, cur.StartTime, newEnd, cur.ID); err != nil {
			return err
		}

		added := newEnd.Sub(cur.EndTime)
		var cost int64
		if !cur.Status.IsBlock() {
			cost = pricing.Price(added, car.HourlyRateCents)
		}
		ext := model.Extension{
			ExtendedAt:          now,
			MinutesAdded:        int((added + time.Minute - 1) / time.Minute),
			AdditionalCostCents: cost,
		}
		cur.EndTime = newEnd
		cur.PriceCents += cost
		cur.UpdatedAt = now
		cur.ExtensionHistory = append(slices.Clone(cur.ExtensionHistory), ext)
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		evt, err := reservationEvent(TopicExtended, cur, now, func(e *ReservationEvent) {
			e.MinutesAdded = ext.MinutesAdded
			e.AdditionalCostCents = ext.AdditionalCostCents
		})
		if err != nil {
			return err
		}
		out = cur
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return model.Booking{}, err
	}
	s.cache.Invalidate(ctx, out.CarID)
	s.logger.Info("booking extended", "booking_id", out.ID, "car_id", out.CarID, "end_time", out.EndTime)
	return model.WithDerivedStatus(out, now), nil
}

// Cancel marks a booking cancelled. Cancelling a cancelled booking returns it
// unchanged and emits nothing.
func (s *Service) Cancel(ctx context.Context, actor Actor, bookingID, reason string) (_ model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer func() { endSpan(span, err) }()

	now := s.Now()
	var (
		out     model.Booking
		changed bool
	)
	err = s.write(ctx, "cancel", func(ctx context.Context, tx Tx) error {
		changed = false
		cur, err := tx.GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if !actor.owns(cur) {
			return ErrPermissionDenied
		}
		if cur.Status == model.StatusCancelled {
			out = cur
			return nil
		}
		if model.Terminal(cur, now) {
			return fmt.Errorf("%w: booking is %s", ErrInvalidTransition, model.DeriveStatus(cur, now))
		}
		cancelledAt := now
		cur.Status = model.StatusCancelled
		cur.CancelledAt = &cancelledAt
		cur.CancelReason = reason
		cur.UpdatedAt = now
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		evt, err := reservationEvent(TopicCancelled, cur, now, func(e *ReservationEvent) { e.Reason = reason })
		if err != nil {
			return err
		}
		out, changed = cur, true
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return model.Booking{}, err
	}
	if changed {
		s.cache.Invalidate(ctx, out.CarID)
		s.logger.Info("booking cancelled", "booking_id", out.ID, "car_id", out.CarID)
	}
	return out, nil
}

// Delete removes every copy of a non-terminal booking. Administrators only.
func (s *Service) Delete(ctx context.Context, actor Actor, bookingID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Delete", trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer func() { endSpan(span, err) }()

	if !actor.Admin {
		return fmt.Errorf("delete: %w", ErrPermissionDenied)
	}
	now := s.Now()
	var carID string
	err = s.write(ctx, "delete", func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if model.Terminal(cur, now) {
			return fmt.Errorf("%w: booking is %s", ErrInvalidTransition, model.DeriveStatus(cur, now))
		}
		if err := tx.Delete(ctx, cur); err != nil {
			return err
		}
		evt, err := reservationEvent(TopicDeleted, cur, now, nil)
		if err != nil {
			return err
		}
		carID = cur.CarID
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(ctx, carID)
	s.logger.Info("booking deleted", "booking_id", bookingID, "car_id", carID)
	return nil
}

func (s *Service) Get(ctx context.Context, actor Actor, bookingID string) (_ model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Get", trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer func() { endSpan(span, err) }()

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	started := time.Now()
	b, err := s.store.Get(opCtx, bookingID)
	metrics.ObserveStore("get", started)
	if err != nil {
		return model.Booking{}, classify("get booking", err)
	}
	if !actor.owns(b) {
		return model.Booking{}, fmt.Errorf("get booking: %w", ErrPermissionDenied)
	}
	return model.WithDerivedStatus(b, s.Now()), nil
}

// UserBookings lists a user's bookings, newest start first. An empty userID
// means the actor's own bookings.
func (s *Service) UserBookings(ctx context.Context, actor Actor, userID string, limit int) (_ []model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.UserBookings")
	defer func() { endSpan(span, err) }()

	if userID == "" {
		userID = actor.UserID
	}
	if userID == "" || (userID != actor.UserID && !actor.Admin) {
		return nil, fmt.Errorf("list bookings: %w", ErrPermissionDenied)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	started := time.Now()
	out, err := s.store.UserBookings(opCtx, userID, limit)
	metrics.ObserveStore("user_bookings", started)
	if err != nil {
		return nil, classify("list bookings", err)
	}
	now := s.Now()
	for i := range out {
		out[i] = model.WithDerivedStatus(out[i], now)
	}
	return out, nil
}

func (s *Service) validateWindow(start, end, now time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidWindow)
	}
	if !end.After(now) {
		return fmt.Errorf("%w: window is in the past", ErrInvalidWindow)
	}
	return nil
}

// guard is the conflict check run under the car lock.
func (s *Service) guard(ctx context.Context, tx Tx, carID string, start, end time.Time, excludeID string) error {
	buf := s.cfg.Buffer
	existing, err := tx.Timeline(ctx, carID, start.Add(-buf), end.Add(buf))
	if err != nil {
		return err
	}
	found := availability.Conflicts(existing, start, end, buf, excludeID)
	if len(found) == 0 {
		return nil
	}
	metrics.IncConflict("commit")
	ids := make([]string, 0, len(found))
	for _, b := range found {
		ids = append(ids, b.ID)
	}
	return &ConflictError{CarID: carID, BookingIDs: ids}
}

// write runs fn in a store transaction. Serialization failures re-run the whole
// transaction with exponential backoff; any other error aborts it.
func (s *Service) write(ctx context.Context, op string, fn func(context.Context, Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := s.opContext(ctx)
		defer cancel()
		started := time.Now()
		err := s.store.InTx(attemptCtx, fn)
		metrics.ObserveStore(op, started)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrSerialization):
			metrics.IncTxRetry()
			s.logger.Warn("write transaction aborted, retrying", "op", op, "err", err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(s.cfg.TxRetries)+1))

	metrics.ObserveWrite(op, outcome(err))
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func (s *Service) timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	started := time.Now()
	out, err := s.store.Timeline(ctx, carID, from, to)
	metrics.ObserveStore("timeline", started)
	if err != nil {
		return nil, classify("timeline", err)
	}
	return out, nil
}

func (s *Service) dayTimeline(ctx context.Context, carID string, dayStart, dayEnd time.Time) ([]model.Booking, error) {
	cached, version, ok := s.cache.Get(ctx, carID, dayStart)
	if ok {
		metrics.IncCacheLookup(true)
		return cached, nil
	}
	metrics.IncCacheLookup(false)
	// Bookings just outside the day still push their buffer into it.
	out, err := s.timeline(ctx, carID, dayStart.Add(-s.cfg.Buffer), dayEnd.Add(s.cfg.Buffer))
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, carID, version, dayStart, out)
	return out, nil
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

// classify maps store failures onto the error kinds callers branch on. Anything
// unrecognised, deadlines included, is reported as a transient store failure.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSerialization):
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	case isDomain(err), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
