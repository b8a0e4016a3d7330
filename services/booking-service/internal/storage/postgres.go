package storage

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/carshare/libs/db"
	otelx "github.com/md-rashed-zaman/carshare/libs/otel"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/outbox"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps the booking layout in postgres through pgx.
type PostgresStore struct {
	pool *db.Pool
}

var (
	_ booking.Store = (*PostgresStore)(nil)
	_ outbox.Store  = (*PostgresStore)(nil)
)

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const bookingColumns = `id, car_id, user_id, start_time, end_time, status, price_cents, notes,
	cancel_reason, cancelled_at, extension_history, created_at, updated_at`

const entryColumns = `booking_id, car_id, user_id, start_time, end_time, status, price_cents`

func (s *PostgresStore) Car(ctx context.Context, carID string) (model.Car, error) {
	car, err := scanCar(s.pool.QueryRow(ctx, `
		SELECT id, status, hourly_rate_cents, updated_at FROM cars WHERE id = $1
	`, carID))
	return car, translate(err)
}

func (s *PostgresStore) UpsertCar(ctx context.Context, car model.Car) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cars (id, status, hourly_rate_cents, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			hourly_rate_cents = EXCLUDED.hourly_rate_cents,
			updated_at = EXCLUDED.updated_at
	`, car.ID, car.Status, car.HourlyRateCents, car.UpdatedAt.UTC())
	return translate(err)
}

func (s *PostgresStore) Timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error) {
	if _, err := s.Car(ctx, carID); err != nil {
		return nil, err
	}
	return queryTimeline(ctx, s.pool, carID, from, to)
}

func (s *PostgresStore) Get(ctx context.Context, bookingID string) (model.Booking, error) {
	b, err := scanBooking(s.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID))
	return b, translate(err)
}

func (s *PostgresStore) UserBookings(ctx context.Context, userID string, limit int) ([]model.Booking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM user_bookings
		WHERE user_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, translate(err)
	}
	return collectEntries(rows)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(context.Context, booking.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return translate(err)
	}
	return translate(tx.Commit(ctx))
}

func (s *PostgresStore) PublishPending(ctx context.Context, limit int, fn func(context.Context, []outbox.Record) error) (int, error) {
	// The lease is taken in one autocommit statement; fn runs with no
	// transaction open.
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_events SET locked_until = now() + make_interval(secs => $2)
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE published_at IS NULL AND (locked_until IS NULL OR locked_until < now())
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate, created_at
	`, limit, outbox.Lease.Seconds())
	if err != nil {
		return 0, err
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
		var r outbox.Record
		err := row.Scan(&r.ID, &r.EventID, &r.AggregateType, &r.AggregateID, &r.EventType, &r.Payload, &r.Traceparent, &r.Tracestate, &r.CreatedAt)
		return r, err
	})
	if err != nil || len(records) == 0 {
		return 0, err
	}
	slices.SortFunc(records, func(a, b outbox.Record) int { return cmp.Compare(a.ID, b.ID) })

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if err := fn(ctx, records); err != nil {
		_, _ = s.pool.Exec(ctx, `UPDATE outbox_events SET locked_until = NULL WHERE id = ANY($1)`, ids)
		return 0, err
	}
	if _, err := s.pool.Exec(ctx, `UPDATE outbox_events SET published_at = now(), locked_until = NULL WHERE id = ANY($1)`, ids); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ApplyCarEvent records eventID in the inbox and upserts the car in one
// transaction. It reports false when the event was already applied.
func (s *PostgresStore) ApplyCarEvent(ctx context.Context, eventID, eventType string, car model.Car) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO cars (id, status, hourly_rate_cents, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			hourly_rate_cents = EXCLUDED.hourly_rate_cents,
			updated_at = EXCLUDED.updated_at
		WHERE cars.updated_at <= EXCLUDED.updated_at
	`, car.ID, car.Status, car.HourlyRateCents, car.UpdatedAt.UTC()); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockCar(ctx context.Context, carID string) (model.Car, error) {
	return scanCar(t.tx.QueryRow(ctx, `
		SELECT id, status, hourly_rate_cents, updated_at FROM cars WHERE id = $1 FOR UPDATE
	`, carID))
}

func (t *pgTx) Timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error) {
	return queryTimeline(ctx, t.tx, carID, from, to)
}

func (t *pgTx) GetForUpdate(ctx context.Context, bookingID string) (model.Booking, error) {
	return scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, bookingID))
}

func (t *pgTx) Insert(ctx context.Context, b model.Booking) error {
	history, err := json.Marshal(extensions(b.ExtensionHistory))
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, b.ID, b.CarID, b.UserID, b.StartTime.UTC(), b.EndTime.UTC(), b.Status, b.PriceCents, b.Notes,
		b.CancelReason, b.CancelledAt, history, b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if err := expectOne("bookings", tag.RowsAffected()); err != nil {
		return err
	}

	tag, err = t.tx.Exec(ctx, `
		INSERT INTO car_bookings (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.CarID, b.UserID, b.StartTime.UTC(), b.EndTime.UTC(), b.Status, b.PriceCents)
	if err != nil {
		return err
	}
	if err := expectOne("car_bookings", tag.RowsAffected()); err != nil {
		return err
	}

	if b.UserID == "" {
		return nil
	}
	tag, err = t.tx.Exec(ctx, `
		INSERT INTO user_bookings (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.CarID, b.UserID, b.StartTime.UTC(), b.EndTime.UTC(), b.Status, b.PriceCents)
	if err != nil {
		return err
	}
	return expectOne("user_bookings", tag.RowsAffected())
}

func (t *pgTx) Update(ctx context.Context, b model.Booking) error {
	history, err := json.Marshal(extensions(b.ExtensionHistory))
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET end_time = $2,
			status = $3,
			price_cents = $4,
			notes = $5,
			cancel_reason = $6,
			cancelled_at = $7,
			extension_history = $8,
			updated_at = $9
		WHERE id = $1
	`, b.ID, b.EndTime.UTC(), b.Status, b.PriceCents, b.Notes, b.CancelReason, b.CancelledAt, history, b.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	if err := expectOne("bookings", tag.RowsAffected()); err != nil {
		return err
	}

	tag, err = t.tx.Exec(ctx, `
		UPDATE car_bookings SET end_time = $3, status = $4, price_cents = $5
		WHERE car_id = $1 AND booking_id = $2
	`, b.CarID, b.ID, b.EndTime.UTC(), b.Status, b.PriceCents)
	if err != nil {
		return err
	}
	if err := expectOne("car_bookings", tag.RowsAffected()); err != nil {
		return err
	}

	if b.UserID == "" {
		return nil
	}
	tag, err = t.tx.Exec(ctx, `
		UPDATE user_bookings SET end_time = $3, status = $4, price_cents = $5
		WHERE user_id = $1 AND booking_id = $2
	`, b.UserID, b.ID, b.EndTime.UTC(), b.Status, b.PriceCents)
	if err != nil {
		return err
	}
	return expectOne("user_bookings", tag.RowsAffected())
}

func (t *pgTx) Delete(ctx context.Context, b model.Booking) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM bookings WHERE id = $1`, b.ID)
	if err != nil {
		return err
	}
	if err := expectOne("bookings", tag.RowsAffected()); err != nil {
		return err
	}
	tag, err = t.tx.Exec(ctx, `DELETE FROM car_bookings WHERE car_id = $1 AND booking_id = $2`, b.CarID, b.ID)
	if err != nil {
		return err
	}
	if err := expectOne("car_bookings", tag.RowsAffected()); err != nil {
		return err
	}
	if b.UserID == "" {
		return nil
	}
	tag, err = t.tx.Exec(ctx, `DELETE FROM user_bookings WHERE user_id = $1 AND booking_id = $2`, b.UserID, b.ID)
	if err != nil {
		return err
	}
	return expectOne("user_bookings", tag.RowsAffected())
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.EventID, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryTimeline(ctx context.Context, q querier, carID string, from, to time.Time) ([]model.Booking, error) {
	rows, err := q.Query(ctx, `
		SELECT `+entryColumns+`
		FROM car_bookings
		WHERE car_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, carID, from.UTC(), to.UTC())
	if err != nil {
		return nil, translate(err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]model.Booking, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Booking, error) {
		var b model.Booking
		err := row.Scan(&b.ID, &b.CarID, &b.UserID, &b.StartTime, &b.EndTime, &b.Status, &b.PriceCents)
		b.StartTime, b.EndTime = b.StartTime.UTC(), b.EndTime.UTC()
		return b, err
	})
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func scanCar(row pgx.Row) (model.Car, error) {
	var car model.Car
	if err := row.Scan(&car.ID, &car.Status, &car.HourlyRateCents, &car.UpdatedAt); err != nil {
		return model.Car{}, err
	}
	return car, nil
}

func scanBooking(row pgx.Row) (model.Booking, error) {
	var (
		b       model.Booking
		history []byte
	)
	err := row.Scan(&b.ID, &b.CarID, &b.UserID, &b.StartTime, &b.EndTime, &b.Status, &b.PriceCents, &b.Notes,
		&b.CancelReason, &b.CancelledAt, &history, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return model.Booking{}, err
	}
	b.StartTime, b.EndTime = b.StartTime.UTC(), b.EndTime.UTC()
	b.CreatedAt, b.UpdatedAt = b.CreatedAt.UTC(), b.UpdatedAt.UTC()
	if len(history) > 0 {
		if err := json.Unmarshal(history, &b.ExtensionHistory); err != nil {
			return model.Booking{}, fmt.Errorf("decode extension history of %s: %w", b.ID, err)
		}
	}
	return b, nil
}

func extensions(in []model.Extension) []model.Extension {
	if in == nil {
		return []model.Extension{}
	}
	return in
}
