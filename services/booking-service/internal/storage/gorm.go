package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	otelx "github.com/md-rashed-zaman/carshare/libs/otel"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/outbox"
)

type carRow struct {
	ID              string    `gorm:"primaryKey"`
	Status          string    `gorm:"not null"`
	HourlyRateCents int64     `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (carRow) TableName() string { return "cars" }

type bookingRow struct {
	ID               string `gorm:"primaryKey"`
	CarID            string `gorm:"index;not null"`
	UserID           string `gorm:"index"`
	StartTime        time.Time
	EndTime          time.Time
	Status           string `gorm:"not null"`
	PriceCents       int64
	Notes            string
	CancelReason     string
	CancelledAt      *time.Time
	ExtensionHistory datatypes.JSONSlice[model.Extension]
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
}

func (bookingRow) TableName() string { return "bookings" }

type carBookingRow struct {
	CarID      string `gorm:"primaryKey"`
	BookingID  string `gorm:"primaryKey"`
	UserID     string
	StartTime  time.Time `gorm:"index"`
	EndTime    time.Time
	Status     string
	PriceCents int64
}

func (carBookingRow) TableName() string { return "car_bookings" }

type userBookingRow struct {
	UserID     string `gorm:"primaryKey"`
	BookingID  string `gorm:"primaryKey"`
	CarID      string
	StartTime  time.Time `gorm:"index"`
	EndTime    time.Time
	Status     string
	PriceCents int64
}

func (userBookingRow) TableName() string { return "user_bookings" }

type outboxRow struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	EventID       string `gorm:"uniqueIndex;not null"`
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
	PublishedAt   *time.Time `gorm:"index"`
	LockedUntil   *time.Time
}

func (outboxRow) TableName() string { return "outbox_events" }

type inboxRow struct {
	EventID     string `gorm:"primaryKey"`
	EventType   string
	ProcessedAt time.Time
}

func (inboxRow) TableName() string { return "inbox_events" }

// OpenGorm opens a gorm connection for driver "sqlite" or "postgres".
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}
}

// GormStore keeps the booking layout through gorm. With sqlite it is the
// embedded backend; sqlite has no row locks, so writers are serialized by the
// database-level write lock instead of LockCar.
type GormStore struct {
	db *gorm.DB
}

var (
	_ booking.Store = (*GormStore)(nil)
	_ outbox.Store  = (*GormStore)(nil)
)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&carRow{}, &bookingRow{}, &carBookingRow{}, &userBookingRow{}, &outboxRow{}, &inboxRow{})
}

func (s *GormStore) Car(ctx context.Context, carID string) (model.Car, error) {
	var row carRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", carID).Error; err != nil {
		return model.Car{}, translate(err)
	}
	return row.model(), nil
}

func (s *GormStore) UpsertCar(ctx context.Context, car model.Car) error {
	return translate(upsertCar(s.db.WithContext(ctx), car, false))
}

func (s *GormStore) Timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error) {
	if _, err := s.Car(ctx, carID); err != nil {
		return nil, err
	}
	out, err := gormTimeline(s.db.WithContext(ctx), carID, from, to)
	return out, translate(err)
}

func (s *GormStore) Get(ctx context.Context, bookingID string) (model.Booking, error) {
	var row bookingRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", bookingID).Error; err != nil {
		return model.Booking{}, translate(err)
	}
	return row.model(), nil
}

func (s *GormStore) UserBookings(ctx context.Context, userID string, limit int) ([]model.Booking, error) {
	var rows []userBookingRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]model.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *GormStore) InTx(ctx context.Context, fn func(context.Context, booking.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{db: tx, locks: s.rowLocks()})
	})
	return translate(err)
}

func (s *GormStore) PublishPending(ctx context.Context, limit int, fn func(context.Context, []outbox.Record) error) (int, error) {
	now := time.Now().UTC()
	var rows []outboxRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("published_at IS NULL AND (locked_until IS NULL OR locked_until < ?)", now).Order("id").Limit(limit)
		if s.rowLocks() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Model(&outboxRow{}).Where("id IN ?", outboxIDs(rows)).Update("locked_until", now.Add(outbox.Lease)).Error
	})
	if err != nil || len(rows) == 0 {
		return 0, err
	}

	records := make([]outbox.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, outbox.Record{
			ID:            r.ID,
			EventID:       r.EventID,
			AggregateType: r.AggregateType,
			AggregateID:   r.AggregateID,
			EventType:     r.EventType,
			Payload:       r.Payload,
			Traceparent:   r.Traceparent,
			Tracestate:    r.Tracestate,
			CreatedAt:     r.CreatedAt,
		})
	}
	ids := outboxIDs(rows)
	if err := fn(ctx, records); err != nil {
		// Release the lease so the next poll retries without waiting it out.
		_ = s.db.WithContext(ctx).Model(&outboxRow{}).Where("id IN ?", ids).Update("locked_until", nil).Error
		return 0, err
	}
	err = s.db.WithContext(ctx).Model(&outboxRow{}).Where("id IN ?", ids).Updates(map[string]any{
		"published_at": time.Now().UTC(),
		"locked_until": nil,
	}).Error
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func outboxIDs(rows []outboxRow) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}

// ApplyCarEvent records eventID in the inbox and upserts the car in one
// transaction. It reports false when the event was already applied.
func (s *GormStore) ApplyCarEvent(ctx context.Context, eventID, eventType string, car model.Car) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&inboxRow{
			EventID:     eventID,
			EventType:   eventType,
			ProcessedAt: time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return upsertCar(tx, car, true)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *GormStore) rowLocks() bool {
	return s.db.Dialector.Name() == "postgres"
}

type gormTx struct {
	db    *gorm.DB
	locks bool
}

func (t *gormTx) forUpdate() *gorm.DB {
	if t.locks {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func (t *gormTx) LockCar(ctx context.Context, carID string) (model.Car, error) {
	var row carRow
	if err := t.forUpdate().WithContext(ctx).First(&row, "id = ?", carID).Error; err != nil {
		return model.Car{}, err
	}
	return row.model(), nil
}

func (t *gormTx) Timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error) {
	return gormTimeline(t.db.WithContext(ctx), carID, from, to)
}

func (t *gormTx) GetForUpdate(ctx context.Context, bookingID string) (model.Booking, error) {
	var row bookingRow
	if err := t.forUpdate().WithContext(ctx).First(&row, "id = ?", bookingID).Error; err != nil {
		return model.Booking{}, err
	}
	return row.model(), nil
}

func (t *gormTx) Insert(ctx context.Context, b model.Booking) error {
	db := t.db.WithContext(ctx)
	row := newBookingRow(b)
	res := db.Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if err := expectOne("bookings", res.RowsAffected); err != nil {
		return err
	}

	entry := newCarBookingRow(b)
	res = db.Create(&entry)
	if res.Error != nil {
		return res.Error
	}
	if err := expectOne("car_bookings", res.RowsAffected); err != nil {
		return err
	}

	if b.UserID == "" {
		return nil
	}
	userEntry := newUserBookingRow(b)
	res = db.Create(&userEntry)
	if res.Error != nil {
		return res.Error
	}
	return expectOne("user_bookings", res.RowsAffected)
}

func (t *gormTx) Update(ctx context.Context, b model.Booking) error {
	db := t.db.WithContext(ctx)
	res := db.Model(&bookingRow{}).Where("id = ?", b.ID).Updates(map[string]any{
		"end_time":          b.EndTime.UTC(),
		"status":            string(b.Status),
		"price_cents":       b.PriceCents,
		"notes":             b.Notes,
		"cancel_reason":     b.CancelReason,
		"cancelled_at":      utcPtr(b.CancelledAt),
		"extension_history": datatypes.NewJSONSlice(extensions(b.ExtensionHistory)),
		"updated_at":        b.UpdatedAt.UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if err := expectOne("bookings", res.RowsAffected); err != nil {
		return err
	}

	entry := map[string]any{
		"end_time":    b.EndTime.UTC(),
		"status":      string(b.Status),
		"price_cents": b.PriceCents,
	}
	res = db.Model(&carBookingRow{}).Where("car_id = ? AND booking_id = ?", b.CarID, b.ID).Updates(entry)
	if res.Error != nil {
		return res.Error
	}
	if err := expectOne("car_bookings", res.RowsAffected); err != nil {
		return err
	}

	if b.UserID == "" {
		return nil
	}
	res = db.Model(&userBookingRow{}).Where("user_id = ? AND booking_id = ?", b.UserID, b.ID).Updates(entry)
	if res.Error != nil {
		return res.Error
	}
	return expectOne("user_bookings", res.RowsAffected)
}

func (t *gormTx) Delete(ctx context.Context, b model.Booking) error {
	db := t.db.WithContext(ctx)
	res := db.Where("id = ?", b.ID).Delete(&bookingRow{})
	if res.Error != nil {
		return res.Error
	}
	if err := expectOne("bookings", res.RowsAffected); err != nil {
		return err
	}
	res = db.Where("car_id = ? AND booking_id = ?", b.CarID, b.ID).Delete(&carBookingRow{})
	if res.Error != nil {
		return res.Error
	}
	if err := expectOne("car_bookings", res.RowsAffected); err != nil {
		return err
	}
	if b.UserID == "" {
		return nil
	}
	res = db.Where("user_id = ? AND booking_id = ?", b.UserID, b.ID).Delete(&userBookingRow{})
	if res.Error != nil {
		return res.Error
	}
	return expectOne("user_bookings", res.RowsAffected)
}

func (t *gormTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return t.db.WithContext(ctx).Create(&outboxRow{
		EventID:       evt.EventID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
		CreatedAt:     time.Now().UTC(),
	}).Error
}

func gormTimeline(db *gorm.DB, carID string, from, to time.Time) ([]model.Booking, error) {
	var rows []carBookingRow
	err := db.
		Where("car_id = ? AND status <> ?", carID, string(model.StatusCancelled)).
		Where("start_time < ? AND end_time > ?", to.UTC(), from.UTC()).
		Order("start_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func upsertCar(db *gorm.DB, car model.Car, onlyNewer bool) error {
	row := carRow{
		ID:              car.ID,
		Status:          string(car.Status),
		HourlyRateCents: car.HourlyRateCents,
		UpdatedAt:       car.UpdatedAt.UTC(),
	}
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "hourly_rate_cents", "updated_at"}),
	}
	if onlyNewer {
		onConflict.Where = clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "cars.updated_at <= excluded.updated_at"},
		}}
	}
	return db.Clauses(onConflict).Create(&row).Error
}

func newBookingRow(b model.Booking) bookingRow {
	return bookingRow{
		ID:               b.ID,
		CarID:            b.CarID,
		UserID:           b.UserID,
		StartTime:        b.StartTime.UTC(),
		EndTime:          b.EndTime.UTC(),
		Status:           string(b.Status),
		PriceCents:       b.PriceCents,
		Notes:            b.Notes,
		CancelReason:     b.CancelReason,
		CancelledAt:      utcPtr(b.CancelledAt),
		ExtensionHistory: datatypes.NewJSONSlice(extensions(b.ExtensionHistory)),
		CreatedAt:        b.CreatedAt.UTC(),
		UpdatedAt:        b.UpdatedAt.UTC(),
	}
}

func newCarBookingRow(b model.Booking) carBookingRow {
	return carBookingRow{
		CarID:      b.CarID,
		BookingID:  b.ID,
		UserID:     b.UserID,
		StartTime:  b.StartTime.UTC(),
		EndTime:    b.EndTime.UTC(),
		Status:     string(b.Status),
		PriceCents: b.PriceCents,
	}
}

func newUserBookingRow(b model.Booking) userBookingRow {
	return userBookingRow{
		UserID:     b.UserID,
		BookingID:  b.ID,
		CarID:      b.CarID,
		StartTime:  b.StartTime.UTC(),
		EndTime:    b.EndTime.UTC(),
		Status:     string(b.Status),
		PriceCents: b.PriceCents,
	}
}

func (r carRow) model() model.Car {
	return model.Car{
		ID:              r.ID,
		Status:          model.CarStatus(r.Status),
		HourlyRateCents: r.HourlyRateCents,
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func (r bookingRow) model() model.Booking {
	b := model.Booking{
		ID:           r.ID,
		CarID:        r.CarID,
		UserID:       r.UserID,
		StartTime:    r.StartTime.UTC(),
		EndTime:      r.EndTime.UTC(),
		Status:       model.Status(r.Status),
		PriceCents:   r.PriceCents,
		Notes:        r.Notes,
		CancelReason: r.CancelReason,
		CancelledAt:  utcPtr(r.CancelledAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if len(r.ExtensionHistory) > 0 {
		b.ExtensionHistory = []model.Extension(r.ExtensionHistory)
	}
	return b
}

func (r carBookingRow) model() model.Booking {
	return model.Booking{
		ID:         r.BookingID,
		CarID:      r.CarID,
		UserID:     r.UserID,
		StartTime:  r.StartTime.UTC(),
		EndTime:    r.EndTime.UTC(),
		Status:     model.Status(r.Status),
		PriceCents: r.PriceCents,
	}
}

func (r userBookingRow) model() model.Booking {
	return model.Booking{
		ID:         r.BookingID,
		CarID:      r.CarID,
		UserID:     r.UserID,
		StartTime:  r.StartTime.UTC(),
		EndTime:    r.EndTime.UTC(),
		Status:     model.Status(r.Status),
		PriceCents: r.PriceCents,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
