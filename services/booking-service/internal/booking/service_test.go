package booking_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/cache"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/storage/storagetest"
)

var day = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	svc   *booking.Service
	store *storage.GormStore
	clock *clock
}

var (
	alice = booking.Actor{UserID: "alice"}
	bob   = booking.Actor{UserID: "bob"}
	admin = booking.Actor{UserID: "ops", Admin: true}
)

func newFixture(t *testing.T, opts ...booking.Option) fixture {
	t.Helper()
	store := storagetest.NewSQLite(t)
	storagetest.SeedCar(t, store, "car-1", 1200)
	storagetest.SeedCar(t, store, "car-2", 2000)
	c := &clock{t: at(8, 0)}
	svc := booking.NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)), booking.Config{
		Buffer:      15 * time.Minute,
		Granularity: 15 * time.Minute,
		TxRetries:   3,
		Now:         c.Now,
	}, opts...)
	return fixture{svc: svc, store: store, clock: c}
}

func (f fixture) commit(t *testing.T, actor booking.Actor, carID string, start, end time.Time) model.Booking {
	t.Helper()
	b, err := f.svc.Commit(context.Background(), actor, booking.NewBooking{CarID: carID, StartTime: start, EndTime: end})
	if err != nil {
		t.Fatalf("commit %s-%s: %v", start.Format("15:04"), end.Format("15:04"), err)
	}
	return b
}

func (f fixture) events(t *testing.T) []outbox.Record {
	t.Helper()
	var out []outbox.Record
	_, err := f.store.PublishPending(context.Background(), 100, func(_ context.Context, records []outbox.Record) error {
		out = append(out, records...)
		return nil
	})
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	return out
}

func TestCommit_PricesAndWritesEvent(t *testing.T) {
	f := newFixture(t)
	b := f.commit(t, alice, "car-1", at(10, 0), at(11, 30))

	if b.ID == "" || b.UserID != "alice" || b.Status != model.StatusUpcoming {
		t.Fatalf("unexpected booking %+v", b)
	}
	if b.PriceCents != 1800 {
		t.Fatalf("expected 1800 cents for 90m at 1200/h, got %d", b.PriceCents)
	}

	events := f.events(t)
	if len(events) != 1 || events[0].EventType != booking.TopicCreated || events[0].AggregateID != b.ID {
		t.Fatalf("unexpected events %+v", events)
	}
	var payload booking.ReservationEvent
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CarID != "car-1" || payload.PriceCents != 1800 || !payload.StartTime.Equal(at(10, 0)) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestCommit_ConflictWithBuffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.commit(t, alice, "car-1", at(10, 0), at(11, 0))

	conflict, err := f.svc.HasConflict(ctx, "car-1", at(10, 50), at(11, 30), 15*time.Minute)
	if err != nil || !conflict {
		t.Fatalf("expected conflict for 10:50-11:30, got %v %v", conflict, err)
	}

	_, err = f.svc.Commit(ctx, bob, booking.NewBooking{CarID: "car-1", StartTime: at(11, 10), EndTime: at(12, 0)})
	var ce *booking.ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(ce.BookingIDs) != 1 || ce.BookingIDs[0] != existing.ID {
		t.Fatalf("expected conflict with %s, got %v", existing.ID, ce.BookingIDs)
	}

	f.commit(t, bob, "car-1", at(11, 15), at(12, 0))
	f.commit(t, bob, "car-2", at(10, 0), at(11, 0))
}

func TestCommit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		actor booking.Actor
		in    booking.NewBooking
		want  error
	}{
		{"end before start", alice, booking.NewBooking{CarID: "car-1", StartTime: at(11, 0), EndTime: at(10, 0)}, booking.ErrInvalidWindow},
		{"empty window", alice, booking.NewBooking{CarID: "car-1", StartTime: at(11, 0), EndTime: at(11, 0)}, booking.ErrInvalidWindow},
		{"in the past", alice, booking.NewBooking{CarID: "car-1", StartTime: at(6, 0), EndTime: at(7, 0)}, booking.ErrInvalidWindow},
		{"block by customer", alice, booking.NewBooking{CarID: "car-1", StartTime: at(11, 0), EndTime: at(12, 0), Status: model.StatusMaintenance}, booking.ErrPermissionDenied},
		{"on behalf of other", alice, booking.NewBooking{CarID: "car-1", UserID: "bob", StartTime: at(11, 0), EndTime: at(12, 0)}, booking.ErrPermissionDenied},
		{"anonymous", booking.Actor{}, booking.NewBooking{CarID: "car-1", StartTime: at(11, 0), EndTime: at(12, 0)}, booking.ErrPermissionDenied},
		{"created completed", admin, booking.NewBooking{CarID: "car-1", StartTime: at(11, 0), EndTime: at(12, 0), Status: model.StatusCompleted}, booking.ErrInvalidTransition},
		{"unknown car", alice, booking.NewBooking{CarID: "car-404", StartTime: at(11, 0), EndTime: at(12, 0)}, booking.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := f.svc.Commit(ctx, tc.actor, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestCommit_AdminBlocksAndBooksForUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block, err := f.svc.Commit(ctx, admin, booking.NewBooking{CarID: "car-1", UserID: "ignored", StartTime: at(9, 0), EndTime: at(12, 0), Status: model.StatusRepair})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if block.UserID != "" || block.PriceCents != 0 || block.Status != model.StatusRepair {
		t.Fatalf("unexpected block %+v", block)
	}

	onBehalf, err := f.svc.Commit(ctx, admin, booking.NewBooking{CarID: "car-1", UserID: "bob", StartTime: at(13, 0), EndTime: at(14, 0)})
	if err != nil {
		t.Fatalf("book for bob: %v", err)
	}
	mine, err := f.svc.UserBookings(ctx, bob, "", 0)
	if err != nil || len(mine) != 1 || mine[0].ID != onBehalf.ID {
		t.Fatalf("expected bob's booking listed, got %+v %v", mine, err)
	}
	if _, err := f.svc.UserBookings(ctx, alice, "bob", 0); !errors.Is(err, booking.ErrPermissionDenied) {
		t.Fatalf("expected permission denied listing another user, got %v", err)
	}
}

func TestCommit_ConcurrentWritersSingleWinner(t *testing.T) {
	f := newFixture(t)
	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := booking.Actor{UserID: string(rune('a' + i))}
			_, err := f.svc.Commit(context.Background(), actor, booking.NewBooking{
				CarID:     "car-1",
				StartTime: at(10, 0).Add(time.Duration(i) * 5 * time.Minute),
				EndTime:   at(11, 0).Add(time.Duration(i) * 5 * time.Minute),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, booking.ErrConflict):
				conflicts++
			default:
				t.Errorf("writer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", writers-1, wins, conflicts)
	}
	timeline, err := f.svc.Timeline(context.Background(), "car-1", day, day.Add(24*time.Hour))
	if err != nil || len(timeline) != 1 {
		t.Fatalf("expected exactly one booking on the timeline, got %d (%v)", len(timeline), err)
	}
}

func TestExtend_RejectedWhenNewEndConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	active := f.commit(t, alice, "car-1", at(11, 0), at(12, 0))
	f.commit(t, bob, "car-1", at(12, 30), at(13, 30))
	f.clock.Set(at(11, 30))

	_, err := f.svc.Extend(ctx, alice, active.ID, at(13, 0))
	if !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	unchanged, err := f.svc.Get(ctx, alice, active.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !unchanged.EndTime.Equal(at(12, 0)) || unchanged.PriceCents != active.PriceCents || len(unchanged.ExtensionHistory) != 0 {
		t.Fatalf("expected booking untouched after rejected extension, got %+v", unchanged)
	}

	extended, err := f.svc.Extend(ctx, alice, active.ID, at(12, 15))
	if err != nil {
		t.Fatalf("extend to 12:15: %v", err)
	}
	if extended.Status != model.StatusActive || !extended.EndTime.Equal(at(12, 15)) {
		t.Fatalf("unexpected extended booking %+v", extended)
	}
	if extended.PriceCents != active.PriceCents+300 {
		t.Fatalf("expected price +300, got %d -> %d", active.PriceCents, extended.PriceCents)
	}
	if len(extended.ExtensionHistory) != 1 || extended.ExtensionHistory[0].MinutesAdded != 15 || extended.ExtensionHistory[0].AdditionalCostCents != 300 {
		t.Fatalf("unexpected history %+v", extended.ExtensionHistory)
	}

	events := f.events(t)
	if last := events[len(events)-1]; last.EventType != booking.TopicExtended {
		t.Fatalf("expected extended event last, got %s", last.EventType)
	}
}

func TestExtend_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.commit(t, alice, "car-1", at(9, 0), at(10, 0))

	if _, err := f.svc.Extend(ctx, bob, b.ID, at(11, 0)); !errors.Is(err, booking.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := f.svc.Extend(ctx, alice, b.ID, at(9, 30)); !errors.Is(err, booking.ErrInvalidWindow) {
		t.Fatalf("expected invalid window, got %v", err)
	}
	if _, err := f.svc.Extend(ctx, alice, "missing", at(11, 0)); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	f.clock.Set(at(10, 30))
	if _, err := f.svc.Extend(ctx, alice, b.ID, at(11, 0)); !errors.Is(err, booking.ErrInvalidTransition) {
		t.Fatalf("expected completed booking to reject extension, got %v", err)
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.commit(t, alice, "car-1", at(10, 0), at(11, 0))

	if _, err := f.svc.Cancel(ctx, bob, b.ID, "mine now"); !errors.Is(err, booking.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	first, err := f.svc.Cancel(ctx, alice, b.ID, "plans changed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.Status != model.StatusCancelled || first.CancelledAt == nil || first.CancelReason != "plans changed" {
		t.Fatalf("unexpected cancelled booking %+v", first)
	}

	f.clock.Set(at(9, 0))
	second, err := f.svc.Cancel(ctx, alice, b.ID, "again")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !second.CancelledAt.Equal(*first.CancelledAt) || second.CancelReason != "plans changed" {
		t.Fatalf("second cancel changed the booking: %+v", second)
	}

	var cancelled int
	for _, e := range f.events(t) {
		if e.EventType == booking.TopicCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Fatalf("expected one cancelled event, got %d", cancelled)
	}

	// The window is free again.
	f.commit(t, bob, "car-1", at(10, 0), at(11, 0))
	if _, err := f.svc.Extend(ctx, alice, b.ID, at(12, 0)); !errors.Is(err, booking.ErrInvalidTransition) {
		t.Fatalf("expected cancelled booking to be terminal, got %v", err)
	}
}

func TestCancel_CompletedRejected(t *testing.T) {
	f := newFixture(t)
	b := f.commit(t, alice, "car-1", at(9, 0), at(10, 0))
	f.clock.Set(at(12, 0))

	if _, err := f.svc.Cancel(context.Background(), alice, b.ID, ""); !errors.Is(err, booking.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := f.svc.Get(context.Background(), alice, b.ID)
	if err != nil || got.Status != model.StatusCompleted {
		t.Fatalf("expected completed status, got %+v %v", got, err)
	}
}

func TestDelete_AdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.commit(t, alice, "car-1", at(10, 0), at(11, 0))

	if err := f.svc.Delete(ctx, alice, b.ID); !errors.Is(err, booking.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := f.svc.Delete(ctx, admin, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, admin, b.ID); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	mine, err := f.svc.UserBookings(ctx, alice, "", 10)
	if err != nil || len(mine) != 0 {
		t.Fatalf("expected user index cleared, got %+v %v", mine, err)
	}

	cancelled := f.commit(t, alice, "car-1", at(13, 0), at(14, 0))
	if _, err := f.svc.Cancel(ctx, alice, cancelled.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.svc.Delete(ctx, admin, cancelled.ID); !errors.Is(err, booking.ErrInvalidTransition) {
		t.Fatalf("expected cancelled booking to be kept, got %v", err)
	}
}

func TestGet_Permissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.commit(t, alice, "car-1", at(10, 0), at(11, 0))

	if _, err := f.svc.Get(ctx, bob, b.ID); !errors.Is(err, booking.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := f.svc.Get(ctx, admin, b.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	if _, err := f.svc.Get(ctx, alice, "missing"); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type memCache struct {
	mu          sync.Mutex
	versions    map[string]int64
	entries     map[string][]model.Booking
	invalidated []string
}

func (c *memCache) key(carID string, version int64, dayStart time.Time) string {
	return fmt.Sprintf("%s/%d/%d", carID, version, dayStart.Unix())
}

func (c *memCache) Get(_ context.Context, carID string, dayStart time.Time) ([]model.Booking, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	version := c.versions[carID]
	b, ok := c.entries[c.key(carID, version, dayStart)]
	return b, version, ok
}

func (c *memCache) Set(_ context.Context, carID string, version int64, dayStart time.Time, bookings []model.Booking) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string][]model.Booking{}
	}
	c.entries[c.key(carID, version, dayStart)] = bookings
}

func (c *memCache) Invalidate(_ context.Context, carID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions == nil {
		c.versions = map[string]int64{}
	}
	c.versions[carID]++
	c.invalidated = append(c.invalidated, carID)
	prefix := carID + "/"
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

func TestFreeSlots_UsesCacheAndInvalidatesOnWrite(t *testing.T) {
	mc := &memCache{}
	f := newFixture(t, booking.WithCache(mc))
	ctx := context.Background()
	f.commit(t, alice, "car-1", at(10, 0), at(11, 0))

	got, err := f.svc.FreeSlots(ctx, "car-1", at(12, 0))
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if len(got.Slots) != 2 || !got.Slots[0].End.Equal(at(9, 45)) || !got.Slots[1].Start.Equal(at(11, 15)) {
		t.Fatalf("unexpected slots %+v", got.Slots)
	}
	if !got.StartTimes[0].Equal(at(8, 0)) {
		t.Fatalf("expected first start 08:00, got %s", got.StartTimes[0])
	}
	if len(mc.entries) != 1 {
		t.Fatalf("expected timeline cached, got %d entries", len(mc.entries))
	}

	f.commit(t, bob, "car-1", at(14, 0), at(15, 0))
	if len(mc.invalidated) != 2 || len(mc.entries) != 0 {
		t.Fatalf("expected invalidation per write, got %v", mc.invalidated)
	}
	got, err = f.svc.FreeSlots(ctx, "car-1", at(12, 0))
	if err != nil || len(got.Slots) != 3 {
		t.Fatalf("expected fresh slots after write, got %+v %v", got.Slots, err)
	}

	durs, err := f.svc.Durations(ctx, "car-1", at(11, 15))
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	if len(durs) != 10 || durs[len(durs)-1] != 2*time.Hour+30*time.Minute {
		t.Fatalf("unexpected durations %v", durs)
	}
}

// commitDuringRead commits a booking right after the first timeline read
// returns, before the caller gets to fill its cache.
type commitDuringRead struct {
	booking.Store
	once   sync.Once
	commit func()
}

func (s *commitDuringRead) Timeline(ctx context.Context, carID string, from, to time.Time) ([]model.Booking, error) {
	out, err := s.Store.Timeline(ctx, carID, from, to)
	if err == nil && s.commit != nil {
		s.once.Do(s.commit)
	}
	return out, err
}

func TestFreeSlots_FillRacingCommitIsNotServed(t *testing.T) {
	base := storagetest.NewSQLite(t)
	storagetest.SeedCar(t, base, "car-1", 1200)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := &commitDuringRead{Store: base}
	svc := booking.NewService(store, logger, booking.Config{
		Now: func() time.Time { return at(8, 0) },
	}, booking.WithCache(cache.NewTimelineCache(rdb, logger, "test", time.Minute)))
	ctx := context.Background()
	store.commit = func() {
		if _, err := svc.Commit(ctx, alice, booking.NewBooking{CarID: "car-1", StartTime: at(10, 0), EndTime: at(11, 0)}); err != nil {
			t.Errorf("concurrent commit: %v", err)
		}
	}

	if got, err := svc.FreeSlots(ctx, "car-1", day); err != nil || len(got.Slots) != 1 {
		t.Fatalf("first read predates the booking, got %+v %v", got.Slots, err)
	}

	got, err := svc.FreeSlots(ctx, "car-1", day)
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	if len(got.Slots) != 2 || !got.Slots[0].End.Equal(at(9, 45)) || !got.Slots[1].Start.Equal(at(11, 15)) {
		t.Fatalf("committed booking must be visible, got %+v", got.Slots)
	}
}

func TestFreeSlots_UnknownCar(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.FreeSlots(context.Background(), "car-404", day); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type flakyStore struct {
	booking.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) InTx(ctx context.Context, fn func(context.Context, booking.Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return booking.ErrSerialization
	}
	return s.Store.InTx(ctx, fn)
}

func TestWrite_RetriesSerializationFailures(t *testing.T) {
	base := storagetest.NewSQLite(t)
	storagetest.SeedCar(t, base, "car-1", 1200)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return at(8, 0) }

	flaky := &flakyStore{Store: base, failures: 2}
	svc := booking.NewService(flaky, logger, booking.Config{TxRetries: 3, Now: now})
	if _, err := svc.Commit(context.Background(), alice, booking.NewBooking{CarID: "car-1", StartTime: at(10, 0), EndTime: at(11, 0)}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}

	exhausted := &flakyStore{Store: base, failures: 10}
	svc = booking.NewService(exhausted, logger, booking.Config{TxRetries: 1, Now: now})
	_, err := svc.Commit(context.Background(), alice, booking.NewBooking{CarID: "car-1", StartTime: at(12, 0), EndTime: at(13, 0)})
	if !errors.Is(err, booking.ErrStoreUnavailable) || !booking.IsTransient(err) {
		t.Fatalf("expected transient store error, got %v", err)
	}
	if exhausted.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", exhausted.calls)
	}
}

func TestWrite_RetryDefaults(t *testing.T) {
	base := storagetest.NewSQLite(t)
	storagetest.SeedCar(t, base, "car-1", 1200)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return at(8, 0) }

	flaky := &flakyStore{Store: base, failures: 3}
	svc := booking.NewService(flaky, logger, booking.Config{Now: now})
	if _, err := svc.Commit(context.Background(), alice, booking.NewBooking{CarID: "car-1", StartTime: at(10, 0), EndTime: at(11, 0)}); err != nil {
		t.Fatalf("zero TxRetries should retry three times, got %v", err)
	}
	if flaky.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", flaky.calls)
	}

	disabled := &flakyStore{Store: base, failures: 1}
	svc = booking.NewService(disabled, logger, booking.Config{TxRetries: -1, Now: now})
	_, err := svc.Commit(context.Background(), alice, booking.NewBooking{CarID: "car-1", StartTime: at(12, 0), EndTime: at(13, 0)})
	if !booking.IsTransient(err) {
		t.Fatalf("expected transient error without retries, got %v", err)
	}
	if disabled.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", disabled.calls)
	}
}

type stalledStore struct {
	booking.Store
}

func (stalledStore) Timeline(ctx context.Context, _ string, _, _ time.Time) ([]model.Booking, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeline_TimeoutIsTransient(t *testing.T) {
	svc := booking.NewService(stalledStore{}, slog.New(slog.NewTextHandler(io.Discard, nil)), booking.Config{OpTimeout: 20 * time.Millisecond})
	_, err := svc.Timeline(context.Background(), "car-1", day, day.Add(time.Hour))
	if !errors.Is(err, booking.ErrStoreUnavailable) || !booking.IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause to be kept, got %v", err)
	}
}
