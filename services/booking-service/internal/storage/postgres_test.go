package storage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/carshare/libs/db"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/storage"
)

// newPostgres returns a migrated store against DATABASE_URL. Tests use fresh
// car ids so they can share one database.
func newPostgres(t *testing.T) *storage.PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url, db.Options{MaxConns: 8})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	store := storage.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func seedPostgresCar(t *testing.T, store *storage.PostgresStore) string {
	t.Helper()
	id := "car-" + uuid.NewString()
	err := store.UpsertCar(context.Background(), model.Car{ID: id, Status: model.CarAvailable, HourlyRateCents: 1200, UpdatedAt: day})
	if err != nil {
		t.Fatalf("seed car: %v", err)
	}
	return id
}

func TestPostgresStore_ExclusionConstraintIsConflict(t *testing.T) {
	store := newPostgres(t)
	carID := seedPostgresCar(t, store)

	first := sample(uuid.NewString(), carID, "u1", 10, 12)
	insert(t, store, first)

	overlap := sample(uuid.NewString(), carID, "u2", 11, 13)
	err := store.InTx(context.Background(), func(ctx context.Context, tx booking.Tx) error {
		return tx.Insert(ctx, overlap)
	})
	if !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Get(context.Background(), overlap.ID); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected rejected booking to be rolled back, got %v", err)
	}

	// Half-open ranges: a booking starting where another ends is not an overlap.
	insert(t, store, sample(uuid.NewString(), carID, "u2", 12, 13))
}

func TestPostgresStore_ConcurrentCommitsSingleWinner(t *testing.T) {
	store := newPostgres(t)
	carID := seedPostgresCar(t, store)
	svc := booking.NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)), booking.Config{
		Buffer:      15 * time.Minute,
		Granularity: 15 * time.Minute,
		Now:         func() time.Time { return day.Add(8 * time.Hour) },
	})

	const contenders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Commit(context.Background(), booking.Actor{UserID: uuid.NewString()}, booking.NewBooking{
				CarID:     carID,
				StartTime: day.Add(10 * time.Hour),
				EndTime:   day.Add(11 * time.Hour),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, booking.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != contenders-1 || len(others) != 0 {
		t.Fatalf("expected one winner, got wins=%d conflicts=%d others=%v", wins, conflicts, others)
	}
	timeline, err := store.Timeline(context.Background(), carID, day, day.Add(24*time.Hour))
	if err != nil || len(timeline) != 1 {
		t.Fatalf("expected one booking on the timeline, got %d err=%v", len(timeline), err)
	}
}

func TestPostgresStore_PublishPendingLeasesBatch(t *testing.T) {
	ctx := context.Background()
	store := newPostgres(t)
	carID := seedPostgresCar(t, store)
	b := sample(uuid.NewString(), carID, "u1", 10, 11)
	err := store.InTx(ctx, func(ctx context.Context, tx booking.Tx) error {
		if err := tx.Insert(ctx, b); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, outbox.NewEvent("booking", b.ID, "booking.reservation.created.v1", []byte(`{}`)))
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Drain until our event is published; other tests may have left rows behind.
	var found bool
	for i := 0; i < 100 && !found; i++ {
		n, err := store.PublishPending(ctx, 50, func(ctx context.Context, records []outbox.Record) error {
			again, err := store.PublishPending(ctx, 50, func(_ context.Context, leased []outbox.Record) error {
				for _, r := range leased {
					for _, mine := range records {
						if r.ID == mine.ID {
							t.Errorf("record %d handed out twice", r.ID)
						}
					}
				}
				return nil
			})
			if err != nil {
				t.Errorf("nested publish: %v (n=%d)", err, again)
			}
			for _, r := range records {
				if r.AggregateID == b.ID {
					found = true
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n == 0 {
			break
		}
	}
	if !found {
		t.Fatalf("expected event for %s to be published", b.ID)
	}
}
