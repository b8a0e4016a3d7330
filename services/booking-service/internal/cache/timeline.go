// Package cache keeps rendered day timelines in Redis so slot pages do not hit
// the database on every poll.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
)

const defaultTTL = 30 * time.Second

// TimelineCache stores day timelines under a per-car version. Invalidate bumps
// the version so every cached day of that car becomes unreachable at once and
// expires on its own.
type TimelineCache struct {
	rdb    *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

func NewTimelineCache(rdb *redis.Client, logger *slog.Logger, prefix string, ttl time.Duration) *TimelineCache {
	if prefix == "" {
		prefix = "timeline"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &TimelineCache{rdb: rdb, logger: logger, prefix: prefix, ttl: ttl}
}

// Get looks up a day timeline under the car's current version. The version is
// returned on a miss as well; a fill must pass it back to Set so that a
// timeline read before an invalidation can never land under the newer version.
// A negative version means the cache could not be consulted.
func (c *TimelineCache) Get(ctx context.Context, carID string, dayStart time.Time) ([]model.Booking, int64, bool) {
	version, err := c.version(ctx, carID)
	if err != nil {
		c.logger.Warn("timeline cache version read failed", "car_id", carID, "err", err)
		return nil, -1, false
	}
	raw, err := c.rdb.Get(ctx, c.dayKey(carID, version, dayStart)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, version, false
	}
	if err != nil {
		c.logger.Warn("timeline cache read failed", "car_id", carID, "err", err)
		return nil, -1, false
	}
	var out []model.Booking
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Warn("timeline cache entry undecodable", "car_id", carID, "err", err)
		return nil, version, false
	}
	return out, version, true
}

// Set stores bookings under version, the value Get reported for the miss. If
// the car was invalidated in between, the entry is written under a version no
// reader uses any more and simply expires.
func (c *TimelineCache) Set(ctx context.Context, carID string, version int64, dayStart time.Time, bookings []model.Booking) {
	if version < 0 {
		return
	}
	raw, err := json.Marshal(bookings)
	if err != nil {
		c.logger.Warn("timeline cache encode failed", "car_id", carID, "err", err)
		return
	}
	if err := c.rdb.Set(ctx, c.dayKey(carID, version, dayStart), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("timeline cache write failed", "car_id", carID, "err", err)
	}
}

func (c *TimelineCache) Invalidate(ctx context.Context, carID string) {
	if err := c.rdb.Incr(ctx, c.versionKey(carID)).Err(); err != nil {
		c.logger.Warn("timeline cache invalidate failed", "car_id", carID, "err", err)
	}
}

func (c *TimelineCache) version(ctx context.Context, carID string) (int64, error) {
	v, err := c.rdb.Get(ctx, c.versionKey(carID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *TimelineCache) versionKey(carID string) string {
	return fmt.Sprintf("%s:car:%s:version", c.prefix, carID)
}

func (c *TimelineCache) dayKey(carID string, version int64, dayStart time.Time) string {
	return fmt.Sprintf("%s:car:%s:v%d:%d", c.prefix, carID, version, dayStart.Unix())
}

// ReadyCheck reports whether Redis answers.
func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
