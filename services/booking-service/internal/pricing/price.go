// Package pricing turns a booked duration into money. Amounts are integer cents.
package pricing

import "time"

// Price returns duration × hourly rate, rounded up to the nearest cent.
// Non-positive durations or rates cost nothing.
func Price(d time.Duration, hourlyRateCents int64) int64 {
	if d <= 0 || hourlyRateCents <= 0 {
		return 0
	}
	// Whole seconds keep the product well inside int64 for any realistic booking.
	secs := int64((d + time.Second - 1) / time.Second)
	return (secs*hourlyRateCents + 3599) / 3600
}

// ForMinutes prices a whole number of minutes.
func ForMinutes(minutes int, hourlyRateCents int64) int64 {
	return Price(time.Duration(minutes)*time.Minute, hourlyRateCents)
}
