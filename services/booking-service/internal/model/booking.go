package model

import "time"

type Status string

const (
	StatusUpcoming    Status = "upcoming"
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusMaintenance Status = "maintenance"
	StatusRepair      Status = "repair"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusActive, StatusCompleted, StatusCancelled, StatusMaintenance, StatusRepair:
		return true
	}
	return false
}

// IsBlock reports whether the status marks a car-side block (no customer attached).
func (s Status) IsBlock() bool {
	return s == StatusMaintenance || s == StatusRepair
}

type Extension struct {
	ExtendedAt          time.Time `json:"extended_at"`
	MinutesAdded        int       `json:"minutes_added"`
	AdditionalCostCents int64     `json:"additional_cost_cents"`
}

type Booking struct {
	ID               string
	CarID            string
	UserID           string
	StartTime        time.Time
	EndTime          time.Time
	Status           Status
	PriceCents       int64
	Notes            string
	CancelReason     string
	CancelledAt      *time.Time
	ExtensionHistory []Extension
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Duration is the booked length without buffer.
func (b Booking) Duration() time.Duration {
	return b.EndTime.Sub(b.StartTime)
}

// DeriveStatus is the only place a booking's displayed status is computed.
// Cancelled and block statuses are stored explicitly; everything else follows the clock.
func DeriveStatus(b Booking, now time.Time) Status {
	switch {
	case b.Status == StatusCancelled:
		return StatusCancelled
	case b.Status.IsBlock():
		return b.Status
	case now.Before(b.StartTime):
		return StatusUpcoming
	case now.Before(b.EndTime):
		return StatusActive
	default:
		return StatusCompleted
	}
}

// WithDerivedStatus returns a copy of b carrying its status at now.
func WithDerivedStatus(b Booking, now time.Time) Booking {
	b.Status = DeriveStatus(b, now)
	return b
}

// Terminal reports whether no further transitions are allowed at now.
func Terminal(b Booking, now time.Time) bool {
	if b.Status == StatusCancelled {
		return true
	}
	return !now.Before(b.EndTime)
}
