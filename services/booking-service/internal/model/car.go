package model

import "time"

type CarStatus string

const (
	CarAvailable   CarStatus = "available"
	CarBooked      CarStatus = "booked"
	CarMaintenance CarStatus = "maintenance"
	CarUnavailable CarStatus = "unavailable"
)

func (s CarStatus) Valid() bool {
	switch s {
	case CarAvailable, CarBooked, CarMaintenance, CarUnavailable:
		return true
	}
	return false
}

// Car carries no schedule; its timeline is derived from its bookings.
type Car struct {
	ID              string
	Status          CarStatus
	HourlyRateCents int64
	UpdatedAt       time.Time
}
