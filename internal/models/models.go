package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideStatus is the lifecycle state of a ride. Transitions only move forward:
// REQUESTED -> ACCEPTED -> COMPLETED, or REQUESTED -> CANCELLED.
type RideStatus string

const (
	StatusRequested RideStatus = "REQUESTED"
	StatusAccepted  RideStatus = "ACCEPTED"
	StatusCompleted RideStatus = "COMPLETED"
	StatusCancelled RideStatus = "CANCELLED"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAccepted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// HasDriver reports whether a ride in this status must carry a driver.
func (s RideStatus) HasDriver() bool {
	return s == StatusAccepted || s == StatusCompleted
}

type Ride struct {
	ID             string     `json:"id" bson:"_id"`
	UserID         string     `json:"user_id" bson:"user_id"`
	DriverID       string     `json:"driver_id,omitempty" bson:"driver_id,omitempty"`
	PickupLocation string     `json:"pickup_location" bson:"pickup_location"`
	DropLocation   string     `json:"drop_location" bson:"drop_location"`
	PickupLat      float64    `json:"pickup_lat" bson:"pickup_lat"`
	PickupLon      float64    `json:"pickup_lon" bson:"pickup_lon"`
	Fare           float64    `json:"fare" bson:"fare"`
	DistanceKm     float64    `json:"distance_km" bson:"distance_km"`
	Status         RideStatus `json:"status" bson:"status"`
	PaymentRef     string     `json:"payment_ref,omitempty" bson:"payment_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" bson:"updated_at"`
}

// CreateRideRequest carries the rider-supplied details of a new ride.
type CreateRideRequest struct {
	PickupLocation string  `json:"pickup_location" validate:"required,max=256"`
	DropLocation   string  `json:"drop_location" validate:"required,max=256"`
	PickupLat      float64 `json:"pickup_lat" validate:"latitude"`
	PickupLon      float64 `json:"pickup_lon" validate:"longitude"`
	Fare           float64 `json:"fare" validate:"gte=0"`
	DistanceKm     float64 `json:"distance_km" validate:"gte=0"`
	// PaymentMethod is the card the fare is authorized on, when payments
	// are enabled.
	PaymentMethod string `json:"payment_method,omitempty" validate:"max=255"`
}

// DriverLocation is the last reported position of a driver and the grid
// cell it was bucketed into.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Cell     string    `json:"cell"`
	Loc      Coord     `json:"loc"`
	Updated  time.Time `json:"updated"`
}

// LocationUpdate is the wire shape of a driver position report published to
// the location topic.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	SentAt   time.Time `json:"sent_at"`
}

// Consistent reports whether the ride carries a driver exactly when its
// status requires one.
func (r Ride) Consistent() bool {
	return (r.DriverID != "") == r.Status.HasDriver()
}
