package model

import "time"

const (
	TypeVet     = "vet"
	TypeGroomer = "groomer"
	TypeTrainer = "trainer"
)

type Provider struct {
	ID              string
	Name            string
	Type            string
	Email           string
	Phone           string
	Bio             string
	Specialties     []string
	City            string
	ClinicName      string
	ExperienceYears int

	PricePerSession int64 // minor units
	Currency        string

	RatingAvg      float64
	RatingCount    int
	CompletedCount int
	CancelledCount int
	// Distinct users with at least one completed appointment.
	PatientCount int

	// Rolling average time to accept or answer a booking, in seconds.
	AvgResponseSecs int

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is a bookable window on a concrete date. Booked slots stay in the
// table so cancellations can free them again.
type Slot struct {
	ID         string
	ProviderID string
	SlotDate   time.Time // date only, UTC midnight
	StartTime  string    // "HH:MM"
	EndTime    string    // "HH:MM"
	IsBooked   bool
}

type Review struct {
	ID            string
	ProviderID    string
	UserID        string
	AppointmentID string
	Rating        int
	Comment       string
	CreatedAt     time.Time
}
