package model

import "time"

// Appointment statuses. Transitions are one-directional except for the
// explicit cancel and reschedule paths.
const (
	StatusScheduled  = "scheduled"
	StatusConfirmed  = "confirmed"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusNoShow     = "no_show"
	StatusMissed     = "missed"
)

// Payment statuses. A completed payment always carries PaidAt.
const (
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentCompleted  = "completed"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
)

// Payment methods. Card payments settle through the hosted checkout flow;
// cash settles on site when the consultation ends.
const (
	MethodCard = "card"
	MethodCash = "cash"
)

const (
	SenderUser     = "user"
	SenderProvider = "provider"
)

type Payment struct {
	Amount        int64 // minor units
	Currency      string
	Method        string
	Status        string
	IntentID      string // checkout session id at the payment provider
	TransactionID string
	PaidAt        *time.Time
	RefundedAt    *time.Time
}

type Consultation struct {
	StartedAt          *time.Time
	EndedAt            *time.Time
	ActualDurationMins int
	SessionID          string
	RoomID             string
	ConnectionQuality  string
	Notes              string
	Diagnosis          string
	Recommendations    string
	SessionSummary     string
	LastActivityAt     *time.Time
	FollowUpRequired   bool
	FollowUpDate       *time.Time
}

type Prescription struct {
	ID         string
	IssuedAt   time.Time
	ValidUntil time.Time
}

type Cancellation struct {
	CancelledBy  string
	Reason       string
	CancelledAt  time.Time
	RefundStatus string
}

type Message struct {
	ID            string
	AppointmentID string
	Sender        string
	Body          string
	MessageType   string
	FileURL       string
	SentAt        time.Time
}

type Appointment struct {
	ID           string
	UserID       string
	UserEmail    string
	UserPhone    string
	ProviderID   string
	ProviderType string // vet | groomer | trainer
	ProviderName string
	PetName      string
	PetSpecies   string
	PetBreed     string
	PetAgeMonths int
	ServiceType  string

	ScheduledDate time.Time // date only, UTC midnight
	StartTime     string    // "HH:MM"
	EndTime       string    // "HH:MM"
	DurationMins  int

	Status       string
	Payment      Payment
	Consultation Consultation
	Prescription *Prescription
	Cancellation *Cancellation

	Reminder24hSent  bool
	Reminder1hSent   bool
	ConfirmationSent bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
