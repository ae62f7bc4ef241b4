package model

import (
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
	NotificationStatusPartial NotificationStatus = "partial"
)

// transitions lists every legal status change. Terminal statuses have no entry.
var transitions = map[NotificationStatus][]NotificationStatus{
	NotificationStatusPending: {
		NotificationStatusSent,
		NotificationStatusFailed,
		NotificationStatusPartial,
	},
}

// Valid reports whether s is one of the known statuses.
func (s NotificationStatus) Valid() bool {
	switch s {
	case NotificationStatusPending, NotificationStatusSent, NotificationStatusFailed, NotificationStatusPartial:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s NotificationStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to NotificationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FinalStatus derives the terminal status from aggregate delivery counts.
func FinalStatus(total, successful, failed int) NotificationStatus {
	switch {
	case total == 0:
		return NotificationStatusSent
	case failed == 0:
		return NotificationStatusSent
	case successful == 0:
		return NotificationStatusFailed
	default:
		return NotificationStatusPartial
	}
}

type DeliveryOutcome string

const (
	DeliveryOutcomeSuccess DeliveryOutcome = "success"
	DeliveryOutcomeFailed  DeliveryOutcome = "failed"
)

// DeliveryDetail is the persisted outcome for a single recipient.
type DeliveryDetail struct {
	Address  string          `json:"address"`
	Channel  ChannelHint     `json:"channel"`
	Outcome  DeliveryOutcome `json:"outcome"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts"`
}

// NotificationRequest is the caller's input. It is never mutated after Submit accepts it.
type NotificationRequest struct {
	Title          string            `json:"title" validate:"required"`
	Body           string            `json:"body" validate:"required"`
	Audience       Audience          `json:"-"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty"`
	IsScheduled    bool              `json:"is_scheduled"`
	IssuedBy       string            `json:"issued_by"`
	AdditionalData map[string]string `json:"additional_data,omitempty"`
}

// NotificationRecord is the ledger entity tracking one request through dispatch.
type NotificationRecord struct {
	ID                   uuid.UUID          `json:"id"`
	Title                string             `json:"title"`
	Body                 string             `json:"body"`
	Audience             Audience           `json:"-"`
	ScheduledFor         *time.Time         `json:"scheduled_for,omitempty"`
	IsScheduled          bool               `json:"is_scheduled"`
	IssuedBy             string             `json:"issued_by,omitempty"`
	AdditionalData       map[string]string  `json:"additional_data,omitempty"`
	Status               NotificationStatus `json:"status"`
	TotalRecipients      int                `json:"total_recipients"`
	SuccessfulDeliveries int                `json:"successful_deliveries"`
	FailedDeliveries     int                `json:"failed_deliveries"`
	DeliveryDetails      []DeliveryDetail   `json:"delivery_details"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	DispatchAttempts     int                `json:"dispatch_attempts"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	CompletedAt          *time.Time         `json:"completed_at,omitempty"`
}

// NewRecord builds a pending record from an accepted request.
func NewRecord(req *NotificationRequest, now time.Time) *NotificationRecord {
	rec := &NotificationRecord{
		ID:              uuid.New(),
		Title:           req.Title,
		Body:            req.Body,
		Audience:        req.Audience,
		IsScheduled:     req.IsScheduled,
		IssuedBy:        req.IssuedBy,
		Status:          NotificationStatusPending,
		DeliveryDetails: []DeliveryDetail{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.ScheduledFor != nil {
		at := req.ScheduledFor.UTC()
		rec.ScheduledFor = &at
	}
	if len(req.AdditionalData) > 0 {
		rec.AdditionalData = make(map[string]string, len(req.AdditionalData))
		for k, v := range req.AdditionalData {
			rec.AdditionalData[k] = v
		}
	}
	return rec
}

// DueAt is the instant from which the scheduler may claim the record.
func (r *NotificationRecord) DueAt() time.Time {
	if r.IsScheduled && r.ScheduledFor != nil {
		return *r.ScheduledFor
	}
	return r.CreatedAt
}

// Clone returns a deep copy so callers never share ledger state.
func (r *NotificationRecord) Clone() *NotificationRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ScheduledFor != nil {
		at := *r.ScheduledFor
		c.ScheduledFor = &at
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	if r.AdditionalData != nil {
		c.AdditionalData = make(map[string]string, len(r.AdditionalData))
		for k, v := range r.AdditionalData {
			c.AdditionalData[k] = v
		}
	}
	c.DeliveryDetails = append([]DeliveryDetail(nil), r.DeliveryDetails...)
	if c.DeliveryDetails == nil {
		c.DeliveryDetails = []DeliveryDetail{}
	}
	return &c
}

// DispatchResult is the terminal aggregate written to the ledger in one commit.
type DispatchResult struct {
	Status               NotificationStatus
	TotalRecipients      int
	SuccessfulDeliveries int
	FailedDeliveries     int
	DeliveryDetails      []DeliveryDetail
	ErrorMessage         string
	CompletedAt          time.Time
}

// Apply copies the result onto the record. Callers check CanTransition first.
func (res *DispatchResult) Apply(r *NotificationRecord) {
	r.Status = res.Status
	r.TotalRecipients = res.TotalRecipients
	r.SuccessfulDeliveries = res.SuccessfulDeliveries
	r.FailedDeliveries = res.FailedDeliveries
	r.DeliveryDetails = append([]DeliveryDetail{}, res.DeliveryDetails...)
	r.ErrorMessage = res.ErrorMessage
	completed := res.CompletedAt
	r.CompletedAt = &completed
	r.UpdatedAt = res.CompletedAt
}

// Claim is a time-bounded exclusive right to dispatch a record.
type Claim struct {
	Record    *NotificationRecord
	Token     uuid.UUID
	Owner     string
	ExpiresAt time.Time
}

// NotificationFilter narrows ledger listings.
type NotificationFilter struct {
	Status NotificationStatus
	Limit  int
}
