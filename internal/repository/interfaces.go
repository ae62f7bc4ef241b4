package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-engine/internal/model"
)

var (
	// ErrNotFound is returned for unknown records, brands or users.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrLeaseLost is returned when a claim token no longer owns the record,
	// either because the lease expired and another claimant won it or because
	// the record is already terminal.
	ErrLeaseLost = errors.New("lease lost")
	// ErrInvalidTransition is returned when a commit would move a record
	// along an edge the status table does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// All repository interfaces in one file
type (
	// NotificationRepository is the ledger. Claims are conditional updates so
	// any number of scheduler instances can share one store.
	NotificationRepository interface {
		// Create inserts a pending record. When lease is non-nil the record is
		// inserted already claimed by it and the returned claim carries the token.
		Create(ctx context.Context, rec *model.NotificationRecord, lease *Lease) (*model.Claim, error)
		Get(ctx context.Context, id uuid.UUID) (*model.NotificationRecord, error)
		List(ctx context.Context, filter model.NotificationFilter) ([]*model.NotificationRecord, error)
		// ClaimDue claims up to limit due records for owner. Records won by
		// another claimant are skipped silently.
		ClaimDue(ctx context.Context, now time.Time, owner string, ttl time.Duration, limit int) ([]*model.Claim, error)
		ExtendLease(ctx context.Context, claim *model.Claim, until time.Time) error
		// Commit writes the terminal result iff claim still holds the lease.
		Commit(ctx context.Context, claim *model.Claim, result *model.DispatchResult) error
	}

	// AudienceRepository answers address lookups for the target resolver.
	AudienceRepository interface {
		// ListAllActiveAddresses covers active users that are opted in to broadcasts.
		ListAllActiveAddresses(ctx context.Context) ([]string, error)
		ListSubscriberAddresses(ctx context.Context, brandID string) ([]string, error)
		ListUserAddresses(ctx context.Context, userID string) ([]string, error)
	}
)

// Lease describes the claim to take at insert time.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}
