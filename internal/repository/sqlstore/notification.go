package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-engine/internal/model"
	"github.com/jwalitptl/notification-engine/internal/repository"
)

var _ repository.NotificationRepository = (*NotificationStore)(nil)

const notificationColumns = `id, title, body, audience, scheduled_for, is_scheduled, issued_by,
	additional_data, status, total_recipients, successful_deliveries, failed_deliveries,
	delivery_details, error_message, dispatch_attempts, due_at, lease_token, lease_owner,
	lease_expires_at, created_at, updated_at, completed_at`

type notificationRow struct {
	ID                   string         `db:"id"`
	Title                string         `db:"title"`
	Body                 string         `db:"body"`
	Audience             string         `db:"audience"`
	ScheduledFor         sql.NullInt64  `db:"scheduled_for"`
	IsScheduled          bool           `db:"is_scheduled"`
	IssuedBy             string         `db:"issued_by"`
	AdditionalData       sql.NullString `db:"additional_data"`
	Status               string         `db:"status"`
	TotalRecipients      int            `db:"total_recipients"`
	SuccessfulDeliveries int            `db:"successful_deliveries"`
	FailedDeliveries     int            `db:"failed_deliveries"`
	DeliveryDetails      string         `db:"delivery_details"`
	ErrorMessage         string         `db:"error_message"`
	DispatchAttempts     int            `db:"dispatch_attempts"`
	DueAt                int64          `db:"due_at"`
	LeaseToken           sql.NullString `db:"lease_token"`
	LeaseOwner           sql.NullString `db:"lease_owner"`
	LeaseExpiresAt       sql.NullInt64  `db:"lease_expires_at"`
	CreatedAt            int64          `db:"created_at"`
	UpdatedAt            int64          `db:"updated_at"`
	CompletedAt          sql.NullInt64  `db:"completed_at"`
}

func (row *notificationRow) toRecord() (*model.NotificationRecord, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid notification id %q: %w", row.ID, err)
	}
	audience, err := model.UnmarshalAudience([]byte(row.Audience))
	if err != nil {
		return nil, err
	}

	rec := &model.NotificationRecord{
		ID:                   id,
		Title:                row.Title,
		Body:                 row.Body,
		Audience:             audience,
		IsScheduled:          row.IsScheduled,
		IssuedBy:             row.IssuedBy,
		Status:               model.NotificationStatus(row.Status),
		TotalRecipients:      row.TotalRecipients,
		SuccessfulDeliveries: row.SuccessfulDeliveries,
		FailedDeliveries:     row.FailedDeliveries,
		ErrorMessage:         row.ErrorMessage,
		DispatchAttempts:     row.DispatchAttempts,
		CreatedAt:            fromMillis(row.CreatedAt),
		UpdatedAt:            fromMillis(row.UpdatedAt),
	}
	if row.ScheduledFor.Valid {
		at := fromMillis(row.ScheduledFor.Int64)
		rec.ScheduledFor = &at
	}
	if row.CompletedAt.Valid {
		at := fromMillis(row.CompletedAt.Int64)
		rec.CompletedAt = &at
	}
	if row.AdditionalData.Valid && row.AdditionalData.String != "" {
		if err := json.Unmarshal([]byte(row.AdditionalData.String), &rec.AdditionalData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal additional data: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(row.DeliveryDetails), &rec.DeliveryDetails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery details: %w", err)
	}
	if rec.DeliveryDetails == nil {
		rec.DeliveryDetails = []model.DeliveryDetail{}
	}
	return rec, nil
}

func (row *notificationRow) toClaim() (*model.Claim, error) {
	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	token, err := uuid.Parse(row.LeaseToken.String)
	if err != nil {
		return nil, fmt.Errorf("invalid lease token on %s: %w", row.ID, err)
	}
	return &model.Claim{
		Record:    rec,
		Token:     token,
		Owner:     row.LeaseOwner.String,
		ExpiresAt: fromMillis(row.LeaseExpiresAt.Int64),
	}, nil
}

type NotificationStore struct {
	db *DB
}

func NewNotificationStore(db *DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (r *NotificationStore) Create(ctx context.Context, rec *model.NotificationRecord, lease *repository.Lease) (*model.Claim, error) {
	audience, err := model.MarshalAudience(rec.Audience)
	if err != nil {
		return nil, err
	}
	var additional sql.NullString
	if len(rec.AdditionalData) > 0 {
		b, err := json.Marshal(rec.AdditionalData)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal additional data: %w", err)
		}
		additional = sql.NullString{String: string(b), Valid: true}
	}
	var scheduledFor sql.NullInt64
	if rec.ScheduledFor != nil {
		scheduledFor = sql.NullInt64{Int64: toMillis(*rec.ScheduledFor), Valid: true}
	}

	var (
		token     sql.NullString
		owner     sql.NullString
		expiresAt sql.NullInt64
		attempts  int
		tokenID   uuid.UUID
	)
	if lease != nil {
		tokenID = uuid.New()
		token = sql.NullString{String: tokenID.String(), Valid: true}
		owner = sql.NullString{String: lease.Owner, Valid: true}
		expiresAt = sql.NullInt64{Int64: toMillis(lease.ExpiresAt), Valid: true}
		attempts = 1
	}

	query := r.db.Rebind(`
		INSERT INTO notifications (
			id, title, body, audience, scheduled_for, is_scheduled, issued_by,
			additional_data, status, delivery_details, dispatch_attempts, due_at,
			lease_token, lease_owner, lease_expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		rec.ID.String(),
		rec.Title,
		rec.Body,
		string(audience),
		scheduledFor,
		rec.IsScheduled,
		rec.IssuedBy,
		additional,
		string(model.NotificationStatusPending),
		attempts,
		toMillis(rec.DueAt()),
		token,
		owner,
		expiresAt,
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, repository.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	if lease == nil {
		return nil, nil
	}
	claimed := rec.Clone()
	claimed.Status = model.NotificationStatusPending
	claimed.DispatchAttempts = attempts
	return &model.Claim{
		Record:    claimed,
		Token:     tokenID,
		Owner:     lease.Owner,
		ExpiresAt: fromMillis(toMillis(lease.ExpiresAt)),
	}, nil
}

func (r *NotificationStore) Get(ctx context.Context, id uuid.UUID) (*model.NotificationRecord, error) {
	query := r.db.Rebind(`SELECT ` + notificationColumns + ` FROM notifications WHERE id = ?`)

	var row notificationRow
	if err := r.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return row.toRecord()
}

func (r *NotificationStore) List(ctx context.Context, filter model.NotificationFilter) ([]*model.NotificationRecord, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	records := make([]*model.NotificationRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ClaimDue takes leases in a single UPDATE so concurrent callers never
// receive the same row. On Postgres the inner select skips rows another
// claimant holds locked instead of waiting for them.
func (r *NotificationStore) ClaimDue(ctx context.Context, now time.Time, owner string, ttl time.Duration, limit int) ([]*model.Claim, error) {
	lock := ""
	if r.db.Postgres() {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	nowMs := toMillis(now)

	query := r.db.Rebind(fmt.Sprintf(`
		UPDATE notifications
		SET lease_token = ?, lease_owner = ?, lease_expires_at = ?,
			dispatch_attempts = dispatch_attempts + 1, updated_at = ?
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = ?
			  AND due_at <= ?
			  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY due_at ASC
			LIMIT ?
			%s
		)
		RETURNING %s`, lock, notificationColumns))

	rows, err := r.db.QueryxContext(ctx, query,
		uuid.New().String(),
		owner,
		toMillis(now.Add(ttl)),
		nowMs,
		string(model.NotificationStatusPending),
		nowMs,
		nowMs,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	defer rows.Close()

	var claims []*model.Claim
	for rows.Next() {
		var row notificationRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan claimed notification: %w", err)
		}
		claim, err := row.toClaim()
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	return claims, nil
}

func (r *NotificationStore) ExtendLease(ctx context.Context, claim *model.Claim, until time.Time) error {
	query := r.db.Rebind(`
		UPDATE notifications
		SET lease_expires_at = ?
		WHERE id = ? AND status = ? AND lease_token = ?`)

	res, err := r.db.ExecContext(ctx, query,
		toMillis(until),
		claim.Record.ID.String(),
		string(model.NotificationStatusPending),
		claim.Token.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if err := r.checkOwned(ctx, res, claim.Record.ID); err != nil {
		return err
	}
	claim.ExpiresAt = until
	return nil
}

func (r *NotificationStore) Commit(ctx context.Context, claim *model.Claim, result *model.DispatchResult) error {
	if !model.CanTransition(model.NotificationStatusPending, result.Status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, model.NotificationStatusPending, result.Status)
	}

	details := result.DeliveryDetails
	if details == nil {
		details = []model.DeliveryDetail{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery details: %w", err)
	}

	query := r.db.Rebind(`
		UPDATE notifications
		SET status = ?, total_recipients = ?, successful_deliveries = ?, failed_deliveries = ?,
			delivery_details = ?, error_message = ?, completed_at = ?, updated_at = ?,
			lease_token = NULL, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND status = ? AND lease_token = ?`)

	completed := toMillis(result.CompletedAt)
	res, err := r.db.ExecContext(ctx, query,
		string(result.Status),
		result.TotalRecipients,
		result.SuccessfulDeliveries,
		result.FailedDeliveries,
		string(detailsJSON),
		result.ErrorMessage,
		completed,
		completed,
		claim.Record.ID.String(),
		string(model.NotificationStatusPending),
		claim.Token.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to commit notification: %w", err)
	}
	return r.checkOwned(ctx, res, claim.Record.ID)
}

// checkOwned turns a zero-row conditional update into ErrNotFound or ErrLeaseLost.
func (r *NotificationStore) checkOwned(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE id = ?`), id.String())
	if err != nil {
		return fmt.Errorf("failed to check notification: %w", err)
	}
	if exists == 0 {
		return repository.ErrNotFound
	}
	return repository.ErrLeaseLost
}
