package sqlstore

import (
	"context"
	"fmt"

	"github.com/jwalitptl/notification-engine/internal/repository"
)

var _ repository.AudienceRepository = (*AudienceStore)(nil)

// AudienceStore reads users, devices and brand subscriptions. The write
// helpers exist for seeding and tests; the marketplace owns these tables.
type AudienceStore struct {
	db *DB
}

func NewAudienceStore(db *DB) *AudienceStore {
	return &AudienceStore{db: db}
}

// ListAllActiveAddresses returns the devices of active users that have not
// opted out of broadcasts.
func (r *AudienceStore) ListAllActiveAddresses(ctx context.Context) ([]string, error) {
	query := r.db.Rebind(`
		SELECT d.address
		FROM devices d
		JOIN users u ON u.id = d.user_id
		WHERE u.active = ? AND u.opted_in = ?
		ORDER BY d.user_id, d.address`)

	var addresses []string
	if err := r.db.SelectContext(ctx, &addresses, query, true, true); err != nil {
		return nil, fmt.Errorf("failed to list active addresses: %w", err)
	}
	return addresses, nil
}

func (r *AudienceStore) ListSubscriberAddresses(ctx context.Context, brandID string) ([]string, error) {
	if err := r.mustExist(ctx, "brands", brandID); err != nil {
		return nil, err
	}

	query := r.db.Rebind(`
		SELECT d.address
		FROM brand_subscriptions s
		JOIN users u ON u.id = s.user_id
		JOIN devices d ON d.user_id = u.id
		WHERE s.brand_id = ? AND u.active = ?
		ORDER BY d.user_id, d.address`)

	var addresses []string
	if err := r.db.SelectContext(ctx, &addresses, query, brandID, true); err != nil {
		return nil, fmt.Errorf("failed to list subscriber addresses: %w", err)
	}
	return addresses, nil
}

func (r *AudienceStore) ListUserAddresses(ctx context.Context, userID string) ([]string, error) {
	if err := r.mustExist(ctx, "users", userID); err != nil {
		return nil, err
	}

	query := r.db.Rebind(`SELECT address FROM devices WHERE user_id = ? ORDER BY address`)

	var addresses []string
	if err := r.db.SelectContext(ctx, &addresses, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list user addresses: %w", err)
	}
	return addresses, nil
}

// table is always one of the constant names above.
func (r *AudienceStore) mustExist(ctx context.Context, table, id string) error {
	var n int
	query := r.db.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table))
	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		return fmt.Errorf("failed to look up %s: %w", table, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *AudienceStore) AddUser(ctx context.Context, userID string, active bool, addresses ...string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO users (id, active) VALUES (?, ?)`), userID, active); err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	for _, addr := range addresses {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO devices (address, user_id) VALUES (?, ?)`), addr, userID); err != nil {
			return fmt.Errorf("failed to add device: %w", err)
		}
	}
	return tx.Commit()
}

func (r *AudienceStore) AddBrand(ctx context.Context, brandID string, subscriberIDs ...string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO brands (id) VALUES (?)`), brandID); err != nil {
		return fmt.Errorf("failed to add brand: %w", err)
	}
	for _, userID := range subscriberIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO brand_subscriptions (brand_id, user_id) VALUES (?, ?)`), brandID, userID); err != nil {
			return fmt.Errorf("failed to add subscription: %w", err)
		}
	}
	return tx.Commit()
}

// SetOptIn records whether the user receives all-users broadcasts.
func (r *AudienceStore) SetOptIn(ctx context.Context, userID string, optedIn bool) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET opted_in = ? WHERE id = ?`), optedIn, userID)
	if err != nil {
		return fmt.Errorf("failed to update opt-in: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update opt-in: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
