package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"vendorpay/internal/commission"
	"vendorpay/internal/common/database"
	"vendorpay/internal/vendor"
)

// ListFilter filters payout listings for reporting.
type ListFilter struct {
	VendorID string
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Store persists payouts and performs the cross-record transitions: every
// mutation that must move a payout and its commissions together runs in one
// transaction.
type Store interface {
	// CreateWithReservation inserts a PENDING payout and reserves its
	// commissions atomically. Returns commission.ErrStaleCommission when a
	// concurrent run already reserved any of them; nothing is written.
	CreateWithReservation(ctx context.Context, p *Payout, commissionIDs []string) error

	// Claim atomically moves a due PENDING payout to PROCESSING. Returns
	// ErrInvalidState when another worker got there first or the payout is
	// not due yet.
	Claim(ctx context.Context, id string, now time.Time) (*Payout, error)

	// Complete moves a PROCESSING payout to COMPLETED, marks its commissions
	// PAID, and stamps the vendor's last payout date, all in one transaction.
	Complete(ctx context.Context, id, providerTxnID string, at time.Time) (*Payout, error)

	// Requeue returns a PROCESSING payout to PENDING after a retryable
	// failure, recording the attempt count, reason, and next attempt time.
	Requeue(ctx context.Context, id string, retryCount int, reason string, nextAttempt time.Time) (*Payout, error)

	// Fail moves a PROCESSING payout to FAILED. Commissions stay RESERVED
	// pending an operator decision.
	Fail(ctx context.Context, id string, retryCount int, reason string) (*Payout, error)

	// ResetForRetry moves a FAILED payout back to PENDING with a fresh retry
	// budget. Returns ErrInvalidState unless the payout is FAILED.
	ResetForRetry(ctx context.Context, id string) (*Payout, error)

	// Cancel moves a PENDING or FAILED payout to CANCELLED and releases its
	// commissions back to CALCULATED in the same transaction.
	Cancel(ctx context.Context, id, reason string) (*Payout, error)

	Get(ctx context.Context, id string) (*Payout, error)
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]string, error)
	List(ctx context.Context, filter ListFilter) ([]*Payout, int64, error)
}

// PostgresStore implements Store using PostgreSQL. It composes the commission
// store's transactional helpers so payout and commission rows always move in
// the same transaction.
type PostgresStore struct {
	db          *database.DB
	commissions *commission.PostgresStore
	vendors     *vendor.Store
}

// NewPostgresStore creates a new PostgreSQL payout store.
func NewPostgresStore(db *database.DB, commissions *commission.PostgresStore, vendors *vendor.Store) *PostgresStore {
	return &PostgresStore{db: db, commissions: commissions, vendors: vendors}
}

const payoutColumns = `
	id, vendor_id, amount_minor, currency, status, scheduled_date, method,
	provider_txn_id, failure_reason, retry_count, max_retries, next_attempt_at,
	metadata, created_at, updated_at, processed_at
`

func (s *PostgresStore) CreateWithReservation(ctx context.Context, p *Payout, commissionIDs []string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO payouts (` + payoutColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`
		_, err := tx.Exec(ctx, query,
			p.ID, p.VendorID, p.Amount.AmountMinor, p.Amount.Currency,
			p.Status, p.ScheduledDate, p.Method,
			nullable(p.ProviderTxnID), nullable(p.FailureReason),
			p.RetryCount, p.MaxRetries, p.NextAttemptAt,
			p.Metadata, p.CreatedAt, p.UpdatedAt, p.ProcessedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting payout: %w", err)
		}

		return s.commissions.ReserveForPayoutTx(ctx, tx, commissionIDs, p.ID)
	})
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (*Payout, error) {
	query := `
		UPDATE payouts
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND next_attempt_at <= $2
		RETURNING ` + payoutColumns

	p, err := scanPayout(s.db.QueryRow(ctx, query, StatusProcessing, now, id, StatusPending))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("claiming payout %s: %w", id, ErrInvalidState)
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id, providerTxnID string, at time.Time) (*Payout, error) {
	var completed *Payout
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE payouts
			SET status = $1, provider_txn_id = $2, failure_reason = NULL,
			    processed_at = $3, updated_at = $3
			WHERE id = $4 AND status = $5
			RETURNING ` + payoutColumns

		p, err := scanPayout(tx.QueryRow(ctx, query, StatusCompleted, providerTxnID, at, id, StatusProcessing))
		if err != nil {
			if database.IsNotFound(err) {
				return fmt.Errorf("completing payout %s: %w", id, ErrInvalidState)
			}
			return err
		}

		if err := s.commissions.MarkPaidTx(ctx, tx, p.ID, at); err != nil {
			return err
		}
		if err := s.vendors.SetLastPayoutTx(ctx, tx, p.VendorID, at); err != nil {
			return err
		}

		completed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, retryCount int, reason string, nextAttempt time.Time) (*Payout, error) {
	query := `
		UPDATE payouts
		SET status = $1, retry_count = $2, failure_reason = $3,
		    next_attempt_at = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
		RETURNING ` + payoutColumns

	p, err := scanPayout(s.db.QueryRow(ctx, query, StatusPending, retryCount, reason, nextAttempt, id, StatusProcessing))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("requeueing payout %s: %w", id, ErrInvalidState)
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, retryCount int, reason string) (*Payout, error) {
	query := `
		UPDATE payouts
		SET status = $1, retry_count = $2, failure_reason = $3,
		    processed_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING ` + payoutColumns

	p, err := scanPayout(s.db.QueryRow(ctx, query, StatusFailed, retryCount, reason, id, StatusProcessing))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("failing payout %s: %w", id, ErrInvalidState)
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id string) (*Payout, error) {
	query := `
		UPDATE payouts
		SET status = $1, retry_count = 0, failure_reason = NULL,
		    next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING ` + payoutColumns

	p, err := scanPayout(s.db.QueryRow(ctx, query, StatusPending, id, StatusFailed))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("resetting payout %s: %w", id, ErrInvalidState)
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id, reason string) (*Payout, error) {
	var cancelled *Payout
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE payouts
			SET status = $1, failure_reason = $2, updated_at = NOW()
			WHERE id = $3 AND status IN ($4, $5)
			RETURNING ` + payoutColumns

		p, err := scanPayout(tx.QueryRow(ctx, query, StatusCancelled, reason, id, StatusPending, StatusFailed))
		if err != nil {
			if database.IsNotFound(err) {
				return fmt.Errorf("cancelling payout %s: %w", id, ErrInvalidState)
			}
			return err
		}

		if err := s.commissions.ReleaseReservationTx(ctx, tx, p.ID); err != nil {
			return err
		}

		cancelled = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	return scanPayout(s.db.QueryRow(ctx, query, id))
}

// ListDuePending returns IDs of PENDING payouts whose next attempt is due,
// oldest attempt first. IDs only: workers re-read state through Claim.
func (s *PostgresStore) ListDuePending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM payouts
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at, id
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due payouts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning payout id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Payout, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if filter.VendorID != "" {
		where += fmt.Sprintf(" AND vendor_id = $%d", argIdx)
		args = append(args, filter.VendorID)
		argIdx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if !filter.From.IsZero() {
		where += fmt.Sprintf(" AND scheduled_date >= $%d", argIdx)
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		where += fmt.Sprintf(" AND scheduled_date < $%d", argIdx)
		args = append(args, filter.To)
		argIdx++
	}

	var total int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM payouts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payouts: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(
		"SELECT %s FROM payouts%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d",
		payoutColumns, where, argIdx, argIdx+1,
	)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing payouts: %w", err)
	}
	defer rows.Close()

	payouts, err := scanPayouts(rows)
	if err != nil {
		return nil, 0, err
	}
	return payouts, total, nil
}

func scanPayout(row pgx.Row) (*Payout, error) {
	var p Payout
	var providerTxnID, failureReason *string
	err := row.Scan(
		&p.ID, &p.VendorID, &p.Amount.AmountMinor, &p.Amount.Currency,
		&p.Status, &p.ScheduledDate, &p.Method,
		&providerTxnID, &failureReason,
		&p.RetryCount, &p.MaxRetries, &p.NextAttemptAt,
		&p.Metadata, &p.CreatedAt, &p.UpdatedAt, &p.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payout: %w", err)
	}
	if providerTxnID != nil {
		p.ProviderTxnID = *providerTxnID
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	return &p, nil
}

func scanPayouts(rows pgx.Rows) ([]*Payout, error) {
	var payouts []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
