package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"vendorpay/internal/common/database"
	"vendorpay/internal/common/money"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL commission store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const commissionColumns = `
	id, order_id, vendor_id, gross_minor, currency, rate_bps,
	amount_minor, net_minor, status, payout_id,
	calculated_at, paid_at, created_at, updated_at
`

// RecordCommission inserts a commission. The partial unique index on
// (order_id, vendor_id) where status != CANCELLED turns a settlement replay
// into ErrDuplicateCommission.
func (s *PostgresStore) RecordCommission(ctx context.Context, c *Commission) error {
	query := `
		INSERT INTO commissions (` + commissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.db.Exec(ctx, query,
		c.ID, c.OrderID, c.VendorID,
		c.Gross.AmountMinor, c.Gross.Currency, int64(c.Rate),
		c.Amount.AmountMinor, c.Net.AmountMinor, c.Status, c.PayoutID,
		c.CalculatedAt, c.PaidAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("order %s vendor %s: %w", c.OrderID, c.VendorID, ErrDuplicateCommission)
		}
		return fmt.Errorf("inserting commission: %w", err)
	}

	return nil
}

// GetCommission retrieves a commission by ID.
func (s *PostgresStore) GetCommission(ctx context.Context, id string) (*Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE id = $1`
	return scanCommission(s.db.QueryRow(ctx, query, id))
}

// GetByOrder retrieves the non-cancelled commission for (order, vendor).
func (s *PostgresStore) GetByOrder(ctx context.Context, orderID, vendorID string) (*Commission, error) {
	query := `
		SELECT ` + commissionColumns + `
		FROM commissions
		WHERE order_id = $1 AND vendor_id = $2 AND status != $3
	`
	return scanCommission(s.db.QueryRow(ctx, query, orderID, vendorID, StatusCancelled))
}

// ListUnpaid returns CALCULATED commissions for a vendor, oldest first.
func (s *PostgresStore) ListUnpaid(ctx context.Context, vendorID string, asOf time.Time) ([]*Commission, error) {
	query := `
		SELECT ` + commissionColumns + `
		FROM commissions
		WHERE vendor_id = $1 AND status = $2 AND calculated_at <= $3
		ORDER BY calculated_at, id
	`

	rows, err := s.db.Query(ctx, query, vendorID, StatusCalculated, asOf)
	if err != nil {
		return nil, fmt.Errorf("listing unpaid commissions: %w", err)
	}
	defer rows.Close()

	return scanCommissions(rows)
}

// ListByPayout returns the commissions linked to a payout, oldest first.
func (s *PostgresStore) ListByPayout(ctx context.Context, payoutID string) ([]*Commission, error) {
	query := `
		SELECT ` + commissionColumns + `
		FROM commissions
		WHERE payout_id = $1
		ORDER BY calculated_at, id
	`

	rows, err := s.db.Query(ctx, query, payoutID)
	if err != nil {
		return nil, fmt.Errorf("listing payout commissions: %w", err)
	}
	defer rows.Close()

	return scanCommissions(rows)
}

// ListCommissions lists commissions with optional filters for reporting.
func (s *PostgresStore) ListCommissions(ctx context.Context, filter ListFilter) ([]*Commission, int64, error) {
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
	if filter.PayoutID != "" {
		where += fmt.Sprintf(" AND payout_id = $%d", argIdx)
		args = append(args, filter.PayoutID)
		argIdx++
	}

	var total int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM commissions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting commissions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + commissionColumns + " FROM commissions" + where +
		fmt.Sprintf(" ORDER BY calculated_at DESC, id LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing commissions: %w", err)
	}
	defer rows.Close()

	commissions, err := scanCommissions(rows)
	return commissions, total, err
}

// CancelForOrder cancels the CALCULATED commission for a reversed order.
// Returns nil when the commission is already reserved, paid, or absent.
func (s *PostgresStore) CancelForOrder(ctx context.Context, orderID, vendorID string) (*Commission, error) {
	query := `
		UPDATE commissions
		SET status = $1, updated_at = $2
		WHERE order_id = $3 AND vendor_id = $4 AND status = $5
		RETURNING ` + commissionColumns

	c, err := scanCommission(s.db.QueryRow(ctx, query,
		StatusCancelled, time.Now().UTC(), orderID, vendorID, StatusCalculated,
	))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// ReserveForPayoutTx transitions the listed commissions from CALCULATED to
// RESERVED and stamps the payout ID, inside the caller's transaction. If any
// row is not currently CALCULATED the whole operation fails with
// ErrStaleCommission; this is the primary race-prevention point between
// overlapping scheduler runs and manual payout requests.
func (s *PostgresStore) ReserveForPayoutTx(ctx context.Context, tx pgx.Tx, commissionIDs []string, payoutID string) error {
	if len(commissionIDs) == 0 {
		return errors.New("no commissions to reserve")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE commissions
		SET status = $1, payout_id = $2, updated_at = $3
		WHERE id = ANY($4) AND status = $5
	`, StatusReserved, payoutID, time.Now().UTC(), commissionIDs, StatusCalculated)
	if err != nil {
		return fmt.Errorf("reserving commissions: %w", err)
	}

	if tag.RowsAffected() != int64(len(commissionIDs)) {
		return fmt.Errorf("reserved %d of %d: %w", tag.RowsAffected(), len(commissionIDs), ErrStaleCommission)
	}

	return nil
}

// MarkPaidTx transitions all commissions linked to a payout from RESERVED to
// PAID, inside the caller's transaction.
func (s *PostgresStore) MarkPaidTx(ctx context.Context, tx pgx.Tx, payoutID string, paidAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE commissions
		SET status = $1, paid_at = $2, updated_at = $2
		WHERE payout_id = $3 AND status = $4
	`, StatusPaid, paidAt, payoutID, StatusReserved)
	if err != nil {
		return fmt.Errorf("marking commissions paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout %s has no reserved commissions: %w", payoutID, ErrStaleCommission)
	}
	return nil
}

// ReleaseReservationTx returns all commissions linked to a payout to
// CALCULATED and detaches them, inside the caller's transaction. They become
// eligible for the next scheduling cycle.
func (s *PostgresStore) ReleaseReservationTx(ctx context.Context, tx pgx.Tx, payoutID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE commissions
		SET status = $1, payout_id = NULL, updated_at = $2
		WHERE payout_id = $3 AND status = $4
	`, StatusCalculated, time.Now().UTC(), payoutID, StatusReserved)
	if err != nil {
		return fmt.Errorf("releasing commission reservation: %w", err)
	}
	return nil
}

// CreateRateRule inserts a vendor category rate rule.
func (s *PostgresStore) CreateRateRule(ctx context.Context, rule *CategoryRule) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO commission_rate_rules (
			id, vendor_id, category_id, rate_bps, effective_from, effective_to, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rule.ID, rule.VendorID, rule.CategoryID, int64(rule.Rate),
		rule.EffectiveFrom, rule.EffectiveTo, rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting rate rule: %w", err)
	}
	return nil
}

// ListRateRules returns all category rate rules.
func (s *PostgresStore) ListRateRules(ctx context.Context) ([]CategoryRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, vendor_id, category_id, rate_bps, effective_from, effective_to, created_at
		FROM commission_rate_rules
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing rate rules: %w", err)
	}
	defer rows.Close()

	var rules []CategoryRule
	for rows.Next() {
		var rule CategoryRule
		var rateBps int64
		if err := rows.Scan(&rule.ID, &rule.VendorID, &rule.CategoryID, &rateBps,
			&rule.EffectiveFrom, &rule.EffectiveTo, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning rate rule: %w", err)
		}
		rule.Rate = money.Rate(rateBps)
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// FlagOrder records an order whose settlement could not be accrued.
func (s *PostgresStore) FlagOrder(ctx context.Context, orderID, vendorID string, grossMinor int64, currency, reason string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_review_flags (order_id, vendor_id, gross_minor, currency, reason, flagged_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id, vendor_id) DO NOTHING
	`, orderID, vendorID, grossMinor, currency, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("flagging order: %w", err)
	}
	return nil
}

func scanCommission(row pgx.Row) (*Commission, error) {
	var c Commission
	var grossMinor, rateBps, amountMinor, netMinor int64
	var currency string
	err := row.Scan(
		&c.ID, &c.OrderID, &c.VendorID, &grossMinor, &currency, &rateBps,
		&amountMinor, &netMinor, &c.Status, &c.PayoutID,
		&c.CalculatedAt, &c.PaidAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning commission: %w", err)
	}

	cur := money.Currency(currency)
	c.Gross = money.New(grossMinor, cur)
	c.Rate = money.Rate(rateBps)
	c.Amount = money.New(amountMinor, cur)
	c.Net = money.New(netMinor, cur)
	return &c, nil
}

func scanCommissions(rows pgx.Rows) ([]*Commission, error) {
	var commissions []*Commission
	for rows.Next() {
		var c Commission
		var grossMinor, rateBps, amountMinor, netMinor int64
		var currency string
		err := rows.Scan(
			&c.ID, &c.OrderID, &c.VendorID, &grossMinor, &currency, &rateBps,
			&amountMinor, &netMinor, &c.Status, &c.PayoutID,
			&c.CalculatedAt, &c.PaidAt, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning commission: %w", err)
		}
		cur := money.Currency(currency)
		c.Gross = money.New(grossMinor, cur)
		c.Rate = money.Rate(rateBps)
		c.Amount = money.New(amountMinor, cur)
		c.Net = money.New(netMinor, cur)
		commissions = append(commissions, &c)
	}
	return commissions, rows.Err()
}
