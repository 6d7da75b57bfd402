package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lendvault/lendvault/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `id, borrower, collateral_asset, collateral_amount,
	borrow_asset, principal, accrued_interest, interest_rate,
	status, version, created_at, last_accrual_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.Borrower, &p.CollateralAsset, &p.CollateralAmount,
		&p.BorrowAsset, &p.Principal, &p.AccruedInterest, &p.InterestRate,
		&status, &p.Version,
		&p.CreatedAt, &p.LastAccrualAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, borrower, collateral_asset, collateral_amount,
			borrow_asset, principal, accrued_interest, interest_rate,
			status, version, created_at, last_accrual_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Borrower, p.CollateralAsset, p.CollateralAmount,
		p.BorrowAsset, p.Principal, p.AccruedInterest, p.InterestRate,
		string(p.Status), p.Version,
		p.CreatedAt, p.LastAccrualAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Update replaces the mutable fields of a position. The write is conditioned
// on the version the caller read; a stale version returns ErrConflict and
// a missing row returns ErrNotFound.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			collateral_amount = $3,
			principal         = $4,
			accrued_interest  = $5,
			interest_rate     = $6,
			status            = $7,
			last_accrual_at   = $8,
			closed_at         = $9,
			version           = version + 1,
			updated_at        = NOW()
		WHERE id = $1 AND version = $2`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Version,
		p.CollateralAmount, p.Principal, p.AccruedInterest, p.InterestRate,
		string(p.Status), p.LastAccrualAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, p.ID)
	}
	return nil
}

// UpdateStatus moves a position between lifecycle states. The transition is
// a single conditional statement guarded on both the expected current status
// and the version, so a lost race surfaces as ErrConflict instead of a
// silent double transition.
func (s *PositionStore) UpdateStatus(ctx context.Context, id string, from, to domain.PositionStatus, version int64) error {
	query := `
		UPDATE positions SET
			status     = $4,
			version    = version + 1,
			updated_at = NOW()`
	if to == domain.PositionStatusClosed || to == domain.PositionStatusLiquidated {
		query += `, closed_at = NOW()`
	}
	query += ` WHERE id = $1 AND status = $2 AND version = $3`

	tag, err := s.pool.Exec(ctx, query, id, string(from), version, string(to))
	if err != nil {
		return fmt.Errorf("postgres: transition position %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, id)
	}
	return nil
}

func (s *PositionStore) conflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check position %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

// List returns positions matching the filter, newest first.
func (s *PositionStore) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Borrower != "" {
		query += fmt.Sprintf(" AND borrower = $%d", argIdx)
		args = append(args, filter.Borrower)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ListActive returns every active position, oldest first so long-lived
// positions are evaluated ahead of fresh ones.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'active'
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListSettledBefore returns closed and liquidated positions that settled
// before the cutoff, for archival.
func (s *PositionStore) ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('closed', 'liquidated') AND closed_at < $1
		 ORDER BY closed_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled positions: %w", err)
	}
	return positions, nil
}

// Delete removes a position row. Only the archiver calls this, after the
// row has been copied to cold storage.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Count returns the total number of positions.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}
