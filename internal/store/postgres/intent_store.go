package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lendvault/lendvault/internal/domain"
)

// IntentStore implements domain.IntentStore using PostgreSQL.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates a new IntentStore backed by the given connection pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

var _ domain.IntentStore = (*IntentStore)(nil)

const intentSelectCols = `id, position_id, borrower, health_factor, outstanding,
	amount_to_liquidate, min_out, status, tx_hash, deadline, created_at, executed_at`

func scanIntentRow(row pgx.Row) (domain.LiquidationIntent, error) {
	var in domain.LiquidationIntent
	var status string

	err := row.Scan(
		&in.ID, &in.PositionID, &in.Borrower, &in.HealthFactor, &in.Outstanding,
		&in.AmountToLiquidate, &in.MinOut,
		&status, &in.TxHash, &in.Deadline, &in.CreatedAt, &in.ExecutedAt,
	)
	if err != nil {
		return domain.LiquidationIntent{}, err
	}
	in.Status = domain.IntentStatus(status)
	return in, nil
}

// Create inserts a pending intent. If the position already has a pending
// intent, the partial unique index rejects the insert and the existing
// intent is returned with created=false.
func (s *IntentStore) Create(ctx context.Context, intent domain.LiquidationIntent) (domain.LiquidationIntent, bool, error) {
	const query = `
		INSERT INTO liquidation_intents (
			id, position_id, borrower, health_factor, outstanding,
			amount_to_liquidate, min_out, status, tx_hash, deadline, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		intent.ID, intent.PositionID, intent.Borrower,
		intent.HealthFactor, intent.Outstanding,
		intent.AmountToLiquidate, intent.MinOut,
		string(intent.Status), intent.TxHash, intent.Deadline, intent.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, getErr := s.pendingForPosition(ctx, intent.PositionID)
			if getErr != nil {
				return domain.LiquidationIntent{}, false, getErr
			}
			return existing, false, nil
		}
		return domain.LiquidationIntent{}, false, fmt.Errorf("postgres: create intent for position %s: %w", intent.PositionID, err)
	}
	return intent, true, nil
}

func (s *IntentStore) pendingForPosition(ctx context.Context, positionID string) (domain.LiquidationIntent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intentSelectCols+` FROM liquidation_intents
		 WHERE position_id = $1 AND status = 'pending'`, positionID)

	in, err := scanIntentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LiquidationIntent{}, domain.ErrNotFound
		}
		return domain.LiquidationIntent{}, fmt.Errorf("postgres: pending intent for position %s: %w", positionID, err)
	}
	return in, nil
}

// GetByID retrieves a single intent.
func (s *IntentStore) GetByID(ctx context.Context, id string) (domain.LiquidationIntent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+intentSelectCols+` FROM liquidation_intents WHERE id = $1`, id)

	in, err := scanIntentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LiquidationIntent{}, domain.ErrNotFound
		}
		return domain.LiquidationIntent{}, fmt.Errorf("postgres: get intent %s: %w", id, err)
	}
	return in, nil
}

// MarkExecuted settles a pending intent with the transaction hash. A
// non-pending intent returns ErrConflict.
func (s *IntentStore) MarkExecuted(ctx context.Context, id, txHash string) error {
	return s.settle(ctx, id, domain.IntentStatusExecuted, txHash)
}

// MarkFailed flags a pending intent whose chain submission failed.
func (s *IntentStore) MarkFailed(ctx context.Context, id string) error {
	return s.settle(ctx, id, domain.IntentStatusFailed, "")
}

func (s *IntentStore) settle(ctx context.Context, id string, to domain.IntentStatus, txHash string) error {
	const query = `
		UPDATE liquidation_intents SET
			status      = $2,
			tx_hash     = $3,
			executed_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, query, id, string(to), txHash)
	if err != nil {
		return fmt.Errorf("postgres: settle intent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM liquidation_intents WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check intent %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

// ExpirePending moves pending intents past their deadline to expired and
// returns how many were touched.
func (s *IntentStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE liquidation_intents SET status = 'expired'
		 WHERE status = 'pending' AND deadline < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns intents, newest first, optionally filtered by status.
func (s *IntentStore) List(ctx context.Context, status domain.IntentStatus, opts domain.ListOpts) ([]domain.LiquidationIntent, error) {
	query := `SELECT ` + intentSelectCols + ` FROM liquidation_intents WHERE 1=1`
	args := []any{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.LiquidationIntent
	for rows.Next() {
		in, err := scanIntentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list intents rows: %w", err)
	}
	return intents, nil
}
