package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lendvault/lendvault/internal/domain"
)

// PolicyStore implements domain.PolicyStore using PostgreSQL.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a new PolicyStore backed by the given connection pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

var _ domain.PolicyStore = (*PolicyStore)(nil)

const policySelectCols = `asset, max_ltv, warning_band, margin_band,
	liquidate_band, interest_rate, spread, circuit_breaker, version, updated_at`

// GetPolicy returns the stored policy for an asset, or the built-in default
// when no row exists. Missing rows are not an error: every asset is lendable
// under default terms until an operator tightens them.
func (s *PolicyStore) GetPolicy(ctx context.Context, asset string) (domain.Policy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policySelectCols+` FROM policies WHERE asset = $1`, asset)

	var p domain.Policy
	err := row.Scan(
		&p.Asset, &p.MaxLTV, &p.WarningBand, &p.MarginBand,
		&p.LiquidateBand, &p.InterestRate, &p.Spread, &p.CircuitBreaker,
		&p.Version, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultPolicy(asset), nil
		}
		return domain.Policy{}, fmt.Errorf("postgres: get policy %s: %w", asset, err)
	}
	return p, nil
}

// Upsert writes a policy, bumping its version on every update.
func (s *PolicyStore) Upsert(ctx context.Context, p domain.Policy) error {
	const query = `
		INSERT INTO policies (
			asset, max_ltv, warning_band, margin_band,
			liquidate_band, interest_rate, spread, circuit_breaker, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			max_ltv         = EXCLUDED.max_ltv,
			warning_band    = EXCLUDED.warning_band,
			margin_band     = EXCLUDED.margin_band,
			liquidate_band  = EXCLUDED.liquidate_band,
			interest_rate   = EXCLUDED.interest_rate,
			spread          = EXCLUDED.spread,
			circuit_breaker = EXCLUDED.circuit_breaker,
			version         = policies.version + 1,
			updated_at      = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.Asset, p.MaxLTV, p.WarningBand, p.MarginBand,
		p.LiquidateBand, p.InterestRate, p.Spread, p.CircuitBreaker,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert policy %s: %w", p.Asset, err)
	}
	return nil
}

// List returns all stored policies ordered by asset.
func (s *PolicyStore) List(ctx context.Context) ([]domain.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policySelectCols+` FROM policies ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list policies: %w", err)
	}
	defer rows.Close()

	var policies []domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(
			&p.Asset, &p.MaxLTV, &p.WarningBand, &p.MarginBand,
			&p.LiquidateBand, &p.InterestRate, &p.Spread, &p.CircuitBreaker,
			&p.Version, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list policies rows: %w", err)
	}
	return policies, nil
}
