package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lendvault/lendvault/internal/domain"
)

// PriceStore implements domain.PriceStore using PostgreSQL.
type PriceStore struct {
	pool *pgxpool.Pool
}

// NewPriceStore creates a new PriceStore backed by the given connection pool.
func NewPriceStore(pool *pgxpool.Pool) *PriceStore {
	return &PriceStore{pool: pool}
}

var _ domain.PriceStore = (*PriceStore)(nil)

const priceSelectCols = `id, asset, price, source, approved, quoted_at, created_at`

// Insert appends a new quote and returns its row ID.
func (s *PriceStore) Insert(ctx context.Context, q domain.PriceQuote) (int64, error) {
	const query = `
		INSERT INTO price_quotes (asset, price, source, approved, quoted_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		q.Asset, q.Price, q.Source, q.Approved, q.QuotedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert quote for %s: %w", q.Asset, err)
	}
	return id, nil
}

func (s *PriceStore) latest(ctx context.Context, asset string, approvedOnly bool) (domain.PriceQuote, error) {
	query := `SELECT ` + priceSelectCols + ` FROM price_quotes WHERE asset = $1`
	if approvedOnly {
		query += ` AND approved`
	}
	query += ` ORDER BY quoted_at DESC LIMIT 1`

	var q domain.PriceQuote
	err := s.pool.QueryRow(ctx, query, asset).Scan(
		&q.ID, &q.Asset, &q.Price, &q.Source, &q.Approved, &q.QuotedAt, &q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PriceQuote{}, domain.ErrNotFound
		}
		return domain.PriceQuote{}, fmt.Errorf("postgres: latest quote for %s: %w", asset, err)
	}
	return q, nil
}

// LatestApproved returns the most recent approved quote for an asset. This
// is the only read used for risk gating.
func (s *PriceStore) LatestApproved(ctx context.Context, asset string) (domain.PriceQuote, error) {
	return s.latest(ctx, asset, true)
}

// Latest returns the most recent quote for an asset regardless of approval.
func (s *PriceStore) Latest(ctx context.Context, asset string) (domain.PriceQuote, error) {
	return s.latest(ctx, asset, false)
}

// ListHistory returns quotes for an asset, newest first.
func (s *PriceStore) ListHistory(ctx context.Context, asset string, opts domain.ListOpts) ([]domain.PriceQuote, error) {
	query := `SELECT ` + priceSelectCols + ` FROM price_quotes WHERE asset = $1`
	args := []any{asset}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND quoted_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND quoted_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY quoted_at DESC"

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
		return nil, fmt.Errorf("postgres: list quotes for %s: %w", asset, err)
	}
	defer rows.Close()

	var quotes []domain.PriceQuote
	for rows.Next() {
		var q domain.PriceQuote
		if err := rows.Scan(
			&q.ID, &q.Asset, &q.Price, &q.Source, &q.Approved, &q.QuotedAt, &q.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list quotes rows: %w", err)
	}
	return quotes, nil
}
