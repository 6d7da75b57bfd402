package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lendvault/lendvault/internal/domain"
)

// settledBatchSize bounds how many settled positions one archival pass moves.
const settledBatchSize = 1000

// Archiver implements domain.Archiver: aged rows are serialized to JSONL,
// uploaded to object storage, and only then removed from Postgres. An upload
// failure leaves the rows in place for the next pass.
type Archiver struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

func NewArchiver(writer domain.BlobWriter, positions domain.PositionStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		audit:     audit,
		logger:    logger,
	}
}

// ArchiveAudit uploads all audit entries older than the cutoff to
// archive/audit/YYYY-MM.jsonl and deletes them from the database. Returns
// the number of rows archived.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	deleted, err := a.audit.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit delete: %w", err)
	}

	a.logger.InfoContext(ctx, "archive: audit entries moved to cold storage",
		slog.String("path", path),
		slog.Int64("count", deleted),
	)
	return deleted, nil
}

// ArchiveSettledPositions uploads closed and liquidated positions settled
// before the cutoff to archive/positions/YYYY-MM.jsonl and deletes them.
// Returns the number of positions archived.
func (a *Archiver) ArchiveSettledPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListSettledBefore(ctx, before, settledBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	var count int64
	for _, pos := range positions {
		if err := a.positions.Delete(ctx, pos.ID); err != nil {
			// The upload already holds this batch; a leftover row is
			// re-archived next pass.
			a.logger.WarnContext(ctx, "archive: delete position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}

	if err := a.audit.Log(ctx, "positions_archived", "archive", path, map[string]any{
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		a.logger.WarnContext(ctx, "archive: audit log failed",
			slog.String("error", err.Error()),
		)
	}

	a.logger.InfoContext(ctx, "archive: settled positions moved to cold storage",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	return count, nil
}

// archivePath builds the object key, partitioned by the cutoff's year-month:
//
//	archive/audit/2025-01.jsonl
//	archive/positions/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
