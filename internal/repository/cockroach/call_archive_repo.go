package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"peercall-backend/internal/domain"
)

// CallArchiveRepository persists call log entries durably. The mailbox keeps
// the live per-user log; this table is the long-term copy used for history
// queries.
type CallArchiveRepository struct {
	pool *pgxpool.Pool
}

// NewCallArchiveRepository creates a new call archive repository
func NewCallArchiveRepository(pool *pgxpool.Pool) *CallArchiveRepository {
	return &CallArchiveRepository{pool: pool}
}

// ArchiveEntry upserts one call log entry. log_id is the mailbox push key,
// so re-archiving after a duration patch overwrites the earlier row.
func (r *CallArchiveRepository) ArchiveEntry(ctx context.Context, ownerUID, logID string, entry *domain.CallLogEntry) error {
	query := `
		INSERT INTO call_logs (
			owner_uid, log_id, partner_uid, partner_name, partner_avatar_url,
			call_type, direction, started_at_ms, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_uid, log_id) DO UPDATE
		SET duration_seconds = EXCLUDED.duration_seconds
	`

	_, err := r.pool.Exec(ctx, query,
		ownerUID,
		logID,
		entry.Partner.UID,
		entry.Partner.DisplayName,
		entry.Partner.AvatarURL,
		entry.Kind,
		entry.Direction,
		entry.TS,
		entry.Duration,
	)

	if err != nil {
		return fmt.Errorf("failed to archive call log: %w", err)
	}

	return nil
}

// History retrieves a user's archived call log, newest first
func (r *CallArchiveRepository) History(ctx context.Context, ownerUID string, limit, offset int) ([]*domain.CallLogEntry, error) {
	query := `
		SELECT partner_uid, partner_name, partner_avatar_url,
		       call_type, direction, started_at_ms, duration_seconds
		FROM call_logs
		WHERE owner_uid = $1
		ORDER BY started_at_ms DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, ownerUID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get call history: %w", err)
	}
	defer rows.Close()

	var entries []*domain.CallLogEntry
	for rows.Next() {
		entry := &domain.CallLogEntry{}
		err := rows.Scan(
			&entry.Partner.UID,
			&entry.Partner.DisplayName,
			&entry.Partner.AvatarURL,
			&entry.Kind,
			&entry.Direction,
			&entry.TS,
			&entry.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
