package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database/models"
)

// CallLogFilter narrows a call history listing.
type CallLogFilter struct {
	Role   string
	Search string
	Limit  int
	Offset int
}

// CallLogRepo appends finished calls to call_log.
type CallLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a CallLogRepo.
func NewCallLogRepository(db *DB) *CallLogRepo {
	return &CallLogRepo{db: db}
}

// Record stores a terminal call snapshot.
func (r *CallLogRepo) Record(ctx context.Context, snap call.Snapshot) error {
	var connectedAt *time.Time
	if !snap.ConnectedAt.IsZero() {
		t := snap.ConnectedAt.UTC()
		connectedAt = &t
	}
	endedAt := snap.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	category, _ := snap.EndReason.Category()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (call_id, transport_id, role, media, remote_handle,
		 remote_name, started_at, connected_at, ended_at, duration, end_reason, category)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.CallID, snap.TransportID.String(), string(snap.Role), string(snap.Media),
		snap.Remote.Handle, snap.Remote.DisplayName, snap.StartedAt.UTC(), connectedAt,
		endedAt.UTC(), int(snap.Duration().Seconds()), string(snap.EndReason), string(category),
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}
	return nil
}

// List returns call history entries matching the filter, newest first,
// along with the total count.
func (r *CallLogRepo) List(ctx context.Context, filter CallLogFilter) ([]models.CallLog, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Role != "" {
		where += " AND role = ?"
		args = append(args, filter.Role)
	}
	if filter.Search != "" {
		where += " AND (remote_handle LIKE ? OR remote_name LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_log WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	query := `SELECT id, call_id, transport_id, role, media, remote_handle, remote_name,
		 started_at, connected_at, ended_at, duration, end_reason, category
		 FROM call_log WHERE ` + where + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLog
	for rows.Next() {
		var c models.CallLog
		if err := rows.Scan(&c.ID, &c.CallID, &c.TransportID, &c.Role, &c.Media,
			&c.RemoteHandle, &c.RemoteName, &c.StartedAt, &c.ConnectedAt, &c.EndedAt,
			&c.Duration, &c.EndReason, &c.Category); err != nil {
			return nil, 0, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}

	return entries, total, nil
}

// CountByCategory returns the number of logged calls per end category.
// Calls whose end reason has no category are counted under "none".
func (r *CallLogRepo) CountByCategory(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM call_log GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("counting call log by category: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scanning call log count: %w", err)
		}
		if category == "" {
			category = "none"
		}
		counts[category] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call log counts: %w", err)
	}
	return counts, nil
}
