package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/stratastore/strata/adapters"
)

var (
	_ adapters.StreamQueryAdapter     = (*Adapter)(nil)
	_ adapters.ProjectionQueryAdapter = (*Adapter)(nil)
	_ adapters.DiagnosticAdapter      = (*Adapter)(nil)
)

// ListStreams returns stream summaries ordered by most recently updated.
func (a *Adapter) ListStreams(ctx context.Context, prefix string, limit int) ([]adapters.StreamSummary, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	query := `SELECT s.stream_id, s.version, s.updated_at,
			COALESCE((SELECT e.event_type FROM ` + a.table("events") + ` e
				WHERE e.stream_id = s.stream_id ORDER BY e.version DESC LIMIT 1), '')
		FROM ` + a.table("streams") + ` s
		WHERE ($1 = '' OR s.stream_id LIKE $1 || '%')
		ORDER BY s.updated_at DESC`
	args := []interface{}{prefix}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: list streams: %w", err)
	}
	defer rows.Close()

	summaries := make([]adapters.StreamSummary, 0)
	for rows.Next() {
		var s adapters.StreamSummary
		if err := rows.Scan(&s.StreamID, &s.EventCount, &s.LastUpdated, &s.LastEventType); err != nil {
			return nil, fmt.Errorf("strata/postgres: scan stream summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strata/postgres: iterate stream summaries: %w", err)
	}
	return summaries, nil
}

// GetStreamEvents returns a page of a stream's events for inspection.
func (a *Adapter) GetStreamEvents(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT global_position, event_id, stream_id, version, event_type, data, metadata, created_at
		 FROM `+a.table("events")+`
		 WHERE stream_id = $1 AND version > $2
		 ORDER BY version
		 LIMIT $3`,
		streamID, fromVersion, adapters.DefaultLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: get stream events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEventStoreStats returns aggregate statistics about the store.
func (a *Adapter) GetEventStoreStats(ctx context.Context) (*adapters.EventStoreStats, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	stats := &adapters.EventStoreStats{}
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT stream_id), COUNT(DISTINCT event_type)
		 FROM `+a.table("events")).Scan(&stats.TotalEvents, &stats.TotalStreams, &stats.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: event store stats: %w", err)
	}
	if stats.TotalStreams > 0 {
		stats.AvgEventsPerStream = float64(stats.TotalEvents) / float64(stats.TotalStreams)
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) AS n
		 FROM `+a.table("events")+`
		 GROUP BY event_type
		 ORDER BY n DESC
		 LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: event type counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc adapters.EventTypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, fmt.Errorf("strata/postgres: scan event type count: %w", err)
		}
		stats.TopEventTypes = append(stats.TopEventTypes, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strata/postgres: iterate event type counts: %w", err)
	}
	return stats, nil
}

// ListProjections returns every consumer checkpoint as a projection entry.
func (a *Adapter) ListProjections(ctx context.Context) ([]adapters.ProjectionInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT consumer, position, updated_at FROM `+a.table("checkpoints")+` ORDER BY consumer`)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: list projections: %w", err)
	}
	defer rows.Close()

	infos := make([]adapters.ProjectionInfo, 0)
	for rows.Next() {
		info := adapters.ProjectionInfo{Status: "active"}
		if err := rows.Scan(&info.Name, &info.Position, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("strata/postgres: scan projection: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strata/postgres: iterate projections: %w", err)
	}
	return infos, nil
}

// GetProjection returns a projection's checkpoint entry, or nil, nil when the
// projection has never stored a checkpoint.
func (a *Adapter) GetProjection(ctx context.Context, name string) (*adapters.ProjectionInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	info := adapters.ProjectionInfo{Status: "active"}
	err := a.db.QueryRowContext(ctx,
		`SELECT consumer, position, updated_at FROM `+a.table("checkpoints")+` WHERE consumer = $1`,
		name).Scan(&info.Name, &info.Position, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: get projection: %w", err)
	}
	return &info, nil
}

// SetProjectionStatus is accepted for interface completeness. Checkpoint rows
// carry no status column; pausing is done by stopping the runner.
func (a *Adapter) SetProjectionStatus(ctx context.Context, name string, status string) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return nil
}

// ResetProjectionCheckpoint resets a projection's position to 0.
func (a *Adapter) ResetProjectionCheckpoint(ctx context.Context, name string) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.SetCheckpoint(ctx, name, 0)
}

// GetTotalEventCount returns the highest global position.
func (a *Adapter) GetTotalEventCount(ctx context.Context) (int64, error) {
	pos, err := a.GetLastPosition(ctx)
	if err != nil {
		return 0, err
	}
	return int64(pos), nil
}

// GetDiagnosticInfo returns the server version and connection status.
func (a *Adapter) GetDiagnosticInfo(ctx context.Context) (*adapters.DiagnosticInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if err := a.db.PingContext(ctx); err != nil {
		return &adapters.DiagnosticInfo{
			Connected: false,
			Message:   err.Error(),
		}, nil
	}

	var version string
	if err := a.db.QueryRowContext(ctx, `SELECT version()`).Scan(&version); err != nil {
		return nil, fmt.Errorf("strata/postgres: read server version: %w", err)
	}
	return &adapters.DiagnosticInfo{
		Version:   version,
		Connected: true,
		Message:   "connection healthy",
	}, nil
}

// CheckSchema verifies the named event store table exists in the adapter's
// schema.
func (a *Adapter) CheckSchema(ctx context.Context, tableName string) (*adapters.SchemaCheckResult, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if tableName == "" {
		tableName = "events"
	}

	var exists bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, a.schema, tableName).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: check schema: %w", err)
	}

	if !exists {
		return &adapters.SchemaCheckResult{
			TableExists: false,
			Message:     fmt.Sprintf("table %s.%s does not exist, run initialize", a.schema, tableName),
		}, nil
	}

	var count int64
	err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+pq.QuoteIdentifier(a.schema)+`.`+pq.QuoteIdentifier(tableName)).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: count events: %w", err)
	}
	return &adapters.SchemaCheckResult{
		TableExists: true,
		EventCount:  count,
		Message:     "schema is in place",
	}, nil
}

// GetProjectionHealth summarizes how far projections lag behind the head of
// the log.
func (a *Adapter) GetProjectionHealth(ctx context.Context) (*adapters.ProjectionHealthResult, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	maxPos, err := a.GetTotalEventCount(ctx)
	if err != nil {
		return nil, err
	}

	result := &adapters.ProjectionHealthResult{MaxPosition: maxPos}
	err = a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE position < $1)
		 FROM `+a.table("checkpoints"),
		maxPos).Scan(&result.TotalProjections, &result.ProjectionsBehind)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: projection health: %w", err)
	}

	switch {
	case result.TotalProjections == 0:
		result.Message = "no projections registered"
	case result.ProjectionsBehind == 0:
		result.Message = "all projections caught up"
	default:
		result.Message = fmt.Sprintf("%d of %d projections behind position %d",
			result.ProjectionsBehind, result.TotalProjections, maxPos)
	}
	return result, nil
}
