package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/stratastore/strata/adapters"
)

var (
	_ adapters.StreamQueryAdapter     = (*Adapter)(nil)
	_ adapters.ProjectionQueryAdapter = (*Adapter)(nil)
	_ adapters.DiagnosticAdapter      = (*Adapter)(nil)
)

// ListStreams returns stream summaries ordered by most recently updated.
func (a *Adapter) ListStreams(ctx context.Context, prefix string, limit int) ([]adapters.StreamSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	summaries := make([]adapters.StreamSummary, 0, len(a.streams))
	for id, info := range a.streams {
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			continue
		}
		s := adapters.StreamSummary{
			StreamID:    id,
			EventCount:  info.EventCount,
			LastUpdated: info.UpdatedAt,
		}
		if offsets := a.byStream[id]; len(offsets) > 0 {
			s.LastEventType = a.log[offsets[len(offsets)-1]].Type
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUpdated.After(summaries[j].LastUpdated)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// GetStreamEvents returns a page of a stream's events for inspection.
func (a *Adapter) GetStreamEvents(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	events, err := a.Load(ctx, streamID, fromVersion)
	if err != nil {
		return nil, err
	}
	limit = adapters.DefaultLimit(limit, 100)
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// GetEventStoreStats returns aggregate statistics about the store.
func (a *Adapter) GetEventStoreStats(ctx context.Context) (*adapters.EventStoreStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	counts := make(map[string]int64)
	for _, ev := range a.log {
		counts[ev.Type]++
	}

	stats := &adapters.EventStoreStats{
		TotalEvents:  int64(len(a.log)),
		TotalStreams: int64(len(a.streams)),
		EventTypes:   int64(len(counts)),
	}
	if stats.TotalStreams > 0 {
		stats.AvgEventsPerStream = float64(stats.TotalEvents) / float64(stats.TotalStreams)
	}

	for t, n := range counts {
		stats.TopEventTypes = append(stats.TopEventTypes, adapters.EventTypeCount{Type: t, Count: n})
	}
	sort.Slice(stats.TopEventTypes, func(i, j int) bool {
		if stats.TopEventTypes[i].Count != stats.TopEventTypes[j].Count {
			return stats.TopEventTypes[i].Count > stats.TopEventTypes[j].Count
		}
		return stats.TopEventTypes[i].Type < stats.TopEventTypes[j].Type
	})
	if len(stats.TopEventTypes) > 10 {
		stats.TopEventTypes = stats.TopEventTypes[:10]
	}
	return stats, nil
}

// ListProjections returns every consumer checkpoint as a projection entry.
func (a *Adapter) ListProjections(ctx context.Context) ([]adapters.ProjectionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	infos := make([]adapters.ProjectionInfo, 0, len(a.marks))
	for name, pos := range a.marks {
		infos = append(infos, adapters.ProjectionInfo{
			Name:     name,
			Position: int64(pos),
			Status:   "active",
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// GetProjection returns a projection's checkpoint entry, or nil, nil when the
// projection has never stored a checkpoint.
func (a *Adapter) GetProjection(ctx context.Context, name string) (*adapters.ProjectionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	pos, exists := a.marks[name]
	if !exists {
		return nil, nil
	}
	return &adapters.ProjectionInfo{
		Name:     name,
		Position: int64(pos),
		Status:   "active",
	}, nil
}

// SetProjectionStatus is accepted for interface completeness; checkpoints
// carry no status.
func (a *Adapter) SetProjectionStatus(ctx context.Context, name string, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// ResetProjectionCheckpoint resets a projection's position to 0.
func (a *Adapter) ResetProjectionCheckpoint(ctx context.Context, name string) error {
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

// GetDiagnosticInfo reports the adapter's state.
func (a *Adapter) GetDiagnosticInfo(ctx context.Context) (*adapters.DiagnosticInfo, error) {
	if err := a.Ping(ctx); err != nil {
		return &adapters.DiagnosticInfo{
			Version:   "in-memory",
			Connected: false,
			Message:   err.Error(),
		}, nil
	}
	return &adapters.DiagnosticInfo{
		Version:   "in-memory",
		Connected: true,
		Message:   "adapter open",
	}, nil
}

// CheckSchema always reports success; there is no schema.
func (a *Adapter) CheckSchema(ctx context.Context, tableName string) (*adapters.SchemaCheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	return &adapters.SchemaCheckResult{
		TableExists: true,
		EventCount:  int64(len(a.log)),
		Message:     "in-memory store needs no schema",
	}, nil
}

// GetProjectionHealth summarizes how far projections lag behind the head of
// the log.
func (a *Adapter) GetProjectionHealth(ctx context.Context) (*adapters.ProjectionHealthResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	result := &adapters.ProjectionHealthResult{
		TotalProjections: int64(len(a.marks)),
		MaxPosition:      int64(len(a.log)),
	}
	for _, pos := range a.marks {
		if int64(pos) < result.MaxPosition {
			result.ProjectionsBehind++
		}
	}

	switch {
	case result.TotalProjections == 0:
		result.Message = "no projections registered"
	case result.ProjectionsBehind == 0:
		result.Message = "all projections caught up"
	default:
		result.Message = "some projections are behind"
	}
	return result, nil
}
