package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/stratastore/strata/adapters"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultBufferSize   = 100
	defaultBatchLimit   = 1000
)

// LoadFromPosition returns up to limit events after fromPosition in global
// order.
func (a *Adapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, defaultBatchLimit)

	rows, err := a.db.QueryContext(ctx,
		`SELECT global_position, event_id, stream_id, version, event_type, data, metadata, created_at
		 FROM `+a.table("events")+`
		 WHERE global_position > $1
		 ORDER BY global_position
		 LIMIT $2`,
		fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: load from position: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SubscribeAll streams every event after fromPosition by polling the events
// table. Delivery stops when ctx is cancelled.
func (a *Adapter) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	options := subscriptionDefaults(opts)
	out := make(chan adapters.StoredEvent, options.BufferSize)

	go a.poll(ctx, out, options, fromPosition, func(ctx context.Context, pos uint64) ([]adapters.StoredEvent, error) {
		return a.LoadFromPosition(ctx, pos, options.BufferSize)
	})
	return out, nil
}

// SubscribeStream streams one stream's events after fromVersion.
func (a *Adapter) SubscribeStream(ctx context.Context, streamID string, fromVersion int64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	options := subscriptionDefaults(opts)
	out := make(chan adapters.StoredEvent, options.BufferSize)

	version := fromVersion
	go a.poll(ctx, out, options, 0, func(ctx context.Context, _ uint64) ([]adapters.StoredEvent, error) {
		events, err := a.Load(ctx, streamID, version)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			version = events[len(events)-1].Version
		}
		return events, nil
	})
	return out, nil
}

// SubscribeCategory streams events of all streams in a category after
// fromPosition.
func (a *Adapter) SubscribeCategory(ctx context.Context, category string, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	options := subscriptionDefaults(opts)
	out := make(chan adapters.StoredEvent, options.BufferSize)

	go a.poll(ctx, out, options, fromPosition, func(ctx context.Context, pos uint64) ([]adapters.StoredEvent, error) {
		return a.loadCategoryEvents(ctx, category, pos, options.BufferSize)
	})
	return out, nil
}

func (a *Adapter) loadCategoryEvents(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT e.global_position, e.event_id, e.stream_id, e.version, e.event_type, e.data, e.metadata, e.created_at
		 FROM `+a.table("events")+` e
		 JOIN `+a.table("streams")+` s ON s.stream_id = e.stream_id
		 WHERE s.category = $1 AND e.global_position > $2
		 ORDER BY e.global_position
		 LIMIT $3`,
		category, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: load category events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// poll repeatedly fetches events via fetch and forwards them to out,
// advancing the position cursor past each delivered event. The fetch
// callback may track its own cursor instead (stream subscriptions key on
// version, not position).
func (a *Adapter) poll(ctx context.Context, out chan<- adapters.StoredEvent, options adapters.SubscriptionOptions, fromPosition uint64, fetch func(context.Context, uint64) ([]adapters.StoredEvent, error)) {
	defer close(out)

	ticker := time.NewTicker(options.PollInterval)
	defer ticker.Stop()

	position := fromPosition
	for {
		events, err := fetch(ctx, position)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if options.OnError != nil {
				options.OnError(err)
			}
		}
		for _, ev := range events {
			select {
			case out <- ev:
				if ev.GlobalPosition > position {
					position = ev.GlobalPosition
				}
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func subscriptionDefaults(opts []adapters.SubscriptionOptions) adapters.SubscriptionOptions {
	var options adapters.SubscriptionOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.BufferSize <= 0 {
		options.BufferSize = defaultBufferSize
	}
	if options.PollInterval <= 0 {
		options.PollInterval = defaultPollInterval
	}
	return options
}

