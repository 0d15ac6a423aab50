// Package testutil provides fixtures, stub adapters, and infrastructure
// helpers shared by the framework's own tests.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/stratastore/strata/adapters"
)

var (
	_ adapters.EventStoreAdapter   = (*StubAdapter)(nil)
	_ adapters.SubscriptionAdapter = (*StubAdapter)(nil)
	_ adapters.SnapshotAdapter     = (*StubAdapter)(nil)
)

// StubAdapter is a canned event store adapter for unit tests. Seed Events
// with the history to serve, and set the per-operation error fields to
// simulate failures. It is not safe for concurrent use.
type StubAdapter struct {
	Events    []adapters.StoredEvent
	Snapshots map[string]*adapters.SnapshotRecord

	AppendErr           error
	LoadErr             error
	GetStreamInfoErr    error
	GetLastPositionErr  error
	LoadFromPositionErr error
	SnapshotErr         error
}

// Append records nothing; it returns stored events stamped with sequential
// versions continuing from expectedVersion.
func (s *StubAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if s.AppendErr != nil {
		return nil, s.AppendErr
	}
	base := expectedVersion
	if base < 0 {
		base = 0
	}
	stored := make([]adapters.StoredEvent, len(events))
	for i, e := range events {
		stored[i] = adapters.StoredEvent{
			ID:             fmt.Sprintf("event-%s-%d", e.Type, base+int64(i)+1),
			StreamID:       streamID,
			Type:           e.Type,
			Data:           e.Data,
			Metadata:       e.Metadata,
			Version:        base + int64(i) + 1,
			GlobalPosition: uint64(base + int64(i) + 1),
			Timestamp:      time.Now(),
		}
	}
	return stored, nil
}

// Load returns the seeded events at or past fromVersion for the stream.
func (s *StubAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	var out []adapters.StoredEvent
	for _, e := range s.Events {
		if e.StreamID == streamID && e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *StubAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if s.GetStreamInfoErr != nil {
		return nil, s.GetStreamInfoErr
	}
	info := &adapters.StreamInfo{
		StreamID: streamID,
		Category: adapters.ExtractCategory(streamID),
	}
	for _, e := range s.Events {
		if e.StreamID == streamID {
			info.EventCount++
			if e.Version > info.Version {
				info.Version = e.Version
			}
		}
	}
	return info, nil
}

func (s *StubAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if s.GetLastPositionErr != nil {
		return 0, s.GetLastPositionErr
	}
	var last uint64
	for _, e := range s.Events {
		if e.GlobalPosition > last {
			last = e.GlobalPosition
		}
	}
	return last, nil
}

func (s *StubAdapter) Initialize(ctx context.Context) error { return nil }

func (s *StubAdapter) Close() error { return nil }

// LoadFromPosition returns seeded events past fromPosition, up to limit.
func (s *StubAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if s.LoadFromPositionErr != nil {
		return nil, s.LoadFromPositionErr
	}
	var out []adapters.StoredEvent
	for _, e := range s.Events {
		if e.GlobalPosition > fromPosition {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// SubscribeAll streams every seeded event and then closes the channel.
func (s *StubAdapter) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	return s.replay(ctx, func(e adapters.StoredEvent) bool {
		return e.GlobalPosition > fromPosition
	}), nil
}

// SubscribeStream streams the seeded events of one stream and then closes
// the channel.
func (s *StubAdapter) SubscribeStream(ctx context.Context, streamID string, fromVersion int64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	return s.replay(ctx, func(e adapters.StoredEvent) bool {
		return e.StreamID == streamID && e.Version >= fromVersion
	}), nil
}

// SubscribeCategory streams the seeded events whose stream belongs to the
// category and then closes the channel.
func (s *StubAdapter) SubscribeCategory(ctx context.Context, category string, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	return s.replay(ctx, func(e adapters.StoredEvent) bool {
		return adapters.ExtractCategory(e.StreamID) == category && e.GlobalPosition > fromPosition
	}), nil
}

func (s *StubAdapter) replay(ctx context.Context, match func(adapters.StoredEvent) bool) <-chan adapters.StoredEvent {
	ch := make(chan adapters.StoredEvent)
	events := make([]adapters.StoredEvent, len(s.Events))
	copy(events, s.Events)
	go func() {
		defer close(ch)
		for _, e := range events {
			if !match(e) {
				continue
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// SaveSnapshot stores the snapshot in memory, replacing any previous one.
func (s *StubAdapter) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if s.SnapshotErr != nil {
		return s.SnapshotErr
	}
	if s.Snapshots == nil {
		s.Snapshots = make(map[string]*adapters.SnapshotRecord)
	}
	s.Snapshots[streamID] = &adapters.SnapshotRecord{
		StreamID: streamID,
		Version:  version,
		Data:     data,
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when none exists.
func (s *StubAdapter) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	if s.SnapshotErr != nil {
		return nil, s.SnapshotErr
	}
	return s.Snapshots[streamID], nil
}

func (s *StubAdapter) DeleteSnapshot(ctx context.Context, streamID string) error {
	if s.SnapshotErr != nil {
		return s.SnapshotErr
	}
	delete(s.Snapshots, streamID)
	return nil
}
