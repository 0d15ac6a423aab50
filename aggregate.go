package strata

// Aggregate is an event-sourced domain object: its state is derived entirely
// from its own event history, and mutations are expressed as new events
// queued until a repository commits them.
type Aggregate interface {
	// AggregateID returns the unique identifier of this instance.
	AggregateID() string

	// AggregateType returns the category of this aggregate (e.g. "Order").
	AggregateType() string

	// Version returns the stream version this aggregate was rebuilt to.
	// It is advanced only after a successful commit, never by ApplyEvent,
	// so replay-time application and commit-time bookkeeping cannot drift.
	Version() int64

	// ApplyEvent folds one event into the aggregate's state. It must be
	// deterministic: replaying the same sequence through a fresh instance
	// always reconstructs the same state.
	ApplyEvent(event interface{}) error

	// UncommittedEvents returns events applied but not yet persisted.
	UncommittedEvents() []interface{}

	// ClearUncommittedEvents drains the pending queue after a successful
	// commit.
	ClearUncommittedEvents()
}

// VersionSetter is implemented by aggregates whose version can be advanced
// by the repository after a load or a successful save. AggregateBase
// implements it.
type VersionSetter interface {
	SetVersion(v int64)
}

// AggregateBase provides the bookkeeping half of the Aggregate interface:
// identity, version, and the pending event queue. Embed it and implement
// ApplyEvent with your domain's state transitions.
type AggregateBase struct {
	id            string
	aggregateType string
	version       int64
	uncommitted   []interface{}
}

// NewAggregateBase creates an AggregateBase with the given ID and type.
func NewAggregateBase(id, aggregateType string) AggregateBase {
	return AggregateBase{id: id, aggregateType: aggregateType}
}

// AggregateID returns the aggregate's unique identifier.
func (a *AggregateBase) AggregateID() string {
	return a.id
}

// SetID sets the aggregate's ID.
func (a *AggregateBase) SetID(id string) {
	a.id = id
}

// AggregateType returns the aggregate type.
func (a *AggregateBase) AggregateType() string {
	return a.aggregateType
}

// SetType sets the aggregate type.
func (a *AggregateBase) SetType(t string) {
	a.aggregateType = t
}

// Version returns the committed stream version this aggregate reflects.
func (a *AggregateBase) Version() int64 {
	return a.version
}

// SetVersion sets the aggregate version. Called by repositories after load
// and after a successful save; domain code never calls it.
func (a *AggregateBase) SetVersion(v int64) {
	a.version = v
}

// UncommittedEvents returns events that have not been persisted yet.
func (a *AggregateBase) UncommittedEvents() []interface{} {
	return a.uncommitted
}

// ClearUncommittedEvents drains the pending queue.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.uncommitted = nil
}

// Raise applies an event through the root's ApplyEvent and records it as
// uncommitted, as one step. Domain operations call it with the outer
// aggregate as root:
//
//	func (o *Order) Place(customerID string) error {
//	    return o.Raise(o, OrderPlaced{CustomerID: customerID})
//	}
//
// If ApplyEvent rejects the event, nothing is recorded.
func (a *AggregateBase) Raise(root Aggregate, event interface{}) error {
	if err := root.ApplyEvent(event); err != nil {
		return err
	}
	a.uncommitted = append(a.uncommitted, event)
	return nil
}

// HasUncommittedEvents reports whether events are waiting to be persisted.
func (a *AggregateBase) HasUncommittedEvents() bool {
	return len(a.uncommitted) > 0
}

// StreamID returns the stream identity for this aggregate, composed of its
// type and ID.
func (a *AggregateBase) StreamID() StreamID {
	return NewStreamID(a.aggregateType, a.id)
}

// AggregateFactory creates a fresh aggregate instance for an ID, used by
// repositories during load.
type AggregateFactory func(id string) Aggregate

// Snapshotter is implemented by aggregates that control their own snapshot
// encoding. Aggregates that don't implement it fall back to JSON of their
// exported fields.
type Snapshotter interface {
	// SnapshotState returns an opaque blob sufficient to reconstruct the
	// aggregate without replaying the events it covers.
	SnapshotState() ([]byte, error)

	// RestoreSnapshot rebuilds domain state from a blob produced by
	// SnapshotState. Identity and version are restored by the repository.
	RestoreSnapshot(data []byte) error
}
