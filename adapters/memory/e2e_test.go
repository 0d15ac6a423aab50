package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters/memory"
)

type accountOpened struct {
	Owner string `json:"owner"`
}

type moneyDeposited struct {
	Amount int64 `json:"amount"`
}

type account struct {
	strata.AggregateBase

	Owner   string
	Balance int64
}

func newAccount(id string) *account {
	return &account{AggregateBase: strata.NewAggregateBase(id, "Account")}
}

func (a *account) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case accountOpened:
		a.Owner = e.Owner
	case moneyDeposited:
		a.Balance += e.Amount
	default:
		return errors.New("unknown event")
	}
	return nil
}

func (a *account) Open(owner string) error {
	return a.Raise(a, accountOpened{Owner: owner})
}

func (a *account) Deposit(amount int64) error {
	return a.Raise(a, moneyDeposited{Amount: amount})
}

func newStore(t *testing.T) *strata.EventStore {
	t.Helper()
	store := strata.New(memory.NewAdapter())
	store.RegisterEvents(accountOpened{}, moneyDeposited{})
	return store
}

func TestEndToEnd_AggregateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	acc := newAccount("acc-1")
	require.NoError(t, acc.Open("alice"))
	require.NoError(t, acc.Deposit(100))
	require.NoError(t, acc.Deposit(50))

	version, err := store.SaveAggregate(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, int64(3), acc.Version())
	assert.False(t, acc.HasUncommittedEvents())

	reloaded := newAccount("acc-1")
	require.NoError(t, store.LoadAggregate(ctx, reloaded))
	assert.Equal(t, "alice", reloaded.Owner)
	assert.Equal(t, int64(150), reloaded.Balance)
	assert.Equal(t, int64(3), reloaded.Version())
}

func TestEndToEnd_ConcurrentSaveRace(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	seed := newAccount("acc-1")
	require.NoError(t, seed.Open("alice"))
	_, err := store.SaveAggregate(ctx, seed)
	require.NoError(t, err)

	load := func() *account {
		acc := newAccount("acc-1")
		require.NoError(t, store.LoadAggregate(ctx, acc))
		return acc
	}

	first, second := load(), load()
	require.NoError(t, first.Deposit(10))
	require.NoError(t, second.Deposit(20))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, acc := range []*account{first, second} {
		wg.Add(1)
		go func(i int, acc *account) {
			defer wg.Done()
			_, errs[i] = store.SaveAggregate(ctx, acc)
		}(i, acc)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, strata.ErrConcurrencyConflict)
		}
	}
	assert.Equal(t, 1, winners)

	final := load()
	assert.Equal(t, int64(2), final.Version())
}

func TestEndToEnd_Repository_Snapshots(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	store := strata.New(adapter)
	store.RegisterEvents(accountOpened{}, moneyDeposited{})

	repo := strata.NewRepository(store, newAccount,
		strata.WithSnapshots[*account](adapter, 2))

	acc := newAccount("acc-1")
	require.NoError(t, acc.Open("alice"))
	require.NoError(t, acc.Deposit(100))
	committed, err := repo.Save(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed)

	rec, err := adapter.LoadSnapshot(ctx, "Account-acc-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.Version)

	loaded, err := repo.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), loaded.Balance)
	assert.Equal(t, "alice", loaded.Owner)
	assert.Equal(t, int64(2), loaded.Version())
}

func TestEndToEnd_InlineProjection(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	var mu sync.Mutex
	balances := map[string]int64{}

	engine := strata.NewProjectionEngine(store)
	projection := &balanceProjection{
		ProjectionBase: strata.NewProjectionBase("balances", "moneyDeposited"),
		apply: func(ev strata.StoredEvent) {
			mu.Lock()
			defer mu.Unlock()
			balances[ev.StreamID] += 1
		},
	}
	require.NoError(t, engine.RegisterInline(projection))
	store.ObserveCommits(engine)

	acc := newAccount("acc-1")
	require.NoError(t, acc.Open("alice"))
	require.NoError(t, acc.Deposit(100))
	_, err := store.SaveAggregate(ctx, acc)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(1), balances["Account-acc-1"])
}

type balanceProjection struct {
	strata.ProjectionBase
	apply func(strata.StoredEvent)
}

func (p *balanceProjection) Apply(ctx context.Context, event strata.StoredEvent) error {
	if !p.HandlesEvent(event.Type) {
		return nil
	}
	p.apply(event)
	return nil
}
