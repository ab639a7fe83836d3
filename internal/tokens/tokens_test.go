package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chatpush/internal/eventbus"
	"chatpush/internal/storage"
	logx "chatpush/pkg/logx"
)

func newService(t *testing.T, opts Options) (*Service, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop(), opts), st
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, Options{})

	res, err := svc.Register(ctx, "u1", "tok-a")
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, []string{"tok-a"}, res.Endpoints)

	res, err = svc.Register(ctx, "u1", "tok-a")
	require.NoError(t, err)
	require.False(t, res.Changed)

	rec, err := st.Load(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Version, "second registration must not write")
	require.Equal(t, []string{"tok-a"}, rec.Endpoints)
}

func TestRegisterMergesLegacyEndpoint(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, Options{})
	require.NoError(t, st.CompareAndSwap(ctx, storage.Record{UserID: "u1", LegacyEndpoint: "old"}, 0))

	snap, err := svc.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, snap)

	_, err = svc.Register(ctx, "u1", "new")
	require.NoError(t, err)

	rec, err := st.Load(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, rec.LegacyEndpoint)
	require.Equal(t, []string{"old", "new"}, rec.Endpoints)
}

func TestConcurrentRegistrationsAreAllKept(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, Options{CASRetries: 100})

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Register(ctx, "u1", fmt.Sprintf("tok-%02d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, err := svc.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap, n)
	for i := 0; i < n; i++ {
		require.Contains(t, snap, fmt.Sprintf("tok-%02d", i))
	}
}

func TestEvictIsIdempotent(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.TypeEndpointEvicted)
	defer unsub()
	svc, st := newService(t, Options{Bus: bus})

	_, err := svc.Register(ctx, "u1", "a")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "u1", "b")
	require.NoError(t, err)

	removed, err := svc.Evict(ctx, "u1", "a")
	require.NoError(t, err)
	require.True(t, removed)

	before, err := st.Load(ctx, "u1")
	require.NoError(t, err)

	removed, err = svc.Evict(ctx, "u1", "a")
	require.NoError(t, err)
	require.False(t, removed)

	after, err := st.Load(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, []string{"b"}, after.Endpoints)

	require.Len(t, ch, 1)
	ev := (<-ch).Data.(Evicted)
	require.Equal(t, "u1", ev.UserID)
	require.Equal(t, "evict", ev.Reason)
}

func TestEvictClearsLegacyField(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t, Options{})
	require.NoError(t, st.CompareAndSwap(ctx, storage.Record{UserID: "u1", Endpoints: []string{"x"}, LegacyEndpoint: "old"}, 0))

	removed, err := svc.Evict(ctx, "u1", "old")
	require.NoError(t, err)
	require.True(t, removed)

	rec, err := st.Load(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, rec.LegacyEndpoint)
	require.Equal(t, []string{"x"}, rec.Endpoints)
}

func TestRegisterDropsOldestOverCap(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, Options{MaxEndpoints: 2})

	for _, e := range []string{"a", "b"} {
		_, err := svc.Register(ctx, "u1", e)
		require.NoError(t, err)
	}
	res, err := svc.Register(ctx, "u1", "c")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, res.Endpoints)
	require.Equal(t, []string{"a"}, res.Dropped)
}

func TestPruneRemovesOnlyListed(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, Options{})
	for _, e := range []string{"a", "b", "c"} {
		_, err := svc.Register(ctx, "u1", e)
		require.NoError(t, err)
	}

	n, err := svc.Prune(ctx, "u1", []string{"a", "c", "zzz"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	snap, err := svc.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, snap)
}

func TestSnapshotUnknownUserIsEmpty(t *testing.T) {
	svc, _ := newService(t, Options{})
	snap, err := svc.Snapshot(context.Background(), "ghost")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Empty(t, snap)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, Options{})

	_, err := svc.Register(ctx, "", "x")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.Evict(ctx, "u", " ")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.Snapshot(ctx, "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

type brokenStore struct{ storage.Store }

func (brokenStore) Load(context.Context, string) (storage.Record, error) {
	return storage.Record{}, errors.New("connection refused")
}
func (brokenStore) ListUsers(context.Context) ([]string, error) {
	return nil, errors.New("connection refused")
}

type conflictStore struct{ storage.Store }

func (conflictStore) CompareAndSwap(context.Context, storage.Record, uint64) error {
	return storage.ErrConflict
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	ctx := context.Background()
	svc := New(brokenStore{storage.NewMemory()}, logx.Nop(), Options{})

	_, err := svc.Snapshot(ctx, "u1")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = svc.Register(ctx, "u1", "a")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = svc.Users(ctx)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	svc = New(conflictStore{storage.NewMemory()}, logx.Nop(), Options{CASRetries: 2})
	_, err = svc.Register(ctx, "u1", "a")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
