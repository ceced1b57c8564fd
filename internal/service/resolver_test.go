package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/testutil"
)

// fakeCache is an in-memory CacheRepository with scriptable failures.
type fakeCache struct {
	mu      sync.Mutex
	store   map[string][]byte
	mgetErr error
	msetErr error

	mgetCalls [][]string
	msetCalls []map[string][]byte
	msetTTLs  []time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string][]byte{}}
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store[key], nil
}

func (c *fakeCache) MGet(_ context.Context, keys []string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mgetCalls = append(c.mgetCalls, keys)
	if c.mgetErr != nil {
		return nil, c.mgetErr
	}
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = c.store[key]
	}
	return values, nil
}

func (c *fakeCache) MSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msetCalls = append(c.msetCalls, entries)
	c.msetTTLs = append(c.msetTTLs, ttl)
	if c.msetErr != nil {
		return c.msetErr
	}
	for key, value := range entries {
		c.store[key] = value
	}
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[key]
	delete(c.store, key)
	return ok, nil
}

func (c *fakeCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[key]
	return ok, nil
}

func (c *fakeCache) SetIfNotExists(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.store[key]; ok {
		return false, nil
	}
	c.store[key] = value
	return true, nil
}

func (c *fakeCache) Health(_ context.Context) error { return nil }

var _ core.CacheRepository = (*fakeCache)(nil)

func (c *fakeCache) seed(t *testing.T, refType model.ReferenceType, ref model.Reference) {
	t.Helper()
	raw, err := json.Marshal(ref)
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[referenceCacheKey(refType, ref.ID)] = raw
}

// fakeDirectory serves references from a per-type map and records every fetch.
type fakeDirectory struct {
	mu    sync.Mutex
	data  map[model.ReferenceType]map[string]model.Reference
	err   error
	calls []directoryCall
}

type directoryCall struct {
	RefType model.ReferenceType
	IDs     []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{data: map[model.ReferenceType]map[string]model.Reference{
		model.ReferenceDepartment: {},
		model.ReferenceOffice:     {},
		model.ReferenceTitle:      {},
	}}
}

func (d *fakeDirectory) add(refType model.ReferenceType, ref model.Reference) {
	d.data[refType][ref.ID] = ref
}

func (d *fakeDirectory) FetchByIDs(_ context.Context, refType model.ReferenceType, ids []string) ([]model.Reference, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, directoryCall{RefType: refType, IDs: ids})
	if d.err != nil {
		return nil, d.err
	}
	var refs []model.Reference
	for _, id := range ids {
		if ref, ok := d.data[refType][id]; ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

var _ core.DirectoryRepository = (*fakeDirectory)(nil)

func newTestResolver(t *testing.T, cache core.CacheRepository, directory core.DirectoryRepository) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverOptions{Cache: cache, Directory: directory})
	require.NoError(t, err)
	return r
}

func TestNewResolver(t *testing.T) {
	_, err := NewResolver(ResolverOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DirectoryRepository is required")
}

func TestResolver_ResolveAll(t *testing.T) {
	ctx := context.Background()

	deptA := model.Reference{ID: "11111111-1111-4111-8111-111111111111", Name: "Engineering"}
	deptB := model.Reference{ID: "22222222-2222-4222-8222-222222222222", Name: "Finance"}

	t.Run("all cache hits skip the store", func(t *testing.T) {
		cache := newFakeCache()
		cache.seed(t, model.ReferenceDepartment, deptA)
		cache.seed(t, model.ReferenceDepartment, deptB)
		directory := newFakeDirectory()
		resolver := newTestResolver(t, cache, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID, deptB.ID})
		require.NoError(t, err)

		assert.Equal(t, "Engineering", resolved[deptA.ID].Ref.Name)
		assert.Equal(t, "Finance", resolved[deptB.ID].Ref.Name)
		assert.Empty(t, directory.calls)
	})

	t.Run("partial miss fetches only the miss set", func(t *testing.T) {
		cache := newFakeCache()
		cache.seed(t, model.ReferenceDepartment, deptA)
		directory := newFakeDirectory()
		directory.add(model.ReferenceDepartment, deptB)
		resolver := newTestResolver(t, cache, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID, deptB.ID})
		require.NoError(t, err)

		assert.Equal(t, "Engineering", resolved[deptA.ID].Ref.Name)
		assert.Equal(t, "Finance", resolved[deptB.ID].Ref.Name)

		require.Len(t, directory.calls, 1)
		assert.Equal(t, []string{deptB.ID}, directory.calls[0].IDs)

		// The fetched row is written back under its cache key.
		require.Len(t, cache.msetCalls, 1)
		assert.Contains(t, cache.msetCalls[0], referenceCacheKey(model.ReferenceDepartment, deptB.ID))
		assert.Equal(t, defaultReferenceTTL, cache.msetTTLs[0])
	})

	t.Run("cache read failure degrades to store reads", func(t *testing.T) {
		cache := newFakeCache()
		cache.seed(t, model.ReferenceDepartment, deptA)
		cache.mgetErr = errors.New("redis: connection refused")
		directory := newFakeDirectory()
		directory.add(model.ReferenceDepartment, deptA)
		resolver := newTestResolver(t, cache, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID})
		require.NoError(t, err)

		assert.Equal(t, "Engineering", resolved[deptA.ID].Ref.Name)
		require.Len(t, directory.calls, 1)
	})

	t.Run("write-back failure does not fail the resolve", func(t *testing.T) {
		cache := newFakeCache()
		cache.msetErr = errors.New("redis: connection refused")
		directory := newFakeDirectory()
		directory.add(model.ReferenceDepartment, deptA)
		resolver := newTestResolver(t, cache, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID})
		require.NoError(t, err)
		assert.Equal(t, "Engineering", resolved[deptA.ID].Ref.Name)
	})

	t.Run("corrupt cache entry counts as a miss", func(t *testing.T) {
		cache := newFakeCache()
		cache.store[referenceCacheKey(model.ReferenceDepartment, deptA.ID)] = []byte("{not json")
		directory := newFakeDirectory()
		directory.add(model.ReferenceDepartment, deptA)
		resolver := newTestResolver(t, cache, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID})
		require.NoError(t, err)

		assert.Equal(t, "Engineering", resolved[deptA.ID].Ref.Name)
		require.Len(t, directory.calls, 1)
	})

	t.Run("unknown id resolves as missing", func(t *testing.T) {
		directory := newFakeDirectory()
		resolver := newTestResolver(t, nil, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID})
		require.NoError(t, err)

		assert.True(t, resolved[deptA.ID].Missing)
		_, reqErr := model.ResolvedSet{model.ReferenceDepartment: resolved}.Require(model.ReferenceDepartment, deptA.ID)
		require.Error(t, reqErr)
		assert.Contains(t, reqErr.Error(), "unknown department")
	})

	t.Run("nil cache reads the store directly", func(t *testing.T) {
		directory := newFakeDirectory()
		directory.add(model.ReferenceDepartment, deptA)
		resolver := newTestResolver(t, nil, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID})
		require.NoError(t, err)
		assert.Equal(t, "Engineering", resolved[deptA.ID].Ref.Name)
	})

	t.Run("store failure propagates", func(t *testing.T) {
		directory := newFakeDirectory()
		directory.err = errors.New("connection reset")
		resolver := newTestResolver(t, nil, directory)

		_, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, []string{deptA.ID})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resolve department references")
	})

	t.Run("invalid reference type", func(t *testing.T) {
		resolver := newTestResolver(t, nil, newFakeDirectory())

		_, err := resolver.ResolveAll(ctx, model.ReferenceType("region"), []string{deptA.ID})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid reference type")
	})

	t.Run("empty id set", func(t *testing.T) {
		directory := newFakeDirectory()
		resolver := newTestResolver(t, nil, directory)

		resolved, err := resolver.ResolveAll(ctx, model.ReferenceDepartment, nil)
		require.NoError(t, err)
		assert.Empty(t, resolved)
		assert.Empty(t, directory.calls)
	})
}

func TestResolver_ResolveBatch(t *testing.T) {
	ctx := context.Background()

	dept := model.Reference{ID: "11111111-1111-4111-8111-111111111111", Name: "Engineering"}
	office := model.Reference{ID: "33333333-3333-4333-8333-333333333333", Name: "Minneapolis"}
	title := model.Reference{ID: "44444444-4444-4444-8444-444444444444", Name: "Engineer"}

	directory := newFakeDirectory()
	directory.add(model.ReferenceDepartment, dept)
	directory.add(model.ReferenceOffice, office)
	directory.add(model.ReferenceTitle, title)
	resolver := newTestResolver(t, nil, directory)

	// Two records sharing the same references dedupe to one fetch per type.
	records := testutil.BatchRecords(2, dept.ID, office.ID, title.ID)

	set, err := resolver.ResolveBatch(ctx, records)
	require.NoError(t, err)

	ref, err := set.Require(model.ReferenceDepartment, dept.ID)
	require.NoError(t, err)
	assert.Equal(t, "Engineering", ref.Name)

	ref, err = set.Require(model.ReferenceOffice, office.ID)
	require.NoError(t, err)
	assert.Equal(t, "Minneapolis", ref.Name)

	ref, err = set.Require(model.ReferenceTitle, title.ID)
	require.NoError(t, err)
	assert.Equal(t, "Engineer", ref.Name)

	require.Len(t, directory.calls, 3)
	for _, call := range directory.calls {
		assert.Len(t, call.IDs, 1)
	}
}

// The three reference types resolve on separate goroutines that fill the
// shared result set; repeated runs give the race detector a fair shot at the
// assembly path.
func TestResolver_ResolveBatch_ConcurrentTypes(t *testing.T) {
	ctx := context.Background()

	dept := model.Reference{ID: "11111111-1111-4111-8111-111111111111", Name: "Engineering"}
	office := model.Reference{ID: "33333333-3333-4333-8333-333333333333", Name: "Minneapolis"}
	title := model.Reference{ID: "44444444-4444-4444-8444-444444444444", Name: "Engineer"}

	directory := newFakeDirectory()
	directory.add(model.ReferenceDepartment, dept)
	directory.add(model.ReferenceOffice, office)
	directory.add(model.ReferenceTitle, title)
	resolver := newTestResolver(t, nil, directory)

	records := testutil.BatchRecords(4, dept.ID, office.ID, title.ID)
	for i := 0; i < 50; i++ {
		set, err := resolver.ResolveBatch(ctx, records)
		require.NoError(t, err)
		require.Len(t, set, 3)
	}
}

func TestResolver_ResolveBatch_StoreError(t *testing.T) {
	directory := newFakeDirectory()
	directory.err = errors.New("connection reset")
	resolver := newTestResolver(t, nil, directory)

	records := testutil.BatchRecords(1,
		"11111111-1111-4111-8111-111111111111",
		"33333333-3333-4333-8333-333333333333",
		"44444444-4444-4444-8444-444444444444",
	)

	_, err := resolver.ResolveBatch(context.Background(), records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "references")
}
