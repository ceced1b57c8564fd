package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	"github.com/workstead/provisioner/internal/observability/metrics"
	"github.com/workstead/provisioner/internal/observability/statsd"
)

const defaultReferenceTTL = 15 * time.Minute

// Resolver resolves foreign-key references for a batch with a cache-aside
// strategy: one multi-key cache read, one multi-key store read for the miss
// set, pipelined write-back of the fetched rows. The cache is advisory; any
// cache failure degrades to store reads.
type Resolver struct {
	cache     core.CacheRepository
	directory core.DirectoryRepository
	ttl       time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
}

// ResolverOptions groups dependencies for Resolver.
type ResolverOptions struct {
	Cache     core.CacheRepository
	Directory core.DirectoryRepository
	TTL       time.Duration
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// NewResolver constructs a Resolver.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Directory == nil {
		return nil, errors.New("DirectoryRepository is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultReferenceTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "resolver")
	}

	return &Resolver{
		cache:     opts.Cache,
		directory: opts.Directory,
		ttl:       ttl,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

func referenceCacheKey(refType model.ReferenceType, id string) string {
	return fmt.Sprintf("prov:ref:%s:%s", refType, id)
}

// ResolveBatch resolves every reference the batch's records point at. Each
// reference type costs at most one cache read and one store read; the three
// types resolve in parallel.
func (r *Resolver) ResolveBatch(ctx context.Context, records []model.BatchRecord) (model.ResolvedSet, error) {
	ids := collectReferenceIDs(records)

	set := make(model.ResolvedSet, len(ids))
	for refType := range ids {
		set[refType] = make(map[string]model.ResolvedReference)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for refType, typeIDs := range ids {
		if len(typeIDs) == 0 {
			continue
		}
		refType, typeIDs := refType, typeIDs
		g.Go(func() error {
			resolved, err := r.ResolveAll(gctx, refType, typeIDs)
			if err != nil {
				return err
			}
			mu.Lock()
			set[refType] = resolved
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

// ResolveAll resolves one reference type's id set. Every requested id is
// present in the result; ids the directory does not know come back Missing.
func (r *Resolver) ResolveAll(
	ctx context.Context,
	refType model.ReferenceType,
	ids []string,
) (map[string]model.ResolvedReference, error) {
	if !refType.Valid() {
		return nil, fmt.Errorf("invalid reference type: %s", refType)
	}

	resolved := make(map[string]model.ResolvedReference, len(ids))
	if len(ids) == 0 {
		return resolved, nil
	}

	misses := r.readCache(ctx, refType, ids, resolved)
	metrics.EmitCacheLookup(r.metrics, string(refType), len(ids)-len(misses), len(misses))

	if len(misses) == 0 {
		return resolved, nil
	}

	refs, err := r.directory.FetchByIDs(ctx, refType, misses)
	if err != nil {
		return nil, fmt.Errorf("resolve %s references: %w", refType, err)
	}

	fetched := make(map[string]model.Reference, len(refs))
	for _, ref := range refs {
		fetched[ref.ID] = ref
		resolved[ref.ID] = model.ResolvedReference{Ref: &model.Reference{ID: ref.ID, Name: ref.Name}}
	}
	for _, id := range misses {
		if _, ok := fetched[id]; !ok {
			resolved[id] = model.ResolvedReference{Missing: true}
		}
	}

	r.writeBack(ctx, refType, fetched)
	return resolved, nil
}

// readCache fills resolved from the cache and returns the ids that missed.
// Cache errors are logged and treated as a full miss.
func (r *Resolver) readCache(
	ctx context.Context,
	refType model.ReferenceType,
	ids []string,
	resolved map[string]model.ResolvedReference,
) []string {
	if r.cache == nil {
		return ids
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = referenceCacheKey(refType, id)
	}

	values, err := r.cache.MGet(ctx, keys)
	if err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "reference cache read failed, falling back to store",
				"ref_type", refType,
				"error", err,
			)
		}
		return ids
	}

	var misses []string
	for i, raw := range values {
		if len(raw) == 0 {
			misses = append(misses, ids[i])
			continue
		}
		var ref model.Reference
		if decodeErr := json.Unmarshal(raw, &ref); decodeErr != nil {
			misses = append(misses, ids[i])
			continue
		}
		resolved[ids[i]] = model.ResolvedReference{Ref: &ref}
	}
	return misses
}

// writeBack stores fetched rows in the cache with the configured TTL.
// Best-effort: failures are logged only.
func (r *Resolver) writeBack(ctx context.Context, refType model.ReferenceType, fetched map[string]model.Reference) {
	if r.cache == nil || len(fetched) == 0 {
		return
	}

	entries := make(map[string][]byte, len(fetched))
	for id, ref := range fetched {
		raw, err := json.Marshal(ref)
		if err != nil {
			continue
		}
		entries[referenceCacheKey(refType, id)] = raw
	}

	if err := r.cache.MSet(ctx, entries, r.ttl); err != nil && r.logger != nil {
		r.logger.WarnContext(ctx, "reference cache write-back failed",
			"ref_type", refType,
			"count", len(entries),
			"error", err,
		)
	}
}

// collectReferenceIDs gathers the unique reference ids per type, sorted for
// deterministic query shapes.
func collectReferenceIDs(records []model.BatchRecord) map[model.ReferenceType][]string {
	seen := map[model.ReferenceType]map[string]struct{}{
		model.ReferenceDepartment: {},
		model.ReferenceOffice:     {},
		model.ReferenceTitle:      {},
	}
	for _, rec := range records {
		if rec.DepartmentID != "" {
			seen[model.ReferenceDepartment][rec.DepartmentID] = struct{}{}
		}
		if rec.OfficeID != "" {
			seen[model.ReferenceOffice][rec.OfficeID] = struct{}{}
		}
		if rec.TitleID != "" {
			seen[model.ReferenceTitle][rec.TitleID] = struct{}{}
		}
	}

	out := make(map[model.ReferenceType][]string, len(seen))
	for refType, idSet := range seen {
		ids := make([]string, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[refType] = ids
	}
	return out
}
