package tools

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m4xw311/murmur/errors"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentListings bounds how many sources are queried at once.
const maxConcurrentListings = 8

// Registry merges the tools of several sources into one name space.
// Sources earlier in the list win name collisions.
type Registry struct {
	sources []Source
	ignore  map[string]bool
	logger  *slog.Logger

	mu        sync.RWMutex
	manifests []Manifest
	owners    map[string]Source
}

// NewRegistry returns a registry over sources. Tools named in ignore are
// never listed or resolved.
func NewRegistry(logger *slog.Logger, ignore []string, sources ...Source) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sources: sources,
		ignore:  make(map[string]bool, len(ignore)),
		logger:  logger,
		owners:  map[string]Source{},
	}
	for _, name := range ignore {
		r.ignore[name] = true
	}
	return r
}

// Sources returns the configured sources in priority order.
func (r *Registry) Sources() []Source {
	return append([]Source{}, r.sources...)
}

type listing struct {
	source    Source
	manifests []Manifest
}

// list queries every source concurrently. A failing source is logged and
// contributes nothing.
func (r *Registry) list(ctx context.Context) []listing {
	results := make([]listing, len(r.sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentListings)
	for i, src := range r.sources {
		g.Go(func() error {
			ms, err := src.ListTools(gctx)
			if err != nil {
				r.logger.Warn("tool source listing failed", "source", src.Name(), "error", err)
				return nil
			}
			results[i] = listing{source: src, manifests: ms}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ListAll returns the manifests of every reachable source in source order,
// without ignored tools and without shadowed duplicates.
func (r *Registry) ListAll(ctx context.Context) []Manifest {
	manifests, _ := r.merge(r.list(ctx))
	return manifests
}

func (r *Registry) merge(listings []listing) ([]Manifest, map[string]Source) {
	var out []Manifest
	owners := map[string]Source{}
	for _, l := range listings {
		for _, m := range l.manifests {
			if r.ignore[m.Name] {
				continue
			}
			if prev, dup := owners[m.Name]; dup {
				r.logger.Debug("tool shadowed by earlier source", "tool", m.Name, "source", l.source.Name(), "owner", prev.Name())
				continue
			}
			owners[m.Name] = l.source
			out = append(out, m)
		}
	}
	return out, owners
}

// Load lists every source and caches the result for Manifests and Resolve.
// It returns the number of tools discovered.
func (r *Registry) Load(ctx context.Context) int {
	manifests, owners := r.merge(r.list(ctx))
	r.mu.Lock()
	r.manifests, r.owners = manifests, owners
	r.mu.Unlock()
	r.logger.Info("tools loaded", "count", len(manifests), "sources", len(r.sources))
	return len(manifests)
}

// Manifests returns the manifests cached by the last Load.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Manifest{}, r.manifests...)
}

// Resolve returns the source owning name.
func (r *Registry) Resolve(name string) (Source, error) {
	if r.ignore[name] {
		return nil, errors.Wrapf(errors.ErrToolNotFound, "tool '%s' is ignored", name)
	}
	r.mu.RLock()
	src, ok := r.owners[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrToolNotFound, "no source provides '%s'", name)
	}
	return src, nil
}

// Invoke calls name on its owning source. Unknown tools fail with
// ErrToolNotFound, source failures with ErrToolInvocation.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	src, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	out, err := src.CallTool(ctx, name, args)
	if err != nil {
		return "", errors.Mark(err, errors.ErrToolInvocation, "tool '%s' failed", name)
	}
	return out, nil
}
