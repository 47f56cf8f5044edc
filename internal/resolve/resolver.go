// Package resolve finds or creates the canonical remote entity behind a
// reference held by a dependent record.
//
// Names are assumed unique within one farm. A name with no remote match
// is created with the resource's defaults, which makes resolution
// idempotent by name.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	ferrors "github.com/alexjbarnes/farm-sync/internal/errors"
	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/remote"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// LocalLookup is the read-only subset of the Local Store the resolver uses.
type LocalLookup interface {
	Get(resource models.Resource, localID string) (models.Record, error)
	FindByName(resource models.Resource, match func(name string) bool) (*models.Record, error)
}

// Directory is the subset of the remote client used to search and
// create canonical entities.
type Directory interface {
	Search(ctx context.Context, resource models.Resource, nameField, name string) ([]remote.Entity, error)
	Create(ctx context.Context, resource models.Resource, body []byte) (string, error)
}

// Resolver maps references to server ids.
type Resolver struct {
	local  LocalLookup
	remote Directory
	logger *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]string

	// flight collapses concurrent lookups of one name so a missing
	// parent is searched and created once.
	flight singleflight.Group
}

var errUnresolved = errors.New("unresolved")

type cacheKey struct {
	resource models.Resource
	name     string
}

// New creates a resolver.
func New(local LocalLookup, dir Directory, logger *slog.Logger) *Resolver {
	return &Resolver{
		local:  local,
		remote: dir,
		logger: logger.With(slog.String("component", "resolver")),
		cache:  make(map[cacheKey]string),
	}
}

// FoldName normalizes a name for case-insensitive exact comparison.
func FoldName(name string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(name)))
}

// Resolve returns the server id for ref, or false when the reference
// cannot be resolved yet. A local parent only counts once it was synced
// before cycleStart, so a parent and its child never upload in the
// same cycle.
func (r *Resolver) Resolve(ctx context.Context, ref models.Ref, cycleStart time.Time) (string, bool) {
	logger := r.logger.With(
		slog.String("resource", string(ref.Resource)),
		slog.String("field", ref.Field),
	)

	if ref.ServerID != "" {
		return ref.ServerID, true
	}

	if ref.LocalID != "" {
		return r.resolveLocal(ref, cycleStart, logger)
	}

	if strings.TrimSpace(ref.Name) == "" {
		logger.Debug("empty reference")
		return "", false
	}

	return r.resolveName(ctx, ref, cycleStart, logger)
}

func (r *Resolver) resolveLocal(ref models.Ref, cycleStart time.Time, logger *slog.Logger) (string, bool) {
	parent, err := r.local.Get(ref.Resource, ref.LocalID)
	if err != nil {
		if !errors.Is(err, ferrors.ErrNotFound) {
			logger.Warn("reading parent record", slog.String("error", err.Error()))
		}

		return "", false
	}

	if !parent.SyncedBefore(cycleStart) {
		logger.Debug("parent not yet synced", slog.String("local_id", ref.LocalID))
		return "", false
	}

	return parent.ServerID, true
}

func (r *Resolver) resolveName(ctx context.Context, ref models.Ref, cycleStart time.Time, logger *slog.Logger) (string, bool) {
	folded := FoldName(ref.Name)
	key := cacheKey{resource: ref.Resource, name: folded}

	id, ok := r.cached(key)
	if ok {
		return id, true
	}

	v, err, _ := r.flight.Do(string(ref.Resource)+"\x00"+folded, func() (interface{}, error) {
		if id, ok := r.cached(key); ok {
			return id, nil
		}

		if id, ok := r.lookupName(ctx, ref, key, cycleStart, logger); ok {
			return id, nil
		}

		return "", errUnresolved
	})
	if err != nil {
		return "", false
	}

	return v.(string), true
}

func (r *Resolver) lookupName(ctx context.Context, ref models.Ref, key cacheKey, cycleStart time.Time, logger *slog.Logger) (string, bool) {
	folded := key.name

	// A local entity with this name wins. If it has not reached the
	// server yet, wait for its own syncer instead of creating a twin.
	local, err := r.local.FindByName(ref.Resource, func(name string) bool {
		return FoldName(name) == folded
	})
	if err != nil {
		logger.Warn("searching local records", slog.String("error", err.Error()))
		return "", false
	}

	if local != nil {
		if !local.SyncedBefore(cycleStart) {
			logger.Debug("named parent pending locally", slog.String("local_id", local.LocalID))
			return "", false
		}

		r.remember(key, local.ServerID)

		return local.ServerID, true
	}

	spec, _ := models.Lookup(ref.Resource)

	nameField := spec.NameField
	if nameField == "" {
		nameField = "name"
	}

	matches, err := r.remote.Search(ctx, ref.Resource, nameField, ref.Name)
	if err != nil {
		logger.Debug("remote search failed", slog.String("error", err.Error()))
		return "", false
	}

	for _, m := range matches {
		if FoldName(m.Name) == folded {
			r.remember(key, m.ID)
			return m.ID, true
		}
	}

	body := map[string]any{}
	for k, v := range spec.Defaults {
		body[k] = v
	}

	body[nameField] = strings.TrimSpace(ref.Name)

	payload, err := json.Marshal(body)
	if err != nil {
		return "", false
	}

	id, err := r.remote.Create(ctx, ref.Resource, payload)
	if err != nil {
		logger.Debug("creating missing parent failed", slog.String("error", err.Error()))
		return "", false
	}

	logger.Info("created missing parent", slog.String("name", ref.Name), slog.String("server_id", id))
	r.remember(key, id)

	return id, true
}

func (r *Resolver) cached(key cacheKey) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.cache[key]

	return id, ok
}

func (r *Resolver) remember(key cacheKey, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache[key] = id
}
