package routegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/crudkit/crudkit/pkg/config"
	"github.com/crudkit/crudkit/pkg/kv"
)

// Metadata TTL. Regeneration on each deploy refreshes it; an entry this old
// belongs to a process that hasn't generated routes in a month.
const metadataTTL = 30 * 24 * time.Hour

const (
	metadataKey    = "crudkit:routes:metadata"
	fingerprintKey = "crudkit:routes:fingerprint"
)

// MetadataRecord is the persisted trace of one generated route. Advisory
// only: the router remains the source of truth for what actually responds.
type MetadataRecord struct {
	RouteName   string    `json:"route_name"`
	Entity      string    `json:"entity"`
	MethodKey   string    `json:"crud_method"`
	Pattern     string    `json:"pattern"`
	HTTPMethod  string    `json:"http_method"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ValidationIssue flags a metadata entry that disagrees with the live router.
type ValidationIssue struct {
	RouteName string `json:"route_name"`
	Entity    string `json:"entity"`
	Reason    string `json:"reason"`
}

// ReasonRouteGone marks metadata whose route the live router no longer serves.
const ReasonRouteGone = "route_no_longer_exists"

// MetadataStore persists generated-route metadata as a single key-value
// entry: a JSON mapping keyed by route name, rewritten whole on every
// mutation. Volume is small (tens to low thousands of routes), so the
// whole-map rewrite is cheap.
//
// The read-modify-write is not atomic. Concurrent generation runs can
// clobber each other's writes; accepted, because generation runs once per
// process startup, not under request load.
type MetadataStore struct {
	store kv.Store
}

// NewMetadataStore wraps a key-value backend.
func NewMetadataStore(store kv.Store) *MetadataStore {
	return &MetadataStore{store: store}
}

func (s *MetadataStore) load(ctx context.Context) (map[string]MetadataRecord, error) {
	raw, ok, err := s.store.Get(ctx, metadataKey)
	if err != nil {
		return nil, err
	}
	records := make(map[string]MetadataRecord)
	if !ok {
		return records, nil
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *MetadataStore) save(ctx context.Context, records map[string]MetadataRecord) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, metadataKey, raw, metadataTTL)
}

// Record stores metadata for one registered route.
func (s *MetadataStore) Record(ctx context.Context, def RouteDefinition) error {
	return s.RecordAll(ctx, []RouteDefinition{def})
}

// RecordAll stores metadata for a batch of registered routes in one rewrite.
func (s *MetadataStore) RecordAll(ctx context.Context, defs []RouteDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	records, err := s.load(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, def := range defs {
		records[def.Name] = MetadataRecord{
			RouteName:   def.Name,
			Entity:      def.Entity,
			MethodKey:   def.MethodKey,
			Pattern:     def.Pattern,
			HTTPMethod:  def.HTTPMethod,
			GeneratedAt: now,
		}
	}
	return s.save(ctx, records)
}

// All returns every record, sorted by route name for stable output.
func (s *MetadataStore) All(ctx context.Context) ([]MetadataRecord, error) {
	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MetadataRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteName < out[j].RouteName })
	return out, nil
}

// ForEntities returns records belonging to the named entities.
func (s *MetadataStore) ForEntities(ctx context.Context, entities []string) ([]MetadataRecord, error) {
	wanted := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		wanted[e] = struct{}{}
	}
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MetadataRecord, 0)
	for _, rec := range all {
		if _, ok := wanted[rec.Entity]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// RemoveForEntities drops the records belonging to the named entities,
// returning how many were removed. The stored fingerprint is dropped with
// them so the next generation pass is not skipped.
func (s *MetadataStore) RemoveForEntities(ctx context.Context, entities []string) (int, error) {
	wanted := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		wanted[e] = struct{}{}
	}
	records, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for name, rec := range records {
		if _, ok := wanted[rec.Entity]; ok {
			delete(records, name)
			removed++
		}
	}
	if removed > 0 {
		if err := s.save(ctx, records); err != nil {
			return 0, err
		}
		if err := s.store.Delete(ctx, fingerprintKey); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// Count returns the number of tracked routes per entity.
func (s *MetadataStore) Count(ctx context.Context) (map[string]int, error) {
	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Entity]++
	}
	return counts, nil
}

// HasRecords reports whether any metadata is tracked.
func (s *MetadataStore) HasRecords(ctx context.Context) (bool, error) {
	records, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// ValidateAgainstLiveRoutes flags metadata entries whose route name is
// absent from the live router. Issues are reported, never auto-repaired.
func (s *MetadataStore) ValidateAgainstLiveRoutes(ctx context.Context, liveRouteNames []string) ([]ValidationIssue, error) {
	live := make(map[string]struct{}, len(liveRouteNames))
	for _, name := range liveRouteNames {
		live[name] = struct{}{}
	}
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var issues []ValidationIssue
	for _, rec := range all {
		if _, ok := live[rec.RouteName]; !ok {
			issues = append(issues, ValidationIssue{
				RouteName: rec.RouteName,
				Entity:    rec.Entity,
				Reason:    ReasonRouteGone,
			})
		}
	}
	return issues, nil
}

// CleanupStale removes metadata entries whose route is no longer live,
// returning how many were removed.
func (s *MetadataStore) CleanupStale(ctx context.Context, liveRouteNames []string) (int, error) {
	live := make(map[string]struct{}, len(liveRouteNames))
	for _, name := range liveRouteNames {
		live[name] = struct{}{}
	}
	records, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for name := range records {
		if _, ok := live[name]; !ok {
			delete(records, name)
			removed++
		}
	}
	if removed > 0 {
		if err := s.save(ctx, records); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

// Clear drops all metadata. Live routes are unaffected: the router cannot
// un-register a route, so a clear only resets what generation tracks.
func (s *MetadataStore) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, metadataKey); err != nil {
		return err
	}
	return s.store.Delete(ctx, fingerprintKey)
}

// Fingerprint returns the stored config fingerprint, or "" when absent.
func (s *MetadataStore) Fingerprint(ctx context.Context) (string, error) {
	raw, ok, err := s.store.Get(ctx, fingerprintKey)
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

// StoreFingerprint persists the config fingerprint alongside the metadata.
func (s *MetadataStore) StoreFingerprint(ctx context.Context, fp string) error {
	return s.store.Set(ctx, fingerprintKey, []byte(fp), metadataTTL)
}

// ConfigFingerprint hashes the subset of configuration that affects route
// shape. An unchanged fingerprint means regeneration would produce the same
// routes and can be skipped.
func ConfigFingerprint(rc config.RoutesConfig, catalog []MethodSpec) string {
	type modelShape struct {
		Name            string   `json:"name"`
		Controller      string   `json:"controller"`
		Middleware      []string `json:"middleware"`
		IncludeMethods  []string `json:"include_methods"`
		ExcludeMethods  []string `json:"exclude_methods"`
		RouteNamePrefix string   `json:"route_name_prefix"`
	}
	models := make([]modelShape, 0, len(rc.Models))
	for name, mc := range rc.Models {
		models = append(models, modelShape{
			Name:            name,
			Controller:      mc.Controller,
			Middleware:      mc.Middleware,
			IncludeMethods:  mc.IncludeMethods,
			ExcludeMethods:  mc.ExcludeMethods,
			RouteNamePrefix: mc.RouteNamePrefix,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	shape := struct {
		Prefix      string       `json:"prefix"`
		NamePattern string       `json:"name_pattern"`
		Middleware  []string     `json:"middleware"`
		Models      []modelShape `json:"models"`
		Catalog     []MethodSpec `json:"catalog"`
	}{
		Prefix:      rc.Prefix,
		NamePattern: rc.NamePattern,
		Middleware:  rc.DefaultMiddleware,
		Models:      models,
		Catalog:     catalog,
	}
	raw, _ := json.Marshal(shape)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
