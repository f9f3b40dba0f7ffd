package routegen

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/crudkit/crudkit/pkg/config"
	"github.com/crudkit/crudkit/pkg/entity"
	"github.com/crudkit/crudkit/pkg/httputil"
	"github.com/crudkit/crudkit/pkg/metrics"
)

// State tracks the orchestrator through one generation pass.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateProcessing
	StateLogging
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateProcessing:
		return "processing"
	case StateLogging:
		return "logging"
	default:
		return "idle"
	}
}

// Controller serves the CRUD operations for one entity. Capabilities is an
// explicit declaration of the method keys the controller implements; the
// builder narrows generated routes to this set.
type Controller interface {
	Capabilities() []string
	Route(methodKey string) http.Handler
}

// EntityBinding pairs a descriptor with its model configuration and the
// controller that will serve its routes.
type EntityBinding struct {
	Entity     *entity.Descriptor
	Model      config.ModelConfig
	Controller Controller
}

// GenerateOptions modify one generation pass.
type GenerateOptions struct {
	// Model restricts generation to a single entity name.
	Model string
	// DryRun builds and checks candidates without registering anything.
	DryRun bool
	// Force bypasses the fingerprint skip decision.
	Force bool
}

// Report is the outcome of one generation pass.
type Report struct {
	Registered []RouteDefinition
	Conflicts  []ConflictRecord
	Skipped    bool
	Entities   int
}

// Orchestrator drives route generation: Idle -> Initializing -> Processing
// -> Logging -> Idle. Re-entrant; the config fingerprint governs whether a
// repeat invocation is a no-op.
type Orchestrator struct {
	router *httputil.Router
	meta   *MetadataStore
	logger *zap.Logger
	routes config.RoutesConfig

	state State
}

// NewOrchestrator wires the generation engine to its collaborators.
func NewOrchestrator(router *httputil.Router, meta *MetadataStore, routes config.RoutesConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		router: router,
		meta:   meta,
		logger: logger,
		routes: routes,
		state:  StateIdle,
	}
}

func (o *Orchestrator) transition(next State) {
	o.logger.Debug("route generation state change",
		zap.String("from", o.state.String()),
		zap.String("to", next.String()))
	o.state = next
}

// Generate runs one pass over the given bindings.
func (o *Orchestrator) Generate(ctx context.Context, bindings []EntityBinding, opts GenerateOptions) (*Report, error) {
	o.transition(StateInitializing)
	defer o.transition(StateIdle)

	catalog := CatalogFromConfig(o.routes.CRUDMethods)
	fingerprint := ConfigFingerprint(o.routes, catalog)

	stored, err := o.meta.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("read fingerprint: %w", err)
	}

	if o.routes.PreventConflicts && !opts.Force {
		hasRecords, err := o.meta.HasRecords(ctx)
		if err != nil {
			return nil, fmt.Errorf("read metadata: %w", err)
		}
		if hasRecords && stored == fingerprint {
			return &Report{Skipped: true}, nil
		}
	}

	if o.routes.AutoResetOnConfigChange && stored != "" && stored != fingerprint {
		// Only metadata resets. Routes already live in the router stay
		// registered until the process restarts; the router has no
		// un-register capability.
		o.logger.Warn("route config changed; clearing tracked metadata (live routes persist until restart)")
		if err := o.meta.Clear(ctx); err != nil {
			return nil, fmt.Errorf("reset metadata: %w", err)
		}
	}

	if !opts.DryRun {
		if err := o.meta.StoreFingerprint(ctx, fingerprint); err != nil {
			return nil, fmt.Errorf("store fingerprint: %w", err)
		}
	}

	o.transition(StateProcessing)

	// Deterministic entity order regardless of map iteration in callers.
	sorted := make([]EntityBinding, len(bindings))
	copy(sorted, bindings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Entity.Name < sorted[j].Entity.Name })

	report := &Report{}
	table := o.router.Routes()
	for _, binding := range sorted {
		if opts.Model != "" && binding.Entity.Name != opts.Model && binding.Entity.SimpleName() != opts.Model {
			continue
		}
		if binding.Controller == nil && !opts.DryRun {
			o.logger.Warn("entity has no controller bound; routes not registered",
				zap.String("entity", binding.Entity.Name))
			continue
		}
		report.Entities++

		var caps []string
		if binding.Controller != nil {
			caps = binding.Controller.Capabilities()
		}
		candidates := BuildRoutes(binding.Entity, binding.Model, o.routes, catalog, caps)

		survivors := candidates
		if o.routes.PreventConflicts {
			var conflicts []ConflictRecord
			survivors, conflicts = DetectAll(candidates, table)
			for _, c := range conflicts {
				metrics.RouteConflicts.WithLabelValues(c.Reason).Inc()
			}
			report.Conflicts = append(report.Conflicts, conflicts...)
		}

		for _, def := range survivors {
			if !opts.DryRun {
				handler := binding.Controller.Route(def.MethodKey)
				if handler == nil {
					o.logger.Warn("controller returned no handler",
						zap.String("entity", def.Entity), zap.String("method", def.MethodKey))
					continue
				}
				o.router.HandleRoute(httputil.RegisteredRoute{
					Name:        def.Name,
					Method:      def.HTTPMethod,
					Pattern:     def.Pattern,
					Constraints: def.Constraints,
				}, handler)
				metrics.RoutesRegistered.WithLabelValues(def.Entity).Inc()
			}
			table = append(table, httputil.RegisteredRoute{Name: def.Name, Method: def.HTTPMethod, Pattern: def.Pattern, Constraints: def.Constraints})
			report.Registered = append(report.Registered, def)
		}

		if !opts.DryRun {
			if err := o.meta.RecordAll(ctx, survivors); err != nil {
				return nil, fmt.Errorf("record metadata for %s: %w", binding.Entity.Name, err)
			}
		}
	}

	o.transition(StateLogging)
	if len(report.Conflicts) > 0 && o.routes.PreventConflicts {
		fields := make([]zap.Field, 0, 2)
		fields = append(fields, zap.Int("count", len(report.Conflicts)))
		fields = append(fields, zap.Any("conflicts", report.Conflicts))
		o.logger.Warn("route conflicts detected; conflicting routes were not registered", fields...)
	}
	return report, nil
}
