// Package rest is the thin CRUD layer over the dynamic query builder: one
// handler per entity, constructed once with its hooks, serving the generated
// routes.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crudkit/crudkit/pkg/entity"
	"github.com/crudkit/crudkit/pkg/httputil"
	"github.com/crudkit/crudkit/pkg/metrics"
	"github.com/crudkit/crudkit/pkg/query"
)

// methodKeys is the full capability set of the generic handler, in catalog
// order.
var methodKeys = []string{"index", "store", "paginate", "getOne", "show", "update", "destroy"}

// HandlerConfig carries everything a handler needs, supplied up front.
// Handlers are immutable after construction.
type HandlerConfig struct {
	Entity       *entity.Descriptor
	Executor     query.Executor
	Limits       query.Limits
	MaxJSONDepth int
	Hooks        Hooks
	Logger       *zap.Logger
}

// Handler serves the CRUD operations for one entity. Stateless per request:
// every request builds fresh grammar and plan values, so handlers are safe
// for concurrent use.
type Handler struct {
	entity       *entity.Descriptor
	ex           query.Executor
	limits       query.Limits
	maxJSONDepth int
	hooks        Hooks
	logger       *zap.Logger
}

// NewHandler validates the descriptor and builds the handler with its hooks
// installed.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Entity == nil {
		return nil, fmt.Errorf("rest: handler requires an entity descriptor")
	}
	if err := cfg.Entity.Validate(); err != nil {
		return nil, err
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("rest: handler for %s requires an executor", cfg.Entity.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxDepth := cfg.MaxJSONDepth
	if maxDepth <= 0 {
		maxDepth = query.DefaultMaxJSONDepth
	}
	return &Handler{
		entity:       cfg.Entity,
		ex:           cfg.Executor,
		limits:       cfg.Limits,
		maxJSONDepth: maxDepth,
		hooks:        cfg.Hooks.withDefaults(),
		logger:       logger,
	}, nil
}

// Capabilities declares the CRUD method keys this handler implements.
func (h *Handler) Capabilities() []string {
	out := make([]string, len(methodKeys))
	copy(out, methodKeys)
	return out
}

// Route returns the handler for one CRUD method key, or nil for an unknown key.
func (h *Handler) Route(methodKey string) http.Handler {
	switch methodKey {
	case "index":
		return h.serve(methodKey, h.index)
	case "paginate":
		return h.serve(methodKey, h.paginate)
	case "getOne":
		return h.serve(methodKey, h.getOne)
	case "show":
		return h.serve(methodKey, h.show)
	case "store":
		return h.serve(methodKey, h.store)
	case "update":
		return h.serve(methodKey, h.update)
	case "destroy":
		return h.serve(methodKey, h.destroy)
	default:
		return nil
	}
}

// serve wraps an operation with authorization, panic recovery, and timing.
// Failures escaping the operation surface as a generic 500 carrying only the
// message, never internal type or stack information.
func (h *Handler) serve(op string, fn func(w http.ResponseWriter, r *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic in request handler",
					zap.String("entity", h.entity.Name),
					zap.String("operation", op),
					zap.Any("panic", rec))
				httputil.Error(w, http.StatusInternalServerError, fmt.Sprint(rec))
			}
			metrics.RequestDuration.WithLabelValues(h.entity.Name, op).Observe(time.Since(start).Seconds())
		}()

		if allowed := h.hooks.Authorize(r, op, h.entity); allowed != nil && !*allowed {
			httputil.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		fn(w, r)
	})
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var badGrammar *query.InvalidGrammarError
	var badRelation *query.InvalidRelationshipError
	switch {
	case errors.As(err, &badGrammar):
		metrics.GrammarDecodeErrors.WithLabelValues(badGrammar.Key).Inc()
		httputil.Error(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &badRelation):
		httputil.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", zap.String("entity", h.entity.Name), zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) compileRequest(r *http.Request) (*query.Plan, error) {
	g, err := query.ParseGrammar(r.URL.Query(), h.maxJSONDepth)
	if err != nil {
		return nil, err
	}
	return query.Compile(h.entity, g, h.limits)
}

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	plan, err := h.compileRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	rows, err := query.Run(r.Context(), h.ex, plan)
	if err != nil {
		h.fail(w, err)
		return
	}
	result, err := query.ApplyRelationshipPagination(r.Context(), h.ex, h.entity, rows, plan, h.limits)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, h.hooks.PostprocessResponse(result, r, "index", h.entity))
}

func (h *Handler) paginate(w http.ResponseWriter, r *http.Request) {
	g, err := query.ParseGrammar(r.URL.Query(), h.maxJSONDepth)
	if err != nil {
		h.fail(w, err)
		return
	}
	plan, err := query.Compile(h.entity, g, h.limits)
	if err != nil {
		h.fail(w, err)
		return
	}

	perPage := h.limits.Clamp(g.PerPage)
	pageNum := g.Page
	if pageNum < 1 {
		pageNum = 1
	}
	plan.Limit = perPage
	plan.Offset = (pageNum - 1) * perPage

	total, err := query.Count(r.Context(), h.ex, plan)
	if err != nil {
		h.fail(w, err)
		return
	}
	rows, err := query.Run(r.Context(), h.ex, plan)
	if err != nil {
		h.fail(w, err)
		return
	}
	page := &query.Page{
		Data:        rows,
		CurrentPage: pageNum,
		PerPage:     perPage,
		Total:       total,
		LastPage:    int(math.Ceil(float64(total) / float64(perPage))),
	}
	result, err := query.ApplyRelationshipPagination(r.Context(), h.ex, h.entity, page, plan, h.limits)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, h.hooks.PostprocessResponse(result, r, "paginate", h.entity))
}

func (h *Handler) getOne(w http.ResponseWriter, r *http.Request) {
	plan, err := h.compileRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	plan.Limit = 1
	rows, err := query.Run(r.Context(), h.ex, plan)
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(rows) == 0 {
		httputil.JSON(w, http.StatusOK, h.hooks.PostprocessResponse(nil, r, "getOne", h.entity))
		return
	}
	result, err := query.ApplyRelationshipPagination(r.Context(), h.ex, h.entity, rows[0], plan, h.limits)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, h.hooks.PostprocessResponse(result, r, "getOne", h.entity))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	plan, err := h.compileRequest(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	row, err := h.fetchByID(r, plan, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if row == nil {
		httputil.Error(w, http.StatusNotFound, fmt.Sprintf("%s %v not found", h.entity.SimpleName(), id))
		return
	}
	result, err := query.ApplyRelationshipPagination(r.Context(), h.ex, h.entity, row, plan, h.limits)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, h.hooks.PostprocessResponse(result, r, "show", h.entity))
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) {
	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch body := payload.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(body))
		for _, el := range body {
			row, ok := el.(map[string]any)
			if !ok {
				httputil.Error(w, http.StatusBadRequest, "bulk create expects an array of objects")
				return
			}
			if next := h.hooks.PreprocessData(row, r, "store", h.entity); next != nil {
				row = next
			}
			rows = append(rows, row)
		}
		if next := h.hooks.PreprocessBulkData(rows, r, h.entity); next != nil {
			rows = next
		}
		// Externally-assigned keys: every row gets a distinct id before the write.
		if h.entity.PKType == entity.PKString {
			for _, row := range rows {
				if v, ok := row[h.entity.PrimaryKey]; !ok || v == nil || v == "" {
					row[h.entity.PrimaryKey] = uuid.NewString()
				}
			}
		}
		created := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			inserted, err := h.insertOne(r, row)
			if err != nil {
				h.fail(w, err)
				return
			}
			created = append(created, inserted)
		}
		httputil.JSON(w, http.StatusCreated, h.hooks.PostprocessResponse(created, r, "store", h.entity))

	case map[string]any:
		row := body
		if next := h.hooks.PreprocessData(row, r, "store", h.entity); next != nil {
			row = next
		}
		if next := h.hooks.PreprocessSingleData(row, r, h.entity); next != nil {
			row = next
		}
		inserted, err := h.insertOne(r, row)
		if err != nil {
			h.fail(w, err)
			return
		}
		httputil.JSON(w, http.StatusCreated, h.hooks.PostprocessResponse(inserted, r, "store", h.entity))

	default:
		httputil.Error(w, http.StatusBadRequest, "request body must be an object or an array of objects")
	}
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	existing, err := h.fetchByID(r, &query.Plan{Entity: h.entity}, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if existing == nil {
		httputil.Error(w, http.StatusNotFound, fmt.Sprintf("%s %v not found", h.entity.SimpleName(), id))
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if next := h.hooks.PreprocessData(data, r, "update", h.entity); next != nil {
		data = next
	}
	if next := h.hooks.PreprocessSingleData(data, r, h.entity); next != nil {
		data = next
	}

	syncOps := h.extractRelationIDs(data)
	delete(data, h.entity.PrimaryKey)

	// A payload of only *_ids fields leaves no columns behind; the row is
	// untouched and the request is just a relationship sync.
	updated := existing
	if len(data) > 0 {
		sql, args, err := buildUpdateSQL(h.entity.Table, data, h.entity.PrimaryKey, id)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		rows, err := h.ex.Query(r.Context(), sql, args...)
		if err != nil {
			h.fail(w, err)
			return
		}
		if len(rows) > 0 {
			updated = rows[0]
		}
	} else if len(syncOps) == 0 {
		httputil.Error(w, http.StatusBadRequest, "no columns to update")
		return
	}
	if err := h.syncRelations(r, updated, syncOps); err != nil {
		h.fail(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, h.hooks.PostprocessResponse(updated, r, "update", h.entity))
}

func (h *Handler) destroy(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	existing, err := h.fetchByID(r, &query.Plan{Entity: h.entity}, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if existing == nil {
		httputil.Error(w, http.StatusNotFound, fmt.Sprintf("%s %v not found", h.entity.SimpleName(), id))
		return
	}
	if err := h.hooks.BeforeDelete(existing, r); err != nil {
		h.fail(w, err)
		return
	}
	deleted, err := h.ex.Exec(r.Context(), buildDeleteSQL(h.entity.Table, h.entity.PrimaryKey), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, h.hooks.PostprocessResponse(map[string]any{"deleted": deleted}, r, "destroy", h.entity))
}

// pathID extracts and validates the {id} path parameter. Integer-keyed
// entities require a numeric id; anything else is treated as not found, the
// same answer a lookup miss would give.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (any, bool) {
	raw := r.PathValue("id")
	if raw == "" {
		httputil.Error(w, http.StatusBadRequest, "missing id")
		return nil, false
	}
	if h.entity.PKType == entity.PKAutoInt && !isNumeric(raw) {
		httputil.Error(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", h.entity.SimpleName(), raw))
		return nil, false
	}
	return raw, true
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// fetchByID runs the request plan narrowed to one primary-key value.
// Returns nil without error when no row matches.
func (h *Handler) fetchByID(r *http.Request, plan *query.Plan, id any) (map[string]any, error) {
	pk := &query.Node{Field: h.entity.PrimaryKey, Op: "=", Value: id}
	if plan.Where == nil {
		plan.Where = pk
	} else {
		plan.Where = &query.Node{Conj: "AND", Kids: []*query.Node{pk, plan.Where}}
	}
	plan.Limit = 1
	rows, err := query.Run(r.Context(), h.ex, plan)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

type relationSync struct {
	rel entity.Relationship
	ids []any
}

// extractRelationIDs pulls the `*_ids` convention fields out of a write
// payload: each one that names a many-to-many relationship becomes a sync
// operation run after the main write. Fields that resolve to no
// relationship are left alone; they may be real columns.
func (h *Handler) extractRelationIDs(data map[string]any) []relationSync {
	var ops []relationSync
	for key, value := range data {
		if !strings.HasSuffix(key, "_ids") {
			continue
		}
		base := strings.TrimSuffix(key, "_ids")
		rel, ok := h.entity.Relationship(inflect.Pluralize(base))
		if !ok {
			rel, ok = h.entity.Relationship(base)
		}
		if !ok || rel.Kind != entity.RelManyToMany {
			continue
		}
		ids, ok := value.([]any)
		if !ok {
			ids = []any{value}
		}
		ops = append(ops, relationSync{rel: rel, ids: ids})
		delete(data, key)
	}
	return ops
}

func (h *Handler) insertOne(r *http.Request, row map[string]any) (map[string]any, error) {
	syncOps := h.extractRelationIDs(row)
	sql, args, err := buildInsertSQL(h.entity.Table, row)
	if err != nil {
		return nil, err
	}
	rows, err := h.ex.Query(r.Context(), sql, args...)
	if err != nil {
		return nil, err
	}
	var inserted map[string]any
	if len(rows) > 0 {
		inserted = rows[0]
	}
	if err := h.syncRelations(r, inserted, syncOps); err != nil {
		return nil, err
	}
	return inserted, nil
}

// syncRelations replaces the join rows for each extracted relationship:
// delete everything for the parent, then insert the requested set.
func (h *Handler) syncRelations(r *http.Request, row map[string]any, ops []relationSync) error {
	if len(ops) == 0 || row == nil {
		return nil
	}
	for _, op := range ops {
		parentKey := row[op.rel.LocalKey]
		if parentKey == nil {
			parentKey = row[h.entity.PrimaryKey]
		}
		clearSQL := buildDeleteSQL(op.rel.JoinTable, op.rel.JoinLocalKey)
		if _, err := h.ex.Exec(r.Context(), clearSQL, parentKey); err != nil {
			return err
		}
		for _, id := range op.ids {
			insertSQL, args, err := buildInsertSQL(op.rel.JoinTable, map[string]any{
				op.rel.JoinLocalKey:   parentKey,
				op.rel.JoinForeignKey: id,
			})
			if err != nil {
				return err
			}
			// Join tables rarely have other columns; RETURNING * is harmless.
			if _, err := h.ex.Query(r.Context(), insertSQL, args...); err != nil {
				return err
			}
		}
	}
	return nil
}
