package rest

import (
	"net/http"

	"github.com/crudkit/crudkit/pkg/entity"
)

// Hooks are the optional extension points callers supply when constructing a
// handler. Every slot is a typed function value; a nil slot gets a no-op
// default at construction, so call sites never nil-check.
//
// A nil return from Authorize means "no opinion" (allow); a nil return from
// any preprocess/postprocess hook means passthrough.
type Hooks struct {
	// Authorize runs before any data access. Returning a non-nil false
	// short-circuits the request with a 403.
	Authorize func(r *http.Request, methodKey string, ent *entity.Descriptor) *bool

	// PreprocessData runs on every write payload, before the
	// bulk/single-specific hooks.
	PreprocessData func(data map[string]any, r *http.Request, operation string, ent *entity.Descriptor) map[string]any

	// PreprocessBulkData runs once per bulk create, over the full row list.
	PreprocessBulkData func(rows []map[string]any, r *http.Request, ent *entity.Descriptor) []map[string]any

	// PreprocessSingleData runs on single create and update payloads.
	PreprocessSingleData func(data map[string]any, r *http.Request, ent *entity.Descriptor) map[string]any

	// PostprocessResponse runs on the final payload of every operation.
	PostprocessResponse func(response any, r *http.Request, operation string, ent *entity.Descriptor) any

	// BeforeDelete runs after the row is loaded and before it is deleted.
	// An error aborts the delete.
	BeforeDelete func(row map[string]any, r *http.Request) error
}

// withDefaults fills nil slots with passthrough implementations.
func (h Hooks) withDefaults() Hooks {
	out := h
	if out.Authorize == nil {
		out.Authorize = func(*http.Request, string, *entity.Descriptor) *bool { return nil }
	}
	if out.PreprocessData == nil {
		out.PreprocessData = func(data map[string]any, _ *http.Request, _ string, _ *entity.Descriptor) map[string]any {
			return data
		}
	}
	if out.PreprocessBulkData == nil {
		out.PreprocessBulkData = func(rows []map[string]any, _ *http.Request, _ *entity.Descriptor) []map[string]any {
			return rows
		}
	}
	if out.PreprocessSingleData == nil {
		out.PreprocessSingleData = func(data map[string]any, _ *http.Request, _ *entity.Descriptor) map[string]any {
			return data
		}
	}
	if out.PostprocessResponse == nil {
		out.PostprocessResponse = func(response any, _ *http.Request, _ string, _ *entity.Descriptor) any {
			return response
		}
	}
	if out.BeforeDelete == nil {
		out.BeforeDelete = func(map[string]any, *http.Request) error { return nil }
	}
	return out
}
