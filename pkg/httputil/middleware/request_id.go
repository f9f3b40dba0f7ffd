package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/crudkit/crudkit/pkg/httputil"
)

// RequestIDHeader is the response header echoing the request id.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns each request an id, stored in the request context for
// the logger middleware and echoed in the X-Request-Id response header. An
// id already present in the context or on the inbound request is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := r.Context().Value(httputil.RequestIDCtxKey).(string)
		if reqID == "" {
			reqID = r.Header.Get(RequestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
