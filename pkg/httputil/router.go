package httputil

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// RegisteredRoute is one live entry of the route table. The table is the
// source of truth the conflict detector checks candidates against.
// Constraints restrict what a path parameter may match; the mux does not
// enforce them, handlers and the conflict detector do.
type RegisteredRoute struct {
	Name        string
	Method      string
	Pattern     string
	Constraints map[string]string
}

// Router handles HTTP routing and middleware on top of http.ServeMux method
// patterns (Go 1.22 routing), keeping a named route table alongside the mux.
//
// Registration is append-only for the process lifetime: http.ServeMux has no
// way to remove a pattern once registered, so neither does Router. Callers
// that need a clean route table restart the process.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	prefix     string
	middleware []Middleware
	routes     *[]RegisteredRoute
	byName     map[string]int
	mu         *sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
		routes: &[]RegisteredRoute{},
		byName: make(map[string]int),
		mu:     &sync.RWMutex{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// Use adds one or more middleware to the router.
// Middleware functions are applied in the order they are added, and wrap
// routes registered after the call; routes registered earlier keep the
// stack they were wrapped with.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	if len(additional) > 0 {
		r.middleware = append(r.middleware, additional...)
	}
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// and shares the route table with its parent router.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		prefix:     r.prefix + prefix,
		routes:     r.routes,
		byName:     r.byName,
		mu:         r.mu,
	}
}

// Handle registers an HTTP handler for a "METHOD /pattern" string, unnamed.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	parts := strings.SplitN(methodPattern, " ", 2)
	if len(parts) != 2 {
		log.Fatalf("invalid method pattern: %s", methodPattern)
	}
	r.HandleNamed(parts[0], parts[1], "", handler)
}

// HandleNamed registers a handler under a route name, making it visible in
// the route table. The handler `METHOD /pattern` on a route group with a
// /prefix resolves to `METHOD /prefix/pattern`.
func (r *Router) HandleNamed(method, pattern, name string, handler http.Handler) {
	r.HandleRoute(RegisteredRoute{Name: name, Method: method, Pattern: pattern}, handler)
}

// HandleRoute registers a handler from a route table entry, carrying its
// parameter constraints into the table.
func (r *Router) HandleRoute(route RegisteredRoute, handler http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		finalHandler = r.middleware[i](finalHandler)
	}
	route.Pattern = r.prefix + route.Pattern
	r.mux.Handle(fmt.Sprintf("%s %s", route.Method, route.Pattern), finalHandler)

	*r.routes = append(*r.routes, route)
	if route.Name != "" {
		r.byName[route.Name] = len(*r.routes) - 1
	}
}

// Routes returns a snapshot of the route table.
func (r *Router) Routes() []RegisteredRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(*r.routes)
}

// HasName reports whether a named route is registered.
func (r *Router) HasName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// RouteNames returns the set of registered route names.
func (r *Router) RouteNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// ServeHTTP dispatches to the underlying mux. Middleware is already baked
// into each registered handler; applying it here again would run it twice.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// ListenAndServe starts the HTTP server.
func (r *Router) ListenAndServe(addr string) error {
	fmt.Printf("starting server on %s\n", addr)

	r.server.Addr = addr
	r.server.Handler = r.mux
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	log.Println("shutting down server")
	return r.server.Shutdown(ctx)
}
