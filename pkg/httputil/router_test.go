package httputil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// TestNewRouter tests the creation of a new Router
func TestNewRouter(t *testing.T) {
	r := NewRouter()
	if r == nil {
		t.Fatal("expected router to be non-nil")
	}
}

// TestRouterHandle tests route registration and handling
func TestRouterHandle(t *testing.T) {
	r := NewRouter()
	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.mux.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("expected status OK, got %v", w.Result().StatusCode)
	}
}

// TestRouterMiddleware tests adding and using middleware
func TestRouterMiddleware(t *testing.T) {
	r := NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Test", "true")
			next.ServeHTTP(w, req)
		})
	})

	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.mux.ServeHTTP(w, req)

	if w.Header().Get("X-Test") != "true" {
		t.Errorf("expected X-Test header to be set")
	}
}

// TestRouterGroup tests sub-router grouping
func TestRouterGroup(t *testing.T) {
	r := NewRouter()
	api := r.Group("/api")
	api.Handle("GET /v1/test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	w := httptest.NewRecorder()
	r.mux.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("expected status OK, got %v", w.Result().StatusCode)
	}
}

// TestRouterNamedRoutes tests the route table kept alongside the mux
func TestRouterNamedRoutes(t *testing.T) {
	r := NewRouter()
	ok := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.HandleNamed("GET", "/posts", "posts.index", ok)
	r.HandleNamed("POST", "/posts", "posts.store", ok)

	if !r.HasName("posts.index") || !r.HasName("posts.store") {
		t.Fatal("expected named routes to be registered")
	}
	if r.HasName("posts.destroy") {
		t.Error("unexpected route name registered")
	}

	routes := r.Routes()
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes in table, got %d", len(routes))
	}
	if routes[0].Method != "GET" || routes[0].Pattern != "/posts" {
		t.Errorf("unexpected first route: %+v", routes[0])
	}
}

// TestRouterGroupSharesRouteTable tests that sub-routers report into the
// parent's route table
func TestRouterGroupSharesRouteTable(t *testing.T) {
	r := NewRouter()
	api := r.Group("/api")
	api.HandleNamed("GET", "/posts", "posts.index", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if !r.HasName("posts.index") {
		t.Fatal("expected parent router to see group route")
	}
	routes := r.Routes()
	if len(routes) != 1 || routes[0].Pattern != "/api/posts" {
		t.Errorf("expected group prefix in route table, got %+v", routes)
	}
}

// TestRouterMiddlewareAppliedOnce guards against middleware running twice:
// it is baked into each handler at registration, so dispatch through the
// router must not wrap it again.
func TestRouterMiddlewareAppliedOnce(t *testing.T) {
	r := NewRouter()

	calls := 0
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			calls++
			next.ServeHTTP(w, req)
		})
	})
	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if calls != 1 {
		t.Errorf("expected middleware to run once, ran %d times", calls)
	}
}

// TestRouterHandleRouteKeepsConstraints tests that parameter constraints
// survive into the route table
func TestRouterHandleRouteKeepsConstraints(t *testing.T) {
	r := NewRouter()
	r.HandleRoute(RegisteredRoute{
		Name:        "posts.show",
		Method:      "GET",
		Pattern:     "/posts/{id}",
		Constraints: map[string]string{"id": "[0-9]+"},
	}, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	routes := r.Routes()
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].Constraints["id"] != "[0-9]+" {
		t.Errorf("expected constraint to survive registration, got %+v", routes[0].Constraints)
	}
}

// TestRouterListenAndServe tests server start and shutdown
func TestRouterListenAndServe(t *testing.T) {
	r := NewRouter()
	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serverAddr := ":8081"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.ListenAndServe(serverAddr); err != http.ErrServerClosed {
			t.Logf("expected server to close, got %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond) // Give the server a moment to start

	req, err := http.NewRequest("GET", "http://localhost:8081/test", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status OK, got %v", resp.StatusCode)
	}

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown server: %v", err)
	}

	wg.Wait()
}

// BenchmarkRouterHandle benchmarks route registration
func BenchmarkRouterHandle(b *testing.B) {
	r := NewRouter()
	for i := 0; i < b.N; i++ {
		r.Handle("GET /test"+fmt.Sprintf("%d", i), http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	}
}

// BenchmarkRouterServeHTTP benchmarks serving HTTP requests
func BenchmarkRouterServeHTTP(b *testing.B) {
	r := NewRouter()
	r.Handle("GET /test", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.mux.ServeHTTP(w, req)
	}
}
