// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unionsquare/unionsquare/internal/config"
	"github.com/unionsquare/unionsquare/internal/forwarder"
	"github.com/unionsquare/unionsquare/internal/ringbuffer"
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router    chi.Router
	cfg       *config.Config
	forwarder *forwarder.Forwarder
	buf       *ringbuffer.Buffer
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, fwd *forwarder.Forwarder, buf *ringbuffer.Buffer) *Server {
	s := &Server{cfg: cfg, forwarder: fwd, buf: buf}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
// This is conceptually like your Express app.use() / app.get() / app.post()
// setup, but gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- Ambient routes ---
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// --- Drop-in proxy ---
	// Everything under /{provider}/... is forwarded verbatim to the
	// upstream named by {provider}, per spec.md §6's "drop-in proxy"
	// contract. The forwarder itself resolves {provider} against its
	// configured upstream map and returns 400 for an unknown one.
	r.Handle("/*", s.forwarder)

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every incoming
// request flows through this method, and we just delegate to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
