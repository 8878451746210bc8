// Package api is the query/push API (spec §6's REST+WS surface): thin,
// read-only handlers over internal/store plus a websocket bridge onto
// internal/pushbus. Grounded on services/otc-gateway/server/server.go's
// chi router + middleware stack shape.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"lendindexer/internal/pushbus"
	"lendindexer/internal/store"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store     *store.Store
	Bus       *pushbus.Bus
	JWTSecret string
	RateLimit RateLimit
}

// Server serves the query/push API.
type Server struct {
	store     *store.Store
	bus       *pushbus.Bus
	verifier  *jwtVerifier
	limiter   *RateLimiter
	router    http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		bus:      cfg.Bus,
		verifier: newJWTVerifier(cfg.JWTSecret),
		limiter:  NewRateLimiter(cfg.RateLimit),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(s.limiter.Middleware)
	r.Use(s.verifier.Authenticate)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Get("/markets", s.listMarkets)
		v1.Get("/markets/{marketID}", s.getMarket)
		v1.Get("/markets/{marketID}/transactions", s.listTransactions)
		v1.Get("/markets/{marketID}/snapshots", s.listSnapshots)
		v1.Get("/markets/{marketID}/accrual-events", s.listAccrualEvents)
		v1.Get("/markets/{marketID}/positions/{userAddress}", s.getPosition)
		v1.Get("/positions", s.listPositionsByUser)
		v1.Get("/positions/liquidatable", s.listLiquidatablePositions)
	})

	r.Get("/ws", s.handleWebsocket)

	return r
}
