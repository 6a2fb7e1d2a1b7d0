package localserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgeruntime/internal/logger"
)

// Server is the Local Server (C8): a chi router exposing the /ws
// bidirectional message endpoint plus /healthz and /metrics.
type Server struct {
	deps     Deps
	disp     *Dispatcher
	upgrader websocket.Upgrader
	router   chi.Router

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// New builds a Server wired against deps. Call Router to obtain the
// http.Handler to serve, or Run to both serve and block until ctx is done.
func New(deps Deps) (*Server, error) {
	disp := NewDispatcher()
	if err := Register(disp, deps); err != nil {
		return nil, err
	}

	s := &Server{
		deps: deps,
		disp: disp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Router returns the http.Handler to mount on an *http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := []byte(`{"status":"ok"}`)
	if s.deps.Signals != nil && s.deps.Signals.Degraded() {
		body = []byte(`{"status":"degraded"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.GetLogger(r.Context()).Sugar().Warnw("localserver: websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws)
	s.track(conn)
	defer s.untrack(conn)

	go conn.writeLoop()
	conn.readLoop(r.Context(), s.disp, "")
	conn.close()
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Dispatcher exposes the server's Dispatcher so the Hub Bridge can route
// messageToKit frames through the same handler set.
func (s *Server) Dispatcher() *Dispatcher { return s.disp }

// Run serves the router on addr until ctx is cancelled, then drains
// connections for up to shutdownGrace before forcing termination.
func (s *Server) Run(ctx context.Context, addr string, shutdownGrace time.Duration) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
