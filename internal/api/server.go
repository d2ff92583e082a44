package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stackctl/internal/dependency"
	"stackctl/internal/orchestrator"
	"stackctl/internal/reporting"
	"stackctl/internal/services"
	"stackctl/pkg/logging"
)

const subsystem = "API"

// Controller is what the API needs from a running stack.
// *orchestrator.Orchestrator implements it.
type Controller interface {
	RunID() string
	Phase() orchestrator.Phase
	Services() []services.Snapshot
	Service(name string) (services.Snapshot, bool)
	Graph() *dependency.Graph
	Events() reporting.EventBus
	Stop()
	Reload() (orchestrator.ReloadReport, error)
}

// Server serves the control API of one stack.
type Server struct {
	ctl   Controller
	stack string
	http  *http.Server
}

// NewServer builds the router for ctl. Call Start to listen on addr.
func NewServer(addr, stack string, ctl Controller) *Server {
	s := &Server{ctl: ctl, stack: stack}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/services/{name}", s.service)
		r.Get("/graph", s.graph)
		r.Get("/events", s.events)
		r.Post("/stop", s.stop)
		r.Post("/reload", s.reload)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens and serves in the background. The returned address is the
// one actually bound, which matters when addr asks for port 0.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return "", err
	}
	logging.Info(subsystem, "Control API listening on %s", ln.Addr())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(subsystem, err, "Control API stopped")
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		RunID:    s.ctl.RunID(),
		Stack:    s.stack,
		Phase:    s.ctl.Phase(),
		Services: s.ctl.Services(),
	})
}

func (s *Server) service(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, ok := s.ctl.Service(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown service "+name)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) graph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewGraphResponse(s.ctl.Graph()))
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	logging.Info(subsystem, "Stop requested by %s", r.RemoteAddr)
	s.ctl.Stop()
	writeJSON(w, http.StatusAccepted, StopResponse{Phase: s.ctl.Phase()})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctl.Reload()
	if err != nil {
		var cfgErr *orchestrator.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// events streams lifecycle events until the client goes away. The optional
// service query parameter narrows the stream to one service.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	var filter reporting.EventFilter
	if name := r.URL.Query().Get("service"); name != "" {
		filter = reporting.FilterByService(name)
	}
	sub := s.ctl.Events().SubscribeChannel(filter, 256)
	defer s.ctl.Events().Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// accessLog logs one debug line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug(subsystem, "%s %s %d %s (%s)", r.Method, r.URL.Path, ww.Status(),
			time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context()))
	})
}
