// Package web is the gateway: a thin HTTP translation of the judicator RPC
// surface with a read-through cache for finished tasks.
package web

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/coocood/freecache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tribunal/tribunal/internal/coord"
	"github.com/tribunal/tribunal/internal/logger"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/tribunal/tribunal/internal/util"
	"github.com/tribunal/tribunal/model"
)

// resultDisplayLimit caps each decompressed output stream in the display
// view of a task result.
const resultDisplayLimit = 10240

// Dialer turns a judicator's advertised subject prefix into an RPC client.
type Dialer func(prefix string) rpc.Judicator

type Server struct {
	router   chi.Router
	registry coord.Store
	dial     Dialer
	cache    *freecache.Cache
	cacheTTL time.Duration
	log      zerolog.Logger
}

func NewServer(registry coord.Store, dial Dialer, cacheSize int, cacheTTL time.Duration, log zerolog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		dial:     dial,
		cache:    freecache.NewCache(cacheSize),
		cacheTTL: cacheTTL,
		log:      log,
	}

	s.routes()
	return s
}

// Router exposes the handler for main.go.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/test", s.handleTest)
	r.Post("/api/task", s.handleAddTask)
	r.Delete("/api/task/{id}", s.handleCancelTask)
	r.Get("/api/task/{id}", s.handleGetTask)
	r.Get("/api/task/{id}/result", s.handleGetTaskResult)
	r.Get("/api/task/list", s.handleSearchTask)
	r.Get("/api/executors", s.handleExecutors)
}

// requestLogger attaches a request-scoped logger to the context so every
// handler logs with the request id and route attached.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.log.With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), log)))
	})
}

// upstreamError reports a failed judicator exchange as a bad gateway.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	log := logger.FromContext(r.Context())
	log.Error().Err(err).Msg(msg)
	http.Error(w, msg+": "+err.Error(), http.StatusBadGateway)
}

// pick chooses one registered judicator at random for this request.
func (s *Server) pick(r *http.Request) (rpc.Judicator, error) {
	entries, err := s.registry.List(r.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to list judicator registry: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no judicator registered")
	}
	return s.dial(entries[rand.Intn(len(entries))].Value), nil
}

// httpStatus maps an RPC code onto the closest HTTP status.
func httpStatus(code rpc.Code) int {
	switch code {
	case rpc.CodeOK:
		return http.StatusOK
	case rpc.CodeInvalidInput:
		return http.StatusBadRequest
	case rpc.CodeNotExist:
		return http.StatusNotFound
	case rpc.CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondCode(w http.ResponseWriter, code rpc.Code, body any) {
	s.respond(w, httpStatus(code), body)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Tribunal gateway is working."))
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var task model.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	client, err := s.pick(r)
	if err != nil {
		s.upstreamError(w, r, "failed to reach a judicator", err)
		return
	}
	resp, err := client.Add(r.Context(), &rpc.AddRequest{Task: task})
	if err != nil {
		s.upstreamError(w, r, "failed to add task", err)
		return
	}
	s.respondCode(w, resp.Code, resp)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	client, err := s.pick(r)
	if err != nil {
		s.upstreamError(w, r, "failed to reach a judicator", err)
		return
	}
	resp, err := client.Cancel(r.Context(), &rpc.CancelRequest{ID: chi.URLParam(r, "id")})
	if err != nil {
		s.upstreamError(w, r, "failed to cancel task", err)
		return
	}
	s.respondCode(w, resp.Code, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// finished tasks never change again, so they cache safely
	if body, err := s.cache.Get([]byte(id)); err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		return
	}

	client, err := s.pick(r)
	if err != nil {
		s.upstreamError(w, r, "failed to reach a judicator", err)
		return
	}
	resp, err := client.Get(r.Context(), &rpc.GetRequest{ID: id})
	if err != nil {
		s.upstreamError(w, r, "failed to get task", err)
		return
	}

	if resp.Code == rpc.CodeOK && resp.Task != nil && resp.Task.Done {
		if body, err := json.Marshal(resp); err == nil {
			if err := s.cache.Set([]byte(id), body, int(s.cacheTTL.Seconds())); err != nil {
				log := logger.FromContext(r.Context())
				log.Warn().Err(err).Str("task", id).Msg("failed to cache finished task")
			}
		}
	}
	s.respondCode(w, resp.Code, resp)
}

// taskResultView is the human-readable form of a finished task's result:
// outputs decompressed and truncated for display.
type taskResultView struct {
	Code          rpc.Code     `json:"code"`
	ID            string       `json:"id,omitempty"`
	Status        model.Status `json:"status,omitempty"`
	Done          bool         `json:"done,omitempty"`
	CompileOutput string       `json:"compileOutput,omitempty"`
	CompileError  string       `json:"compileError,omitempty"`
	ExecuteOutput string       `json:"executeOutput,omitempty"`
	ExecuteError  string       `json:"executeError,omitempty"`
}

func (s *Server) handleGetTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	client, err := s.pick(r)
	if err != nil {
		s.upstreamError(w, r, "failed to reach a judicator", err)
		return
	}
	resp, err := client.Get(r.Context(), &rpc.GetRequest{ID: id})
	if err != nil {
		s.upstreamError(w, r, "failed to get task", err)
		return
	}
	if resp.Code != rpc.CodeOK {
		s.respondCode(w, resp.Code, &taskResultView{Code: resp.Code})
		return
	}

	view := &taskResultView{
		Code:   resp.Code,
		ID:     resp.Task.ID,
		Status: resp.Task.Status,
		Done:   resp.Task.Done,
	}
	if resp.Task.Result != nil {
		log := logger.FromContext(r.Context())
		fields := []struct {
			zipped []byte
			dst    *string
			name   string
		}{
			{resp.Task.Result.CompileOutput, &view.CompileOutput, "compile output"},
			{resp.Task.Result.CompileError, &view.CompileError, "compile error"},
			{resp.Task.Result.ExecuteOutput, &view.ExecuteOutput, "execute output"},
			{resp.Task.Result.ExecuteError, &view.ExecuteError, "execute error"},
		}
		for _, f := range fields {
			text, err := util.DecompressTruncate(f.zipped, resultDisplayLimit)
			if err != nil {
				log.Warn().Err(err).Str("task", id).Msgf("failed to decompress %s", f.name)
				continue
			}
			*f.dst = text
		}
	}
	s.respondCode(w, resp.Code, view)
}

func (s *Server) handleSearchTask(w http.ResponseWriter, r *http.Request) {
	req := &rpc.SearchRequest{ID: r.URL.Query().Get("id")}

	if v := r.URL.Query().Get("user"); v != "" {
		user, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid user: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.User = &user
	}
	for param, dst := range map[string]**time.Time{"start_time": &req.StartTime, "end_time": &req.EndTime} {
		if v := r.URL.Query().Get(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "invalid "+param+": "+err.Error(), http.StatusBadRequest)
				return
			}
			*dst = &ts
		}
	}
	req.OldToNew = r.URL.Query().Get("old_to_new") == "true"
	for param, dst := range map[string]*int{"limit": &req.Limit, "page": &req.Page} {
		if v := r.URL.Query().Get(param); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid "+param+": "+err.Error(), http.StatusBadRequest)
				return
			}
			*dst = n
		}
	}

	client, err := s.pick(r)
	if err != nil {
		s.upstreamError(w, r, "failed to reach a judicator", err)
		return
	}
	resp, err := client.Search(r.Context(), req)
	if err != nil {
		s.upstreamError(w, r, "failed to search tasks", err)
		return
	}
	s.respondCode(w, resp.Code, resp)
}

func (s *Server) handleExecutors(w http.ResponseWriter, r *http.Request) {
	client, err := s.pick(r)
	if err != nil {
		s.upstreamError(w, r, "failed to reach a judicator", err)
		return
	}
	resp, err := client.Executors(r.Context())
	if err != nil {
		s.upstreamError(w, r, "failed to list executors", err)
		return
	}
	s.respondCode(w, resp.Code, resp)
}
