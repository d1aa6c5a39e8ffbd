// Package api is the operator HTTP surface of a scheduler instance.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/httpjson"
	"github.com/SirClappington/depsched/internal/rpc"
	"github.com/SirClappington/depsched/internal/scheduler"
)

const codeIllegalTransition = "illegal_transition"

type server struct {
	s      *scheduler.Scheduler
	logger *zap.Logger
}

// NewRouter routes the operator API to s. When storeHandler is not nil it is
// mounted under /v1/store for remote scheduler instances.
func NewRouter(s *scheduler.Scheduler, storeHandler http.Handler, logger *zap.Logger) http.Handler {
	srv := &server{s: s, logger: logger}
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, requestLogger(logger), middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Post("/chunks", srv.register)
		rtr.Route("/chunks/{jobId}/{chunkId}", func(rtr chi.Router) {
			rtr.Get("/", srv.get)
			rtr.Post("/done", srv.done)
			rtr.Post("/resend", srv.resend)
			rtr.Put("/priority", srv.setPriority)
		})
		rtr.Delete("/jobs/{jobId}", srv.removeJob)

		rtr.Get("/sinks", srv.sinks)
		rtr.Get("/sinks/blocked", srv.blocked)
		rtr.Get("/sinks/{sinkId}/counts", srv.jobChunkCount)
		rtr.Get("/sinks/{sinkId}/count", srv.statusCount)
		rtr.Post("/sweep", srv.sweep)

		if storeHandler != nil {
			rtr.Mount("/store", storeHandler)
		}
	})
	return rtr
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("took", time.Since(start)),
					zap.String("requestId", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (srv *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrIllegalTransition) {
		httpjson.Error(w, http.StatusConflict, codeIllegalTransition, err)
		return
	}
	status, code := rpc.StatusOf(err)
	if status >= http.StatusInternalServerError {
		srv.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	httpjson.Error(w, status, code, err)
}

func badRequest(w http.ResponseWriter, err error) {
	httpjson.Error(w, http.StatusBadRequest, rpc.CodeBadRequest, err)
}

func intParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	return v, errors.Wrap(err, name)
}

func (srv *server) register(w http.ResponseWriter, r *http.Request) {
	var reg scheduler.Registration
	if err := httpjson.Decode(r, &reg); err != nil {
		badRequest(w, err)
		return
	}
	dt, err := srv.s.Register(r.Context(), reg)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, dt)
}

func (srv *server) get(w http.ResponseWriter, r *http.Request) {
	key, err := rpc.KeyParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	dt, err := srv.s.Get(r.Context(), key)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, dt)
}

type doneRequest struct {
	Phase domain.Phase `json:"phase"`
}

func (srv *server) done(w http.ResponseWriter, r *http.Request) {
	key, err := rpc.KeyParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req doneRequest
	if err := httpjson.Decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Phase != domain.Processing && req.Phase != domain.Delivery {
		badRequest(w, errors.New("phase must be processing or delivery"))
		return
	}
	if req.Phase == domain.Processing {
		dt, err := srv.s.ProcessingDone(r.Context(), key)
		if err != nil {
			srv.fail(w, r, err)
			return
		}
		httpjson.Write(w, http.StatusOK, dt)
		return
	}
	if err := srv.s.PhaseDone(r.Context(), key, req.Phase); err != nil {
		srv.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) resend(w http.ResponseWriter, r *http.Request) {
	key, err := rpc.KeyParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	retries, err := srv.s.Resend(r.Context(), key)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]int{"retries": retries})
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (srv *server) setPriority(w http.ResponseWriter, r *http.Request) {
	key, err := rpc.KeyParam(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req priorityRequest
	if err := httpjson.Decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	dt, err := srv.s.SetPriority(r.Context(), key, req.Priority)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, dt)
}

func (srv *server) removeJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := intParam(r, "jobId")
	if err != nil {
		badRequest(w, err)
		return
	}
	n, err := srv.s.RemoveJob(r.Context(), jobID)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]int{"removed": n})
}

func (srv *server) sinks(w http.ResponseWriter, r *http.Request) {
	views, err := srv.s.SinkStatuses(r.Context())
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, views)
}

func (srv *server) blocked(w http.ResponseWriter, r *http.Request) {
	counts, err := srv.s.BlockedPerSink(r.Context())
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, counts)
}

func (srv *server) jobChunkCount(w http.ResponseWriter, r *http.Request) {
	sinkID, err := intParam(r, "sinkId")
	if err != nil {
		badRequest(w, err)
		return
	}
	jobs, chunks, err := srv.s.JobChunkCount(r.Context(), sinkID)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]int{"jobs": jobs, "chunks": chunks})
}

// statusCount counts the chunks of a sink in the statuses given as repeated
// ?status= codes, or in any status without them.
func (srv *server) statusCount(w http.ResponseWriter, r *http.Request) {
	sinkID, err := intParam(r, "sinkId")
	if err != nil {
		badRequest(w, err)
		return
	}
	var statuses []domain.Status
	for _, v := range r.URL.Query()["status"] {
		code, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, errors.Wrap(err, "status"))
			return
		}
		st, err := domain.StatusFromCode(code)
		if err != nil {
			badRequest(w, err)
			return
		}
		statuses = append(statuses, st)
	}
	n, err := srv.s.SinkStatusCount(r.Context(), sinkID, statuses...)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]int{"count": n})
}

func (srv *server) sweep(w http.ResponseWriter, r *http.Request) {
	if err := srv.s.Sweep(r.Context()); err != nil {
		srv.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
