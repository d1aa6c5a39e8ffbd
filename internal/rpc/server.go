// Package rpc exposes a store.Store over HTTP so that scheduler instances
// on other hosts can share one keyspace. Predicates and aggregations travel
// as data and run next to the records.
package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/httpjson"
	"github.com/SirClappington/depsched/internal/query"
	"github.com/SirClappington/depsched/internal/store"
)

// Error codes carried in httpjson.ErrorBody.Code.
const (
	CodeNotFound         = "not_found"
	CodeExists           = "exists"
	CodeConflict         = "conflict"
	CodeTooManyConflicts = "too_many_conflicts"
	CodeUnknownStatus    = "unknown_status"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

type handler struct {
	st     store.Store
	logger *zap.Logger
}

// NewHandler serves st. Mount it under a prefix such as /v1/store.
func NewHandler(st store.Store, logger *zap.Logger) http.Handler {
	h := &handler{st: st, logger: logger}
	rtr := chi.NewRouter()
	rtr.Post("/records", h.insert)
	rtr.Get("/records/{jobId}/{chunkId}", h.get)
	rtr.Put("/records/{jobId}/{chunkId}", h.compareAndSwap)
	rtr.Delete("/records/{jobId}/{chunkId}", h.delete)
	rtr.Post("/query", h.query)
	rtr.Post("/aggregate", h.aggregate)
	return rtr
}

// KeyParam reads the {jobId}/{chunkId} route parameters.
func KeyParam(r *http.Request) (domain.TrackingKey, error) {
	job, err := strconv.Atoi(chi.URLParam(r, "jobId"))
	if err != nil {
		return domain.TrackingKey{}, errors.Wrap(err, "jobId")
	}
	chunk, err := strconv.Atoi(chi.URLParam(r, "chunkId"))
	if err != nil {
		return domain.TrackingKey{}, errors.Wrap(err, "chunkId")
	}
	return domain.TrackingKey{JobID: job, ChunkID: chunk}, nil
}

// StatusOf maps store and domain errors to an HTTP status and error code.
func StatusOf(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrExists):
		return http.StatusConflict, CodeExists
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, store.ErrTooManyConflicts):
		return http.StatusServiceUnavailable, CodeTooManyConflicts
	case errors.Is(err, domain.ErrUnknownStatus):
		return http.StatusUnprocessableEntity, CodeUnknownStatus
	}
	return http.StatusInternalServerError, CodeInternal
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("store request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	httpjson.Error(w, status, code, err)
}

func (h *handler) badRequest(w http.ResponseWriter, err error) {
	httpjson.Error(w, http.StatusBadRequest, CodeBadRequest, err)
}

func (h *handler) insert(w http.ResponseWriter, r *http.Request) {
	var dt domain.DependencyTracking
	if err := httpjson.Decode(r, &dt); err != nil {
		h.badRequest(w, err)
		return
	}
	stored, err := h.st.Insert(r.Context(), dt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, stored)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	key, err := KeyParam(r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	dt, err := h.st.Get(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, dt)
}

func (h *handler) compareAndSwap(w http.ResponseWriter, r *http.Request) {
	key, err := KeyParam(r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	var dt domain.DependencyTracking
	if err := httpjson.Decode(r, &dt); err != nil {
		h.badRequest(w, err)
		return
	}
	if dt.Key != key {
		h.badRequest(w, errors.Errorf("record %s sent to %s", dt.Key, key))
		return
	}
	stored, err := h.st.CompareAndSwap(r.Context(), dt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, stored)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	key, err := KeyParam(r)
	if err != nil {
		h.badRequest(w, err)
		return
	}
	last, err := h.st.Delete(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, last)
}

func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	var p query.Predicate
	if err := httpjson.Decode(r, &p); err != nil {
		h.badRequest(w, err)
		return
	}
	records, err := h.st.Query(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if records == nil {
		records = []domain.DependencyTracking{}
	}
	httpjson.Write(w, http.StatusOK, records)
}

func (h *handler) aggregate(w http.ResponseWriter, r *http.Request) {
	var agg query.Aggregation
	if err := httpjson.Decode(r, &agg); err != nil {
		h.badRequest(w, err)
		return
	}
	if _, err := agg.NewAccumulator(); err != nil {
		h.badRequest(w, err)
		return
	}
	acc, err := h.st.Aggregate(r.Context(), agg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := json.Marshal(acc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, json.RawMessage(data))
}
