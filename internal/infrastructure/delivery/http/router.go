// Package httprouter exposes the batch service over HTTP.
package httprouter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kickgrab/internal/config"
	"kickgrab/internal/consts"
	"kickgrab/internal/entity"
	"kickgrab/internal/errs"
	"kickgrab/internal/infrastructure/delivery/http/middleware"
	"kickgrab/internal/infrastructure/delivery/http/request"
	"kickgrab/internal/infrastructure/delivery/http/response"
	"kickgrab/internal/observability"
	"kickgrab/internal/service"
	"kickgrab/internal/storage"
)

type chain []func(http.Handler) http.Handler

func (c chain) then(h http.Handler) http.Handler {
	for _, mw := range slices.Backward(c) {
		h = mw(h)
	}

	return h
}

// Router is a ServeMux with global and per-group middleware chains.
type Router struct {
	*http.ServeMux

	log            *slog.Logger
	globalChain    chain
	routeChain     chain
	isSubRouter    bool
	handlerTimeout time.Duration

	svc      service.Batcher
	storer   storage.Storer
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
}

// New builds the router with every route registered.
// A nil gatherer leaves /metrics unregistered.
func New(log *slog.Logger, cfg *config.Config, svc service.Batcher, storer storage.Storer,
	metrics *observability.Metrics, gatherer prometheus.Gatherer,
) *Router {
	timeout := cfg.HTTP.HandlerTimeout
	if timeout <= 0 {
		timeout = consts.DefaultHandlerTimeout
	}

	r := &Router{
		ServeMux:       http.NewServeMux(),
		log:            log.With(slog.String("package", "httprouter")),
		handlerTimeout: timeout,
		svc:            svc,
		storer:         storer,
		metrics:        metrics,
		gatherer:       gatherer,
	}

	r.SetGlobalMiddlewares()
	r.SetRoutes()

	return r
}

func (r *Router) Use(middleware ...func(http.Handler) http.Handler) {
	if r.isSubRouter {
		r.routeChain = append(r.routeChain, middleware...)
	} else {
		r.globalChain = append(r.globalChain, middleware...)
	}
}

func (r *Router) Group(fn func(r *Router)) {
	subRouter := &Router{
		isSubRouter: true,
		routeChain:  slices.Clone(r.routeChain),
		ServeMux:    r.ServeMux,
	}

	fn(subRouter)
}

func (r *Router) HandleFunc(pattern string, h http.HandlerFunc) {
	r.Handle(pattern, h)
}

func (r *Router) Handle(pattern string, h http.Handler) {
	r.ServeMux.Handle(pattern, r.routeChain.then(h))
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.globalChain.then(r.ServeMux).ServeHTTP(w, req)
}

func (r *Router) SetGlobalMiddlewares() {
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.Logger,
		middleware.Metrics(r.metrics),
	)
}

func (r *Router) SetRoutes() {
	r.SetRoutesHealthcheck()
	r.SetRoutesBatch()
	r.SetRoutesMetrics()
}

func (r *Router) SetRoutesHealthcheck() {
	healthcheckRouter := &Router{
		ServeMux: http.NewServeMux(),
	}
	healthcheckRouter.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/v1/", http.StripPrefix("/v1", healthcheckRouter))
}

func (ro *Router) SetRoutesBatch() {
	batchRouter := &Router{
		ServeMux: http.NewServeMux(),
	}
	batchRouter.HandleFunc("POST /{$}", ro.CreateBatch)
	batchRouter.HandleFunc("GET /{$}", ro.GetBatches)
	batchRouter.HandleFunc("GET /{id}", ro.GetBatch)
	batchRouter.HandleFunc("DELETE /{id}", ro.CancelBatch)

	ro.Handle("/v1/batches", http.RedirectHandler("/v1/batches/", http.StatusPermanentRedirect))
	ro.Handle("/v1/batches/", http.StripPrefix("/v1/batches", batchRouter))
}

func (r *Router) SetRoutesMetrics() {
	if r.gatherer == nil {
		return
	}

	r.Handle("GET /metrics", observability.Handler(r.gatherer))
}

func (ro *Router) CreateBatch(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "CreateBatch"))
	ctx := r.Context()

	var in request.CreateBatch

	body := http.MaxBytesReader(w, r.Body, consts.DefaultMaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		log.ErrorContext(ctx, consts.RespInvalidRequestBody, slog.Any("error", err))
		response.BadRequest(w, consts.RespInvalidRequestBody, errors.Join(errs.ErrInvalidRequestBody, err))

		return
	}

	if err := in.Validate(); err != nil {
		log.ErrorContext(ctx, consts.RespUnprocessableEntity, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespUnprocessableEntity, err)

		return
	}

	batch, err := ro.svc.Enqueue(ctx, in.BatchRequest())

	switch {
	case err == nil:
	case errors.Is(err, errs.ErrBatchQueueFull), errors.Is(err, errs.ErrServiceClosed):
		log.WarnContext(ctx, consts.RespServiceUnavailable, slog.Any("error", err))
		response.ServiceUnavailable(w, consts.RespServiceUnavailable, err)

		return
	case isRequestError(err):
		log.ErrorContext(ctx, consts.RespUnprocessableEntity, slog.Any("error", err))
		response.UnprocessableEntity(w, consts.RespUnprocessableEntity, err)

		return
	default:
		log.ErrorContext(ctx, consts.RespBatchEnqueueFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespBatchEnqueueFail, nil, err)

		return
	}

	log.InfoContext(ctx, consts.RespBatchEnqueued, slog.String("batch_id", batch.UUID), slog.Int("items", len(batch.Items)))

	response.Accepted(w, consts.RespBatchEnqueued, batch, nil)
}

func isRequestError(err error) bool {
	for _, target := range []error{
		errs.ErrNoItems,
		errs.ErrInvalidURL,
		errs.ErrInvalidMediaType,
		errs.ErrInvalidRoot,
		errs.ErrInvalidConcurrency,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

func (ro *Router) GetBatch(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "GetBatch"))

	ctx, cancel := context.WithTimeout(r.Context(), ro.handlerTimeout)
	defer cancel()

	id := r.PathValue("id")
	if id == "" {
		log.ErrorContext(ctx, consts.RespQueryParamMissing)
		response.BadRequest(w, consts.RespQueryParamMissing, errs.ErrBatchIDEmpty)

		return
	}

	batch, ok := ro.storer.GetBatch(ctx, id)
	if !ok {
		log.DebugContext(ctx, consts.RespBatchNotFound, slog.String("batch_id", id))
		response.NotFound(w, consts.RespBatchNotFound, errs.ErrBatchNotFound)

		return
	}

	response.OK(w, consts.RespBatchRetrieved, batch, nil)
}

func (ro *Router) GetBatches(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "GetBatches"))

	ctx, cancel := context.WithTimeout(r.Context(), ro.handlerTimeout)
	defer cancel()

	batches, err := ro.storer.GetBatches(ctx)
	if errors.Is(err, errs.ErrNoBatches) {
		log.DebugContext(ctx, consts.RespNoBatches)
		response.NoContent(w)

		return
	}

	if err != nil {
		log.ErrorContext(ctx, consts.RespGetBatchesFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespGetBatchesFail, nil, err)

		return
	}

	slices.SortFunc(batches, func(a, b *entity.Batch) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	response.OK(w, consts.RespBatchesRetrieved, batches, nil)
}

func (ro *Router) CancelBatch(w http.ResponseWriter, r *http.Request) {
	log := ro.log.With(slog.String("handler", "CancelBatch"))

	ctx, cancel := context.WithTimeout(r.Context(), ro.handlerTimeout)
	defer cancel()

	id := r.PathValue("id")

	err := ro.storer.CancelBatch(ctx, id)

	switch {
	case errors.Is(err, errs.ErrBatchNotFound):
		log.DebugContext(ctx, consts.RespBatchNotFound, slog.String("batch_id", id))
		response.NotFound(w, consts.RespBatchNotFound, err)

		return
	case errors.Is(err, errs.ErrBatchNotCancellable):
		log.DebugContext(ctx, consts.RespBatchCancelFail, slog.String("batch_id", id), slog.Any("error", err))
		response.Conflict(w, consts.RespBatchCancelFail, err)

		return
	case err != nil:
		log.ErrorContext(ctx, consts.RespBatchCancelFail, slog.Any("error", err))
		response.InternalServerError(w, consts.RespBatchCancelFail, nil, err)

		return
	}

	log.InfoContext(ctx, consts.RespBatchCancelled, slog.String("batch_id", id))

	response.OK(w, consts.RespBatchCancelled, nil, nil)
}
