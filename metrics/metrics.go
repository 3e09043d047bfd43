// Package metrics exposes Prometheus metrics for answers and HTTP traffic.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabfab/lexray/chat"
)

const namespace = "lexray"

// Recorder owns a private registry. It implements chat.Observer.
type Recorder struct {
	registry       *prom.Registry
	answers        *prom.CounterVec
	answerDuration *prom.HistogramVec
	tableStages    *prom.CounterVec
	sources        prom.Histogram
	httpRequests   *prom.CounterVec
	httpDuration   *prom.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prom.NewRegistry(),
		answers: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers composed, by intent, answer kind and outcome.",
		}, []string{"intent", "kind", "outcome", "streamed"}),
		answerDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_duration_seconds",
			Help:      "Time from request to terminal answer.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"intent", "strategy"}),
		tableStages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "table_extractions_total",
			Help:      "Table answers by the extraction stage that produced them.",
		}, []string{"stage"}),
		sources: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_sources",
			Help:      "Chunks cited per successful answer.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		httpRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prom.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.registry.MustRegister(
		r.answers,
		r.answerDuration,
		r.tableStages,
		r.sources,
		r.httpRequests,
		r.httpDuration,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Recorder) ObserveAnswer(_ context.Context, event chat.AnswerEvent) {
	intent := string(event.Intent)
	if intent == "" {
		intent = "unknown"
	}
	r.answers.WithLabelValues(intent, string(event.Kind), outcome(event.Err), strconv.FormatBool(event.Streamed)).Inc()
	r.answerDuration.WithLabelValues(intent, string(event.Strategy)).Observe(event.Duration.Seconds())
	if event.Err != nil {
		return
	}
	if event.Kind == chat.KindTable {
		r.tableStages.WithLabelValues(string(event.TableStage)).Inc()
	}
	r.sources.Observe(float64(len(event.Sources)))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, chat.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, chat.ErrNoChunks):
		return "no_chunks"
	case errors.Is(err, chat.ErrRetrievalTimeout), errors.Is(err, chat.ErrCompletionTimeout):
		return "timeout"
	case errors.Is(err, chat.ErrStreamAborted):
		return "aborted"
	default:
		return "error"
	}
}

// Middleware records request counts and latency labelled by chi route
// pattern, so path parameters do not explode label cardinality.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(started).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

var _ chat.Observer = (*Recorder)(nil)
