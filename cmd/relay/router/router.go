// Package router configures the relay's HTTP routes.
//
// Routes configured:
//   - GET /                                  - liveness string
//   - GET /healthz                           - store health check
//   - GET /metrics                           - Prometheus metrics
//   - POST /api/suggestions                  - suggestion relay
//   - POST /api/metrics                      - store a reading as a snapshot
//   - GET /api/metrics                       - recent snapshots, newest first
//   - GET /api/metrics/latest                - latest snapshot
//   - GET /api/review                        - review of the latest snapshot
//   - POST /api/review/{metric}/approve      - approve a metric
//   - POST /api/review/{metric}/reject       - reject a metric
//   - GET /api/approvals                     - all approval slots
//   - PUT /api/approvals/{metric}            - overwrite one approval slot
//   - GET /api/autonomous                    - autonomous summary
//   - POST|DELETE /api/autonomous/implement  - ready-to-implement flag
//   - GET /api/dashboard                     - active dashboard view
//   - PUT /api/dashboard                     - switch the dashboard view
//   - GET /ws                                - websocket event feed
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/kilnpilot/cmd/relay/metrics"
	"github.com/HatiCode/kilnpilot/cmd/relay/stream"
	"github.com/HatiCode/kilnpilot/pkg/httpx"
	"github.com/HatiCode/kilnpilot/pkg/plant"
	"github.com/HatiCode/kilnpilot/pkg/storage"
	"github.com/HatiCode/kilnpilot/pkg/summary"
	"github.com/HatiCode/kilnpilot/pkg/workflow"
)

// RootMessage is the body of GET /.
const RootMessage = "🚀 Backend server is running!"

const (
	defaultListLimit = 100
	maxBodyBytes     = 1 << 20
	healthTimeout    = 2 * time.Second
)

// Deps are the components the routes serve.
type Deps struct {
	Store     storage.Store
	Suggester workflow.Suggester
	Review    *workflow.Review
	Dashboard *workflow.Dashboard
	Summary   *summary.View
	Hub       *stream.Hub
	Metrics   *metrics.Metrics

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Initial supplies the events a websocket client receives on connect.
	Initial    func() []stream.Event
	CORSOrigin string
}

// SetupRoutes builds the relay handler with recovery, logging and CORS
// middleware applied.
func SetupRoutes(d Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(RootMessage))
	})
	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()
		return d.Store.Ping(ctx)
	}))

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/suggestions", handleSuggestions(d, logger))

	mux.HandleFunc("POST /api/metrics", handleAddSnapshot(d, logger))
	mux.HandleFunc("GET /api/metrics", handleListSnapshots(d, logger))
	mux.HandleFunc("GET /api/metrics/latest", handleLatestSnapshot(d, logger))

	mux.HandleFunc("GET /api/review", func(w http.ResponseWriter, r *http.Request) {
		_ = httpx.WriteJSON(w, http.StatusOK, d.Review.Status())
	})
	mux.HandleFunc("POST /api/review/{metric}/approve", handleApprove(d, logger))
	mux.HandleFunc("POST /api/review/{metric}/reject", handleReject(d, logger))

	mux.HandleFunc("GET /api/approvals", handleListApprovals(d, logger))
	mux.HandleFunc("PUT /api/approvals/{metric}", handlePutApproval(d, logger))

	mux.HandleFunc("GET /api/autonomous", func(w http.ResponseWriter, r *http.Request) {
		_ = httpx.WriteJSON(w, http.StatusOK, d.Summary.Summary())
	})
	mux.HandleFunc("POST /api/autonomous/implement", handleImplement(d))
	mux.HandleFunc("DELETE /api/autonomous/implement", func(w http.ResponseWriter, r *http.Request) {
		d.Summary.Dismiss()
		_ = httpx.WriteJSON(w, http.StatusOK, d.Summary.Summary())
	})

	mux.HandleFunc("GET /api/dashboard", func(w http.ResponseWriter, r *http.Request) {
		_ = httpx.WriteJSON(w, http.StatusOK, DashboardResponse{View: d.Dashboard.View()})
	})
	mux.HandleFunc("PUT /api/dashboard", handleSwitchView(d, logger))

	if d.Hub != nil {
		mux.Handle("GET /ws", d.Hub.ServeWS(d.CORSOrigin, d.Initial))
	}

	var h http.Handler = mux
	h = httpx.CORSMiddleware(d.CORSOrigin)(h)
	h = httpx.LoggingMiddleware(logger)(h)
	h = httpx.RecoveryMiddleware(logger)(h)
	return h
}

// SuggestionRequest is the body of POST /api/suggestions.
type SuggestionRequest struct {
	Metrics *plant.Reading `json:"metrics"`
}

// DashboardResponse is the body of GET and PUT /api/dashboard.
type DashboardResponse struct {
	View workflow.View `json:"view"`
}

// DashboardRequest is the body of PUT /api/dashboard.
type DashboardRequest struct {
	View string `json:"view"`
}

// ApprovalRequest is the body of PUT /api/approvals/{metric}.
type ApprovalRequest struct {
	MetricID      string   `json:"metricId"`
	ApprovedValue *float64 `json:"approvedValue"`
	Suggestions   []string `json:"suggestions"`
}

func handleSuggestions(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SuggestionRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if req.Metrics == nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "metrics object is required")
			return
		}
		snap, err := plant.NewSnapshot(*req.Metrics)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		// The generator call is bounded by its own timeout, which may be
		// longer than the server's WriteTimeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		res, err := d.Suggester.Suggest(r.Context(), snap)
		if err != nil {
			logger.Error("suggestion request failed", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "Failed to generate suggestions")
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, res)
	}
}

func handleAddSnapshot(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reading plant.Reading
		if err := decodeBody(w, r, &reading); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		snap, err := d.Store.AddSnapshot(r.Context(), reading)
		if err != nil {
			var verr *plant.ValidationError
			if errors.As(err, &verr) {
				httpx.WriteError(w, http.StatusBadRequest, err)
				return
			}
			logger.Error("failed to store snapshot", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "Failed to save metrics")
			return
		}

		logger.Info("snapshot stored", "snapshot", snap.ID)
		if d.Metrics != nil {
			d.Metrics.RecordSnapshot()
		}
		if d.Dashboard != nil {
			d.Dashboard.Switch(workflow.ViewSuggestions)
		}
		_ = httpx.WriteJSON(w, http.StatusCreated, snap)
	}
}

func handleListSnapshots(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
				return
			}
			limit = n
		}

		snaps, err := d.Store.ListSnapshots(r.Context(), limit)
		if err != nil {
			logger.Error("failed to list snapshots", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "Failed to load metrics")
			return
		}
		if snaps == nil {
			snaps = []plant.Snapshot{}
		}
		_ = httpx.WriteJSON(w, http.StatusOK, snaps)
	}
}

func handleLatestSnapshot(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, found, err := d.Store.LatestSnapshot(r.Context())
		if err != nil {
			logger.Error("failed to load latest snapshot", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "Failed to load metrics")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, "no metrics recorded yet")
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, snap)
	}
}

func handleApprove(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metric, err := plant.ParseMetricName(r.PathValue("metric"))
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		approval, err := d.Review.Approve(r.Context(), metric)
		if err != nil {
			writeReviewError(w, logger, err)
			return
		}
		if d.Metrics != nil {
			d.Metrics.RecordApproval(metric, approval.Source)
		}
		_ = httpx.WriteJSON(w, http.StatusOK, approval)
	}
}

func handleReject(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metric, err := plant.ParseMetricName(r.PathValue("metric"))
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		if err := d.Review.Reject(metric); err != nil {
			writeReviewError(w, logger, err)
			return
		}
		if d.Metrics != nil {
			d.Metrics.RecordRejection(metric)
		}
		_ = httpx.WriteJSON(w, http.StatusOK, d.Review.Status())
	}
}

func writeReviewError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, plant.ErrInvalidMetric):
		httpx.WriteError(w, http.StatusBadRequest, err)
	case errors.Is(err, workflow.ErrAlreadyDecided),
		errors.Is(err, workflow.ErrInProgress),
		errors.Is(err, workflow.ErrNoSnapshot):
		httpx.WriteError(w, http.StatusConflict, err)
	default:
		logger.Error("review decision failed", "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "Failed to save approval")
	}
}

func handleListApprovals(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvals, err := d.Store.ListApprovals(r.Context())
		if err != nil {
			logger.Error("failed to list approvals", "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "Failed to load approvals")
			return
		}
		if approvals == nil {
			approvals = map[plant.MetricName]plant.Approval{}
		}
		_ = httpx.WriteJSON(w, http.StatusOK, approvals)
	}
}

func handlePutApproval(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metric, err := plant.ParseMetricName(r.PathValue("metric"))
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		var req ApprovalRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if req.MetricID == "" || req.ApprovedValue == nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "metricId and approvedValue are required")
			return
		}

		approval := plant.Approval{
			MetricID:      req.MetricID,
			Metric:        metric,
			ApprovedAt:    time.Now().UTC(),
			ApprovedValue: *req.ApprovedValue,
			Suggestions:   req.Suggestions,
		}
		if approval.Suggestions == nil {
			approval.Suggestions = []string{}
		}
		if err := d.Store.PutApproval(r.Context(), approval); err != nil {
			logger.Error("failed to write approval", "metric", metric, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "Failed to save approval")
			return
		}
		if d.Metrics != nil {
			d.Metrics.RecordApproval(metric, "direct")
		}
		_ = httpx.WriteJSON(w, http.StatusOK, approval)
	}
}

func handleSwitchView(d Deps, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DashboardRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}
		view, err := workflow.ParseView(req.View)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		d.Dashboard.Switch(view)
		logger.Info("dashboard view switched", "view", view)
		_ = httpx.WriteJSON(w, http.StatusOK, DashboardResponse{View: d.Dashboard.View()})
	}
}

func handleImplement(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Summary.Implement(); err != nil {
			if errors.Is(err, summary.ErrNotReady) {
				httpx.WriteError(w, http.StatusConflict, err)
				return
			}
			httpx.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, d.Summary.Summary())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
