// Package server exposes the operational debug surface: pipeline and
// queue state snapshots, health, and Prometheus metrics. It is strictly
// read-only introspection for operators; reporting to the code-review
// system never goes through here.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/ridgeback/gatekeeper/internal/errors"
	"github.com/ridgeback/gatekeeper/pkg/pipeline"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// PipelineSnapshot is the wire form of one pipeline's current state.
type PipelineSnapshot struct {
	Name                string          `json:"name"`
	Tenant              string          `json:"tenant"`
	Disabled            bool            `json:"disabled"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Queues              []QueueSnapshot `json:"queues"`
}

// QueueSnapshot is the wire form of one queue.
type QueueSnapshot struct {
	Name   string         `json:"name"`
	Window int            `json:"window"`
	Items  []ItemSnapshot `json:"items"`
}

// ItemSnapshot is the wire form of one queue item.
type ItemSnapshot struct {
	UUID     string `json:"uuid"`
	Change   string `json:"change"`
	Phase    string `json:"phase"`
	Live     bool   `json:"live"`
	Active   bool   `json:"active"`
	Failing  bool   `json:"failing"`
	Reported bool   `json:"reported"`
}

// StatusProvider resolves pipelines by name for the debug surface. The
// scheduler implements this over its pipeline managers.
type StatusProvider interface {
	Pipeline(name string) (*pipeline.Pipeline, bool)
	PipelineNames() []string
}

// New builds the debug router.
func New(status StatusProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/pipelines", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, status.PipelineNames())
	})
	r.Get("/pipelines/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		p, ok := status.Pipeline(name)
		if !ok {
			writeError(w, apperrors.New(apperrors.TypeNotFound, "pipeline "+name))
			return
		}
		writeJSON(w, http.StatusOK, Snapshot(p))
	})
	r.Get("/pipelines/{name}/queues", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		p, ok := status.Pipeline(name)
		if !ok {
			writeError(w, apperrors.New(apperrors.TypeNotFound, "pipeline "+name))
			return
		}
		writeJSON(w, http.StatusOK, Snapshot(p).Queues)
	})

	return r
}

// Snapshot renders p into its wire form. Called between ticks; the
// caller guarantees the pipeline lock is held or the process is the sole
// owner.
func Snapshot(p *pipeline.Pipeline) PipelineSnapshot {
	snap := PipelineSnapshot{
		Name:                p.Name,
		Tenant:              p.Tenant,
		Disabled:            p.State.Disabled,
		ConsecutiveFailures: p.State.ConsecutiveFailures,
		Queues:              []QueueSnapshot{},
	}
	for _, q := range p.Queues {
		snap.Queues = append(snap.Queues, snapshotQueue(q))
	}
	return snap
}

func snapshotQueue(q *queue.ChangeQueue) QueueSnapshot {
	qs := QueueSnapshot{Name: q.Name, Window: q.Window, Items: []ItemSnapshot{}}
	for _, it := range q.Items() {
		qs.Items = append(qs.Items, ItemSnapshot{
			UUID:     it.UUID,
			Change:   it.Change.String(),
			Phase:    it.Phase.String(),
			Live:     it.Live,
			Active:   it.Active,
			Failing:  it.IsFailing(),
			Reported: it.Reported,
		})
	}
	return qs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apperrors.AppError) {
	writeJSON(w, apperrors.GetStatusCode(err), map[string]string{
		"error": apperrors.SafeErrorMessage(err),
	})
}
