package pipeline

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/ridgeback/gatekeeper/pkg/change"
	"github.com/ridgeback/gatekeeper/pkg/collaborators"
	"github.com/ridgeback/gatekeeper/pkg/dependency"
	"github.com/ridgeback/gatekeeper/pkg/layout"
	"github.com/ridgeback/gatekeeper/pkg/queue"
	"github.com/ridgeback/gatekeeper/pkg/semaphore"
)

// Manager drives one Pipeline's queues through the per-item state
// machine, orchestrating the collaborator interfaces
// (pkg/collaborators) and the supporting components (pkg/queue,
// pkg/dependency, pkg/layout, pkg/semaphore) built elsewhere in this
// module. One Manager exists per configured pipeline; PipelineManager
// instances never share a ChangeQueue.
type Manager struct {
	Pipeline   *Pipeline
	Capability Capability

	Source   collaborators.SourceConnector
	Merger   collaborators.Merger
	Executor collaborators.Executor
	Nodepool collaborators.Nodepool
	Breakers *collaborators.BreakerGroup

	Semaphore    *semaphore.Handler
	LayoutLoader *layout.Loader
	LayoutCache  *layout.Cache

	// DependencyGraph accumulates needs-edges across the lifetime of the
	// pipeline's running enqueue-ahead operations. It is
	// long-lived, not reset per tick, since cycles may be discovered
	// incrementally as sibling changes arrive on later events.
	DependencyGraph *dependency.Graph

	// PostEvent delivers an event to another pipeline's inbox, used by
	// DequeueSupercededItems. A nil PostEvent
	// makes superseding a no-op, which is correct for a manager running
	// standalone in tests.
	PostEvent func(pipelineName string, ev Event)

	// ReportSink receives every terminal report decision the manager
	// emits. cmd/gatekeeper wires this to the configured reporters (e.g.
	// pkg/reporter's SQL build-result recorder); nil discards reports. A
	// sink error is recorded on the item but never aborts queue
	// processing.
	ReportSink func(ctx context.Context, item *queue.Item, d Decision) error

	Log logr.Logger

	items map[string]*queue.Item // keyed by item UUID, across all queues
}

// NewManager wires the collaborators and supporting components for one
// pipeline. Callers (cmd/gatekeeper) construct the
// collaborator adapters and pass them in; Manager never constructs its
// own I/O.
func NewManager(p *Pipeline, cap Capability, log logr.Logger) *Manager {
	return &Manager{
		Pipeline:        p,
		Capability:      cap,
		DependencyGraph: dependency.NewGraph(),
		Log:             log,
		items:           make(map[string]*queue.Item),
	}
}

// annotatedLogger derives one event-scoped logger per operation call;
// business logic never logs through a bare package logger.
func (m *Manager) annotatedLogger(ctx context.Context, operation string, ch change.Change) logr.Logger {
	log := m.Log
	if fromCtx, err := logr.FromContext(ctx); err == nil {
		log = fromCtx
	}
	return log.WithValues("pipeline", m.Pipeline.Name, "operation", operation, "change", ch.String())
}

func (m *Manager) trackItem(item *queue.Item) {
	m.items[item.UUID] = item
}

func (m *Manager) untrackItem(item *queue.Item) {
	delete(m.items, item.UUID)
}

// liveLayoutUUIDs collects the layout uuid referenced by every currently
// tracked item, for Cache.MaintainCache's end-of-tick eviction: local
// caches live only for the duration of lock ownership.
func (m *Manager) liveLayoutUUIDs() map[string]bool {
	live := make(map[string]bool, len(m.items))
	for _, item := range m.items {
		if item.LayoutUUID != "" {
			live[item.LayoutUUID] = true
		}
	}
	return live
}

// MaintainCaches evicts layout cache entries not referenced by any live
// item. Called at the end of a successful ProcessQueue tick.
func (m *Manager) MaintainCaches() {
	if m.LayoutCache != nil {
		m.LayoutCache.MaintainCache(m.liveLayoutUUIDs())
	}
}

// callBreaker runs fn through the named collaborator's circuit breaker
// when one is configured, falling back to a direct call otherwise (a nil
// BreakerGroup is valid for tests exercising the state machine without a
// full collaborator stack).
func (m *Manager) callBreaker(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error) {
	if m.Breakers == nil {
		return fn(ctx)
	}
	return collaborators.Call(ctx, m.Breakers, name, fn)
}
