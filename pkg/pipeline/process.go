package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ridgeback/gatekeeper/pkg/infrastructure/metrics"
	"github.com/ridgeback/gatekeeper/pkg/jobgraph"
	"github.com/ridgeback/gatekeeper/pkg/layout"
	"github.com/ridgeback/gatekeeper/pkg/queue"
	"github.com/ridgeback/gatekeeper/pkg/shared/logging"
)

var tracer = otel.Tracer("github.com/ridgeback/gatekeeper/pkg/pipeline")

// ProcessQueue walks every queue head-to-tail, advancing each item's
// state machine one step. Returns whether
// anything changed, so the enclosing scheduler knows whether to re-drive
// the tick immediately.
func (m *Manager) ProcessQueue(ctx context.Context, jobGraphs *jobgraph.Store) (changed bool, err error) {
	ctx, span := tracer.Start(ctx, "ProcessQueue")
	defer span.End()
	start := time.Now()

	// Walk a copy: dequeueing a queue's last item removes the queue from
	// m.Pipeline.Queues in place.
	for _, q := range append([]*queue.ChangeQueue(nil), m.Pipeline.Queues...) {
		qChanged := m.processOneQueue(ctx, q, jobGraphs)
		changed = changed || qChanged
		m.ReviseRelativePriorities(ctx, q)
		metrics.RecordQueueDepth(m.Pipeline.Name, q.Name, q.Len())
		logging.QueueFields(m.Pipeline.Name, q.Name, q.Len()).Apply(m.Log, "queue processed")
	}
	m.MaintainCaches()
	metrics.RecordTickDuration(m.Pipeline.Name, time.Since(start).Seconds())
	return changed, nil
}

// processOneQueue advances each item head-to-tail, tracking the nearest
// non-failing item (NNFI) as it goes; NNFI tracking depends on the
// head-to-tail order.
func (m *Manager) processOneQueue(ctx context.Context, q *queue.ChangeQueue, jobGraphs *jobgraph.Store) bool {
	changed := false
	var nnfi *queue.Item

	// Walk a copy: an item that reports and dequeues is removed from the
	// queue's slice in place, which would otherwise shift the items behind
	// it under the loop.
	for _, item := range append([]*queue.Item(nil), q.Items()...) {
		if m.processOneItem(ctx, q, item, nnfi, jobGraphs) {
			changed = true
		}
		if item.Live && !item.IsFailing() {
			nnfi = item
		}
	}
	return changed
}

// processOneItem advances item by (at most) one phase transition.
// Collaborator calls that would
// block are "scheduled" (the request is issued, the item is left in the
// PENDING substate, and the tick returns); completion is delivered later
// via HandleEvent.
func (m *Manager) processOneItem(ctx context.Context, q *queue.ChangeQueue, item *queue.Item, nnfi *queue.Item, jobGraphs *jobgraph.Store) bool {
	bs := item.CurrentBuildSet

	if m.Capability != nil && !m.Capability.CheckForChangesNeededBy(m.Pipeline, item) {
		item.DequeuedNeedingChange = true
		m.reportItem(ctx, item)
		m.dequeueItem(ctx, item, "needed change no longer present")
		return true
	}

	if item.ItemAhead != nil && item.ItemAhead != nnfi && !item.ItemAhead.Change.IsMerged {
		// The item ahead is not the NNFI and hasn't merged: move this item
		// behind the NNFI and cancel its running jobs, preserving build
		// results (prime=false) since the ahead item may still be alive.
		// The item then re-prepares from scratch against its new base.
		item.CancelJobs(false)
		q.MoveItem(item, nnfi)
		item.ResetBuildSet(false)
		item.LayoutUUID = ""
		return true
	}

	// Items outside the queue window are inactive: no preparation or job
	// launches until the window reaches them. Items already
	// executing or terminal keep draining regardless.
	item.Active = q.IsActionable(item)
	if !item.Active && item.Phase < queue.PhaseExecuting {
		return false
	}

	switch item.Phase {
	case queue.PhaseNew:
		return m.scheduleFiles(ctx, item)
	case queue.PhaseFilesReady:
		return m.scheduleMerge(ctx, item)
	case queue.PhaseMergeReady:
		return m.computeLayout(ctx, item)
	case queue.PhaseLayoutReady:
		return m.freezeJobGraph(ctx, item, jobGraphs)
	case queue.PhaseJobsReady:
		return m.scheduleRepoState(ctx, item)
	case queue.PhaseRepoStateReady:
		return m.requestNodes(ctx, item)
	case queue.PhaseNodesReady:
		if item.ItemAhead == nil || item.ItemAhead.Change.IsMerged || !item.ItemAhead.IsFailing() {
			return m.executeJobs(ctx, item)
		}
		return false
	case queue.PhaseExecuting:
		if bs.AllJobsComplete() {
			item.Phase = queue.PhaseReportable
			m.applyFailFast(item)
			return true
		}
		// Re-attempt builds that never started, e.g. blocked on a
		// semaphore at capacity last tick (scenario: a holder released
		// between ticks).
		if hasUnstartedBuilds(bs) {
			return m.executeJobs(ctx, item)
		}
		return false
	case queue.PhaseReportable:
		return m.maybeReport(ctx, item)
	default:
		return false
	}
}

// scheduleFiles issues the files-changed request and moves the item to
// FILES_PENDING. Completion arrives via HandleEvent(EventFilesComplete).
func (m *Manager) scheduleFiles(ctx context.Context, item *queue.Item) bool {
	if item.CurrentBuildSet.FilesState != queue.StateNew {
		return false
	}
	if m.Merger == nil {
		// No merger wired (unit tests exercising only queue mechanics):
		// treat files as trivially ready so downstream phases can be
		// exercised without a live collaborator.
		item.CurrentBuildSet.FilesState = queue.StateComplete
		item.Phase = queue.PhaseFilesReady
		return true
	}
	_, err := m.callBreaker(ctx, "merger", func(ctx context.Context) (string, error) {
		return m.Merger.GetFilesChanges(ctx, item.Change.Key.Connection, item.Change.Key.Project, item.Change.Ref, "", item.CurrentBuildSet.UUID)
	})
	if err != nil {
		item.CurrentBuildSet.AddFailingReason(fmt.Sprintf("files request failed: %v", err))
		return true
	}
	item.CurrentBuildSet.FilesState = queue.StatePending
	item.Phase = queue.PhaseFilesPending
	return true
}

// scheduleMerge issues the merge request and moves the item to
// MERGE_PENDING.
func (m *Manager) scheduleMerge(ctx context.Context, item *queue.Item) bool {
	if item.CurrentBuildSet.MergeState != queue.StateNew {
		return false
	}
	if m.Merger == nil {
		item.CurrentBuildSet.MergeState = queue.StateComplete
		item.CurrentBuildSet.Commit = "synthetic"
		item.Phase = queue.PhaseMergeReady
		return true
	}
	_, err := m.callBreaker(ctx, "merger", func(ctx context.Context) (string, error) {
		return m.Merger.MergeChanges(ctx, []string{item.UUID}, item.CurrentBuildSet.UUID)
	})
	if err != nil {
		item.CurrentBuildSet.UnableToMerge = true
		item.Phase = queue.PhaseReportable
		return true
	}
	item.CurrentBuildSet.MergeState = queue.StatePending
	item.Phase = queue.PhaseMergePending
	return true
}

// computeLayout runs LayoutLoader.GetLayout and transitions to
// LAYOUT_READY, or leaves the item in MERGE_READY (returns no change) if
// the loader reports ErrNotReady.
func (m *Manager) computeLayout(ctx context.Context, item *queue.Item) bool {
	if m.LayoutLoader == nil {
		item.Phase = queue.PhaseJobsReady
		return true
	}
	lay, err := m.LayoutLoader.GetLayout(ctx, item)
	if err != nil {
		if errors.Is(err, layout.ErrNotReady) {
			// Merge hasn't completed yet; simply retried on a later tick.
			return false
		}
		// Any other error is a layout-freeze exception, recorded as a
		// config error on the item.
		item.CurrentBuildSet.ConfigErrors = append(item.CurrentBuildSet.ConfigErrors, err.Error())
		item.Phase = queue.PhaseReportable
		return true
	}
	if lay == nil {
		// The loader already recorded a config error / dependency-on-
		// trusted-change failing reason on the item.
		item.Phase = queue.PhaseReportable
		return true
	}
	item.LayoutUUID = lay.UUID
	item.Phase = queue.PhaseLayoutReady
	return true
}

// freezeJobGraph freezes the item's job list into a Tekton job graph
// snapshot and reports the buildset start; start reports fire exactly
// once per item with at least one job (item.ReportedStart).
func (m *Manager) freezeJobGraph(ctx context.Context, item *queue.Item, jobGraphs *jobgraph.Store) bool {
	lay, ok := m.LayoutCache.Get(item.LayoutUUID)
	if !ok || jobGraphs == nil || !item.Live {
		// Non-live context items contribute their merged state to the
		// items behind them but run no jobs of their own.
		item.Phase = queue.PhaseJobsReady
		return true
	}
	snap, builds := jobGraphs.Freeze(lay)
	item.CurrentBuildSet.JobGraphUUID = snap.UUID
	item.CurrentBuildSet.Builds = builds
	item.Phase = queue.PhaseJobsReady

	if len(builds) > 0 && !item.ReportedStart {
		item.ReportedStart = true
		logging.ItemFields(item.UUID, item.Change.Key.String(), item.Live).Apply(m.Log, "start report")
	}
	return true
}

// scheduleRepoState issues the global repo-state request and marks it
// PENDING; completion arrives via HandleEvent(EventRepoStateComplete),
// which moves the item to REPO_STATE_READY. Absent a wired merger the
// item moves there immediately.
func (m *Manager) scheduleRepoState(ctx context.Context, item *queue.Item) bool {
	if item.CurrentBuildSet.RepoStateState != queue.StateNew {
		return false
	}
	if m.Merger == nil {
		item.CurrentBuildSet.RepoStateState = queue.StateComplete
		item.Phase = queue.PhaseRepoStateReady
		return true
	}
	_, err := m.callBreaker(ctx, "merger", func(ctx context.Context) (string, error) {
		return m.Merger.GetRepoState(ctx, []string{item.UUID}, item.CurrentBuildSet.UUID)
	})
	if err != nil {
		item.CurrentBuildSet.AddFailingReason(fmt.Sprintf("repo state request failed: %v", err))
		return true
	}
	item.CurrentBuildSet.RepoStateState = queue.StatePending
	return true
}

// requestNodes allocates a node set per job via the Nodepool collaborator.
// Job semaphores are not consulted here; executeJobs acquires them before
// dispatch.
func (m *Manager) requestNodes(ctx context.Context, item *queue.Item) bool {
	if item.Phase != queue.PhaseRepoStateReady {
		return false
	}
	for name := range item.CurrentBuildSet.Builds {
		if m.Nodepool != nil {
			_, err := m.callBreaker(ctx, "nodepool", func(ctx context.Context) (string, error) {
				return m.Nodepool.RequestNodes(ctx, item.CurrentBuildSet.UUID, name, m.Pipeline.Tenant, m.Pipeline.Name, "", 0, m.relativePriority(item))
			})
			if err != nil {
				item.CurrentBuildSet.AddFailingReason(fmt.Sprintf("node request failed for %s: %v", name, err))
			}
		}
	}
	item.Phase = queue.PhaseNodesRequested
	// Node fulfillment normally arrives via EventNodeRequestComplete; in
	// the no-collaborator-wired path used by unit tests, nodes are
	// considered immediately ready.
	if m.Nodepool == nil {
		item.Phase = queue.PhaseNodesReady
	}
	return true
}

// relativePriority computes item's index within its relative-priority
// queue, recomputed every tick. Fulfilled requests are skipped when
// revising priority; this function only computes the value used for new
// requests.
func (m *Manager) relativePriority(item *queue.Item) int {
	for i, it := range item.Queue.Items() {
		if it == item {
			return i
		}
	}
	return 0
}

// ReviseRelativePriorities recomputes and pushes updated relative
// priorities for every outstanding (not yet fulfilled) node request in
// the queue.
func (m *Manager) ReviseRelativePriorities(ctx context.Context, q *queue.ChangeQueue) {
	if m.Nodepool == nil {
		return
	}
	for _, item := range q.Items() {
		priority := m.relativePriority(item)
		for _, req := range item.CurrentBuildSet.NodeRequests {
			if req.Fulfilled {
				continue
			}
			_ = m.Nodepool.ReviseRequest(ctx, req.ID, priority)
			req.RelativePriority = priority
		}
	}
}

// executeJobs dispatches every non-terminal build via the Executor
// collaborator, returning true when at least one job was actually
// dispatched. An item with no builds at all moves straight to REPORTABLE,
// and that transition also returns true.
func (m *Manager) executeJobs(ctx context.Context, item *queue.Item) bool {
	if len(item.CurrentBuildSet.Builds) == 0 {
		// Nothing to run for this item (project defines no jobs in this
		// pipeline): straight to reporting, which selects no_jobs_actions.
		item.Phase = queue.PhaseReportable
		return true
	}
	item.Phase = queue.PhaseExecuting
	dispatched := false
	jobDefs := m.jobDefsFor(item)
	for name, build := range item.CurrentBuildSet.Builds {
		if build.Terminal() || build.Started {
			continue
		}
		if m.Semaphore != nil {
			if def, ok := jobDefs[name]; ok && def.Semaphore != nil {
				acquired, err := m.Semaphore.Acquire(ctx, item.UUID, name, def.Semaphore, false)
				if err != nil || !acquired {
					// Semaphore at capacity or store error: leave the
					// build non-terminal, retried on a later tick.
					continue
				}
			}
		}
		if m.Executor != nil {
			_, err := m.callBreaker(ctx, "executor", func(ctx context.Context) (string, error) {
				return m.Executor.Execute(ctx, name, "", item.UUID, m.Pipeline.Name, "")
			})
			if err != nil {
				build.Result = "FAILURE"
				continue
			}
			build.Started = true
		} else {
			build.Started = true
			build.Result = "SUCCESS"
		}
		dispatched = true
	}
	return dispatched
}

func hasUnstartedBuilds(bs *queue.BuildSet) bool {
	for _, b := range bs.Builds {
		if !b.Started && !b.Terminal() {
			return true
		}
	}
	return false
}

// jobDefsFor looks up the job definitions (including semaphore
// references) visible to item through its resolved layout, keyed by job
// name.
func (m *Manager) jobDefsFor(item *queue.Item) map[string]layout.JobDef {
	defs := make(map[string]layout.JobDef)
	if m.LayoutCache == nil {
		return defs
	}
	lay, ok := m.LayoutCache.Get(item.LayoutUUID)
	if !ok {
		return defs
	}
	for _, def := range lay.Jobs {
		defs[def.Name] = def
	}
	return defs
}

// applyFailFast cancels every other running build of item when fail_fast
// is set and a voting, non-retrying build has failed.
func (m *Manager) applyFailFast(item *queue.Item) {
	if !item.CurrentBuildSet.FailFast {
		return
	}
	failed := false
	for _, b := range item.CurrentBuildSet.Builds {
		if b.Failed() {
			failed = true
			break
		}
	}
	if !failed {
		return
	}
	for _, b := range item.CurrentBuildSet.Builds {
		if !b.Terminal() {
			b.Canceled = true
		}
	}
}

// maybeReport reports item if it is at the head of its queue (no item
// ahead) and not blocked by an unfinished bundle; reports are emitted in
// queue order.
func (m *Manager) maybeReport(ctx context.Context, item *queue.Item) bool {
	if item.ItemAhead != nil {
		return false
	}
	if !item.Live {
		// Non-live context items never report; they leave the queue once
		// nothing behind them still needs them.
		if !m.stillNeeded(item) {
			item.Quiet = true
			m.dequeueItem(ctx, item, "no longer needed")
			return true
		}
		return false
	}
	if item.Bundle != nil && !(item.Bundle.DidBundleFinish() || item.Bundle.IsBundleFailing()) {
		return false
	}
	m.reportItem(ctx, item)
	m.dequeueItem(ctx, item, "reported")
	return true
}

// stillNeeded reports whether any tracked item declares a need on item's
// change.
func (m *Manager) stillNeeded(item *queue.Item) bool {
	for _, other := range m.items {
		if other == item {
			continue
		}
		for _, need := range other.Change.NeedsChanges {
			if need == item.Change.Key {
				return true
			}
		}
	}
	return false
}

// reportItem runs ReportDecision, adjusts queue window size (only for
// ChangesMerge pipelines), records the consecutive-failures metric, and
// re-reports any earlier-successful bundle sibling as FAILURE if the
// bundle has now failed.
func (m *Manager) reportItem(ctx context.Context, item *queue.Item) {
	if item.Reported {
		return
	}
	decision := ReportDecision(m.Pipeline, item)
	item.Reported = true
	if item.Bundle != nil {
		item.Bundle.StartedReporting = true
	}

	logging.ReportFields(string(decision.Result), m.Pipeline.State.ConsecutiveFailures).Apply(m.Log, "item reported")
	metrics.RecordReportResult(m.Pipeline.Name, string(decision.Result))
	metrics.RecordConsecutiveFailures(m.Pipeline.Name, m.Pipeline.State.ConsecutiveFailures)
	m.emitReport(ctx, item, decision)

	if m.Capability != nil && m.Capability.ChangesMerge() {
		switch decision.Result {
		case ResultSuccess:
			item.Queue.IncreaseWindowSize()
		case ResultFailure, ResultMergerFailure:
			item.Queue.DecreaseWindowSize()
		}
	}

	if decision.Result == ResultFailure && item.Bundle != nil {
		m.reportProcessedBundleItems(ctx, item.Bundle, item)
	}

	if decision.Result == ResultFailure && m.Capability != nil {
		// Items depending on the failed change cannot succeed against it;
		// stop their jobs but keep results (they re-prepare if the
		// dependency returns in a new revision).
		for _, dep := range m.Capability.GetFailingDependentItems(m.Pipeline, item) {
			dep.CancelJobs(false)
		}
	}
}

// emitReport hands the decision to the configured report sink. A sink
// error is recorded as an ERROR failing reason on the item and does not
// abort queue processing.
func (m *Manager) emitReport(ctx context.Context, item *queue.Item, decision Decision) {
	if m.ReportSink == nil {
		return
	}
	if err := m.ReportSink(ctx, item, decision); err != nil {
		m.Log.Error(err, "report sink failed", "item", item.UUID, "result", decision.Result)
		if item.CurrentBuildSet != nil {
			item.CurrentBuildSet.AddFailingReason(fmt.Sprintf("report error: %v", err))
		}
	}
}

// reportProcessedBundleItems re-reports an already-SUCCESS-reported
// bundle member as FAILURE once a sibling has failed after the fact.
// failed is the member whose report triggered this pass; it already
// received its own FAILURE report.
func (m *Manager) reportProcessedBundleItems(ctx context.Context, bundle *queue.Bundle, failed *queue.Item) {
	bundle.FailedReporting = true
	for _, member := range bundle.Items {
		if member != failed && member.Reported {
			logging.ReportFields(string(ResultFailure), m.Pipeline.State.ConsecutiveFailures).Apply(m.Log, "bundle member re-reported as failure")
			m.emitReport(ctx, member, Decision{Actions: m.Pipeline.FailureActions, Result: ResultFailure})
		}
	}
}
