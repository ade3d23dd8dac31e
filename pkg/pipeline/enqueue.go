package pipeline

import (
	"context"

	"github.com/ridgeback/gatekeeper/pkg/change"
	"github.com/ridgeback/gatekeeper/pkg/dependency"
	"github.com/ridgeback/gatekeeper/pkg/queue"
	"github.com/ridgeback/gatekeeper/pkg/shared/logging"
)

// AddChangeOptions carries the optional admission parameters of
// Manager.AddChange.
type AddChangeOptions struct {
	Quiet              bool
	IgnoreRequirements bool
	Live               bool
	TargetQueue        *queue.ChangeQueue

	// History carries the chain of change keys currently being enqueued
	// by an in-progress enqueue-ahead recursion; a dependency already in
	// the history is part of a cycle being admitted and is not re-entered.
	History []change.Key
}

// RefFilter evaluates a pipeline's ref-filters against a candidate change.
// A nil RefFilter (the default) admits every change; cmd/gatekeeper wires
// a concrete pkg/policy.Evaluator-backed filter.
type RefFilter func(ch change.Change) bool

// DependsOnResolver resolves a Depends-On URL to the change it names, via
// the source connector whose hostname matches the URL.
type DependsOnResolver func(ctx context.Context, url string) (*change.Change, error)

// AddChange admits ch into the pipeline. Returns false
// if the change is rejected (ref-filter mismatch, forbidden cycle, or a
// failed dependency enqueue); true otherwise, including the already-live
// no-op case.
func (m *Manager) AddChange(ctx context.Context, ch change.Change, ev Event, opts AddChangeOptions, refFilter RefFilter, resolveDependsOn DependsOnResolver) bool {
	log := m.annotatedLogger(ctx, "addChange", ch)

	if opts.Live && m.hasLiveEqualChange(ch) {
		log.V(1).Info("change already live in pipeline, no-op")
		return true
	}

	if !opts.IgnoreRequirements && refFilter != nil && !refFilter(ch) {
		logging.New().Component("pipeline").Custom("reason", "ref-filter mismatch").Apply(log, "change rejected")
		return false
	}

	if m.Capability != nil && !m.Capability.IsChangeReadyToBeEnqueued(m.Pipeline, ch) {
		log.V(1).Info("change not ready to be enqueued per pipeline policy")
		return false
	}

	needs, err := dependency.UpdateCommitDependencies(&ch, func(url string) (*change.Change, error) {
		if resolveDependsOn == nil {
			return nil, nil
		}
		return resolveDependsOn(ctx, url)
	})
	if err != nil {
		log.Error(err, "failed to resolve Depends-On headers")
		return false
	}
	if !dependency.SameValues(needs, ch.NeedsChanges) {
		ch.NeedsChanges = needs
	}

	for _, need := range needs {
		m.DependencyGraph.AddEdge(ch.Key, need)
	}

	if m.Capability != nil {
		history := append(append([]change.Key{}, opts.History...), ch.Key)
		ok := m.Capability.EnqueueChangesAhead(m.Pipeline, ch, m.DependencyGraph, func(dep change.Change) bool {
			for _, seen := range history {
				if seen == dep.Key {
					// Already being enqueued higher up this recursion:
					// the cycle closes here.
					return true
				}
			}
			// In a merging (gate) pipeline, dependencies enqueued ahead
			// are live: they merge together with their dependents. In
			// non-merging pipelines they are context only.
			depLive := m.Capability.ChangesMerge()
			return m.AddChange(ctx, dep, ev, AddChangeOptions{IgnoreRequirements: opts.IgnoreRequirements, History: history, Live: depLive}, refFilter, resolveDependsOn)
		})
		if !ok {
			m.dequeueIncompleteCycle(ctx, ch)
			return false
		}
	}

	cycle := m.DependencyGraph.CycleFor(ch.Key)

	var q *queue.ChangeQueue
	if opts.TargetQueue != nil {
		q = opts.TargetQueue
	} else if m.Capability != nil {
		q = m.Capability.GetChangeQueue(m.Pipeline, ch)
	}
	if q == nil {
		log.Info("no change queue available for change, rejecting")
		return false
	}
	m.ensureQueueTracked(q)

	if len(cycle) > 0 && !q.AllowCircularDependencies {
		m.enqueueSyntheticCycleFailure(ctx, q, ch, cycle)
		return false
	}

	item := q.EnqueueChange(ch, opts.Live)
	item.Quiet = opts.Quiet
	m.trackItem(item)

	if len(cycle) > 1 {
		m.joinBundle(q, cycle, item)
	}

	// Defer enqueueChangesBehind until every member of the cycle this
	// change belongs to has been enqueued, keeping bundle members
	// contiguous in the queue.
	if m.cycleFullyEnqueued(cycle) && m.Capability != nil {
		m.Capability.EnqueueChangesBehind(m.Pipeline, item)
	}

	if !item.ReportedEnqueue {
		item.ReportedEnqueue = true
		logging.ItemFields(item.UUID, ch.Key.String(), item.Live).Apply(log, "enqueue report")
	}

	m.scheduleSupersedeCleanup(ctx, item)
	return true
}

func (m *Manager) hasLiveEqualChange(ch change.Change) bool {
	for _, item := range m.items {
		if item.Live && item.Change.Equal(ch) {
			return true
		}
	}
	return false
}

func (m *Manager) ensureQueueTracked(q *queue.ChangeQueue) {
	for _, existing := range m.Pipeline.Queues {
		if existing == q {
			return
		}
	}
	m.Pipeline.Queues = append(m.Pipeline.Queues, q)
}

// dequeueIncompleteCycle removes any items already enqueued from a cycle
// whose enqueue-ahead failed partway through, so the queue never holds
// half a cycle.
func (m *Manager) dequeueIncompleteCycle(ctx context.Context, ch change.Change) {
	cycle := m.DependencyGraph.CycleFor(ch.Key)
	for _, key := range cycle {
		for _, item := range m.items {
			if item.Change.Key == key {
				m.dequeueItem(ctx, item, "incomplete dependency cycle rollback")
			}
		}
	}
}

// enqueueSyntheticCycleFailure handles a cycle for a project that does
// not permit them: enqueue one synthetic failing item carrying the
// cycle warning, emit its failure report, dequeue it, and dequeue any
// cycle members already present in a queue.
func (m *Manager) enqueueSyntheticCycleFailure(ctx context.Context, q *queue.ChangeQueue, ch change.Change, cycle []change.Key) {
	log := m.annotatedLogger(ctx, "enqueueSyntheticCycleFailure", ch)

	for _, key := range cycle {
		if key == ch.Key {
			continue
		}
		for _, item := range m.items {
			if item.Change.Key == key {
				m.dequeueItem(ctx, item, "dependency cycle not permitted")
			}
		}
	}

	synthetic := q.EnqueueChange(ch, true)
	synthetic.CurrentBuildSet.AddFailingReason("Dependency cycle detected")
	m.trackItem(synthetic)
	logging.ItemFields(synthetic.UUID, ch.Key.String(), true).Apply(log, "synthetic cycle-failure item enqueued")

	// A forbidden cycle always reports FAILURE, regardless of the usual
	// terminal-state decision table (the synthetic item has no jobs).
	synthetic.Reported = true
	m.emitReport(ctx, synthetic, Decision{Actions: m.Pipeline.FailureActions, Result: ResultFailure})
	m.Pipeline.State.ConsecutiveFailures++
	m.dequeueItem(ctx, synthetic, "cycle not permitted")
}

func (m *Manager) joinBundle(q *queue.ChangeQueue, cycle []change.Key, newItem *queue.Item) {
	var bundle *queue.Bundle
	for _, key := range cycle {
		for _, item := range m.items {
			if item.Change.Key == key && item.Bundle != nil {
				bundle = item.Bundle
				break
			}
		}
		if bundle != nil {
			break
		}
	}
	if bundle == nil {
		bundle = queue.NewBundle()
	}
	bundle.AddItem(newItem)
}

// cycleFullyEnqueued reports whether every change key in cycle currently
// has a tracked item (i.e. the whole cycle has been admitted, so
// enqueueChangesBehind is now safe to run without splitting the bundle).
func (m *Manager) cycleFullyEnqueued(cycle []change.Key) bool {
	if len(cycle) == 0 {
		return true
	}
	for _, key := range cycle {
		found := false
		for _, item := range m.items {
			if item.Change.Key == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RemoveOldVersionsOfChange dequeues any live item whose change is an
// older patchset of ch, when the pipeline is configured to supersede old
// patchsets on update.
func (m *Manager) RemoveOldVersionsOfChange(ctx context.Context, ch change.Change, ev Event) {
	if !m.Pipeline.DequeueOnNewPatchset {
		return
	}
	for _, item := range m.items {
		if item.Live && item.Change.SameChange(ch) && item.Change.Patchset != ch.Patchset {
			m.dequeueItem(ctx, item, "superseded by new patchset")
		}
	}
}

// RemoveAbandonedChange dequeues any live item matching the abandoned
// change exactly.
func (m *Manager) RemoveAbandonedChange(ctx context.Context, ch change.Change, ev Event) {
	for _, item := range m.items {
		if item.Live && item.Change.Equal(ch) {
			m.dequeueItem(ctx, item, "change abandoned")
		}
	}
}

// ReEnqueueItem re-inserts item after layout invalidation, preserving its
// frozen job graph when one was already computed and the new item ahead
// doesn't invalidate it.
func (m *Manager) ReEnqueueItem(item *queue.Item, lastHead *queue.Item, oldItemAhead *queue.Item, itemAheadValid bool) {
	item.Queue.MoveItem(item, lastHead)
	keepJobGraph := item.CurrentBuildSet != nil && item.CurrentBuildSet.JobGraphUUID != "" && itemAheadValid
	item.ResetBuildSet(keepJobGraph)
}

// dequeueItem unlinks item from its queue, cancels its jobs, releases any
// semaphores its builds hold, and untracks it; if the queue is dynamic and
// now empty, it is removed from the pipeline.
func (m *Manager) dequeueItem(ctx context.Context, item *queue.Item, reason string) {
	if m.Semaphore != nil && item.CurrentBuildSet != nil {
		defs := m.jobDefsFor(item)
		for name := range item.CurrentBuildSet.Builds {
			if def, ok := defs[name]; ok && def.Semaphore != nil {
				// Double-release is a logged no-op in the handler.
				_ = m.Semaphore.Release(ctx, item.UUID, name, def.Semaphore)
			}
		}
	}
	item.CancelJobs(true)
	if !item.Reported && !item.Quiet && (item.Bundle == nil || !item.Bundle.StartedReporting) {
		// Buildset-end notification for an item leaving without a terminal
		// report (superseded, abandoned); non-final, result DEQUEUED.
		m.emitReport(ctx, item, Decision{Actions: m.Pipeline.DequeueActions, Result: ResultDequeued})
	}
	empty := item.Queue.DequeueItem(item)
	m.untrackItem(item)
	if empty {
		m.removeQueue(item.Queue)
	}
}

func (m *Manager) removeQueue(q *queue.ChangeQueue) {
	for i, existing := range m.Pipeline.Queues {
		if existing == q {
			m.Pipeline.Queues = append(m.Pipeline.Queues[:i], m.Pipeline.Queues[i+1:]...)
			return
		}
	}
}

// scheduleSupersedeCleanup delegates to the Capability's
// DequeueSupercededItems, posting an async dequeue event to every
// pipeline in Supercedes.
func (m *Manager) scheduleSupersedeCleanup(ctx context.Context, item *queue.Item) {
	if m.Capability == nil || len(m.Pipeline.Supercedes) == 0 {
		return
	}
	m.Capability.DequeueSupercededItems(m.Pipeline, item, func(pipelineName string, ev Event) {
		if m.PostEvent != nil {
			m.PostEvent(pipelineName, ev)
		}
	})
}
