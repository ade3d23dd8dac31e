package pipeline

import (
	"github.com/ridgeback/gatekeeper/pkg/change"
	"github.com/ridgeback/gatekeeper/pkg/dependency"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// Capability is the pipeline-kind variation point: a narrow interface
// the PipelineManager holds by composition. A gate (dependent) pipeline,
// a check (independent) pipeline, a serial pipeline, and a supercedent
// pipeline each supply their own Capability while sharing the same
// Manager state-machine driver.
type Capability interface {
	// GetChangeQueue locates or creates the ChangeQueue a newly-admitted
	// change belongs in. Returning nil rejects the change.
	GetChangeQueue(p *Pipeline, ch change.Change) *queue.ChangeQueue

	// IsChangeReadyToBeEnqueued applies any pipeline-specific readiness
	// policy beyond ref-filters (e.g. supercedent pipelines refusing a
	// third change for a project+ref already holding two).
	IsChangeReadyToBeEnqueued(p *Pipeline, ch change.Change) bool

	// EnqueueChangesAhead resolves and enqueues ch's Depends-On changes
	// ahead of it, recording needs-edges into graph. Returns false (and
	// triggers rollback of any partial cycle) on failure to resolve or
	// enqueue a dependency.
	EnqueueChangesAhead(p *Pipeline, ch change.Change, graph *dependency.Graph, enqueue func(change.Change) bool) bool

	// EnqueueChangesBehind re-examines items already in the queue that
	// declare a need on ch, giving a dependent pipeline the chance to pull
	// them to follow ch immediately.
	EnqueueChangesBehind(p *Pipeline, item *queue.Item)

	// CheckForChangesNeededBy reports whether every change item.Change
	// needs is still present (live or merged) somewhere reachable; false
	// means the item must be dequeued as DequeuedNeedingChange.
	CheckForChangesNeededBy(p *Pipeline, item *queue.Item) bool

	// GetFailingDependentItems returns items that depend (directly or
	// transitively) on a change that is currently failing, used to
	// short-circuit jobs that cannot possibly succeed.
	GetFailingDependentItems(p *Pipeline, item *queue.Item) []*queue.Item

	// DequeueSupercededItems posts an async dequeue to every pipeline
	// named in p.Supercedes for any live item matching item.Change:
	// modeled as an event on the target pipeline's inbox rather than a
	// synchronous call, so suspension stays between ticks.
	DequeueSupercededItems(p *Pipeline, item *queue.Item, post func(pipelineName string, ev Event))

	// ChangesMerge reports whether this pipeline's jobs gate an actual
	// merge of the change: only such pipelines adjust queue window size
	// on report.
	ChangesMerge() bool
}
