package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/ridgeback/gatekeeper/pkg/change"
)

// Phase is the explicit state-machine phase of a QueueItem, mirroring the
// implicit BuildSet-substate transitions of the source system.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseFilesPending
	PhaseFilesReady
	PhaseMergePending
	PhaseMergeReady
	PhaseLayoutReady
	PhaseJobsReady
	PhaseRepoStateReady
	PhaseNodesRequested
	PhaseNodesReady
	PhaseExecuting
	PhaseReportable
	PhaseDequeued
)

func (p Phase) String() string {
	names := [...]string{
		"NEW", "FILES_PENDING", "FILES_READY", "MERGE_PENDING", "MERGE_READY",
		"LAYOUT_READY", "JOBS_READY", "REPO_STATE_READY", "NODES_REQUESTED",
		"NODES_READY", "EXECUTING", "REPORTABLE", "DEQUEUED",
	}
	if int(p) < 0 || int(p) >= len(names) {
		return "UNKNOWN"
	}
	return names[p]
}

// Item is a live position of a Change in a pipeline queue.
type Item struct {
	UUID string

	Change change.Change

	Queue *ChangeQueue

	Live   bool
	Active bool

	Phase Phase

	ItemAhead   *Item
	ItemsBehind []*Item

	EnqueueTime time.Time
	DequeueTime time.Time

	Bundle *Bundle

	CurrentBuildSet *BuildSet
	LayoutUUID      string

	Reported        bool
	ReportedEnqueue bool
	ReportedStart   bool
	Quiet           bool

	// DequeuedNeedingChange is set when checkForChangesNeededBy finds a
	// needed change has been dequeued or abandoned.
	DequeuedNeedingChange bool
}

// NewItem creates a new QueueItem (live or not, per live) for ch in q, with a freshly allocated
// build set.
func NewItem(q *ChangeQueue, ch change.Change, live bool) *Item {
	return &Item{
		UUID:            uuid.NewString(),
		Change:          ch,
		Queue:           q,
		Live:            live,
		Active:          false,
		Phase:           PhaseNew,
		EnqueueTime:     time.Now(),
		CurrentBuildSet: NewBuildSet(),
	}
}

// ItemAheadValid reports whether the item has an item ahead whose change
// differs from its own (the stated data-model invariant).
func (it *Item) ItemAheadValid() bool {
	return it.ItemAhead != nil && !it.ItemAhead.Change.Equal(it.Change)
}

// IsFailing reports whether this item currently carries failing reasons:
// an accumulated failure reason, a missing needed change, or a voting,
// non-retrying build that has failed.
func (it *Item) IsFailing() bool {
	if it.DequeuedNeedingChange {
		return true
	}
	if it.CurrentBuildSet == nil {
		return false
	}
	if it.CurrentBuildSet.HasFailingReasons() {
		return true
	}
	for _, b := range it.CurrentBuildSet.Builds {
		if b.Failed() {
			return true
		}
	}
	return false
}

// ResetBuildSet replaces the item's build set with a fresh one, preserving
// the frozen job graph UUID when keepJobGraph is true (re-enqueue after
// layout invalidation preserves a job graph that was already frozen).
func (it *Item) ResetBuildSet(keepJobGraph bool) {
	jobGraph := ""
	if keepJobGraph && it.CurrentBuildSet != nil {
		jobGraph = it.CurrentBuildSet.JobGraphUUID
	}
	it.CurrentBuildSet = NewBuildSet()
	it.CurrentBuildSet.JobGraphUUID = jobGraph
	if jobGraph != "" {
		it.Phase = PhaseJobsReady
	} else {
		it.Phase = PhaseNew
	}
}

// CancelJobs cancels all of this item's builds. When prime is true, the
// build set is fully reset (job graph discarded); when false, build
// results are preserved so the item may be re-prepared against a new
// base. Cascades to ItemsBehind with the same prime flag.
func (it *Item) CancelJobs(prime bool) {
	if it.Bundle != nil && it.Bundle.StartedReporting {
		return
	}
	if it.CurrentBuildSet != nil {
		for _, b := range it.CurrentBuildSet.Builds {
			if !b.Terminal() {
				b.Canceled = true
			}
		}
	}
	if prime {
		it.ResetBuildSet(false)
		it.Phase = PhaseDequeued
	}
	for _, behind := range it.ItemsBehind {
		behind.CancelJobs(prime)
	}
}
