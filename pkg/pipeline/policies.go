package pipeline

import (
	"fmt"

	"github.com/ridgeback/gatekeeper/pkg/change"
	"github.com/ridgeback/gatekeeper/pkg/dependency"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// ChangeFetcher turns a change key into the full change (the source
// connector's GetChangeByKey). Policies use it to materialize Depends-On
// keys before enqueuing them ahead; with a nil fetcher, a needed change
// not already in the pipeline fails the enqueue-ahead.
type ChangeFetcher func(key change.Key) (*change.Change, error)

// findQueue locates an existing queue by name within p.
func findQueue(p *Pipeline, name string) *queue.ChangeQueue {
	for _, q := range p.Queues {
		if q.Name == name {
			return q
		}
	}
	return nil
}

// queueContaining returns the queue holding an item whose change key
// matches key, or nil.
func queueContaining(p *Pipeline, key change.Key) *queue.ChangeQueue {
	for _, q := range p.Queues {
		for _, it := range q.Items() {
			if it.Change.Key == key {
				return q
			}
		}
	}
	return nil
}

// needsSatisfied reports whether every key in item's needs is still
// reachable: a fellow bundle member (cycles merge atomically), an item
// somewhere in the pipeline, or a change that has merged since the needs
// list was resolved (isMerged, wired to the source connector; nil means
// unknown and unsatisfied).
func needsSatisfied(p *Pipeline, item *queue.Item, isMerged func(change.Key) bool) bool {
	for _, key := range item.Change.NeedsChanges {
		if item.Bundle != nil && bundleHasKey(item.Bundle, key) {
			continue
		}
		if queueContaining(p, key) != nil {
			continue
		}
		if isMerged != nil && isMerged(key) {
			continue
		}
		return false
	}
	return true
}

func bundleHasKey(b *queue.Bundle, key change.Key) bool {
	for _, member := range b.Items {
		if member.Change.Key == key {
			return true
		}
	}
	return false
}

// failingDependents returns every item in p that directly or transitively
// needs root's change and is currently behind a failing chain. Shared by
// the dependent and serial policies.
func failingDependents(p *Pipeline, root *queue.Item) []*queue.Item {
	if !root.IsFailing() {
		return nil
	}
	failing := map[change.Key]bool{root.Change.Key: true}
	var out []*queue.Item
	// Iterate to a fixed point so transitive dependents are picked up
	// regardless of queue order.
	for {
		grew := false
		for _, q := range p.Queues {
			for _, it := range q.Items() {
				if it == root || failing[it.Change.Key] {
					continue
				}
				for _, need := range it.Change.NeedsChanges {
					if failing[need] {
						failing[it.Change.Key] = true
						out = append(out, it)
						grew = true
						break
					}
				}
			}
		}
		if !grew {
			return out
		}
	}
}

// postSupersedes posts a change-abandoned-style dequeue event to every
// pipeline named in p.Supercedes, carrying item's change so the target
// dequeues any live equal item on its next tick.
func postSupersedes(p *Pipeline, item *queue.Item, post func(pipelineName string, ev Event)) {
	for _, target := range p.Supercedes {
		post(target, Event{Kind: EventChangeAbandoned, Change: item.Change})
	}
}

// enqueueAhead materializes and enqueues every needed change that is not
// already present in the pipeline, recording needs-edges into graph.
// Returns false on the first fetch or enqueue failure, triggering the
// caller's partial-cycle rollback.
func enqueueAhead(p *Pipeline, ch change.Change, graph *dependency.Graph, fetch ChangeFetcher, enqueue func(change.Change) bool) bool {
	for _, need := range ch.NeedsChanges {
		graph.AddEdge(ch.Key, need)
		if queueContaining(p, need) != nil {
			continue
		}
		if fetch == nil {
			return false
		}
		dep, err := fetch(need)
		if err != nil || dep == nil {
			return false
		}
		if dep.IsMerged {
			continue
		}
		if !enqueue(*dep) {
			return false
		}
	}
	return true
}

// DependentPolicy implements the speculative-merge gate pipeline: changes
// for related projects share a queue, items are tested against the items
// ahead of them, and a successful report merges the change (so window
// sizing applies).
type DependentPolicy struct {
	// SharedQueues maps a project to the name of the queue it shares with
	// related projects. Projects absent from the map get a queue named
	// after the project itself.
	SharedQueues map[string]string

	// AllowCircularProjects lists projects whose configuration permits
	// dependency cycles (bundles).
	AllowCircularProjects map[string]bool

	// Window is the initial active-window size for newly created queues
	// (0 means unwindowed).
	Window int

	Fetch ChangeFetcher

	// IsMerged checks whether a change has merged in the code-review
	// system, wired to the source connector. Used to keep items whose
	// dependency merged out from under them.
	IsMerged func(key change.Key) bool

	// ReEnqueue admits a change discovered behind an enqueued item (a
	// change that declared a need on it). nil disables behind-enqueues.
	ReEnqueue func(ch change.Change) bool
}

func (d *DependentPolicy) queueName(project string) string {
	if name, ok := d.SharedQueues[project]; ok {
		return name
	}
	return project
}

func (d *DependentPolicy) GetChangeQueue(p *Pipeline, ch change.Change) *queue.ChangeQueue {
	name := d.queueName(ch.Key.Project)
	if q := findQueue(p, name); q != nil {
		return q
	}
	q := queue.NewChangeQueue(name, true, d.Window)
	q.AllowCircularDependencies = d.AllowCircularProjects[ch.Key.Project]
	return q
}

func (d *DependentPolicy) IsChangeReadyToBeEnqueued(p *Pipeline, ch change.Change) bool {
	// A gate only tests changes that can still merge.
	return !ch.IsMerged
}

func (d *DependentPolicy) EnqueueChangesAhead(p *Pipeline, ch change.Change, graph *dependency.Graph, enqueue func(change.Change) bool) bool {
	return enqueueAhead(p, ch, graph, d.Fetch, enqueue)
}

func (d *DependentPolicy) EnqueueChangesBehind(p *Pipeline, item *queue.Item) {
	if d.ReEnqueue == nil {
		return
	}
	for _, key := range item.Change.NeededByChanges {
		if queueContaining(p, key) != nil {
			continue
		}
		if d.Fetch == nil {
			return
		}
		dep, err := d.Fetch(key)
		if err != nil || dep == nil || dep.IsMerged {
			continue
		}
		d.ReEnqueue(*dep)
	}
}

func (d *DependentPolicy) CheckForChangesNeededBy(p *Pipeline, item *queue.Item) bool {
	return needsSatisfied(p, item, d.IsMerged)
}

func (d *DependentPolicy) GetFailingDependentItems(p *Pipeline, item *queue.Item) []*queue.Item {
	return failingDependents(p, item)
}

func (d *DependentPolicy) DequeueSupercededItems(p *Pipeline, item *queue.Item, post func(pipelineName string, ev Event)) {
	postSupersedes(p, item, post)
}

func (d *DependentPolicy) ChangesMerge() bool { return true }

// IndependentPolicy implements check-style pipelines: each change is
// tested on its own, against its declared dependencies only. Needed
// changes are enqueued ahead as non-live items and nothing merges.
type IndependentPolicy struct {
	Fetch    ChangeFetcher
	IsMerged func(key change.Key) bool
}

func (i *IndependentPolicy) GetChangeQueue(p *Pipeline, ch change.Change) *queue.ChangeQueue {
	// A change joins the queue already holding one of its dependency
	// neighbors, so a Depends-On chain (or cycle) stays contiguous;
	// otherwise it gets a fresh dynamic queue of its own.
	for _, need := range ch.NeedsChanges {
		if q := queueContaining(p, need); q != nil {
			return q
		}
	}
	for _, q := range p.Queues {
		for _, it := range q.Items() {
			for _, need := range it.Change.NeedsChanges {
				if need == ch.Key {
					return q
				}
			}
		}
	}
	q := queue.NewChangeQueue(ch.Key.String(), true, 0)
	q.AllowCircularDependencies = true
	return q
}

func (i *IndependentPolicy) IsChangeReadyToBeEnqueued(p *Pipeline, ch change.Change) bool {
	// Independent pipelines test anything, including already-merged refs
	// (e.g. post-merge checks).
	return true
}

func (i *IndependentPolicy) EnqueueChangesAhead(p *Pipeline, ch change.Change, graph *dependency.Graph, enqueue func(change.Change) bool) bool {
	return enqueueAhead(p, ch, graph, i.Fetch, enqueue)
}

func (i *IndependentPolicy) EnqueueChangesBehind(p *Pipeline, item *queue.Item) {}

func (i *IndependentPolicy) CheckForChangesNeededBy(p *Pipeline, item *queue.Item) bool {
	return needsSatisfied(p, item, i.IsMerged)
}

func (i *IndependentPolicy) GetFailingDependentItems(p *Pipeline, item *queue.Item) []*queue.Item {
	// Items never gate each other in an independent pipeline.
	return nil
}

func (i *IndependentPolicy) DequeueSupercededItems(p *Pipeline, item *queue.Item, post func(pipelineName string, ev Event)) {
	postSupersedes(p, item, post)
}

func (i *IndependentPolicy) ChangesMerge() bool { return false }

// SerialPolicy processes changes for a project strictly one at a time:
// shared per-project queues with a window pinned to 1. Used for deploy
// pipelines where overlapping runs would race.
type SerialPolicy struct {
	Fetch    ChangeFetcher
	IsMerged func(key change.Key) bool
}

func (s *SerialPolicy) GetChangeQueue(p *Pipeline, ch change.Change) *queue.ChangeQueue {
	name := ch.Key.Project
	if q := findQueue(p, name); q != nil {
		return q
	}
	return queue.NewChangeQueue(name, true, 1)
}

func (s *SerialPolicy) IsChangeReadyToBeEnqueued(p *Pipeline, ch change.Change) bool {
	return true
}

func (s *SerialPolicy) EnqueueChangesAhead(p *Pipeline, ch change.Change, graph *dependency.Graph, enqueue func(change.Change) bool) bool {
	return enqueueAhead(p, ch, graph, s.Fetch, enqueue)
}

func (s *SerialPolicy) EnqueueChangesBehind(p *Pipeline, item *queue.Item) {}

func (s *SerialPolicy) CheckForChangesNeededBy(p *Pipeline, item *queue.Item) bool {
	return needsSatisfied(p, item, s.IsMerged)
}

func (s *SerialPolicy) GetFailingDependentItems(p *Pipeline, item *queue.Item) []*queue.Item {
	return failingDependents(p, item)
}

func (s *SerialPolicy) DequeueSupercededItems(p *Pipeline, item *queue.Item, post func(pipelineName string, ev Event)) {
	postSupersedes(p, item, post)
}

func (s *SerialPolicy) ChangesMerge() bool { return false }

// SupercedentPolicy keeps one queue per project+ref holding at most two
// items, the running one and one waiting one. A further arrival while an
// item is already waiting is refused; it does not replace the waiting
// item. Used for post-merge/promote pipelines.
type SupercedentPolicy struct{}

func supercedentQueueName(ch change.Change) string {
	return fmt.Sprintf("%s/%s", ch.Key.Project, ch.Ref)
}

func (s *SupercedentPolicy) GetChangeQueue(p *Pipeline, ch change.Change) *queue.ChangeQueue {
	name := supercedentQueueName(ch)
	if q := findQueue(p, name); q != nil {
		return q
	}
	return queue.NewChangeQueue(name, true, 1)
}

func (s *SupercedentPolicy) IsChangeReadyToBeEnqueued(p *Pipeline, ch change.Change) bool {
	// At most one waiting item per queue; the manager's duplicate
	// detection already rejects equal changes, so refuse only when two
	// non-equal changes are already queued for this project+ref.
	name := supercedentQueueName(ch)
	q := findQueue(p, name)
	return q == nil || q.Len() < 2
}

func (s *SupercedentPolicy) EnqueueChangesAhead(p *Pipeline, ch change.Change, graph *dependency.Graph, enqueue func(change.Change) bool) bool {
	// Supercedent pipelines ignore dependencies entirely; every ref is
	// tested at its own latest state.
	return true
}

func (s *SupercedentPolicy) EnqueueChangesBehind(p *Pipeline, item *queue.Item) {}

func (s *SupercedentPolicy) CheckForChangesNeededBy(p *Pipeline, item *queue.Item) bool {
	return true
}

func (s *SupercedentPolicy) GetFailingDependentItems(p *Pipeline, item *queue.Item) []*queue.Item {
	return nil
}

func (s *SupercedentPolicy) DequeueSupercededItems(p *Pipeline, item *queue.Item, post func(pipelineName string, ev Event)) {
	postSupersedes(p, item, post)
}

func (s *SupercedentPolicy) ChangesMerge() bool { return false }
