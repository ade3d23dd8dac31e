// Package jobgraph freezes a queue item's job list, as resolved from its
// layout, into a snapshot job graph (the LAYOUT_READY ->
// JOBS_READY transition). The frozen graph is expressed with Tekton's
// PipelineSpec/PipelineTask vocabulary: Tekton's types
// already describe a DAG of named tasks with RunAfter ordering and per-job
// params, which is exactly what a frozen gate job graph needs, without
// this module taking a dependency on a running Tekton controller.
package jobgraph

import (
	"fmt"
	"sync"

	tektonv1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"
	"github.com/google/uuid"

	"github.com/ridgeback/gatekeeper/pkg/layout"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// Snapshot is one frozen job graph: the Tekton pipeline spec, keyed by
// the same uuid the owning BuildSet stores as BuildSet.JobGraphUUID. The
// build records it seeds are returned by Freeze, not held here.
type Snapshot struct {
	UUID string
	Spec *tektonv1.PipelineSpec
}

// Store holds frozen job graph snapshots. Entries are evicted only by
// Maintain, which keeps the uuids it is given; nothing is evicted until
// Maintain is called.
type Store struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
}

// NewStore creates an empty job graph store.
func NewStore() *Store {
	return &Store{snapshots: make(map[string]*Snapshot)}
}

// Get looks up a previously frozen snapshot by uuid.
func (s *Store) Get(graphUUID string) (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[graphUUID]
	return snap, ok
}

// Maintain evicts any snapshot whose uuid is not in liveUUIDs.
func (s *Store) Maintain(liveUUIDs map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.snapshots {
		if !liveUUIDs[id] {
			delete(s.snapshots, id)
		}
	}
}

// Freeze builds a Tekton PipelineSpec from lay.Jobs in declaration order
// (each task runs after the previous one, a linear gate job graph),
// stores the snapshot, and
// seeds the build records a BuildSet tracks through execution.
func (s *Store) Freeze(lay *layout.Layout) (*Snapshot, map[string]*queue.Build) {
	tasks := make([]tektonv1.PipelineTask, 0, len(lay.Jobs))
	builds := make(map[string]*queue.Build, len(lay.Jobs))

	var previous string
	for _, job := range lay.Jobs {
		task := tektonv1.PipelineTask{
			Name:    job.Name,
			TaskRef: &tektonv1.TaskRef{Name: job.Name},
		}
		if previous != "" {
			task.RunAfter = []string{previous}
		}
		tasks = append(tasks, task)
		previous = job.Name

		builds[job.Name] = &queue.Build{
			JobName: job.Name,
			Voting:  job.Voting,
			Retry:   job.Retry,
		}
	}

	snap := &Snapshot{
		UUID: uuid.NewString(),
		Spec: &tektonv1.PipelineSpec{Tasks: tasks},
	}

	s.mu.Lock()
	s.snapshots[snap.UUID] = snap
	s.mu.Unlock()

	return snap, builds
}

// JobNames returns the frozen graph's task names in run order.
func (snap *Snapshot) JobNames() []string {
	names := make([]string, len(snap.Spec.Tasks))
	for i, t := range snap.Spec.Tasks {
		names[i] = t.Name
	}
	return names
}

// DescribeTask renders a one-line human description of a task.
func DescribeTask(t tektonv1.PipelineTask) string {
	if len(t.RunAfter) == 0 {
		return fmt.Sprintf("%s (root)", t.Name)
	}
	return fmt.Sprintf("%s (after %s)", t.Name, t.RunAfter[0])
}
