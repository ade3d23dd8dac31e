// Package pipeline implements PipelineManager: the component that owns a
// pipeline's queues, drives each QueueItem through its per-item state
// machine, orchestrates the external collaborators, and emits reports on
// terminal states. The Capability interface is the
// dependent/independent/serial/supercedent variation point.
package pipeline

import (
	"github.com/ridgeback/gatekeeper/pkg/layout"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// ActionSet is an opaque, engine-specific description of what to do when a
// pipeline reaches a given terminal or lifecycle point (post a vote, leave
// a comment, merge the change, ...). The manager core never interprets an
// ActionSet's contents; it only selects which set applies.
type ActionSet []string

// State is the persistent, cross-tick state of a Pipeline: whether it is
// currently disabled, and its consecutive-failure counter.
type State struct {
	Disabled           bool
	ConsecutiveFailures int
}

// Pipeline is the aggregate of queues, layout, and action-set
// configuration.
type Pipeline struct {
	Name   string
	Tenant string

	Queues []*queue.ChangeQueue
	Layout *layout.Layout

	Precedence int

	EnqueueActions      ActionSet
	StartActions        ActionSet
	SuccessActions      ActionSet
	FailureActions      ActionSet
	MergeFailureActions ActionSet
	NoJobsActions       ActionSet
	DequeueActions      ActionSet
	DisabledActions     ActionSet

	// Supercedes lists other pipeline names whose live items for the same
	// change should be dequeued once this pipeline has taken over
	// responsibility for it.
	Supercedes []string

	// DisableAt is the consecutive-failure count at which the pipeline
	// flips to disabled. Zero means never auto-disable.
	DisableAt int

	// ChangesMerge gates whether window size is adjusted on report:
	// only pipelines whose jobs gate an actual
	// merge (e.g. a speculative-merge gate) touch window size.
	ChangesMerge bool

	// DequeueOnNewPatchset controls removeOldVersionsOfChange.
	DequeueOnNewPatchset bool

	State State

	// projects is nil for "unrestricted" (every project is in-pipeline);
	// set via SetProjects otherwise.
	projects map[string]bool
}

// NewPipeline creates a Pipeline with zeroed action sets; callers
// (cmd/gatekeeper) populate them from the loaded configuration.
func NewPipeline(name, tenant string) *Pipeline {
	return &Pipeline{Name: name, Tenant: tenant}
}

// ProjectInPipeline reports whether project participates in this
// pipeline's configuration. The default policy (no project filtering
// configured) treats every project as in-pipeline; cmd/gatekeeper sets
// a concrete allow-list via SetProjects when one is configured.
func (p *Pipeline) ProjectInPipeline(project string) bool {
	if p.projects == nil {
		return true
	}
	return p.projects[project]
}

// SetProjects restricts ProjectInPipeline to exactly the given set.
func (p *Pipeline) SetProjects(projects []string) {
	p.projects = make(map[string]bool, len(projects))
	for _, proj := range projects {
		p.projects[proj] = true
	}
}
