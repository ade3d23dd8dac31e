// Package layout implements LayoutCache and the DynamicLayoutLoader: the
// speculative pipeline+project configuration overlay visible to a given
// queue item, with trusted/untrusted two-phase loading.
package layout

import (
	"github.com/google/uuid"

	"github.com/ridgeback/gatekeeper/pkg/semaphore"
)

// ConfigError is a single configuration problem surfaced while loading a
// layout, scoped to the project/branch that caused it.
type ConfigError struct {
	Project string
	Branch  string
	Message string
}

// JobDef is one job's static definition as visible in a loaded layout,
// the input to freezing a queue item's job graph (pkg/jobgraph).
type JobDef struct {
	Name      string
	Voting    bool
	Retry     bool
	FailFast  bool
	Semaphore *semaphore.JobSemaphore
}

// Layout is the effective, possibly speculative, configuration visible to
// an item.
type Layout struct {
	UUID          string
	ConfigErrors  []ConfigError
	Semaphores    map[string]semaphore.Config
	UpdatesConfig bool

	// Jobs is the ordered job list for the project/branch this layout was
	// loaded for, frozen into a job graph once an item reaches
	// LAYOUT_READY.
	Jobs []JobDef
}

// NewLayout creates a layout with a fresh uuid.
func NewLayout() *Layout {
	return &Layout{UUID: uuid.NewString(), Semaphores: make(map[string]semaphore.Config)}
}

// Semaphore implements semaphore.Layout.
func (l *Layout) Semaphore(name string) (semaphore.Config, bool) {
	c, ok := l.Semaphores[name]
	return c, ok
}

// ErrorsIntersect reports whether any config error in errs applies to the
// given project/branch.
func ErrorsIntersect(errs []ConfigError, project, branch string) bool {
	for _, e := range errs {
		if e.Project == project && e.Branch == branch {
			return true
		}
	}
	return false
}
