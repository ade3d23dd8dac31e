package queue

import "github.com/google/uuid"

// StageState is the lifecycle state shared by a BuildSet's merge, files,
// and repo-state sub-stages.
type StageState int

const (
	StateNew StageState = iota
	StatePending
	StateComplete
)

func (s StageState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePending:
		return "PENDING"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// NodeRequest tracks one outstanding or fulfilled node allocation request
// for a job in this build set.
type NodeRequest struct {
	ID               string
	JobName          string
	Priority         int
	RelativePriority int
	Fulfilled        bool
}

// Build is a single job's execution record within a BuildSet.
type Build struct {
	JobName  string
	Voting   bool
	Retry    bool
	Result   string // "", "SUCCESS", "FAILURE", "CANCELED", ...
	Paused   bool
	Canceled bool
	// Started is set once the build has been dispatched to the executor.
	Started bool
}

// Terminal reports whether this build has reached a final result.
func (b *Build) Terminal() bool {
	return b.Result != "" || b.Canceled
}

// Failed reports whether this build is a non-retrying, voting failure.
func (b *Build) Failed() bool {
	return b.Voting && !b.Retry && b.Result == "FAILURE"
}

// BuildSet is the per-item execution context: the outcome of merging the
// item's change, the frozen job graph, and the resulting builds and node
// requests. Replaced wholesale on item reset (e.g. after being moved
// behind a new item-ahead).
type BuildSet struct {
	UUID string

	MergeState     StageState
	FilesState     StageState
	RepoStateState StageState

	Files     []string
	RepoState map[string]string
	Commit    string

	// JobGraph holds the frozen job DAG snapshot once LAYOUT_READY has
	// transitioned to JOBS_READY. See pkg/jobgraph for its concrete shape;
	// kept as an opaque identifier here to avoid an import cycle, with the
	// snapshot itself held by the pipeline manager's jobgraph store.
	JobGraphUUID string

	Builds       map[string]*Build
	NodeRequests map[string]*NodeRequest

	ConfigErrors  []string
	UnableToMerge bool
	FailFast      bool

	FailingReasons []string
}

// NewBuildSet creates an empty build set in state NEW.
func NewBuildSet() *BuildSet {
	return &BuildSet{
		UUID:         uuid.NewString(),
		Builds:       make(map[string]*Build),
		NodeRequests: make(map[string]*NodeRequest),
	}
}

// AllJobsComplete reports whether every build in the set has a terminal
// result.
func (bs *BuildSet) AllJobsComplete() bool {
	if len(bs.Builds) == 0 {
		return false
	}
	for _, b := range bs.Builds {
		if !b.Terminal() {
			return false
		}
	}
	return true
}

// AllJobsSucceeded reports whether every build succeeded.
func (bs *BuildSet) AllJobsSucceeded() bool {
	if len(bs.Builds) == 0 {
		return false
	}
	for _, b := range bs.Builds {
		if b.Result != "SUCCESS" {
			return false
		}
	}
	return true
}

// HasFailingReasons reports whether the build set has accumulated any
// failure reason (config error, merge failure, job failure, ...).
func (bs *BuildSet) HasFailingReasons() bool {
	return len(bs.FailingReasons) > 0 || bs.UnableToMerge || len(bs.ConfigErrors) > 0
}

// AddFailingReason appends reason if not already present.
func (bs *BuildSet) AddFailingReason(reason string) {
	for _, r := range bs.FailingReasons {
		if r == reason {
			return
		}
	}
	bs.FailingReasons = append(bs.FailingReasons, reason)
}
