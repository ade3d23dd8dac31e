package pipeline

import "github.com/ridgeback/gatekeeper/pkg/change"

// EventKind classifies an inbound event delivered to the manager between
// ticks; external completions arrive as events that re-drive
// processQueue.
type EventKind int

const (
	EventChangeProposed EventKind = iota
	EventChangeUpdated
	EventChangeAbandoned
	EventMergeComplete
	EventFilesComplete
	EventRepoStateComplete
	EventNodeRequestComplete
	EventBuildComplete
	EventBuildPaused
	EventBuildStarted
)

// Event is delivered to the manager to advance one or more items. Exactly
// one of the completion payload fields is populated, matching the event
// kind.
type Event struct {
	Kind   EventKind
	Change change.Change

	// ItemUUID identifies the target item for completion events.
	ItemUUID string

	Quiet              bool
	IgnoreRequirements bool
	EnqueueTime        int64
	Live               bool

	MergeResult *MergeCompletion
	NodeResult  *NodeCompletion
	BuildResult *BuildCompletion
}

// MergeCompletion is the payload of an EventMergeComplete event.
type MergeCompletion struct {
	Merged    bool
	Updated   bool
	Commit    string
	Files     []string
	RepoState map[string]string
}

// NodeCompletion is the payload of an EventNodeRequestComplete event.
type NodeCompletion struct {
	RequestID string
	Fulfilled bool
}

// BuildCompletion is the payload of an EventBuildComplete/Paused/Started
// event.
type BuildCompletion struct {
	JobName string
	Result  string
	Paused  bool
}
