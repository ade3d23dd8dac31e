// Package collaborators declares the external collaborator contracts the
// pipeline manager core depends on but does not implement: source
// connectors, mergers, executors, nodepool, and config loading. The one
// reference implementation in this module is pkg/k8s's Nodepool; the
// core only ever talks to these interfaces.
package collaborators

import (
	"context"

	"github.com/ridgeback/gatekeeper/pkg/change"
)

// MergeResult is delivered asynchronously by the Merger once a merge
// attempt completes.
type MergeResult struct {
	Merged          bool
	Updated         bool
	Commit          string
	Files           []string
	RepoState       map[string]string
	ItemInBranches  []string
}

// SourceConnector resolves Depends-On URLs, fetches changes, and reports
// merge state back to the code-review system.
type SourceConnector interface {
	GetChangeByURL(ctx context.Context, url string) (*change.Change, error)
	GetChangeByKey(ctx context.Context, key change.Key) (*change.Change, error)
	SetChangeAttributes(ctx context.Context, key change.Key, attrs map[string]any) error
	IsMerged(ctx context.Context, ch change.Change, branch string) (bool, error)
}

// Merger produces a merged tree, file list, and repo state for a set of
// items sharing a build set.
type Merger interface {
	MergeChanges(ctx context.Context, itemUUIDs []string, buildSetUUID string) (string, error) // returns a request id
	GetRepoState(ctx context.Context, itemUUIDs []string, buildSetUUID string) (string, error)
	GetFilesChanges(ctx context.Context, connection, project, ref, toSHA, buildSetUUID string) (string, error)
	// AwaitResult blocks until requestID's result event arrives. Production
	// callers instead receive this asynchronously as an inbound event; this
	// method exists for tests and synchronous CLI tooling.
	AwaitResult(ctx context.Context, requestID string) (*MergeResult, error)
}

// BuildResult is delivered asynchronously by the Executor once a job
// finishes (or is started/paused).
type BuildResult struct {
	JobName string
	Result  string
	Paused  bool
}

// Executor runs jobs against allocated nodes.
type Executor interface {
	Execute(ctx context.Context, jobName string, nodeRequestID string, itemUUID, pipeline, zone string) (string, error)
	ResumeBuild(ctx context.Context, buildID string) error
}

// Nodepool allocates node sets for jobs.
type Nodepool interface {
	RequestNodes(ctx context.Context, buildSetUUID, jobName, tenant, pipeline, provider string, priority, relativePriority int) (string, error)
	ReviseRequest(ctx context.Context, requestID string, relativePriority int) error
	GetNodeRequest(ctx context.Context, requestID string, cached bool) (fulfilled bool, err error)
}

// LoadedLayout is what ConfigLoader.CreateDynamicLayout returns: a layout
// plus any loading errors encountered while computing it.
type LoadedLayout struct {
	UUID           string
	LoadingErrors  []string
	UpdatesConfig  bool
}

// ConfigLoader parses repo configuration, speculatively overlaid with an
// item's pending changes, into a layout.
type ConfigLoader interface {
	CreateDynamicLayout(ctx context.Context, itemUUID string, files []string, includeConfigProjects bool) (*LoadedLayout, error)
}
