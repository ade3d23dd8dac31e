package pipeline

import (
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// Result is the terminal outcome classification a ReportDecision produces.
type Result string

const (
	ResultNoJobs        Result = "NO_JOBS"
	ResultConfigError   Result = "CONFIG_ERROR"
	ResultMergerFailure Result = "MERGER_FAILURE"
	ResultFailure       Result = "FAILURE"
	ResultSuccess       Result = "SUCCESS"

	// ResultDequeued is the non-terminal buildset-end report emitted when
	// an unreported item leaves the pipeline (superseded, abandoned).
	ResultDequeued Result = "DEQUEUED"
)

// Decision is the outcome of ReportDecision: which action set to run and
// the classification to log/record.
type Decision struct {
	Actions ActionSet
	Result  Result
}

// ReportDecision selects the action set and result classification for
// item's terminal report, first match wins. Every input, including the
// merger outcome (BuildSet.UnableToMerge), is read directly off item and
// its pipeline.
func ReportDecision(p *Pipeline, item *queue.Item) Decision {
	bs := item.CurrentBuildSet

	inPipeline := p.ProjectInPipeline(item.Change.Key.Project)

	var decision Decision
	switch {
	case !inPipeline:
		decision = Decision{Actions: p.NoJobsActions, Result: ResultNoJobs}
	case bs != nil && len(bs.ConfigErrors) > 0:
		decision = Decision{Actions: p.MergeFailureActions, Result: ResultConfigError}
	case bs != nil && bs.UnableToMerge:
		decision = Decision{Actions: p.MergeFailureActions, Result: ResultMergerFailure}
	case item.DequeuedNeedingChange:
		decision = Decision{Actions: p.FailureActions, Result: ResultFailure}
	case bs == nil || len(bs.Builds) == 0:
		decision = Decision{Actions: p.NoJobsActions, Result: ResultNoJobs}
	case item.Bundle != nil && item.Bundle.CannotMerge:
		decision = Decision{Actions: p.FailureActions, Result: ResultFailure}
	case item.Bundle != nil && item.Bundle.IsBundleFailing():
		decision = Decision{Actions: p.FailureActions, Result: ResultFailure}
	case bs.AllJobsSucceeded() && !bundleFailing(item):
		decision = Decision{Actions: p.SuccessActions, Result: ResultSuccess}
	default:
		decision = Decision{Actions: p.FailureActions, Result: ResultFailure}
	}

	// Override: a disabled pipeline substitutes disabled_actions, but only
	// for items whose project is in the pipeline.
	if p.State.Disabled && inPipeline {
		decision.Actions = p.DisabledActions
	}

	applyConsecutiveFailures(p, decision.Result, item)
	return decision
}

func bundleFailing(item *queue.Item) bool {
	return item.Bundle != nil && item.Bundle.IsBundleFailing()
}

// applyConsecutiveFailures bumps the counter on a FAILURE report (unless
// every bundle member succeeded), resets it on SUCCESS, then flips the
// pipeline disabled once it reaches DisableAt. Non-merging pipelines
// still track the counter: only window-size adjustment is gated on
// ChangesMerge, not the failure counter itself.
func applyConsecutiveFailures(p *Pipeline, result Result, item *queue.Item) {
	switch result {
	case ResultSuccess:
		p.State.ConsecutiveFailures = 0
	case ResultFailure:
		allSucceeded := item.Bundle != nil && item.Bundle.AllSucceeded()
		if !allSucceeded {
			p.State.ConsecutiveFailures++
		}
	}
	if p.DisableAt > 0 && p.State.ConsecutiveFailures >= p.DisableAt {
		p.State.Disabled = true
	}
}
