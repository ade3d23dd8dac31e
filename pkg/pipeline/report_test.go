package pipeline

import (
	"testing"

	"github.com/ridgeback/gatekeeper/pkg/change"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

func mkItemWithBuilds(t *testing.T, results ...string) *queue.Item {
	t.Helper()
	q := queue.NewChangeQueue("gate", false, 0)
	ch := change.Change{Key: change.Key{Connection: "gerrit", Project: "acme/widget", Branch: "main", ChangeID: "1"}, Patchset: 1}
	item := q.EnqueueChange(ch, true)
	for i, r := range results {
		name := "job"
		item.CurrentBuildSet.Builds[name+string(rune('0'+i))] = &queue.Build{JobName: name, Voting: true, Result: r}
	}
	return item
}

func TestReportDecisionSuccess(t *testing.T) {
	p := NewPipeline("gate", "tenant1")
	p.SuccessActions = ActionSet{"vote+2"}
	item := mkItemWithBuilds(t, "SUCCESS", "SUCCESS")

	d := ReportDecision(p, item)

	if d.Result != ResultSuccess {
		t.Fatalf("expected SUCCESS, got %s", d.Result)
	}
	if p.State.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive failures reset to 0, got %d", p.State.ConsecutiveFailures)
	}
}

func TestReportDecisionFailureBumpsConsecutiveFailures(t *testing.T) {
	p := NewPipeline("gate", "tenant1")
	p.FailureActions = ActionSet{"vote-2"}
	item := mkItemWithBuilds(t, "SUCCESS", "FAILURE")

	d := ReportDecision(p, item)

	if d.Result != ResultFailure {
		t.Fatalf("expected FAILURE, got %s", d.Result)
	}
	if p.State.ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive failures 1, got %d", p.State.ConsecutiveFailures)
	}
}

func TestReportDecisionNoJobs(t *testing.T) {
	p := NewPipeline("gate", "tenant1")
	p.NoJobsActions = ActionSet{"comment:no jobs"}
	q := queue.NewChangeQueue("gate", false, 0)
	ch := change.Change{Key: change.Key{Connection: "gerrit", Project: "acme/widget", Branch: "main", ChangeID: "1"}, Patchset: 1}
	item := q.EnqueueChange(ch, true)

	d := ReportDecision(p, item)

	if d.Result != ResultNoJobs {
		t.Fatalf("expected NO_JOBS, got %s", d.Result)
	}
}

func TestReportDecisionConfigError(t *testing.T) {
	p := NewPipeline("gate", "tenant1")
	p.MergeFailureActions = ActionSet{"comment:config error"}
	item := mkItemWithBuilds(t, "SUCCESS")
	item.CurrentBuildSet.ConfigErrors = []string{"bad yaml"}

	d := ReportDecision(p, item)

	if d.Result != ResultConfigError {
		t.Fatalf("expected CONFIG_ERROR, got %s", d.Result)
	}
}

func TestReportDecisionDisabledPipelineSubstitutesActions(t *testing.T) {
	p := NewPipeline("gate", "tenant1")
	p.State.Disabled = true
	p.DisabledActions = ActionSet{"comment:pipeline disabled"}
	p.SuccessActions = ActionSet{"vote+2"}
	item := mkItemWithBuilds(t, "SUCCESS")

	d := ReportDecision(p, item)

	if len(d.Actions) != 1 || d.Actions[0] != "comment:pipeline disabled" {
		t.Fatalf("expected disabled_actions to be substituted, got %v", d.Actions)
	}
}

func TestReportDecisionDisabledPipelineOutOfPipelineProjectUsesNoJobs(t *testing.T) {
	p := NewPipeline("gate", "tenant1")
	p.State.Disabled = true
	p.SetProjects([]string{"acme/other"})
	p.NoJobsActions = ActionSet{"comment:not in pipeline"}
	item := mkItemWithBuilds(t, "SUCCESS")

	d := ReportDecision(p, item)

	if d.Result != ResultNoJobs {
		t.Fatalf("expected NO_JOBS for out-of-pipeline project even when disabled, got %s", d.Result)
	}
}

func TestDisableAtFlipsPipelineAfterRepeatedFailures(t *testing.T) {
	p := NewPipeline("gate", "tenant1")
	p.DisableAt = 2
	p.FailureActions = ActionSet{"vote-2"}

	ReportDecision(p, mkItemWithBuilds(t, "FAILURE"))
	if p.State.Disabled {
		t.Fatal("should not be disabled after a single failure")
	}
	ReportDecision(p, mkItemWithBuilds(t, "FAILURE"))
	if !p.State.Disabled {
		t.Fatal("expected pipeline to be disabled after reaching disable_at consecutive failures")
	}
}
