package policy

import (
	"context"
	"testing"

	"github.com/ridgeback/gatekeeper/pkg/change"
)

const branchFilter = `
package gatekeeper.admission

import rego.v1

default allow := false

allow if {
	input.branch == "main"
	not input.is_merged
}
`

func mkChange(branch string, merged bool) change.Change {
	return change.Change{
		Key:      change.Key{Connection: "gerrit", Project: "acme/widget", Branch: branch, ChangeID: "1"},
		Patchset: 1,
		Ref:      "refs/changes/1/1",
		IsMerged: merged,
	}
}

func TestAdmitMatchingBranch(t *testing.T) {
	e, err := NewEvaluator(context.Background(), branchFilter)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := e.Admit(context.Background(), mkChange("main", false))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected main-branch change to be admitted")
	}
}

func TestAdmitRejectsOtherBranch(t *testing.T) {
	e, err := NewEvaluator(context.Background(), branchFilter)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := e.Admit(context.Background(), mkChange("stable/1.0", false))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected non-main change to be rejected")
	}
}

func TestAdmitRejectsMergedChange(t *testing.T) {
	e, err := NewEvaluator(context.Background(), branchFilter)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := e.Admit(context.Background(), mkChange("main", true))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected merged change to be rejected")
	}
}

func TestNewEvaluatorRejectsBadModule(t *testing.T) {
	if _, err := NewEvaluator(context.Background(), "package {"); err == nil {
		t.Fatal("expected compile error for malformed module")
	}
}

func TestRefFilterAdmitsWithoutError(t *testing.T) {
	e, err := NewEvaluator(context.Background(), branchFilter)
	if err != nil {
		t.Fatal(err)
	}
	var seen error
	filter := e.RefFilter(context.Background(), func(err error) { seen = err })
	if !filter(mkChange("main", false)) {
		t.Fatal("expected filter to admit main-branch change")
	}
	if seen != nil {
		t.Fatalf("unexpected evaluation error: %v", seen)
	}
}
