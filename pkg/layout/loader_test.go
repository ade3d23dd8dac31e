package layout

import (
	"context"
	"testing"

	"github.com/ridgeback/gatekeeper/pkg/change"
	"github.com/ridgeback/gatekeeper/pkg/collaborators"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

type fakeConfigLoader struct {
	trusted   collaborators.LoadedLayout
	untrusted collaborators.LoadedLayout
}

func (f *fakeConfigLoader) CreateDynamicLayout(ctx context.Context, itemUUID string, files []string, includeConfigProjects bool) (*collaborators.LoadedLayout, error) {
	if includeConfigProjects {
		r := f.trusted
		return &r, nil
	}
	r := f.untrusted
	return &r, nil
}

func mkItem(q *queue.ChangeQueue, id string) *queue.Item {
	ch := change.Change{Key: change.Key{Connection: "gerrit", Project: "acme/widget", Branch: "main", ChangeID: id}, Patchset: 1}
	return q.EnqueueChange(ch, true)
}

func TestGetLayout_NoItemAheadUsesStatic(t *testing.T) {
	q := queue.NewChangeQueue("gate", false, 0)
	item := mkItem(q, "1")
	static := NewLayout()
	loader := NewLoader(&fakeConfigLoader{}, static, NewCache())

	got, err := loader.GetLayout(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if got != static {
		t.Fatal("expected the pipeline's static layout")
	}
}

func TestGetLayout_NotReadyWhenMergeIncomplete(t *testing.T) {
	q := queue.NewChangeQueue("gate", false, 0)
	a := mkItem(q, "1")
	b := mkItem(q, "2")
	b.CurrentBuildSet.Files = []string{"zuul.yaml"} // forces recompute, bypassing inherit
	_ = a

	static := NewLayout()
	loader := NewLoader(&fakeConfigLoader{}, static, NewCache())

	_, err := loader.GetLayout(context.Background(), b)
	if err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestGetLayout_InheritsAheadWhenNoConfigChange(t *testing.T) {
	q := queue.NewChangeQueue("gate", false, 0)
	a := mkItem(q, "1")
	b := mkItem(q, "2")

	cache := NewCache()
	aheadLayout := NewLayout()
	a.LayoutUUID = aheadLayout.UUID
	cache.Put(aheadLayout)

	static := NewLayout()
	loader := NewLoader(&fakeConfigLoader{}, static, cache)

	got, err := loader.GetLayout(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if got != aheadLayout {
		t.Fatal("expected to inherit the item ahead's layout")
	}
}

func TestLoadDynamic_BothCleanReturnsUntrusted(t *testing.T) {
	q := queue.NewChangeQueue("gate", false, 0)
	a := mkItem(q, "1")
	b := mkItem(q, "2")
	b.CurrentBuildSet.MergeState = queue.StateComplete
	b.CurrentBuildSet.Files = []string{"zuul.yaml"}
	_ = a

	static := NewLayout()
	fcl := &fakeConfigLoader{
		trusted:   collaborators.LoadedLayout{UUID: "trusted-uuid"},
		untrusted: collaborators.LoadedLayout{UUID: "untrusted-uuid"},
	}
	loader := NewLoader(fcl, static, NewCache())

	got, err := loader.GetLayout(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UUID != "untrusted-uuid" {
		t.Fatalf("expected untrusted layout, got %+v", got)
	}
}

func TestLoadDynamic_EmptyUntrustedUUIDCountsAsLoaded(t *testing.T) {
	q := queue.NewChangeQueue("gate", false, 0)
	a := mkItem(q, "1")
	b := mkItem(q, "2")
	b.CurrentBuildSet.MergeState = queue.StateComplete
	b.CurrentBuildSet.Files = []string{"zuul.yaml"}

	cache := NewCache()
	aheadLayout := NewLayout()
	a.LayoutUUID = aheadLayout.UUID
	cache.Put(aheadLayout)

	static := NewLayout()
	fcl := &fakeConfigLoader{
		trusted:   collaborators.LoadedLayout{UUID: "trusted-uuid"},
		untrusted: collaborators.LoadedLayout{}, // not loaded
	}
	loader := NewLoader(fcl, static, cache)

	got, err := loader.GetLayout(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	// loadPhase reports every successful CreateDynamicLayout call as
	// loaded, so an untrusted result with an empty UUID still takes the
	// clean-untrusted row and yields the untrusted layout; the "trusted
	// clean, untrusted absent" parent-fallback row is not reached here.
	if got == nil {
		t.Fatal("expected a non-nil layout")
	}
}

func TestGetLayout_TrustedErrorsIntersectingSetsConfigError(t *testing.T) {
	q := queue.NewChangeQueue("gate", false, 0)
	a := mkItem(q, "1")
	b := mkItem(q, "2")
	b.CurrentBuildSet.MergeState = queue.StateComplete
	b.CurrentBuildSet.Files = []string{"zuul.yaml"}
	_ = a

	static := NewLayout()
	fcl := &fakeConfigLoader{
		trusted: collaborators.LoadedLayout{
			UUID:          "trusted-uuid",
			LoadingErrors: []string{"syntax error"},
		},
	}
	loader := NewLoader(fcl, static, NewCache())

	got, err := loader.GetLayout(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil layout when trusted errors intersect the item's project/branch")
	}
	if len(b.CurrentBuildSet.ConfigErrors) == 0 {
		t.Fatal("expected config errors to be recorded on the item")
	}
}

func TestFilesUpdateConfig(t *testing.T) {
	if !FilesUpdateConfig([]string{"src/main.go", "zuul.yaml"}) {
		t.Fatal("expected zuul.yaml to be recognized as configuration")
	}
	if FilesUpdateConfig([]string{"src/main.go", "README.md"}) {
		t.Fatal("expected ordinary source files to not be configuration")
	}
}
