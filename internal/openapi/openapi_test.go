package openapi

import (
	"context"
	"testing"
)

func TestLoadCollaboratorContracts(t *testing.T) {
	doc, err := LoadCollaboratorContracts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if doc.Info.Title == "" {
		t.Fatal("expected a titled contract document")
	}
}

func TestOperationIDsCoverCollaborators(t *testing.T) {
	doc, err := LoadCollaboratorContracts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ids := OperationIDs(doc)

	want := []string{"requestNodes", "getNodeRequest", "reviseNodeRequest", "execute", "resumeBuild"}
	have := make(map[string]bool, len(ids))
	for _, id := range ids {
		have[id] = true
	}
	for _, id := range want {
		if !have[id] {
			t.Fatalf("contract missing operation %q (have %v)", id, ids)
		}
	}
}
