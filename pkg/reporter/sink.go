package reporter

import (
	"context"

	"github.com/ridgeback/gatekeeper/pkg/pipeline"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// Sink adapts a Repository into the manager's report sink for one
// pipeline.
func Sink(repo *Repository, tenant, pipelineName string) func(ctx context.Context, item *queue.Item, d pipeline.Decision) error {
	return func(ctx context.Context, item *queue.Item, d pipeline.Decision) error {
		return repo.Record(ctx, BuildRecord{
			Tenant:   tenant,
			Pipeline: pipelineName,
			Project:  item.Change.Key.Project,
			Branch:   item.Change.Key.Branch,
			ChangeID: item.Change.Key.ChangeID,
			Patchset: item.Change.Patchset,
			ItemUUID: item.UUID,
			Result:   string(d.Result),
		})
	}
}
