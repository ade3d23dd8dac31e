package pipeline

import (
	"context"

	"github.com/ridgeback/gatekeeper/pkg/queue"
	"github.com/ridgeback/gatekeeper/pkg/shared/logging"
)

// HandleEvent applies an inbound completion event to the item it targets,
// advancing the relevant BuildSet sub-stage. This is the only way a
// PENDING substate becomes READY; suspension points exist only between
// ticks, and the next ProcessQueue call picks up from there.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) {
	item, ok := m.items[ev.ItemUUID]
	if !ok {
		return
	}
	bs := item.CurrentBuildSet
	log := m.Log.WithValues("pipeline", m.Pipeline.Name, "item", item.UUID)

	switch ev.Kind {
	case EventFilesComplete:
		if ev.MergeResult != nil {
			bs.Files = ev.MergeResult.Files
		}
		bs.FilesState = queue.StateComplete
		item.Phase = queue.PhaseFilesReady

	case EventMergeComplete:
		res := ev.MergeResult
		if res == nil {
			return
		}
		bs.MergeState = queue.StateComplete
		if !res.Merged {
			bs.UnableToMerge = true
			item.Phase = queue.PhaseReportable
			return
		}
		bs.Commit = res.Commit
		if res.RepoState != nil {
			bs.RepoState = res.RepoState
		}
		item.Phase = queue.PhaseMergeReady

	case EventRepoStateComplete:
		if ev.MergeResult != nil && ev.MergeResult.RepoState != nil {
			bs.RepoState = ev.MergeResult.RepoState
		}
		bs.RepoStateState = queue.StateComplete
		item.Phase = queue.PhaseRepoStateReady

	case EventNodeRequestComplete:
		if ev.NodeResult == nil {
			return
		}
		req, ok := bs.NodeRequests[ev.NodeResult.RequestID]
		if !ok {
			req = &queue.NodeRequest{ID: ev.NodeResult.RequestID}
			bs.NodeRequests[ev.NodeResult.RequestID] = req
		}
		req.Fulfilled = ev.NodeResult.Fulfilled
		if allNodeRequestsFulfilled(bs) {
			item.Phase = queue.PhaseNodesReady
		}

	case EventBuildStarted:
		logging.ItemFields(item.UUID, item.Change.Key.String(), item.Live).Apply(log, "build started")

	case EventBuildPaused:
		if ev.BuildResult == nil {
			return
		}
		if b, ok := bs.Builds[ev.BuildResult.JobName]; ok {
			b.Paused = true
		}

	case EventBuildComplete:
		if ev.BuildResult == nil {
			return
		}
		if b, ok := bs.Builds[ev.BuildResult.JobName]; ok {
			b.Result = ev.BuildResult.Result
			b.Paused = false
		}
		if m.Semaphore != nil {
			if def, ok := m.jobDefsFor(item)[ev.BuildResult.JobName]; ok && def.Semaphore != nil {
				_ = m.Semaphore.Release(ctx, item.UUID, ev.BuildResult.JobName, def.Semaphore)
			}
		}
		m.applyFailFast(item)
	}
}

func allNodeRequestsFulfilled(bs *queue.BuildSet) bool {
	if len(bs.NodeRequests) == 0 {
		return true
	}
	for _, req := range bs.NodeRequests {
		if !req.Fulfilled {
			return false
		}
	}
	return true
}
