package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ridgeback/gatekeeper/pkg/coordination"
)

// StatePath is the store path for a pipeline's persistent state, beside
// its lock.
func StatePath(tenant, name string) string {
	return coordination.PipelineLockPath(tenant, name) + "/state"
}

type persistedState struct {
	Disabled            bool `json:"disabled"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

// SaveState writes p's persistent state (disabled flag and
// consecutive-failure counter) through the versioned store, so the next
// lock holder resumes from it.
func SaveState(ctx context.Context, store coordination.Store, p *Pipeline) error {
	return coordination.UpdateVersioned(ctx, store, StatePath(p.Tenant, p.Name), func(current []byte, version int64, exists bool) ([]byte, error) {
		return json.Marshal(persistedState{
			Disabled:            p.State.Disabled,
			ConsecutiveFailures: p.State.ConsecutiveFailures,
		})
	})
}

// LoadState populates p's persistent state from the store; a missing
// node leaves the zero state in place.
func LoadState(ctx context.Context, store coordination.Store, p *Pipeline) error {
	data, _, err := store.Get(ctx, StatePath(p.Tenant, p.Name))
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return nil
		}
		return err
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	p.State.Disabled = st.Disabled
	p.State.ConsecutiveFailures = st.ConsecutiveFailures
	return nil
}
