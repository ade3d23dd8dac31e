package coordination

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lock is a lease-based distributed lock at a store path, held by one
// scheduler process around a pipeline tick. The lease carries an expiry
// so a crashed holder's lock is stolen rather than leaking; the TTL must
// comfortably exceed a worst-case tick.
type Lock struct {
	store Store
	path  string
	token string
	ttl   time.Duration
}

type lease struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewLock creates a lock at path with the given lease TTL.
func NewLock(store Store, path string, ttl time.Duration) *Lock {
	return &Lock{store: store, path: path, token: uuid.NewString(), ttl: ttl}
}

// Acquire takes the lease if it is free, already ours, or expired.
// Returns false if another live holder owns it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	acquired := false
	err := UpdateVersioned(ctx, l.store, l.path, func(current []byte, version int64, exists bool) ([]byte, error) {
		if exists && len(current) > 0 {
			var held lease
			if err := json.Unmarshal(current, &held); err == nil {
				if held.Token != l.token && time.Now().Before(held.ExpiresAt) {
					acquired = false
					return current, nil
				}
			}
		}
		acquired = true
		return json.Marshal(lease{Token: l.token, ExpiresAt: time.Now().Add(l.ttl)})
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release drops the lease if we still hold it; a lease stolen after
// expiry is left alone.
func (l *Lock) Release(ctx context.Context) error {
	return UpdateVersioned(ctx, l.store, l.path, func(current []byte, version int64, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		var held lease
		if err := json.Unmarshal(current, &held); err != nil || held.Token != l.token {
			return current, nil
		}
		// Expire immediately rather than delete: UpdateVersioned has no
		// delete arm, and an expired lease is equivalent to a free lock.
		return json.Marshal(lease{Token: held.Token, ExpiresAt: time.Now()})
	})
}

// PipelineLockPath is the canonical lock path for a pipeline.
func PipelineLockPath(tenant, pipeline string) string {
	return "/zuul/pipelines/" + tenant + "/" + pipeline
}
