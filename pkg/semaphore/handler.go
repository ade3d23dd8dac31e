// Package semaphore implements a cluster-wide counting semaphore keyed
// by name, with holders tracked as a versioned list in the coordination
// store. Acquire and release are CAS-retry loops over that list.
package semaphore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-logr/logr"

	"github.com/ridgeback/gatekeeper/pkg/coordination"
	"github.com/ridgeback/gatekeeper/pkg/shared/logging"
)

const semaphoreRoot = "/zuul/semaphores"

// Config is a named semaphore's configured maximum holder count.
type Config struct {
	Name string
	Max  int
}

// Layout exposes the subset of the layout a SemaphoreHandler needs: the
// configured max count per semaphore name.
type Layout interface {
	Semaphore(name string) (Config, bool)
}

// JobSemaphore is a job's reference to a named semaphore, including the
// resources-first short-circuit.
type JobSemaphore struct {
	Name           string
	ResourcesFirst bool
}

// Handler is the distributed counting semaphore coordinator for one
// tenant.
type Handler struct {
	store      coordination.Store
	tenantRoot string
	layout     Layout
	log        logr.Logger
}

// NewHandler creates a Handler scoped to tenant, backed by store.
func NewHandler(store coordination.Store, tenant string, layout Layout, log logr.Logger) *Handler {
	return &Handler{
		store:      store,
		tenantRoot: fmt.Sprintf("%s/%s", semaphoreRoot, tenant),
		layout:     layout,
		log:        log,
	}
}

func (h *Handler) path(semaphoreName string) string {
	return fmt.Sprintf("%s/%s", h.tenantRoot, url.QueryEscape(semaphoreName))
}

func holdersFromData(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var holders []string
	if err := json.Unmarshal(data, &holders); err != nil {
		return nil, err
	}
	return holders, nil
}

func holdersToData(holders []string) ([]byte, error) {
	if holders == nil {
		holders = []string{}
	}
	return json.Marshal(holders)
}

func (h *Handler) maxCount(semaphoreName string) int {
	if h.layout == nil {
		return 1
	}
	if cfg, ok := h.layout.Semaphore(semaphoreName); ok {
		return cfg.Max
	}
	return 1
}

// Acquire attempts to add "<itemUUID>-<jobName>" to the named semaphore's
// holder list. Returns true if held (including if already held, or if the
// job carries no semaphore, or if this is a resources-first resource
// request). Returns false if the semaphore is at capacity.
func (h *Handler) Acquire(ctx context.Context, itemUUID string, jobName string, sem *JobSemaphore, requestResources bool) (bool, error) {
	if sem == nil {
		return true, nil
	}
	if sem.ResourcesFirst && requestResources {
		return true, nil
	}

	path := h.path(sem.Name)
	handle := fmt.Sprintf("%s-%s", itemUUID, jobName)
	max := h.maxCount(sem.Name)

	acquired := false
	err := coordination.UpdateVersioned(ctx, h.store, path, func(current []byte, version int64, exists bool) ([]byte, error) {
		holders, err := holdersFromData(current)
		if err != nil {
			return nil, err
		}
		for _, have := range holders {
			if have == handle {
				acquired = true
				return current, nil // idempotent re-acquire, no write needed
			}
		}
		if len(holders) >= max {
			acquired = false
			return current, nil
		}
		holders = append(holders, handle)
		acquired = true
		return holdersToData(holders)
	})
	if err != nil {
		return false, err
	}
	if acquired {
		logging.SemaphoreFields(sem.Name, 0, max).Apply(h.log, "semaphore acquired")
	}
	return acquired, nil
}

// Release removes "<itemUUID>-<jobName>" from the named semaphore's
// holder list. A missing node or missing handle is logged and treated as
// a no-op, so a double release is harmless.
func (h *Handler) Release(ctx context.Context, itemUUID, jobName string, sem *JobSemaphore) error {
	if sem == nil {
		return nil
	}
	path := h.path(sem.Name)
	handle := fmt.Sprintf("%s-%s", itemUUID, jobName)

	return coordination.UpdateVersioned(ctx, h.store, path, func(current []byte, version int64, exists bool) ([]byte, error) {
		if !exists {
			h.log.Info("semaphore release on missing node, ignoring", "semaphore", sem.Name, "handle", handle)
			return nil, nil
		}
		holders, err := holdersFromData(current)
		if err != nil {
			return nil, err
		}
		idx := -1
		for i, have := range holders {
			if have == handle {
				idx = i
				break
			}
		}
		if idx < 0 {
			h.log.Info("semaphore release for handle not held, ignoring", "semaphore", sem.Name, "handle", handle)
			return current, nil
		}
		holders = append(holders[:idx], holders[idx+1:]...)
		return holdersToData(holders)
	})
}

// Holders returns the current holder list for semaphoreName, empty if the
// semaphore has never been acquired.
func (h *Handler) Holders(ctx context.Context, semaphoreName string) ([]string, error) {
	data, _, err := h.store.Get(ctx, h.path(semaphoreName))
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return holdersFromData(data)
}
