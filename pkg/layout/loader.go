package layout

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ridgeback/gatekeeper/pkg/collaborators"
	"github.com/ridgeback/gatekeeper/pkg/queue"
)

// configFilePatterns identifies files that count as pipeline/project
// configuration, used to decide whether an item's changes require a fresh
// dynamic layout load rather than simply inheriting the item ahead's.
var configFilePatterns = []string{"zuul.yaml", ".zuul.yaml", "zuul.d/", ".zuul.d/"}

// FilesUpdateConfig reports whether any of files looks like pipeline
// configuration.
func FilesUpdateConfig(files []string) bool {
	for _, f := range files {
		for _, pat := range configFilePatterns {
			if strings.Contains(f, pat) {
				return true
			}
		}
	}
	return false
}

// Loader computes layouts for items via the two-phase (trusted/untrusted)
// dynamic loader and a reference to the current static layout.
type Loader struct {
	configLoader collaborators.ConfigLoader
	staticLayout *Layout
	cache        *Cache
}

// NewLoader creates a Loader. staticLayout is the pipeline's current
// precomputed layout, used as the root for items with no item ahead.
func NewLoader(configLoader collaborators.ConfigLoader, staticLayout *Layout, cache *Cache) *Loader {
	return &Loader{configLoader: configLoader, staticLayout: staticLayout, cache: cache}
}

// ErrNotReady is returned by GetLayout when the item's merge has not
// completed yet; callers must wait for a subsequent tick.
var ErrNotReady = notReadyErr{}

type notReadyErr struct{}

func (notReadyErr) Error() string { return "layout: item not ready (merge incomplete)" }

// GetLayout resolves the layout visible to item:
// an item with no item ahead uses the pipeline's static layout; an item
// (or its bundle) that doesn't touch configuration inherits the item
// ahead's layout; otherwise the dynamic loader runs once merge is
// complete.
func (l *Loader) GetLayout(ctx context.Context, item *queue.Item) (*Layout, error) {
	if item.ItemAhead == nil {
		l.cache.Put(l.staticLayout)
		return l.staticLayout, nil
	}

	if !bundleUpdatesConfig(item) {
		ahead, ok := l.cache.Get(item.ItemAhead.LayoutUUID)
		if ok {
			return ahead, nil
		}
		// Ahead's layout isn't cached (e.g. purged): fall through to
		// recompute dynamically rather than fail the item.
	}

	if item.CurrentBuildSet == nil || item.CurrentBuildSet.MergeState != queue.StateComplete {
		return nil, ErrNotReady
	}

	return l.loadDynamic(ctx, item)
}

func bundleUpdatesConfig(item *queue.Item) bool {
	if item.Bundle == nil {
		return FilesUpdateConfig(item.CurrentBuildSet.Files)
	}
	for _, member := range item.Bundle.Items {
		if member.CurrentBuildSet != nil && FilesUpdateConfig(member.CurrentBuildSet.Files) {
			return true
		}
	}
	return false
}

type phaseResult struct {
	loaded  bool
	errored bool
	errs    []ConfigError
	layout  *LoadedLayoutAdapter
}

// LoadedLayoutAdapter wraps collaborators.LoadedLayout into a layout.Layout
// with project/branch-scoped ConfigErrors.
type LoadedLayoutAdapter struct {
	UUID          string
	UpdatesConfig bool
	ConfigErrors  []ConfigError
}

func (l *Loader) loadPhase(ctx context.Context, item *queue.Item, includeConfigProjects bool) (*phaseResult, error) {
	files := item.CurrentBuildSet.Files
	loaded, err := l.configLoader.CreateDynamicLayout(ctx, item.UUID, files, includeConfigProjects)
	if err != nil {
		return nil, err
	}
	var errs []ConfigError
	for _, msg := range loaded.LoadingErrors {
		errs = append(errs, ConfigError{
			Project: item.Change.Key.Project,
			Branch:  item.Change.Key.Branch,
			Message: msg,
		})
	}
	return &phaseResult{
		loaded:  true,
		errored: len(errs) > 0,
		errs:    errs,
		layout: &LoadedLayoutAdapter{
			UUID:          loaded.UUID,
			UpdatesConfig: loaded.UpdatesConfig,
			ConfigErrors:  errs,
		},
	}, nil
}

// loadDynamic runs the trusted and untrusted phases concurrently and
// combines their outcomes: a clean untrusted load wins, a config-only
// change falls back to the parent layout, and errors attach to the item
// only when they touch its own project and branch.
func (l *Loader) loadDynamic(ctx context.Context, item *queue.Item) (*Layout, error) {
	var trusted, untrusted *phaseResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := l.loadPhase(gctx, item, true)
		if err != nil {
			return err
		}
		trusted = r
		return nil
	})
	g.Go(func() error {
		r, err := l.loadPhase(gctx, item, false)
		if err != nil {
			return err
		}
		untrusted = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	T := trusted.loaded
	Te := trusted.errored
	U := untrusted.loaded
	Ue := untrusted.errored

	project := item.Change.Key.Project
	branch := item.Change.Key.Branch

	switch {
	case T && !Te && U && !Ue:
		return l.finalize(untrusted), nil
	case !T && U && !Ue:
		return l.finalize(untrusted), nil
	case T && !Te && !U:
		return l.parentLayout(item), nil
	case T && !Te && U && Ue:
		item.CurrentBuildSet.AddFailingReason("depends on trusted change with configuration errors")
		return nil, nil
	case T && Te:
		if ErrorsIntersect(trusted.errs, project, branch) {
			item.CurrentBuildSet.ConfigErrors = append(item.CurrentBuildSet.ConfigErrors, renderErrs(trusted.errs)...)
			return nil, nil
		}
		return l.parentLayout(item), nil
	case !T && U && Ue:
		if ErrorsIntersect(untrusted.errs, project, branch) {
			item.CurrentBuildSet.ConfigErrors = append(item.CurrentBuildSet.ConfigErrors, renderErrs(untrusted.errs)...)
			return nil, nil
		}
		return l.finalize(untrusted), nil
	default:
		return nil, ErrNotReady
	}
}

func renderErrs(errs []ConfigError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Message
	}
	return out
}

func (l *Loader) parentLayout(item *queue.Item) *Layout {
	if item.ItemAhead != nil {
		if ahead, ok := l.cache.Get(item.ItemAhead.LayoutUUID); ok {
			return ahead
		}
	}
	return l.staticLayout
}

func (l *Loader) finalize(phase *phaseResult) *Layout {
	lay := NewLayout()
	lay.UUID = phase.layout.UUID
	lay.ConfigErrors = phase.layout.ConfigErrors
	lay.UpdatesConfig = phase.layout.UpdatesConfig
	l.cache.Put(lay)
	return lay
}
