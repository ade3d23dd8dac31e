// Package config loads the scheduler's tenant and pipeline configuration
// from a YAML document, validates it, and watches the config directory so
// layout-affecting edits invalidate cached state between ticks.
package config

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	sharederrors "github.com/ridgeback/gatekeeper/pkg/shared/errors"
)

// Config is the top-level scheduler configuration document.
type Config struct {
	Tenant string `yaml:"tenant" validate:"required"`

	ListenAddress  string `yaml:"listen_address" validate:"required,hostname_port"`
	RedisAddress   string `yaml:"redis_address" validate:"required,hostname_port"`
	DatabaseDSN    string `yaml:"database_dsn"`
	NodeNamespace  string `yaml:"node_namespace"`
	SlackToken     string `yaml:"slack_token"`
	SlackChannel   string `yaml:"slack_channel"`

	Pipelines []PipelineConfig `yaml:"pipelines" validate:"required,min=1,dive"`

	Semaphores []SemaphoreConfig `yaml:"semaphores" validate:"dive"`
}

// PipelineConfig configures one pipeline.
type PipelineConfig struct {
	Name string `yaml:"name" validate:"required"`

	// Manager selects the capability policy: dependent, independent,
	// serial, or supercedent.
	Manager string `yaml:"manager" validate:"required,oneof=dependent independent serial supercedent"`

	Precedence int `yaml:"precedence"`

	// Window is the initial active window for dependent queues; 0 means
	// unwindowed.
	Window int `yaml:"window" validate:"gte=0"`

	// DisableAt is the consecutive-failure threshold that flips the
	// pipeline to disabled; 0 disables the mechanism.
	DisableAt int `yaml:"disable_at" validate:"gte=0"`

	DequeueOnNewPatchset bool `yaml:"dequeue_on_new_patchset"`

	// Supercedes names pipelines whose live items this pipeline takes
	// over.
	Supercedes []string `yaml:"supercedes"`

	// Projects restricts the pipeline to these projects; empty means
	// unrestricted.
	Projects []string `yaml:"projects"`

	// SharedQueues maps a project to a named shared queue (dependent
	// manager only).
	SharedQueues map[string]string `yaml:"shared_queues"`

	// AllowCircularProjects lists projects permitted to form dependency
	// cycles.
	AllowCircularProjects []string `yaml:"allow_circular_projects"`

	// AdmissionPolicy is an inline Rego module evaluated as the
	// pipeline's ref-filter; empty admits everything.
	AdmissionPolicy string `yaml:"admission_policy"`

	Actions ActionsConfig `yaml:"actions"`
}

// ActionsConfig carries the per-outcome action sets as opaque strings
// handed to the reporters.
type ActionsConfig struct {
	Enqueue      []string `yaml:"enqueue"`
	Start        []string `yaml:"start"`
	Success      []string `yaml:"success"`
	Failure      []string `yaml:"failure"`
	MergeFailure []string `yaml:"merge_failure"`
	NoJobs       []string `yaml:"no_jobs"`
	Dequeue      []string `yaml:"dequeue"`
	Disabled     []string `yaml:"disabled"`
}

// SemaphoreConfig declares one named cluster-wide semaphore.
type SemaphoreConfig struct {
	Name string `yaml:"name" validate:"required"`
	Max  int    `yaml:"max" validate:"required,gte=1"`
}

var validate = validator.New()

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, sharederrors.ConfigurationError(path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, sharederrors.ParseError(path, err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, sharederrors.ConfigurationError(path, err)
	}
	return &cfg, nil
}

// ToJSON renders the loaded configuration as JSON.
func (c *Config) ToJSON() ([]byte, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, sharederrors.ParseError("config", err)
	}
	out, err := sigsyaml.YAMLToJSON(raw)
	if err != nil {
		return nil, sharederrors.ParseError("config", err)
	}
	return out, nil
}

// Watch invokes onChange whenever a file in path's directory is written
// or created, until stop is closed. Used to invalidate cached layouts
// when trusted/untrusted config projects change on disk.
func Watch(path string, log logr.Logger, stop <-chan struct{}, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return sharederrors.ConfigurationError(path, err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return sharederrors.ConfigurationError(path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.V(1).Info("config change detected", "file", ev.Name)
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error(err, "config watcher error")
			case <-stop:
				return
			}
		}
	}()
	return nil
}
