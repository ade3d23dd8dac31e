// gatekeeper runs the gating scheduler: it loads the tenant
// configuration, builds one pipeline manager per configured pipeline, and
// drives their queues from inbound events under the per-pipeline
// distributed lock. The dump subcommand queries a running scheduler's
// debug surface with a jq-style expression.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ridgeback/gatekeeper/internal/config"
	"github.com/ridgeback/gatekeeper/internal/openapi"
	"github.com/ridgeback/gatekeeper/pkg/collaborators"
	"github.com/ridgeback/gatekeeper/pkg/coordination"
	"github.com/ridgeback/gatekeeper/pkg/jobgraph"
	"github.com/ridgeback/gatekeeper/pkg/k8s"
	"github.com/ridgeback/gatekeeper/pkg/layout"
	"github.com/ridgeback/gatekeeper/pkg/notification"
	"github.com/ridgeback/gatekeeper/pkg/notification/delivery"
	"github.com/ridgeback/gatekeeper/pkg/pipeline"
	"github.com/ridgeback/gatekeeper/pkg/policy"
	"github.com/ridgeback/gatekeeper/pkg/reporter"
	"github.com/ridgeback/gatekeeper/pkg/semaphore"
	"github.com/ridgeback/gatekeeper/pkg/server"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gatekeeper <serve|dump> [flags]")
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	default:
		err = fmt.Errorf("unknown subcommand %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatekeeper:", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "/etc/gatekeeper/gatekeeper.yaml", "path to the scheduler configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zlog.Sync()
	log := zapr.NewLogger(zlog).WithName("gatekeeper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if _, err := openapi.LoadCollaboratorContracts(ctx); err != nil {
		return err
	}

	sched, err := buildScheduler(ctx, cfg, log)
	if err != nil {
		return err
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.Watch(*configPath, log, stopWatch, sched.invalidateLayouts); err != nil {
		log.Error(err, "config watch unavailable, continuing without it")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.New(sched),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "debug server failed")
		}
	}()
	defer httpServer.Shutdown(context.Background())

	log.Info("scheduler started", "tenant", cfg.Tenant, "pipelines", len(cfg.Pipelines))
	sched.run(ctx)
	return nil
}

// scheduler owns the pipeline managers and their event inboxes, ticking
// each pipeline under its distributed lock.
type scheduler struct {
	tenant   string
	log      logr.Logger
	managers map[string]*pipeline.Manager
	inboxes  map[string]chan pipeline.Event
	locks    map[string]*coordination.Lock
	graphs   *jobgraph.Store
	notifier *notification.Notifier
	filters  map[string]pipeline.RefFilter
	store    coordination.Store
	order    []string
}

func buildScheduler(ctx context.Context, cfg *config.Config, log logr.Logger) (*scheduler, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	store := coordination.NewRedisStore(rdb)

	static := layout.NewLayout()
	for _, sem := range cfg.Semaphores {
		static.Semaphores[sem.Name] = semaphore.Config{Name: sem.Name, Max: sem.Max}
	}

	var repo *reporter.Repository
	if cfg.DatabaseDSN != "" {
		db, err := reporter.Open(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if err := reporter.Migrate(db); err != nil {
			return nil, err
		}
		repo = reporter.NewRepository(db)
	}

	var nodepool *k8s.NodepoolClient
	if cfg.NodeNamespace != "" {
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			log.Error(err, "kubernetes unavailable, running without the default nodepool")
		} else {
			kc, err := client.New(restCfg, client.Options{})
			if err != nil {
				return nil, err
			}
			nodepool = k8s.NewNodepoolClient(kc, cfg.NodeNamespace)
		}
	}

	var notifier *notification.Notifier
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		notifier = notification.NewNotifier(
			delivery.NewSlackDeliveryService(cfg.SlackToken, cfg.SlackChannel), log)
	}

	sched := &scheduler{
		tenant:   cfg.Tenant,
		log:      log,
		managers: make(map[string]*pipeline.Manager),
		inboxes:  make(map[string]chan pipeline.Event),
		locks:    make(map[string]*coordination.Lock),
		graphs:   jobgraph.NewStore(),
		notifier: notifier,
		filters:  make(map[string]pipeline.RefFilter),
		store:    store,
	}

	cache := layout.NewCache()
	for _, pc := range cfg.Pipelines {
		p := newPipeline(cfg.Tenant, pc)
		m := pipeline.NewManager(p, capabilityFor(pc), log.WithName(pc.Name))
		m.Semaphore = semaphore.NewHandler(store, cfg.Tenant, static, log)
		m.Breakers = collaborators.NewBreakerGroup("source", "merger", "executor", "nodepool", "config-loader")
		m.LayoutCache = cache
		m.LayoutLoader = layout.NewLoader(nil, static, cache)
		if nodepool != nil {
			m.Nodepool = nodepool
		}
		if repo != nil {
			m.ReportSink = reporter.Sink(repo, cfg.Tenant, pc.Name)
		}
		m.PostEvent = sched.post

		if pc.AdmissionPolicy != "" {
			eval, err := policy.NewEvaluator(ctx, pc.AdmissionPolicy)
			if err != nil {
				return nil, err
			}
			name := pc.Name
			sched.filters[name] = eval.RefFilter(ctx, func(err error) {
				log.Error(err, "admission policy evaluation failed", "pipeline", name)
			})
		}

		sched.managers[pc.Name] = m
		sched.inboxes[pc.Name] = make(chan pipeline.Event, 256)
		sched.locks[pc.Name] = coordination.NewLock(store,
			coordination.PipelineLockPath(cfg.Tenant, pc.Name), time.Minute)
		sched.order = append(sched.order, pc.Name)
	}
	return sched, nil
}

func newPipeline(tenant string, pc config.PipelineConfig) *pipeline.Pipeline {
	p := pipeline.NewPipeline(pc.Name, tenant)
	p.Precedence = pc.Precedence
	p.DisableAt = pc.DisableAt
	p.DequeueOnNewPatchset = pc.DequeueOnNewPatchset
	p.Supercedes = pc.Supercedes
	p.ChangesMerge = pc.Manager == "dependent"
	if len(pc.Projects) > 0 {
		p.SetProjects(pc.Projects)
	}
	p.EnqueueActions = pipeline.ActionSet(pc.Actions.Enqueue)
	p.StartActions = pipeline.ActionSet(pc.Actions.Start)
	p.SuccessActions = pipeline.ActionSet(pc.Actions.Success)
	p.FailureActions = pipeline.ActionSet(pc.Actions.Failure)
	p.MergeFailureActions = pipeline.ActionSet(pc.Actions.MergeFailure)
	p.NoJobsActions = pipeline.ActionSet(pc.Actions.NoJobs)
	p.DequeueActions = pipeline.ActionSet(pc.Actions.Dequeue)
	p.DisabledActions = pipeline.ActionSet(pc.Actions.Disabled)
	return p
}

func capabilityFor(pc config.PipelineConfig) pipeline.Capability {
	switch pc.Manager {
	case "independent":
		return &pipeline.IndependentPolicy{}
	case "serial":
		return &pipeline.SerialPolicy{}
	case "supercedent":
		return &pipeline.SupercedentPolicy{}
	default:
		allow := make(map[string]bool, len(pc.AllowCircularProjects))
		for _, proj := range pc.AllowCircularProjects {
			allow[proj] = true
		}
		return &pipeline.DependentPolicy{
			SharedQueues:          pc.SharedQueues,
			AllowCircularProjects: allow,
			Window:                pc.Window,
		}
	}
}

// Pipeline implements server.StatusProvider.
func (s *scheduler) Pipeline(name string) (*pipeline.Pipeline, bool) {
	m, ok := s.managers[name]
	if !ok {
		return nil, false
	}
	return m.Pipeline, true
}

// PipelineNames implements server.StatusProvider.
func (s *scheduler) PipelineNames() []string {
	return append([]string{}, s.order...)
}

// post delivers an event to another pipeline's inbox (supersede cleanup).
func (s *scheduler) post(pipelineName string, ev pipeline.Event) {
	if inbox, ok := s.inboxes[pipelineName]; ok {
		select {
		case inbox <- ev:
		default:
			s.log.Info("dropping event for saturated pipeline inbox", "pipeline", pipelineName)
		}
	}
}

func (s *scheduler) invalidateLayouts() {
	// A changed config directory invalidates every cached speculative
	// layout; the cache is emptied and later ticks repopulate it through
	// the layout loader. The static layout is not reloaded.
	for _, m := range s.managers {
		m.LayoutCache.MaintainCache(nil)
	}
}

// run drains inboxes and ticks every pipeline until ctx is canceled.
func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range s.order {
				s.tick(ctx, name)
			}
		}
	}
}

func (s *scheduler) tick(ctx context.Context, name string) {
	m := s.managers[name]
	lock := s.locks[name]

	ok, err := lock.Acquire(ctx)
	if err != nil {
		s.log.Error(err, "pipeline lock unavailable", "pipeline", name)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.log.Error(err, "pipeline lock release failed", "pipeline", name)
		}
	}()

	if err := pipeline.LoadState(ctx, s.store, m.Pipeline); err != nil {
		s.log.Error(err, "pipeline state load failed, continuing with last known state", "pipeline", name)
	}
	wasDisabled := m.Pipeline.State.Disabled

	inbox := s.inboxes[name]
	for drained := false; !drained; {
		select {
		case ev := <-inbox:
			s.dispatch(ctx, m, ev)
		default:
			drained = true
		}
	}

	for {
		changed, err := m.ProcessQueue(ctx, s.graphs)
		if err != nil {
			s.log.Error(err, "tick aborted", "pipeline", name)
			return
		}
		if !changed {
			break
		}
	}

	if err := pipeline.SaveState(ctx, s.store, m.Pipeline); err != nil {
		s.log.Error(err, "pipeline state save failed", "pipeline", name)
	}

	if !wasDisabled && m.Pipeline.State.Disabled && s.notifier != nil {
		s.notifier.PipelineDisabled(ctx, s.tenant, name,
			m.Pipeline.State.ConsecutiveFailures, nil)
	}
}

func (s *scheduler) dispatch(ctx context.Context, m *pipeline.Manager, ev pipeline.Event) {
	filter := s.filters[m.Pipeline.Name]
	switch ev.Kind {
	case pipeline.EventChangeProposed:
		m.AddChange(ctx, ev.Change, ev, pipeline.AddChangeOptions{Live: true, Quiet: ev.Quiet, IgnoreRequirements: ev.IgnoreRequirements}, filter, nil)
	case pipeline.EventChangeUpdated:
		m.RemoveOldVersionsOfChange(ctx, ev.Change, ev)
		m.AddChange(ctx, ev.Change, ev, pipeline.AddChangeOptions{Live: true}, filter, nil)
	case pipeline.EventChangeAbandoned:
		m.RemoveAbandonedChange(ctx, ev.Change, ev)
	default:
		m.HandleEvent(ctx, ev)
	}
}
