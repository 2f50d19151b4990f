// Package app wires the orchestrator together: configuration, the single
// instance lock, persistence, per-provider agent channels, and the worker
// manager. Commands under cmd/ drive sessions exclusively through an App.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/zhubert/convoy/internal/agent"
	"github.com/zhubert/convoy/internal/appserver"
	"github.com/zhubert/convoy/internal/config"
	cerrors "github.com/zhubert/convoy/internal/errors"
	"github.com/zhubert/convoy/internal/git"
	"github.com/zhubert/convoy/internal/logger"
	"github.com/zhubert/convoy/internal/notification"
	"github.com/zhubert/convoy/internal/session"
	"github.com/zhubert/convoy/internal/store"
	"github.com/zhubert/convoy/internal/worker"
	"github.com/zhubert/convoy/internal/workflow"
)

const defaultBranchPrefix = "convoy/"

// Options configure App construction.
type Options struct {
	// ConfigPath overrides the default ~/.convoy/config.yaml location.
	ConfigPath string
	// Debug forces debug-level logging regardless of config.
	Debug bool
	// Quiet suppresses desktop notifications for this run.
	Quiet bool
}

// App owns the orchestrator's long-lived collaborators.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Git     *git.Service
	Manager *worker.Manager

	lock      *flock.Flock
	stopWatch func()

	mu       sync.Mutex
	channels map[string]agent.AgentChannel // keyed by provider name
}

// New loads configuration, takes the single-instance lock, opens the store,
// and recovers operations left behind by a previous run. Callers must Close.
func New(opts Options) (*App, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Debug {
		logger.SetDebug(true)
	} else {
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}
	notification.Enabled = cfg.NotificationsEnabled && !opts.Quiet

	lock, err := acquireInstanceLock(cfg.Path())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Store:    st,
		Git:      git.NewService(),
		lock:     lock,
		channels: make(map[string]agent.AgentChannel),
	}
	a.Manager = worker.NewManager(worker.Config{
		Store:      st,
		Git:        a.Git,
		ChannelFor: a.channelFor,
	})

	// Unfinished ledger rows must be swept before any worker can queue new
	// ones, or fresh work would be mistaken for leftovers.
	if err := a.Manager.RecoverFromRestart(context.Background()); err != nil {
		a.Close()
		return nil, err
	}

	a.stopWatch, err = config.Watch(cfg.Path(), func(next *config.Config) {
		if !opts.Debug {
			logger.SetLevel(logger.ParseLevel(next.LogLevel))
		}
		notification.Enabled = next.NotificationsEnabled && !opts.Quiet
		logger.Debug("config reloaded from %s", next.Path())
	})
	if err != nil {
		logger.Warn("config watcher unavailable: %v", err)
		a.stopWatch = func() {}
	}
	return a, nil
}

// Close releases everything New acquired. Workers drain their in-flight
// command before the lock is dropped.
func (a *App) Close() {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.Manager != nil {
		a.Manager.Shutdown()
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.lock != nil {
		a.lock.Unlock()
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// acquireInstanceLock takes a non-blocking flock next to the config file.
// Two orchestrators sharing one ledger would race the recovery sweep.
func acquireInstanceLock(configPath string) (*flock.Flock, error) {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, cerrors.E(cerrors.Op("app.lock"), cerrors.KindIO, err)
	}
	lock := flock.New(filepath.Join(dir, "convoy.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, cerrors.E(cerrors.Op("app.lock"), cerrors.KindIO, err)
	}
	if !locked {
		return nil, cerrors.E(cerrors.Op("app.lock"), cerrors.KindInvalid,
			"another convoy instance is already running")
	}
	return lock, nil
}

// channelFor returns the agent channel serving a session's provider.
// App-server channels are shared per provider so live runtimes are reused
// across sessions; CLI channels are stateless and shareable too.
func (a *App) channelFor(sess *session.Session) (agent.AgentChannel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ch, ok := a.channels[sess.Provider]; ok {
		return ch, nil
	}

	provider, err := a.Config.ResolveProvider(sess.Provider)
	if err != nil {
		return nil, err
	}
	args, err := provider.CommandArgs()
	if err != nil {
		return nil, err
	}

	var ch agent.AgentChannel
	switch provider.Kind {
	case config.ProviderKindAppServer:
		ch = appserver.NewClient(args)
	case config.ProviderKindCLI:
		ch = agent.NewCLIChannel(args)
	default:
		return nil, cerrors.ConfigInvalid(fmt.Sprintf("provider %s: unknown kind %q", provider.Name, provider.Kind))
	}
	a.channels[provider.Name] = ch
	return ch, nil
}

func (a *App) branchPrefix() string {
	if p := a.Config.BranchPrefix; p != "" {
		return p
	}
	return defaultBranchPrefix
}

func (a *App) worktreeRoot() string {
	if r := a.Config.WorktreeRoot; r != "" {
		return r
	}
	return filepath.Join(filepath.Dir(a.Config.Path()), "worktrees")
}

func (a *App) workflowEngine(sess *session.Session) (*workflow.Engine, error) {
	ch, err := a.channelFor(sess)
	if err != nil {
		return nil, err
	}
	return workflow.NewEngine(a.Git, ch), nil
}
