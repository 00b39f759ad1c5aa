package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tandemlabs/tandem/internal/agent"
	"github.com/tandemlabs/tandem/internal/appdir"
	"github.com/tandemlabs/tandem/internal/config"
	"github.com/tandemlabs/tandem/internal/coordinator"
	"github.com/tandemlabs/tandem/internal/events"
	"github.com/tandemlabs/tandem/internal/logging"
	"github.com/tandemlabs/tandem/internal/session"
	"github.com/tandemlabs/tandem/internal/web"
)

// Stack is the fully wired Tandem application: runtime connection,
// coordinator, persistence and web server. It is shared by the CLI serve
// command and the desktop app wrapper.
type Stack struct {
	Config      *config.Config
	Coordinator *coordinator.Coordinator
	Server      *web.Server

	store    *session.Store
	bus      *events.Bus
	client   *agent.Client
	launcher *agent.Launcher
	watcher  *config.SettingsWatcher
	subs     *events.SubscriptionSet
	cancel   context.CancelFunc
}

// BuildStack wires every component and starts them: the runtime process (if
// configured), the runtime client connection loop and the web server. The
// returned stack is serving when the call returns; stop it with Shutdown.
func BuildStack(cfg *config.Config) (*Stack, error) {
	logger := logging.Get()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Stack{Config: cfg, cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			s.Shutdown()
		}
	}()

	// Persistence is best-effort: a broken store degrades to memory-only.
	sessionsDir, err := appdir.SessionsDir()
	if err == nil {
		s.store, err = session.NewStore(sessionsDir)
	}
	if err != nil {
		logger.Warn("session persistence disabled", "error", err)
		s.store = nil
	}

	var policy *coordinator.ApprovalPolicy
	if expr := cfg.Coordinator.ApprovalPolicy; expr != "" {
		policy, err = coordinator.NewApprovalPolicy(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid approval policy: %w", err)
		}
	}

	s.bus = events.NewBus()
	s.client = agent.NewClient(agent.ClientConfig{
		URL: cfg.Runtime.URL,
		Bus: s.bus,
	})

	s.Coordinator = coordinator.New(coordinator.Config{
		Commander:   s.client,
		Store:       s.store,
		Policy:      policy,
		GraceWindow: cfg.Coordinator.GraceWindow(),
	})
	s.subs = s.Coordinator.Attach(s.bus)

	s.Server = web.NewServer(s.Coordinator, web.Config{
		Port:            cfg.Web.Port,
		AllowedOrigins:  cfg.Web.AllowedOrigins,
		RefreshInterval: cfg.Web.RefreshInterval(),
	})
	s.Coordinator.SetView(s.Server.Hub())

	if cfg.Runtime.Command != "" {
		s.launcher, err = agent.StartRuntime(ctx, agent.LauncherConfig{
			Command: cfg.Runtime.Command,
			Dir:     cfg.Runtime.Cwd,
			Env:     cfg.Runtime.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start agent runtime: %w", err)
		}
	}

	go s.client.Run(ctx)

	if err := s.Server.Start(); err != nil {
		return nil, err
	}

	s.watchSettings(logger)

	ok = true
	return s, nil
}

// watchSettings applies logging changes from the settings file live. Other
// sections take effect on restart. Watch failures are non-fatal.
func (s *Stack) watchSettings(logger *slog.Logger) {
	if configPath != "" {
		// An explicit --config file is read once and never watched.
		return
	}
	settingsPath, err := appdir.SettingsPath()
	if err != nil {
		return
	}
	watcher, err := config.NewSettingsWatcher(settingsPath, logging.Get())
	if err != nil {
		logger.Warn("settings watching disabled", "error", err)
		return
	}
	watcher.Subscribe(config.SettingsSubscriberFunc(func(cfg *config.Config) {
		if err := logging.Initialize(loggingConfig(cfg)); err != nil {
			logger.Warn("failed to apply logging settings", "error", err)
			return
		}
		logger.Info("applied updated logging settings", "level", cfg.Logging.Level)
	}))
	watcher.Start()
	s.watcher = watcher
}

// RuntimeExited reports when a launched runtime process terminates.
// It returns nil when Tandem did not launch the runtime itself.
func (s *Stack) RuntimeExited() <-chan error {
	if s.launcher == nil {
		return nil
	}
	return s.launcher.Done()
}

// Shutdown stops every component in reverse dependency order.
func (s *Stack) Shutdown() {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Server.Shutdown(ctx)
		cancel()
	}
	if s.subs != nil {
		s.subs.Release()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.cancel()
	if s.launcher != nil {
		s.launcher.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}
}
