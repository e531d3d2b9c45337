package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"forge/internal/agentport"
	"forge/internal/approval"
	"forge/internal/bgtask"
	"forge/internal/chatlock"
	"forge/internal/config"
	"forge/internal/corelog"
	"forge/internal/echoagent"
	"forge/internal/httpapi"
	"forge/internal/injection"
	"forge/internal/metrics"
	"forge/internal/permission"
	"forge/internal/progress"
	"forge/internal/sandboxport"
	"forge/internal/ssebus"
	"forge/internal/transcript"
)

// components is the fully wired dependency graph shared by the serve and
// dispatch subcommands.
type components struct {
	cfg        config.Config
	logger     corelog.Logger
	bus        *ssebus.Bus
	lock       *chatlock.Lock
	approvals  *approval.Manager
	bridge     *permission.Bridge
	tracker    *progress.Tracker
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	injection  *injection.Queue
	runner     *bgtask.Runner
	transcript *transcript.Log
	parent     agentport.Agent
	router     *httpapi.Router
}

// buildComponents wires every collaborator in dependency order: the
// metrics registry first (the lock reports its wait times to it), then bus
// and lock, then the approval plumbing, progress tracker and injection
// queue that sit between the scheduler and the parent agent, then the
// scheduler itself, and finally the parent agent — breaking the
// Agent<->Runner<->InjectionQueue construction cycle with SetParent once
// every other piece exists.
func buildComponents(cfg config.Config, logger corelog.Logger) (*components, error) {
	if logger == nil {
		logger = corelog.Nop()
	}

	registry := prometheus.NewRegistry()
	m := metrics.MustNew(registry)

	bus := ssebus.New(logger)
	lock := chatlock.New(m)
	approvals := approval.New(logger)
	bridge := permission.New(approvals, bus)

	tracker := progress.New(cfg.Progress.Interval, progress.SSESink{Bus: bus}, logger)

	injQ := injection.New(bus, lock, logger)

	sandboxFactory := &sandboxport.LocalFactory{BaseDir: cfg.Sandbox.BaseDir, Logger: logger}

	runner := bgtask.New(bgtask.Deps{
		Config:         cfg.Scheduler,
		AgentFactory:   echoagent.Factory{},
		SandboxFactory: sandboxFactory,
		InjectionQueue: injQ,
		Tracker:        tracker,
		Permissions:    bridge,
		Metrics:        m,
		Logger:         logger,
	})

	parent := echoagent.Agent{}
	injQ.SetParent(parent)

	tlog := transcript.New()

	router := httpapi.New(httpapi.Deps{
		Runner:      runner,
		Injection:   injQ,
		Bus:         bus,
		Approvals:   approvals,
		Tracker:     tracker,
		Transcript:  tlog,
		Parent:      parent,
		Lock:        lock,
		BearerToken: cfg.HTTP.BearerToken,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Registry:    registry,
		Logger:      logger,
	})

	return &components{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		lock:       lock,
		approvals:  approvals,
		bridge:     bridge,
		tracker:    tracker,
		metrics:    m,
		registry:   registry,
		injection:  injQ,
		runner:     runner,
		transcript: tlog,
		parent:     parent,
		router:     router,
	}, nil
}

func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}
