// Package project owns a project's protocol database. It creates protocols,
// launches, schedules and stops them, and reconciles the project copy of
// each protocol with the private ledger its runner writes.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/seantiz/foundry/internal/config"
	"github.com/seantiz/foundry/internal/graph"
	"github.com/seantiz/foundry/internal/hosts"
	"github.com/seantiz/foundry/internal/launcher"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/process"
	"github.com/seantiz/foundry/internal/protocol"
	"github.com/seantiz/foundry/internal/store"
)

// Layout of a project directory.
const (
	DBName    = "project.sqlite"
	HostsName = "hosts.yaml"
	RunsDir   = "Runs"
)

var (
	// ErrActive is returned when an operation needs a protocol that is not
	// launched, running, scheduled or waiting for confirmation.
	ErrActive = errors.New("protocol is active")

	// ErrNotReady is returned when a protocol's inputs or prerequisites are
	// not available yet.
	ErrNotReady = errors.New("protocol is not ready")

	// ErrNotInteractive is returned by Continue for a protocol that is not
	// waiting for confirmation.
	ErrNotInteractive = errors.New("protocol is not interactive")
)

// Launcher starts and stops the processes working on protocols.
type Launcher interface {
	Launch(ctx context.Context, p *model.Protocol) (int64, error)
	Schedule(ctx context.Context, p *model.Protocol, opts launcher.ScheduleOptions) (int, error)
	Stop(ctx context.Context, p *model.Protocol) error
}

// Project is a directory holding a protocol database and one working
// directory per protocol.
type Project struct {
	Path string

	store    store.Store
	hosts    *hosts.Catalog
	registry *protocol.Registry
	launcher Launcher
	cfg      config.Config
	logger   *slog.Logger

	alive   func(pid int) bool
	jobDone func(ctx context.Context, q *hosts.QueueSystem, jobID int64) (bool, error)

	mu    sync.Mutex
	graph *graph.Graph
}

// Option customises a Project.
type Option func(*Project)

// WithLauncher replaces the launcher.
func WithLauncher(l Launcher) Option { return func(p *Project) { p.launcher = l } }

// WithLiveness replaces the process and queue probes used by CheckIsAlive.
func WithLiveness(alive func(int) bool, jobDone func(context.Context, *hosts.QueueSystem, int64) (bool, error)) Option {
	return func(p *Project) {
		if alive != nil {
			p.alive = alive
		}
		if jobDone != nil {
			p.jobDone = jobDone
		}
	}
}

// Open opens the project at path, creating the directory and database when
// needed. FOUNDRY_DB_DSN replaces the project's SQLite file.
func Open(path string, cfg config.Config, reg *protocol.Registry, logger *slog.Logger, opts ...Option) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, RunsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = filepath.Join(abs, DBName)
	}
	st, err := store.Open(cfg.DBDriver, dsn)
	if err != nil {
		return nil, err
	}

	catalog, err := LoadHosts(abs, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	opts = append([]Option{WithLauncher(launcher.New(abs, catalog, cfg, logger))}, opts...)
	return New(abs, st, catalog, reg, cfg, logger, opts...), nil
}

// LoadHosts reads the host profiles of the project at path.
// FOUNDRY_HOSTS_FILE replaces <path>/hosts.yaml.
func LoadHosts(path string, cfg config.Config) (*hosts.Catalog, error) {
	if cfg.HostsFile != "" {
		return hosts.Load(cfg.HostsFile)
	}
	return hosts.Load(filepath.Join(path, HostsName))
}

// New wraps an already opened store.
func New(path string, st store.Store, catalog *hosts.Catalog, reg *protocol.Registry, cfg config.Config, logger *slog.Logger, opts ...Option) *Project {
	if catalog == nil {
		catalog = hosts.Default()
	}
	p := &Project{
		Path:     path,
		store:    st,
		hosts:    catalog,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		alive:    process.Alive,
		jobDone:  process.JobDone,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.launcher == nil {
		p.launcher = launcher.New(path, catalog, cfg, logger)
	}
	return p
}

// Close closes the project database.
func (pr *Project) Close() error { return pr.store.Close() }

// Store returns the project database.
func (pr *Project) Store() store.Store { return pr.store }

// Hosts returns the configured execution hosts.
func (pr *Project) Hosts() *hosts.Catalog { return pr.hosts }

// Definitions lists the protocol classes that can be created.
func (pr *Project) Definitions() []protocol.Info { return pr.registry.List() }

// Validate runs the validation of p's class against p.
func (pr *Project) Validate(p *model.Protocol) error {
	def, err := pr.registry.Resolve(p.Class)
	if err != nil {
		return err
	}
	return protocol.Validate(def, p)
}

// ProtocolOptions are the settings of a new protocol.
type ProtocolOptions struct {
	Label         string                   `json:"label"`
	Params        json.RawMessage          `json:"params,omitempty"`
	RunMode       model.RunMode            `json:"run_mode,omitempty"`
	StepsMode     model.StepsMode          `json:"steps_mode,omitempty"`
	Threads       int                      `json:"threads,omitempty"`
	MPI           int                      `json:"mpi,omitempty"`
	GPUs          []int                    `json:"gpus,omitempty"`
	UseQueue      bool                     `json:"use_queue,omitempty"`
	QueueName     string                   `json:"queue_name,omitempty"`
	QueueParams   map[string]string        `json:"queue_params,omitempty"`
	Host          string                   `json:"host,omitempty"`
	Inputs        map[string]model.Pointer `json:"inputs,omitempty"`
	Prerequisites []int64                  `json:"prerequisites,omitempty"`
}

// NewProtocol creates and persists a protocol of class in SAVED status.
func (pr *Project) NewProtocol(ctx context.Context, class string, opts ProtocolOptions) (*model.Protocol, error) {
	def, err := pr.registry.Resolve(class)
	if err != nil {
		return nil, err
	}
	streaming := protocol.IsStreaming(def)

	p := &model.Protocol{
		Label:         opts.Label,
		Class:         class,
		RunMode:       opts.RunMode,
		StepsMode:     opts.StepsMode,
		Params:        opts.Params,
		Threads:       opts.Threads,
		MPI:           max(1, opts.MPI),
		GPUs:          opts.GPUs,
		UseQueue:      opts.UseQueue,
		QueueName:     opts.QueueName,
		QueueParams:   opts.QueueParams,
		Host:          opts.Host,
		Inputs:        opts.Inputs,
		Prerequisites: opts.Prerequisites,
		Streaming:     streaming,
	}
	if p.Label == "" {
		p.Label = class
	}
	if p.RunMode == "" {
		p.RunMode = model.RunModeResume
	}
	if p.StepsMode == "" {
		p.StepsMode = model.StepsSerial
	}
	if p.Host == "" {
		p.Host = model.LocalHost
	}
	if p.Threads == 0 {
		p.Threads = 1
		if streaming {
			p.Threads = 2
		}
	}
	if _, err := pr.hosts.Get(p.Host); err != nil {
		return nil, err
	}
	p.SetStatus(model.StatusSaved)

	if err := pr.store.CreateProtocol(ctx, p); err != nil {
		return nil, err
	}
	p.WorkingDir = filepath.Join(pr.Path, RunsDir, fmt.Sprintf("%06d_%s", p.ID, class))
	if err := pr.store.SaveProtocol(ctx, p); err != nil {
		return nil, err
	}
	pr.invalidateGraph()
	pr.logger.Info("protocol created", "protocol_id", p.ID, "class", class)
	return p, nil
}

// Get returns a protocol from the project database without reconciling it.
func (pr *Project) Get(ctx context.Context, id int64) (*model.Protocol, error) {
	return pr.store.GetProtocol(ctx, id)
}

// List returns every protocol in the project database.
func (pr *Project) List(ctx context.Context) ([]*model.Protocol, error) {
	return pr.store.ListProtocols(ctx)
}

// Steps returns the ledger steps of protocol id. A protocol that never ran
// has none.
func (pr *Project) Steps(ctx context.Context, id int64) ([]*model.Step, error) {
	p, err := pr.store.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	ledger, err := openExistingLedger(p)
	if err != nil || ledger == nil {
		return nil, err
	}
	defer ledger.Close()
	return ledger.ListSteps(ctx, id)
}

// openExistingLedger opens the ledger of p, or returns nil when p has none.
func openExistingLedger(p *model.Protocol) (store.Store, error) {
	if p.WorkingDir == "" {
		return nil, nil
	}
	if _, err := os.Stat(p.LedgerPath()); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return store.OpenLedger(p.LedgerPath())
}

func (pr *Project) invalidateGraph() {
	pr.mu.Lock()
	pr.graph = nil
	pr.mu.Unlock()
}
