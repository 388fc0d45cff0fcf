// Package platform hosts the long-lived session layer: a Polis owns the
// persistent store, optional support modules, and the registry of live
// bootstrap runs with their control channels.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/allthingssecurity/evoldsl/internal/bootstrap"
	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/storage"
)

type Config struct {
	Store          storage.Store
	SupportModules []SupportModule
	Emitter        events.Emitter
}

// SupportModule is an auxiliary service started with the polis and stopped
// with it: an event forwarder, a metrics pump, an external bridge.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// RunStatus describes one registered bootstrap run.
type RunStatus struct {
	RunID    string   `json:"run_id"`
	Tasks    []string `json:"tasks,omitempty"`
	Finished bool     `json:"finished"`
	Error    string   `json:"error,omitempty"`
}

type runSession struct {
	runID   string
	tasks   []string
	control chan bootstrap.Command
	done    chan struct{}

	result bootstrap.Result
	err    error
}

type Polis struct {
	store      storage.Store
	emitter    events.Emitter
	supervisor *Supervisor

	mu sync.RWMutex

	supportModules map[string]SupportModule
	moduleOrder    []string
	runs           map[string]*runSession
	finished       map[string]*runSession
	started        bool
	lastStopReason StopReason

	config Config
}

var (
	defaultPolisMu sync.Mutex
	defaultPolis   *Polis
)

func NewPolis(cfg Config) *Polis {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Polis{
		store:          cfg.Store,
		emitter:        emitter,
		supervisor:     NewSupervisor(SupervisorPolicy{}),
		supportModules: make(map[string]SupportModule),
		runs:           make(map[string]*runSession),
		finished:       make(map[string]*runSession),
		config:         cfg,
		lastStopReason: StopReasonNormal,
	}
}

func StartDefault(ctx context.Context, cfg Config) (*Polis, error) {
	defaultPolisMu.Lock()
	defer defaultPolisMu.Unlock()

	if defaultPolis != nil && defaultPolis.Started() {
		return defaultPolis, nil
	}

	p := NewPolis(cfg)
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	defaultPolis = p
	return defaultPolis, nil
}

func Default() (*Polis, bool) {
	defaultPolisMu.Lock()
	p := defaultPolis
	defaultPolisMu.Unlock()

	if p == nil || !p.Started() {
		return nil, false
	}
	return p, true
}

func StopDefault(reason StopReason) error {
	defaultPolisMu.Lock()
	p := defaultPolis
	defaultPolisMu.Unlock()
	if p == nil {
		return nil
	}
	if err := p.StopWithReason(reason); err != nil {
		return err
	}
	defaultPolisMu.Lock()
	if defaultPolis == p {
		defaultPolis = nil
	}
	defaultPolisMu.Unlock()
	return nil
}

func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}

	started := make([]SupportModule, 0, len(p.config.SupportModules))
	for i, module := range p.config.SupportModules {
		if module == nil {
			p.rollbackModulesLocked(ctx, started)
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			p.rollbackModulesLocked(ctx, started)
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if _, exists := p.supportModules[name]; exists {
			p.rollbackModulesLocked(ctx, started)
			return fmt.Errorf("duplicate support module: %s", name)
		}
		if err := module.Start(ctx); err != nil {
			p.rollbackModulesLocked(ctx, started)
			return fmt.Errorf("start support module %s: %w", name, err)
		}
		p.supportModules[name] = module
		p.moduleOrder = append(p.moduleOrder, name)
		started = append(started, module)
	}

	p.started = true
	return nil
}

func (p *Polis) rollbackModulesLocked(ctx context.Context, started []SupportModule) {
	for i := len(started) - 1; i >= 0; i-- {
		_ = started[i].Stop(ctx)
	}
	p.supportModules = make(map[string]SupportModule)
	p.moduleOrder = nil
}

// RunBootstrap executes a run synchronously, registering its control
// channel for the duration so Pause/Continue/Stop reach it by run ID.
func (p *Polis) RunBootstrap(ctx context.Context, cfg bootstrap.Config, lib *dsl.Library, orc oracle.Oracle) (bootstrap.Result, error) {
	orchestrator, err := bootstrap.NewOrchestrator(cfg, lib, orc, p.store, p.emitter)
	if err != nil {
		return bootstrap.Result{}, err
	}

	session := &runSession{
		runID:   orchestrator.RunID(),
		control: orchestrator.Control(),
		done:    make(chan struct{}),
	}
	for _, task := range cfg.Tasks {
		session.tasks = append(session.tasks, task.Description)
	}
	if err := p.registerRun(session); err != nil {
		return bootstrap.Result{}, err
	}
	defer p.finishRun(session)

	result, err := orchestrator.Run(ctx)
	session.result = result
	session.err = err
	return result, err
}

// StartRun launches a run as a supervised background session and returns
// its ID immediately. Sessions run under the temporary restart policy:
// a failed run is recorded, never rerun. The result is retrievable through
// RunResult once the run's status reports finished.
func (p *Polis) StartRun(ctx context.Context, cfg bootstrap.Config, lib *dsl.Library, orc oracle.Oracle) (string, error) {
	orchestrator, err := bootstrap.NewOrchestrator(cfg, lib, orc, p.store, p.emitter)
	if err != nil {
		return "", err
	}

	session := &runSession{
		runID:   orchestrator.RunID(),
		control: orchestrator.Control(),
		done:    make(chan struct{}),
	}
	for _, task := range cfg.Tasks {
		session.tasks = append(session.tasks, task.Description)
	}
	if err := p.registerRun(session); err != nil {
		return "", err
	}

	err = p.supervisor.StartWithPolicy("session:"+session.runID, SupervisorRestartTemporary, func(taskCtx context.Context) error {
		// The run answers to both the caller's context and the
		// supervisor's shutdown.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(taskCtx, cancel)
		defer stop()

		result, runErr := orchestrator.Run(runCtx)
		session.result = result
		session.err = runErr
		p.finishRun(session)
		return runErr
	})
	if err != nil {
		p.mu.Lock()
		delete(p.runs, session.runID)
		p.mu.Unlock()
		return "", err
	}
	return session.runID, nil
}

// WaitRun blocks until the named run finishes or ctx is done.
func (p *Polis) WaitRun(ctx context.Context, runID string) (bootstrap.Result, error) {
	p.mu.RLock()
	session, active := p.runs[runID]
	if !active {
		session = p.finished[runID]
	}
	p.mu.RUnlock()
	if session == nil {
		return bootstrap.Result{}, fmt.Errorf("unknown run: %s", runID)
	}
	select {
	case <-session.done:
		return session.result, session.err
	case <-ctx.Done():
		return bootstrap.Result{}, ctx.Err()
	}
}

// RunResult returns the outcome of a finished run.
func (p *Polis) RunResult(runID string) (bootstrap.Result, error, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	session, ok := p.finished[runID]
	if !ok {
		return bootstrap.Result{}, nil, false
	}
	return session.result, session.err, true
}

func (p *Polis) PauseRun(runID string) error {
	return p.sendRunCommand(runID, bootstrap.CommandPause)
}

func (p *Polis) ContinueRun(runID string) error {
	return p.sendRunCommand(runID, bootstrap.CommandContinue)
}

func (p *Polis) StopRun(runID string) error {
	return p.sendRunCommand(runID, bootstrap.CommandStop)
}

func (p *Polis) registerRun(session *runSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("polis is not initialized")
	}
	if _, exists := p.runs[session.runID]; exists {
		return fmt.Errorf("run already active: %s", session.runID)
	}
	p.runs[session.runID] = session
	return nil
}

func (p *Polis) finishRun(session *runSession) {
	p.mu.Lock()
	if current, ok := p.runs[session.runID]; ok && current == session {
		delete(p.runs, session.runID)
		p.finished[session.runID] = session
	}
	p.mu.Unlock()

	select {
	case <-session.done:
	default:
		close(session.done)
	}
}

func (p *Polis) sendRunCommand(runID string, cmd bootstrap.Command) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	p.mu.RLock()
	session, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run not active: %s", runID)
	}
	select {
	case session.control <- cmd:
		return nil
	default:
		return fmt.Errorf("run control channel is full: %s", runID)
	}
}

func (p *Polis) Stop() {
	_ = p.StopWithReason(StopReasonNormal)
}

func (p *Polis) Shutdown() {
	_ = p.StopWithReason(StopReasonShutdown)
}

func (p *Polis) StopWithReason(reason StopReason) error {
	if reason == "" {
		reason = StopReasonNormal
	}
	switch reason {
	case StopReasonNormal, StopReasonShutdown:
	default:
		return fmt.Errorf("unsupported stop reason: %s", reason)
	}

	// Stop sessions before taking the write lock: supervised sessions
	// unregister themselves on exit and StopAll waits for that.
	p.mu.RLock()
	sessions := make([]*runSession, 0, len(p.runs))
	for _, session := range p.runs {
		sessions = append(sessions, session)
	}
	p.mu.RUnlock()
	for _, session := range sessions {
		select {
		case session.control <- bootstrap.CommandStop:
		default:
		}
	}
	p.supervisor.StopAll()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.moduleOrder) - 1; i >= 0; i-- {
		module := p.supportModules[p.moduleOrder[i]]
		if withReason, ok := module.(reasonAwareSupportModule); ok {
			_ = withReason.StopWithReason(context.Background(), reason)
		} else {
			_ = module.Stop(context.Background())
		}
	}

	p.started = false
	p.lastStopReason = reason
	p.supportModules = make(map[string]SupportModule)
	p.moduleOrder = nil
	p.runs = make(map[string]*runSession)
	p.finished = make(map[string]*runSession)
	return nil
}

// ActiveRuns lists registered (unfinished) runs in run-ID order.
func (p *Polis) ActiveRuns() []RunStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]RunStatus, 0, len(ids))
	for _, id := range ids {
		session := p.runs[id]
		out = append(out, RunStatus{
			RunID: id,
			Tasks: append([]string(nil), session.tasks...),
		})
	}
	return out
}

// SupervisedSessions lists the supervised background tasks, detached runs
// included, in name order.
func (p *Polis) SupervisedSessions() []string {
	return p.supervisor.Tasks()
}

func (p *Polis) ActiveSupportModules() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.supportModules))
	for name := range p.supportModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Polis) LastStopReason() StopReason {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastStopReason
}

type reasonAwareSupportModule interface {
	SupportModule
	StopWithReason(ctx context.Context, reason StopReason) error
}
