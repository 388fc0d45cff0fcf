package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/allthingssecurity/evoldsl/internal/bootstrap"
	"github.com/allthingssecurity/evoldsl/internal/dsl"
	"github.com/allthingssecurity/evoldsl/internal/evo"
	"github.com/allthingssecurity/evoldsl/internal/mcts"
	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/oracle"
	"github.com/allthingssecurity/evoldsl/internal/storage"
)

type fakeModule struct {
	name     string
	startErr error
	started  bool
	stopped  bool
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *fakeModule) Stop(context.Context) error {
	m.stopped = true
	return nil
}

func smallBootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		Cycles: 1,
		Tasks: []bootstrap.Task{{
			Description:  "double a number",
			FunctionName: "double",
			Params:       []string{"n"},
			ReturnType:   model.TypeAny,
		}},
		MCTS: mcts.Config{Iterations: 10, Seed: 3},
		Evo:  evo.Config{PopulationSize: 4, Generations: 1, Seed: 3},
		Seed: 3,
	}
}

func newStartedPolis(t *testing.T, modules ...SupportModule) *Polis {
	t.Helper()
	p := NewPolis(Config{Store: storage.NewMemoryStore(), SupportModules: modules})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestPolisInitStartsSupportModules(t *testing.T) {
	module := &fakeModule{name: "event-bridge"}
	p := newStartedPolis(t, module)

	if !module.started {
		t.Fatal("support module not started")
	}
	names := p.ActiveSupportModules()
	if len(names) != 1 || names[0] != "event-bridge" {
		t.Fatalf("active modules = %v", names)
	}
}

func TestPolisInitRollsBackOnModuleFailure(t *testing.T) {
	first := &fakeModule{name: "first"}
	failing := &fakeModule{name: "failing", startErr: errors.New("bind: address in use")}

	p := NewPolis(Config{Store: storage.NewMemoryStore(), SupportModules: []SupportModule{first, failing}})
	if err := p.Init(context.Background()); err == nil {
		t.Fatal("init succeeded despite failing module")
	}
	if !first.stopped {
		t.Fatal("started module not rolled back")
	}
	if p.Started() {
		t.Fatal("polis reports started after failed init")
	}
}

func TestPolisRejectsDuplicateModules(t *testing.T) {
	p := NewPolis(Config{Store: storage.NewMemoryStore(), SupportModules: []SupportModule{
		&fakeModule{name: "dup"}, &fakeModule{name: "dup"},
	}})
	if err := p.Init(context.Background()); err == nil {
		t.Fatal("duplicate module accepted")
	}
}

func TestPolisRunBootstrapRegistersAndUnregisters(t *testing.T) {
	p := newStartedPolis(t)
	lib := dsl.NewStandardLibrary()

	result, err := p.RunBootstrap(context.Background(), smallBootstrapConfig(), lib, oracle.NewHeuristic(3))
	if err != nil {
		t.Fatalf("run bootstrap: %v", err)
	}
	if len(result.Cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(result.Cycles))
	}
	if active := p.ActiveRuns(); len(active) != 0 {
		t.Fatalf("runs still registered after completion: %+v", active)
	}
}

func TestPolisStartRunAndWait(t *testing.T) {
	p := newStartedPolis(t)
	lib := dsl.NewStandardLibrary()

	runID, err := p.StartRun(context.Background(), smallBootstrapConfig(), lib, oracle.NewHeuristic(3))
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := p.WaitRun(ctx, runID)
	if err != nil {
		t.Fatalf("wait run: %v", err)
	}
	if len(result.Cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(result.Cycles))
	}

	stored, runErr, ok := p.RunResult(runID)
	if !ok || runErr != nil {
		t.Fatalf("run result: ok=%v err=%v", ok, runErr)
	}
	if stored.Run.RunID != runID {
		t.Fatalf("stored run id = %q, want %q", stored.Run.RunID, runID)
	}
}

func TestPolisStartRunIsSupervised(t *testing.T) {
	p := newStartedPolis(t)
	lib := dsl.NewStandardLibrary()

	cfg := smallBootstrapConfig()
	cfg.Control = make(chan bootstrap.Command, 2)
	cfg.Control <- bootstrap.CommandPause

	runID, err := p.StartRun(context.Background(), cfg, lib, oracle.NewHeuristic(3))
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	want := "session:" + runID
	for {
		tasks := p.SupervisedSessions()
		if len(tasks) == 1 && tasks[0] == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("supervised sessions = %v, want [%s]", tasks, want)
		}
		time.Sleep(time.Millisecond)
	}

	if err := p.ContinueRun(runID); err != nil {
		t.Fatalf("continue run: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := p.WaitRun(ctx, runID); err != nil {
		t.Fatalf("wait run: %v", err)
	}
	for deadline := time.Now().Add(5 * time.Second); ; {
		if tasks := p.SupervisedSessions(); len(tasks) == 0 {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("sessions still supervised after finish: %v", tasks)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPolisShutdownStopsDetachedSession(t *testing.T) {
	p := newStartedPolis(t)
	lib := dsl.NewStandardLibrary()

	cfg := smallBootstrapConfig()
	cfg.Cycles = 50
	cfg.MCTS.Iterations = 200

	if _, err := p.StartRun(context.Background(), cfg, lib, oracle.NewHeuristic(3)); err != nil {
		t.Fatalf("start run: %v", err)
	}
	p.Shutdown()

	// Shutdown waits for supervised sessions before returning.
	if tasks := p.SupervisedSessions(); len(tasks) != 0 {
		t.Fatalf("sessions survive shutdown: %v", tasks)
	}
	if active := p.ActiveRuns(); len(active) != 0 {
		t.Fatalf("runs still active after shutdown: %+v", active)
	}
}

func TestPolisRunCommandsRequireActiveRun(t *testing.T) {
	p := newStartedPolis(t)
	if err := p.PauseRun("no-such-run"); err == nil {
		t.Fatal("pause of unknown run succeeded")
	}
	if err := p.StopRun(""); err == nil {
		t.Fatal("stop with empty run id succeeded")
	}
}

func TestPolisShutdownClearsState(t *testing.T) {
	module := &fakeModule{name: "bridge"}
	p := newStartedPolis(t, module)

	p.Shutdown()
	if p.Started() {
		t.Fatal("polis started after shutdown")
	}
	if !module.stopped {
		t.Fatal("support module not stopped on shutdown")
	}
	if p.LastStopReason() != StopReasonShutdown {
		t.Fatalf("stop reason = %s", p.LastStopReason())
	}
	if len(p.ActiveSupportModules()) != 0 {
		t.Fatal("support modules survive shutdown")
	}
}

func TestDefaultPolisLifecycle(t *testing.T) {
	if _, ok := Default(); ok {
		t.Fatal("default polis present before start")
	}
	p, err := StartDefault(context.Background(), Config{Store: storage.NewMemoryStore()})
	if err != nil {
		t.Fatalf("start default: %v", err)
	}
	got, ok := Default()
	if !ok || got != p {
		t.Fatal("default polis not registered")
	}
	if err := StopDefault(StopReasonNormal); err != nil {
		t.Fatalf("stop default: %v", err)
	}
	if _, ok := Default(); ok {
		t.Fatal("default polis present after stop")
	}
}
