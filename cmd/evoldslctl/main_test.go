package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/allthingssecurity/evoldsl/internal/stats"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func TestRunCommandCreatesArtifactsAndExports(t *testing.T) {
	chdirTemp(t)

	args := []string{
		"run",
		"--store", "memory",
		"--task", "compute factorial of n",
		"--function", "factorial",
		"--cycles", "2",
		"--iterations", "20",
		"--pop", "6",
		"--gens", "2",
		"--seed", "42",
	}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run command: %v", err)
	}

	entries, err := stats.ListRunIndex(artifactsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one indexed run, got %d", len(entries))
	}

	runID := entries[0].RunID
	for _, file := range []string{"run.json", "cycles.json", "lineage.json", "library.json"} {
		if _, err := os.Stat(filepath.Join(artifactsDir, runID, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	if err := run(context.Background(), []string{"export", "--latest"}); err != nil {
		t.Fatalf("export command: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exportsDir, runID, "run.json")); err != nil {
		t.Fatalf("expected exported run.json: %v", err)
	}
}

func TestRunCommandFromConfigFile(t *testing.T) {
	workdir := chdirTemp(t)

	configPath := filepath.Join(workdir, "run.json")
	config := `{
		"task": "double n",
		"function": "double",
		"params": ["n"],
		"cycles": 1,
		"iterations": 15,
		"population": 5,
		"generations": 2,
		"seed": 7
	}`
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	args := []string{
		"run",
		"--store", "memory",
		"--config", configPath,
		"--seed", "9",
	}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run command: %v", err)
	}

	entries, err := stats.ListRunIndex(artifactsDir)
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one indexed run, got %d", len(entries))
	}
	if entries[0].Seed != 9 {
		t.Fatalf("expected flag to override config seed, got %d", entries[0].Seed)
	}
}

func TestRunCommandRequiresTask(t *testing.T) {
	chdirTemp(t)
	if err := run(context.Background(), []string{"run", "--store", "memory"}); err == nil {
		t.Fatal("expected error for missing task")
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"frobnicate"}); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestExportValidation(t *testing.T) {
	chdirTemp(t)
	if err := run(context.Background(), []string{"export"}); err == nil {
		t.Fatal("expected error without run id or latest")
	}
	if err := run(context.Background(), []string{"export", "--run-id", "r1", "--latest"}); err == nil {
		t.Fatal("expected error for run id combined with latest")
	}
	if err := run(context.Background(), []string{"export", "--latest"}); err == nil {
		t.Fatal("expected error when no runs exist")
	}
}

func TestCyclesValidation(t *testing.T) {
	chdirTemp(t)
	if err := run(context.Background(), []string{"cycles", "--store", "memory"}); err == nil {
		t.Fatal("expected error without run id or latest")
	}
}

func TestSplitParams(t *testing.T) {
	got := splitParams(" a, b ,,c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected params: %v", got)
	}
	if out := splitParams(""); len(out) != 0 {
		t.Fatalf("expected empty params, got %v", out)
	}
}
