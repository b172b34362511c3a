package pipeline

import (
	"errors"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/task"
)

func stageDef(name string, deps ...string) Definition {
	return Definition{
		Name:        name,
		DependsOn:   deps,
		Queue:       name,
		Priority:    task.PriorityMedium,
		Operation:   name,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
		Timeout:     time.Minute,
		Concurrency: 1,
		Critical:    true,
		Idempotent:  true,
	}
}

func TestFromConfigBuildsDefaultTopology(t *testing.T) {
	cfg := config.Default()
	p, err := FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	queue, priority, err := p.Route("voiceover")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if queue != "voiceover" || priority != task.PriorityMedium {
		t.Fatalf("unexpected route: %s/%s", queue, priority)
	}

	def, ok := p.Definition("send_to_cdn")
	if !ok {
		t.Fatal("expected send_to_cdn definition")
	}
	if def.Idempotent {
		t.Fatal("expected send_to_cdn to be marked non-idempotent")
	}
	if !def.Critical {
		t.Fatal("expected send_to_cdn to be critical")
	}
	if def.Operation != "upload" {
		t.Fatalf("unexpected operation %q", def.Operation)
	}
	if def.Timeout != time.Hour {
		t.Fatalf("unexpected timeout %s", def.Timeout)
	}

	thumb, ok := p.Definition("thumbnail")
	if !ok {
		t.Fatal("expected thumbnail definition")
	}
	if thumb.Critical {
		t.Fatal("expected thumbnail to be non-critical")
	}

	terminal := p.Terminal()
	names := make(map[string]bool, len(terminal))
	for _, def := range terminal {
		names[def.Name] = true
	}
	if !names["send_to_cdn"] || !names["thumbnail"] {
		t.Fatalf("unexpected terminal stages: %v", names)
	}
}

func TestNewRejectsInvalidGraphs(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty definition set")
	}

	if _, err := New([]Definition{stageDef("a"), stageDef("a")}); err == nil {
		t.Fatal("expected error for duplicate stage")
	}

	if _, err := New([]Definition{stageDef("a", "ghost")}); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}

	if _, err := New([]Definition{stageDef("a", "a")}); err == nil {
		t.Fatal("expected error for self-dependency")
	}

	defs := []Definition{stageDef("a", "c"), stageDef("b", "a"), stageDef("c", "b")}
	if _, err := New(defs); err == nil {
		t.Fatal("expected error for cycle")
	}

	broken := stageDef("a")
	broken.MaxAttempts = 0
	if _, err := New([]Definition{broken}); err == nil {
		t.Fatal("expected error for zero retry budget")
	}
}

func TestRouteUnknownStage(t *testing.T) {
	p, err := New([]Definition{stageDef("script")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, _, err := p.Route("render"); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestSubgraphClosure(t *testing.T) {
	p, err := New([]Definition{
		stageDef("script"),
		stageDef("metadata", "script"),
		stageDef("chunks", "script"),
		stageDef("video", "metadata", "chunks"),
		stageDef("extra"),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	scope, err := p.Subgraph([]string{"video"})
	if err != nil {
		t.Fatalf("Subgraph failed: %v", err)
	}
	for _, name := range []string{"script", "metadata", "chunks", "video"} {
		if !scope[name] {
			t.Fatalf("expected %q in scope", name)
		}
	}
	if scope["extra"] {
		t.Fatal("extra must not be pulled into scope")
	}

	full, err := p.Subgraph(nil)
	if err != nil {
		t.Fatalf("Subgraph failed: %v", err)
	}
	if len(full) != 5 {
		t.Fatalf("expected full scope, got %d stages", len(full))
	}

	if _, err := p.Subgraph([]string{"ghost"}); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestDependents(t *testing.T) {
	p, err := New([]Definition{
		stageDef("script"),
		stageDef("metadata", "script"),
		stageDef("chunks", "script"),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	deps := p.Dependents("script")
	if len(deps) != 2 || deps[0] != "metadata" || deps[1] != "chunks" {
		t.Fatalf("unexpected dependents: %v", deps)
	}
	if got := p.Dependents("chunks"); len(got) != 0 {
		t.Fatalf("expected no dependents, got %v", got)
	}
}
