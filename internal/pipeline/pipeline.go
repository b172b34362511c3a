package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"loom/internal/task"
)

// ErrUnknownStage marks routing or lookup against a stage that was never
// declared. Startup validation treats it as fatal; Route returns it for
// lookups against undeclared names.
var ErrUnknownStage = errors.New("unknown stage")

// Pipeline is the immutable, validated stage definition set. Declaration
// order is preserved and used as the deterministic tie-break whenever several
// stages become eligible at once.
type Pipeline struct {
	defs       []Definition
	byName     map[string]int
	dependents map[string][]string
}

// New validates the definitions and builds the pipeline. It rejects
// duplicate names, references to undeclared dependencies, self-dependencies,
// and cycles.
func New(defs []Definition) (*Pipeline, error) {
	if len(defs) == 0 {
		return nil, errors.New("pipeline requires at least one stage definition")
	}
	byName := make(map[string]int, len(defs))
	for i, def := range defs {
		if def.Name == "" {
			return nil, errors.New("stage definition missing name")
		}
		if _, dup := byName[def.Name]; dup {
			return nil, fmt.Errorf("duplicate stage definition %q", def.Name)
		}
		if def.MaxAttempts < 1 {
			return nil, fmt.Errorf("stage %q max attempts must be at least 1", def.Name)
		}
		if def.Timeout <= 0 {
			return nil, fmt.Errorf("stage %q timeout must be positive", def.Name)
		}
		if def.BackoffBase <= 0 || def.BackoffCap <= 0 {
			return nil, fmt.Errorf("stage %q backoff must be positive", def.Name)
		}
		if !def.Priority.Valid() {
			return nil, fmt.Errorf("stage %q has unknown priority class %q", def.Name, def.Priority)
		}
		byName[def.Name] = i
	}

	dependents := make(map[string][]string, len(defs))
	for _, def := range defs {
		for _, dep := range def.DependsOn {
			if dep == def.Name {
				return nil, fmt.Errorf("stage %q depends on itself", def.Name)
			}
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on %w %q", def.Name, ErrUnknownStage, dep)
			}
			dependents[dep] = append(dependents[dep], def.Name)
		}
	}

	p := &Pipeline{defs: defs, byName: byName, dependents: dependents}
	if err := p.checkAcyclic(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency edges.
func (p *Pipeline) checkAcyclic() error {
	indegree := make(map[string]int, len(p.defs))
	for _, def := range p.defs {
		indegree[def.Name] = len(def.DependsOn)
	}
	var ready []string
	for _, def := range p.defs {
		if indegree[def.Name] == 0 {
			ready = append(ready, def.Name)
		}
	}
	visited := 0
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		visited++
		for _, dependent := range p.dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if visited != len(p.defs) {
		var cyclic []string
		for name, degree := range indegree {
			if degree > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("stage dependency cycle involving %v", cyclic)
	}
	return nil
}

// Route maps a stage to its queue and priority class. Pure lookup; the same
// stage always routes identically.
func (p *Pipeline) Route(stage string) (string, task.Priority, error) {
	idx, ok := p.byName[stage]
	if !ok {
		return "", "", fmt.Errorf("route: %w %q", ErrUnknownStage, stage)
	}
	def := p.defs[idx]
	return def.Queue, def.Priority, nil
}

// Definition returns the named stage definition.
func (p *Pipeline) Definition(stage string) (Definition, bool) {
	idx, ok := p.byName[stage]
	if !ok {
		return Definition{}, false
	}
	return p.defs[idx], true
}

// Definitions returns all stages in declaration order.
func (p *Pipeline) Definitions() []Definition {
	return append([]Definition(nil), p.defs...)
}

// StageNames returns all stage names in declaration order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.defs))
	for i, def := range p.defs {
		names[i] = def.Name
	}
	return names
}

// Terminal returns the stages nothing depends on, in declaration order.
func (p *Pipeline) Terminal() []Definition {
	var out []Definition
	for _, def := range p.defs {
		if len(p.dependents[def.Name]) == 0 {
			out = append(out, def)
		}
	}
	return out
}

// Dependents returns the stages that list the given stage as a dependency.
func (p *Pipeline) Dependents(stage string) []string {
	return append([]string(nil), p.dependents[stage]...)
}

// Subgraph resolves the stages a job actually needs: the required stages plus
// the transitive closure of their dependencies. An empty required set selects
// the whole pipeline.
func (p *Pipeline) Subgraph(required []string) (map[string]bool, error) {
	scope := make(map[string]bool, len(p.defs))
	if len(required) == 0 {
		for _, def := range p.defs {
			scope[def.Name] = true
		}
		return scope, nil
	}
	var walk func(name string) error
	walk = func(name string) error {
		idx, ok := p.byName[name]
		if !ok {
			return fmt.Errorf("required stage: %w %q", ErrUnknownStage, name)
		}
		if scope[name] {
			return nil
		}
		scope[name] = true
		for _, dep := range p.defs[idx].DependsOn {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range required {
		if err := walk(name); err != nil {
			return nil, err
		}
	}
	return scope, nil
}
