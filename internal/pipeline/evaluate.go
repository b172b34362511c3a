package pipeline

// StageOutcome is a terminal per-stage result recorded for a job.
type StageOutcome string

const (
	OutcomeSucceeded    StageOutcome = "succeeded"
	OutcomeDeadLettered StageOutcome = "dead_lettered"
	OutcomeSkipped      StageOutcome = "skipped"
)

// Phase is the job-level status derived from stage outcomes.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseDegraded  Phase = "partial_failure"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// JobView is the snapshot Evaluate works from: which stages the job needs,
// which have terminal outcomes, and which have an attempt in flight.
type JobView struct {
	Scope    map[string]bool
	Outcomes map[string]StageOutcome
	InFlight map[string]bool
}

// Evaluation is the result of one scheduling decision for a job.
type Evaluation struct {
	// Eligible lists stages whose dependencies are all satisfied and which
	// have neither a terminal outcome nor an attempt in flight, in
	// declaration order. Empty when the job has failed.
	Eligible []Definition

	// Skip lists stages that can never run because an ancestor
	// dead-lettered or was skipped, in declaration order.
	Skip []string

	Phase        Phase
	FailingStage string
}

// Evaluate computes the next scheduling decision for a job. It is pure: the
// caller applies the decision (emitting envelopes, recording skips, updating
// job status) under its own serialization.
func (p *Pipeline) Evaluate(view JobView) Evaluation {
	blocked := make(map[string]bool, len(p.defs))
	var isBlocked func(name string) bool
	isBlocked = func(name string) bool {
		if v, ok := blocked[name]; ok {
			return v
		}
		// Pre-set to break would-be cycles; New guarantees none exist.
		blocked[name] = false
		idx := p.byName[name]
		for _, dep := range p.defs[idx].DependsOn {
			switch view.Outcomes[dep] {
			case OutcomeDeadLettered, OutcomeSkipped:
				blocked[name] = true
				return true
			}
			if isBlocked(dep) {
				blocked[name] = true
				return true
			}
		}
		return false
	}

	var eval Evaluation
	remaining := 0
	degraded := false
	for _, def := range p.defs {
		if !view.Scope[def.Name] {
			continue
		}
		if outcome, ok := view.Outcomes[def.Name]; ok {
			switch outcome {
			case OutcomeDeadLettered:
				if def.Critical && eval.FailingStage == "" {
					eval.FailingStage = def.Name
				}
				degraded = true
			case OutcomeSkipped:
				degraded = true
			}
			continue
		}
		if view.InFlight[def.Name] {
			remaining++
			continue
		}
		if isBlocked(def.Name) {
			eval.Skip = append(eval.Skip, def.Name)
			degraded = true
			continue
		}
		satisfied := true
		for _, dep := range def.DependsOn {
			if view.Outcomes[dep] != OutcomeSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			eval.Eligible = append(eval.Eligible, def)
		} else {
			remaining++
		}
	}

	switch {
	case eval.FailingStage != "":
		eval.Phase = PhaseFailed
		eval.Eligible = nil
	case remaining == 0 && len(eval.Eligible) == 0:
		eval.Phase = PhaseCompleted
	case degraded:
		eval.Phase = PhaseDegraded
	default:
		eval.Phase = PhaseRunning
	}
	return eval
}
