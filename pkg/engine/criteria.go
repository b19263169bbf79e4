package engine

// EvaluateSuccess applies the success criteria to the recorded step results
// and returns the overall verdict. Pure function, called once after the
// scheduler finishes or halts.
//
// RequireAllSuccess demands zero failures and short-circuits everything else.
// Otherwise the verdict is the conjunction of the applicable criteria: no
// critical step failed; and either MinimumSuccessCount is set and met, or
// every failure is covered by AllowedFailures. With no criteria configured
// the verdict is simply "no failures".
func EvaluateSuccess(results []StepResult, criteria SuccessCriteria) bool {
	var succeeded int
	failed := make(map[string]bool)
	for _, r := range results {
		if r.Succeeded {
			succeeded++
		} else {
			failed[r.StepTarget] = true
		}
	}

	if criteria.RequireAllSuccess {
		return len(failed) == 0
	}

	for _, target := range criteria.CriticalSteps {
		if failed[target] {
			return false
		}
	}

	if criteria.MinimumSuccessCount != nil {
		return succeeded >= *criteria.MinimumSuccessCount
	}

	allowed := make(map[string]bool, len(criteria.AllowedFailures))
	for _, target := range criteria.AllowedFailures {
		allowed[target] = true
	}
	for target := range failed {
		if !allowed[target] {
			return false
		}
	}
	return true
}

// Summarize aggregates step counts for a run. skipped is the number of steps
// the playbook defines that were never invoked because the run halted.
func Summarize(completed, failed []StepResult, skipped int) RunSummary {
	s := RunSummary{
		Total:   len(completed) + len(failed),
		Skipped: skipped,
	}
	for _, r := range completed {
		s.Succeeded++
		if r.AttemptNumber > 1 {
			s.Retried++
		}
	}
	for _, r := range failed {
		s.Failed++
		if r.AttemptNumber > 1 {
			s.Retried++
		}
	}
	return s
}
