package phase

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
)

// Test runs the test template and, while tests fail and the fix budget
// allows, the auto-fix template. The fix template both fixes and re-runs the
// suite, so one Test phase makes at most 1+FixBudget invocations.
func (e *Executor) Test(ctx context.Context) (*models.Run, error) {
	s, err := e.resolve(models.PhaseTest)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, s, models.PhaseTest, func(ctx context.Context, s *state.Store) (outcome, error) {
		run := s.Run()
		plan := planParam(run)
		budget := e.opts.FixBudget
		if budget < 0 {
			budget = 0
		}

		resp, err := e.invoke(ctx, s, models.PhaseTest, "test.md", template.Positional(run.ID, plan), e.opts.Model)
		invocations := 1
		fields := responseFields(resp)
		if err != nil {
			return outcome{fields: fields}, err
		}
		results, err := parseTestResults(resp.Output)
		if err != nil {
			return outcome{fields: fields}, apperr.Agent("test", err, resp.TranscriptPath)
		}

		for fix := 1; results.Failed > 0 && fix <= budget; fix++ {
			e.console.Warn("%d test(s) failing, auto-fix %d/%d", results.Failed, fix, budget)
			params := template.Positional(run.ID, plan, toJSON(results.Failures), strconv.Itoa(fix))
			resp, err = e.invoke(ctx, s, models.PhaseTest, "resolve_failed_tests.md", params, e.opts.Model)
			invocations++
			if err != nil {
				e.recordTests(s, results, invocations)
				return outcome{fields: fields}, err
			}
			next, err := parseTestResults(resp.Output)
			if err != nil {
				e.recordTests(s, results, invocations)
				return outcome{fields: fields}, apperr.Agent("test auto-fix", err, resp.TranscriptPath)
			}
			results = next
		}

		e.recordTests(s, results, invocations)
		for k, v := range responseFields(resp) {
			fields[k] = v
		}
		fields["passed"] = results.Passed
		fields["failed"] = results.Failed
		fields["failures"] = results.Failures
		fields["invocations"] = invocations
		fields["fix_budget"] = budget
		fields["budget_exhausted"] = results.BudgetExhausted

		if results.Failed > 0 {
			return outcome{fields: fields}, fmt.Errorf("%w: %d failing after %d fix attempt(s)", ErrTestsFailed, results.Failed, invocations-1)
		}
		e.console.Info("%d passed, 0 failed", results.Passed)
		return outcome{success: true, fields: fields}, nil
	})
}

func (e *Executor) recordTests(s *state.Store, results *models.TestResults, invocations int) {
	results.Attempts = invocations
	results.BudgetExhausted = results.Failed > 0
	s.Update(func(r *models.Run) { r.TestResults = results })
}
