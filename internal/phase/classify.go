package phase

import (
	"context"

	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
)

// runClassifier asks for a single task label. Any failure yields nil; the
// classifier never fails the calling phase.
func (e *Executor) runClassifier(ctx context.Context, s *state.Store, prompt string) (*models.TaskType, map[string]any) {
	resp, err := e.invoke(ctx, s, models.PhaseClassify, "classify.md", template.Positional(prompt), models.TierSmall)
	fields := responseFields(resp)
	var tt *models.TaskType
	if err == nil {
		tt = parseTaskType(resp.Output)
		if tt == nil {
			fields["reply"] = abbreviate(resp.Output)
		}
	} else {
		fields["error"] = err.Error()
	}
	fields["task_type"] = tt
	if tt == nil {
		e.console.Warn("classifier gave no usable label; task type left empty")
		e.log.Warn("classification failed", "run_id", s.Run().ID, "error", err)
	} else {
		e.console.Info("classified as %s", *tt)
	}
	return tt, fields
}

// classifyForPlan runs the classifier as part of Plan, recording its
// summary without touching phase_history.
func (e *Executor) classifyForPlan(ctx context.Context, s *state.Store, prompt string) *models.TaskType {
	tt, fields := e.runClassifier(ctx, s, prompt)
	if err := s.Workspace().WriteSummary(models.PhaseClassify, tt != nil, fields); err != nil {
		e.log.Warn("write classifier summary", "error", err)
	}
	return tt
}

// Classify labels a run's prompt as a standalone phase. With a prompt and
// no run to resume it starts a new run, so `adw classify "..." | adw plan`
// works.
func (e *Executor) Classify(ctx context.Context, prompt string) (*models.Run, error) {
	s, err := e.planStore(prompt)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, s, models.PhaseClassify, func(ctx context.Context, s *state.Store) (outcome, error) {
		tt, fields := e.runClassifier(ctx, s, s.Run().Prompt)
		if ctx.Err() != nil {
			return outcome{fields: fields}, ctx.Err()
		}
		delete(fields, "error")
		if tt != nil {
			s.Update(func(r *models.Run) { r.TaskType = tt })
		}
		return outcome{success: tt != nil, fields: fields}, nil
	})
}
