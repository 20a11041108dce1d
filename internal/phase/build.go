package phase

import (
	"context"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
)

// Build implements the run's plan.
func (e *Executor) Build(ctx context.Context) (*models.Run, error) {
	s, err := e.resolve(models.PhaseBuild)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, s, models.PhaseBuild, func(ctx context.Context, s *state.Store) (outcome, error) {
		run := s.Run()
		if run.PlanFile == nil {
			return outcome{}, apperr.UserInput("build", ErrNoPlan, usage(models.PhaseBuild))
		}
		resp, err := e.invoke(ctx, s, models.PhaseBuild, "implement.md", template.Positional(run.ID, *run.PlanFile), e.opts.Model)
		fields := responseFields(resp)
		if err != nil {
			return outcome{fields: fields}, err
		}
		fields["result"] = abbreviate(resp.Output)
		return outcome{success: true, fields: fields}, nil
	})
}
