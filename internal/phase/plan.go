package phase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
	"github.com/mpataki/adw/internal/workspace"
)

// Plan creates a run for prompt (or resumes one given by --run-id or piped
// on stdin when no prompt is given), classifies it if needed and asks the
// planner for a plan document.
func (e *Executor) Plan(ctx context.Context, prompt string) (*models.Run, error) {
	s, err := e.planStore(prompt)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, s, models.PhasePlan, func(ctx context.Context, s *state.Store) (outcome, error) {
		run := s.Run()
		fields := map[string]any{}

		taskType := e.opts.TaskType
		if taskType == nil {
			taskType = run.TaskType
		}
		if taskType == nil {
			taskType = e.classifyForPlan(ctx, s, run.Prompt)
			if ctx.Err() != nil {
				return outcome{fields: fields}, apperr.Cancelled("classify")
			}
		}
		s.Update(func(r *models.Run) { r.TaskType = taskType })

		tmpl := string(models.TaskFeature) + ".md"
		label := ""
		if taskType != nil {
			tmpl = string(*taskType) + ".md"
			label = string(*taskType)
		}
		fields["task_type"] = taskType

		resp, err := e.invoke(ctx, s, models.PhasePlan, tmpl, template.Positional(run.ID, run.Prompt, label), e.opts.Model)
		for k, v := range responseFields(resp) {
			fields[k] = v
		}
		if err != nil {
			return outcome{fields: fields}, err
		}

		path := extractPath(resp.Output)
		if path == "" {
			return outcome{fields: fields}, apperr.Agent("plan", fmt.Errorf("%w: reply named no plan file", ErrParseOutput), resp.TranscriptPath)
		}
		rel := workspace.Relative(run.WorkingDir, path)
		s.SetPlanFile(rel)
		fields["plan_file"] = rel

		out := outcome{success: true, fields: fields}
		if fileExists(workspace.Absolute(run.WorkingDir, rel)) {
			fields["verified"] = true
		} else {
			out.warn = apperr.Phase("plan", fmt.Errorf("plan file %s does not exist", rel))
		}
		return out, nil
	})
}

func (e *Executor) planStore(prompt string) (*state.Store, error) {
	prompt = strings.TrimSpace(prompt)
	if e.opts.RunID != "" || (prompt == "" && e.opts.Stdin != nil) {
		s, err := e.resolve(models.PhasePlan)
		if err != nil {
			return nil, err
		}
		if prompt != "" {
			s.Update(func(r *models.Run) { r.Prompt = prompt })
		}
		return s, nil
	}
	if prompt == "" {
		return nil, apperr.UserInput("plan", errors.New("a prompt is required"), usage(models.PhasePlan))
	}
	s, err := state.Create(e.opts.WorkDir, prompt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return s, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
