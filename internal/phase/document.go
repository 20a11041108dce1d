package phase

import (
	"context"
	"fmt"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
	"github.com/mpataki/adw/internal/workspace"
)

// Document asks the documenter for a documentation file. A run whose
// document already exists on disk is not re-documented unless Force is set.
func (e *Executor) Document(ctx context.Context) (*models.Run, error) {
	s, err := e.resolve(models.PhaseDocument)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, s, models.PhaseDocument, func(ctx context.Context, s *state.Store) (outcome, error) {
		run := s.Run()
		ws := s.Workspace()

		if run.DocumentPath != nil && !e.opts.Force && fileExists(workspace.Absolute(run.WorkingDir, *run.DocumentPath)) {
			e.console.Info("documentation already at %s", *run.DocumentPath)
			return outcome{success: true, fields: map[string]any{
				"document_path": *run.DocumentPath,
				"skipped":       true,
				"verified":      true,
			}}, nil
		}

		shots := "(none)"
		if ws.HasReviewImages() {
			shots = ws.ReviewImgPath()
		}
		resp, err := e.invoke(ctx, s, models.PhaseDocument, "document.md", template.Positional(run.ID, planParam(run), shots), e.opts.Model)
		fields := responseFields(resp)
		if err != nil {
			return outcome{fields: fields}, err
		}
		path := extractPath(resp.Output)
		if path == "" {
			return outcome{fields: fields}, apperr.Agent("document", fmt.Errorf("%w: reply named no document", ErrParseOutput), resp.TranscriptPath)
		}
		rel := workspace.Relative(run.WorkingDir, path)
		s.Update(func(r *models.Run) { r.DocumentPath = models.Str(rel) })
		fields["document_path"] = rel
		fields["screenshots_dir"] = shots

		out := outcome{success: true, fields: fields}
		if fileExists(workspace.Absolute(run.WorkingDir, rel)) {
			fields["verified"] = true
		} else {
			out.warn = apperr.Phase("document", fmt.Errorf("document %s does not exist", rel))
		}
		return out, nil
	})
}
