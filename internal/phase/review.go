package phase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/adw/internal/apperr"
	"github.com/mpataki/adw/internal/models"
	"github.com/mpataki/adw/internal/state"
	"github.com/mpataki/adw/internal/template"
	"github.com/mpataki/adw/internal/workspace"
)

// Review asks the reviewer for findings. While blockers remain and the
// blocker budget allows, each round invokes the resolver once per blocker
// and then reviews again. Review succeeds iff no blockers remain.
func (e *Executor) Review(ctx context.Context) (*models.Run, error) {
	s, err := e.resolve(models.PhaseReview)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, s, models.PhaseReview, func(ctx context.Context, s *state.Store) (outcome, error) {
		run := s.Run()
		ws := s.Workspace()
		plan := planParam(run)
		if err := os.MkdirAll(ws.ReviewImgPath(), 0755); err != nil {
			return outcome{}, fmt.Errorf("create review_img: %w", err)
		}

		review := func() (*models.ReviewFindings, *models.AgentResponse, error) {
			resp, err := e.invoke(ctx, s, models.PhaseReview, "review.md", template.Positional(run.ID, plan, ws.ReviewImgPath()), e.opts.Model)
			if err != nil {
				return nil, resp, err
			}
			rf, err := parseFindings(resp.Output)
			if err != nil {
				return nil, resp, apperr.Agent("review", err, resp.TranscriptPath)
			}
			return rf, resp, nil
		}

		findings, resp, err := review()
		if err != nil {
			return outcome{fields: responseFields(resp)}, err
		}
		attempts, rounds := 0, 0
		for findings.Blockers > 0 && rounds < e.opts.BlockerBudget {
			rounds++
			blockers := findings.BlockerFindings()
			for i, b := range blockers {
				e.console.Warn("blocker %d/%d (round %d/%d): %s", i+1, len(blockers), rounds, e.opts.BlockerBudget, abbreviate(b.Description))
				attempts++
				if _, err := e.invoke(ctx, s, models.PhaseReview, "resolve_blocker.md", template.Positional(run.ID, plan, toJSON(b)), e.opts.Model); err != nil {
					findings.ResolutionAttempts = attempts
					s.Update(func(r *models.Run) { r.ReviewFindings = findings })
					return outcome{fields: map[string]any{"resolution_attempts": attempts}}, err
				}
			}
			next, r, err := review()
			if err != nil {
				return outcome{fields: responseFields(r)}, err
			}
			findings, resp = next, r
		}
		findings.ResolutionAttempts = attempts
		collectScreenshots(run.WorkingDir, ws.ReviewImgPath(), findings, e.log)
		s.Update(func(r *models.Run) { r.ReviewFindings = findings })

		fields := responseFields(resp)
		fields["summary"] = findings.Summary
		fields["blockers"] = findings.Blockers
		fields["warnings"] = findings.Warnings
		fields["infos"] = findings.Infos
		fields["findings"] = findings.Findings
		fields["rounds"] = rounds
		fields["resolution_attempts"] = attempts
		fields["blocker_budget"] = e.opts.BlockerBudget

		if findings.Blockers > 0 {
			return outcome{fields: fields}, fmt.Errorf("%w: %d blocker(s) after %d resolution attempt(s)", ErrBlockersRemain, findings.Blockers, attempts)
		}
		e.console.Info("%d warning(s), %d info", findings.Warnings, findings.Infos)
		return outcome{success: true, fields: fields}, nil
	})
}

// collectScreenshots copies screenshots a finding references into imgDir
// and rewrites the references relative to workDir.
func collectScreenshots(workDir, imgDir string, rf *models.ReviewFindings, log *slog.Logger) {
	for i := range rf.Findings {
		for j, shot := range rf.Findings[i].Screenshots {
			src := workspace.Absolute(workDir, shot)
			dst := src
			if !strings.HasPrefix(src, imgDir+string(filepath.Separator)) {
				dst = filepath.Join(imgDir, filepath.Base(src))
				if err := copyFile(src, dst); err != nil {
					log.Warn("collect screenshot", "path", shot, "error", err)
					continue
				}
			}
			rf.Findings[i].Screenshots[j] = workspace.Relative(workDir, dst)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
