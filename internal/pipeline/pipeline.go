// Package pipeline turns a YAML pipeline definition into sequencer stages
// and handles the post-run delivery of whatever reports the stages produced.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"scanrelay/internal/config"
	"scanrelay/internal/domain"
	"scanrelay/internal/sequencer"
)

// BuildStages converts stage configs into executable stages. Each stage runs
// its command with the stage context; a stage that declares a report loads
// the file into reports after the command succeeds.
func BuildStages(cfgs []config.StageConfig, reports *ReportSet, logger *slog.Logger) ([]sequencer.Stage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stages := make([]sequencer.Stage, 0, len(cfgs))
	for _, sc := range cfgs {
		policy, err := parsePolicy(sc.Policy)
		if err != nil {
			return nil, fmt.Errorf("%w: stage %q: %v", domain.ErrConfig, sc.Name, err)
		}
		if len(sc.Command) == 0 {
			return nil, fmt.Errorf("%w: stage %q has no command", domain.ErrConfig, sc.Name)
		}

		var deadline time.Duration
		if sc.Deadline != "" {
			deadline, err = time.ParseDuration(sc.Deadline)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %q deadline: %v", domain.ErrConfig, sc.Name, err)
			}
		}

		stages = append(stages, sequencer.Stage{
			Name:     sc.Name,
			Policy:   policy,
			Deadline: deadline,
			Action:   stageAction(sc, reports, logger),
		})
	}
	return stages, nil
}

func parsePolicy(s string) (sequencer.GatingPolicy, error) {
	switch sequencer.GatingPolicy(s) {
	case sequencer.Blocking, sequencer.NonBlocking, sequencer.TimeBoxed:
		return sequencer.GatingPolicy(s), nil
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

func stageAction(sc config.StageConfig, reports *ReportSet, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, sc.Command[0], sc.Command[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		logger.Info("stage command starting",
			slog.String("stage", sc.Name),
			slog.Any("command", sc.Command))
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("stage command: %w", err)
		}

		if sc.Report == nil {
			return nil
		}
		payload, err := os.ReadFile(sc.Report.Path)
		if err != nil {
			// A declared report that never materialized is a stage failure;
			// the stage's gating policy decides whether it matters.
			return fmt.Errorf("declared report %s missing: %w", sc.Report.Path, err)
		}
		reports.Add(domain.Report{
			Kind:       domain.ScanType(sc.Report.Kind),
			Format:     sc.Report.Format,
			Payload:    payload,
			ProducedAt: time.Now().UTC(),
		})
		return nil
	}
}
