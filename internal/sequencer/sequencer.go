// Package sequencer executes an ordered list of named pipeline stages, each
// with an explicit gating policy deciding whether its failure aborts the run.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scanrelay/internal/domain"
)

// GatingPolicy decides how a stage failure affects the run.
type GatingPolicy string

const (
	// Blocking aborts the run immediately on failure; no later stage runs.
	Blocking GatingPolicy = "blocking"
	// NonBlocking records the failure and continues with the next stage.
	NonBlocking GatingPolicy = "non_blocking"
	// TimeBoxed behaves like Blocking and additionally treats exceeding the
	// stage deadline as a failure, regardless of the action's completion
	// state.
	TimeBoxed GatingPolicy = "time_boxed"
)

// Stage is one named unit of pipeline work.
type Stage struct {
	Name     string
	Policy   GatingPolicy
	Deadline time.Duration // required for TimeBoxed, ignored otherwise
	Action   func(ctx context.Context) error
}

// StageStatus is the recorded outcome of a single stage.
type StageStatus string

const (
	StagePassed   StageStatus = "PASSED"
	StageFailed   StageStatus = "FAILED"
	StageTimedOut StageStatus = "TIMED_OUT"
)

// StageResult is appended to the run log after each executed stage. It is
// informational and carries no control-flow weight.
type StageResult struct {
	Name     string
	Policy   GatingPolicy
	Status   StageStatus
	Duration time.Duration
	Err      error
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "SUCCEEDED"
	RunAborted   RunStatus = "ABORTED"
)

// RunOutcome reports how far a run got and what each executed stage did.
// A NonBlocking failure leaves Status at RunSucceeded; only Blocking and
// TimeBoxed failures abort.
type RunOutcome struct {
	Status    RunStatus
	AbortedAt string // name of the aborting stage, empty when RunSucceeded
	Results   []StageResult
}

// Sequencer runs stages strictly in order, single-threaded by contract:
// ordering is a correctness property here (a quality gate must complete
// before deployment-affecting work proceeds).
type Sequencer struct {
	logger *slog.Logger
}

// New creates a Sequencer. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{logger: logger}
}

// Validate rejects malformed stage lists before any stage runs: empty names,
// nil actions, duplicate names, unknown policies, and TimeBoxed stages
// without a positive deadline.
func Validate(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: no stages defined", domain.ErrConfig)
	}
	seen := make(map[string]struct{}, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", domain.ErrConfig, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate stage name %q", domain.ErrConfig, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Action == nil {
			return fmt.Errorf("%w: stage %q has no action", domain.ErrConfig, s.Name)
		}
		switch s.Policy {
		case Blocking, NonBlocking:
		case TimeBoxed:
			if s.Deadline <= 0 {
				return fmt.Errorf("%w: time_boxed stage %q needs a positive deadline", domain.ErrConfig, s.Name)
			}
		default:
			return fmt.Errorf("%w: stage %q has unknown policy %q", domain.ErrConfig, s.Name, s.Policy)
		}
	}
	return nil
}

// Run executes stages in order and applies each stage's gating policy to its
// outcome. It returns an error only for configuration problems or parent
// context cancellation; an aborted run is reported through the outcome, not
// the error.
func (s *Sequencer) Run(ctx context.Context, stages []Stage) (RunOutcome, error) {
	if err := Validate(stages); err != nil {
		return RunOutcome{}, err
	}

	outcome := RunOutcome{Status: RunSucceeded, Results: make([]StageResult, 0, len(stages))}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return outcome, fmt.Errorf("run cancelled before stage %q: %w", stage.Name, err)
		}

		res := s.runStage(ctx, stage)
		outcome.Results = append(outcome.Results, res)

		if res.Status == StagePassed {
			s.logger.Info("stage passed",
				slog.String("stage", stage.Name),
				slog.Duration("duration", res.Duration))
			continue
		}

		s.logger.Warn("stage failed",
			slog.String("stage", stage.Name),
			slog.String("policy", string(stage.Policy)),
			slog.String("status", string(res.Status)),
			slog.Duration("duration", res.Duration),
			slog.String("error", errString(res.Err)))

		if stage.Policy == NonBlocking {
			continue
		}

		outcome.Status = RunAborted
		outcome.AbortedAt = stage.Name
		break
	}

	return outcome, nil
}

func (s *Sequencer) runStage(ctx context.Context, stage Stage) StageResult {
	runCtx := ctx
	if stage.Policy == TimeBoxed {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, stage.Deadline)
		defer cancel()
	}

	start := time.Now()
	err := stage.Action(runCtx)
	elapsed := time.Since(start)

	res := StageResult{Name: stage.Name, Policy: stage.Policy, Duration: elapsed}
	switch {
	case err == nil && runCtx.Err() == nil:
		res.Status = StagePassed
	case stage.Policy == TimeBoxed && runCtx.Err() == context.DeadlineExceeded:
		// Completion after the deadline counts for nothing.
		res.Status = StageTimedOut
		res.Err = fmt.Errorf("stage %q exceeded deadline %s", stage.Name, stage.Deadline)
	default:
		res.Status = StageFailed
		res.Err = err
		if err == nil {
			res.Err = runCtx.Err()
		}
	}
	return res
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
