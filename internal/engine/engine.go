// Package engine implements the orchestrator: the verification-gated step
// loop that drives automations against borrowed browser sessions, persists
// checkpoints after each confirmed step, and classifies failures into
// retry vs. abort.
//
// A run moves Pending → Running → {Completed | Failed | Paused}. Paused is
// entered only on an external cancellation signal, honored at step
// boundaries; transient step failures retry within the step's budget. A
// checkpoint is written only after the step's postcondition was confirmed,
// so a crash between action and checkpoint resumes by re-verifying the
// same step rather than trusting an unconfirmed effect.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/config"
	"github.com/chromeflow/chromeflow/internal/faults"
	"github.com/chromeflow/chromeflow/internal/logger"
	"github.com/chromeflow/chromeflow/internal/script"
)

// Engine orchestrates run execution. Multiple runs may execute
// concurrently, each owning its borrowed session; within one run, steps
// are strictly sequential because postconditions gate progression.
type Engine struct {
	cfg      *config.Config
	pool     SessionPool
	verifier Verifier
	store    *checkpoint.Store
	scripts  *script.Store

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an Engine.
func New(cfg *config.Config, pool SessionPool, verifier Verifier, store *checkpoint.Store, scripts *script.Store) *Engine {
	return &Engine{
		cfg:      cfg,
		pool:     pool,
		verifier: verifier,
		store:    store,
		scripts:  scripts,
		active:   make(map[string]context.CancelFunc),
	}
}

// StartRun resolves automationName and executes (or resumes) it under
// runID. An empty runID starts a fresh run under a generated identity;
// reusing an identity is what opts into resume.
func (e *Engine) StartRun(ctx context.Context, automationName, runID string) (*Result, error) {
	automation, err := e.scripts.Get(automationName)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, automation, runID)
}

// Cancel signals the named run to pause at its next step boundary.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.active[runID]
	if ok {
		cancel()
	}
	return ok
}

// Execute runs automation under runID until a terminal status. The
// returned Result is non-nil whenever the run was admitted; the error
// return is reserved for refusing the run outright (duplicate identity in
// flight, checkpoint store failure, script-shape mismatch).
func (e *Engine) Execute(ctx context.Context, automation *script.Automation, runID string) (*Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	runCtx, err := e.admit(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer e.retire(runID)

	cp, err := e.store.Load(runCtx, runID)
	if err != nil {
		return nil, err
	}
	if cp.Status == checkpoint.StatusCompleted {
		// Completed runs are never re-executed.
		return &Result{
			RunID:      runID,
			Automation: automation.Name,
			Status:     checkpoint.StatusCompleted,
			LastIndex:  cp.LastIndex,
		}, nil
	}
	if cp.Version != "" && cp.Version != automation.Version {
		return nil, fmt.Errorf("run %s was checkpointed against %s version %s, script is now version %s",
			runID, cp.Automation, cp.Version, automation.Version)
	}

	result := &Result{
		RunID:      runID,
		Automation: automation.Name,
		LastIndex:  cp.LastIndex,
	}
	startedAt := time.Now()
	start := cp.LastIndex + 1

	log := logger.WithFields(map[string]interface{}{
		"run_id":     runID,
		"automation": automation.Name,
	})
	if start > 0 {
		log.WithField("start_index", start).Info("resuming run from checkpoint")
	} else {
		log.Info("starting run")
	}

	if err := e.writeCheckpoint(runCtx, result, automation, cp.LastIndex, checkpoint.StatusRunning); err != nil {
		return nil, err
	}

	lastIndex := len(automation.Steps) - 1
	for i := start; i <= lastIndex; i++ {
		// Cancellation is honored only here, at the step boundary.
		if runCtx.Err() != nil {
			return e.pause(runCtx, result, automation, log)
		}

		step := &automation.Steps[i]
		stepLog := log.WithFields(map[string]interface{}{
			"step":   step.Label(i),
			"index":  i,
			"action": step.Action,
		})
		stepLog.Info("executing step")

		stepStart := time.Now()
		attempts, err := e.runStep(runCtx, runID, i, step, result)
		if err != nil {
			if runCtx.Err() != nil {
				return e.pause(runCtx, result, automation, log)
			}
			if faults.Classify(err) == faults.ClassEnvironment {
				stepLog.WithField("error", err).Error("setup failure, surfacing without retry")
				result.Status = checkpoint.StatusRunning
				result.SetupErr = err
				return result, nil
			}
			return e.fail(runCtx, result, automation, startedAt, err, stepLog)
		}

		status := checkpoint.StatusRunning
		if i == lastIndex {
			status = checkpoint.StatusCompleted
		}
		if err := e.writeCheckpoint(runCtx, result, automation, i, status); err != nil {
			return nil, err
		}
		result.LastIndex = i
		result.Timings = append(result.Timings, checkpoint.StepTiming{
			Index:    i,
			Name:     step.Label(i),
			Duration: time.Since(stepStart),
			Attempts: attempts,
		})
		stepLog.WithField("attempts", attempts).Info("step confirmed")
	}

	result.Status = checkpoint.StatusCompleted
	e.writeReport(result, automation, startedAt)
	log.Info("run completed")
	return result, nil
}

// runStep executes one step with retry accounting. It returns the number
// of attempts made; on error the step is unrecoverable for this run.
func (e *Engine) runStep(ctx context.Context, runID string, index int, step *script.Step, result *Result) (int, error) {
	budget := step.Budget(e.cfg.RetryBudget)

	for attempt := 1; ; attempt++ {
		err := e.attemptStep(ctx, index, step)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		if step.NonRetryable && faults.Classify(err) == faults.ClassTransient {
			err = faults.New(faults.KindActionContractViolation, err)
		}

		record := faults.NewRecord(runID, index, attempt, err)
		if appendErr := e.store.AppendFailure(context.WithoutCancel(ctx), record); appendErr != nil {
			logger.WithField("error", appendErr).Error("failed to persist failure record")
		}
		result.Failures = append(result.Failures, record)

		switch faults.Classify(err) {
		case faults.ClassEnvironment, faults.ClassFatal:
			return attempt, err
		}
		if attempt > budget {
			return attempt, faults.New(faults.KindActionContractViolation,
				fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, err))
		}
		logger.WithFields(map[string]interface{}{
			"run_id":  runID,
			"index":   index,
			"attempt": attempt,
			"error":   err,
		}).Warn("transient step failure, retrying")
	}
}

// attemptStep borrows a session for exactly one attempt: verify the
// precondition, execute the action, verify the postcondition. The session
// is returned before any checkpoint is written.
func (e *Engine) attemptStep(ctx context.Context, index int, step *script.Step) error {
	session, err := e.pool.Acquire(ctx, "")
	if err != nil {
		return err
	}
	defer e.pool.Release(session)

	timeout := step.Timeout(e.cfg.StepTimeout)

	if step.Pre != nil {
		if _, err := e.pollMatch(ctx, session, step.Pre, timeout, faults.KindPreconditionTimeout); err != nil {
			return err
		}
	}

	// The action itself runs on a detached context so an external cancel
	// never interrupts it mid-action; cancellation lands at the next
	// step boundary.
	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := e.executeAction(actionCtx, ctx, session, step, timeout); err != nil {
		return err
	}

	if step.Post != nil {
		if _, err := e.pollMatch(ctx, session, step.Post, timeout, faults.KindPostconditionTimeout); err != nil {
			return err
		}
	}
	return nil
}

// executeAction dispatches over the closed action-kind set.
func (e *Engine) executeAction(actionCtx, pollCtx context.Context, session Session, step *script.Step, timeout time.Duration) error {
	switch step.Action {
	case script.ActionNavigate:
		return session.Navigate(actionCtx, step.Target)

	case script.ActionClick:
		if step.Selector != "" {
			return session.ClickSelector(actionCtx, step.Selector)
		}
		// Click-at-match: locate the template on screen, then click the
		// center of the matched region.
		match, err := e.pollMatch(pollCtx, session, step.Match, timeout, faults.KindPreconditionTimeout)
		if err != nil {
			return err
		}
		x := match.Region.X + match.Region.Width/2
		y := match.Region.Y + match.Region.Height/2
		return session.ClickAt(actionCtx, x, y)

	case script.ActionType:
		return session.Type(actionCtx, step.Selector, step.Text, step.PressEnter)

	case script.ActionWaitForMatch:
		_, err := e.pollMatch(pollCtx, session, step.Match, timeout, faults.KindPostconditionTimeout)
		return err

	case script.ActionScroll:
		return session.Scroll(actionCtx, step.Direction, step.Pixels)

	case script.ActionScreenshot:
		name := step.Target
		if name == "" {
			name = "capture"
		}
		path := filepath.Join(e.cfg.ScreenshotDir,
			fmt.Sprintf("%s_%s.png", name, time.Now().UTC().Format("20060102_150405")))
		return session.ScreenshotToFile(actionCtx, path)

	case script.ActionCustom:
		return session.Eval(actionCtx, step.Target)

	default:
		return faults.Newf(faults.KindActionContractViolation, "unknown action kind: %s", step.Action)
	}
}

// pollMatch captures frames and verifies them against spec at the
// configured interval until matched, the timeout elapses, or ctx is
// cancelled. The first poll is immediate. "Never matched in time" comes
// back as a fault of timeoutKind; verifier engine faults pass through.
func (e *Engine) pollMatch(ctx context.Context, session Session, spec *script.MatchSpec, timeout time.Duration, timeoutKind faults.Kind) (MatchOutcome, error) {
	deadline := time.Now().Add(timeout)

	for {
		frame, err := session.Screenshot(ctx)
		if err != nil {
			return MatchOutcome{}, err
		}
		result, err := e.verifier.Verify(ctx, frame, spec)
		if err != nil {
			return MatchOutcome{}, err
		}
		if result.Matched {
			region := result.Region
			if region == nil {
				region = &script.Region{}
			}
			return MatchOutcome{Region: region, Confidence: result.Confidence}, nil
		}

		if time.Now().After(deadline) {
			return MatchOutcome{}, faults.Newf(timeoutKind,
				"no match within %s (last confidence %.3f)", timeout, result.Confidence)
		}
		select {
		case <-ctx.Done():
			return MatchOutcome{}, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// MatchOutcome is a confirmed match with its located region.
type MatchOutcome struct {
	Region     *script.Region
	Confidence float64
}

func (e *Engine) pause(ctx context.Context, result *Result, automation *script.Automation, log *logger.Logger) (*Result, error) {
	result.Status = checkpoint.StatusPaused
	if err := e.writeCheckpoint(ctx, result, automation, result.LastIndex, checkpoint.StatusPaused); err != nil {
		return nil, err
	}
	log.Info("run paused on cancellation")
	return result, nil
}

func (e *Engine) fail(ctx context.Context, result *Result, automation *script.Automation, startedAt time.Time, cause error, log *logger.Logger) (*Result, error) {
	result.Status = checkpoint.StatusFailed
	if err := e.writeCheckpoint(ctx, result, automation, result.LastIndex, checkpoint.StatusFailed); err != nil {
		return nil, err
	}
	e.writeReport(result, automation, startedAt)
	log.WithField("error", cause).Error("run failed")
	return result, nil
}

// writeCheckpoint persists progress on a detached context: a cancelled
// run must still record its paused state.
func (e *Engine) writeCheckpoint(ctx context.Context, result *Result, automation *script.Automation, index int, status checkpoint.Status) error {
	return e.store.Write(context.WithoutCancel(ctx), checkpoint.Checkpoint{
		RunID:      result.RunID,
		LastIndex:  index,
		Status:     status,
		Automation: automation.Name,
		Version:    automation.Version,
	})
}

func (e *Engine) writeReport(result *Result, automation *script.Automation, startedAt time.Time) {
	path, err := e.store.WriteReport(checkpoint.Report{
		RunID:      result.RunID,
		Automation: automation.Name,
		Status:     result.Status,
		LastIndex:  result.LastIndex,
		StartedAt:  startedAt.UTC(),
		EndedAt:    time.Now().UTC(),
		Timings:    result.Timings,
		Failures:   result.Failures,
	})
	if err != nil {
		logger.WithField("error", err).Warn("failed to write run report")
		return
	}
	logger.WithField("path", path).Debug("run report written")
}

func (e *Engine) admit(ctx context.Context, runID string) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.active[runID]; exists {
		return nil, fmt.Errorf("run %s is already executing", runID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active[runID] = cancel
	return runCtx, nil
}

func (e *Engine) retire(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, ok := e.active[runID]; ok {
		cancel()
		delete(e.active, runID)
	}
}
