package engine

import (
	"context"
	"image"

	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/faults"
	"github.com/chromeflow/chromeflow/internal/script"
	"github.com/chromeflow/chromeflow/internal/verify"
)

// Session is the action surface the engine drives on a borrowed browser
// instance.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	ClickAt(ctx context.Context, x, y int) error
	ClickSelector(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string, pressEnter bool) error
	Scroll(ctx context.Context, direction string, pixels int) error
	Eval(ctx context.Context, js string) error
	Screenshot(ctx context.Context) (image.Image, error)
	ScreenshotToFile(ctx context.Context, path string) error
}

// SessionPool lends sessions to the engine. A session is exclusively
// owned between Acquire and Release; the engine borrows one per step
// attempt and never holds it across a checkpoint write.
type SessionPool interface {
	Acquire(ctx context.Context, instanceHint string) (Session, error)
	Release(session Session)
}

// Verifier answers whether a captured frame satisfies a match spec.
type Verifier interface {
	Verify(ctx context.Context, frame image.Image, spec *script.MatchSpec) (verify.MatchResult, error)
}

// Result is the terminal outcome of one run. Callers always receive a
// terminal status plus the ordered failure records; Completed is returned
// only when every step's postcondition was confirmed matched.
type Result struct {
	RunID      string
	Automation string
	Status     checkpoint.Status
	LastIndex  int
	Failures   []faults.Record
	Timings    []checkpoint.StepTiming

	// SetupErr is set when the run aborted on an environment failure: a
	// missing external dependency the caller has to fix, distinct from
	// a failed run.
	SetupErr error
}

// ExitCode maps the result onto the process exit-code convention:
// 0 completed, 1 failed, 2 paused/cancelled, 3 setup/environment error.
func (r *Result) ExitCode() int {
	if r.SetupErr != nil {
		return 3
	}
	switch r.Status {
	case checkpoint.StatusCompleted:
		return 0
	case checkpoint.StatusPaused:
		return 2
	default:
		return 1
	}
}
