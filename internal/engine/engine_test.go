package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromeflow/chromeflow/internal/checkpoint"
	"github.com/chromeflow/chromeflow/internal/config"
	"github.com/chromeflow/chromeflow/internal/faults"
	"github.com/chromeflow/chromeflow/internal/script"
	"github.com/chromeflow/chromeflow/internal/verify"
)

// fakeSession records every action it receives. Errors can be scripted
// per action kind.
type fakeSession struct {
	id string

	mu      sync.Mutex
	actions []string
	errs    map[script.ActionKind]error
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, errs: make(map[script.ActionKind]error)}
}

func (s *fakeSession) do(kind script.ActionKind, entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, entry)
	return s.errs[kind]
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	return s.do(script.ActionNavigate, "navigate:"+url)
}

func (s *fakeSession) ClickAt(ctx context.Context, x, y int) error {
	return s.do(script.ActionClick, fmt.Sprintf("click_at:%d,%d", x, y))
}

func (s *fakeSession) ClickSelector(ctx context.Context, selector string) error {
	return s.do(script.ActionClick, "click:"+selector)
}

func (s *fakeSession) Type(ctx context.Context, selector, text string, pressEnter bool) error {
	return s.do(script.ActionType, fmt.Sprintf("type:%s:%s:%t", selector, text, pressEnter))
}

func (s *fakeSession) Scroll(ctx context.Context, direction string, pixels int) error {
	return s.do(script.ActionScroll, fmt.Sprintf("scroll:%s:%d", direction, pixels))
}

func (s *fakeSession) Eval(ctx context.Context, js string) error {
	return s.do(script.ActionCustom, "eval:"+js)
}

func (s *fakeSession) Screenshot(ctx context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

func (s *fakeSession) ScreenshotToFile(ctx context.Context, path string) error {
	return s.do(script.ActionScreenshot, "screenshot:"+filepath.Base(path))
}

func (s *fakeSession) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if strings.HasPrefix(a, prefix) {
			n++
		}
	}
	return n
}

// fakePool lends out a fixed set of sessions and tracks the peak number
// borrowed at once.
type fakePool struct {
	sessions chan *fakeSession

	mu       sync.Mutex
	inFlight int
	peak     int
}

func newFakePool(sessions ...*fakeSession) *fakePool {
	p := &fakePool{sessions: make(chan *fakeSession, len(sessions))}
	for _, s := range sessions {
		p.sessions <- s
	}
	return p
}

func (p *fakePool) Acquire(ctx context.Context, instanceHint string) (Session, error) {
	select {
	case s := <-p.sessions:
		p.mu.Lock()
		p.inFlight++
		if p.inFlight > p.peak {
			p.peak = p.inFlight
		}
		p.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		return nil, faults.Newf(faults.KindPoolExhausted, "no session freed")
	}
}

func (p *fakePool) Release(session Session) {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	p.sessions <- session.(*fakeSession)
}

func (p *fakePool) peakBorrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// fakeVerifier answers verification calls through a swappable function.
type fakeVerifier struct {
	mu sync.Mutex
	fn func(spec *script.MatchSpec) (verify.MatchResult, error)
}

func (f *fakeVerifier) set(fn func(spec *script.MatchSpec) (verify.MatchResult, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeVerifier) Verify(ctx context.Context, frame image.Image, spec *script.MatchSpec) (verify.MatchResult, error) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(spec)
}

func matchAll(spec *script.MatchSpec) (verify.MatchResult, error) {
	return verify.MatchResult{
		Matched:    true,
		Confidence: 0.97,
		Region:     &script.Region{X: 10, Y: 20, Width: 40, Height: 16},
		Modality:   spec.Kind,
	}, nil
}

func matchNone(spec *script.MatchSpec) (verify.MatchResult, error) {
	return verify.MatchResult{Matched: false, Confidence: 0.41, Modality: spec.Kind}, nil
}

func newTestEngine(t *testing.T, pool SessionPool, verifier Verifier) (*Engine, *checkpoint.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.Open(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		StateDir:      dir,
		ScreenshotDir: filepath.Join(dir, "screenshots"),
		PollInterval:  2 * time.Millisecond,
		RetryBudget:   3,
		StepTimeout:   25 * time.Millisecond,
	}
	return New(cfg, pool, verifier, store, script.NewStore(filepath.Join(dir, "automations"))), store
}

func searchFlow() *script.Automation {
	return &script.Automation{
		Name:    "search-flow",
		Version: "1",
		Steps: []script.Step{
			{Name: "open", Action: script.ActionNavigate, Target: "https://example.com"},
			{Name: "query", Action: script.ActionType, Selector: "#q", Text: "hello", PressEnter: true,
				Post: &script.MatchSpec{Kind: script.MatchText, Pattern: "results"}},
			{Name: "confirm", Action: script.ActionWaitForMatch,
				Match: &script.MatchSpec{Kind: script.MatchText, Pattern: "done"}},
		},
	}
}

// A run whose every postcondition matches completes with the checkpoint
// at the final step and no failure records.
func TestRunCompletes(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	eng, store := newTestEngine(t, newFakePool(session), &fakeVerifier{fn: matchAll})

	result, err := eng.Execute(context.Background(), searchFlow(), "")
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.LastIndex)
	assert.Empty(t, result.Failures)
	assert.Len(t, result.Timings, 3)
	assert.Equal(t, 0, result.ExitCode())
	assert.NotEmpty(t, result.RunID)

	cp, err := store.Get(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, 2, cp.LastIndex)
	assert.Equal(t, "search-flow", cp.Automation)

	assert.Equal(t, 1, session.count("navigate:"))
	assert.Equal(t, 1, session.count("type:"))
}

// A step whose expectation never appears burns the full retry budget:
// budget 3 means 4 attempts and 4 transient failure records, then the
// run fails with the checkpoint still at the last confirmed step.
func TestRunFailsAfterRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	eng, store := newTestEngine(t, newFakePool(session), &fakeVerifier{fn: matchNone})

	automation := &script.Automation{
		Name:    "stuck-flow",
		Version: "1",
		Steps: []script.Step{
			{Name: "open", Action: script.ActionNavigate, Target: "https://example.com"},
			{Name: "wait", Action: script.ActionWaitForMatch, TimeoutMs: 10,
				Match: &script.MatchSpec{Kind: script.MatchText, Pattern: "never-there"}},
		},
	}

	result, err := eng.Execute(context.Background(), automation, "run-stuck")
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, result.Status)
	assert.Equal(t, 0, result.LastIndex)
	assert.Equal(t, 1, result.ExitCode())

	require.Len(t, result.Failures, 4)
	for i, record := range result.Failures {
		assert.Equal(t, faults.KindPostconditionTimeout, record.Kind)
		assert.Equal(t, faults.ClassTransient, record.Class)
		assert.Equal(t, 1, record.StepIndex)
		assert.Equal(t, i+1, record.Attempt)
	}

	cp, err := store.Get(context.Background(), "run-stuck")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, 0, cp.LastIndex)

	records, err := store.Failures(context.Background(), "run-stuck")
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

// Reusing a run identity with an existing checkpoint resumes at the step
// after the last confirmed one; earlier steps are not re-executed.
func TestResumeSkipsConfirmedSteps(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	eng, store := newTestEngine(t, newFakePool(session), &fakeVerifier{fn: matchAll})

	require.NoError(t, store.Write(context.Background(), checkpoint.Checkpoint{
		RunID:      "run-resume",
		LastIndex:  1,
		Status:     checkpoint.StatusRunning,
		Automation: "search-flow",
		Version:    "1",
	}))

	result, err := eng.Execute(context.Background(), searchFlow(), "run-resume")
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.LastIndex)
	require.Len(t, result.Timings, 1)
	assert.Equal(t, 2, result.Timings[0].Index)

	assert.Equal(t, 0, session.count("navigate:"))
	assert.Equal(t, 0, session.count("type:"))
}

func TestCompletedRunIsNotReExecuted(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	eng, store := newTestEngine(t, newFakePool(session), &fakeVerifier{fn: matchAll})

	require.NoError(t, store.Write(context.Background(), checkpoint.Checkpoint{
		RunID:      "run-done",
		LastIndex:  2,
		Status:     checkpoint.StatusCompleted,
		Automation: "search-flow",
		Version:    "1",
	}))

	result, err := eng.Execute(context.Background(), searchFlow(), "run-done")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, result.Status)
	assert.Empty(t, session.actions)
}

func TestResumeRefusedOnVersionMismatch(t *testing.T) {
	t.Parallel()
	eng, store := newTestEngine(t, newFakePool(newFakeSession("s1")), &fakeVerifier{fn: matchAll})

	require.NoError(t, store.Write(context.Background(), checkpoint.Checkpoint{
		RunID:      "run-old",
		LastIndex:  1,
		Status:     checkpoint.StatusRunning,
		Automation: "search-flow",
		Version:    "1",
	}))

	automation := searchFlow()
	automation.Version = "2"
	_, err := eng.Execute(context.Background(), automation, "run-old")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

// Cancellation lands at a step boundary: the run pauses with the
// checkpoint at the last confirmed step, and the same identity resumes
// from there afterwards.
func TestCancelPausesThenResumeCompletes(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	verifier := &fakeVerifier{fn: matchNone}
	eng, store := newTestEngine(t, newFakePool(session), verifier)

	automation := &script.Automation{
		Name:    "pause-flow",
		Version: "1",
		Steps: []script.Step{
			{Name: "open", Action: script.ActionNavigate, Target: "https://example.com"},
			{Name: "wait", Action: script.ActionWaitForMatch, TimeoutMs: 5000,
				Match: &script.MatchSpec{Kind: script.MatchText, Pattern: "ready"}},
		},
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := eng.Execute(context.Background(), automation, "run-pause")
		done <- outcome{result, err}
	}()

	// Wait until step 0 is confirmed and the run is polling step 1.
	require.Eventually(t, func() bool {
		cp, err := store.Load(context.Background(), "run-pause")
		return err == nil && cp.Status == checkpoint.StatusRunning && cp.LastIndex == 0
	}, 2*time.Second, 5*time.Millisecond)

	// A second execution under the in-flight identity is refused.
	_, err := eng.Execute(context.Background(), automation, "run-pause")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executing")

	assert.True(t, eng.Cancel("run-pause"))

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not pause after cancellation")
	}
	require.NoError(t, got.err)
	assert.Equal(t, checkpoint.StatusPaused, got.result.Status)
	assert.Equal(t, 0, got.result.LastIndex)
	assert.Equal(t, 2, got.result.ExitCode())

	cp, err := store.Get(context.Background(), "run-pause")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, cp.Status)
	assert.Equal(t, 0, cp.LastIndex)

	// The expectation now appears; the resumed run finishes without
	// repeating the navigation.
	verifier.set(matchAll)
	result, err := eng.Execute(context.Background(), automation, "run-pause")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, result.Status)
	assert.Equal(t, 1, result.LastIndex)
	assert.Equal(t, 1, session.count("navigate:"))
}

// A non-retryable step converts a transient failure into a contract
// violation: no retry, one failure record, run failed.
func TestNonRetryableStepFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	session.errs[script.ActionClick] = errors.New("stale element")
	eng, _ := newTestEngine(t, newFakePool(session), &fakeVerifier{fn: matchAll})

	automation := &script.Automation{
		Name:    "pay-flow",
		Version: "1",
		Steps: []script.Step{
			{Name: "submit payment", Action: script.ActionClick, Selector: "#pay", NonRetryable: true},
		},
	}

	result, err := eng.Execute(context.Background(), automation, "run-pay")
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, result.Status)
	assert.Equal(t, checkpoint.NoStepCompleted, result.LastIndex)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, faults.KindActionContractViolation, result.Failures[0].Kind)
	assert.Equal(t, faults.ClassFatal, result.Failures[0].Class)
	assert.Equal(t, 1, session.count("click:"))
}

// Environment failures abort immediately and surface as a setup error
// instead of a failed run.
func TestEnvironmentFailureSurfacesAsSetupError(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	verifier := &fakeVerifier{fn: func(spec *script.MatchSpec) (verify.MatchResult, error) {
		return verify.MatchResult{}, faults.Newf(faults.KindEnvironmentError, "tesseract not found")
	}}
	eng, _ := newTestEngine(t, newFakePool(session), verifier)

	result, err := eng.Execute(context.Background(), searchFlow(), "run-env")
	require.NoError(t, err)

	require.Error(t, result.SetupErr)
	assert.Equal(t, 3, result.ExitCode())
	assert.Equal(t, 0, result.LastIndex)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, faults.ClassEnvironment, result.Failures[0].Class)
}

// Two runs share a single-session pool without interfering: both finish,
// at most one session is borrowed at a time, and each keeps its own
// checkpoint row.
func TestConcurrentRunsAreIsolated(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	eng, store := newTestEngine(t, newFakePool(session), &fakeVerifier{fn: matchAll})
	pool := eng.pool.(*fakePool)

	flowA := searchFlow()
	flowB := &script.Automation{
		Name:    "scroll-flow",
		Version: "1",
		Steps: []script.Step{
			{Name: "open", Action: script.ActionNavigate, Target: "https://example.org"},
			{Name: "read", Action: script.ActionScroll, Direction: "down", Pixels: 500},
		},
	}

	var wg sync.WaitGroup
	results := make(map[string]*Result)
	var mu sync.Mutex
	for _, run := range []struct {
		automation *script.Automation
		runID      string
	}{
		{flowA, "run-a"},
		{flowB, "run-b"},
	} {
		wg.Add(1)
		go func(automation *script.Automation, runID string) {
			defer wg.Done()
			result, err := eng.Execute(context.Background(), automation, runID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results[runID] = result
			mu.Unlock()
		}(run.automation, run.runID)
	}
	wg.Wait()

	require.Len(t, results, 2)
	assert.Equal(t, checkpoint.StatusCompleted, results["run-a"].Status)
	assert.Equal(t, 2, results["run-a"].LastIndex)
	assert.Equal(t, checkpoint.StatusCompleted, results["run-b"].Status)
	assert.Equal(t, 1, results["run-b"].LastIndex)

	assert.LessOrEqual(t, pool.peakBorrowed(), 1)

	cpA, err := store.Get(context.Background(), "run-a")
	require.NoError(t, err)
	assert.Equal(t, 2, cpA.LastIndex)
	cpB, err := store.Get(context.Background(), "run-b")
	require.NoError(t, err)
	assert.Equal(t, 1, cpB.LastIndex)
}

// Click-at-match resolves the template location and clicks the center of
// the matched region.
func TestClickAtMatchClicksRegionCenter(t *testing.T) {
	t.Parallel()
	session := newFakeSession("s1")
	eng, _ := newTestEngine(t, newFakePool(session), &fakeVerifier{fn: matchAll})

	automation := &script.Automation{
		Name:    "click-flow",
		Version: "1",
		Steps: []script.Step{
			{Name: "press", Action: script.ActionClick,
				Match: &script.MatchSpec{Kind: script.MatchImage, Template: "button.png"}},
		},
	}

	result, err := eng.Execute(context.Background(), automation, "")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, result.Status)

	// matchAll reports the region at (10, 20) sized 40x16.
	assert.Equal(t, 1, session.count("click_at:30,28"))
}

func TestStartRunUnknownAutomation(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, newFakePool(newFakeSession("s1")), &fakeVerifier{fn: matchAll})

	_, err := eng.StartRun(context.Background(), "no-such-flow", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown automation")
}

func TestExitCodeMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, (&Result{Status: checkpoint.StatusCompleted}).ExitCode())
	assert.Equal(t, 1, (&Result{Status: checkpoint.StatusFailed}).ExitCode())
	assert.Equal(t, 2, (&Result{Status: checkpoint.StatusPaused}).ExitCode())
	assert.Equal(t, 3, (&Result{Status: checkpoint.StatusRunning, SetupErr: errors.New("no chrome")}).ExitCode())
}
