// Package script defines the action descriptor model for automations and
// loads versioned automation scripts from YAML files. Descriptors are pure
// data: steps never mutate after a run starts.
package script

import (
	"fmt"
	"time"
)

// ActionKind identifies what a step does. The set is closed; dispatch over
// it is exhaustive in the engine.
type ActionKind string

const (
	// ActionNavigate loads a URL in the session's page.
	ActionNavigate ActionKind = "navigate"
	// ActionClick clicks either a CSS selector or the center of the
	// region located by the step's match spec.
	ActionClick ActionKind = "click"
	// ActionType fills a selector with text, optionally pressing enter.
	ActionType ActionKind = "type"
	// ActionWaitForMatch polls the verifier until the step's match spec
	// matches or the step timeout elapses.
	ActionWaitForMatch ActionKind = "wait_for_match"
	// ActionScroll scrolls the page by a pixel amount in a direction.
	ActionScroll ActionKind = "scroll"
	// ActionScreenshot captures the page to the screenshot directory.
	ActionScreenshot ActionKind = "screenshot"
	// ActionCustom evaluates a JavaScript expression on the page.
	ActionCustom ActionKind = "custom"
)

// MatchKind selects the verification modality of a match spec.
type MatchKind string

const (
	// MatchImage compares the frame against an image template.
	MatchImage MatchKind = "image"
	// MatchText runs text recognition over the frame (or a region of
	// it) and compares the result against a pattern.
	MatchText MatchKind = "text"
)

// Region is a rectangular area of a frame, in pixels.
type Region struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// MatchSpec describes an expected visual or textual target.
type MatchSpec struct {
	// Kind selects the modality; defaults to image when a template is
	// set and text when a pattern is set.
	Kind MatchKind `yaml:"kind"`

	// Template is the image template path, relative to the template
	// directory, for image matches.
	Template string `yaml:"template"`

	// Pattern is the expected text for text matches.
	Pattern string `yaml:"pattern"`

	// Regex treats Pattern as a regular expression instead of an exact
	// substring.
	Regex bool `yaml:"regex"`

	// Region restricts the comparison to a sub-area of the frame.
	Region *Region `yaml:"region"`

	// Threshold overrides the configured confidence threshold for this
	// spec. Zero means use the configured default.
	Threshold float64 `yaml:"threshold"`
}

// Step is one immutable automation step.
type Step struct {
	// Name is a human-readable label used in logs and diagnostics.
	Name string `yaml:"name"`

	// Action is the step's action kind.
	Action ActionKind `yaml:"action"`

	// Target is the action's primary argument: a URL for navigate, a
	// JavaScript expression for custom, a file-name hint for screenshot.
	Target string `yaml:"target"`

	// Selector is a CSS selector for click and type actions.
	Selector string `yaml:"selector"`

	// Text is the input text for type actions.
	Text string `yaml:"text"`

	// PressEnter submits the input after typing.
	PressEnter bool `yaml:"press_enter"`

	// Direction and Pixels drive scroll actions. Direction is one of
	// up, down, left, right; Pixels defaults to 500.
	Direction string `yaml:"direction"`
	Pixels    int    `yaml:"pixels"`

	// Match locates the click target for click actions and is the
	// awaited target for wait_for_match actions.
	Match *MatchSpec `yaml:"match"`

	// Pre is verified before the action executes.
	Pre *MatchSpec `yaml:"pre"`

	// Post gates advancement: the checkpoint for this step is written
	// only after Post matches.
	Post *MatchSpec `yaml:"post"`

	// RetryBudget overrides the configured per-step retry budget.
	// Nil means use the default; an explicit 0 disables retries.
	RetryBudget *int `yaml:"retry_budget"`

	// TimeoutMs overrides the configured per-step timeout. Zero means
	// use the default.
	TimeoutMs int `yaml:"timeout_ms"`

	// NonRetryable declares the action's effect non-idempotent: any
	// failure is a contract violation instead of a retry candidate.
	NonRetryable bool `yaml:"non_retryable"`
}

// Timeout returns the step's effective timeout.
func (s *Step) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return fallback
}

// Budget returns the step's effective retry budget.
func (s *Step) Budget(fallback int) int {
	if s.RetryBudget != nil {
		return *s.RetryBudget
	}
	return fallback
}

// Label returns the step's name, or a positional label when unnamed.
func (s *Step) Label(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step-%d (%s)", index, s.Action)
}

// Automation is an ordered, versioned sequence of steps.
type Automation struct {
	// Name identifies the automation; run identities derive from it.
	Name string `yaml:"name"`

	// Version is bumped when the step sequence changes, so stale
	// checkpoints are not resumed against a reshaped script.
	Version string `yaml:"version"`

	// Schedule is an optional cron expression; scheduled automations
	// are registered by the daemon.
	Schedule string `yaml:"schedule"`

	// Steps is the ordered step sequence.
	Steps []Step `yaml:"steps"`
}
