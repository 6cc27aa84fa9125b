package script

import (
	"fmt"
	"regexp"
)

var validDirections = map[string]bool{
	"up": true, "down": true, "left": true, "right": true,
}

// Validate checks the automation and every step for structural problems.
// Validation happens once, at load time; the engine assumes loaded
// descriptors are well-formed.
func (a *Automation) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if a.Version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if len(a.Steps) == 0 {
		return fmt.Errorf("automation must have at least one step")
	}

	for i := range a.Steps {
		if err := a.Steps[i].validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, a.Steps[i].Label(i), err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	switch s.Action {
	case ActionNavigate:
		if s.Target == "" {
			return fmt.Errorf("navigate requires a target URL")
		}
	case ActionClick:
		if s.Selector == "" && s.Match == nil {
			return fmt.Errorf("click requires a selector or a match spec")
		}
	case ActionType:
		if s.Selector == "" {
			return fmt.Errorf("type requires a selector")
		}
		if s.Text == "" {
			return fmt.Errorf("type requires text")
		}
	case ActionWaitForMatch:
		if s.Match == nil {
			return fmt.Errorf("wait_for_match requires a match spec")
		}
	case ActionScroll:
		if !validDirections[s.Direction] {
			return fmt.Errorf("scroll direction must be one of up, down, left, right; got: %s", s.Direction)
		}
		if s.Pixels <= 0 {
			return fmt.Errorf("scroll pixels must be positive, got: %d", s.Pixels)
		}
	case ActionScreenshot:
		// Target is an optional file-name hint.
	case ActionCustom:
		if s.Target == "" {
			return fmt.Errorf("custom requires a JavaScript expression as target")
		}
	default:
		return fmt.Errorf("unknown action kind: %s", s.Action)
	}

	if s.RetryBudget != nil && *s.RetryBudget < 0 {
		return fmt.Errorf("retry_budget cannot be negative")
	}
	if s.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms cannot be negative")
	}

	for _, check := range []struct {
		name string
		spec *MatchSpec
	}{
		{"match", s.Match}, {"pre", s.Pre}, {"post", s.Post},
	} {
		if check.spec == nil {
			continue
		}
		if err := check.spec.validate(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}
	return nil
}

func (m *MatchSpec) validate() error {
	switch m.Kind {
	case MatchImage:
		if m.Template == "" {
			return fmt.Errorf("image match requires a template")
		}
	case MatchText:
		if m.Pattern == "" {
			return fmt.Errorf("text match requires a pattern")
		}
		if m.Regex {
			if _, err := regexp.Compile(m.Pattern); err != nil {
				return fmt.Errorf("invalid regex pattern: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown match kind: %s", m.Kind)
	}

	if m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0, 1], got: %g", m.Threshold)
	}
	if m.Region != nil && (m.Region.Width <= 0 || m.Region.Height <= 0) {
		return fmt.Errorf("region must have positive width and height")
	}
	return nil
}
