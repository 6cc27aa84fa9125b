package script

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store loads automation descriptors from a directory of YAML files and
// serves them read-only to the engine and the daemon. Reload replaces the
// whole set atomically.
type Store struct {
	dir string

	mu          sync.RWMutex
	automations map[string]*Automation
}

// NewStore creates a Store over dir without loading anything yet.
func NewStore(dir string) *Store {
	return &Store{
		dir:         dir,
		automations: make(map[string]*Automation),
	}
}

// Load reads every *.yaml / *.yml file under the store directory,
// validates each automation, and replaces the loaded set. A missing
// directory is not an error; it just yields an empty set.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.automations = make(map[string]*Automation)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read script directory: %w", err)
	}

	loaded := make(map[string]*Automation)
	for _, entry := range entries {
		if entry.IsDir() || !isScriptFile(entry.Name()) {
			continue
		}
		automation, err := LoadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return err
		}
		if _, exists := loaded[automation.Name]; exists {
			return fmt.Errorf("duplicate automation name %q in %s", automation.Name, entry.Name())
		}
		loaded[automation.Name] = automation
	}

	s.mu.Lock()
	s.automations = loaded
	s.mu.Unlock()
	return nil
}

// Get returns the automation with the given name.
func (s *Store) Get(name string) (*Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	automation, ok := s.automations[name]
	if !ok {
		return nil, fmt.Errorf("unknown automation: %s", name)
	}
	return automation, nil
}

// List returns all loaded automations sorted by name.
func (s *Store) List() []*Automation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Automation, 0, len(s.automations))
	for _, automation := range s.automations {
		list = append(list, automation)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Dir returns the directory the store loads from.
func (s *Store) Dir() string { return s.dir }

// LoadFile parses and validates a single automation file.
func LoadFile(path string) (*Automation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read automation file: %w", err)
	}

	var automation Automation
	if err := yaml.Unmarshal(data, &automation); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	applyDefaults(&automation)
	if err := automation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid automation %s: %w", filepath.Base(path), err)
	}
	return &automation, nil
}

func applyDefaults(a *Automation) {
	for i := range a.Steps {
		step := &a.Steps[i]
		if step.Pixels == 0 && step.Action == ActionScroll {
			step.Pixels = 500
		}
		if step.Direction == "" && step.Action == ActionScroll {
			step.Direction = "down"
		}
		for _, spec := range []*MatchSpec{step.Match, step.Pre, step.Post} {
			if spec == nil || spec.Kind != "" {
				continue
			}
			if spec.Template != "" {
				spec.Kind = MatchImage
			} else {
				spec.Kind = MatchText
			}
		}
	}
}

func isScriptFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
