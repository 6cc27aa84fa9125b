package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScript = `
name: baidu-search
version: "1"
steps:
  - name: open
    action: navigate
    target: https://www.baidu.com
  - name: wait for search box
    action: wait_for_match
    timeout_ms: 2000
    match:
      pattern: "百度一下"
  - name: search
    action: type
    selector: "input[name='wd']"
    text: "browser automation"
    press_enter: true
  - name: scroll results
    action: scroll
  - name: capture
    action: screenshot
    target: results
`

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeScript(t, t.TempDir(), "baidu.yaml", validScript)
	automation, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "baidu-search", automation.Name)
	assert.Equal(t, "1", automation.Version)
	require.Len(t, automation.Steps, 5)

	wait := automation.Steps[1]
	assert.Equal(t, ActionWaitForMatch, wait.Action)
	require.NotNil(t, wait.Match)
	// Kind defaults from the populated field.
	assert.Equal(t, MatchText, wait.Match.Kind)
	assert.Equal(t, 2*time.Second, wait.Timeout(30*time.Second))

	scroll := automation.Steps[3]
	assert.Equal(t, "down", scroll.Direction)
	assert.Equal(t, 500, scroll.Pixels)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing version",
			content: "name: x\nsteps:\n  - action: navigate\n    target: https://a\n",
			wantErr: "version cannot be empty",
		},
		{
			name:    "no steps",
			content: "name: x\nversion: \"1\"\nsteps: []\n",
			wantErr: "at least one step",
		},
		{
			name:    "unknown action",
			content: "name: x\nversion: \"1\"\nsteps:\n  - action: teleport\n",
			wantErr: "unknown action kind",
		},
		{
			name:    "navigate without target",
			content: "name: x\nversion: \"1\"\nsteps:\n  - action: navigate\n",
			wantErr: "requires a target URL",
		},
		{
			name:    "click without selector or match",
			content: "name: x\nversion: \"1\"\nsteps:\n  - action: click\n",
			wantErr: "selector or a match spec",
		},
		{
			name:    "wait without match",
			content: "name: x\nversion: \"1\"\nsteps:\n  - action: wait_for_match\n",
			wantErr: "requires a match spec",
		},
		{
			name:    "bad regex",
			content: "name: x\nversion: \"1\"\nsteps:\n  - action: wait_for_match\n    match:\n      pattern: \"[\"\n      regex: true\n",
			wantErr: "invalid regex",
		},
		{
			name:    "negative retry budget",
			content: "name: x\nversion: \"1\"\nsteps:\n  - action: navigate\n    target: https://a\n    retry_budget: -1\n",
			wantErr: "retry_budget cannot be negative",
		},
		{
			name:    "bad threshold",
			content: "name: x\nversion: \"1\"\nsteps:\n  - action: wait_for_match\n    match:\n      template: a.png\n      threshold: 1.5\n",
			wantErr: "threshold must be in [0, 1]",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeScript(t, t.TempDir(), "bad.yaml", tt.content)
			_, err := LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoreLoadAndGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "baidu.yaml", validScript)
	writeScript(t, dir, "notes.txt", "not a script")

	store := NewStore(dir)
	require.NoError(t, store.Load())

	automation, err := store.Get("baidu-search")
	require.NoError(t, err)
	assert.Equal(t, "baidu-search", automation.Name)

	_, err = store.Get("missing")
	assert.Error(t, err)

	assert.Len(t, store.List(), 1)
}

func TestStoreRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeScript(t, dir, "a.yaml", validScript)
	writeScript(t, dir, "b.yaml", validScript)

	store := NewStore(dir)
	err := store.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate automation name")
}

func TestStoreMissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, store.Load())
	assert.Empty(t, store.List())
}

func TestStepBudget(t *testing.T) {
	t.Parallel()

	var zero = 0
	var five = 5
	assert.Equal(t, 3, (&Step{}).Budget(3))
	assert.Equal(t, 0, (&Step{RetryBudget: &zero}).Budget(3))
	assert.Equal(t, 5, (&Step{RetryBudget: &five}).Budget(3))
}
