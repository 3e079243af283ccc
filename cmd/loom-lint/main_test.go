package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLintFileAcceptsValidPlan(t *testing.T) {
	path := writePlan(t, "ok.json", `{
		"plan_name": "ok",
		"graph_type": "acyclic",
		"events": {"start": {}, "done": {}},
		"steps": {"run": {"on": ["start"], "action": "echo", "emits": ["done"]}}
	}`)
	assert.True(t, lintFile(path, true))
}

func TestLintFileRejectsCycle(t *testing.T) {
	path := writePlan(t, "cycle.json", `{
		"plan_name": "cycle",
		"graph_type": "acyclic",
		"events": {"a": {}},
		"steps": {"spin": {"on": ["a"], "action": "echo", "emits": ["a"]}}
	}`)
	assert.False(t, lintFile(path, true))
}

func TestLintFileRejectsUndeclaredEvent(t *testing.T) {
	path := writePlan(t, "bad.json", `{
		"plan_name": "bad",
		"graph_type": "acyclic",
		"events": {"start": {}},
		"steps": {"run": {"on": ["start"], "action": "echo", "emits": ["ghost"]}}
	}`)
	assert.False(t, lintFile(path, true))
}

func TestLintFileRejectsMalformedJSON(t *testing.T) {
	path := writePlan(t, "broken.json", `{"plan_name": `)
	assert.False(t, lintFile(path, false))
}

func TestLintFileMissingFile(t *testing.T) {
	assert.False(t, lintFile(filepath.Join(t.TempDir(), "nope.json"), false))
}
