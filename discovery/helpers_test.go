package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/job"
)

// Test universe: an observatory whose night shift is automated by jobs that
// point telescopes, log sightings and archive plates.

const stargazeManifest = `
name = "Astronomy"

[[jobs]]
class = "Stargaze"
name = "Stargaze"
description = "Point the main telescope"
command = "sh -c 'cat'"
has_sensitive_variables = false
soft_time_limit = 30.0
time_limit = 60.0
task_queues = ["night"]

[[jobs.vars]]
name = "target"
kind = "string"
max_length = 40

[[jobs.vars]]
name = "long_exposure"
kind = "boolean"
`

const sightingsManifest = `
name: Sightings
jobs:
  - class: LogComet
    command: "echo comet"
    has_sensitive_variables: false
    vars:
      - name: designation
        kind: string
        required: false
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return NewRegistry(opts)
}

type memSink struct {
	mu      sync.Mutex
	entries []job.Entry
}

func (m *memSink) AppendLog(_ context.Context, _ string, e job.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Message)
	}
	return out
}

func newJobContext(t *testing.T) (*job.Context, *memSink) {
	t.Helper()
	sink := &memSink{}
	jc := job.NewContext(context.Background(), job.ContextOptions{
		ResultID:  "night-1",
		ClassPath: "local/astronomy/Stargaze",
		Sink:      sink,
		Logger:    zap.NewNop().Sugar(),
	})
	jc.SetPhase(job.PhaseRun)
	return jc, sink
}
