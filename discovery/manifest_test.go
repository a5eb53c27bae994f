package discovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/vars"
)

func TestReadManifestTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "astronomy.toml")
	writeFile(t, path, stargazeManifest)

	m, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "Astronomy", m.Name)
	require.Len(t, m.Jobs, 1)

	defs, err := m.Definitions(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "Stargaze", def.Class)
	assert.Equal(t, "Point the main telescope", def.Description())
	meta := def.EffectiveMeta()
	assert.False(t, meta.SensitiveVariables())
	assert.Equal(t, 30*time.Second, meta.SoftTimeLimit)
	assert.Equal(t, time.Minute, meta.TimeLimit)
	assert.Equal(t, []string{"night"}, meta.TaskQueues)

	declared := def.Variables()
	require.Len(t, declared, 2)
	assert.Equal(t, vars.KindString, declared[0].Kind)
	assert.True(t, declared[0].Required, "non-boolean variables default to required")
	require.NotNil(t, declared[0].MaxLength)
	assert.Equal(t, 40, *declared[0].MaxLength)
	assert.False(t, declared[1].Required, "booleans default to optional")
}

func TestReadManifestYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sightings.yml")
	writeFile(t, path, sightingsManifest)

	m, err := ReadManifest(path)
	require.NoError(t, err)
	defs, err := m.Definitions(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "LogComet", defs[0].Class)
	assert.False(t, defs[0].Variables()[0].Required)
}

func TestReadManifestRejects(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown toml key", "a.toml", "[[jobs]]\nclass = \"X\"\ncommand = \"true\"\ntelescope = \"hubble\"\n"},
		{"unknown yaml key", "b.yaml", "jobs:\n  - class: X\n    command: \"true\"\n    telescope: hubble\n"},
		{"broken toml", "c.toml", "[[jobs]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			_, err := ReadManifest(path)
			assert.Error(t, err)
		})
	}

	empty := filepath.Join(dir, "empty.yaml")
	writeFile(t, empty, "")
	m, err := ReadManifest(empty)
	require.NoError(t, err)
	assert.Empty(t, m.Jobs)
}

func TestManifestDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		job  ManifestJob
	}{
		{"no command", ManifestJob{Class: "Idle"}},
		{"unbalanced quote", ManifestJob{Class: "Quote", Command: `echo "polaris`}},
		{"slash in class", ManifestJob{Class: "a/b", Command: "true"}},
		{"bad variable kind", ManifestJob{Class: "Scope", Command: "true", Vars: []ManifestVar{{Name: "lens", Kind: "telescope"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Manifest{Jobs: []ManifestJob{tt.job}}
			_, err := m.Definitions(t.TempDir())
			assert.Error(t, err)
		})
	}
}

func TestModuleName(t *testing.T) {
	root := filepath.Join("srv", "jobs")
	name, err := moduleName(root, filepath.Join(root, "optics", "calibration.toml"))
	require.NoError(t, err)
	assert.Equal(t, "optics.calibration", name)

	name, err = moduleName(root, filepath.Join(root, "plates.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "plates", name)
}

func TestIsManifest(t *testing.T) {
	assert.True(t, IsManifest("a.toml"))
	assert.True(t, IsManifest("a.YML"))
	assert.False(t, IsManifest("a.py"))
}

func TestManifestJobsLoadDataFilesFromTheirDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "astronomy.toml")
	writeFile(t, path, stargazeManifest)
	writeFile(t, filepath.Join(dir, "catalogue.yaml"), "messier:\n  - M31\n  - M42\n")
	writeFile(t, filepath.Join(dir, "data", "mounts.json"), `{"altaz": 2, "equatorial": 1}`)

	m, err := ReadManifest(path)
	require.NoError(t, err)
	defs, err := m.Definitions(dir)
	require.NoError(t, err)
	def := defs[0].Bind(job.SourceLocal, "astronomy", "")
	assert.Equal(t, dir, def.Dir)

	jc := job.NewContext(context.Background(), job.ContextOptions{
		ClassPath: def.ClassPath().String(),
		Logger:    zap.NewNop().Sugar(),
		Dir:       def.Dir,
	})

	var catalogue struct {
		Messier []string `yaml:"messier"`
	}
	require.NoError(t, jc.LoadYAML("catalogue.yaml", &catalogue))
	assert.Equal(t, []string{"M31", "M42"}, catalogue.Messier)

	var mounts map[string]int
	require.NoError(t, jc.LoadJSON(filepath.Join("data", "mounts.json"), &mounts))
	assert.Equal(t, map[string]int{"altaz": 2, "equatorial": 1}, mounts)

	assert.Error(t, jc.LoadJSON("missing.json", &mounts))
	assert.Error(t, jc.LoadYAML("../astronomy.toml", &catalogue))
	assert.Error(t, jc.LoadYAML(path, &catalogue), "absolute paths are refused")
}
