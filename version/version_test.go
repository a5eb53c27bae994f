package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, v, commit string) {
	t.Helper()
	oldV, oldC := Version, CommitHash
	Version, CommitHash = v, commit
	t.Cleanup(func() { Version, CommitHash = oldV, oldC })
}

func TestGet(t *testing.T) {
	stamp(t, "1.4.0", "9f2c1e7d4b")
	info := Get()
	assert.True(t, info.Release)
	assert.Equal(t, "jobkit 1.4.0 (commit 9f2c1e7, built unknown)", info.String())
	assert.NotEmpty(t, info.Platform)
}

func TestDevBuild(t *testing.T) {
	stamp(t, "dev", "dev")
	info := Get()
	assert.False(t, info.Release)
	assert.Contains(t, info.String(), "development build")
}
