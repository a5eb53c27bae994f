package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	assert.Equal(t, "job execution", Describe(Job))
	assert.Equal(t, "scheduler", Describe(Schedule))
	assert.Equal(t, "", Describe("?"))
}

func TestSymbolsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []string{Pulse, PulseOpen, PulseClose, DB, Job, Schedule, Discovery, Hook} {
		assert.False(t, seen[s], "duplicate symbol %s", s)
		seen[s] = true
	}
}
