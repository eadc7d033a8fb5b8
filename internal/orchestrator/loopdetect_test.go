package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopDetectorFiresOnRepetition(t *testing.T) {
	d := newLoopDetector(0.5)

	msg := "I will now run the test suite again to check the results"
	for i := 0; i < loopWindowK-1; i++ {
		assert.False(t, d.Observe(msg), "window not full yet at %d", i)
	}
	assert.True(t, d.Observe(msg))
}

func TestLoopDetectorNearIdenticalMessages(t *testing.T) {
	d := newLoopDetector(0.5)

	fired := false
	for i := 0; i < loopWindowK; i++ {
		fired = d.Observe(fmt.Sprintf(
			"Let me try running the build again, attempt number %d failed with the same error", i))
	}
	assert.True(t, fired)
}

func TestLoopDetectorIgnoresVariedProgress(t *testing.T) {
	d := newLoopDetector(0.5)

	messages := []string{
		"Reading the project specification to understand requirements",
		"Implementing the login endpoint with session cookies",
		"Adding database migrations for the users table",
		"Writing integration tests for the authentication flow",
		"Updating the feature list to mark login as passing",
		"Moving on to the password reset feature next",
	}
	for _, msg := range messages {
		assert.False(t, d.Observe(msg), "varied message flagged as loop: %q", msg)
	}
}

func TestLoopDetectorIgnoresShortWords(t *testing.T) {
	set := wordSet("I am to go up it at We DO")
	assert.Empty(t, set)

	set = wordSet("Running the Tests again")
	assert.Contains(t, set, "running")
	assert.Contains(t, set, "tests")
	assert.Contains(t, set, "again")
	assert.NotContains(t, set, "the")
}

func TestWordSetSimilarity(t *testing.T) {
	a := wordSet("running the test suite now")
	b := wordSet("running the test suite once more")
	sim := wordSetSimilarity(a, b)
	assert.Greater(t, sim, 0.5)

	c := wordSet("implementing database migrations")
	assert.Less(t, wordSetSimilarity(a, c), 0.2)

	assert.Zero(t, wordSetSimilarity(a, wordSet("")))
}

func TestLoopDetectorResets(t *testing.T) {
	d := newLoopDetector(0.5)
	msg := "same message repeated over and over without progress"
	for i := 0; i < loopWindowK; i++ {
		d.Observe(msg)
	}
	d.Reset()
	assert.False(t, d.Observe(msg))
}
