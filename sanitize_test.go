// (c) Copyright Procwatch 2025

package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeEnv(t *testing.T) {
	m := DefaultSecretsMatcher()

	sanitized := sanitizeEnv([]string{
		"PATH=/usr/bin",
		"DB_PASSWORD=hunter2",
		"API_KEY=abc123",
		"NOT_A_PAIR",
	}, m)

	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"DB_PASSWORD=<redacted>",
		"API_KEY=<redacted>",
		"NOT_A_PAIR",
	}, sanitized)
}

func TestSanitizeEnv_NilMatcherIsNoop(t *testing.T) {
	env := []string{"DB_PASSWORD=hunter2"}
	assert.Equal(t, env, sanitizeEnv(env, nil))
}

func TestSanitizeArgs(t *testing.T) {
	m := DefaultSecretsMatcher()

	examples := map[string]struct {
		args     []string
		expected []string
	}{
		"flag with secret value": {
			args:     []string{"worker", "--api-key=abc123", "--jobs=4"},
			expected: []string{"worker", "--api-key=<redacted>", "--jobs=4"},
		},
		"positional arguments untouched": {
			args:     []string{"worker", "input.txt"},
			expected: []string{"worker", "input.txt"},
		},
		"single dash flag": {
			args:     []string{"worker", "-password=hunter2"},
			expected: []string{"worker", "-password=<redacted>"},
		},
		"separated value not masked": {
			args:     []string{"worker", "--password", "hunter2"},
			expected: []string{"worker", "--password", "hunter2"},
		},
	}

	for name, example := range examples {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, example.expected, sanitizeArgs(example.args, m))
		})
	}
}
