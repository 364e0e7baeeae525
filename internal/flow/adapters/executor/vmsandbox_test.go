package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, "'hello'", shellQuote("hello"))
	assert.Equal(t, "'it'\\''s'", shellQuote("it's"))
}

func TestSubstituteCommand_ReplacesPlaceholder(t *testing.T) {
	got := substituteCommand("claude -p {{prompt}} --json", "do the thing")
	assert.Equal(t, "claude -p 'do the thing' --json", got)
}
