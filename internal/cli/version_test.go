package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCommandRegistered(t *testing.T) {
	names := make([]string, 0)
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "version")
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "sessions")
	assert.Contains(t, names, "init")
}
