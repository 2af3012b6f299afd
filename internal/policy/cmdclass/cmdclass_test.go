package cmdclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFirstMatchWins(t *testing.T) {
	c, err := Compile(DefaultRules)
	require.NoError(t, err)

	class, ok := c.Classify("rm -rf /home/alex/project")
	assert.True(t, ok)
	assert.Equal(t, "destructive", class)

	class, ok = c.Classify("sudo apt install vim")
	assert.True(t, ok)
	assert.Equal(t, "privileged", class)

	_, ok = c.Classify("ls -la")
	assert.False(t, ok)
}
