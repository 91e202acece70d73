package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secerrors "secmon/internal/errors"
)

func TestCache_MatchString(t *testing.T) {
	c := NewCache(8)

	assert.True(t, c.MatchString(`(?i)mimikatz`, `{"description":"MimiKatz run"}`))
	assert.False(t, c.MatchString(`^admin$`, "administrator"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_InvalidPatternFailsClosed(t *testing.T) {
	c := NewCache(8)

	re, err := c.Compile(`([unclosed`)
	require.Error(t, err)
	assert.Nil(t, re)
	assert.True(t, secerrors.IsPattern(err))

	// Cached failure keeps failing closed
	assert.False(t, c.MatchString(`([unclosed`, "anything"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Eviction(t *testing.T) {
	c := NewCache(2)
	c.MatchString("a", "a")
	c.MatchString("b", "b")
	c.MatchString("c", "c")
	assert.Equal(t, 2, c.Len())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(`\d{3}-\d{4}`))
	assert.True(t, secerrors.IsPattern(Validate(`*`)))
}
