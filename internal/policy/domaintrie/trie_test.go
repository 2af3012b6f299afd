package domaintrie

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchExactAndSubdomain(t *testing.T) {
	tr := New()
	tr.Insert("example.com", "social")

	matched, cat := tr.Match("example.com")
	assert.True(t, matched)
	assert.Equal(t, "social", cat)

	matched, _ = tr.Match("mail.example.com")
	assert.True(t, matched)

	matched, _ = tr.Match("notexample.com")
	assert.False(t, matched)
}

func TestMatchPicksMostSpecificAncestor(t *testing.T) {
	tr := New()
	tr.Insert("example.com", "general")
	tr.Insert("games.example.com", "gaming")

	_, cat := tr.Match("shop.games.example.com")
	assert.Equal(t, "gaming", cat)

	_, cat = tr.Match("mail.example.com")
	assert.Equal(t, "general", cat)
}
