package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_PrefixedAndUnique(t *testing.T) {
	a := New(PrefixActivity)
	b := New(PrefixActivity)

	assert.NotEqual(t, a, b)
	assert.True(t, HasPrefix(a, PrefixActivity))
	assert.False(t, HasPrefix(a, PrefixRedemption))
}

func TestHasPrefix_Garbage(t *testing.T) {
	assert.False(t, HasPrefix("act_not-a-typeid", PrefixActivity))
	assert.False(t, HasPrefix("", PrefixActivity))
}
