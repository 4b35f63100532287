package storekey_test

import (
	"testing"

	"github.com/appcore/datastore/storekey"
	"github.com/stretchr/testify/assert"
)

func TestZeroIsZero(t *testing.T) {
	assert.True(t, storekey.Zero.IsZero())
}

func TestGeneratorMintsUniqueStableKeys(t *testing.T) {
	var gen storekey.Generator
	a := gen.New()
	b := gen.New()
	assert.False(t, a.IsZero())
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, a) // stable: the same Key value always compares equal to itself
}
