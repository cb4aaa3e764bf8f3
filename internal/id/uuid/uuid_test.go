package uuid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDIsVersion7(t *testing.T) {
	t.Parallel()

	id := NewRunID()
	assert.EqualValues(t, 7, id.Version())
	assert.NotEqual(t, id, NewRunID())
}

func TestNewRunIDSortsByCreation(t *testing.T) {
	t.Parallel()

	first := NewRunID()
	time.Sleep(2 * time.Millisecond)
	second := NewRunID()
	require.Less(t, first.String(), second.String())
}
