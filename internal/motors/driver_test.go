package motors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	var d Driver = r

	require.NoError(t, d.Write([NumChannels]int{1100, 1200, 1300, 1400}))
	require.NoError(t, d.Write([NumChannels]int{1500, 1500, 1500, 1500}))

	last, n := r.Last()
	assert.Equal(t, [NumChannels]int{1500, 1500, 1500, 1500}, last)
	assert.Equal(t, uint64(2), n)

	require.NoError(t, d.Close())
	assert.Error(t, d.Write([NumChannels]int{}))
}
