package helper

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableID(t *testing.T) {
	assert.Equal(t, StableID("/tmp/a.txt"), StableID("/tmp/a.txt"))
	assert.NotEqual(t, StableID("/tmp/a.txt"), StableID("/tmp/b.txt"))
}

func TestGenerateUUID(t *testing.T) {
	a, err := GenerateUUID()
	require.NoError(t, err)
	b, err := GenerateUUID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPrettyPrint(t *testing.T) {
	var buf bytes.Buffer
	PrettyPrint(&buf, map[string]int{"count": 3})
	assert.Contains(t, buf.String(), `"count": 3`)
}
