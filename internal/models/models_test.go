package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorID_Deterministic(t *testing.T) {
	a := VectorID("doc-1", 0)
	b := VectorID("doc-1", 0)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, VectorID("doc-1", 1))
	assert.NotEqual(t, a, VectorID("doc-2", 0))

	c := Chunk{DocID: "doc-1", ChunkIndex: 0}
	assert.Equal(t, a, c.VectorID())
}

func TestVectorID_NoSeparatorCollision(t *testing.T) {
	assert.NotEqual(t, VectorID("doc:1", 2), VectorID("doc", 12))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", TruncateRunes("héllo", 4))
	assert.Equal(t, "abc", TruncateRunes("abc", 10))
	assert.Equal(t, "", TruncateRunes("abc", 0))
}

func TestHallucinationReport_Passed(t *testing.T) {
	var nilReport *HallucinationReport
	assert.False(t, nilReport.Passed())
	assert.True(t, (&HallucinationReport{}).Passed())
	assert.False(t, (&HallucinationReport{Hallucinated: 1}).Passed())
	assert.False(t, (&HallucinationReport{LowCoverage: true}).Passed())
}
