package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeDetectsRedundantConstraint(t *testing.T) {
	rels := []string{"x + y = 2", "2x + 2y = 4", "x - y = 0"}
	rep := Analyze(rels, []string{"x", "y"}, nil)
	assert.Equal(t, []int{1}, rep.RedundantIdx)
	assert.Equal(t, 2, rep.Rank)
	assert.Equal(t, 0, rep.DOF)
}

func TestAnalyzeInequalityDoesNotShiftIndices(t *testing.T) {
	rels := []string{"x >= 0", "x + y = 2", "2x + 2y = 4"}
	rep := Analyze(rels, []string{"x", "y"}, nil)
	assert.Equal(t, []int{2}, rep.RedundantIdx)
}

func TestAnalyzeIndependenceGraph(t *testing.T) {
	rels := []string{"x + y = 2", "x - y = 0"}
	rep := Analyze(rels, []string{"x", "y"}, nil)
	assert.Equal(t, []int{0, 1}, rep.Independence["x"])
	assert.Equal(t, []int{0, 1}, rep.Independence["y"])
}

func TestAnalyzeUndifferentiableConstraintExcluded(t *testing.T) {
	// The malformed relation is skipped rather than aborting the pass.
	rels := []string{"x + y = 2", "((", "x - y = 0"}
	rep := Analyze(rels, []string{"x", "y"}, nil)
	assert.Equal(t, 2, rep.Rank)
	assert.Equal(t, 0, rep.DOF)
	assert.Empty(t, rep.RedundantIdx)
}

func TestRREFPivots(t *testing.T) {
	m := [][]float64{
		{1, 2, 1},
		{1, 2, -1},
	}
	_, pivots := RREF(m)
	assert.Equal(t, []int{0, 2}, pivots)
}

func TestAttemptRankRepairRemovesRedundant(t *testing.T) {
	rels := []string{"x + y = 2", "2x + 2y = 4", "x - y = 0"}
	res := AttemptRankRepair(rels, []string{"x", "y"}, nil)
	require.Len(t, res.Constraints, 2)
	assert.Equal(t, []string{"2x + 2y = 4"}, res.Removed)
}

func TestAttemptRankRepairFallsBackUnchanged(t *testing.T) {
	rels := []string{"x + y = 2", "x - y = 0"}
	res := AttemptRankRepair(rels, []string{"x", "y"}, nil)
	assert.Equal(t, rels, res.Constraints)
	assert.Empty(t, res.Removed)
}
