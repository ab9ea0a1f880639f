package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microsolve/internal/state"
)

func TestNormalizeStepRewritesUnicodeOps(t *testing.T) {
	st := state.New("  x − 1 ≤ 3  ")
	st = NormalizeStep().Run(context.Background(), st)

	assert.Equal(t, "x - 1 <= 3", st.Repr().NormalizedText)
	assert.True(t, st.SkipQA)
}

func TestPopulateViewCopiesSymbolicData(t *testing.T) {
	st := state.New("p")
	st.SetConstraints([]string{"x + 1 = 3"})
	st.Scope().Variables = []string{"x"}
	st.Scope().Env["y"] = 2

	st = PopulateViewStep(state.RepNumeric).Run(context.Background(), st)

	assert.Equal(t, []string{"x + 1 = 3"}, st.C[state.RepNumeric])
	assert.Equal(t, []string{"x"}, st.V[state.RepNumeric].Variables)

	// The copy must be independent of the symbolic view.
	st.C[state.RepNumeric][0] = "mutated"
	assert.Equal(t, []string{"x + 1 = 3"}, st.C[state.RepSymbolic])
	st.V[state.RepNumeric].Env["y"] = 9
	assert.Equal(t, 2.0, st.V[state.RepSymbolic].Env["y"])
}

func TestGoalTarget(t *testing.T) {
	target, ok := goalTarget("Solve for x, then report it")
	require.True(t, ok)
	assert.Equal(t, "x", target)

	_, ok = goalTarget("find the area")
	assert.False(t, ok)
}

func TestSolveExactStepDeterminedSystem(t *testing.T) {
	st := state.New("p")
	st.SetConstraints([]string{"x + 2 = 5"})
	st.Scope().Variables = []string{"x"}
	st.Goal = "solve for x"

	st = SolveExactStep().Run(context.Background(), st)

	assert.Equal(t, []string{"3"}, st.Answers().Candidates)
	assert.False(t, st.SkipQA)
}

func TestSolveExactStepSkipsUnderdetermined(t *testing.T) {
	st := state.New("p")
	st.SetConstraints([]string{"x + y = 5"})
	st.Scope().Variables = []string{"x", "y"}

	st = SolveExactStep().Run(context.Background(), st)

	assert.Empty(t, st.Answers().Candidates)
	assert.True(t, st.SkipQA)
}

func TestExtractCandidatePrefersCanonicalTarget(t *testing.T) {
	st := state.New("p")
	st.Repr().CanonicalTarget = "x + 1"
	st.Scope().Env["x"] = 3

	st = ExtractCandidateStep(&routedOracle{}).Run(context.Background(), st)

	assert.Equal(t, []string{"4"}, st.Answers().Candidates)
	assert.True(t, st.SkipQA)
}

func TestExtractCandidateFallsBackToNumericSide(t *testing.T) {
	st := state.New("p")
	st.SetConstraints([]string{"x + y = 2", "x = 7/2"})

	st = ExtractCandidateStep(&routedOracle{}).Run(context.Background(), st)

	assert.Equal(t, []string{"3.5"}, st.Answers().Candidates)
}

func TestSimplifyCandidateEvaluates(t *testing.T) {
	st := state.New("p")
	st.AddCandidate("2 + 2")

	st = SimplifyCandidateStep().Run(context.Background(), st)

	a := st.Answers()
	assert.Equal(t, []string{"4"}, a.Candidates)
	assert.Equal(t, "4", a.Best)
}

func TestVerifyStepPromotesBySubstitution(t *testing.T) {
	st := state.New("p")
	st.SetConstraints([]string{"x + 2 = 5"})
	st.Scope().Variables = []string{"x"}
	st.AddCandidate("3")

	st = VerifyStep().Run(context.Background(), st)

	final, ok := st.Final()
	require.True(t, ok)
	assert.Equal(t, "3", final)
	assert.Equal(t, "verified", st.Answers().FinalConfidence)
}

func TestVerifyStepLeavesFailingCandidateAlone(t *testing.T) {
	st := state.New("p")
	st.SetConstraints([]string{"x + 2 = 5"})
	st.Scope().Variables = []string{"x"}
	st.AddCandidate("9")

	st = VerifyStep().Run(context.Background(), st)

	_, ok := st.Final()
	assert.False(t, ok)
	assert.Equal(t, []string{"9"}, st.Answers().Candidates)
}

func TestVerifyStepKeepsNewestCandidateWhenNoneVerify(t *testing.T) {
	st := state.New("p")
	st.SetConstraints([]string{"x + 2 = 5"})
	st.Scope().Variables = []string{"x"}
	st.AddCandidate("7")
	st.AddCandidate("9")

	st = VerifyStep().Run(context.Background(), st)

	_, ok := st.Final()
	assert.False(t, ok)
	assert.Equal(t, "9", st.Answers().Best)
}
