package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microsolve/internal/operators"
	"microsolve/internal/state"
)

// stubOp is a configurable operator for selection tests.
type stubOp struct {
	name  string
	delta float64
	score *float64
}

func (o *stubOp) Name() string                     { return o.name }
func (o *stubOp) Applicable(*state.State) bool     { return true }
func (o *stubOp) Apply(st *state.State) (*state.State, float64) {
	return st, o.delta
}
func (o *stubOp) Score(*state.State) float64 {
	if o.score != nil {
		return *o.score
	}
	return o.delta
}

func newState(rels []string, vars ...string) *state.State {
	st := state.New("")
	st.SetConstraints(rels)
	st.Scope().Variables = vars
	return st
}

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestUpdateMetricsTracksProgress(t *testing.T) {
	st := newState([]string{"x = 3", "x >= 0", "x <= 10"}, "x")
	st.Scope().Env["x"] = 5
	st.Scope().Derived.Bounds = map[string]state.Interval{
		"x": {Low: 0, High: 10, HasLow: true, HasHigh: true},
	}
	UpdateMetrics(st)
	assert.InDelta(t, 2.0, st.M.ResidualL2, 1e-9)
	assert.InDelta(t, 0.0, st.M.ResidualL2Change, 1e-9)
	assert.InDelta(t, 2.0, st.M.IneqSatisfied, 1e-9)
	assert.InDelta(t, 10.0, st.M.BoundsVolume, 1e-9)
	p1 := st.M.ProgressScore

	st.Scope().Env["x"] = 3
	st.Scope().Derived.Bounds["x"] = state.Interval{Low: 0, High: 8, HasLow: true, HasHigh: true}
	UpdateMetrics(st)
	assert.InDelta(t, 0.0, st.M.ResidualL2, 1e-9)
	assert.InDelta(t, 2.0, st.M.ResidualL2Change, 1e-9)
	assert.InDelta(t, 2.0, st.M.BoundsVolumeReduction, 1e-9)
	assert.Greater(t, st.M.ProgressScore, p1)

	assert.InDelta(t, 0.0, st.M.SampleSize, 1e-9)

	st.Scope().Derived.Sample = map[string]float64{"x": 1.0, "y": 2.0}
	UpdateMetrics(st)
	assert.InDelta(t, 2.0, st.M.SampleSize, 1e-9)
	assert.InDelta(t, -2.0, st.M.SampleSizeReduction, 1e-9)
	p2 := st.M.ProgressScore

	delete(st.Scope().Derived.Sample, "y")
	UpdateMetrics(st)
	assert.InDelta(t, 1.0, st.M.SampleSize, 1e-9)
	assert.InDelta(t, 1.0, st.M.SampleSizeReduction, 1e-9)
	assert.Greater(t, st.M.ProgressScore, p2)
}

func TestUpdateMetricsDropsRedundantRelations(t *testing.T) {
	st := newState([]string{"x + y = 2", "2x + 2y = 4", "x - y = 0"}, "x", "y")
	UpdateMetrics(st)
	assert.NotContains(t, st.Constraints(), "2x + 2y = 4")
	assert.Equal(t, []int{1}, st.M.RedundantIdx)
	assert.Equal(t, []string{"2x + 2y = 4"}, st.M.RedundantConstraints)
}

func TestSelectOperatorUsesScores(t *testing.T) {
	st := state.New("")
	base := &stubOp{name: "base", delta: 0}
	high := 5.0
	metric := &stubOp{name: "metric", score: &high}
	chosen := SelectOperator(st, []operators.Operator{base, metric})
	require.NotNil(t, chosen)
	assert.Equal(t, "metric", chosen.Name())

	low := 0.0
	metric.score = &low
	chosen = SelectOperator(st, []operators.Operator{base, metric})
	assert.Equal(t, "base", chosen.Name(), "ties keep first-seen pool order")
}

func TestDOFStreakSetsReplanFlag(t *testing.T) {
	st := newState(nil, "x")
	UpdateMetrics(st)
	assert.False(t, st.M.NeedsReplan, "one ill-posed reading is not actionable")
	UpdateMetrics(st)
	assert.True(t, st.M.NeedsReplan, "persistent ill-posedness demands a replan")
}

func TestSolveReplansOnPersistentDOF(t *testing.T) {
	st := newState(nil, "x")
	st.Representations = []state.Representation{state.RepSymbolic}
	UpdateMetrics(st)
	UpdateMetrics(st)
	require.True(t, st.M.NeedsReplan)

	s := New(nil, nil)
	s.MaxIters = 1
	s.Rand = fixedRand(0.5)
	st = s.Solve(st)
	assert.Equal(t, 0.5, st.NumericSeed)
	assert.False(t, st.M.NeedsReplan)
}

func TestReplanRotationIsCyclicAndExhaustive(t *testing.T) {
	st := state.New("")
	require.Equal(t, state.RepSymbolic, st.Active)

	seen := map[state.Representation]bool{st.Active: true}
	for i := 0; i < 2; i++ {
		Replan(st, fixedRand(0.5))
		seen[st.Active] = true
	}
	assert.Len(t, seen, 3, "three views visited exactly once")
	Replan(st, fixedRand(0.5))
	assert.Equal(t, state.RepSymbolic, st.Active, "fourth replan returns to start")
}

func TestReplanAdvancesCaseSplit(t *testing.T) {
	st := state.New("")
	st.Representations = []state.Representation{state.RepSymbolic}
	st.CaseSplits = [][]string{{"x > 0"}, {"x < 0"}}
	st.SetConstraints([]string{"x > 0"})
	st.ActiveCase = 0

	branch := Replan(st, fixedRand(0.5))
	assert.Equal(t, "advance_case", branch)
	assert.Equal(t, []string{"x < 0"}, st.Constraints())
	assert.Equal(t, 1, st.ActiveCase)
}

func TestReplanDecomposesCompoundGoal(t *testing.T) {
	st := state.New("")
	st.Representations = []state.Representation{state.RepSymbolic}
	st.Goal = "solve for x and y"

	branch := Replan(st, fixedRand(0.5))
	assert.Equal(t, "split_goal", branch)
	assert.Equal(t, "solve for x", st.Goal)
	assert.Equal(t, []string{"solve for y"}, st.PendingGoals)
	assert.Equal(t, []state.PlanStep{
		{Action: "subgoal", Goal: "solve for x"},
		{Action: "subgoal", Goal: "solve for y"},
	}, st.PlanSteps)
}

func TestReplanReseedsAndTogglesGrid(t *testing.T) {
	st := state.New("")
	st.Representations = []state.Representation{state.RepSymbolic}
	st.SetConstraints([]string{"x = 1", "x >= 0"})

	branch := Replan(st, fixedRand(0.25))
	assert.Equal(t, "reseed_numeric", branch)
	assert.Equal(t, []string{"x >= 0", "x = 1"}, st.Constraints())
	assert.Equal(t, 0.25, st.NumericSeed)
	assert.Equal(t, 6, st.Scope().Derived.GridDecimals)

	Replan(st, fixedRand(0.75))
	assert.Equal(t, 3, st.Scope().Derived.GridDecimals)
}

func TestStrictRoundTrip(t *testing.T) {
	st := newState([]string{"x + 2 = 5"}, "x")
	st.M.VerificationPolicy = state.PolicyStrict

	s := New([]operators.Operator{&operators.SolveOperator{}, &operators.VerifyOperator{}}, nil)
	s.MaxIters = 4
	st = s.Solve(st)

	final, ok := st.Final()
	require.True(t, ok)
	assert.Equal(t, "3", final)
	assert.Equal(t, "verified", st.Answers().FinalConfidence)
	require.NotNil(t, st.M.VerificationContext)
	assert.Equal(t, "VerifyOperator", st.M.VerificationContext.Via)
}

func TestOpportunisticVerificationWithDOF(t *testing.T) {
	st := newState(nil, "x")
	st.M.VerificationPolicy = state.PolicyOpportunistic
	st.Repr().CanonicalTarget = "2"

	s := New([]operators.Operator{&operators.VerifyOperator{}}, nil)
	s.MaxIters = 1
	st = s.Solve(st)

	final, ok := st.Final()
	require.True(t, ok)
	assert.Equal(t, "2", final)
	assert.Equal(t, "VerifyOperator", st.M.VerificationContext.Via)
}

func TestStrictEpiloguePromotesCandidate(t *testing.T) {
	st := newState(nil, "x")
	st.M.VerificationPolicy = state.PolicyEpilogue
	st.Repr().CanonicalTarget = "2"

	s := New([]operators.Operator{&operators.VerifyOperator{}}, nil)
	s.MaxIters = 1
	st = s.Solve(st)

	final, ok := st.Final()
	require.True(t, ok)
	assert.Equal(t, "2", final)
	assert.Equal(t, "scheduler_epilogue", st.M.VerificationContext.Via)
}

func TestWrongCandidateFailsVerification(t *testing.T) {
	st := newState([]string{"x = 3"}, "x")
	st.M.VerificationPolicy = state.PolicyOpportunistic
	st.AddCandidate("2")

	s := New([]operators.Operator{&operators.VerifyOperator{}}, nil)
	s.MaxIters = 1
	st = s.Solve(st)

	_, ok := st.Final()
	assert.False(t, ok)
	assert.Equal(t, "2", st.Answers().Best)
}

func TestFinalIdempotent(t *testing.T) {
	st := newState(nil, "x")
	st.M.VerificationPolicy = state.PolicyOpportunistic
	st.Repr().CanonicalTarget = "2"

	s := New([]operators.Operator{&operators.VerifyOperator{}}, nil)
	s.MaxIters = 1
	st = s.Solve(st)
	final, _ := st.Final()
	require.Equal(t, "2", final)

	assert.False(t, (&operators.VerifyOperator{}).Applicable(st))
	st = s.Solve(st)
	final, _ = st.Final()
	assert.Equal(t, "2", final)
	assert.Equal(t, "verified", st.Answers().FinalConfidence)
}

func TestDefaultPoolSolvesLinearEquation(t *testing.T) {
	st := newState([]string{"x + 2 = 5"}, "x")
	s := NewDefault(nil)
	s.MaxIters = 4
	st = s.Solve(st)
	final, ok := st.Final()
	require.True(t, ok)
	assert.Equal(t, "3", final)
}

func TestSamplerThenPruneOrdering(t *testing.T) {
	st := newState(nil, "x")
	UpdateMetrics(st)
	op := FirstApplicable(st, operators.DefaultPool())
	require.NotNil(t, op)
	assert.Equal(t, "feasible_sample", op.Name())

	st, _ = op.Apply(st)
	UpdateMetrics(st)
	op = FirstApplicable(st, operators.DefaultPool())
	require.NotNil(t, op)
	assert.Equal(t, "domain_prune", op.Name(), "pruning runs before any resampling")
}

func TestCertificateAlwaysProduced(t *testing.T) {
	st := newState([]string{"x + y = 5"}, "x", "y")
	s := NewDefault(nil)
	s.MaxIters = 12
	st = s.Solve(st)

	_, ok := st.Final()
	assert.False(t, ok)
	cert := st.Answers().Certificate
	require.NotNil(t, cert)
	assert.False(t, cert.Verified)
}

func TestCertificateRecordsResiduals(t *testing.T) {
	st := newState([]string{"x + 2 = 5"}, "x")
	s := NewDefault(nil)
	s.MaxIters = 4
	st = s.Solve(st)

	cert := st.Answers().Certificate
	require.NotNil(t, cert)
	assert.True(t, cert.Verified)
	assert.Equal(t, "3", cert.Value)
	assert.InDelta(t, 0.0, cert.Residuals["x + 2 = 5"], 1e-9)
}

func TestSplitCompoundGoal(t *testing.T) {
	assert.Equal(t, []string{"solve for x", "solve for y"}, SplitCompoundGoal("solve for x and y"))
	assert.Nil(t, SplitCompoundGoal("solve for x"))
}
