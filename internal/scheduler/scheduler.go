// Package scheduler drives the anytime solve loop: refresh metrics, check
// goal satisfaction, pick the best applicable operator or replan on
// stall/ill-posedness, apply, repeat. The loop is bounded and always leaves a
// certificate on the state, even when no answer was found.
package scheduler

import (
	"math"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"microsolve/internal/algebra"
	"microsolve/internal/analysis"
	"microsolve/internal/operators"
	"microsolve/internal/state"
	"microsolve/internal/verification"
)

// DefaultMaxIters bounds the main loop when the caller does not override it.
const DefaultMaxIters = 24

// stallLimit is how many consecutive non-improving iterations are tolerated
// before a replan fires.
const stallLimit = 3

// Scheduler owns one operator pool and a diagnostics sink.
type Scheduler struct {
	Pool     []operators.Operator
	MaxIters int
	Rand     func() float64

	logger *zap.Logger
}

// New builds a scheduler around the given pool. A nil logger is replaced by a
// no-op sink.
func New(pool []operators.Operator, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Pool:     pool,
		MaxIters: DefaultMaxIters,
		Rand:     rand.Float64,
		logger:   logger,
	}
}

// NewDefault builds a scheduler with the standard operator pool.
func NewDefault(logger *zap.Logger) *Scheduler {
	return New(operators.DefaultPool(), logger)
}

// Solve runs the iteration loop on st and returns it with a certificate
// attached. The state is mutated in place and also returned for chaining.
func (s *Scheduler) Solve(st *state.State) *state.State {
	maxIters := s.MaxIters
	if maxIters <= 0 {
		maxIters = DefaultMaxIters
	}

	for i := 0; i < maxIters; i++ {
		UpdateMetrics(st)
		if GoalSatisfied(st) {
			break
		}
		if st.M.NeedsReplan || st.M.Stalls >= stallLimit {
			reason := Replan(st, s.Rand)
			st.M.Stalls = 0
			s.logger.Debug("replan",
				zap.Int("iter", i),
				zap.String("branch", reason),
				zap.String("representation", string(st.Active)))
			continue
		}
		op := FirstApplicable(st, s.Pool)
		if op == nil {
			break
		}
		before := st.M.ProgressScore
		var delta float64
		st, delta = op.Apply(st)
		UpdateMetrics(st)
		if st.M.ProgressScore <= before {
			st.M.Stalls++
		} else {
			st.M.Stalls = 0
		}
		s.logger.Debug("operator applied",
			zap.Int("iter", i),
			zap.String("operator", op.Name()),
			zap.Float64("delta", delta),
			zap.Float64("progress", st.M.ProgressScore),
			zap.Int("dof", st.M.DOF))
	}

	if st.M.VerificationPolicy == state.PolicyEpilogue {
		if _, done := st.Final(); !done {
			verification.AdoptCanonicalTarget(st)
			verification.VerifyCandidate(st, "scheduler_epilogue")
		}
	}
	st.Answers().Certificate = verification.BuildCertificate(st)
	return st
}

// GoalSatisfied reports whether the active view already has a final answer.
func GoalSatisfied(st *state.State) bool {
	_, done := st.Final()
	return done
}

// FirstApplicable walks the pool in order and returns the first operator
// whose precondition holds. The main loop uses this; the fixed pool order
// encodes the strategy priority.
func FirstApplicable(st *state.State, pool []operators.Operator) operators.Operator {
	for _, op := range pool {
		if op.Applicable(st) {
			return op
		}
	}
	return nil
}

// SelectOperator picks the applicable operator with the strictly highest
// score; ties keep the first-seen operator in pool order. External planners
// use this for metric-driven choice among proposed operators.
func SelectOperator(st *state.State, pool []operators.Operator) operators.Operator {
	var best operators.Operator
	bestScore := math.Inf(-1)
	for _, op := range pool {
		if !op.Applicable(st) {
			continue
		}
		score := operators.Score(op, st)
		if best == nil || score > bestScore {
			best = op
			bestScore = score
		}
	}
	return best
}

// UpdateMetrics refreshes the shared metric bucket: constraint counts,
// Jacobian rank and DOF, redundancy elimination, residual/bound/sample
// progress signals, and the replan flag.
func UpdateMetrics(st *state.State) {
	sc := st.Scope()
	rels := state.StableUnique(st.Constraints())

	unknowns := sc.Unbound()
	rep := analysis.Analyze(rels, unknowns, sc.Env)

	// Redundant equality constraints are dropped immediately; they add no
	// information and distort the DOF estimate.
	st.M.RedundantIdx = rep.RedundantIdx
	st.M.RedundantConstraints = nil
	if len(rep.RedundantIdx) > 0 {
		drop := map[int]struct{}{}
		for _, i := range rep.RedundantIdx {
			drop[i] = struct{}{}
			st.M.RedundantConstraints = append(st.M.RedundantConstraints, rels[i])
		}
		kept := make([]string, 0, len(rels))
		for i, r := range rels {
			if _, gone := drop[i]; !gone {
				kept = append(kept, r)
			}
		}
		rels = kept
	}
	st.SetConstraints(rels)

	eq, ineq := 0, 0
	for _, rel := range rels {
		_, op, _ := algebra.SplitRelation(rel)
		switch {
		case op == "=":
			eq++
		case op != "" && op != "!=":
			ineq++
		}
	}
	st.M.EqCount = eq
	st.M.IneqCount = ineq
	st.M.JacobianRank = rep.Rank
	st.M.DOF = len(unknowns) - rep.Rank
	st.M.IndependenceGraph = rep.Independence

	prevResidual := st.M.ResidualL2
	prevBounds := st.M.BoundsVolume
	prevSample := st.M.SampleSize

	st.M.ResidualL2 = residualL2(rels, sc.Env)
	st.M.IneqSatisfied = ineqSatisfied(rels, sc.Env)
	st.M.BoundsVolume = boundsVolume(sc.Derived.Bounds)
	st.M.SampleSize = float64(len(sc.Derived.Sample))
	if st.M.HasPrev {
		st.M.ResidualL2Change = prevResidual - st.M.ResidualL2
		st.M.BoundsVolumeReduction = prevBounds - st.M.BoundsVolume
		st.M.SampleSizeReduction = prevSample - st.M.SampleSize
	} else {
		st.M.ResidualL2Change = 0
		st.M.BoundsVolumeReduction = 0
		st.M.SampleSizeReduction = 0
	}
	st.M.HasPrev = true

	// Ill-posedness must persist across two consecutive refreshes before a
	// replan is demanded; a single transient reading is not actionable.
	if st.M.DOF != 0 {
		st.M.DOFStreak++
	} else {
		st.M.DOFStreak = 0
	}
	st.M.NeedsReplan = st.M.DOFStreak >= 2

	st.M.ProgressScore = progressScore(st)
}

func residualL2(rels []string, env map[string]float64) float64 {
	sum := 0.0
	for _, rel := range rels {
		if r, ok := algebra.Residual(rel, env); ok {
			sum += r * r
		}
	}
	return math.Sqrt(sum)
}

func ineqSatisfied(rels []string, env map[string]float64) float64 {
	n := 0.0
	for _, rel := range rels {
		_, op, _ := algebra.SplitRelation(rel)
		if op == "" || op == "=" {
			continue
		}
		if sat, ok := algebra.RelationSatisfied(rel, env, 1e-9); ok && sat {
			n++
		}
	}
	return n
}

func boundsVolume(bounds map[string]state.Interval) float64 {
	v := 0.0
	for _, iv := range bounds {
		if iv.HasLow && iv.HasHigh && iv.High > iv.Low {
			v += iv.High - iv.Low
		}
	}
	return v
}

// progressScore folds the individual signals into one heuristic scalar: more
// bindings, more satisfied inequalities and a finalized answer push it up;
// residual error, loose bounds, large samples and free unknowns pull it down.
func progressScore(st *state.State) float64 {
	sc := st.Scope()
	a := st.Answers()
	score := 2*float64(len(sc.Env)) +
		st.M.IneqSatisfied -
		st.M.ResidualL2 -
		0.1*st.M.BoundsVolume -
		0.1*st.M.SampleSize -
		0.05*float64(len(sc.Unbound()))
	score += float64(len(a.Candidates))
	if a.HasFinal {
		score += 5
	}
	return score
}

// Replan escapes a stall or an ill-posed system. Exactly one branch fires per
// call, in priority order: rotate the active representation, advance the
// case split, split a compound goal, or shake the numeric machinery
// (reversed constraints, fresh sampler seed, toggled grid precision).
func Replan(st *state.State, rng func() float64) string {
	defer func() {
		st.M.NeedsReplan = false
		st.M.DOFStreak = 0
	}()
	if rng == nil {
		rng = rand.Float64
	}

	if len(st.Representations) > 1 {
		idx := 0
		for i, rep := range st.Representations {
			if rep == st.Active {
				idx = i
				break
			}
		}
		st.Active = st.Representations[(idx+1)%len(st.Representations)]
		return "rotate_representation"
	}

	if len(st.CaseSplits) > 0 {
		st.ActiveCase = (st.ActiveCase + 1) % len(st.CaseSplits)
		st.SetConstraints(append([]string(nil), st.CaseSplits[st.ActiveCase]...))
		return "advance_case"
	}

	if parts := SplitCompoundGoal(st.Goal); len(parts) > 1 {
		st.Goal = parts[0]
		st.PendingGoals = parts[1:]
		for _, g := range parts {
			st.PlanSteps = append(st.PlanSteps, state.PlanStep{Action: "subgoal", Goal: g})
		}
		return "split_goal"
	}

	rels := st.Constraints()
	for i, j := 0, len(rels)-1; i < j; i, j = i+1, j-1 {
		rels[i], rels[j] = rels[j], rels[i]
	}
	st.SetConstraints(rels)
	st.NumericSeed = rng()
	d := &st.Scope().Derived
	d.Sample = nil
	if d.GridDecimals == 6 {
		d.GridDecimals = 3
	} else {
		d.GridDecimals = 6
	}
	return "reseed_numeric"
}

// SplitCompoundGoal breaks a conjunctive goal like "solve for x and y" into
// its sub-goals, re-applying the shared prefix to each tail.
func SplitCompoundGoal(goal string) []string {
	if !strings.Contains(goal, " and ") {
		return nil
	}
	parts := strings.Split(goal, " and ")
	first := strings.TrimSpace(parts[0])
	prefix := ""
	if cut := strings.LastIndex(first, " "); cut >= 0 {
		prefix = first[:cut+1]
	}
	out := []string{first}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, " ") && prefix != "" {
			p = prefix + p
		}
		out = append(out, p)
	}
	if len(out) < 2 {
		return nil
	}
	return out
}
