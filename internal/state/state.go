// Package state holds the solver blackboard: a multi-view problem state with
// per-representation constraint sets, variable scopes and answer trackers,
// plus the cross-view metric bucket the scheduler reads and writes.
package state

// Representation names one view of the problem. Exactly one is active at a
// time; replanning may rotate the active name.
type Representation string

const (
	RepSymbolic Representation = "symbolic"
	RepNumeric  Representation = "numeric"
	RepAlt      Representation = "alt"
)

// DefaultRepresentations is the rotation order replanning cycles through.
var DefaultRepresentations = []Representation{RepSymbolic, RepNumeric, RepAlt}

// Interval is a closed numeric range for a variable domain.
type Interval struct {
	Low     float64
	High    float64
	HasLow  bool
	HasHigh bool
}

// Derived is per-view scratch space. Each field is owned by the operator that
// writes it; DomainPrune-style operators may clear only their own entries.
type Derived struct {
	Sample        map[string]float64
	Bounds        map[string]Interval
	Qualifiers    map[string]map[string]bool
	Cases         []string
	Integrand     string
	Interval      *[2]float64
	IntegralValue *float64
	Expression    string
	Derivative    string
	Integral      string
	GridDecimals  int
}

// Quantity is a literal number found in the problem text, attributed to the
// sentence it was read from.
type Quantity struct {
	Value       string `json:"value"`
	Unit        string `json:"unit,omitempty"`
	SentenceIdx int    `json:"sentence_idx"`
}

// Scope is the variable bucket of one view.
type Scope struct {
	Variables  []string
	Constants  []string
	Parameters []string
	Quantities []Quantity
	Env        map[string]float64
	Derived    Derived
}

// Unbound returns variables and parameters with no env binding, in order.
func (sc *Scope) Unbound() []string {
	var out []string
	for _, v := range sc.Variables {
		if _, ok := sc.Env[v]; !ok {
			out = append(out, v)
		}
	}
	for _, p := range sc.Parameters {
		if _, ok := sc.Env[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Answers tracks candidate and final values for one view.
type Answers struct {
	Candidates      []string
	Best            string
	Final           string
	HasFinal        bool
	FinalConfidence string
	Explanation     string
	Certificate     *Certificate
}

// Repr holds recognition artifacts for one view.
type Repr struct {
	NormalizedText    string
	Sentences         []string
	Tokens            []string
	TokensPerSentence [][]string
	CanonicalTarget   string
}

// VerifyContext is the audit trail of the most recent verification attempt.
type VerifyContext struct {
	Via         string
	Method      string
	DOFAtVerify int
	Evidence    string
}

// Policy selects when verification may run relative to degrees of freedom.
type Policy string

const (
	PolicyStrict        Policy = "strict"
	PolicyOpportunistic Policy = "opportunistic"
	PolicyEpilogue      Policy = "strict+epilogue"
)

// Meta is the shared metric bucket refreshed by the scheduler each iteration.
type Meta struct {
	EqCount      int
	IneqCount    int
	JacobianRank int
	DOF          int
	// DOFStreak counts consecutive metric refreshes with positive DOF.
	DOFStreak            int
	IndependenceGraph    map[string][]int
	RedundantIdx         []int
	RedundantConstraints []string

	ResidualL2            float64
	ResidualL2Change      float64
	IneqSatisfied         float64
	BoundsVolume          float64
	BoundsVolumeReduction float64
	SampleSize            float64
	SampleSizeReduction   float64
	ProgressScore         float64
	HasPrev               bool

	NeedsReplan         bool
	Stalls              int
	VerificationPolicy  Policy
	VerificationContext *VerifyContext
}

// Extern holds injected collaborators for verification.
type Extern struct {
	Verifier        func(candidate string) bool
	CanonicalTarget string
}

// PlanStep is one externally supplied plan entry.
type PlanStep struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	Goal   string         `json:"goal,omitempty"`
}

// State is the solver blackboard, created once per problem and threaded by
// unique ownership through every operator call.
type State struct {
	ProblemText string

	Representations []Representation
	Active          Representation

	R map[Representation]*Repr
	C map[Representation][]string
	V map[Representation]*Scope
	A map[Representation]*Answers
	M Meta
	E Extern

	NumericSeed float64
	CaseSplits  [][]string
	ActiveCase  int

	Goal         string
	PendingGoals []string
	ProblemType  string

	Schemas        []string
	Strategies     []string
	ChosenStrategy string
	PlanSteps      []PlanStep
	CurrentStep    int

	QAFeedback string
	Error      string
	SkipQA     bool
}

// New builds an empty state for the given problem text with the standard
// three views and the symbolic view active.
func New(problemText string) *State {
	st := &State{
		ProblemText:     problemText,
		Representations: append([]Representation(nil), DefaultRepresentations...),
		Active:          RepSymbolic,
		R:               map[Representation]*Repr{},
		C:               map[Representation][]string{},
		V:               map[Representation]*Scope{},
		A:               map[Representation]*Answers{},
	}
	for _, rep := range DefaultRepresentations {
		st.R[rep] = &Repr{}
		st.C[rep] = nil
		st.V[rep] = &Scope{Env: map[string]float64{}}
		st.A[rep] = &Answers{}
	}
	return st
}

// view accessors for the active representation

func (s *State) Constraints() []string { return s.C[s.Active] }

func (s *State) SetConstraints(rels []string) { s.C[s.Active] = rels }

func (s *State) Scope() *Scope {
	if s.V[s.Active] == nil {
		s.V[s.Active] = &Scope{Env: map[string]float64{}}
	}
	if s.V[s.Active].Env == nil {
		s.V[s.Active].Env = map[string]float64{}
	}
	return s.V[s.Active]
}

func (s *State) Answers() *Answers {
	if s.A[s.Active] == nil {
		s.A[s.Active] = &Answers{}
	}
	return s.A[s.Active]
}

func (s *State) Repr() *Repr {
	if s.R[s.Active] == nil {
		s.R[s.Active] = &Repr{}
	}
	return s.R[s.Active]
}

// AddCandidate appends a candidate value and promotes it to best.
func (s *State) AddCandidate(value string) {
	a := s.Answers()
	a.Candidates = append(a.Candidates, value)
	a.Best = value
}

// SetFinal records the final answer. It is write-once: later calls are no-ops.
func (s *State) SetFinal(value, confidence string) bool {
	a := s.Answers()
	if a.HasFinal {
		return false
	}
	a.Final = value
	a.HasFinal = true
	a.FinalConfidence = confidence
	return true
}

// Final returns the final answer of the active view, if set.
func (s *State) Final() (string, bool) {
	a := s.Answers()
	return a.Final, a.HasFinal
}

// CanonicalTarget returns the known canonical answer target, preferring the
// injected external one over the recognized representation.
func (s *State) CanonicalTarget() (string, bool) {
	if s.E.CanonicalTarget != "" {
		return s.E.CanonicalTarget, true
	}
	if t := s.Repr().CanonicalTarget; t != "" {
		return t, true
	}
	return "", false
}

// StableUnique collapses structurally identical relation strings while
// preserving first-seen order.
func StableUnique(rels []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
