package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"microsolve/internal/algebra"
	"microsolve/internal/oracle"
	"microsolve/internal/scheduler"
	"microsolve/internal/state"
	"microsolve/internal/verification"
)

// Step is one orchestrator stage. Run mutates and returns the state; a step
// signals failure by setting state.Error and may set state.SkipQA to bypass
// the post-condition check once.
type Step struct {
	Name string
	Run  func(ctx context.Context, st *state.State) *state.State
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// NormalizeStep trims the problem text and rewrites unicode operators into
// their ASCII forms. Deterministic, so QA is skipped.
func NormalizeStep() Step {
	return Step{Name: "normalize", Run: func(_ context.Context, st *state.State) *state.State {
		st.Repr().NormalizedText = strings.TrimSpace(algebra.NormalizeRelation(st.ProblemText))
		st.SkipQA = true
		return st
	}}
}

// TokenizeStep asks the oracle to split the text into sentences and math
// tokens, with a whitespace fallback when the reply rows do not line up.
func TokenizeStep(c oracle.Client) Step {
	return Step{Name: "tokenize", Run: func(ctx context.Context, st *state.State) *state.State {
		text := st.Repr().NormalizedText
		if text == "" {
			text = st.ProblemText
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.TokenizerPrompt, text, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("tokenizer:%v", err)
			return st
		}

		sentences := oracle.Strings(out, "sentences")
		perSentence := stringRows(out, "tokens_per_sentence")
		if len(perSentence) == 0 {
			perSentence = stringRows(out, "tokens")
		}
		if len(perSentence) == 0 && len(sentences) == 1 {
			if flat := oracle.Strings(out, "tokens"); len(flat) > 0 {
				perSentence = [][]string{flat}
			}
		}
		if len(perSentence) != len(sentences) {
			perSentence = perSentence[:0]
			for _, s := range sentences {
				perSentence = append(perSentence, strings.Fields(s))
			}
		}

		var flat []string
		for _, row := range perSentence {
			flat = append(flat, row...)
		}
		r := st.Repr()
		r.Sentences = sentences
		r.TokensPerSentence = perSentence
		r.Tokens = flat
		return st
	}}
}

// EntitiesStep extracts variables, constants and quantities, then
// deterministically folds in any numeric literals the oracle missed.
func EntitiesStep(c oracle.Client) Step {
	return Step{Name: "entities", Run: func(ctx context.Context, st *state.State) *state.State {
		r := st.Repr()
		payload := map[string]any{
			"sentences": r.Sentences,
			"tokens":    r.Tokens,
			"text":      st.ProblemText,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.EntityExtractorPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("entity-extractor:%v", err)
			return st
		}

		sc := st.Scope()
		sc.Variables = oracle.Strings(out, "variables")
		sc.Constants = oracle.Strings(out, "constants")
		sc.Quantities = decodeQuantities(out)

		// Numeric literals in the text always count as constants and
		// quantities, whether or not the oracle reported them.
		seen := map[string]bool{}
		for _, tok := range r.Tokens {
			for _, m := range numberPattern.FindAllString(tok, -1) {
				seen[m] = true
			}
		}
		for _, m := range numberPattern.FindAllString(r.NormalizedText, -1) {
			seen[m] = true
		}
		existing := map[string]bool{}
		for _, name := range sc.Constants {
			existing[name] = true
		}
		present := map[string]bool{}
		for _, q := range sc.Quantities {
			present[q.Value] = true
		}
		nums := make([]string, 0, len(seen))
		for n := range seen {
			nums = append(nums, n)
		}
		sort.Slice(nums, func(i, j int) bool {
			if len(nums[i]) != len(nums[j]) {
				return len(nums[i]) < len(nums[j])
			}
			return nums[i] < nums[j]
		})
		for _, n := range nums {
			if !existing[n] {
				sc.Constants = append(sc.Constants, n)
			}
			if !present[n] {
				sc.Quantities = append(sc.Quantities, state.Quantity{Value: n})
			}
		}
		return st
	}}
}

func decodeQuantities(out map[string]any) []state.Quantity {
	raw, ok := out["quantities"].([]any)
	if !ok {
		return nil
	}
	var qs []state.Quantity
	for _, item := range raw {
		d, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q := state.Quantity{Value: oracle.Text(d, "value"), Unit: oracle.Text(d, "unit")}
		if idx, ok := d["sentence_idx"].(float64); ok {
			q.SentenceIdx = int(idx)
		}
		if q.Value != "" {
			qs = append(qs, q)
		}
	}
	return qs
}

func stringRows(out map[string]any, key string) [][]string {
	raw, ok := out[key].([]any)
	if !ok {
		return nil
	}
	var rows [][]string
	for _, item := range raw {
		inner, ok := item.([]any)
		if !ok {
			return nil
		}
		row := make([]string, 0, len(inner))
		for _, v := range inner {
			row = append(row, fmt.Sprint(v))
		}
		rows = append(rows, row)
	}
	return rows
}

// RelationsStep extracts explicit equations and inequalities into the active
// constraint set.
func RelationsStep(c oracle.Client) Step {
	return Step{Name: "relations", Run: func(ctx context.Context, st *state.State) *state.State {
		r := st.Repr()
		payload := map[string]any{
			"sentences": r.Sentences,
			"tokens":    r.Tokens,
			"text":      st.ProblemText,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.RelationExtractorPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("relation-extractor:%v", err)
			return st
		}
		st.SetConstraints(oracle.Strings(out, "relations"))
		return st
	}}
}

// GoalStep infers the task goal from the sentences and raw text.
func GoalStep(c oracle.Client) Step {
	return Step{Name: "goal", Run: func(ctx context.Context, st *state.State) *state.State {
		payload := map[string]any{
			"sentences": st.Repr().Sentences,
			"text":      st.ProblemText,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.GoalInterpreterPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("goal-interpreter:%v", err)
			return st
		}
		st.Goal = oracle.Text(out, "goal")
		return st
	}}
}

// ClassifyStep labels the problem with its most specific type.
func ClassifyStep(c oracle.Client) Step {
	return Step{Name: "classify", Run: func(ctx context.Context, st *state.State) *state.State {
		payload := map[string]any{
			"relations": st.Constraints(),
			"goal":      st.Goal,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.TypeClassifierPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("type-classifier:%v", err)
			return st
		}
		st.ProblemType = oracle.Text(out, "problem_type")
		return st
	}}
}

// ReprStep builds the canonical representation and records its target
// expression for downstream candidate extraction and verification.
func ReprStep(c oracle.Client) Step {
	return Step{Name: "repr", Run: func(ctx context.Context, st *state.State) *state.State {
		sc := st.Scope()
		payload := map[string]any{
			"variables":    sc.Variables,
			"constants":    sc.Constants,
			"quantities":   sc.Quantities,
			"relations":    st.Constraints(),
			"goal":         st.Goal,
			"problem_type": st.ProblemType,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.RepresentationPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("representation:%v", err)
			return st
		}
		if target := oracle.Text(out, "target"); target != "" {
			st.Repr().CanonicalTarget = target
		}
		return st
	}}
}

// PopulateViewStep seeds an alternative representation by copying the
// symbolic view, so replan rotation lands on a populated view. Deterministic,
// so QA is skipped.
func PopulateViewStep(rep state.Representation) Step {
	return Step{Name: "populate_" + string(rep), Run: func(_ context.Context, st *state.State) *state.State {
		st.PopulateView(state.RepSymbolic, rep)
		st.SkipQA = true
		return st
	}}
}

// SchemaStep retrieves named canonical schemas for the classified type.
func SchemaStep(c oracle.Client) Step {
	return Step{Name: "schema", Run: func(ctx context.Context, st *state.State) *state.State {
		payload := map[string]any{
			"type":      st.ProblemType,
			"relations": st.Constraints(),
			"target":    st.Goal,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.SchemaRetrieverPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("schema-retriever:%v", err)
			return st
		}
		st.Schemas = oracle.Strings(out, "schemas")
		return st
	}}
}

// StrategiesStep enumerates micro-plan strategies for the retrieved schemas.
func StrategiesStep(c oracle.Client) Step {
	return Step{Name: "strategies", Run: func(ctx context.Context, st *state.State) *state.State {
		payload := map[string]any{
			"schemas":   st.Schemas,
			"relations": st.Constraints(),
			"target":    st.Goal,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.StrategyEnumeratorPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("strategy-enumerator:%v", err)
			return st
		}
		st.Strategies = oracle.Strings(out, "strategies")
		return st
	}}
}

// ChooseStrategyStep picks the first strategy whose preconditions the oracle
// accepts, falling back to the first listed strategy.
func ChooseStrategyStep(c oracle.Client) Step {
	return Step{Name: "choose_strategy", Run: func(ctx context.Context, st *state.State) *state.State {
		for _, s := range st.Strategies {
			payload := map[string]any{
				"strategy":  s,
				"relations": st.Constraints(),
			}
			out, err := oracle.InvokeJSON(ctx, c, oracle.PreconditionCheckerPrompt, payload, st.QAFeedback)
			if err != nil {
				continue
			}
			if ok, _ := out["ok"].(bool); ok {
				st.ChosenStrategy = s
				break
			}
		}
		st.QAFeedback = ""
		if st.ChosenStrategy == "" {
			if len(st.Strategies) > 0 {
				st.ChosenStrategy = st.Strategies[0]
			} else {
				st.Error = "no-strategy"
			}
		}
		return st
	}}
}

// DecomposeStep asks the oracle for an atomic plan. The plan linter runs as
// the post-condition check for this step, not the QA oracle.
func DecomposeStep(c oracle.Client) Step {
	return Step{Name: "decompose", Run: func(ctx context.Context, st *state.State) *state.State {
		payload := map[string]any{
			"strategy":  st.ChosenStrategy,
			"relations": st.Constraints(),
			"target":    st.Goal,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.StepDecomposerPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			st.Error = fmt.Sprintf("step-decomposer:%v", err)
			return st
		}

		var steps []state.PlanStep
		if raw, ok := out["steps"].([]any); ok {
			for _, item := range raw {
				d, ok := item.(map[string]any)
				if !ok {
					continue
				}
				ps := state.PlanStep{Action: oracle.Text(d, "action")}
				if args, ok := d["args"].(map[string]any); ok {
					ps.Args = args
				}
				steps = append(steps, ps)
			}
		}
		st.PlanSteps = steps
		st.CurrentStep = 0
		return st
	}}
}

// ExecutePlanStep hands the state to the anytime scheduler loop.
func ExecutePlanStep(sched *scheduler.Scheduler) Step {
	return Step{Name: "execute_plan", Run: func(_ context.Context, st *state.State) *state.State {
		return sched.Solve(st)
	}}
}

// SolveExactStep attempts one exact solve after the scheduler loop, gated on
// the system being determined. A goal of the form "solve for x" names the
// target; otherwise the single remaining unknown is used.
func SolveExactStep() Step {
	return Step{Name: "solve_exact", Run: func(_ context.Context, st *state.State) *state.State {
		scheduler.UpdateMetrics(st)
		if st.M.EqCount == 0 || st.M.DOF != 0 {
			st.SkipQA = true
			return st
		}
		sc := st.Scope()
		if target, ok := goalTarget(st.Goal); ok {
			if v, solved := algebra.SolveFor(st.Constraints(), target, sc.Env); solved {
				st.AddCandidate(algebra.FormatValue(v))
				return st
			}
		}
		if _, v, solved := algebra.SolveAny(st.Constraints(), sc.Env); solved {
			st.AddCandidate(algebra.FormatValue(v))
			return st
		}
		st.SkipQA = true
		return st
	}}
}

func goalTarget(goal string) (string, bool) {
	lower := strings.ToLower(goal)
	idx := strings.Index(lower, "solve for")
	if idx == -1 {
		return "", false
	}
	rest := strings.TrimSpace(goal[idx+len("solve for"):])
	if rest == "" {
		return "", false
	}
	name := strings.FieldsFunc(rest, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == ':' || r == ';'
	})
	if len(name) == 0 {
		return "", false
	}
	return name[0], true
}

// ExtractCandidateStep harvests a candidate answer from the evolved state:
// the canonical target under the env when evaluable, otherwise a numeric side
// of the latest equality, otherwise an oracle synthesis. Verification decides
// promotion, so QA is always skipped here.
func ExtractCandidateStep(c oracle.Client) Step {
	return Step{Name: "extract_candidate", Run: func(ctx context.Context, st *state.State) *state.State {
		defer func() { st.SkipQA = true }()

		env := st.Scope().Env
		if target, has := st.CanonicalTarget(); has {
			if v, ok := algebra.EvalNumeric(target, env); ok {
				st.AddCandidate(algebra.FormatValue(v))
				return st
			}
		}

		rels := st.Constraints()
		for i := len(rels) - 1; i >= 0; i-- {
			lhs, op, rhs := algebra.SplitRelation(rels[i])
			if op != "=" {
				continue
			}
			if v, ok := algebra.EvalNumeric(rhs, nil); ok {
				st.AddCandidate(algebra.FormatValue(v))
				return st
			}
			if v, ok := algebra.EvalNumeric(lhs, nil); ok {
				st.AddCandidate(algebra.FormatValue(v))
				return st
			}
		}

		payload := map[string]any{
			"relations":    rels,
			"goal":         st.Goal,
			"problem_type": st.ProblemType,
			"plan_steps":   st.PlanSteps,
		}
		out, err := oracle.InvokeJSON(ctx, c, oracle.CandidateSynthesizerPrompt, payload, st.QAFeedback)
		st.QAFeedback = ""
		if err != nil {
			return st
		}
		if cand := strings.TrimSpace(oracle.Text(out, "candidate")); cand != "" {
			if v, ok := algebra.EvalNumeric(cand, env); ok {
				st.AddCandidate(algebra.FormatValue(v))
			} else {
				st.AddCandidate(cand)
			}
		}
		return st
	}}
}

// SimplifyCandidateStep canonicalizes the latest candidate, preferring its
// numeric evaluation when one exists.
func SimplifyCandidateStep() Step {
	return Step{Name: "simplify_candidate", Run: func(_ context.Context, st *state.State) *state.State {
		a := st.Answers()
		if len(a.Candidates) == 0 {
			st.SkipQA = true
			return st
		}
		last := a.Candidates[len(a.Candidates)-1]
		simp := algebra.SimplifyExpr(last)
		if v, ok := algebra.EvalNumeric(simp, st.Scope().Env); ok {
			simp = algebra.FormatValue(v)
		}
		a.Candidates[len(a.Candidates)-1] = simp
		a.Best = simp
		st.SkipQA = true
		return st
	}}
}

// VerifyStep runs the verification engine over the candidate list. Failure to
// verify is not a step error; the answer simply stays a candidate.
func VerifyStep() Step {
	return Step{Name: "verify", Run: func(_ context.Context, st *state.State) *state.State {
		a := st.Answers()
		if len(a.Candidates) == 0 {
			st.SkipQA = true
			return st
		}
		verified := false
		for i := len(a.Candidates) - 1; i >= 0; i-- {
			a.Best = a.Candidates[i]
			if verification.VerifyCandidate(st, "pipeline_verify") {
				verified = true
				break
			}
		}
		if !verified {
			// Nothing passed; keep the newest candidate as the answer.
			a.Best = a.Candidates[len(a.Candidates)-1]
		}
		st.SkipQA = true
		return st
	}}
}

// DefaultSteps assembles the standard recognition, reasoning and calculation
// pipeline around the given oracle client and scheduler.
func DefaultSteps(c oracle.Client, sched *scheduler.Scheduler) []Step {
	return []Step{
		NormalizeStep(),
		TokenizeStep(c),
		EntitiesStep(c),
		RelationsStep(c),
		GoalStep(c),
		ClassifyStep(c),
		ReprStep(c),
		PopulateViewStep(state.RepNumeric),
		PopulateViewStep(state.RepAlt),
		SchemaStep(c),
		StrategiesStep(c),
		ChooseStrategyStep(c),
		DecomposeStep(c),
		ExecutePlanStep(sched),
		SolveExactStep(),
		ExtractCandidateStep(c),
		SimplifyCandidateStep(),
		VerifyStep(),
	}
}
