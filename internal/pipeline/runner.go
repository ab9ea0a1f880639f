// Package pipeline is the sequential orchestrator: recognition, reasoning and
// calculation steps run in order over the problem state, each followed by a
// post-condition check with bounded retry-with-feedback.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"microsolve/internal/oracle"
	"microsolve/internal/planlint"
	"microsolve/internal/state"
	"microsolve/internal/verification"
)

// DefaultQAMaxRetries bounds per-step retries, for both step errors and QA
// rejections.
const DefaultQAMaxRetries = 5

// Runner drives one problem through the step graph. The state is passed by
// unique ownership from step to step; a snapshot taken before each step is
// the only undo mechanism, so a rejected step reverts exactly.
type Runner struct {
	Steps        []Step
	Oracle       oracle.Client
	QAMaxRetries int

	logger *zap.Logger
}

// NewRunner builds a runner over the given steps. A nil logger disables
// diagnostics.
func NewRunner(steps []Step, client oracle.Client, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Steps:        steps,
		Oracle:       client,
		QAMaxRetries: DefaultQAMaxRetries,
		logger:       logger,
	}
}

// Run executes every step over a clone of the input state and returns the
// evolved state. A terminal failure is reported through state.Error, never by
// a Go error: the run always yields its best-effort state and certificate.
func (r *Runner) Run(ctx context.Context, inputs *state.State) *state.State {
	st := inputs.Clone()
	runID := uuid.NewString()
	log := r.logger.With(zap.String("run_id", runID))

	// Externally supplied plans are linted before anything runs. A policy
	// violation is a property of the plan, not the state, so there is no
	// retry-by-mutation.
	if len(st.PlanSteps) > 0 {
		if res := lintPlan(st.PlanSteps); !res.OK {
			st.Error = "plan-policy-violations:" + strings.Join(res.Issues, ", ")
			log.Error("plan rejected", zap.Strings("issues", res.Issues))
			return st
		}
	}

	total := len(r.Steps)
	for idx, step := range r.Steps {
		attempts := 0
		for {
			log.Debug("step start",
				zap.Int("idx", idx+1),
				zap.Int("total", total),
				zap.String("step", step.Name),
				zap.Int("attempt", attempts+1))

			before := st.Clone()
			st = step.Run(ctx, st)

			if st.Error != "" {
				reason := st.Error
				attempts++
				if attempts >= r.QAMaxRetries {
					log.Warn("step failed terminally",
						zap.String("step", step.Name), zap.String("reason", reason))
					return r.finish(st, log)
				}
				log.Debug("step error, retrying",
					zap.String("step", step.Name), zap.String("reason", reason))
				before.QAFeedback = "error:" + reason
				st = before
				continue
			}

			if st.SkipQA {
				st.SkipQA = false
				break
			}

			ok, reason := r.check(ctx, step.Name, st)
			log.Debug("step QA",
				zap.String("step", step.Name),
				zap.Bool("ok", ok),
				zap.String("reason", reason))
			if ok {
				st.QAFeedback = ""
				break
			}
			attempts++
			if attempts >= r.QAMaxRetries {
				st.Error = fmt.Sprintf("QA failed for %s: %s", step.Name, reason)
				return r.finish(st, log)
			}
			before.QAFeedback = reason
			st = before
		}

		// The remaining steps only refine an answer we already trust.
		if _, done := st.Final(); done {
			break
		}
	}

	return r.finish(st, log)
}

// lintPlan adapts the typed plan to the linter's raw JSON shape.
func lintPlan(steps []state.PlanStep) planlint.Result {
	raw := make([]map[string]any, len(steps))
	for i, s := range steps {
		entry := map[string]any{"action": s.Action}
		if s.Args != nil {
			entry["args"] = s.Args
		}
		raw[i] = entry
	}
	return planlint.LintSteps(raw)
}

// check runs the post-condition gate for one step. The decompose step gets
// the deterministic plan linter; everything else goes to the QA oracle.
func (r *Runner) check(ctx context.Context, stepName string, st *state.State) (bool, string) {
	if stepName == "decompose" {
		res := lintPlan(st.PlanSteps)
		if res.OK {
			return true, "pass"
		}
		return false, "plan-policy-violations:" + strings.Join(res.Issues, ", ")
	}

	payload, err := json.Marshal(map[string]any{
		"step": stepName,
		"data": qaView(st),
		"out":  stepOut(stepName, st),
	})
	if err != nil {
		return false, fmt.Sprintf("qa:serialization-failed:%v", err)
	}

	reply, err := oracle.InvokeText(ctx, r.Oracle, oracle.QAPrompt, string(payload), "")
	if err != nil {
		return false, fmt.Sprintf("qa:error:%v", err)
	}
	lower := strings.ToLower(strings.TrimSpace(reply))
	if lower == "" || strings.HasPrefix(lower, "pass") {
		return true, "pass"
	}
	return false, reply
}

// qaView is the serializable slice of state the QA oracle sees.
func qaView(st *state.State) map[string]any {
	r := st.Repr()
	sc := st.Scope()
	a := st.Answers()
	var final any
	if v, ok := st.Final(); ok {
		final = v
	}
	return map[string]any{
		"problem_text": st.ProblemText,
		"sentences":    r.Sentences,
		"tokens":       r.Tokens,
		"variables":    sc.Variables,
		"constants":    sc.Constants,
		"quantities":   sc.Quantities,
		"relations":    st.Constraints(),
		"goal":         st.Goal,
		"problem_type": st.ProblemType,
		"schemas":      st.Schemas,
		"strategies":   st.Strategies,
		"plan_steps":   st.PlanSteps,
		"env":          sc.Env,
		"candidates":   a.Candidates,
		"final_answer": final,
	}
}

// stepOut is the minimal per-step output slice the QA oracle judges.
func stepOut(stepName string, st *state.State) map[string]any {
	r := st.Repr()
	sc := st.Scope()
	switch stepName {
	case "tokenize":
		return map[string]any{
			"sentences":           r.Sentences,
			"tokens":              r.Tokens,
			"tokens_per_sentence": r.TokensPerSentence,
		}
	case "entities":
		return map[string]any{
			"variables":  sc.Variables,
			"constants":  sc.Constants,
			"quantities": sc.Quantities,
		}
	case "relations":
		return map[string]any{"relations": st.Constraints()}
	case "goal":
		return map[string]any{"goal": st.Goal}
	case "classify":
		return map[string]any{"problem_type": st.ProblemType}
	case "repr":
		return map[string]any{"canonical_target": r.CanonicalTarget}
	case "schema":
		return map[string]any{"schemas": st.Schemas}
	case "strategies":
		return map[string]any{"strategies": st.Strategies}
	case "choose_strategy":
		return map[string]any{"chosen_strategy": st.ChosenStrategy}
	case "execute_plan":
		var final any
		if v, ok := st.Final(); ok {
			final = v
		}
		return map[string]any{
			"relations":          st.Constraints(),
			"progress_score":     st.M.ProgressScore,
			"degrees_of_freedom": st.M.DOF,
			"final_answer":       final,
		}
	}
	var final any
	if v, ok := st.Final(); ok {
		final = v
	}
	return map[string]any{
		"relations":    st.Constraints(),
		"plan_steps":   st.PlanSteps,
		"final_answer": final,
	}
}

// finish records the explanation fallback and the anytime certificate. It is
// the single exit path of Run, so a certificate is produced even on terminal
// errors.
func (r *Runner) finish(st *state.State, log *zap.Logger) *state.State {
	a := st.Answers()
	if v, ok := st.Final(); ok {
		log.Info("final solution", zap.String("value", v))
	} else {
		var fallback string
		switch {
		case len(a.Candidates) > 0:
			fallback = fmt.Sprintf("candidate-only (unverified): %s", a.Candidates[len(a.Candidates)-1])
		case len(st.Constraints()) > 0:
			rels := st.Constraints()
			fallback = fmt.Sprintf("no candidate; last relation: %s", rels[len(rels)-1])
		default:
			fallback = "no candidate; no relations"
		}
		if a.Explanation == "" {
			a.Explanation = fmt.Sprintf("No final answer computed; %s.", fallback)
		}
		log.Info("final solution", zap.String("fallback", fallback))
	}
	a.Certificate = verification.BuildCertificate(st)
	return st
}

// RunBatch pipelines independent problems through copies of the step graph.
// Each problem keeps strictly sequential semantics internally; only distinct
// problems overlap.
func (r *Runner) RunBatch(ctx context.Context, problems []string) ([]*state.State, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	results := make([]*state.State, len(problems))
	for i, text := range problems {
		i, text := i, text
		g.Go(func() error {
			results[i] = r.Run(ctx, state.New(text))
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
