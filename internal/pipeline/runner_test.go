package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microsolve/internal/oracle"
	"microsolve/internal/scheduler"
	"microsolve/internal/state"
)

// routedOracle answers by system prompt so a whole pipeline run can be
// scripted without a live endpoint.
type routedOracle struct {
	qaReplies []string
	qaCalls   int
}

func (r *routedOracle) Complete(ctx context.Context, prompt string) (string, error) {
	return r.CompleteWithSystem(ctx, "", prompt)
}

func (r *routedOracle) CompleteWithSystem(_ context.Context, system, user string) (string, error) {
	switch system {
	case oracle.TokenizerPrompt:
		return `{"sentences":["2x+3=11"],"tokens_per_sentence":[["2","x","+","3","=","11"]]}`, nil
	case oracle.EntityExtractorPrompt:
		return `{"variables":["x"],"constants":["2","3","11"],"quantities":[{"value":"2","sentence_idx":0},{"value":"3","sentence_idx":0},{"value":"11","sentence_idx":0}]}`, nil
	case oracle.RelationExtractorPrompt:
		return `{"relations":["2*x + 3 = 11"]}`, nil
	case oracle.GoalInterpreterPrompt:
		return `{"goal":"solve for x"}`, nil
	case oracle.TypeClassifierPrompt:
		return `{"problem_type":"linear"}`, nil
	case oracle.RepresentationPrompt:
		return `{"symbols":["x"],"given":[],"constraints":["2*x + 3 = 11"],"target":"x","type":"linear"}`, nil
	case oracle.SchemaRetrieverPrompt:
		return `{"schemas":["linear_isolation"]}`, nil
	case oracle.StrategyEnumeratorPrompt:
		return `{"strategies":["isolate_x_by_add_sub"]}`, nil
	case oracle.PreconditionCheckerPrompt:
		return `{"ok":true,"reasons":[]}`, nil
	case oracle.StepDecomposerPrompt:
		return `{"steps":[{"action":"divide both sides","args":{"relation":"2*x + 3 = 11"}}]}`, nil
	case oracle.QAPrompt:
		r.qaCalls++
		if len(r.qaReplies) > 0 {
			reply := r.qaReplies[0]
			r.qaReplies = r.qaReplies[1:]
			return reply, nil
		}
		return "pass", nil
	}
	return "", fmt.Errorf("unexpected system prompt: %.40s", system)
}

func TestRunSolvesLinearEquationEndToEnd(t *testing.T) {
	client := &routedOracle{}
	steps := DefaultSteps(client, scheduler.NewDefault(nil))
	r := NewRunner(steps, client, nil)

	out := r.Run(context.Background(), state.New("2x+3=11"))

	require.Empty(t, out.Error)
	final, ok := out.Final()
	require.True(t, ok)
	assert.Equal(t, "4", final)
	assert.Equal(t, "verified", out.Answers().FinalConfidence)
	require.NotNil(t, out.Answers().Certificate)
	assert.True(t, out.Answers().Certificate.Verified)
}

func TestRunDoesNotMutateInput(t *testing.T) {
	client := &routedOracle{}
	steps := DefaultSteps(client, scheduler.NewDefault(nil))
	r := NewRunner(steps, client, nil)

	in := state.New("2x+3=11")
	_ = r.Run(context.Background(), in)

	_, ok := in.Final()
	assert.False(t, ok)
	assert.Empty(t, in.Constraints())
}

func TestStepErrorRetriesWithFeedback(t *testing.T) {
	var feedbacks []string
	failures := 2
	step := Step{Name: "flaky", Run: func(_ context.Context, st *state.State) *state.State {
		feedbacks = append(feedbacks, st.QAFeedback)
		if failures > 0 {
			failures--
			st.Error = "boom"
			return st
		}
		st.SkipQA = true
		return st
	}}

	r := NewRunner([]Step{step}, &routedOracle{}, nil)
	out := r.Run(context.Background(), state.New("p"))

	assert.Empty(t, out.Error)
	require.Len(t, feedbacks, 3)
	assert.Equal(t, "", feedbacks[0])
	assert.Equal(t, "error:boom", feedbacks[1])
	assert.Equal(t, "error:boom", feedbacks[2])
}

func TestStepErrorExhaustsRetries(t *testing.T) {
	step := Step{Name: "doomed", Run: func(_ context.Context, st *state.State) *state.State {
		st.Error = "boom"
		return st
	}}

	r := NewRunner([]Step{step}, &routedOracle{}, nil)
	r.QAMaxRetries = 2
	out := r.Run(context.Background(), state.New("p"))

	assert.Equal(t, "boom", out.Error)
	// Even a terminal error yields a certificate.
	require.NotNil(t, out.Answers().Certificate)
	assert.False(t, out.Answers().Certificate.Verified)
}

func TestQARejectionRevertsState(t *testing.T) {
	runs := 0
	step := Step{Name: "mutate", Run: func(_ context.Context, st *state.State) *state.State {
		runs++
		// Earlier attempts must not leak into later ones.
		st.SetConstraints(append(st.Constraints(), fmt.Sprintf("x = %d", runs)))
		return st
	}}

	client := &routedOracle{qaReplies: []string{"relations look wrong", "pass"}}
	r := NewRunner([]Step{step}, client, nil)
	out := r.Run(context.Background(), state.New("p"))

	assert.Empty(t, out.Error)
	assert.Equal(t, 2, runs)
	assert.Equal(t, []string{"x = 2"}, out.Constraints())
}

func TestQAExhaustionSetsTerminalError(t *testing.T) {
	step := Step{Name: "suspect", Run: func(_ context.Context, st *state.State) *state.State {
		return st
	}}

	client := &routedOracle{qaReplies: []string{"bad", "bad", "bad"}}
	r := NewRunner([]Step{step}, client, nil)
	r.QAMaxRetries = 3
	out := r.Run(context.Background(), state.New("p"))

	assert.Contains(t, out.Error, "QA failed for suspect")
	assert.NotNil(t, out.Answers().Certificate)
}

func TestSkipQABypassesOracleOnce(t *testing.T) {
	step := Step{Name: "quiet", Run: func(_ context.Context, st *state.State) *state.State {
		st.SkipQA = true
		return st
	}}

	client := &routedOracle{}
	r := NewRunner([]Step{step}, client, nil)
	out := r.Run(context.Background(), state.New("p"))

	assert.Empty(t, out.Error)
	assert.False(t, out.SkipQA)
	assert.Zero(t, client.qaCalls)
}

func TestEarlyExitOnFinal(t *testing.T) {
	first := Step{Name: "answer", Run: func(_ context.Context, st *state.State) *state.State {
		st.AddCandidate("7")
		st.SetFinal("7", "verified")
		st.SkipQA = true
		return st
	}}
	ran := false
	second := Step{Name: "never", Run: func(_ context.Context, st *state.State) *state.State {
		ran = true
		st.SkipQA = true
		return st
	}}

	r := NewRunner([]Step{first, second}, &routedOracle{}, nil)
	out := r.Run(context.Background(), state.New("p"))

	final, ok := out.Final()
	require.True(t, ok)
	assert.Equal(t, "7", final)
	assert.False(t, ran)
}

func TestDecomposeGateUsesLinterNotOracle(t *testing.T) {
	step := Step{Name: "decompose", Run: func(_ context.Context, st *state.State) *state.State {
		st.PlanSteps = []state.PlanStep{
			{Action: "compute", Args: map[string]any{"result": 5.0}},
		}
		return st
	}}

	client := &routedOracle{}
	r := NewRunner([]Step{step}, client, nil)
	r.QAMaxRetries = 2
	out := r.Run(context.Background(), state.New("p"))

	assert.Contains(t, out.Error, "QA failed for decompose")
	assert.Contains(t, out.Error, "arg-forbidden:result")
	assert.Zero(t, client.qaCalls)
}

func TestPreSuppliedPlanIsLinted(t *testing.T) {
	ran := false
	step := Step{Name: "any", Run: func(_ context.Context, st *state.State) *state.State {
		ran = true
		st.SkipQA = true
		return st
	}}

	st := state.New("p")
	st.PlanSteps = []state.PlanStep{
		{Action: "sum", Args: map[string]any{"values": []any{1.0, 11.0, 37.0}}},
	}

	r := NewRunner([]Step{step}, &routedOracle{}, nil)
	out := r.Run(context.Background(), st)

	assert.True(t, strings.HasPrefix(out.Error, "plan-policy-violations:"))
	assert.Contains(t, out.Error, "arg-numeric-list:values")
	assert.False(t, ran)
}

func TestExplanationFallbackWithoutCandidate(t *testing.T) {
	step := Step{Name: "setup", Run: func(_ context.Context, st *state.State) *state.State {
		st.SetConstraints([]string{"x + y = 5"})
		st.SkipQA = true
		return st
	}}

	r := NewRunner([]Step{step}, &routedOracle{}, nil)
	out := r.Run(context.Background(), state.New("p"))

	assert.Contains(t, out.Answers().Explanation, "no candidate; last relation: x + y = 5")
}

func TestRunBatchKeepsProblemsIndependent(t *testing.T) {
	step := Step{Name: "echo", Run: func(_ context.Context, st *state.State) *state.State {
		st.SetConstraints([]string{st.ProblemText})
		st.SkipQA = true
		return st
	}}

	r := NewRunner([]Step{step}, &routedOracle{}, nil)
	results, err := r.RunBatch(context.Background(), []string{"a = 1", "b = 2", "c = 3"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, want := range []string{"a = 1", "b = 2", "c = 3"} {
		assert.Equal(t, []string{want}, results[i].Constraints())
		assert.NotNil(t, results[i].Answers().Certificate)
	}
}
