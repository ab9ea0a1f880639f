package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microsolve/internal/state"
)

func newState(rels []string, vars ...string) *state.State {
	st := state.New("")
	st.SetConstraints(rels)
	st.Scope().Variables = vars
	return st
}

func TestVerifyBySubstitution(t *testing.T) {
	st := newState([]string{"x + 2 = 5"}, "x")
	st.AddCandidate("3")
	require.True(t, VerifyCandidate(st, "VerifyOperator"))

	final, ok := st.Final()
	require.True(t, ok)
	assert.Equal(t, "3", final)
	assert.Equal(t, "verified", st.Answers().FinalConfidence)
	assert.Equal(t, "substitution", st.M.VerificationContext.Method)
	assert.Equal(t, "VerifyOperator", st.M.VerificationContext.Via)
}

func TestVerifyVacuousSubstitutionFails(t *testing.T) {
	// No constraints means zero checks performed, which is not success.
	st := newState(nil, "x")
	st.AddCandidate("3")
	assert.False(t, VerifyCandidate(st, "VerifyOperator"))
	_, ok := st.Final()
	assert.False(t, ok)
}

func TestVerifyByCanonicalTarget(t *testing.T) {
	st := newState(nil, "x")
	st.Repr().CanonicalTarget = "2 + 1"
	st.AddCandidate("3")
	require.True(t, VerifyCandidate(st, "VerifyOperator"))
	assert.Equal(t, "canonical_target", st.M.VerificationContext.Method)
}

func TestVerifyByCustomVerifier(t *testing.T) {
	st := newState(nil, "x")
	st.E.Verifier = func(c string) bool { return c == "42" }
	st.AddCandidate("42")
	require.True(t, VerifyCandidate(st, "VerifyOperator"))
	assert.Equal(t, "custom_verifier", st.M.VerificationContext.Method)

	st2 := newState(nil, "x")
	st2.E.Verifier = func(string) bool { return false }
	st2.AddCandidate("42")
	assert.False(t, VerifyCandidate(st2, "VerifyOperator"))
}

func TestVerifyIsNoOpOnceFinal(t *testing.T) {
	st := newState([]string{"x = 3"}, "x")
	st.AddCandidate("3")
	require.True(t, VerifyCandidate(st, "VerifyOperator"))
	ctx := st.M.VerificationContext

	assert.False(t, VerifyCandidate(st, "VerifyOperator"))
	assert.Same(t, ctx, st.M.VerificationContext, "no new attempt is recorded after final")
	final, _ := st.Final()
	assert.Equal(t, "3", final)
}

func TestAdoptCanonicalTarget(t *testing.T) {
	st := newState(nil, "x")
	assert.False(t, AdoptCanonicalTarget(st), "nothing to adopt")

	st.Repr().CanonicalTarget = "2 + 2"
	require.True(t, AdoptCanonicalTarget(st))
	assert.Equal(t, "4", st.Answers().Best)

	assert.False(t, AdoptCanonicalTarget(st), "a candidate already exists")
}

func TestBuildCertificateWithoutCandidate(t *testing.T) {
	st := newState([]string{"x + y = 5"}, "x", "y")
	cert := BuildCertificate(st)
	require.NotNil(t, cert)
	assert.False(t, cert.Verified)
	assert.False(t, cert.HasValue)
}

func TestBuildCertificateResiduals(t *testing.T) {
	st := newState([]string{"x + 2 = 5"}, "x")
	st.AddCandidate("3")
	st.SetFinal("3", "verified")
	cert := BuildCertificate(st)
	require.True(t, cert.HasValue)
	assert.Equal(t, "3", cert.Value)
	assert.True(t, cert.Verified)
	assert.InDelta(t, 0.0, cert.Residuals["x + 2 = 5"], 1e-9)
}

func TestTargetSymbolInference(t *testing.T) {
	st := newState([]string{"x + 2 = 5"}, "x")
	name, ok := TargetSymbol(st)
	require.True(t, ok)
	assert.Equal(t, "x", name)

	st = newState([]string{"x + y = 5"}, "x", "y")
	_, ok = TargetSymbol(st)
	assert.False(t, ok)
}
