package oracle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	reply    string
	err      error
	lastSys  string
	lastUser string
}

func (m *mockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.lastSys = systemPrompt
	m.lastUser = userPrompt
	return m.reply, m.err
}

func TestExtractJSONStripsFences(t *testing.T) {
	raw := "```json\n{\"goal\": \"solve for x\"}\n```"
	assert.Equal(t, `{"goal": "solve for x"}`, ExtractJSON(raw))
}

func TestExtractJSONIgnoresSurroundingProse(t *testing.T) {
	raw := "Sure, here you go: {\"relations\": [\"x = 1\"]} hope that helps"
	assert.Equal(t, `{"relations": ["x = 1"]}`, ExtractJSON(raw))
}

func TestExtractJSONNoObject(t *testing.T) {
	assert.Equal(t, "", ExtractJSON("no json here"))
	assert.Equal(t, "", ExtractJSON("{broken"))
}

func TestInvokeJSONDecodesReply(t *testing.T) {
	c := &mockClient{reply: `{"goal":"solve for x"}`}
	out, err := InvokeJSON(context.Background(), c, GoalInterpreterPrompt, map[string]any{"text": "solve 2x+3=11"}, "")
	require.NoError(t, err)
	assert.Equal(t, "solve for x", Text(out, "goal"))
	assert.Equal(t, GoalInterpreterPrompt, c.lastSys)
}

func TestInvokeJSONMalformedReply(t *testing.T) {
	c := &mockClient{reply: "not json at all"}
	_, err := InvokeJSON(context.Background(), c, TokenizerPrompt, "2x+3=11", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid-json")
}

func TestInvokeJSONAttachesFeedbackToObjectPayload(t *testing.T) {
	c := &mockClient{reply: `{"ok":true}`}
	_, err := InvokeJSON(context.Background(), c, PreconditionCheckerPrompt,
		map[string]any{"strategy": "isolate_x"}, "missing relations key")
	require.NoError(t, err)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.lastUser), &sent))
	assert.Equal(t, "missing relations key", sent["qa_feedback"])
	assert.Equal(t, "isolate_x", sent["strategy"])
}

func TestInvokeTextAppendsFeedbackToStringPayload(t *testing.T) {
	c := &mockClient{reply: "pass"}
	out, err := InvokeText(context.Background(), c, QAPrompt, "check this", "error:tokenize-parse")
	require.NoError(t, err)
	assert.Equal(t, "pass", out)
	assert.Contains(t, c.lastUser, "[qa_feedback]: error:tokenize-parse")
}

func TestStringsCoercesNumbers(t *testing.T) {
	obj := map[string]any{"relations": []any{"x = 1", 2.5, true}}
	assert.Equal(t, []string{"x = 1", "2.5"}, Strings(obj, "relations"))
	assert.Nil(t, Strings(obj, "missing"))
}
