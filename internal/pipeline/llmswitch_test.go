package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLLMSwitchIncomingParsesOpenAIChat(t *testing.T) {
	m := NewLLMSwitch()
	body, err := json.Marshal(map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "ping"}},
	})
	require.NoError(t, err)

	env := &Envelope{RequestID: "r1", EntryProtocol: "openai-chat", Body: body}
	out, err := m.ProcessIncoming(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "gpt-x", out.Model)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "ping", out.Messages[0].Content)
}

func TestLLMSwitchIncomingParsesResponsesInputAlias(t *testing.T) {
	m := NewLLMSwitch()
	body, err := json.Marshal(map[string]any{
		"model": "gpt-x",
		"input": []map[string]string{{"role": "user", "content": "hello"}},
	})
	require.NoError(t, err)

	env := &Envelope{RequestID: "r2", EntryProtocol: "openai-responses", Body: body}
	out, err := m.ProcessIncoming(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.Equal(t, "hello", out.Messages[0].Content)
}

func TestLLMSwitchRejectsMalformedBody(t *testing.T) {
	m := NewLLMSwitch()
	env := &Envelope{RequestID: "r3", Body: []byte("{not json")}
	_, err := m.ProcessIncoming(context.Background(), env)
	require.Error(t, err)
}

// outgoing(incoming(x)).data must equal x.data modulo _metadata.
func TestLLMSwitchRoundTripPreservesModelAndContent(t *testing.T) {
	m := NewLLMSwitch()
	body, err := json.Marshal(map[string]any{
		"model":    "gpt-x",
		"messages": []map[string]string{{"role": "user", "content": "round trip"}},
	})
	require.NoError(t, err)

	env := &Envelope{RequestID: "r4", Body: body}
	env, err = m.ProcessIncoming(context.Background(), env)
	require.NoError(t, err)

	env.Messages = []Message{{Role: "assistant", Content: "round trip"}}
	env, err = m.ProcessOutgoing(context.Background(), env)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(env.ResponseBody, &out))
	require.Equal(t, "gpt-x", out["model"])
	require.Equal(t, "round trip", out["content"])
	_, hasMetadata := out["_metadata"]
	require.False(t, hasMetadata, "_metadata must be absent unless explicitly enabled")
}
