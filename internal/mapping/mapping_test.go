package mapping

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/szibis/membrane-bridge/internal/queue"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)

func decodeJSON(t *testing.T, v any) any {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "expected base64 string, got %T", v)
	raw, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	var out any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSensitivity(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		def  string
		want string
	}{
		{"credential event", Event{Type: "credential_update"}, "low", SensitivityHyper},
		{"auth event beats context", Event{Type: "auth_refresh", Context: &EventContext{Sensitivity: "public"}}, "low", SensitivityHyper},
		{"context sensitivity", Event{Type: EventMessageReceived, Context: &EventContext{Sensitivity: "high"}}, "low", SensitivityHigh},
		{"dm channel", Event{Type: EventMessageReceived, Context: &EventContext{ChannelType: "dm"}}, "low", SensitivityMedium},
		{"private channel", Event{Type: EventMessageReceived, Context: &EventContext{IsPrivate: true}}, "low", SensitivityMedium},
		{"tool call", Event{Type: EventAfterToolCall}, "low", SensitivityMedium},
		{"default", Event{Type: EventMessageReceived}, "public", SensitivityPublic},
		{"empty default", Event{Type: EventMessageReceived}, "", SensitivityLow},
		{"invalid context", Event{Type: EventMessageReceived, Context: &EventContext{Sensitivity: "INVALID"}}, "low", SensitivityHyper},
		{"invalid default", Event{Type: EventMessageReceived}, "secret", SensitivityHyper},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sensitivity(tt.ev, tt.def))
		})
	}
}

func TestMap_Conversation(t *testing.T) {
	tests := []struct {
		evType  string
		payload map[string]any
		kind    string
		summary string
	}{
		{EventMessageReceived, map[string]any{"content": "Hello"}, "user_message", "Hello"},
		{EventMessageSent, map[string]any{"content": "Reply"}, "assistant_message", "Reply"},
		{EventSessionStart, nil, "session_init", "New session started"},
		{EventMessageReceived, map[string]any{}, "user_message", ""},
		{EventMessageReceived, map[string]any{"content": 42}, "user_message", ""},
	}

	for _, tt := range tests {
		t.Run(tt.evType+"_"+tt.kind, func(t *testing.T) {
			m, ok := Map(Event{Type: tt.evType, Payload: tt.payload}, "low", fixedNow)
			require.True(t, ok)
			assert.Equal(t, queue.MethodIngestEvent, m.Method)
			assert.Equal(t, tt.kind, m.Payload["event_kind"])
			assert.Equal(t, tt.summary, m.Payload["summary"])
			assert.Equal(t, Source, m.Payload["source"])
			assert.Equal(t, "low", m.Payload["sensitivity"])
			assert.Equal(t, "2026-03-04T05:06:07.890Z", m.Payload["timestamp"])
		})
	}
}

func TestMap_ToolCall(t *testing.T) {
	ev := Event{Type: EventAfterToolCall, Payload: map[string]any{
		"toolName": "exec",
		"params":   map[string]any{"cmd": "ls"},
		"result":   map[string]any{"ok": true},
	}}
	m, ok := Map(ev, "medium", fixedNow)
	require.True(t, ok)
	assert.Equal(t, queue.MethodIngestToolOutput, m.Method)
	assert.Equal(t, "exec", m.Payload["tool_name"])
	assert.Equal(t, map[string]any{"cmd": "ls"}, decodeJSON(t, m.Payload["args"]))
	assert.Equal(t, map[string]any{"ok": true}, decodeJSON(t, m.Payload["result"]))
	assert.Equal(t, "medium", m.Payload["sensitivity"])
}

func TestMap_ToolCallMissingFields(t *testing.T) {
	m, ok := Map(Event{Type: EventAfterToolCall}, "medium", fixedNow)
	require.True(t, ok)
	assert.Nil(t, m.Payload["tool_name"])
	assert.Equal(t, map[string]any{}, decodeJSON(t, m.Payload["args"]))
	assert.Equal(t, map[string]any{}, decodeJSON(t, m.Payload["result"]))
}

func TestMap_FactExtracted(t *testing.T) {
	ev := Event{Type: EventFactExtracted, Payload: map[string]any{
		"subject": "Jane Doe", "predicate": "is", "object": "CTO",
	}}
	m, ok := Map(ev, "low", fixedNow)
	require.True(t, ok)
	assert.Equal(t, queue.MethodIngestObservation, m.Method)
	assert.Equal(t, "Jane Doe", m.Payload["subject"])
	assert.Equal(t, "is", m.Payload["predicate"])
	assert.Equal(t, "CTO", decodeJSON(t, m.Payload["object"]))
}

func TestMap_TaskCompleted(t *testing.T) {
	tests := []struct {
		success any
		want    string
	}{
		{true, "success"},
		{false, "failure"},
		{nil, "failure"},
		{float64(1), "success"},
		{"", "failure"},
	}

	for _, tt := range tests {
		m, ok := Map(Event{Type: EventTaskCompleted, Payload: map[string]any{"targetId": "rec-1", "success": tt.success}}, "high", fixedNow)
		require.True(t, ok)
		assert.Equal(t, queue.MethodIngestOutcome, m.Method)
		assert.Equal(t, "rec-1", m.Payload["target_record_id"])
		assert.Equal(t, tt.want, m.Payload["outcome_status"], "success=%v", tt.success)
		_, hasSensitivity := m.Payload["sensitivity"]
		assert.False(t, hasSensitivity)
	}
}

func TestMap_Unknown(t *testing.T) {
	for _, typ := range []string{"unknown_event", "message_sending", ""} {
		_, ok := Map(Event{Type: typ}, "low", fixedNow)
		assert.False(t, ok, typ)
	}
}

func TestEventJSON(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"message_received","payload":{"content":"hi"},"context":{"channelType":"dm","isPrivate":true}}`), &ev))
	assert.Equal(t, EventMessageReceived, ev.Type)
	assert.Equal(t, "hi", ev.Payload["content"])
	require.NotNil(t, ev.Context)
	assert.Equal(t, "dm", ev.Context.ChannelType)
	assert.True(t, ev.Context.IsPrivate)
}

func BenchmarkMap(b *testing.B) {
	ev := Event{Type: EventAfterToolCall, Payload: map[string]any{
		"toolName": "exec", "params": map[string]any{"cmd": "ls"}, "result": map[string]any{"ok": true},
	}}
	for i := 0; i < b.N; i++ {
		Map(ev, Sensitivity(ev, "low"), fixedNow)
	}
}
