// Package mapping converts host events into Membrane ingest payloads and
// assigns each one a sensitivity level.
package mapping

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/szibis/membrane-bridge/internal/queue"
)

// Source is stamped on every mapped payload.
const Source = "openclaw"

// Sensitivity levels accepted by Membrane, from least to most restricted.
const (
	SensitivityPublic = "public"
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
	SensitivityHyper  = "hyper"
)

// Event types with a mapping.
const (
	EventMessageReceived = "message_received"
	EventMessageSent     = "message_sent"
	EventSessionStart    = "session_start"
	EventAfterToolCall   = "after_tool_call"
	EventFactExtracted   = "fact_extracted"
	EventTaskCompleted   = "task_completed"
)

// Subscribed lists the host hooks the bridge registers for. message_sending
// has no mapping and is accepted then ignored.
var Subscribed = []string{
	EventMessageReceived,
	EventMessageSent,
	"message_sending",
	EventSessionStart,
}

// EventContext carries channel information used to pick a sensitivity.
type EventContext struct {
	ChannelType string `json:"channelType,omitempty"`
	IsPrivate   bool   `json:"isPrivate,omitempty"`
	Sensitivity string `json:"sensitivity,omitempty"`
}

// Event is a host event as received by the bridge.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Context *EventContext  `json:"context,omitempty"`
}

// Mapped is an ingest call ready to be enqueued.
type Mapped struct {
	Method  queue.Method
	Payload map[string]any
}

// ValidSensitivity reports whether s is a known sensitivity level.
func ValidSensitivity(s string) bool {
	switch s {
	case SensitivityPublic, SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityHyper:
		return true
	}
	return false
}

// Sensitivity picks the level for ev. Credential and auth events are always
// hyper. Otherwise an explicit context level wins, then private or DM
// channels and tool calls are medium, then the configured default applies.
// Unknown levels resolve to hyper.
func Sensitivity(ev Event, defaultLevel string) string {
	var level string
	switch {
	case strings.Contains(ev.Type, "credential") || strings.Contains(ev.Type, "auth"):
		level = SensitivityHyper
	case ev.Context != nil && ev.Context.Sensitivity != "":
		level = ev.Context.Sensitivity
	case ev.Context != nil && (ev.Context.IsPrivate || ev.Context.ChannelType == "dm"):
		level = SensitivityMedium
	case ev.Type == EventAfterToolCall:
		level = SensitivityMedium
	case defaultLevel != "":
		level = defaultLevel
	default:
		level = SensitivityLow
	}

	if !ValidSensitivity(level) {
		return SensitivityHyper
	}
	return level
}

// Map converts ev into an ingest call. It returns false for event types
// without a mapping.
func Map(ev Event, sensitivity string, now time.Time) (Mapped, bool) {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	p := ev.Payload
	if p == nil {
		p = map[string]any{}
	}

	switch ev.Type {
	case EventMessageReceived:
		return conversation("user_message", stringField(p, "content"), ts, sensitivity), true
	case EventMessageSent:
		return conversation("assistant_message", stringField(p, "content"), ts, sensitivity), true
	case EventSessionStart:
		return conversation("session_init", "New session started", ts, sensitivity), true
	case EventAfterToolCall:
		return Mapped{
			Method: queue.MethodIngestToolOutput,
			Payload: map[string]any{
				"source":      Source,
				"tool_name":   p["toolName"],
				"args":        encodeJSON(p["params"]),
				"result":      encodeJSON(p["result"]),
				"timestamp":   ts,
				"sensitivity": sensitivity,
			},
		}, true
	case EventFactExtracted:
		return Mapped{
			Method: queue.MethodIngestObservation,
			Payload: map[string]any{
				"source":      Source,
				"subject":     p["subject"],
				"predicate":   p["predicate"],
				"object":      encodeJSON(p["object"]),
				"timestamp":   ts,
				"sensitivity": sensitivity,
			},
		}, true
	case EventTaskCompleted:
		status := "failure"
		if truthy(p["success"]) {
			status = "success"
		}
		return Mapped{
			Method: queue.MethodIngestOutcome,
			Payload: map[string]any{
				"source":           Source,
				"target_record_id": p["targetId"],
				"outcome_status":   status,
				"timestamp":        ts,
			},
		}, true
	}
	return Mapped{}, false
}

func conversation(kind, summary, ts, sensitivity string) Mapped {
	return Mapped{
		Method: queue.MethodIngestEvent,
		Payload: map[string]any{
			"source":      Source,
			"event_kind":  kind,
			"summary":     summary,
			"timestamp":   ts,
			"sensitivity": sensitivity,
		},
	}
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// encodeJSON serializes v (or {} when v is empty) and returns it base64
// encoded, the JSON form of a protobuf bytes field.
func encodeJSON(v any) string {
	if !truthy(v) {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("{}")
	}
	return base64.StdEncoding.EncodeToString(data)
}

// truthy follows JSON-ish truthiness: false, 0, "" and null are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case json.Number:
		return x != "" && x != "0"
	}
	return true
}
