package executor

import (
	"encoding/json"
	"strings"
)

// outputBeginMarker separates executor preamble from the reply in the
// plain-text output protocol.
const outputBeginMarker = "OUTPUT_BEGIN"

// ProgressEvent is a structured notification decoded from the executor's
// JSON event stream while a request runs.
type ProgressEvent struct {
	Kind   ProgressKind
	Detail string
	// ExitCode is set for completed command executions, nil otherwise.
	ExitCode *int
}

// ProgressKind enumerates the event stream items worth surfacing to chat.
type ProgressKind string

const (
	ProgressTurnStarted      ProgressKind = "turn_started"
	ProgressTurnCompleted    ProgressKind = "turn_completed"
	ProgressReasoning        ProgressKind = "reasoning"
	ProgressCommandStarted   ProgressKind = "command_started"
	ProgressCommandCompleted ProgressKind = "command_completed"
	ProgressAgentMessage     ProgressKind = "agent_message"
)

type streamItem struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Summary  string `json:"summary"`
	Command  string `json:"command"`
	Text     string `json:"text"`
	ExitCode *int   `json:"exit_code"`
}

type streamPayload struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id"`
	Item     *streamItem `json:"item"`
}

// parseStreamJSONLine decodes one line of executor stdout as a stream
// event. Non-JSON lines and JSON non-objects return nil; the stream mixes
// plain text with events and anything unrecognized is simply ignored.
func parseStreamJSONLine(raw string) *streamPayload {
	line := strings.TrimSpace(raw)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}
	var payload streamPayload
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return nil
	}
	return &payload
}

// extractProgressEvent maps a decoded stream payload to a ProgressEvent,
// or nil when the payload carries nothing worth reporting.
func extractProgressEvent(payload *streamPayload) *ProgressEvent {
	switch payload.Type {
	case "turn.started":
		return &ProgressEvent{Kind: ProgressTurnStarted, Detail: "Architect started working."}
	case "turn.completed":
		return &ProgressEvent{Kind: ProgressTurnCompleted, Detail: "Architect finished reasoning."}
	}

	item := payload.Item
	if item == nil {
		return nil
	}
	switch item.Type {
	case "reasoning":
		if item.Status == "in_progress" {
			return &ProgressEvent{Kind: ProgressReasoning, Detail: item.Summary}
		}
	case "command_execution":
		switch item.Status {
		case "in_progress":
			return &ProgressEvent{Kind: ProgressCommandStarted, Detail: item.Command}
		case "completed":
			return &ProgressEvent{Kind: ProgressCommandCompleted, Detail: item.Command, ExitCode: item.ExitCode}
		}
	case "agent_message":
		if item.Status == "completed" {
			return &ProgressEvent{Kind: ProgressAgentMessage, Detail: item.Text}
		}
	}
	return nil
}

// ParseOutput extracts the thread id and the user-facing reply from the
// executor's stdout. Two protocols are supported: the plain-text framing
// (a THREAD_ID= line followed by an OUTPUT_BEGIN marker) and the JSON
// event stream (thread.started plus the last completed agent_message).
// When neither applies, the whole stdout is the reply.
func ParseOutput(stdout string) (threadID, output string) {
	var lastAgentMessage *string
	var outputLines []string
	seenOutput := false
	seenJSONEvents := false

	for _, line := range strings.Split(stdout, "\n") {
		if payload := parseStreamJSONLine(line); payload != nil {
			seenJSONEvents = true
			switch payload.Type {
			case "thread.started":
				if id := strings.TrimSpace(payload.ThreadID); id != "" {
					threadID = id
				}
			case "item.completed":
				if payload.Item != nil && payload.Item.Type == "agent_message" {
					text := payload.Item.Text
					lastAgentMessage = &text
				}
			}
		}

		if !seenOutput {
			if rest, ok := strings.CutPrefix(line, "THREAD_ID="); ok {
				threadID = strings.TrimSpace(rest)
				continue
			}
			if strings.TrimSpace(line) == outputBeginMarker {
				seenOutput = true
				continue
			}
		} else {
			outputLines = append(outputLines, line)
		}
	}

	switch {
	case seenOutput:
		output = strings.TrimSpace(strings.Join(outputLines, "\n"))
	case seenJSONEvents && lastAgentMessage != nil:
		output = strings.TrimSpace(*lastAgentMessage)
	default:
		output = strings.TrimSpace(stdout)
	}
	return threadID, output
}

var threadResetMarkers = []string{
	"thread not found",
	"unknown thread",
	"invalid thread",
	"thread id not found",
	"conversation not found",
	"session not found",
	"no such thread",
	"could not find thread",
}

// ShouldResetThread reports whether a failed resume indicates the saved
// thread id is gone on the executor side, so the caller should clear it
// and retry with a fresh session.
func ShouldResetThread(stderr, stdout string) bool {
	combined := strings.ToLower(stderr + "\n" + stdout)
	for _, marker := range threadResetMarkers {
		if strings.Contains(combined, marker) {
			return true
		}
	}
	return false
}
