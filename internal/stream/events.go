package stream

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators the monitor acts on. Everything else is progress
// noise and is ignored.
const (
	typeExecuting      = "executing"
	typeExecutionError = "execution_error"
)

// Classification is the monitor's verdict on one raw event.
type Classification int

const (
	// Ignore covers undecodable events, foreign correlation IDs, and
	// per-node progress messages.
	Ignore Classification = iota
	// Completed is an "executing" event with no node reference and a
	// matching correlation ID: the whole workflow finished.
	Completed
	// Failed is an "execution_error" event with a matching correlation ID.
	Failed
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

// Classify inspects one raw event scoped to the given execution handle.
// For Failed it also returns the formatted error entry.
// Undecodable payloads never terminate monitoring.
func Classify(raw []byte, handle string) (Classification, string) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Ignore, ""
	}

	switch env.Type {
	case typeExecuting:
		var data executingData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Ignore, ""
		}
		// A nil node reference means the workflow as a whole finished,
		// not a single node.
		if data.Node == nil && data.PromptID == handle {
			return Completed, ""
		}
		return Ignore, ""

	case typeExecutionError:
		var data executionErrorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Ignore, ""
		}
		if data.PromptID != handle {
			return Ignore, ""
		}
		return Failed, fmt.Sprintf("Node %s (%s): %s", data.NodeID, data.NodeType, data.ExceptionMessage)

	default:
		return Ignore, ""
	}
}
