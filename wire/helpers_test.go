package wire

import (
	"encoding/json"
	"fmt"
	"testing"
)

// formJSON builds a minimal valid LogicalForm payload
func formJSON(serverID, caption, pageID string) map[string]any {
	return map[string]any{
		"ServerId": serverID,
		"Caption":  caption,
		"CacheKey": fmt.Sprintf("%s:pagemode(View):embedded(False)", pageID),
		"Children": []any{},
	}
}

func formToShow(form map[string]any) map[string]any {
	return map[string]any{
		"handlerType": HandlerEventRaising,
		"parameters":  []any{EventFormToShow, form, map[string]any{}},
	}
}

func dialogToShow(caption, message string) map[string]any {
	return map[string]any{
		"handlerType": HandlerEventRaising,
		"parameters": []any{EventDialogToShow, map[string]any{
			"ServerId": "d1",
			"Caption":  caption,
			"Message":  message,
		}},
	}
}

func callbackResponse(seq int64, formID any) map[string]any {
	return map[string]any{
		"handlerType": HandlerCallbackResponse,
		"parameters": []any{map[string]any{
			"SequenceNumber": seq,
			"CompletedInteractions": []any{map[string]any{
				"InvocationId": "0",
				"Duration":     4,
				"Result":       map[string]any{"reason": 0, "value": formID},
			}},
		}},
	}
}

// mustMarshal marshals v or fails the test
func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// parseBatch marshals handler records and parses them as an inline result
func parseBatch(t *testing.T, records ...map[string]any) []Handler {
	t.Helper()
	env := map[string]any{"jsonrpc": "2.0", "id": "1", "result": records}
	handlers, err := Parse(mustMarshal(t, env))
	if err != nil {
		t.Fatalf("parse batch: %v", err)
	}
	return handlers
}
