package wire

import (
	"encoding/json"
	"sort"
	"strings"
)

// maxSearchDepth bounds the structural search for session fields
const maxSearchDepth = 4

// ExtractFormID returns the form identity acknowledged by the callback
// response of the batch. The second result is false when the batch does not
// acknowledge a form; callers treat that as "nothing to disambiguate".
func ExtractFormID(handlers []Handler) (string, bool) {
	for _, h := range handlers {
		cb, ok := h.(*CallbackHandler)
		if !ok {
			continue
		}
		for _, ci := range cb.Response.CompletedInteractions {
			if ci.Result == nil || !Present(ci.Result.Value) {
				continue
			}
			if s := RawString(ci.Result.Value); s != "" {
				return s, true
			}
			// Numeric ids are echoed back in their JSON text form
			text := strings.TrimSpace(string(ci.Result.Value))
			if text != "" && text[0] != '{' && text[0] != '[' && text[0] != '"' {
				return text, true
			}
			return "", false
		}
	}
	return "", false
}

// ExtractSequenceNumber returns the highest server sequence number
// acknowledged by callback responses in the batch.
func ExtractSequenceNumber(handlers []Handler) (int64, bool) {
	var highest int64
	found := false
	for _, h := range handlers {
		cb, ok := h.(*CallbackHandler)
		if !ok {
			continue
		}
		if !found || cb.Response.SequenceNumber > highest {
			highest = cb.Response.SequenceNumber
		}
		found = true
	}
	return highest, found
}

// SessionInfo holds the identity tokens issued by the server at session open.
type SessionInfo struct {
	ServerSessionID string
	SessionKey      string
	CompanyName     string
}

// Complete reports whether the server session id was found.
func (s SessionInfo) Complete() bool {
	return s.ServerSessionID != ""
}

// FindSessionInfo searches every handler's parameters for the session tokens.
// The server does not place them at a fixed handler position, so the search
// descends into nested objects and arrays up to a fixed depth.
func FindSessionInfo(handlers []Handler) SessionInfo {
	var info SessionInfo
	for _, h := range handlers {
		for _, p := range h.Parameters() {
			var v any
			if err := json.Unmarshal(p, &v); err != nil {
				continue
			}
			searchSessionInfo(v, &info)
			if info.ServerSessionID != "" && info.SessionKey != "" && info.CompanyName != "" {
				return info
			}
		}
	}
	return info
}

// searchSessionInfo visits v breadth first, object keys in sorted order,
// so the shallowest occurrence of a token wins and ties resolve the same
// way on every run.
func searchSessionInfo(v any, info *SessionInfo) {
	level := []any{v}
	for depth := 0; depth <= maxSearchDepth && len(level) > 0; depth++ {
		var next []any
		for _, node := range level {
			switch t := node.(type) {
			case map[string]any:
				setIfEmpty(&info.ServerSessionID, t["ServerSessionId"])
				setIfEmpty(&info.SessionKey, t["SessionKey"])
				setIfEmpty(&info.CompanyName, t["CompanyName"])
				keys := make([]string, 0, len(t))
				for k := range t {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					next = append(next, t[k])
				}
			case []any:
				next = append(next, t...)
			}
		}
		level = next
	}
}

func setIfEmpty(dst *string, v any) {
	if *dst != "" {
		return
	}
	if s, ok := v.(string); ok && s != "" {
		*dst = s
	}
}
