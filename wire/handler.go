package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Handler discriminants consumed by this package
const (
	HandlerEventRaising     = "DN.LogicalClientEventRaisingHandler"
	HandlerChange           = "DN.LogicalClientChangeHandler"
	HandlerCallbackResponse = "DN.CallbackResponseProperties"
)

// Event names carried by event-raising handlers
const (
	EventFormToShow   = "FormToShow"
	EventDialogToShow = "DialogToShow"
)

// Handler is one tagged record of a response batch. The set of
// implementations is closed: *EventHandler, *ChangeHandler,
// *CallbackHandler and *UnknownHandler.
type Handler interface {
	HandlerType() string
	Parameters() []json.RawMessage
	isHandler()
}

type handlerBase struct {
	handlerType string
	parameters  []json.RawMessage
}

func (h handlerBase) HandlerType() string { return h.handlerType }

func (h handlerBase) Parameters() []json.RawMessage { return h.parameters }

func (handlerBase) isHandler() {}

// EventHandler raises a named client event, usually carrying a LogicalForm.
type EventHandler struct {
	handlerBase
	Event string
	Form  json.RawMessage
}

// ChangeHandler carries incremental data and property changes for one form.
type ChangeHandler struct {
	handlerBase
	FormID  string
	Changes []Change
}

// Change is one record of a change handler
type Change struct {
	Type             string           `json:"t"`
	ControlReference ControlReference `json:"ControlReference"`
	Changes          json.RawMessage  `json:"Changes,omitempty"`
}

// ControlReference addresses a control inside an open form
type ControlReference struct {
	ControlPath string `json:"controlPath"`
	FormID      string `json:"formId"`
}

// CallbackHandler is the server's acknowledgment of completed interactions.
type CallbackHandler struct {
	handlerBase
	Response CallbackResponse
}

// CallbackResponse is parameters[0] of a callback-response handler
type CallbackResponse struct {
	SequenceNumber        int64                  `json:"SequenceNumber"`
	CompletedInteractions []CompletedInteraction `json:"CompletedInteractions"`
}

// CompletedInteraction reports the outcome of one invoked interaction
type CompletedInteraction struct {
	InvocationID string             `json:"InvocationId"`
	Duration     float64            `json:"Duration"`
	Result       *InteractionResult `json:"Result,omitempty"`
}

// InteractionResult holds the value returned for an interaction
type InteractionResult struct {
	Reason int             `json:"reason"`
	Value  json.RawMessage `json:"value"`
}

// UnknownHandler is any handler type this package does not interpret.
type UnknownHandler struct {
	handlerBase
}

// responseEnvelope is the JSON-RPC response shape
type responseEnvelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErrorBody   `json:"error,omitempty"`
}

// rpcErrorBody accepts both numeric and string error codes
type rpcErrorBody struct {
	Code    int
	Message string
	Data    string
}

func (e *rpcErrorBody) UnmarshalJSON(data []byte) error {
	var aux struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	e.Message = aux.Message
	if len(aux.Data) > 0 && !bytes.Equal(aux.Data, []byte("null")) {
		var s string
		if err := json.Unmarshal(aux.Data, &s); err == nil {
			e.Data = s
		} else {
			e.Data = string(aux.Data)
		}
	}

	if len(aux.Code) == 0 {
		return nil
	}

	var codeInt int
	if err := json.Unmarshal(aux.Code, &codeInt); err == nil {
		e.Code = codeInt
		return nil
	}

	var codeStr string
	if err := json.Unmarshal(aux.Code, &codeStr); err == nil {
		if parsed, parseErr := strconv.Atoi(codeStr); parseErr == nil {
			e.Code = parsed
		}
		return nil
	}

	return fmt.Errorf("invalid rpc error code: %s", string(aux.Code))
}

// Parse turns one raw response envelope into a validated handler batch.
//
// A server-reported error is returned as *RPCError without touching the
// payload. Otherwise the compressed field is inflated when present, or the
// inline result is used. Malformed payloads yield *DecompressionError or
// *InvalidResponseError; Parse never panics on bad input.
func Parse(raw []byte) ([]Handler, error) {
	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &InvalidResponseError{Index: -1, Reason: "envelope is not a JSON object", Err: err}
	}

	if env.Error != nil {
		return nil, &RPCError{Code: env.Error.Code, Message: env.Error.Message, Data: env.Error.Data}
	}

	payload, err := Decode(raw)
	if errors.Is(err, ErrNotCompressed) {
		payload = env.Result
	} else if err != nil {
		return nil, err
	}

	if len(payload) == 0 {
		return nil, invalid(-1, "response carries neither result nor compressed payload")
	}

	return ParseHandlers(payload)
}

// ParseHandlers validates a decoded handler array.
func ParseHandlers(payload []byte) ([]Handler, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, &InvalidResponseError{Index: -1, Reason: "payload is not a handler array", Err: err}
	}
	if len(items) == 0 {
		return nil, invalid(-1, "empty handler batch")
	}

	handlers := make([]Handler, 0, len(items))
	for i, item := range items {
		h, err := parseHandler(i, item)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

func parseHandler(index int, item json.RawMessage) (Handler, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
		return nil, invalid(index, "handler is not an object")
	}

	rawType, ok := fields["handlerType"]
	if !ok {
		return nil, invalid(index, "missing handlerType")
	}
	var handlerType string
	if err := json.Unmarshal(rawType, &handlerType); err != nil {
		return nil, invalid(index, "handlerType is not a string")
	}
	if handlerType == "" {
		return nil, invalid(index, "empty handlerType")
	}

	var params []json.RawMessage
	if rawParams, ok := fields["parameters"]; ok {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, invalid(index, "parameters is not an array")
		}
	}

	base := handlerBase{handlerType: handlerType, parameters: params}

	switch handlerType {
	case HandlerEventRaising:
		return parseEventHandler(index, base)
	case HandlerChange:
		return parseChangeHandler(index, base)
	case HandlerCallbackResponse:
		return parseCallbackHandler(index, base)
	default:
		return &UnknownHandler{handlerBase: base}, nil
	}
}

func parseEventHandler(index int, base handlerBase) (*EventHandler, error) {
	if len(base.parameters) == 0 {
		return nil, invalid(index, "event handler without event name")
	}
	h := &EventHandler{handlerBase: base}
	if err := json.Unmarshal(base.parameters[0], &h.Event); err != nil {
		return nil, invalid(index, "event name is not a string")
	}
	if len(base.parameters) > 1 {
		h.Form = base.parameters[1]
	}
	return h, nil
}

func parseChangeHandler(index int, base handlerBase) (*ChangeHandler, error) {
	h := &ChangeHandler{handlerBase: base}
	if len(base.parameters) > 0 {
		// The form id is occasionally null for session-wide changes
		_ = json.Unmarshal(base.parameters[0], &h.FormID)
	}
	if len(base.parameters) > 1 {
		if err := json.Unmarshal(base.parameters[1], &h.Changes); err != nil {
			return nil, &InvalidResponseError{Index: index, Reason: "malformed change records", Err: err}
		}
	}
	return h, nil
}

func parseCallbackHandler(index int, base handlerBase) (*CallbackHandler, error) {
	h := &CallbackHandler{handlerBase: base}
	if len(base.parameters) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(base.parameters[0], &h.Response); err != nil {
		return nil, &InvalidResponseError{Index: index, Reason: "malformed callback response", Err: err}
	}
	return h, nil
}
