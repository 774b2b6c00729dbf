package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoFormEvent reports a batch without any form-display or dialog event.
var ErrNoFormEvent = errors.New("wire: no form-display event in batch")

// LogicalForm is the server's description of one UI form.
type LogicalForm struct {
	ServerID        string          `json:"ServerId"`
	Caption         string          `json:"Caption"`
	CacheKey        string          `json:"CacheKey"`
	Message         string          `json:"Message,omitempty"`
	AppName         string          `json:"AppName,omitempty"`
	AppPublisher    string          `json:"AppPublisher,omitempty"`
	AppVersion      string          `json:"AppVersion,omitempty"`
	Visible         *bool           `json:"Visible,omitempty"`
	DelayedControls json.RawMessage `json:"DelayedControls,omitempty"`
	Children        []Node          `json:"Children,omitempty"`
}

// PageID returns the page identifier encoded in the cache key
// ("<pageId>:pagemode(...):embedded(...)").
func (f *LogicalForm) PageID() string {
	id, _, _ := strings.Cut(f.CacheKey, ":")
	return id
}

// HasDelayedControls reports whether the form defers loading some children.
func (f *LogicalForm) HasDelayedControls() bool {
	return Present(f.DelayedControls)
}

// Node is one control of a LogicalForm tree, as sent by the server. Marker
// properties are kept raw; only their presence matters for classification.
type Node struct {
	Type    string `json:"t"`
	Caption string `json:"Caption,omitempty"`
	Name    string `json:"Name,omitempty"`

	// Nested logical forms (parts, factboxes) carry their own identity
	ServerID        string          `json:"ServerId,omitempty"`
	CacheKey        string          `json:"CacheKey,omitempty"`
	DelayedControls json.RawMessage `json:"DelayedControls,omitempty"`

	SystemAction  json.RawMessage `json:"SystemAction,omitempty"`
	ActionTrigger json.RawMessage `json:"ActionTrigger,omitempty"`

	PartID      json.RawMessage `json:"PartId,omitempty"`
	SubPageLink json.RawMessage `json:"SubPageLink,omitempty"`
	IsPart      bool            `json:"IsPart,omitempty"`
	IsFactBox   bool            `json:"IsFactBox,omitempty"`

	SourceExpr json.RawMessage `json:"SourceExpr,omitempty"`
	FieldName  json.RawMessage `json:"FieldName,omitempty"`
	DataType   json.RawMessage `json:"DataType,omitempty"`

	Enabled              *bool           `json:"Enabled,omitempty"`
	Editable             *bool           `json:"Editable,omitempty"`
	Visible              *bool           `json:"Visible,omitempty"`
	ExpressionProperties json.RawMessage `json:"ExpressionProperties,omitempty"`

	Options      []OptionValue `json:"Options,omitempty"`
	ColumnBinder *ColumnBinder `json:"ColumnBinder,omitempty"`
	Columns      []Node        `json:"Columns,omitempty"`
	Children     []Node        `json:"Children,omitempty"`
}

// OptionValue is one entry of an option-set control
type OptionValue struct {
	Caption string `json:"Caption"`
	Value   int    `json:"Value"`
}

// ColumnBinder binds a repeater column to its canonical column id
type ColumnBinder struct {
	Name string `json:"Name"`
}

// Present reports whether a raw marker property exists and is not null.
func Present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// RawString returns the string value of a raw property, or "" when it is
// absent or not a string.
func RawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// FormExtractor selects the LogicalForm relevant to a call out of a batch.
//
// OnFallback, when set, is invoked each time a supplied form id matched no
// form-display event and the first event was used instead.
type FormExtractor struct {
	OnFallback func(wanted, selected string, candidates int)
}

// ExtractLogicalForm selects a form with a zero FormExtractor.
func ExtractLogicalForm(handlers []Handler, formID string) (*LogicalForm, error) {
	return FormExtractor{}.Extract(handlers, formID)
}

type formCandidate struct {
	index int
	raw   json.RawMessage
	id    string
}

// Extract returns the form-display LogicalForm matching formID.
//
// Without form-display events a dialog event is surfaced as
// *FormUnavailableError. With several events and no identity match, the
// first event is returned.
func (x FormExtractor) Extract(handlers []Handler, formID string) (*LogicalForm, error) {
	var forms []formCandidate
	var dialog *EventHandler
	dialogIndex := -1

	for i, h := range handlers {
		ev, ok := h.(*EventHandler)
		if !ok {
			continue
		}
		switch ev.Event {
		case EventFormToShow:
			var ident struct {
				ServerID string `json:"ServerId"`
			}
			// Identity is best effort here; validation happens on the selected form
			_ = json.Unmarshal(ev.Form, &ident)
			forms = append(forms, formCandidate{index: i, raw: ev.Form, id: ident.ServerID})
		case EventDialogToShow:
			if dialog == nil {
				dialog = ev
				dialogIndex = i
			}
		}
	}

	if len(forms) == 0 {
		if dialog != nil {
			return nil, dialogError(dialogIndex, dialog.Form)
		}
		return nil, &InvalidResponseError{Index: -1, Reason: "no form to show", Err: ErrNoFormEvent}
	}

	selected := forms[0]
	if formID != "" {
		matched := false
		for _, c := range forms {
			if c.id == formID {
				selected = c
				matched = true
				break
			}
		}
		if !matched && x.OnFallback != nil {
			x.OnFallback(formID, selected.id, len(forms))
		}
	}

	return decodeForm(selected.index, selected.raw, false)
}

func decodeForm(index int, raw json.RawMessage, dialog bool) (*LogicalForm, error) {
	if err := validateForm(index, raw, dialog); err != nil {
		return nil, err
	}
	var form LogicalForm
	if err := json.Unmarshal(raw, &form); err != nil {
		return nil, &InvalidResponseError{Index: index, Reason: "malformed logical form", Err: err}
	}
	return &form, nil
}

// validateForm checks the required identity fields are present and strings
func validateForm(index int, raw json.RawMessage, dialog bool) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return invalid(index, "logical form is not an object")
	}

	required := []string{"ServerId", "Caption", "CacheKey"}
	if dialog {
		required = required[:2]
	}
	for _, key := range required {
		v, ok := fields[key]
		if !ok {
			return invalid(index, "logical form missing %s", key)
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return invalid(index, "logical form %s is not a string", key)
		}
	}
	return nil
}

func dialogError(index int, raw json.RawMessage) error {
	form, err := decodeForm(index, raw, true)
	if err != nil {
		// A refusal is still a refusal even when the dialog is oddly shaped
		var loose LogicalForm
		_ = json.Unmarshal(raw, &loose)
		form = &loose
	}
	return &FormUnavailableError{Caption: form.Caption, Message: dialogMessage(form)}
}

func dialogMessage(form *LogicalForm) string {
	if form.Message != "" {
		return form.Message
	}
	var find func(nodes []Node) string
	find = func(nodes []Node) string {
		for _, n := range nodes {
			if n.Type == "stc" && n.Caption != "" {
				return n.Caption
			}
			if msg := find(n.Children); msg != "" {
				return msg
			}
		}
		return ""
	}
	return find(form.Children)
}
