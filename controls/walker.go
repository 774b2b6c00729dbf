// Package controls flattens a LogicalForm control tree into fields, actions
// and subpage containers.
package controls

import (
	"fmt"
	"strings"

	"github.com/nggorpc/formrpc/wire"
)

// Kind classifies a control
type Kind int

const (
	KindField Kind = iota
	KindAction
	KindSubpage
)

func (k Kind) String() string {
	switch k {
	case KindField:
		return "field"
	case KindAction:
		return "action"
	case KindSubpage:
		return "subpage"
	default:
		return "unknown"
	}
}

// FieldType is the simplified value type of a field
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeOption  FieldType = "option"
)

// leafTypes maps recognized leaf control tags to their simplified type
var leafTypes = map[string]FieldType{
	"sc":   TypeText,
	"dc":   TypeNumber,
	"i32c": TypeNumber,
	"pc":   TypeNumber,
	"bc":   TypeBoolean,
	"dtc":  TypeDate,
	"sec":  TypeOption,
}

// Control is one classified node of a form tree.
type Control struct {
	Kind        Kind
	ControlPath string
	Caption     string
	Name        string
	RawType     string
	Type        FieldType
	Enabled     bool
	ReadOnly    bool
	Visible     bool
	// Conditional is set when visibility is controlled by an expression
	Conditional bool
	Options     []wire.OptionValue

	// Subpage containers only
	ServerID string
	Columns  []Column
	LoadForm bool
	Children []Control
}

// Column is one entry of a subpage's column schema
type Column struct {
	Caption     string
	ColumnID    string
	ControlPath string
	Type        FieldType
}

// Field is a data-bound control
type Field struct {
	ControlPath string
	Caption     string
	Name        string
	Type        FieldType
	RawType     string
	ReadOnly    bool
	Visible     bool
	Conditional bool
	Options     []wire.OptionValue
}

// Action is an invokable control
type Action struct {
	ControlPath string
	Caption     string
	Name        string
	Enabled     bool
	Visible     bool
}

// Walker walks form trees with a configurable LoadForm policy.
type Walker struct {
	Policy LoadFormPolicy
}

// Walk classifies the form's control tree with the default LoadForm policy.
func Walk(form *wire.LogicalForm) []Control {
	return Walker{}.Walk(form)
}

// Walk classifies the form's control tree. Structural nodes are skipped but
// their children are walked. Fields and actions under a subpage are attached
// to that subpage, not to the flat result.
func (w Walker) Walk(form *wire.LogicalForm) []Control {
	if form == nil {
		return nil
	}
	policy := w.Policy
	if policy == nil {
		policy = DefaultLoadFormPolicy
	}

	st := walkState{delayed: form.HasDelayedControls(), policy: policy}
	var out []Control
	for i := range form.Children {
		st.walk(&form.Children[i], childPath("", i), &out)
	}
	return out
}

type walkState struct {
	delayed bool
	policy  LoadFormPolicy
}

func (st walkState) walk(n *wire.Node, path string, out *[]Control) {
	switch classify(n) {
	case KindAction:
		*out = append(*out, newControl(n, KindAction, path))
		return
	case KindSubpage:
		c := newControl(n, KindSubpage, path)
		c.ServerID = n.ServerID
		c.Columns = columnsOf(n, path)
		c.LoadForm = st.policy(LoadFormInput{
			Visible:              n.Visible,
			DelayedControls:      st.delayed,
			ExpressionProperties: wire.Present(n.ExpressionProperties),
		})
		for i := range n.Children {
			st.walk(&n.Children[i], childPath(path, i), &c.Children)
		}
		*out = append(*out, c)
		return
	case KindField:
		*out = append(*out, newControl(n, KindField, path))
		return
	}

	// Structural: flatten its children into the parent list
	for i := range n.Children {
		st.walk(&n.Children[i], childPath(path, i), out)
	}
}

const structural Kind = -1

// classify applies the ordered classification rules
func classify(n *wire.Node) Kind {
	switch {
	case wire.Present(n.SystemAction) || wire.Present(n.ActionTrigger) || n.Type == "ac" || n.Type == "arc":
		return KindAction
	case wire.Present(n.PartID) || wire.Present(n.SubPageLink) || n.IsFactBox || n.IsPart || n.Type == "lf":
		return KindSubpage
	case isField(n):
		return KindField
	default:
		return structural
	}
}

func isField(n *wire.Node) bool {
	if wire.Present(n.SourceExpr) || wire.Present(n.FieldName) || wire.Present(n.DataType) {
		return true
	}
	_, ok := leafTypes[n.Type]
	return ok
}

func newControl(n *wire.Node, kind Kind, path string) Control {
	c := Control{
		Kind:        kind,
		ControlPath: path,
		Caption:     n.Caption,
		Name:        n.Name,
		RawType:     n.Type,
		Enabled:     boolOr(n.Enabled, true),
		Visible:     boolOr(n.Visible, true),
		Conditional: wire.Present(n.ExpressionProperties),
	}
	c.ReadOnly = !boolOr(n.Editable, true) || !c.Enabled
	if kind == KindField {
		c.Type = simplifiedType(n)
		c.Options = n.Options
	}
	return c
}

// columnsOf collects the column schema of a subpage from its own children.
// Repeater columns are taken as-is; field children become columns; nested
// subpages are not descended into.
func columnsOf(n *wire.Node, path string) []Column {
	var cols []Column
	var collect func(nodes []wire.Node, parent string)
	collect = func(nodes []wire.Node, parent string) {
		for i := range nodes {
			child := &nodes[i]
			childP := childPath(parent, i)
			if len(child.Columns) > 0 {
				for j := range child.Columns {
					cols = append(cols, newColumn(&child.Columns[j], childPath(childP, j)))
				}
				continue
			}
			switch classify(child) {
			case KindField:
				cols = append(cols, newColumn(child, childP))
			case structural:
				collect(child.Children, childP)
			}
		}
	}
	collect(n.Children, path)
	return cols
}

func newColumn(n *wire.Node, path string) Column {
	var id string
	switch {
	case n.ColumnBinder != nil && n.ColumnBinder.Name != "":
		id = n.ColumnBinder.Name
	case wire.RawString(n.FieldName) != "":
		id = wire.RawString(n.FieldName)
	default:
		id = n.Name
	}
	return Column{Caption: n.Caption, ColumnID: id, ControlPath: path, Type: simplifiedType(n)}
}

// simplifiedType maps a control tag or declared data type to a FieldType
func simplifiedType(n *wire.Node) FieldType {
	if t, ok := leafTypes[n.Type]; ok {
		return t
	}
	switch strings.ToLower(wire.RawString(n.DataType)) {
	case "decimal", "integer", "biginteger", "duration":
		return TypeNumber
	case "boolean":
		return TypeBoolean
	case "date", "datetime", "time":
		return TypeDate
	case "option", "enum":
		return TypeOption
	}
	return TypeText
}

// childPath builds the positional control path of child i
func childPath(parent string, i int) string {
	if parent == "" {
		return fmt.Sprintf("server:c[%d]", i)
	}
	return fmt.Sprintf("%s/c[%d]", parent, i)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// ExtractFields returns the fields of a walked control list in tree order.
func ExtractFields(controls []Control) []Field {
	var fields []Field
	for _, c := range controls {
		if c.Kind != KindField {
			continue
		}
		fields = append(fields, Field{
			ControlPath: c.ControlPath,
			Caption:     c.Caption,
			Name:        c.Name,
			Type:        c.Type,
			RawType:     c.RawType,
			ReadOnly:    c.ReadOnly,
			Visible:     c.Visible,
			Conditional: c.Conditional,
			Options:     c.Options,
		})
	}
	return fields
}

// ExtractActions returns the actions of a walked control list in tree order.
func ExtractActions(controls []Control) []Action {
	var actions []Action
	for _, c := range controls {
		if c.Kind != KindAction {
			continue
		}
		actions = append(actions, Action{
			ControlPath: c.ControlPath,
			Caption:     c.Caption,
			Name:        c.Name,
			Enabled:     c.Enabled,
			Visible:     c.Visible,
		})
	}
	return actions
}

// LoadRequest identifies one child container that needs a LoadForm call
type LoadRequest struct {
	ControlPath string
	FormID      string
	Caption     string
}

// LoadRequests lists the subpages whose LoadForm decision is true, parents
// before the subpages nested inside them.
func LoadRequests(controls []Control) []LoadRequest {
	var reqs []LoadRequest
	for _, c := range controls {
		if c.Kind != KindSubpage {
			continue
		}
		if c.LoadForm {
			reqs = append(reqs, LoadRequest{ControlPath: c.ControlPath, FormID: c.ServerID, Caption: c.Caption})
		}
		reqs = append(reqs, LoadRequests(c.Children)...)
	}
	return reqs
}
