package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nggorpc/formrpc/wire"
)

// changePropertyChanges is the change type carrying column schemas
const changePropertyChanges = "PropertyChanges"

// ColumnRef is the canonical identity of one filterable column.
type ColumnRef struct {
	ControlPath string
	ColumnID    string
	Caption     string
}

// FieldID is the canonical field identifier used by filter interactions.
func (c ColumnRef) FieldID() string {
	return c.ControlPath + "/" + c.ColumnID
}

// FilterSlotPath is the control path of the filter value slot of a column.
func FilterSlotPath(controlPath, columnID string) string {
	return controlPath + "/filter:" + columnID
}

// FilterCache maps column captions to canonical field ids, per form.
type FilterCache struct {
	mu    sync.RWMutex
	forms map[string][]ColumnRef
}

// NewFilterCache returns an empty cache.
func NewFilterCache() *FilterCache {
	return &FilterCache{forms: make(map[string][]ColumnRef)}
}

type columnSchema struct {
	Columns []struct {
		Caption      string `json:"Caption"`
		ColumnBinder *struct {
			Name string `json:"Name"`
		} `json:"ColumnBinder"`
	} `json:"Columns"`
}

// Cache scans change handlers addressed to formID for column schemas and
// records them. The form counts as seeded even when no column was found.
// It returns the number of columns now known for the form.
func (c *FilterCache) Cache(formID string, handlers []wire.Handler) int {
	var found []ColumnRef
	for _, h := range handlers {
		ch, ok := h.(*wire.ChangeHandler)
		if !ok {
			continue
		}
		for _, change := range ch.Changes {
			if change.Type != changePropertyChanges || !wire.Present(change.Changes) {
				continue
			}
			target := change.ControlReference.FormID
			if target == "" {
				target = ch.FormID
			}
			if target != "" && target != formID {
				continue
			}
			var schema columnSchema
			if err := json.Unmarshal(change.Changes, &schema); err != nil {
				continue
			}
			for _, col := range schema.Columns {
				if col.ColumnBinder == nil || col.ColumnBinder.Name == "" {
					continue
				}
				found = append(found, ColumnRef{
					ControlPath: change.ControlReference.ControlPath,
					ColumnID:    col.ColumnBinder.Name,
					Caption:     col.Caption,
				})
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	merged := c.forms[formID]
	for _, ref := range found {
		merged = mergeColumn(merged, ref)
	}
	if merged == nil {
		merged = []ColumnRef{}
	}
	c.forms[formID] = merged
	return len(merged)
}

// mergeColumn replaces an entry with the same field id or appends
func mergeColumn(refs []ColumnRef, ref ColumnRef) []ColumnRef {
	for i, r := range refs {
		if r.FieldID() == ref.FieldID() {
			refs[i] = ref
			return refs
		}
	}
	return append(refs, ref)
}

// Resolve finds the column with the given caption. Exact matches win over
// case-insensitive ones. Resolving on a form never cached is an error.
func (c *FilterCache) Resolve(formID, caption string) (ColumnRef, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs, ok := c.forms[formID]
	if !ok {
		return ColumnRef{}, false, &NoMetadataCachedError{FormID: formID}
	}
	for _, r := range refs {
		if r.Caption == caption {
			return r, true, nil
		}
	}
	for _, r := range refs {
		if strings.EqualFold(r.Caption, caption) {
			return r, true, nil
		}
	}
	return ColumnRef{}, false, nil
}

// Columns returns the cached columns of a form.
func (c *FilterCache) Columns(formID string) []ColumnRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ColumnRef(nil), c.forms[formID]...)
}

// Forget drops the metadata of a form.
func (c *FilterCache) Forget(formID string) {
	c.mu.Lock()
	delete(c.forms, formID)
	c.mu.Unlock()
}

// ApplyFilter activates the filter slot of the column captioned caption and
// sets its value. A nil value clears the filter. An empty controlPath uses
// the control path the column was cached under.
func (s *Session) ApplyFilter(ctx context.Context, formID, controlPath, caption string, value *string) ([]wire.Handler, error) {
	ref, ok, err := s.filters.Resolve(formID, caption)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &FilterFieldNotFoundError{FormID: formID, Caption: caption}
	}
	if controlPath == "" {
		controlPath = ref.ControlPath
	}

	activated, err := s.Invoke(ctx, InvokeRequest{Interactions: []Interaction{{
		Name:        InteractionFilter,
		ControlPath: controlPath,
		FormID:      formID,
		NamedParameters: mustParams(map[string]any{
			"filterOperation": 1,
			"filterColumnId":  ref.FieldID(),
		}),
	}}})
	if err != nil {
		return nil, err
	}

	newValue := ""
	if value != nil {
		newValue = *value
	}
	saved, err := s.Invoke(ctx, InvokeRequest{Interactions: []Interaction{{
		Name:        InteractionSaveValue,
		ControlPath: FilterSlotPath(controlPath, ref.ColumnID),
		FormID:      formID,
		NamedParameters: mustParams(map[string]any{
			"newValue":           newValue,
			"alwaysCommitChange": true,
		}),
	}}})
	if err != nil {
		return nil, err
	}

	s.log.Debug("filter applied",
		zap.String("formId", formID),
		zap.String("field", ref.FieldID()),
		zap.Bool("cleared", value == nil))
	return append(activated, saved...), nil
}
