package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/nggorpc/formrpc/controls"
	"github.com/nggorpc/formrpc/wire"
)

// OpenedForm is a form opened through the session, already walked.
type OpenedForm struct {
	FormID   string
	Form     *wire.LogicalForm
	Handlers []wire.Handler
	Controls []controls.Control
}

// ChildForm is the outcome of one LoadForm call
type ChildForm struct {
	Request  controls.LoadRequest
	Handlers []wire.Handler
}

// OpenForm opens a page, records the form as open and caches its filter
// metadata.
func (s *Session) OpenForm(ctx context.Context, pageID string) (*OpenedForm, error) {
	handlers, err := s.Invoke(ctx, InvokeRequest{Interactions: []Interaction{{
		Name:            InteractionOpenForm,
		NamedParameters: mustParams(map[string]any{"Page": pageID}),
	}}})
	if err != nil {
		return nil, err
	}

	formID, _ := wire.ExtractFormID(handlers)
	form, err := s.ExtractLogicalForm(handlers, formID)
	if err != nil {
		return nil, err
	}

	s.AddOpenForm(form.ServerID)
	columns := s.filters.Cache(form.ServerID, handlers)
	walked := controls.Walker{Policy: s.cfg.LoadFormPolicy}.Walk(form)

	s.log.Debug("form opened",
		zap.String("page", pageID),
		zap.String("formId", form.ServerID),
		zap.Int("controls", len(walked)),
		zap.Int("filterColumns", columns))
	return &OpenedForm{FormID: form.ServerID, Form: form, Handlers: handlers, Controls: walked}, nil
}

// CloseForm closes a form on the server and removes it from the open set.
func (s *Session) CloseForm(ctx context.Context, formID string) ([]wire.Handler, error) {
	handlers, err := s.Invoke(ctx, InvokeRequest{Interactions: []Interaction{{
		Name:   InteractionCloseForm,
		FormID: formID,
	}}})
	if err != nil {
		return nil, err
	}
	s.RemoveOpenForm(formID)
	return handlers, nil
}

// LoadChildForms issues one LoadForm call per child container the LoadForm
// policy selected, nested containers after their parent. Loaded children
// with their own identity join the open form set.
func (s *Session) LoadChildForms(ctx context.Context, opened *OpenedForm) ([]ChildForm, error) {
	reqs := controls.LoadRequests(opened.Controls)
	children := make([]ChildForm, 0, len(reqs))
	for _, req := range reqs {
		target := req.FormID
		if target == "" {
			target = opened.FormID
		}
		handlers, err := s.Invoke(ctx, InvokeRequest{Interactions: []Interaction{{
			Name:        InteractionLoadForm,
			ControlPath: req.ControlPath,
			FormID:      target,
			NamedParameters: mustParams(map[string]any{
				"delayed":  true,
				"openForm": true,
				"loadData": true,
			}),
		}}})
		if err != nil {
			return children, err
		}
		if req.FormID != "" {
			s.AddOpenForm(req.FormID)
		}
		s.filters.Cache(target, handlers)
		children = append(children, ChildForm{Request: req, Handlers: handlers})
	}
	return children, nil
}
