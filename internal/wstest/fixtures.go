package wstest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// H is a JSON object literal
type H = map[string]any

// Handler builds one handler record.
func Handler(handlerType string, params ...any) H {
	if params == nil {
		params = []any{}
	}
	return H{"handlerType": handlerType, "parameters": params}
}

// Form builds a LogicalForm object. pageID is encoded in the cache key.
func Form(serverID, caption, pageID string, children ...H) H {
	if children == nil {
		children = []H{}
	}
	return H{
		"ServerId": serverID,
		"Caption":  caption,
		"CacheKey": pageID + ":pagemode(View):embedded(False)",
		"Children": children,
	}
}

// FormToShow wraps a form in a form-display event.
func FormToShow(form H) H {
	return Handler("DN.LogicalClientEventRaisingHandler", "FormToShow", form)
}

// DialogToShow wraps a form in a dialog event.
func DialogToShow(form H) H {
	return Handler("DN.LogicalClientEventRaisingHandler", "DialogToShow", form)
}

// Callback builds the callback-response handler acknowledging formID.
func Callback(sequenceNumber int64, formID string) H {
	completed := H{"InvocationId": "0", "Duration": 1}
	if formID != "" {
		completed["Result"] = H{"reason": 0, "value": formID}
	}
	return Handler("DN.CallbackResponseProperties", H{
		"SequenceNumber":        sequenceNumber,
		"CompletedInteractions": []any{completed},
	})
}

// SessionTokens builds the handler carrying the server session tokens.
func SessionTokens(serverSessionID, sessionKey, company string) H {
	return Handler("DN.SessionInitHandler", H{
		"ServerSessionId": serverSessionID,
		"SessionKey":      sessionKey,
		"CompanyName":     company,
	})
}

// Columns builds a change handler carrying a column schema for the
// repeater at controlPath. columns alternates caption and column id.
func Columns(formID, controlPath string, columns ...string) H {
	cols := make([]any, 0, len(columns)/2)
	for i := 0; i+1 < len(columns); i += 2 {
		cols = append(cols, H{"Caption": columns[i], "ColumnBinder": H{"Name": columns[i+1]}})
	}
	return Handler("DN.LogicalClientChangeHandler", formID, []any{H{
		"t":                "PropertyChanges",
		"ControlReference": H{"controlPath": controlPath, "formId": formID},
		"Changes":          H{"Columns": cols},
	}})
}

// Page builds the form opened for one page, plus any extra handlers sent
// alongside it.
type Page func(formID string) (form H, extra []H)

// App is a scripted application server: it opens sessions, opens and
// closes forms from a page catalog and acknowledges every other
// interaction.
type App struct {
	// Pages is the page catalog, keyed by page id
	Pages map[string]Page
	// Company is reported in the session tokens
	Company string

	mu       sync.Mutex
	sessions atomic.Int64
	nextForm atomic.Int64
	serverSq atomic.Int64
	forms    map[string]string // formId -> pageId
}

// NewApp returns an app with a role center on page "9022".
func NewApp() *App {
	a := &App{
		Pages:   map[string]Page{},
		Company: "CRONUS",
		forms:   map[string]string{},
	}
	a.nextForm.Store(100)
	a.Pages["9022"] = func(id string) (H, []H) { return Form(id, "Role Center", "9022"), nil }
	return a
}

// Register installs the app's handlers on s.
func (a *App) Register(s *Server) {
	s.Handle("OpenSession", a.openSession)
	s.Handle("Invoke", a.invoke)
	s.Handle("CloseSession", func(ctx context.Context, req *Request) (any, error) {
		return []any{Callback(a.serverSq.Add(1), "")}, nil
	})
}

func (a *App) openSession(ctx context.Context, req *Request) (any, error) {
	n := a.sessions.Add(1)
	page := "9022"
	if env, err := req.Body(); err == nil && len(env.Interactions) > 0 {
		if p, err := env.Interactions[0].Params(); err == nil {
			if v, ok := p["Page"].(string); ok && v != "" {
				page = v
			}
		}
	}
	build, ok := a.Pages[page]
	if !ok {
		return nil, fmt.Errorf("unknown page %s", page)
	}
	id := a.openForm(page)
	form, _ := build(id)
	return []any{
		SessionTokens(fmt.Sprintf("srv-%d", n), fmt.Sprintf("key-%d", n), a.Company),
		FormToShow(form),
		Callback(a.serverSq.Add(1), id),
	}, nil
}

func (a *App) invoke(ctx context.Context, req *Request) (any, error) {
	env, err := req.Body()
	if err != nil {
		return nil, err
	}
	var out []any
	for _, in := range env.Interactions {
		switch in.InteractionName {
		case "OpenForm":
			p, _ := in.Params()
			page, _ := p["Page"].(string)
			build, ok := a.Pages[page]
			if !ok {
				out = append(out, DialogToShow(H{
					"ServerId": "dlg",
					"Caption":  "Error",
					"Message":  fmt.Sprintf("The page %s does not exist.", page),
				}))
				continue
			}
			id := a.openForm(page)
			form, extra := build(id)
			out = append(out, FormToShow(form))
			for _, h := range extra {
				out = append(out, h)
			}
			out = append(out, Callback(a.serverSq.Add(1), id))
		case "CloseForm":
			a.mu.Lock()
			delete(a.forms, in.FormID)
			a.mu.Unlock()
			out = append(out, Callback(a.serverSq.Add(1), ""))
		default:
			out = append(out, Callback(a.serverSq.Add(1), ""))
		}
	}
	return out, nil
}

func (a *App) openForm(page string) string {
	id := fmt.Sprint(a.nextForm.Add(1))
	a.mu.Lock()
	a.forms[id] = page
	a.mu.Unlock()
	return id
}

// OpenForms returns the ids of forms the app considers open.
func (a *App) OpenForms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.forms))
	for id := range a.forms {
		ids = append(ids, id)
	}
	return ids
}

// PageOf returns the page a form was opened from.
func (a *App) PageOf(formID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forms[formID]
}
