package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nggorpc/formrpc/internal/wstest"
)

func startApp(t *testing.T) (*wstest.App, string) {
	t.Helper()
	server := wstest.NewServer(wstest.ServerOption{Compress: true})
	app := wstest.NewApp()
	app.Pages["22"] = func(id string) (wstest.H, []wstest.H) {
		form := wstest.Form(id, "Customers", "22",
			wstest.H{"t": "rc", "Caption": "Customers", "Columns": []wstest.H{
				{"t": "sc", "Caption": "Name", "ColumnBinder": wstest.H{"Name": "18_Customer.2"}},
			}},
			wstest.H{"t": "sc", "Caption": "Search", "SourceExpr": "Search"},
			wstest.H{"t": "ac", "Caption": "New", "SystemAction": 10},
		)
		return form, []wstest.H{wstest.Columns(id, "server:c[0]", "No.", "18_Customer.1", "Name", "18_Customer.2")}
	}
	app.Register(server)

	httpServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(httpServer.Close)

	cfg := "url: ws" + strings.TrimPrefix(httpServer.URL, "http") + "\n" +
		"tenant: default\n" +
		"pool:\n  min: 1\n  max: 2\n  create_delay: 0s\n" +
		"log:\n  level: error\n"
	path := filepath.Join(t.TempDir(), "formrpc.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return app, path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestOpenCommand(t *testing.T) {
	_, path := startApp(t)

	out, err := run(t, "--config", path, "open", "22")
	if err != nil {
		t.Fatalf("open: %v\n%s", err, out)
	}

	var got formOutput
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got.Caption != "Customers" || got.Page != "22" {
		t.Errorf("unexpected form: %+v", got)
	}
	if len(got.Fields) != 1 || got.Fields[0].Caption != "Search" {
		t.Errorf("unexpected fields: %+v", got.Fields)
	}
	if len(got.Actions) != 1 || got.Actions[0] != "New" {
		t.Errorf("unexpected actions: %+v", got.Actions)
	}
	if len(got.Filterable) != 2 {
		t.Errorf("unexpected filterable columns: %+v", got.Filterable)
	}
}

func TestFilterCommand(t *testing.T) {
	_, path := startApp(t)

	out, err := run(t, "--config", path, "filter", "22", "Name", "Adatum")
	if err != nil {
		t.Fatalf("filter: %v\n%s", err, out)
	}
	if !strings.Contains(out, "column: Name") || !strings.Contains(out, "value: Adatum") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = run(t, "--config", path, "filter", "22", "Balance", "0")
	if err == nil {
		t.Fatalf("expected unknown column error, got:\n%s", out)
	}
	if !strings.HasPrefix(err.Error(), "caller-error:") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOpenUnknownPage(t *testing.T) {
	_, path := startApp(t)

	_, err := run(t, "--config", path, "open", "404")
	if err == nil || !strings.HasPrefix(err.Error(), "page-unavailable:") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatsCommand(t *testing.T) {
	_, path := startApp(t)

	out, err := run(t, "--config", path, "stats")
	if err != nil {
		t.Fatalf("stats: %v\n%s", err, out)
	}
	if !strings.Contains(out, "server_session: srv-") || !strings.Contains(out, "state: SessionOpen") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestMissingConfig(t *testing.T) {
	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "stats"); err == nil {
		t.Fatalf("expected config error")
	}
}
