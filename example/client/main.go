package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nggorpc/formrpc"
	"github.com/nggorpc/formrpc/config"
	"github.com/nggorpc/formrpc/controls"
	"github.com/nggorpc/formrpc/internal/logging"
	"github.com/nggorpc/formrpc/pool"
	"github.com/nggorpc/formrpc/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client bundles what every subcommand needs
type client struct {
	configPath string

	cfg    config.Config
	log    *zap.Logger
	pool   *pool.Pool[*session.Session]
	stdout io.Writer
}

func newRootCmd() *cobra.Command {
	c := &client{}

	root := &cobra.Command{
		Use:          "formrpc",
		Short:        "Drive a business application over its form RPC protocol",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "formrpc.yaml", "configuration file (.yaml or .toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "open <page>",
			Short: "Open a page and print its fields, actions and child forms",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
					return c.open(ctx, s, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "filter <page> <column> <value>",
			Short: "Open a list page and filter it by a column caption",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
					return c.filter(ctx, s, args[0], args[1], args[2])
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print pool and session statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
					return c.print(map[string]any{
						"server_session": s.ServerSessionID(),
						"session":        sessionStats(s.Stats()),
						"pool":           c.pool.Stats(),
					})
				})
			},
		},
	)
	return root
}

func (c *client) dial(ctx context.Context) (*session.Session, error) {
	s, err := session.Dial(ctx, c.cfg.URL, c.cfg.Credentials(), c.cfg.SessionConfig(c.log))
	if err != nil {
		return nil, err
	}
	if _, err := s.OpenSession(ctx, c.cfg.OpenRequest()); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// withSession loads the configuration, starts the pool and runs fn on a
// pooled session. A session that failed at the transport level is
// discarded instead of going back to the pool.
func (c *client) withSession(cmd *cobra.Command, fn func(context.Context, *session.Session) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	c.cfg = cfg
	c.log = logger
	c.stdout = cmd.OutOrStdout()
	c.pool = pool.New(c.dial, cfg.PoolConfig(logger))
	defer c.pool.Shutdown(context.Background())

	ctx := cmd.Context()
	if err := c.pool.Initialize(ctx); err != nil {
		return err
	}

	pc, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, pc.Conn)
	disp := formrpc.Classify(err)
	if disp == formrpc.ConnectionDead {
		c.pool.Discard(pc)
	} else {
		c.pool.Release(pc)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", disp, err)
	}
	return nil
}

func (c *client) open(ctx context.Context, s *session.Session, page string) error {
	opened, err := s.OpenForm(ctx, page)
	if err != nil {
		return err
	}
	defer s.CloseForm(ctx, opened.FormID)

	children, err := s.LoadChildForms(ctx, opened)
	if err != nil {
		return err
	}

	out := formOutput{
		FormID:  opened.FormID,
		Caption: opened.Form.Caption,
		Page:    opened.Form.PageID(),
	}
	for _, f := range controls.ExtractFields(opened.Controls) {
		out.Fields = append(out.Fields, fieldOutput{Path: f.ControlPath, Caption: f.Caption, Type: string(f.Type), ReadOnly: f.ReadOnly})
	}
	for _, a := range controls.ExtractActions(opened.Controls) {
		out.Actions = append(out.Actions, a.Caption)
	}
	for _, child := range children {
		out.Children = append(out.Children, child.Request.Caption)
	}
	for _, col := range s.Filters().Columns(opened.FormID) {
		out.Filterable = append(out.Filterable, col.Caption)
	}
	return c.print(out)
}

func (c *client) filter(ctx context.Context, s *session.Session, page, caption, value string) error {
	opened, err := s.OpenForm(ctx, page)
	if err != nil {
		return err
	}
	defer s.CloseForm(ctx, opened.FormID)

	handlers, err := s.ApplyFilter(ctx, opened.FormID, "", caption, &value)
	if err != nil {
		return err
	}
	return c.print(map[string]any{
		"form":     opened.FormID,
		"column":   caption,
		"value":    value,
		"handlers": len(handlers),
	})
}

func (c *client) print(v any) error {
	enc := yaml.NewEncoder(c.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

type formOutput struct {
	FormID     string        `yaml:"form_id"`
	Caption    string        `yaml:"caption"`
	Page       string        `yaml:"page"`
	Fields     []fieldOutput `yaml:"fields,omitempty"`
	Actions    []string      `yaml:"actions,omitempty"`
	Children   []string      `yaml:"children,omitempty"`
	Filterable []string      `yaml:"filterable,omitempty"`
}

type fieldOutput struct {
	Path     string `yaml:"path"`
	Caption  string `yaml:"caption"`
	Type     string `yaml:"type"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

func sessionStats(st session.Stats) map[string]any {
	return map[string]any{
		"state":          st.State.String(),
		"calls":          st.Calls,
		"failures":       st.Failures,
		"form_fallbacks": st.FormFallbacks,
		"sequence":       st.Sequence,
		"last_ack":       st.LastAck,
		"open_forms":     st.OpenForms,
	}
}
