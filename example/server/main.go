package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nggorpc/formrpc/internal/logging"
	"github.com/nggorpc/formrpc/internal/wstest"
)

var (
	addr     string
	compress bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "formrpc-server",
	Short: "Scripted application server speaking the form RPC protocol",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	rootCmd.Flags().BoolVar(&compress, "compress", true, "send results as compressedResult")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{Level: logLevel, Development: true})
	if err != nil {
		return err
	}
	defer logger.Sync()

	server := wstest.NewServer(wstest.ServerOption{
		InsecureSkipVerify: true,
		Compress:           compress,
		Logger:             logger,
	})
	app := wstest.NewApp()
	app.Pages["21"] = customerCard
	app.Pages["22"] = customerList
	app.Pages["42"] = salesOrder
	app.Register(server)

	httpServer := &http.Server{Addr: addr, Handler: http.HandlerFunc(server.HandleWebSocket)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.Bool("compress", compress))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown", zap.Error(err))
	}
	return httpServer.Shutdown(shutdownCtx)
}

func customerCard(id string) (wstest.H, []wstest.H) {
	return wstest.Form(id, "Customer Card", "21",
		wstest.H{"t": "gc", "Caption": "General", "Children": []wstest.H{
			{"t": "sc", "Caption": "No.", "SourceExpr": "No.", "Editable": false},
			{"t": "sc", "Caption": "Name", "SourceExpr": "Name"},
			{"t": "dc", "Caption": "Credit Limit (LCY)", "SourceExpr": "Credit Limit (LCY)"},
			{"t": "bc", "Caption": "Blocked", "SourceExpr": "Blocked"},
		}},
		wstest.H{"t": "ac", "Caption": "Statistics", "SystemAction": 0},
	), nil
}

func customerList(id string) (wstest.H, []wstest.H) {
	form := wstest.Form(id, "Customers", "22",
		wstest.H{"t": "rc", "Caption": "Customers", "Columns": []wstest.H{
			{"t": "sc", "Caption": "No.", "ColumnBinder": wstest.H{"Name": "18_Customer.1"}},
			{"t": "sc", "Caption": "Name", "ColumnBinder": wstest.H{"Name": "18_Customer.2"}},
			{"t": "sc", "Caption": "City", "ColumnBinder": wstest.H{"Name": "18_Customer.7"}},
		}},
		wstest.H{"t": "ac", "Caption": "New", "SystemAction": 10},
	)
	return form, []wstest.H{wstest.Columns(id, "server:c[0]",
		"No.", "18_Customer.1",
		"Name", "18_Customer.2",
		"City", "18_Customer.7",
	)}
}

func salesOrder(id string) (wstest.H, []wstest.H) {
	return wstest.Form(id, "Sales Order", "42",
		wstest.H{"t": "sc", "Caption": "No.", "SourceExpr": "No."},
		wstest.H{"t": "sc", "Caption": "Sell-to Customer Name", "SourceExpr": "Sell-to Customer Name"},
		wstest.H{"t": "ac", "Caption": "Post", "SystemAction": 30},
		wstest.H{"t": "lf", "Caption": "Lines", "ServerId": id + "-lines", "PartId": 1, "ExpressionProperties": wstest.H{"Visible": "ShowLines"}},
		wstest.H{"t": "lf", "Caption": "Customer Details", "ServerId": id + "-details", "PartId": 2},
	), nil
}
