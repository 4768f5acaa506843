package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"exploratory-testing-support/internal/adapters/backend"
	"exploratory-testing-support/internal/coordinator"
	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/internal/usecase"
)

var (
	reportFormat string
	reportRemote bool
)

// readOnlyCoordinator opens the store and a coordinator without hand-off or
// notifier, for one-shot commands. The backend is reachable for reads when
// configured.
func readOnlyCoordinator() (*coordinator.Coordinator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := obs.NewLogger(cfg.LogLevel)
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	machine := usecase.NewSessionMachine(store, logger)
	var opts []coordinator.Option
	if cfg.BackendURL != "" {
		client := backend.New(cfg.BackendURL, store, logger,
			backend.WithHTTPClient(&http.Client{Timeout: cfg.BackendTimeout()}))
		opts = append(opts, coordinator.WithRemote(client))
	}
	return coordinator.New(machine, store, logger, opts...), func() { _ = store.Close() }, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current session status and stats as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, done, err := readOnlyCoordinator()
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		view, err := coord.Status(ctx)
		if err != nil {
			return err
		}
		stats, err := coord.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"status": view, "stats": stats})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the open or last session as a report",
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, done, err := readOnlyCoordinator()
		if err != nil {
			return err
		}
		defer done()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		render := coord.Report
		if reportRemote {
			render = coord.RemoteReport
		}
		r, err := render(ctx, coordinator.ReportFormat(reportFormat))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), r)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "text", "text or markdown")
	reportCmd.Flags().BoolVar(&reportRemote, "remote", false, "have the backend render the report (needs BACKEND_URL)")
}
