package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"exploratory-testing-support/internal/adapters/pagehost"
	"exploratory-testing-support/internal/agent"
	"exploratory-testing-support/internal/capture"
	"exploratory-testing-support/internal/coordinator"
	httpapi "exploratory-testing-support/internal/infrastructure/httpapi"
	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/internal/usecase"
)

var (
	agentURL     string
	agentScripts []string
	agentServer  string
	agentOnce    bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a page context that captures into the shared session",
	Long: "Runs page scripts in an embedded JavaScript page and captures their console,\n" +
		"fetch, error and page.dispatch() activity while a session is active.",
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentURL, "url", "about:blank", "page URL reported with captured events")
	agentCmd.Flags().StringArrayVarP(&agentScripts, "script", "s", nil, "page script to run (repeatable)")
	agentCmd.Flags().StringVar(&agentServer, "server", "", "coordinator base URL for direct notifications, e.g. http://localhost:9191")
	agentCmd.Flags().BoolVar(&agentOnce, "once", false, "exit after the scripts ran instead of waiting for a signal")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policy, err := cfg.CapturePolicy()
	if err != nil {
		return err
	}
	logger := obs.NewLoggerTo(os.Stderr, cfg.LogLevel)
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	page, err := pagehost.New(logger, pagehost.WithURL(agentURL))
	if err != nil {
		return err
	}
	defer page.Close()

	machine := usecase.NewSessionMachine(store, logger)
	col := capture.NewCollector(policy, page, machine, logger)
	ag := agent.New(store, machine, col, page, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := exposeFlag(ctx, page, col, logger); err != nil {
		return err
	}
	if err := ag.Init(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial status read failed, capture stays off until the next change")
	}
	logger.Info().Str("policy", policy.String()).Bool("active", ag.Active()).Msg("page agent ready")

	if agentServer != "" {
		go listenNotifications(ctx, agentServer, ag, logger)
	}

	if err := page.Navigate(ctx, agentURL); err != nil {
		return err
	}
	for _, path := range agentScripts {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		if err := page.RunScript(ctx, filepath.Base(path), string(src)); err != nil {
			// already captured as a page error
			logger.Warn().Err(err).Str("script", path).Msg("page script failed")
		}
	}

	if !agentOnce {
		<-ctx.Done()
	} else {
		// let pending fetches and timers settle
		time.Sleep(200 * time.Millisecond)
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	return ag.Close(closeCtx)
}

// exposeFlag installs flagEvent(eventId, note) for page scripts.
func exposeFlag(ctx context.Context, page *pagehost.Runtime, col *capture.Collector, logger *zerolog.Logger) error {
	return page.Do(ctx, func(vm *goja.Runtime) error {
		return vm.Set("flagEvent", func(eventID, note string) {
			go func() {
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := col.FlagEvent(fctx, eventID, note); err != nil {
					logger.Debug().Err(err).Msg("flag from page failed")
				}
			}()
		})
	})
}

// listenNotifications forwards the coordinator's best-effort pushes to the
// agent. Losing the socket only loses the shortcut; the store subscription
// still drives capture.
func listenNotifications(ctx context.Context, base string, ag *agent.Agent, logger *zerolog.Logger) {
	u := wsURL(base) + "/api/monitor/ws"
	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil {
			logger.Debug().Err(err).Str("url", u).Msg("monitor dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var ev httpapi.MonitorEvent
			if json.Unmarshal(data, &ev) != nil || ev.Type != httpapi.MonitorNotify {
				continue
			}
			c := agent.CommandSessionStopped
			if ev.Event == coordinator.NotifySessionStarted {
				c = agent.CommandSessionStarted
			}
			if err := ag.HandleCommand(ctx, c); err != nil {
				logger.Debug().Err(err).Str("event", ev.Event).Msg("direct command failed")
			}
		}
		_ = conn.Close()
	}
}

func wsURL(base string) string {
	switch {
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	}
	return base
}
