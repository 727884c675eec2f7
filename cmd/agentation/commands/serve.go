package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentation/broker/internal/acp"
	"github.com/agentation/broker/internal/config"
	"github.com/agentation/broker/internal/eventbus"
	"github.com/agentation/broker/internal/logging"
	"github.com/agentation/broker/internal/server"
	"github.com/agentation/broker/internal/store"
	"github.com/agentation/broker/internal/webhook"
)

// retentionSweepInterval is how often the Event Bus checks for events
// older than the retention window. Spec requires at least once per hour.
const retentionSweepInterval = 1 * time.Hour

var (
	servePort     int
	serveMCPOnly  bool
	serveHTTPOnly bool
	serveHTTPURL  string
	serveAPIKey   string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the annotation broker",
	Long: `Start the broker in one of three modes: combined (HTTP Surface
and ACP Dispatcher), HTTP-only, or ACP-only.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from broker config)")
	serverCmd.Flags().BoolVar(&serveMCPOnly, "mcp-only", false, "Run only the ACP Dispatcher, no HTTP Surface")
	serverCmd.Flags().BoolVar(&serveHTTPOnly, "http-only", false, "Run only the HTTP Surface, no ACP Dispatcher")
	serverCmd.Flags().StringVar(&serveHTTPURL, "http-url", "", "Base URL the ACP Dispatcher calls (default: loopback at --port)")
	serverCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "Bearer token required on the HTTP Surface")
}

func runServer(cmd *cobra.Command, args []string) error {
	if serveMCPOnly && serveHTTPOnly {
		return fmt.Errorf("--mcp-only and --http-only are mutually exclusive")
	}

	appConfig := config.Load()

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	var st store.Store
	var err error
	switch appConfig.StoreBacking {
	case config.StoreMemory:
		logging.Info().Msg("using in-memory store backing")
		st = store.NewMemory()
	default:
		logging.Info().Str("path", paths.StorePath()).Msg("using sqlite store backing")
		st, err = store.OpenSQLite(paths.StorePath())
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
	}

	bus := eventbus.New(st)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	bus.StartRetentionSweeper(sweepCtx, appConfig.RetentionDays, retentionSweepInterval)

	var webhookMgr *webhook.Manager
	if len(appConfig.WebhookURLs) > 0 {
		webhookMgr = webhook.NewManager(bus, appConfig.WebhookURLs)
		webhookCtx, stopWebhooks := context.WithCancel(context.Background())
		defer stopWebhooks()
		webhookMgr.Start(webhookCtx)
		logging.Info().Int("count", len(appConfig.WebhookURLs)).Msg("webhook delivery enabled")
	}

	serverConfig := server.DefaultConfig()
	if servePort != 0 {
		serverConfig.Port = servePort
	}
	serverConfig.StoreBacking = string(appConfig.StoreBacking)
	if serveAPIKey != "" {
		serverConfig.APIKey = serveAPIKey
	} else {
		serverConfig.APIKey = appConfig.APIKey
	}

	httpURL := serveHTTPURL
	if httpURL == "" {
		httpURL = fmt.Sprintf("http://127.0.0.1:%d", serverConfig.Port)
	}

	var httpSrv *server.Server
	if !serveMCPOnly {
		httpSrv = server.New(serverConfig, st, bus)
		go func() {
			logging.Info().Int("port", serverConfig.Port).Msg("HTTP Surface listening")
			if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
				logging.Fatal().Err(err).Msg("HTTP Surface error")
			}
		}()
	}

	acpCtx, stopACP := context.WithCancel(context.Background())
	defer stopACP()
	if !serveHTTPOnly {
		go func() {
			logging.Info().Str("httpUrl", httpURL).Msg("ACP Dispatcher starting on stdio")
			if err := acp.ServeStdio(acpCtx, httpURL, serveAPIKey); err != nil {
				logging.Warn().Err(err).Msg("ACP Dispatcher stopped")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("HTTP Surface shutdown error")
		}
	}

	stopACP()

	if webhookMgr != nil {
		webhookMgr.Stop()
	}

	stopSweeper()

	if err := bus.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing event bus")
	}
	if err := st.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing store")
	}

	logging.Info().Msg("broker stopped")
	return nil
}
