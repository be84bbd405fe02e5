package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dsr-orchestrator/internal/api"
	"dsr-orchestrator/internal/config"
	"dsr-orchestrator/internal/devtls"
	"dsr-orchestrator/internal/logging"
	"dsr-orchestrator/internal/mcp"
	"dsr-orchestrator/internal/repository"
	"dsr-orchestrator/internal/services"
	"dsr-orchestrator/internal/telemetry"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "dsr-orchestrator",
		Short:        "Orchestrates data subject request fulfilment across Data Discovery and Secure Delivery",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile, cmd.Flags())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to config file (default: ./config.yaml or ./config/config.yaml)")
	flags.String("addr", "", "Listen address, e.g. :8003")
	flags.String("discovery-url", "", "Base URL of the Data Discovery service")
	flags.String("delivery-url", "", "Base URL of the Secure Delivery service")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")

	return cmd
}

func run(ctx context.Context, configFile string, flags *pflag.FlagSet) error {
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(configFile, flags)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return err
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format, nil); err != nil {
		logger.Error("Failed to configure logging", "error", err)
		return err
	}
	logger.Info("Configuration loaded",
		"addr", cfg.Server.Addr,
		"discovery_url", cfg.Discovery.URL,
		"delivery_url", cfg.Delivery.URL,
		"collaborator_timeout", cfg.Collaborators.Timeout.String(),
	)

	logger.Info("Starting DSR Workflow Orchestration Engine", "version", version)

	if cfg.TLS.Enable {
		created, err := devtls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			logger.Error("Failed to prepare TLS certificate", "error", err)
			return err
		}
		if created {
			logger.Info("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
		}
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		logger.Error("Failed to set up telemetry", "error", err)
		return err
	}
	logger.Info("Telemetry initialized", "exporter", cfg.Telemetry.Exporter)

	e := buildServer(cfg, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
			errs = append(errs, err)
		}
		// flush spans and metrics of requests drained above
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}

		logger.Info("Server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// buildServer wires the stores, the orchestrator and both transports into
// one echo instance.
func buildServer(cfg *config.Config, logger *logging.Logger) *echo.Echo {
	// Stores live for the lifetime of the process
	workflowStore := repository.NewMemoryWorkflowStore()
	auditLog := repository.NewMemoryAuditLog(logger.With("component", "audit"))

	// Initialize service layer
	client := services.NewHTTPCollaboratorClient(cfg.Discovery.URL, cfg.Delivery.URL, cfg.Collaborators.Timeout)
	orchestrator := services.NewOrchestrator(workflowStore, auditLog, client, logger.With("component", "orchestrator"))

	logger.Info("Service layer initialized")

	e := newEcho(cfg, logger)

	api.RegisterHandlers(e, api.NewServer(orchestrator, logger.With("component", "api")), api.NewHandler(cfg.Telemetry.ServiceName, version))
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(orchestrator, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	return e
}

func newEcho(cfg *config.Config, logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency.String(),
			}
			if v.Error != nil {
				logger.Error("request", append(args, "error", v.Error)...)
				return nil
			}
			logger.Info("request", args...)
			return nil
		},
	}))

	if cfg.Server.StartRateLimit > 0 {
		e.Use(startRateLimiter(cfg.Server.StartRateLimit, cfg.Server.StartRateBurst))
	}

	return e
}

// startRateLimiter limits POST /workflows/start per client IP. Other routes
// are not limited.
func startRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Method != http.MethodPost || c.Path() != "/workflows/start"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many workflow start requests.")
		},
	})
}
