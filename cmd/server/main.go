package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ensyswidget "github.com/ensys/ensys-widget"
	"github.com/ensys/ensys-widget/internal/handlers"
	"github.com/ensys/ensys-widget/internal/middleware"
	"github.com/ensys/ensys-widget/internal/services"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	errLoggerKey = "err"

	rateLimitIdle   = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

var (
	configPath string
	port       string
)

var rootCmd = &cobra.Command{
	Use:           "ensys-widget",
	Short:         "Serve the EnSys chat widget",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, required := configPath, true
		if path == "" {
			p, err := defaultConfigPath()
			if err != nil {
				return err
			}
			path, required = p, false
		}

		cfg, err := loadConfig(path, required)
		if err != nil {
			return err
		}
		if port != "" {
			cfg.Port = port
		}

		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default: <user config dir>/ensys/config.yaml)")
	rootCmd.Flags().StringVarP(&port, "port", "p", "", "Listen port, overrides the config file and ENSYS_PORT")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	level, err := cfg.logLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	backend, err := services.NewChatClient(cfg.BackendURL, &http.Client{}, logger)
	if err != nil {
		return fmt.Errorf("error creating chat client: %w", err)
	}

	m, err := handlers.NewMain(ctx, backend, cfg.widgetOptions(), logger)
	if err != nil {
		return err
	}

	handler, err := newRouter(ctx, m, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.String("backend", cfg.BackendURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
		return nil
	})

	return g.Wait()
}

func newRouter(ctx context.Context, m handlers.Main, cfg config) (http.Handler, error) {
	staticFS, err := fs.Sub(ensyswidget.StaticFS, "static")
	if err != nil {
		return nil, err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	actions := middleware.NewRateLimiter(ctx, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, rateLimitIdle)
	keystrokes := middleware.NewRateLimiter(ctx, cfg.RateLimit.KeystrokePerSecond, cfg.RateLimit.KeystrokeBurst,
		rateLimitIdle)

	r := chi.NewRouter()
	if cfg.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.With(actions.Middleware).Get("/", m.HandleHome)
	r.Get("/sse", m.HandleSSE)
	r.Get("/health", m.HandleHealth)
	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))

	r.Route("/widget", func(r chi.Router) {
		r.With(actions.Middleware).Post("/send", m.HandleSend)
		r.With(actions.Middleware).Post("/end", m.HandleEndChat)
		r.With(keystrokes.Middleware).Post("/keypress", m.HandleKeyPress)
		r.With(keystrokes.Middleware).Post("/input", m.HandleInput)
	})

	return r, nil
}
