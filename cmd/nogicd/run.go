package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/nogicos/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordination core and serve its metrics",
	Long: `Run the event bus, task manager, store and caches until interrupted.

Prometheus metrics are served on /metrics at NOGICOS_HTTP_ADDR. SIGHUP hands
the listener to a fresh process and exits once the old one has drained.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.Logger(os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := engine.New(ctx, cfg, engine.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := rt.Start(ctx); err != nil {
			_ = rt.Close(context.Background())
			return err
		}

		listener, err := engine.Listen(cfg.HTTPAddr)
		if err != nil {
			_ = rt.Close(context.Background())
			return err
		}

		server := &http.Server{
			Handler:           loggingMiddleware(logger, newMux(rt)),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("nogicd listening", "addr", listener.Addr().String())
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-hup:
				restarter := &engine.Restarter{Listener: listener, Args: os.Args, Env: os.Environ()}
				if err := restarter.Restart(); err != nil {
					logger.Error("restart failed", "error", err)
					<-gctx.Done()
					break
				}
				logger.Info("handed listener to new process")
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(err, rt.Close(closeCtx))
	},
}

func newMux(rt *engine.Runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func init() {
	rootCmd.AddCommand(runCmd)
}
