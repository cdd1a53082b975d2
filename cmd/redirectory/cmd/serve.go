package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thejohnfreeman/redirectory"
	"github.com/thejohnfreeman/redirectory/internal/api"
	"github.com/thejohnfreeman/redirectory/internal/hosting"
	"github.com/thejohnfreeman/redirectory/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry server",
	Long:  "Starts the HTTP server that speaks the Conan remote protocol.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :9300)")
	serveCmd.Flags().String("backend", "", "artifact backend: github or memory")
	serveCmd.Flags().String("token", "", "default hosting token for unauthenticated requests")

	viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("backend", serveCmd.Flags().Lookup("backend"))
	viper.BindPFlag("token", serveCmd.Flags().Lookup("token"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := logging.NewSlog(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(viper.GetString("log_level")),
	})))

	host, err := buildHost()
	if err != nil {
		return err
	}

	reg := redirectory.New(host,
		redirectory.WithLogger(log),
		redirectory.WithConcurrency(viper.GetInt("concurrency")),
	)

	server := api.NewServer(reg, log, viper.GetDuration("session_ttl"))
	srv := &http.Server{
		Addr:              viper.GetString("addr"),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", "addr", srv.Addr, "backend", viper.GetString("backend"))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildHost() (hosting.Host, error) {
	policy := hosting.DefaultBackoff()
	if n := viper.GetInt("retry_max"); n > 0 {
		policy.MaxRetries = uint64(n)
	}
	if d := viper.GetDuration("retry_initial"); d > 0 {
		policy.InitialInterval = d
	}

	switch backend := viper.GetString("backend"); backend {
	case "github":
		opts := []hosting.GitHubOption{}
		if token := viper.GetString("token"); token != "" {
			opts = append(opts, hosting.WithDefaultToken(token))
		}
		if base := viper.GetString("base_url"); base != "" {
			opts = append(opts, hosting.WithBaseURL(base))
		}
		return hosting.NewGitHub(policy, opts...), nil
	case "memory":
		return hosting.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend: %q", backend)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
