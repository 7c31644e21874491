// Command followstars aggregates starred-repository activity from the
// accounts you follow on GitHub into an adaptively-polled SQLite store,
// exposed as an RSS feed, a JSON API, and a small HTML status page.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	_ "golang.org/x/crypto/x509roots/fallback" // embed CA certs for scratch containers

	forgeadapter "github.com/followstars/followstars/internal/adapter/driven/forge"
	sqliteadapter "github.com/followstars/followstars/internal/adapter/driven/sqlite"
	feedadapter "github.com/followstars/followstars/internal/adapter/driving/feed"
	httphandler "github.com/followstars/followstars/internal/adapter/driving/http"
	statushandler "github.com/followstars/followstars/internal/adapter/driving/status"
	"github.com/followstars/followstars/internal/application"
	"github.com/followstars/followstars/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("followstars")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "followstars",
		Short:         "Aggregate starred-repository activity from the accounts you follow",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	if err := config.BindFlags(root, v); err != nil {
		slog.Error("failed to bind flags", "error", err)
		os.Exit(1)
	}

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newServeCmd(v))
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single poll cycle and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), v)
		},
	}
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll continuously and serve the feed, JSON API, and status page",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), v)
		},
	}
}

func wire(ctx context.Context, v *viper.Viper) (*config.Config, *sqliteadapter.DB, *sqliteadapter.Store, *forgeadapter.Client, *application.Scheduler, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	store := sqliteadapter.NewStore(db, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("init schema: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.Timeout()}
	client, err := forgeadapter.NewClient(httpClient, cfg.Token, cfg.APIBaseURL, cfg.UserAgent, slog.Default())
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("build forge client: %w", err)
	}

	scheduler := application.NewScheduler(store, client, cfg.Cadence, cfg.MaxConcurrency, slog.Default())

	return cfg, db, store, client, scheduler, nil
}

func runOnce(ctx context.Context, v *viper.Viper) error {
	_, db, _, _, scheduler, err := wire(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	err = scheduler.RunCycle(ctx, start)
	elapsed := time.Since(start)

	printSummary(start, elapsed, err)
	return err
}

func serve(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, db, store, client, scheduler, err := wire(ctx, v)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	poller := application.NewPoller(scheduler, cfg.RefreshInterval(), slog.Default())
	go poller.Start(ctx)

	queries := application.NewQueryService(store)

	mux := http.NewServeMux()
	apiHandler := httphandler.NewHandler(queries, poller, client, slog.Default())
	mux.Handle("/api/", httphandler.NewServeMux(apiHandler, slog.Default()))
	mux.Handle("/", statushandler.NewHandler(poller, slog.Default()))
	mux.HandleFunc("GET /feed.xml", func(w http.ResponseWriter, r *http.Request) {
		events, err := queries.RecentForFeed(r.Context(), cfg.FeedLength)
		if err != nil {
			slog.Error("failed to load feed events", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		xml, err := feedadapter.Build(events, time.Now())
		if err != nil {
			slog.Error("failed to render feed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		_, _ = w.Write([]byte(xml))
	})

	var handler http.Handler = mux
	if cfg.ServePrefix != "" {
		handler = http.StripPrefix(cfg.ServePrefix, mux)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("followstars serving", "addr", addr, "refresh", cfg.RefreshInterval())

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poller.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// printSummary renders a colorized one-cycle summary for `run` mode, falling
// back to plain text when stdout isn't a terminal.
func printSummary(start time.Time, elapsed time.Duration, cycleErr error) {
	colorable := isatty.IsTerminal(os.Stdout.Fd())
	color.NoColor = !colorable

	if cycleErr != nil {
		color.New(color.FgRed, color.Bold).Printf("poll cycle failed after %s: %v\n", humanize.RelTime(start, start.Add(elapsed), "", ""), cycleErr)
		return
	}

	color.New(color.FgGreen, color.Bold).Printf("poll cycle completed in %s (started %s)\n",
		elapsed.Round(time.Millisecond), humanize.Time(start))
}
