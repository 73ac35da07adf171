package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "offline0",
		Short:        "Offline-resilient caching proxy",
		Long:         "offline0 sits in front of a web backend, answers from bounded caches when the backend is unreachable and queues writes for background sync.",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the proxy (default)",
		RunE:  runServe,
	})

	queue := &cobra.Command{Use: "queue", Short: "Inspect the background sync queue"}
	queue.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending requests",
		RunE:  runQueueList,
	})
	root.AddCommand(queue)

	cache := &cobra.Command{Use: "cache", Short: "Inspect cache stores"}
	cache.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show every store with its entry count and size",
		RunE:  runCacheInfo,
	})
	root.AddCommand(cache)

	return root
}

func loadConfig() (offline0.Config, *logrus.Logger, error) {
	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		return offline0.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return offline0.Config{}, nil, fmt.Errorf("logging.level: %w", err)
	}
	log.SetLevel(level)
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := offline0.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithFields(logrus.Fields{
			"addr":       addr,
			"origin":     cfg.Server.Origin,
			"generation": cfg.Cache.Generation,
			"storage":    cfg.Storage.Kind,
			"sync":       cfg.Sync.Backend,
		}).Info("offline0 listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := offline0.OpenStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.Queue.ListPending(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, it := range items {
		if err := enc.Encode(map[string]any{
			"id":       it.ID,
			"method":   it.Method,
			"url":      it.URL,
			"size":     humanize.Bytes(uint64(len(it.Body))),
			"queued":   humanize.Time(it.EnqueuedAt),
			"attempts": it.RetryCount,
		}); err != nil {
			return err
		}
	}
	return nil
}

func runCacheInfo(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := offline0.OpenStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	names, err := st.Cache.Names(cmd.Context())
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		entries, err := st.Cache.Entries(cmd.Context(), name)
		if err != nil {
			return err
		}
		var size uint64
		for _, e := range entries {
			size += uint64(len(e.Body))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d entries\t%s\n", name, len(entries), humanize.Bytes(size))
	}
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
