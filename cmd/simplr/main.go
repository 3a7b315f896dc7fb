// Runs the Simplr derived-collection cache next to the memory monitor that keeps it within budget, exporting
// Prometheus metrics and optionally driving it with synthetic task queries.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/nobletooth/simplr/pkg/cache"
	"github.com/nobletooth/simplr/pkg/config"
	"github.com/nobletooth/simplr/pkg/monitor"
	"github.com/nobletooth/simplr/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress = flag.String("metrics_address", "",
		"Address to serve Prometheus metrics on, e.g. ':9090'. Empty disables the endpoint.")
	metricsReportInterval = flag.Duration("metrics_report_interval", 30*time.Second,
		"How often the cache snapshot is logged. Zero disables the report.")
	syntheticLoad = flag.Int("synthetic_load", 0,
		"Number of workers issuing synthetic task queries against the cache. Zero disables the load.")
)

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Simplr build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Simplr stopped.", "err", err)
		os.Exit(1)
	}
	slog.Info("Simplr stopped gracefully.", "uptime", utils.Uptime())
}

// run wires the monitor and the cache and blocks until `ctx` is done.
func run(ctx context.Context) error {
	mon := monitor.New(monitor.NewSystemPlatform(monitor.SystemOptionsFromFlags()), monitor.OptionsFromFlags())
	defer mon.Close()
	mon.RegisterFlusher("go_runtime", debug.FreeOSMemory)

	unified := cache.New(cache.OptionsFromFlags())
	defer unified.Close()
	detach := unified.Attach(mon)
	defer detach()

	if err := unified.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache maintenance: %w", err)
	}
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory monitor: %w", err)
	}
	slog.Info("Simplr is running.", "version", utils.Version, "limit", unified.Metrics().CurrentLimit)

	group, groupCtx := errgroup.WithContext(ctx)
	if *metricsAddress != "" {
		group.Go(func() error { return serveMetrics(groupCtx, *metricsAddress) })
	}
	if *metricsReportInterval > 0 {
		group.Go(func() error {
			reportMetrics(groupCtx, unified, *metricsReportInterval)
			return nil
		})
	}
	for workerId := range *syntheticLoad {
		group.Go(func() error {
			newLoadWorker(workerId, unified).run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})
	return group.Wait()
}

// serveMetrics serves the Prometheus registry on `address` until `ctx` is done.
func serveMetrics(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down the metrics server.", "error", err)
		}
	}()

	slog.Info("Serving metrics.", "address", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// reportMetrics logs the cache snapshot every `interval` until `ctx` is done.
func reportMetrics(ctx context.Context, unified *cache.Unified, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := unified.Metrics()
			slog.Info("Cache report.",
				"hitRate", metrics.HitRate,
				"totalEntries", metrics.TotalEntries,
				"limit", metrics.CurrentLimit,
				"evictions", metrics.EvictionCount,
				"expired", metrics.ExpiredCount,
				"evictedRemisses", metrics.EvictedRemisses,
				"pressureActive", metrics.PressureActive,
				"backgrounded", metrics.Backgrounded)
		}
	}
}
