package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pxewatch/pkg/bus"
	"pxewatch/pkg/clock"
	"pxewatch/pkg/eventlog"
	gos3 "pxewatch/pkg/s3"
	"pxewatch/pkg/telemetry"
	"pxewatch/services/pxe-stack/internal/config"
	"pxewatch/services/pxe-stack/internal/devices"
	"pxewatch/services/pxe-stack/internal/dhcp"
	"pxewatch/services/pxe-stack/internal/lifecycle"
	"pxewatch/services/pxe-stack/internal/menu"
	"pxewatch/services/pxe-stack/internal/pxehttp"
	"pxewatch/services/pxe-stack/internal/tftp"
)

const (
	exitDHCP = 1
	exitTFTP = 2
)

// exitError carries the process exit code for a fatal listener failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := run("pxe-stack"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Print(err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	clk := clock.Real()
	store := devices.NewStore(clk)
	identity := devices.NewIdentityMap()
	metrics, err := lifecycle.NewMetrics(prometheus.DefaultRegisterer, store.Len)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Sinks drain on their own context. Deferred calls run in reverse, so the
	// listeners are cancelled and waited for before the sinks stop.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var sinkWG sync.WaitGroup
	var closers []func()
	defer func() {
		stopSinks()
		sinkWG.Wait()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var sinks []lifecycle.Sink
	startSink := func(name string, write lifecycle.WriteFunc) {
		sink := lifecycle.NewAsyncSink(name, 0, write, logger, metrics)
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			sink.Run(sinkCtx)
		}()
		sinks = append(sinks, sink)
	}

	if cfg.EventLog.Path != "" {
		elog, err := openEventLog(ctx, cfg, logger)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = elog.Close() })
		startSink("eventlog", func(ctx context.Context, c lifecycle.Change) error {
			return elog.Append(ctx, c)
		})
		logger.Printf("INFO recording lifecycle changes to %s", cfg.EventLog.Path)
	}

	if cfg.Bus.URL != "" {
		b, err := bus.New(cfg.Bus.URL, cfg.Bus.JetStream, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, b.Close)
		subject := cfg.Bus.Subject
		startSink("nats", func(_ context.Context, c lifecycle.Change) error {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return b.Publish(pubCtx, subject, c)
		})
		logger.Printf("INFO publishing lifecycle changes to %s on %s", subject, cfg.Bus.URL)
	}

	var listenerWG sync.WaitGroup
	defer listenerWG.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := lifecycle.NewTracker(store, identity, lifecycle.Options{
		MenuMarker:              cfg.Lifecycle.MenuMarker,
		FlagBackwardTransitions: cfg.Lifecycle.FlagBackwardTransitions,
	}, logger, metrics, sinks...)

	sweeper := lifecycle.NewSweeper(store, identity, clk, lifecycle.SweeperOptions{
		Interval:              cfg.Lifecycle.SweepInterval,
		IdleTTL:               cfg.Lifecycle.IdleTTL,
		IdentityFollowsExpiry: cfg.Lifecycle.IdentityFollowsExpiry,
	}, logger, metrics, sinks...)
	listenerWG.Add(1)
	go func() {
		defer listenerWG.Done()
		sweeper.Run(ctx)
	}()

	bootMenu := &menu.Holder{}
	if cfg.Menu.File != "" {
		if text, ok := generateMenu(cfg.Menu.File, logger); ok {
			bootMenu.Set(text)
		}
	}

	var dhcpReady, tftpReady, httpReady atomic.Bool

	errCh := make(chan error, 3)

	if cfg.DHCP.Enabled {
		server, err := dhcp.NewServer(cfg.DHCP, logger, lifecycle.NewDHCPAdapter(tracker, logger))
		if err != nil {
			return fmt.Errorf("create dhcp server: %w", err)
		}
		listenerWG.Add(1)
		go func() {
			defer listenerWG.Done()
			if err := server.Run(ctx, &dhcpReady); err != nil {
				errCh <- &exitError{code: exitDHCP, err: fmt.Errorf("dhcp: %w", err)}
			}
		}()
	} else {
		logger.Printf("INFO not starting DHCP server as it is disabled")
		dhcpReady.Store(true)
	}

	if cfg.TFTP.Enabled {
		server := tftp.NewServer(cfg.TFTP, logger, lifecycle.NewTFTPAdapter(tracker, logger))
		if text, ok := bootMenu.Menu(); ok {
			server.ServeFile(cfg.Menu.Path, text)
		}
		listenerWG.Add(1)
		go func() {
			defer listenerWG.Done()
			if err := server.Run(ctx, &tftpReady); err != nil {
				errCh <- &exitError{code: exitTFTP, err: fmt.Errorf("tftp: %w", err)}
			}
		}()
	} else {
		logger.Printf("INFO not starting TFTP server as it is disabled")
		tftpReady.Store(true)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dhcpReady.Load() && tftpReady.Load() && httpReady.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "components not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())

	if cfg.HTTP.Enabled {
		api, err := pxehttp.New(store, identity, bootMenu, logger)
		if err != nil {
			return fmt.Errorf("create status api: %w", err)
		}
		if err := pxehttp.RegisterHandlers(mux, api, &httpReady, logger); err != nil {
			return fmt.Errorf("register http handlers: %w", err)
		}
	} else {
		logger.Printf("INFO not serving the status API as it is disabled")
		httpReady.Store(true)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s", server.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		logger.Printf("ERROR %v, exiting", err)
		return err
	case <-ctx.Done():
		logger.Printf("INFO shutting down")
		return nil
	}
}

func openEventLog(ctx context.Context, cfg config.Config, logger *log.Logger) (*eventlog.Log, error) {
	opts := eventlog.Options{
		Path:     cfg.EventLog.Path,
		MaxBytes: cfg.EventLog.MaxBytes,
		Logger:   logger,
	}
	if cfg.EventLog.S3Bucket != "" {
		client, err := gos3.NewClient(ctx, gos3.Options{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		opts.Uploader = client
		opts.Bucket = cfg.EventLog.S3Bucket
		opts.Prefix = cfg.EventLog.S3Prefix
	}
	elog, err := eventlog.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return elog, nil
}

// generateMenu renders the boot menu document. Failures are logged and leave
// the service running without a generated menu.
func generateMenu(path string, logger *log.Logger) ([]byte, bool) {
	doc, err := menu.Load(path)
	if err != nil {
		logger.Printf("ERROR boot menu: %v", err)
		return nil, false
	}
	gen, err := menu.NewGenerator()
	if err != nil {
		logger.Printf("ERROR boot menu: %v", err)
		return nil, false
	}
	text, skipped, err := gen.Generate(doc)
	for _, problem := range skipped {
		logger.Printf("WARN boot menu %s: %v", path, problem)
	}
	if err != nil {
		logger.Printf("ERROR boot menu %s: %v", path, err)
		return nil, false
	}
	logger.Printf("INFO boot menu generated from %s with %d entries", path, len(doc.Entries)-countEntryErrors(skipped))
	return text, true
}

func countEntryErrors(errs []error) int {
	n := 0
	for _, err := range errs {
		var entryErr *menu.EntryError
		if errors.As(err, &entryErr) {
			n++
		}
	}
	return n
}
