// Command dicom-adapter bridges a clinical DICOM network and an AI
// inference platform. It accepts C-STORE associations, groups received
// instances into jobs, and drives queued inference requests through
// retrieval and submission.
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

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/radbridge/dicom-adapter/config"
	"github.com/radbridge/dicom-adapter/events"
	"github.com/radbridge/dicom-adapter/grouping"
	"github.com/radbridge/dicom-adapter/registry"
	"github.com/radbridge/dicom-adapter/requests"
	"github.com/radbridge/dicom-adapter/retrieve"
	"github.com/radbridge/dicom-adapter/scp"
	"github.com/radbridge/dicom-adapter/staging"
	"github.com/radbridge/dicom-adapter/submit"
	"github.com/radbridge/dicom-adapter/worker"
)

type options struct {
	Config      string `short:"c" long:"config" description:"Path to the YAML configuration file" default:"adapter.yaml"`
	LogLevel    string `long:"log-level" description:"Log level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`
	LogJSON     bool   `long:"log-json" description:"Emit logs as JSON"`
	AdminListen string `long:"admin-listen" description:"Listen address for metrics and health endpoints" default:":9090"`
	UseGet      bool   `long:"use-get" description:"Retrieve with C-GET instead of C-MOVE"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}

	log, err := buildLogger(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("adapter terminated")
	}
	log.Info("adapter shutdown complete")
}

func buildLogger(opts options) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if opts.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(logger), nil
}

func run(opts options, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	log.WithField("config", opts.Config).Info("configuration loaded")

	reg := registry.New(cfg, log.WithField("component", "registry"))

	stage, err := staging.NewManager(
		cfg.Storage.StagingRoot,
		cfg.Storage.HighWaterBytes,
		cfg.Storage.Retention.Or(config.DefaultRetention),
		log.WithField("component", "staging"),
	)
	if err != nil {
		return err
	}

	store, err := requests.Open(cfg.Services.Requests.Database, log.WithField("component", "requests"))
	if err != nil {
		return err
	}
	defer store.Close()

	notifier := events.NewNotifier(log.WithField("component", "events"))

	platform := submit.NewHTTPPlatform(
		cfg.Services.Platform.Endpoint,
		cfg.Services.Platform.Timeout.Or(config.DefaultPlatformTimeout),
		log.WithField("component", "platform"),
	)
	submitter := submit.NewSubmitter(platform, log.WithField("component", "submit"))
	emitter := submit.NewBucketEmitter(submitter, stage, log.WithField("component", "submit"))

	engine := grouping.New(reg, emitter, store, log.WithField("component", "grouping"))
	unsubscribe := notifier.Subscribe(engine.Add)
	defer unsubscribe()

	server := scp.New(scp.Config{
		Listen:                    cfg.DICOM.SCP.Listen,
		MaxAssociations:           cfg.DICOM.SCP.MaxAssociations,
		DIMSETimeout:              cfg.DICOM.SCP.DIMSETimeout.Std(),
		IdleTimeout:               cfg.DICOM.SCP.IdleTimeout.Std(),
		MaxPDULength:              cfg.DICOM.SCU.MaxPDULength,
		PreferredTransferSyntaxes: cfg.DICOM.SCU.PreferredTransferSyntaxes,
	}, reg, stage, notifier, log.WithField("component", "scp"))

	dimse := retrieve.NewDIMSERetriever(retrieve.DIMSEConfig{
		LocalAETitle:    cfg.DICOM.SCU.AETitle,
		MoveDestination: cfg.DICOM.SCU.MoveDestination,
		UseGet:          opts.UseGet,
		DIMSETimeout:    cfg.DICOM.SCP.DIMSETimeout.Std(),
	}, notifier, log.WithField("component", "retrieve"))
	dicomweb := retrieve.NewDICOMwebRetriever(
		cfg.Services.Requests.RetrievalTimeout.Or(config.DefaultRetrievalTimeout),
		log.WithField("component", "retrieve"),
	)
	dispatcher := retrieve.NewDispatcher(dimse, dicomweb, log.WithField("component", "retrieve"))

	pool := worker.New(worker.Config{
		Workers:           cfg.Services.Requests.Workers,
		MaxRetries:        cfg.Services.Requests.MaxRetries,
		RetrievalTimeout:  cfg.Services.Requests.RetrievalTimeout.Std(),
		RetrievalFallback: cfg.Services.Platform.RetrievalFallback,
	}, store, stage, dispatcher, submitter, log.WithField("component", "worker"))

	if err := server.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return stage.Reap(ctx) })
	g.Go(func() error { return reg.Watch(ctx, opts.Config) })
	g.Go(func() error { return serveAdmin(ctx, opts.AdminListen, log) })

	log.Info("adapter running")
	return g.Wait()
}

// serveAdmin exposes Prometheus metrics and a liveness endpoint.
func serveAdmin(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-done:
		return err
	}
}
