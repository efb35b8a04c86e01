package cliapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/ankur-anand/chronostore/cmd/chronostore/config"
	"github.com/ankur-anand/chronostore/dbkernel"
	"github.com/ankur-anand/chronostore/internal/metrics"
	"github.com/ankur-anand/chronostore/internal/services/httpapi"
	"github.com/ankur-anand/chronostore/pkg/logutil"
	"github.com/ankur-anand/chronostore/pkg/umetrics"
	"github.com/gorilla/mux"
	hashimetrics "github.com/hashicorp/go-metrics"
	hashiprom "github.com/hashicorp/go-metrics/prometheus"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Server wires config, telemetry, the engine, and the HTTP surface.
type Server struct {
	env    string
	cfg    config.Config
	engine *dbkernel.Engine

	httpServer *http.Server
	pl         *slog.Logger

	// callbacks when shutdown.
	DeferCallback []func(ctx context.Context)
}

// InitFromCLI loads the TOML config and builds the sampled logger.
func (ms *Server) InitFromCLI(cfgPath, env string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ms.env = env

		cfgBytes, err := os.ReadFile(cfgPath)
		if err != nil {
			return err
		}
		if err := toml.Unmarshal(cfgBytes, &ms.cfg); err != nil {
			return err
		}

		logPercentage, err := config.ParseLevelPercents(ms.cfg.LogConfig)
		if err != nil {
			return err
		}
		ms.pl = logutil.NewSampledLogger(logPercentage,
			slog.NewTextHandler(os.Stdout, nil), slog.LevelInfo)
		slog.SetDefault(ms.pl)
		return nil
	}
}

// InitTelemetry registers the prometheus sinks: go-metrics for the kernel
// hot path, a tally root scope for process metrics, and the gopsutil I/O
// collector.
func (ms *Server) InitTelemetry(_ context.Context) error {
	sink, err := hashiprom.NewPrometheusSink()
	if err != nil {
		return err
	}
	cfg := hashimetrics.DefaultConfig("chronostore")
	cfg.EnableHostname = false
	if _, err := hashimetrics.NewGlobal(cfg, sink); err != nil {
		return err
	}

	reporter := promreporter.NewReporter(promreporter.Options{
		Registerer: prometheus.DefaultRegisterer,
	})
	closer, err := umetrics.Initialize(umetrics.Options{
		Prefix:         "chronostore",
		Reporter:       reporter,
		ReportInterval: time.Second,
		CommonTags:     map[string]string{"env": ms.env},
	})
	if err != nil {
		return err
	}
	if closer != nil {
		ms.DeferCallback = append(ms.DeferCallback, func(ctx context.Context) {
			_ = closer.Close()
		})
	}

	prometheus.MustRegister(collectors.NewBuildInfoCollector())
	ioCollector, err := metrics.NewIOStatsCollector()
	if err != nil {
		return err
	}
	prometheus.MustRegister(ioCollector)
	return nil
}

// SetupEngine opens the engine under the configured base directory.
func (ms *Server) SetupEngine(_ context.Context) error {
	sc := ms.cfg.Storage

	engineConf := dbkernel.NewDefaultEngineConfig()
	if sc.DBEngine != "" {
		engineConf.DBEngine = dbkernel.DBEngine(sc.DBEngine)
	}
	if sc.Namespace != "" {
		engineConf.KVConfig.Namespace = sc.Namespace
	}

	var err error
	if engineConf.SegmentSize, err = config.ParseSize(sc.SegmentSize, engineConf.SegmentSize); err != nil {
		return err
	}
	if engineConf.BytesPerSync, err = config.ParseSize(sc.BytesPerSync, engineConf.BytesPerSync); err != nil {
		return err
	}
	if engineConf.KVConfig.MmapSize, err = config.ParseSize(sc.MmapSize, engineConf.KVConfig.MmapSize); err != nil {
		return err
	}
	if sc.MaxPollRecords > 0 {
		engineConf.MaxPollRecords = sc.MaxPollRecords
	}
	if engineConf.PollTimeout, err = config.ParseDuration(sc.PollTimeout, engineConf.PollTimeout); err != nil {
		return err
	}

	engine, err := dbkernel.Open(sc.BaseDir, engineConf)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	ms.engine = engine
	return nil
}

// SetupHTTPServer builds the router: the API surface, prometheus metrics,
// and optionally pprof.
func (ms *Server) SetupHTTPServer(_ context.Context) error {
	var limiter *rate.Limiter
	if ms.cfg.Limiter.Burst > 0 {
		interval, err := config.ParseDuration(ms.cfg.Limiter.Interval, time.Second)
		if err != nil {
			return err
		}
		limiter = rate.NewLimiter(rate.Every(interval), ms.cfg.Limiter.Burst)
	}

	router := mux.NewRouter()
	svc := httpapi.NewService(ms.engine, limiter)
	svc.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if ms.cfg.PprofEnable {
		router.HandleFunc("/debug/pprof/", pprof.Index)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	port := ms.cfg.HTTPPort
	if port == 0 {
		port = 4001
	}
	ms.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", fmt.Sprintf("%d", port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Run starts the indexer loop, the offset reporter and the HTTP server, and
// tears everything down when ctx is cancelled.
func (ms *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ms.engine.RunIndexer(gctx)
	})

	g.Go(func() error {
		return ms.runOffsetReporter(gctx)
	})

	g.Go(func() error {
		slog.Info("[chronostore.cliapp] http server listening", "addr", ms.httpServer.Addr)
		if err := ms.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ms.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cErr := ms.engine.Close(closeCtx); cErr != nil {
		err = errors.Join(err, cErr)
	}
	for _, cb := range ms.DeferCallback {
		cb(closeCtx)
	}
	return err
}

// runOffsetReporter periodically logs the transaction topic's head offset
// for monitoring.
func (ms *Server) runOffsetReporter(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			head, err := ms.engine.TxTopicHead()
			if err != nil {
				continue
			}
			slog.Info("[chronostore.cliapp]",
				slog.String("event_type", "engine.offset.report"),
				slog.String("namespace", ms.engine.Namespace()),
				slog.Int64("tx_topic_head", head),
			)
		case <-ctx.Done():
			return nil
		}
	}
}
