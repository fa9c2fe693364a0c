// cmd/htm/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lumix-ai/htm/internal/backtest"
	"github.com/lumix-ai/htm/internal/model"
	"github.com/lumix-ai/htm/internal/monitoring"
	"github.com/lumix-ai/htm/internal/server"
	"github.com/lumix-ai/htm/internal/stream"
)

var (
	configFile     = flag.String("config", "config/default.yaml", "Configuration file path")
	presetName     = flag.String("preset", "machine_temperature", "Dataset preset")
	inputPath      = flag.String("input", "", "Input CSV or JSON-lines file, overrides the preset")
	outputPath     = flag.String("output", "", "Output CSV file")
	sqlitePath     = flag.String("sqlite", "", "SQLite database for results")
	wsAddr         = flag.String("ws", "", "Address for the live WebSocket feed, e.g. :8081")
	metricsAddr    = flag.String("metrics", "", "Address for the Prometheus endpoint, e.g. :9090")
	serve          = flag.Bool("serve", false, "Run the HTTP ingest server instead of reading a file")
	runBacktest    = flag.Bool("backtest", false, "Run every preset in parallel")
	checkpointPath = flag.String("checkpoint", "", "Save a model checkpoint here when done")
	restorePath    = flag.String("restore", "", "Start from this model checkpoint")
	noLearn        = flag.Bool("no-learn", false, "Score without learning")
	showProgress   = flag.Bool("progress", false, "Show a progress bar")
	verbose        = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	config, err := loadConfig(*configFile, explicit)
	if err != nil {
		setupLogger(LoggingConfig{Level: "info", Format: "console"})
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(config.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg, config.Runner.AnomalyThreshold)
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg)
	}

	switch {
	case *runBacktest:
		err = backtestCommand(ctx, config, metrics)
	case *serve:
		err = serveCommand(ctx, config, metrics, reg)
	default:
		err = runCommand(ctx, config, metrics)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("htm failed")
	}
}

func setupLogger(config LoggingConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "json" {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
}

func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		// the current step finishes first; give sinks time to flush
		time.Sleep(10 * time.Second)
		log.Error().Msg("Force shutdown after timeout")
		os.Exit(1)
	}()
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics endpoint failed")
	}
}

// newModel - fresh model or one restored from -restore
func newModel(config model.Config) (*model.Model, error) {
	var (
		m   *model.Model
		err error
	)
	if *restorePath != "" {
		m, err = model.LoadCheckpoint(*restorePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", *restorePath).Int("steps", m.Stats().Steps).Msg("model restored")
	} else {
		m, err = model.New(config)
		if err != nil {
			return nil, err
		}
	}
	if *noLearn {
		m.SetLearning(false)
	}
	return m, nil
}

func saveCheckpoint(m *model.Model) {
	if *checkpointPath == "" {
		return
	}
	if err := m.SaveCheckpoint(*checkpointPath); err != nil {
		log.Error().Err(err).Msg("Failed to save checkpoint")
		return
	}
	log.Info().Str("path", *checkpointPath).Msg("checkpoint saved")
}

func runCommand(ctx context.Context, config *Config, metrics *monitoring.Metrics) error {
	// 1. Dataset
	input := *inputPath
	if preset, err := config.applyPreset(*presetName); err == nil {
		if input == "" {
			input = preset.Input
		}
	} else if input == "" {
		return err
	}

	m, err := newModel(config.Model)
	if err != nil {
		return err
	}
	metrics.SetLearning(config.Runner.Name, m.Learning())

	src, closeSrc, err := openSource(input, config)
	if err != nil {
		return err
	}
	defer closeSrc()

	// 2. Sinks
	sink, err := buildSinks(config)
	if err != nil {
		return err
	}

	// 3. Run
	runCfg := config.Runner
	if *showProgress {
		runCfg.Progress = os.Stderr
	}
	runner, err := stream.NewRunner(runCfg, m, metrics)
	if err != nil {
		sink.Close()
		return err
	}

	log.Info().
		Str("stream", runCfg.Name).
		Str("input", input).
		Bool("learning", m.Learning()).
		Msg("Starting stream")

	summary, runErr := runner.Run(ctx, src, sink)
	if err := sink.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close outputs")
	}
	saveCheckpoint(m)
	printSummaries(os.Stdout, []stream.Summary{summary})
	return runErr
}

func backtestCommand(ctx context.Context, config *Config, metrics *monitoring.Metrics) error {
	var shared stream.Sink
	if *sqlitePath != "" {
		sqlite, err := stream.OpenSQLiteSink(*sqlitePath, config.Output.SQLiteBatch)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		shared = sqlite
	}

	btCfg := config.Backtest
	if *outputPath != "" {
		btCfg.OutputDir = *outputPath
	}
	if *checkpointPath != "" {
		btCfg.CheckpointDir = *checkpointPath
	}

	runner := backtest.NewMultiRunner(btCfg, metrics, shared)
	results, err := runner.Run(ctx, config.backtestJobs())

	var summaries []stream.Summary
	for _, r := range backtest.Ranked(results) {
		summaries = append(summaries, r.Summary)
	}
	printSummaries(os.Stdout, summaries)
	for _, r := range results {
		if r.Err != nil {
			log.Error().Str("job", r.Job.Name).Err(r.Err).Msg("job failed")
		}
	}
	return err
}

func serveCommand(ctx context.Context, config *Config, metrics *monitoring.Metrics, reg *prometheus.Registry) error {
	if _, err := config.applyPreset(*presetName); err != nil && *restorePath == "" {
		log.Warn().Err(err).Msg("Serving with the configured model")
	}
	m, err := newModel(config.Model)
	if err != nil {
		return err
	}

	sink, err := buildSinks(config)
	if err != nil {
		return err
	}
	defer sink.Close()

	srvCfg := config.Server
	srvCfg.Stream = config.Runner.Name
	metrics.SetThreshold(srvCfg.Stream, config.Runner.AnomalyThreshold)
	if *checkpointPath != "" {
		srvCfg.CheckpointPath = *checkpointPath
	}
	srv := server.New(srvCfg, m, metrics, reg, sink)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	saveCheckpoint(m)
	return nil
}

func openSource(path string, config *Config) (stream.Source, func(), error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		src, err := stream.OpenJSONLines(path, config.JSONLines)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	default:
		src, err := stream.OpenCSV(path, config.CSV)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}
}

// buildSinks - flags win over the config file
func buildSinks(config *Config) (stream.MultiSink, error) {
	var sinks stream.MultiSink

	csvPath := config.Output.CSV
	if *outputPath != "" {
		csvPath = *outputPath
	}
	if csvPath != "" {
		csvSink, err := stream.CreateCSVSink(csvPath)
		if err != nil {
			return nil, err
		}
		if config.Output.ShiftPredictions {
			sinks = append(sinks, stream.NewShiftedSink(csvSink))
		} else {
			sinks = append(sinks, csvSink)
		}
	}

	dbPath := config.Output.SQLite
	if *sqlitePath != "" {
		dbPath = *sqlitePath
	}
	if dbPath != "" {
		sqlite, err := stream.OpenSQLiteSink(dbPath, config.Output.SQLiteBatch)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, sqlite)
	}

	addr := config.Output.WebSocketAddr
	if *wsAddr != "" {
		addr = *wsAddr
	}
	if addr != "" {
		ws := stream.NewWebSocketSink(config.Output.WebSocketWindow)
		mux := http.NewServeMux()
		mux.Handle("/ws", ws.Handler())
		go func() {
			log.Info().Str("addr", addr).Msg("live feed listening on /ws")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("live feed failed")
			}
		}()
		sinks = append(sinks, ws)
	}
	return sinks, nil
}

func printSummaries(w io.Writer, summaries []stream.Summary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Stream", "Records", "Anomalies", "Skipped", "Max score", "At", "Mean score", "Segments", "Synapses", "Duration"})
	for _, s := range summaries {
		at := ""
		if !s.MaxScoreAt.IsZero() {
			at = s.MaxScoreAt.Format(stream.OutputTimeLayout)
		}
		table.Append([]string{
			s.Name,
			strconv.Itoa(s.Records),
			strconv.Itoa(s.Anomalies),
			strconv.Itoa(s.Skipped),
			fmt.Sprintf("%.3f", s.MaxScore),
			at,
			fmt.Sprintf("%.3f", s.MeanScore),
			strconv.Itoa(s.Segments),
			strconv.Itoa(s.Synapses),
			s.Duration.Round(time.Millisecond).String(),
		})
	}
	table.Render()
}
