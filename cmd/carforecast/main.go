package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"car-forecast/internal/cfg"
	"car-forecast/internal/client"
	"car-forecast/internal/common"
	"car-forecast/internal/metrics"
	"car-forecast/internal/ml"
	"car-forecast/internal/pipeline"
	"car-forecast/internal/server"
	"car-forecast/internal/storage"

	"github.com/alexflint/go-arg"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type args struct {
	JSON        string `arg:"--json" help:"request object, frontend or canonical keys; read from stdin when empty"`
	StdioServer bool   `arg:"--stdio-server" help:"answer one JSON request per stdin line until EOF"`
	Serve       bool   `arg:"--serve" help:"run the HTTP bridge"`
	Remote      string `arg:"--remote" help:"send the request to a running HTTP bridge at this base URL"`
	Config      string `arg:"--config" help:"YAML configuration file; defaults to CONFIG_FILE"`
	LogLevel    string `arg:"--log-level" help:"debug, info, warn or error; overrides LOG_LEVEL"`
}

func (args) Description() string {
	return "car-forecast predicts whether a used car listing will be profitable"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit code: 0 on
// success, 1 when the request or startup failed, 2 on a usage error.
// Cancelling ctx stops every mode, including reads blocked on stdin.
func run(ctx context.Context, argv []string, stdin io.Reader, stdout io.Writer) int {
	var a args
	p, err := arg.NewParser(arg.Config{Program: "carforecast"}, &a)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := p.Parse(argv); err != nil {
		if errors.Is(err, arg.ErrHelp) {
			p.WriteHelp(os.Stderr)
			return 0
		}
		return usageError(p, err.Error())
	}
	if a.Serve && a.StdioServer {
		return usageError(p, "--serve and --stdio-server are mutually exclusive")
	}
	if a.Remote != "" && (a.Serve || a.StdioServer) {
		return usageError(p, "--remote only applies to one-shot requests")
	}

	setupLogging(a.LogLevel)

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	if a.Remote != "" {
		return runRemote(ctx, a.Remote, a.JSON, stdin, out)
	}

	var settings cfg.Settings
	if a.Config != "" {
		settings, err = cfg.LoadFile(a.Config)
	} else {
		settings, err = cfg.Load()
	}
	if err != nil {
		return startupFailure(out, fmt.Errorf("failed to load configuration: %w", err))
	}
	if a.LogLevel == "" {
		setupLogging(settings.LogLevel)
	}

	manager, err := ml.NewManager(ml.ManagerConfig{
		Backend:              settings.ModelBackend,
		ModelPath:            settings.ModelPath,
		PreprocessorPath:     settings.PreprocessorPath,
		MetricsPath:          settings.MetricsPath,
		PythonPath:           settings.PythonPath,
		PythonStartupTimeout: settings.PythonStartupTimeout,
	})
	if err != nil {
		return startupFailure(out, err)
	}
	defer manager.Close()

	m, registry := metrics.New()
	mw := metrics.NewWrapper(m)
	m.SetModelLoaded(manager.LoadedAt())
	mw.ModelAccuracy().Set(manager.Metrics().Accuracy)

	opts := []pipeline.Option{pipeline.WithMetrics(mw)}
	store := initializeStorage(settings)
	if store != nil {
		defer store.Close()
		opts = append(opts, pipeline.WithRecorder(store))
	}
	pipe := pipeline.New(manager, opts...)

	switch {
	case a.Serve:
		srvOpts := server.Options{
			Port:     settings.HTTPPort,
			Timeout:  settings.HTTPTimeout,
			Metrics:  mw,
			Gatherer: registry,
		}
		if store != nil {
			srvOpts.History = store
		}
		return serve(ctx, server.New(pipe, manager, srvOpts))

	case a.StdioServer:
		log.Info().Str("backend", manager.Backend()).Msg("Serving requests on stdin")
		err := pipeline.NewLoop(pipe).RunStream(ctx, stdin, out)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, context.Canceled):
			log.Info().Msg("Shutdown signal received, stream stopped")
			return 0
		default:
			log.Error().Err(err).Msg("Request stream failed")
			return 1
		}

	default:
		if err := pipeline.NewLoop(pipe).RunOnce(ctx, a.JSON, stdin, out); err != nil {
			log.Debug().Err(err).Msg("Request failed")
			return 1
		}
		return 0
	}
}

func usageError(p *arg.Parser, msg string) int {
	p.WriteUsage(os.Stderr)
	fmt.Fprintln(os.Stderr, "error:", msg)
	return 2
}

func setupLogging(level string) {
	if level == "" {
		level = getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel)
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	// stdout carries responses only
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("Prediction log unavailable, continuing without persistence")
		return nil
	}
	return store
}

func serve(ctx context.Context, srv *server.Server) int {
	if err := srv.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start HTTP bridge")
		return 1
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown timeout, forcing exit")
		return 1
	}
	return 0
}

// runRemote forwards a one-shot request to a running bridge and prints its
// reply in the same shape the local pipeline would.
func runRemote(ctx context.Context, base, raw string, in io.Reader, out io.Writer) int {
	payload := []byte(raw)
	if raw == "" {
		data, err := io.ReadAll(in)
		if err != nil {
			return startupFailure(out, fmt.Errorf("failed to read input: %w", err))
		}
		payload = data
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return startupFailure(out, pipeline.ErrEmptyInput)
	}

	c := client.New(base, getDurationOrDefault(common.EnvHTTPTimeout, common.DefaultHTTPTimeoutSecs*time.Second))
	status, err := c.Health(ctx)
	if err == nil && !status.OK {
		err = errors.New("health check reported not ok")
	}
	if err != nil {
		return startupFailure(out, fmt.Errorf("bridge at %s is not healthy: %w", base, err))
	}
	log.Debug().Str("backend", status.Backend).Int64("uptime_seconds", status.UptimeSeconds).Msg("Bridge is up")

	res, err := c.Predict(ctx, payload)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			err = errors.New(apiErr.Message)
		}
		return startupFailure(out, err)
	}
	if err := pipeline.WriteLine(out, res); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
		return 1
	}
	return 0
}

// startupFailure reports err as the single {"error"} line on stdout.
func startupFailure(out io.Writer, err error) int {
	log.Error().Err(err).Msg("Request could not be served")
	if werr := pipeline.WriteLine(out, pipeline.NewErrorResponse(err)); werr != nil {
		log.Error().Err(werr).Msg("Failed to write error response")
	}
	return 1
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getDurationOrDefault accepts Go durations or bare seconds.
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
