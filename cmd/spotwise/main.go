// Package main is the spotwise command: a websocket server that streams
// annotated vehicle detections from looping videos.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/spotwise/internal/annotate"
	"github.com/ayusman/spotwise/internal/config"
	"github.com/ayusman/spotwise/internal/detector"
	"github.com/ayusman/spotwise/internal/encode"
	"github.com/ayusman/spotwise/internal/logging"
	"github.com/ayusman/spotwise/internal/server"
	"github.com/ayusman/spotwise/internal/store"
	"github.com/ayusman/spotwise/internal/stream"
)

const (
	flagConfig       = "config"
	flagHost         = "host"
	flagPort         = "port"
	flagVideo        = "video"
	flagFPS          = "fps"
	flagQuality      = "quality"
	flagModelBackend = "model-backend"
	flagModel        = "model"
	flagStaticDir    = "static-dir"
	flagDB           = "db"
	flagLogLevel     = "log-level"
	flagDev          = "dev"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "spotwise: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "spotwise",
		Usage:  "stream annotated vehicle detections over websocket",
		Flags:  appFlags(),
		Action: serve,
		Commands: []*cli.Command{
			camerasCommand(),
		},
	}
}

func appFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
			EnvVars: []string{"SPOTWISE_CONFIG"},
		},
		&cli.StringFlag{
			Name:    flagDB,
			Usage:   "camera catalog database `PATH`",
			EnvVars: []string{"SPOTWISE_DB"},
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "log level (debug, info, warn, error)",
			EnvVars: []string{"SPOTWISE_LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    flagDev,
			Usage:   "human readable development logging",
			EnvVars: []string{"SPOTWISE_DEV"},
		},
		&cli.StringFlag{Name: flagHost, Usage: "listen host", EnvVars: []string{"SPOTWISE_HOST"}},
		&cli.IntFlag{Name: flagPort, Aliases: []string{"p"}, Usage: "listen port", EnvVars: []string{"SPOTWISE_PORT"}},
		&cli.StringFlag{Name: flagVideo, Usage: "default video for start commands without video_path", EnvVars: []string{"SPOTWISE_VIDEO"}},
		&cli.Float64Flag{Name: flagFPS, Usage: "emission rate ceiling per stream", EnvVars: []string{"SPOTWISE_FPS"}},
		&cli.IntFlag{Name: flagQuality, Usage: "JPEG quality (1-100)", EnvVars: []string{"SPOTWISE_JPEG_QUALITY"}},
		&cli.StringFlag{Name: flagModelBackend, Usage: "detection backend (onnx, ultralytics, none)", EnvVars: []string{"SPOTWISE_MODEL_BACKEND"}},
		&cli.StringFlag{Name: flagModel, Usage: "model file", EnvVars: []string{"SPOTWISE_MODEL"}},
		&cli.StringFlag{Name: flagStaticDir, Usage: "directory of static UI files", EnvVars: []string{"SPOTWISE_STATIC_DIR"}},
	}
}

// loadConfig reads the config file and applies flags set on the command line
// or through the environment.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return cfg, err
	}

	if c.IsSet(flagDB) {
		cfg.Store.Path = c.String(flagDB)
	}
	if c.IsSet(flagLogLevel) {
		cfg.Log.Level = c.String(flagLogLevel)
	}
	if c.IsSet(flagDev) {
		cfg.Log.Development = c.Bool(flagDev)
	}
	if c.IsSet(flagHost) {
		cfg.Server.Host = c.String(flagHost)
	}
	if c.IsSet(flagPort) {
		cfg.Server.Port = c.Int(flagPort)
	}
	if c.IsSet(flagVideo) {
		cfg.Video = c.String(flagVideo)
	}
	if c.IsSet(flagFPS) {
		cfg.Stream.TargetFPS = c.Float64(flagFPS)
	}
	if c.IsSet(flagQuality) {
		cfg.Stream.JPEGQuality = c.Int(flagQuality)
	}
	if c.IsSet(flagModelBackend) {
		cfg.Model.Backend = c.String(flagModelBackend)
	}
	if c.IsSet(flagModel) {
		cfg.Model.Path = c.String(flagModel)
	}
	if c.IsSet(flagStaticDir) {
		cfg.Server.StaticDir = c.String(flagStaticDir)
	}

	return cfg, cfg.Validate()
}

func serve(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return errors.Wrap(err, "open camera catalog")
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	model, err := newModel(cfg.Model, logger)
	if err != nil {
		return errors.Wrapf(err, "load %s model", cfg.Model.Backend)
	}
	adapter := detector.NewAdapter(model)
	defer func() { err = multierr.Append(err, adapter.Close()) }()

	hub := stream.NewHub(stream.HubConfig{
		Stages: stream.Stages{
			Detector:  adapter,
			Annotator: annotate.New(),
			Encoder:   encode.New(cfg.Stream.JPEGQuality),
		},
		TargetFPS:     cfg.Stream.TargetFPS,
		Resolver:      st.Cameras(),
		DefaultSource: cfg.Video,
	}, logger)
	defer func() { err = multierr.Append(err, hub.Close()) }()

	staticDir := cfg.Server.StaticDir
	if staticDir == "" {
		staticDir = findWebDir()
	}
	if staticDir != "" {
		logger.Infow("serving static files", "dir", staticDir)
	}

	srv := server.New(server.Config{
		StaticDir:    staticDir,
		Store:        st,
		Hub:          hub,
		Logger:       logger,
		SendBuffer:   cfg.Stream.SendBuffer,
		WriteTimeout: cfg.Stream.WriteTimeout,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	logger.Infow("starting spotwise",
		"addr", cfg.Addr(),
		"backend", cfg.Model.Backend,
		"target_fps", cfg.Stream.TargetFPS,
		"default_video", cfg.Video,
	)

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Addr())
	})
	g.Go(func() error {
		return awaitSignal(ctx, sigs, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errInterrupted) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// errInterrupted cancels the serve group when a shutdown signal arrives.
var errInterrupted = errors.New("interrupted")

func awaitSignal(ctx context.Context, sigs <-chan os.Signal, logger *zap.SugaredLogger) error {
	select {
	case sig := <-sigs:
		logger.Infow("shutting down", "signal", sig.String())
		return errInterrupted
	case <-ctx.Done():
		return nil
	}
}

func newModel(cfg config.ModelConfig, logger *zap.SugaredLogger) (detector.Model, error) {
	switch cfg.Backend {
	case config.BackendONNX:
		return detector.NewONNXModel(detector.ONNXConfig{
			Path:         cfg.Path,
			InputSize:    cfg.InputSize,
			NMSThreshold: cfg.NMSThreshold,
		})
	case config.BackendUltralytics:
		return detector.NewUltralyticsModel(detector.UltralyticsConfig{
			Python:    cfg.Python,
			Script:    cfg.Script,
			ModelPath: cfg.Path,
		}, logger.With("backend", config.BackendUltralytics))
	case config.BackendNone:
		logger.Warnw("detection disabled, frames are streamed without detections")
		return detector.NoopModel{}, nil
	default:
		return nil, errors.Errorf("unknown model backend %q", cfg.Backend)
	}
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.spotwise/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".spotwise", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
