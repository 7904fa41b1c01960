// Package cli is the shared plumbing of the keymesh launchers: flags, config
// resolution, logging, node lifetime, the admin server and config reload.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/keymesh/internal/admin"
	"github.com/dshills/keymesh/internal/config"
	"github.com/dshills/keymesh/internal/logging"
	"github.com/dshills/keymesh/internal/node"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// CloseTimeout bounds node shutdown after a signal.
const CloseTimeout = 10 * time.Second

// Program describes one launcher.
type Program struct {
	// Name is the command name used in usage, logs and the default node name.
	Name string

	// Summary is the one-line description printed by -h.
	Summary string

	// Version, Commit and Date are reported by -version.
	Version string
	Commit  string
	Date    string
}

// Env is what a launcher's setup receives once the node is open.
type Env struct {
	Config *config.Config
	Node   *node.Node
	Logger zerolog.Logger
}

// Setup declares a launcher's services on the node. Long-running work is
// started with Node.Go so Close joins it.
type Setup func(ctx context.Context, env *Env) error

// Flags are the command-line options every launcher accepts.
type Flags struct {
	ConfigPath  string
	LogLevel    string
	ShowVersion bool
}

// ParseFlags parses args for program p.
func ParseFlags(p Program, args []string, stderr io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet(p.Name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&f.ConfigPath, "config", "", "Path to configuration file (TOML, YAML or JSON)")
	fs.StringVar(&f.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&f.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&f.ShowVersion, "v", false, "Show version information (shorthand)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "%s - %s\n\n", p.Name, p.Summary)
		fmt.Fprintf(stderr, "Usage: %s [options]\n\n", p.Name)
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment:\n")
		fmt.Fprintf(stderr, "  %s  configuration file when -config is not given\n", config.EnvConfigPath)
		fmt.Fprintf(stderr, "  %s<SECTION>_<FIELD>  overrides a configuration field\n", config.EnvPrefix)
	}

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if f.LogLevel != "" {
		if _, err := logging.ParseLevel(f.LogLevel); err != nil {
			return f, err
		}
	}
	return f, nil
}

// Main runs p with the process arguments and signals and returns the exit code.
func Main(p Program, setup Setup) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(ctx, p, os.Args[1:], os.Stdout, os.Stderr, setup)
}

// Run resolves configuration, opens the node, runs setup and blocks until ctx
// ends or a background component fails. The node is then closed.
func Run(ctx context.Context, p Program, args []string, stdout, stderr io.Writer, setup Setup) int {
	flags, err := ParseFlags(p, args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return ExitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", p.Name, err)
		return ExitUsage
	}
	if flags.ShowVersion {
		fmt.Fprintf(stdout, "%s %s\n", p.Name, p.Version)
		fmt.Fprintf(stdout, "Commit: %s\n", p.Commit)
		fmt.Fprintf(stdout, "Built: %s\n", p.Date)
		return ExitOK
	}

	configPath := flags.ConfigPath
	if configPath == "" {
		configPath = os.Getenv(config.EnvConfigPath)
	}
	cfg, err := config.Resolve(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", p.Name, err)
		return ExitError
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if cfg.Node.Name == config.Default().Node.Name {
		cfg.Node.Name = p.Name
	}

	logger := logging.New(cfg.Logging, stderr).With().Str("app", p.Name).Logger()
	if err := run(ctx, p, cfg, configPath, flags, logger, setup); err != nil {
		logger.Error().Err(err).Msg("exiting")
		return ExitError
	}
	return ExitOK
}

func run(ctx context.Context, p Program, cfg *config.Config, configPath string, flags Flags, logger zerolog.Logger, setup Setup) error {
	n, err := node.Open(ctx, cfg,
		node.WithLogger(logger),
		node.WithConnectionHandler(func(err error) {
			logger.Warn().Err(err).Msg("substrate connection problem")
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
		defer cancel()
		if err := n.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("node close")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if err := setup(gctx, &Env{Config: cfg, Node: n, Logger: logger}); err != nil {
		return fmt.Errorf("starting %s: %w", p.Name, err)
	}

	if cfg.Admin.Enabled {
		srv := admin.New(cfg.Admin, n, logger, p.Version)
		g.Go(func() error { return srv.Run(gctx) })
	}
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(c *config.Config) {
				reloaded(logger, flags, c)
			}, config.WithErrorHandler(func(err error) {
				logger.Warn().Err(err).Str("path", configPath).Msg("config reload rejected")
			}))
		})
	}

	logger.Info().Str("node", n.Name()).Str("transport", cfg.Node.Transport).Msg("running")
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("shutting down")
	return nil
}

// reloaded applies the settings that can change while running. Only the log
// level is live; the rest takes effect on restart.
func reloaded(logger zerolog.Logger, flags Flags, cfg *config.Config) {
	if flags.LogLevel != "" {
		return
	}
	if cfg.Logging.Level == logging.Level().String() {
		return
	}
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		logger.Warn().Err(err).Msg("ignoring reloaded log level")
		return
	}
	logger.Info().Str("level", cfg.Logging.Level).Msg("log level changed")
}
