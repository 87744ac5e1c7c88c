// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// s3qlite runs SQLite databases stored in an object store. The storage layer
// is a SQLite VFS which keeps every file as fixed-size page objects plus a
// meta object, so the database lives entirely in the bucket and any number of
// processes can open it.
//
// Project structure is following:
//
// - internal/s3qlite contains the VFS: the object store backends, the page
// cache, the lock manager and the commit coordinator. See the package
// descriptions in the source code for more details.
//
// - internal/sqlite registers the VFS with the SQLite engine and opens
// databases through database/sql.
//
// - internal/shell is the interactive SQL shell.
//
// - internal/config contains the configuration shared by all commands.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/config"
	"github.com/asch/s3qlite/internal/metrics"
	"github.com/asch/s3qlite/internal/s3qlite"
	"github.com/asch/s3qlite/internal/shell"
	"github.com/asch/s3qlite/internal/sqlite"
)

var CLI struct {
	Config string `name:"config" short:"c" help:"Configuration file." default:"${config}" type:"path"`

	Shell ShellCmd `cmd:"" default:"withargs" help:"Interactive SQL shell."`
	Exec  ExecCmd  `cmd:"" help:"Run SQL statements against a database."`
	Sweep SweepCmd `cmd:"" help:"Delete objects left behind by interrupted commits."`
	Env   EnvCmd   `cmd:"" help:"Describe the environment variables."`
}

type ShellCmd struct {
	Path     string `arg:"" optional:"" help:"Database to open."`
	NoPrompt bool   `name:"no-prompt" help:"Do not print prompts, e.g. when reading a script."`
}

func (c *ShellCmd) Run(ctx context.Context) error {
	return withVFS(ctx, func(ctx context.Context, _ *s3qlite.VFS) error {
		s := shell.New(open, os.Stdout, !c.NoPrompt)
		defer s.Close()

		if c.Path != "" {
			if err := s.Open(c.Path); err != nil {
				return err
			}
		}

		return s.Run(ctx, os.Stdin)
	})
}

type ExecCmd struct {
	Path string   `arg:"" help:"Database to open."`
	SQL  []string `arg:"" help:"Statements, executed in order."`
}

func (c *ExecCmd) Run(ctx context.Context) error {
	return withVFS(ctx, func(ctx context.Context, _ *s3qlite.VFS) error {
		s := shell.New(open, os.Stdout, false)
		defer s.Close()

		if err := s.Open(c.Path); err != nil {
			return err
		}

		for _, stmt := range c.SQL {
			if err := s.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", strings.TrimSpace(stmt), err)
			}
		}

		return nil
	})
}

type SweepCmd struct {
	Names []string `arg:"" optional:"" help:"Files to sweep. All files under the prefix when empty."`
}

func (c *SweepCmd) Run(ctx context.Context) error {
	return withVFS(ctx, func(ctx context.Context, v *s3qlite.VFS) error {
		if len(c.Names) == 0 {
			n, err := v.SweepAll(ctx)
			log.Info().Int("objects", n).Msg("Sweep finished")
			return err
		}

		for _, name := range c.Names {
			n, err := v.Sweep(ctx, name)
			if err != nil {
				return err
			}
			log.Info().Str("file", name).Int("objects", n).Msg("Swept")
		}

		return nil
	})
}

type EnvCmd struct{}

func (c *EnvCmd) Run() error {
	usage, err := config.Usage()
	if err != nil {
		return err
	}

	fmt.Println(usage)

	return nil
}

// Parse command line, configuration file and environment variables and runs
// the selected command until it finishes or SIGINT or SIGTERM comes in.
func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("s3qlite"),
		kong.Description("SQLite databases stored in an object store."),
		kong.UsageOnError(),
		kong.Vars{"config": config.DefaultConfig},
	)

	if err := config.Configure(CLI.Config); err != nil {
		log.Fatal().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSigHandlers(cancel)

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run())
}

// Creates the VFS from the configuration, registers it with the engine and
// runs fn. The VFS is flushed and closed afterwards.
func withVFS(ctx context.Context, fn func(ctx context.Context, v *s3qlite.VFS) error) error {
	v, err := s3qlite.NewWithDefaults()
	if err != nil {
		return err
	}

	sqlite.Register(config.Cfg.Name, v)
	defer sqlite.Unregister(config.Cfg.Name)

	err = fn(ctx, v)
	if cerr := v.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

func open(path string) (*sql.DB, error) {
	return sqlite.Open(config.Cfg.Name, path)
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(cancel context.CancelFunc) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping!")
		cancel()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and exports the metrics. Useful for
// perfomance debugging.
func runProfiler(port int) {
	http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
