package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/ductile-io/ductile/internal/config"
	"github.com/ductile-io/ductile/internal/logging"
	"github.com/ductile-io/ductile/internal/project"
	"github.com/ductile-io/ductile/internal/server"
	"github.com/ductile-io/ductile/internal/storage/sqlite"
	"github.com/ductile-io/ductile/internal/telemetry"
	"github.com/ductile-io/ductile/pkg/runner"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "ductile",
		Usage: "run linear ELT pipelines of external executables",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Usage:   "path to the project file",
				Value:   config.DefaultPath,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "mirror stage stdout into the log in addition to piping it downstream",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "emit OpenTelemetry spans to stdout",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "execute a named pipeline",
				ArgsUsage: "<pipeline>",
				Action:    runAction,
			},
			{
				Name:      "validate",
				Usage:     "statically check a named pipeline's topology",
				ArgsUsage: "<pipeline>",
				Action:    validateAction,
			},
			{
				Name:  "jobs",
				Usage: "inspect run history",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list recent runs",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Value: 20},
						},
						Action: jobsListAction,
					},
				},
			},
			{
				Name:   "serve",
				Usage:  "serve the read-only status API",
				Action: serveAction,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(exitErr.ExitCode())
		}
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// newRunner loads the project and builds a runner whose logger honors the
// configured log level.
func newRunner(cmd *cli.Command) (*runner.Runner, *slog.Logger, error) {
	cfg, err := config.Load(cmd.String("project"))
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.Settings.LogLevel),
	}))

	r, err := runner.New(
		runner.WithConfig(cfg),
		runner.WithLogger(logger),
		runner.WithDebug(cmd.Bool("debug")),
	)
	if err != nil {
		return nil, nil, err
	}
	return r, logger, nil
}

func initTracing(cmd *cli.Command, logger *slog.Logger) func() {
	if !cmd.Bool("trace") {
		return func() {}
	}
	shutdown, err := telemetry.Init("ductile", logger)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("error", err.Error()))
		return func() {}
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return cli.Exit("usage: ductile run <pipeline>", 2)
	}

	r, logger, err := newRunner(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	defer initTracing(cmd, logger)()

	verdict, err := r.Run(ctx, name)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdict); err != nil {
		return err
	}
	if !verdict.Ok {
		return cli.Exit(verdict.Err.Error(), 1)
	}
	return nil
}

func validateAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return cli.Exit("usage: ductile validate <pipeline>", 2)
	}

	r, _, err := newRunner(cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Validate(name); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("pipeline %s is valid\n", name)
	return nil
}

func jobsListAction(ctx context.Context, cmd *cli.Command) error {
	r, _, err := newRunner(cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	runs, err := r.Store().ListRuns(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPIPELINE\tSTATE\tFAILURE\tSTARTED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Pipeline, run.State, run.FailureKind,
			run.StartedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("project")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.Settings.LogLevel),
	}))

	proj, err := project.New(cfg)
	if err != nil {
		return err
	}
	store, err := sqlite.New(cfg.Settings.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	defer initTracing(cmd, logger)()

	srv := server.New(server.Config{
		Port:    cfg.Server.Port,
		Store:   store,
		Project: proj,
		Logger:  logger,
	})

	// Reload pipeline definitions for display when the project file
	// changes.
	if err := config.Watch(ctx, path, logger, func(next *config.Config) {
		nextProj, err := project.New(next)
		if err != nil {
			logger.Error("reloaded project file is invalid", slog.String("error", err.Error()))
			return
		}
		srv.SetProject(nextProj)
	}); err != nil {
		logger.Warn("project watch unavailable", slog.String("error", err.Error()))
	}

	return srv.Start(ctx)
}
