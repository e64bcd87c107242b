package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"remaster/internal/config"
	"remaster/internal/telemetry"
)

type options struct {
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
	OutputDir string `short:"o" long:"output-dir" description:"Directory for enhanced files (overrides OUTPUT_DIR)"`
	Catalog   string `long:"catalog" description:"Model catalog YAML file (overrides MODEL_CATALOG)"`
	Workers   int    `long:"workers" description:"Jobs processed at once (overrides WORKER_CONCURRENCY)"`

	EnhanceImage imageCommand  `command:"enhance-image" description:"Enhance a single image and wait for the result"`
	EnhanceVideo videoCommand  `command:"enhance-video" description:"Enhance a single video and wait for the result"`
	Batch        batchCommand  `command:"batch" description:"Enhance every supported file in a directory"`
	Models       modelsCommand `command:"models" description:"List available models"`
	Web          webCommand    `command:"web" description:"Serve the HTTP front end"`
}

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts := &options{}
	e := &env{ctx: ctx, stdout: stdout}
	opts.EnhanceImage.env = e
	opts.EnhanceVideo.env = e
	opts.Batch.env = e
	opts.Models.env = e
	opts.Web.env = e

	parser := flags.NewParser(opts, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, cmdArgs []string) error {
		if cmd == nil {
			return nil
		}
		cfg := config.Load()
		if opts.OutputDir != "" {
			cfg.OutputDir = opts.OutputDir
		}
		if opts.Catalog != "" {
			cfg.ModelCatalog = opts.Catalog
		}
		if opts.Workers > 0 {
			cfg.WorkerConcurrency = opts.Workers
		}
		e.cfg = cfg
		// Terminal output stays readable; only warnings surface without --debug.
		e.logger = telemetry.NewLogger(true, stderr)
		if !opts.Debug {
			e.logger = e.logger.Level(zerolog.WarnLevel)
		}
		return cmd.Execute(cmdArgs)
	}

	_, err := parser.ParseArgs(args)
	return err
}
