package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"remaster/internal/app"
	"remaster/internal/config"
	"remaster/internal/models"
	"remaster/internal/service"
)

var errJobFailed = errors.New("enhancement failed")

// env is what every command shares once flags and config are resolved.
type env struct {
	ctx    context.Context
	cfg    config.Config
	logger zerolog.Logger
	stdout io.Writer
}

// JobOptions are the per-job flags of the single-file commands.
type JobOptions struct {
	Model  string `short:"m" long:"model" description:"Model id (see the models command), defaults to the catalog's default model"`
	Scale  int    `short:"s" long:"scale" default:"2" description:"Upscale factor"`
	Output string `long:"output" description:"Output file, defaults to <output-dir>/<name>_enhanced<ext>"`
}

type inputArg struct {
	Input string `positional-arg-name:"input" description:"File to enhance"`
}

type imageCommand struct {
	JobOptions
	Args inputArg `positional-args:"yes" required:"yes"`
	env  *env
}

func (c *imageCommand) Execute(_ []string) error {
	return c.env.enhanceOne(c.JobOptions, c.Args.Input, models.MediaImage)
}

type videoCommand struct {
	JobOptions
	NoStabilize bool     `long:"no-stabilize" description:"Skip the deshake pass"`
	Args        inputArg `positional-args:"yes" required:"yes"`
	env         *env
}

func (c *videoCommand) Execute(_ []string) error {
	if c.NoStabilize {
		c.env.cfg.VideoStabilize = false
	}
	return c.env.enhanceOne(c.JobOptions, c.Args.Input, models.MediaVideo)
}

type batchCommand struct {
	Model string `short:"m" long:"model" description:"Model id applied to every file"`
	Scale int    `short:"s" long:"scale" default:"2" description:"Upscale factor applied to every file"`
	Args  struct {
		Dir string `positional-arg-name:"dir" description:"Directory of images and videos"`
	} `positional-args:"yes" required:"yes"`
	env *env
}

func (c *batchCommand) Execute(_ []string) error {
	e := c.env
	a, err := app.Build(e.ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer e.close(a)

	res, err := a.Service.SubmitDirectory(e.ctx, c.Args.Dir, service.BatchOptions{ModelID: c.Model, Scale: c.Scale})
	if err != nil {
		return err
	}
	for _, fe := range res.Errors {
		fmt.Fprintf(e.stdout, "skipped  %s: %v\n", fe.Path, fe.Err)
	}

	failed := 0
	for _, job := range res.Jobs {
		done, err := a.Service.Wait(e.ctx, job.ID)
		if err != nil {
			return err
		}
		if done.State != models.StateCompleted {
			failed++
		}
		printJob(e.stdout, done)
	}

	total := len(res.Jobs) + len(res.Errors)
	fmt.Fprintf(e.stdout, "%d of %d files enhanced\n", len(res.Jobs)-failed, total)
	if failed > 0 || len(res.Errors) > 0 {
		return fmt.Errorf("%w: %d rejected, %d failed", errJobFailed, len(res.Errors), failed)
	}
	return nil
}

type modelsCommand struct {
	env *env
}

func (c *modelsCommand) Execute(_ []string) error {
	a, err := app.Build(c.env.ctx, c.env.cfg, c.env.logger)
	if err != nil {
		return err
	}
	defer c.env.close(a)

	for _, m := range a.Service.Models() {
		fmt.Fprintf(c.env.stdout, "%-16s %-28s x%d  %s\n", m.ID, m.DisplayName, m.Scale, m.Description)
	}
	return nil
}

type webCommand struct {
	Addr string `long:"addr" description:"Listen address (overrides HTTP_ADDR)"`
	env  *env
}

func (c *webCommand) Execute(_ []string) error {
	if c.Addr != "" {
		c.env.cfg.HTTPAddr = c.Addr
	}
	a, err := app.Build(c.env.ctx, c.env.cfg, c.env.logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.env.stdout, "serving on http://%s\n", c.env.cfg.HTTPAddr)
	return a.Serve(c.env.ctx)
}

// enhanceOne submits a single file and blocks until it is terminal.
func (e *env) enhanceOne(o JobOptions, input string, kind models.MediaKind) error {
	a, err := app.Build(e.ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer e.close(a)

	job, err := a.Service.Submit(service.Request{
		Input:   input,
		ModelID: o.Model,
		Scale:   o.Scale,
		Output:  o.Output,
		Kind:    kind,
	})
	if err != nil {
		return err
	}
	e.logger.Debug().Str("job_id", job.ID).Msg("waiting for job")

	done, err := a.Service.Wait(e.ctx, job.ID)
	if err != nil {
		return err
	}
	printJob(e.stdout, done)
	if done.State != models.StateCompleted {
		return errJobFailed
	}
	return nil
}

// close gives running jobs ShutdownTimeout to finish before the process exits.
func (e *env) close(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("abandoning running jobs")
	}
}

func printJob(w io.Writer, job models.Job) {
	switch job.State {
	case models.StateCompleted:
		line := fmt.Sprintf("done     %s -> %s", job.Filename, job.Output)
		if job.PublishedURL != "" {
			line += " (" + job.PublishedURL + ")"
		}
		fmt.Fprintln(w, line)
	default:
		fmt.Fprintf(w, "failed   %s: %s\n", job.Filename, strings.TrimSpace(job.Error))
	}
}
