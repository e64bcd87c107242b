// Package service is the request surface shared by the CLI and the HTTP API:
// it validates submissions, names outputs and answers status queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"remaster/internal/catalog"
	"remaster/internal/enhancer"
	"remaster/internal/models"
	"remaster/internal/registry"
	"remaster/internal/telemetry"
	"remaster/internal/worker"
)

// DefaultScale is the upscale factor the CLI and the API use when the caller
// does not give one.
const DefaultScale = 2

// Request is one submission.
type Request struct {
	// Input is the path of the artifact on local disk.
	Input string
	// Filename is the name shown to users; defaults to the base of Input.
	Filename string
	// ModelID defaults to the catalog's default model.
	ModelID string
	// Scale must lie in 1..model scale.
	Scale int
	// ScaleText, when set, is parsed in place of Scale. It lets form bindings
	// report a malformed factor in validation order.
	ScaleText string
	// Output overrides the derived destination path.
	Output string
	// OutputDir overrides the service's output directory.
	OutputDir string
	// Kind, when set, restricts the accepted media kind.
	Kind models.MediaKind
}

// BatchOptions apply to every file of a directory submission.
type BatchOptions struct {
	ModelID   string
	Scale     int
	OutputDir string
}

// FileError is a per-file rejection inside a batch.
type FileError struct {
	Path string
	Err  error
}

// BatchResult collects what a directory submission produced.
type BatchResult struct {
	Jobs   []models.Job
	Errors []FileError
}

// Service wires validation to the runner and the registry.
type Service struct {
	catalog   *catalog.Catalog
	reg       *registry.Registry
	runner    *worker.Runner
	enhancers map[models.MediaKind]enhancer.Enhancer
	outputDir string
	logger    zerolog.Logger
}

// New builds a service. enhancers must hold one entry per media kind the
// service should accept.
func New(cat *catalog.Catalog, reg *registry.Registry, runner *worker.Runner, enhancers map[models.MediaKind]enhancer.Enhancer, outputDir string, logger zerolog.Logger) *Service {
	return &Service{
		catalog:   cat,
		reg:       reg,
		runner:    runner,
		enhancers: enhancers,
		outputDir: outputDir,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Submit validates req and hands it to the runner. The returned snapshot is
// taken right after registration, so its state is queued or later.
func (s *Service) Submit(req Request) (models.Job, error) {
	job, enh, err := s.prepare(req)
	if err != nil {
		telemetry.SubmissionRejects.WithLabelValues(rejectReason(err)).Inc()
		s.logger.Debug().Err(err).Str("input", req.Input).Msg("submission rejected")
		return models.Job{}, err
	}

	id, err := s.runner.Submit(job, enh)
	if err != nil {
		return models.Job{}, err
	}
	s.logger.Info().
		Str("job_id", id).
		Str("media_kind", string(job.MediaKind)).
		Str("model", job.ModelID).
		Int("scale", job.Scale).
		Msg("job submitted")
	return s.reg.Get(id)
}

func (s *Service) prepare(req Request) (models.Job, enhancer.Enhancer, error) {
	if strings.TrimSpace(req.Input) == "" {
		return models.Job{}, nil, fmt.Errorf("%w: no input given", models.ErrEmptyArtifact)
	}
	fi, err := os.Stat(req.Input)
	if err != nil {
		return models.Job{}, nil, fmt.Errorf("%w: %v", models.ErrEmptyArtifact, err)
	}
	if !fi.Mode().IsRegular() || fi.Size() == 0 {
		return models.Job{}, nil, fmt.Errorf("%w: %s", models.ErrEmptyArtifact, req.Input)
	}

	kind, ok := models.KindForPath(req.Input)
	if !ok {
		return models.Job{}, nil, fmt.Errorf("%w: %q (images: %s; videos: %s)", models.ErrUnsupportedFormat, filepath.Ext(req.Input),
			strings.Join(models.SupportedExtensions(models.MediaImage), " "),
			strings.Join(models.SupportedExtensions(models.MediaVideo), " "))
	}
	if req.Kind != "" && req.Kind != kind {
		return models.Job{}, nil, fmt.Errorf("%w: expected %s, got %s file", models.ErrUnsupportedFormat, req.Kind, kind)
	}
	enh, ok := s.enhancers[kind]
	if !ok {
		return models.Job{}, nil, fmt.Errorf("%w: %s processing is not available", models.ErrUnsupportedFormat, kind)
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = s.catalog.DefaultID()
	}
	info, ok := s.catalog.Get(modelID)
	if !ok {
		return models.Job{}, nil, fmt.Errorf("%w: %q", models.ErrUnknownModel, modelID)
	}

	scale := req.Scale
	if raw := strings.TrimSpace(req.ScaleText); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return models.Job{}, nil, fmt.Errorf("%w: scale factor %q is not an integer", models.ErrInvalidParameter, raw)
		}
		scale = v
	}
	if scale < 1 || scale > info.Scale {
		return models.Job{}, nil, fmt.Errorf("%w: scale factor must be between 1 and %d for %s, got %d", models.ErrInvalidParameter, info.Scale, info.ID, scale)
	}

	dest, err := s.destination(req)
	if err != nil {
		return models.Job{}, nil, err
	}

	name := req.Filename
	if name == "" {
		name = filepath.Base(req.Input)
	}
	return models.Job{
		ID:          uuid.NewString(),
		Input:       req.Input,
		Filename:    name,
		MediaKind:   kind,
		ModelID:     info.ID,
		Scale:       scale,
		Destination: dest,
	}, enh, nil
}

func (s *Service) destination(req Request) (string, error) {
	if req.Output != "" {
		same, err := samePath(req.Output, req.Input)
		if err != nil {
			return "", fmt.Errorf("%w: output path: %v", models.ErrInvalidParameter, err)
		}
		if same {
			return "", fmt.Errorf("%w: output would overwrite the input", models.ErrInvalidParameter)
		}
		return req.Output, nil
	}
	return OutputPath(req.Input, firstNonEmpty(req.OutputDir, s.outputDir)), nil
}

// OutputPath derives "<dir>/<stem>_enhanced<ext>" for input. An empty dir
// means next to the input.
func OutputPath(input, dir string) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, stem+"_enhanced"+ext)
}

func samePath(a, b string) (bool, error) {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return aa == bb, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SubmitDirectory submits every regular, non-hidden file directly inside dir.
// Rejected files are reported in the result; the batch carries on past them.
func (s *Service) SubmitDirectory(ctx context.Context, dir string, opts BatchOptions) (BatchResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return BatchResult{}, fmt.Errorf("read directory: %w", err)
	}

	var res BatchResult
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		job, err := s.Submit(Request{
			Input:     path,
			ModelID:   opts.ModelID,
			Scale:     opts.Scale,
			OutputDir: opts.OutputDir,
		})
		if err != nil {
			res.Errors = append(res.Errors, FileError{Path: path, Err: err})
			continue
		}
		res.Jobs = append(res.Jobs, job)
	}
	s.logger.Info().Str("dir", dir).Int("submitted", len(res.Jobs)).Int("rejected", len(res.Errors)).Msg("directory submitted")
	return res, nil
}

// Get returns a snapshot of the job.
func (s *Service) Get(id string) (models.Job, error) {
	return s.reg.Get(id)
}

// Result returns the job if it completed and ErrNotReady otherwise.
func (s *Service) Result(id string) (models.Job, error) {
	job, err := s.reg.Get(id)
	if err != nil {
		return models.Job{}, err
	}
	switch job.State {
	case models.StateCompleted:
		return job, nil
	case models.StateFailed:
		return job, fmt.Errorf("%w: job failed: %s", models.ErrNotReady, job.Error)
	default:
		return job, fmt.Errorf("%w: job is %s", models.ErrNotReady, job.State)
	}
}

// List returns every known job, newest first.
func (s *Service) List() []models.Job {
	return s.reg.List()
}

// Wait blocks until the job is terminal.
func (s *Service) Wait(ctx context.Context, id string) (models.Job, error) {
	return s.reg.Wait(ctx, id)
}

// Models lists the catalog.
func (s *Service) Models() []models.ModelInfo {
	return s.catalog.List()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyArtifact):
		return "empty_artifact"
	case errors.Is(err, models.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, models.ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, models.ErrInvalidParameter):
		return "invalid_parameter"
	default:
		return "other"
	}
}
