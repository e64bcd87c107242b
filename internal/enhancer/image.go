package enhancer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"

	"remaster/internal/models"
)

// ImageEnhancer upscales still images with a per-model resampling profile.
type ImageEnhancer struct {
	models       ModelLookup
	logger       zerolog.Logger
	maxDimension int
	jpegQuality  int

	mu       sync.Mutex
	profiles map[string]*profile
}

// profile is the compiled form of a model's tuning, cached after first use.
type profile struct {
	filter     imaging.ResampleFilter
	sharpen    float64
	sharpenMix float64
	denoise    float64
	contrast   float64
	saturation float64
}

// ImageOption customises an ImageEnhancer.
type ImageOption func(*ImageEnhancer)

// WithMaxDimension caps the longest side of an input before upscaling.
func WithMaxDimension(n int) ImageOption {
	return func(e *ImageEnhancer) {
		if n > 0 {
			e.maxDimension = n
		}
	}
}

// WithJPEGQuality sets the encoder quality for JPEG outputs.
func WithJPEGQuality(q int) ImageOption {
	return func(e *ImageEnhancer) {
		if q > 0 && q <= 100 {
			e.jpegQuality = q
		}
	}
}

// NewImageEnhancer builds an image enhancer resolving models through lookup.
func NewImageEnhancer(lookup ModelLookup, logger zerolog.Logger, opts ...ImageOption) *ImageEnhancer {
	e := &ImageEnhancer{
		models:       lookup,
		logger:       logger.With().Str("component", "image_enhancer").Logger(),
		maxDimension: 4096,
		jpegQuality:  92,
		profiles:     make(map[string]*profile),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enhance decodes, upscales and re-encodes a single image.
func (e *ImageEnhancer) Enhance(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", models.Enhancement("start", err)
	}
	if req.Scale <= 0 {
		return "", models.Enhancement("validate", fmt.Errorf("scale must be positive, got %d", req.Scale))
	}
	p, err := e.profile(req.ModelID)
	if err != nil {
		return "", models.Enhancement("load model", err)
	}

	src, err := imaging.Open(req.Input, imaging.AutoOrientation(true))
	if err != nil {
		return "", models.Enhancement("decode", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return "", models.Enhancement("decode", errors.New("invalid image dimensions"))
	}

	out := e.apply(src, p, req.Scale)

	path := outputPath(req.Output)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", models.Enhancement("write", fmt.Errorf("create output dir: %w", err))
	}
	if err := imaging.Save(out, path, imaging.JPEGQuality(e.jpegQuality)); err != nil {
		return "", models.Enhancement("encode", err)
	}

	e.logger.Debug().
		Str("input", req.Input).
		Str("output", path).
		Str("model", req.ModelID).
		Int("scale", req.Scale).
		Int("width", out.Bounds().Dx()).
		Int("height", out.Bounds().Dy()).
		Msg("image enhanced")
	return path, nil
}

// targetSize returns the output dimensions for a w x h input.
func (e *ImageEnhancer) targetSize(w, h, scale int) (int, int) {
	if m := e.maxDimension; m > 0 && (w > m || h > m) {
		if w >= h {
			h = h * m / w
			w = m
		} else {
			w = w * m / h
			h = m
		}
		if w == 0 {
			w = 1
		}
		if h == 0 {
			h = 1
		}
	}
	return w * scale, h * scale
}

// apply runs the pipeline: fit, upscale, sharpen blend, denoise, tone.
func (e *ImageEnhancer) apply(src image.Image, p *profile, scale int) *image.NRGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	tw, th := e.targetSize(w, h, scale)

	out := imaging.Resize(src, tw, th, p.filter)
	if p.sharpen > 0 && p.sharpenMix > 0 {
		sharp := imaging.Sharpen(out, p.sharpen)
		out = imaging.Overlay(out, sharp, image.Pt(0, 0), p.sharpenMix)
	}
	if p.denoise > 0 {
		out = imaging.Blur(out, p.denoise)
	}
	if p.contrast != 0 {
		out = imaging.AdjustContrast(out, p.contrast)
	}
	if p.saturation != 0 {
		out = imaging.AdjustSaturation(out, p.saturation)
	}
	return out
}

func (e *ImageEnhancer) profile(modelID string) (*profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.profiles[modelID]; ok {
		return p, nil
	}
	info, ok := e.models.Get(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownModel, modelID)
	}
	filter, err := parseFilter(info.Tuning.Filter)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", modelID, err)
	}
	p := &profile{
		filter:     filter,
		sharpen:    info.Tuning.Sharpen,
		sharpenMix: clamp01(info.Tuning.SharpenMix),
		denoise:    info.Tuning.Denoise,
		contrast:   info.Tuning.Contrast,
		saturation: info.Tuning.Saturation,
	}
	e.profiles[modelID] = p
	e.logger.Info().Str("model", modelID).Msg("model profile loaded")
	return p, nil
}

func parseFilter(name string) (imaging.ResampleFilter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lanczos":
		return imaging.Lanczos, nil
	case "catmullrom":
		return imaging.CatmullRom, nil
	case "mitchell":
		return imaging.MitchellNetravali, nil
	case "linear":
		return imaging.Linear, nil
	case "box":
		return imaging.Box, nil
	case "nearest":
		return imaging.NearestNeighbor, nil
	}
	return imaging.ResampleFilter{}, fmt.Errorf("unknown resample filter %q", name)
}

// outputPath swaps extensions the encoder cannot write (webp) for png.
func outputPath(path string) string {
	if _, err := imaging.FormatFromFilename(path); err == nil {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".png"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
