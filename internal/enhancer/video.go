package enhancer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"remaster/internal/models"
)

const framePattern = "frame_%06d.png"

// CommandRunner executes an external tool and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		return out, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return out, nil
}

// VideoEnhancer splits a video into frames with ffmpeg, runs every frame
// through the image pipeline and re-assembles the result.
type VideoEnhancer struct {
	frames      *ImageEnhancer
	logger      zerolog.Logger
	ffmpeg      string
	ffprobe     string
	stabilize   bool
	concurrency int
	run         CommandRunner
	frame       func(p *profile, scale int, src, dst string) (bool, error)
}

// VideoOption customises a VideoEnhancer.
type VideoOption func(*VideoEnhancer)

// WithTools sets the ffmpeg and ffprobe binaries.
func WithTools(ffmpeg, ffprobe string) VideoOption {
	return func(v *VideoEnhancer) {
		if ffmpeg != "" {
			v.ffmpeg = ffmpeg
		}
		if ffprobe != "" {
			v.ffprobe = ffprobe
		}
	}
}

// WithStabilize toggles the deshake filter during frame extraction.
func WithStabilize(on bool) VideoOption {
	return func(v *VideoEnhancer) { v.stabilize = on }
}

// WithFrameConcurrency bounds how many frames are enhanced at once.
func WithFrameConcurrency(n int) VideoOption {
	return func(v *VideoEnhancer) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithCommandRunner replaces the process runner, mostly for tests.
func WithCommandRunner(r CommandRunner) VideoOption {
	return func(v *VideoEnhancer) {
		if r != nil {
			v.run = r
		}
	}
}

// NewVideoEnhancer builds a video enhancer on top of an image enhancer.
func NewVideoEnhancer(frames *ImageEnhancer, logger zerolog.Logger, opts ...VideoOption) *VideoEnhancer {
	v := &VideoEnhancer{
		frames:      frames,
		logger:      logger.With().Str("component", "video_enhancer").Logger(),
		ffmpeg:      "ffmpeg",
		ffprobe:     "ffprobe",
		stabilize:   true,
		concurrency: 2,
		run:         execRunner,
	}
	v.frame = v.enhanceFrame
	for _, o := range opts {
		o(v)
	}
	return v
}

// Enhance processes a whole video file.
func (v *VideoEnhancer) Enhance(ctx context.Context, req Request) (string, error) {
	if req.Scale <= 0 {
		return "", models.Enhancement("validate", fmt.Errorf("scale must be positive, got %d", req.Scale))
	}
	p, err := v.frames.profile(req.ModelID)
	if err != nil {
		return "", models.Enhancement("load model", err)
	}
	if _, err := os.Stat(req.Input); err != nil {
		return "", models.Enhancement("open", err)
	}

	work, err := os.MkdirTemp("", "remaster-video-*")
	if err != nil {
		return "", models.Enhancement("workspace", err)
	}
	defer os.RemoveAll(work)

	rawDir := filepath.Join(work, "raw")
	outDir := filepath.Join(work, "enhanced")
	for _, d := range []string{rawDir, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", models.Enhancement("workspace", err)
		}
	}

	rate, err := v.probeFrameRate(ctx, req.Input)
	if err != nil {
		return "", models.Enhancement("probe", err)
	}

	frames, err := v.extract(ctx, req.Input, rawDir)
	if err != nil {
		return "", models.Enhancement("extract", err)
	}

	var fallbacks atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for _, src := range frames {
		src := src
		dst := filepath.Join(outDir, filepath.Base(src))
		g.Go(func() (err error) {
			// Frames run on their own goroutines, out of reach of the runner's
			// recover.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("frame %s panicked: %v", filepath.Base(src), r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			used, err := v.frame(p, req.Scale, src, dst)
			if used {
				fallbacks.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return "", models.Enhancement("frames", err)
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return "", models.Enhancement("write", fmt.Errorf("create output dir: %w", err))
	}
	if err := v.assemble(ctx, rate, outDir, req.Output); err != nil {
		return "", models.Enhancement("assemble", err)
	}

	v.logger.Info().
		Str("input", req.Input).
		Str("output", req.Output).
		Str("model", req.ModelID).
		Int("frames", len(frames)).
		Int64("fallback_frames", fallbacks.Load()).
		Str("frame_rate", rate).
		Msg("video enhanced")
	return req.Output, nil
}

func (v *VideoEnhancer) probeFrameRate(ctx context.Context, input string) (string, error) {
	out, err := v.run(ctx, v.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	if err != nil {
		return "", err
	}
	return parseFrameRate(string(out))
}

// parseFrameRate accepts ffprobe's "num/den" or plain number output.
func parseFrameRate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	num, den, found := strings.Cut(raw, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("unusable frame rate %q", raw)
	}
	if found {
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("unusable frame rate %q", raw)
		}
	}
	return raw, nil
}

func (v *VideoEnhancer) extract(ctx context.Context, input, dir string) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", input}
	if v.stabilize {
		args = append(args, "-vf", "deshake")
	}
	args = append(args, filepath.Join(dir, framePattern))
	if _, err := v.run(ctx, v.ffmpeg, args...); err != nil {
		return nil, err
	}

	frames, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.New("no frames decoded")
	}
	sort.Strings(frames)
	return frames, nil
}

func (v *VideoEnhancer) assemble(ctx context.Context, rate, dir, output string) error {
	_, err := v.run(ctx, v.ffmpeg,
		"-hide_banner", "-loglevel", "error", "-y",
		"-framerate", rate,
		"-i", filepath.Join(dir, framePattern),
		"-c:v", "mpeg4", "-q:v", "2",
		"-pix_fmt", "yuv420p",
		output,
	)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(output); err != nil || fi.Size() == 0 {
		return fmt.Errorf("encoder produced no output at %s", output)
	}
	return nil
}

// enhanceFrame writes the enhanced frame to dst. When the pipeline panics the
// original frame is resampled to the target size instead, so every output
// frame keeps the same dimensions.
func (v *VideoEnhancer) enhanceFrame(p *profile, scale int, src, dst string) (fallback bool, err error) {
	img, err := imaging.Open(src)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(src), err)
	}

	out, ok := v.safeApply(img, p, scale)
	if !ok {
		tw, th := v.frames.targetSize(img.Bounds().Dx(), img.Bounds().Dy(), scale)
		out = resample(img, tw, th)
		fallback = true
		v.logger.Warn().Str("frame", filepath.Base(src)).Msg("frame enhancement failed, using plain resample")
	}
	if err := imaging.Save(out, dst); err != nil {
		return fallback, fmt.Errorf("encode %s: %w", filepath.Base(dst), err)
	}
	return fallback, nil
}

func (v *VideoEnhancer) safeApply(img image.Image, p *profile, scale int) (out image.Image, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			out, ok = nil, false
		}
	}()
	return v.frames.apply(img, p, scale), true
}

func resample(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
