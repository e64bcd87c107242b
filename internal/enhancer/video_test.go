package enhancer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remaster/internal/models"
)

// fakeTools stands in for ffprobe/ffmpeg: extraction writes small PNG frames,
// assembly concatenates the enhanced frames into the output file.
type fakeTools struct {
	t      *testing.T
	frames int
	rate   string

	mu    sync.Mutex
	calls [][]string
	sizes []string
}

func (f *fakeTools) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if name == "ffprobe" {
		return []byte(f.rate + "\n"), nil
	}

	pattern := args[len(args)-1]
	if strings.HasSuffix(pattern, framePattern) {
		dir := filepath.Dir(pattern)
		for i := 1; i <= f.frames; i++ {
			writeFixture(f.t, filepath.Join(dir, fmt.Sprintf("frame_%06d.png", i)), 4, 3)
		}
		return nil, nil
	}

	var in string
	for i, a := range args {
		if a == "-i" {
			in = args[i+1]
		}
	}
	frames, _ := filepath.Glob(filepath.Join(filepath.Dir(in), "frame_*.png"))
	var blob []byte
	for _, fr := range frames {
		img, err := imaging.Open(fr)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.sizes = append(f.sizes, fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy()))
		f.mu.Unlock()
		data, _ := os.ReadFile(fr)
		blob = append(blob, data...)
	}
	return nil, os.WriteFile(pattern, blob, 0o644)
}

func TestVideoEnhancerFrameLoop(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o644))

	tools := &fakeTools{t: t, frames: 3, rate: "30000/1001"}
	v := NewVideoEnhancer(newImageEnhancer(), zerolog.Nop(), WithCommandRunner(tools.run), WithFrameConcurrency(2))

	out, err := v.Enhance(context.Background(), Request{Input: in, Output: filepath.Join(dir, "out", "clip_enhanced.mp4"), ModelID: "esrgan", Scale: 2})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "clip_enhanced.mp4"), out)

	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))

	require.Len(t, tools.calls, 3)
	assert.Equal(t, "ffprobe", tools.calls[0][0])
	assert.Contains(t, tools.calls[1], "deshake")
	assert.Contains(t, tools.calls[2], "30000/1001")
	assert.Equal(t, []string{"8x6", "8x6", "8x6"}, tools.sizes)
}

func TestVideoEnhancerWithoutStabilize(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mov")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o644))

	tools := &fakeTools{t: t, frames: 1, rate: "25"}
	v := NewVideoEnhancer(newImageEnhancer(), zerolog.Nop(), WithCommandRunner(tools.run), WithStabilize(false))

	_, err := v.Enhance(context.Background(), Request{Input: in, Output: filepath.Join(dir, "clip_enhanced.mov"), ModelID: "esrgan", Scale: 1})
	require.NoError(t, err)
	assert.NotContains(t, tools.calls[1], "deshake")
}

func TestVideoEnhancerFailures(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o644))

	probeFails := func(_ context.Context, name string, _ ...string) ([]byte, error) {
		return nil, errors.New(name + ": no such stream")
	}
	noFrames := func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == "ffprobe" {
			return []byte("24/1"), nil
		}
		return nil, nil
	}
	badRate := func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte("0/0"), nil
	}

	cases := []struct {
		Name   string
		Runner CommandRunner
		Req    Request
		Op     string
	}{
		{"ProbeFails", probeFails, Request{Input: in, Output: filepath.Join(dir, "a.mp4"), ModelID: "esrgan", Scale: 2}, "probe"},
		{"NoFrames", noFrames, Request{Input: in, Output: filepath.Join(dir, "b.mp4"), ModelID: "esrgan", Scale: 2}, "extract"},
		{"BadRate", badRate, Request{Input: in, Output: filepath.Join(dir, "c.mp4"), ModelID: "esrgan", Scale: 2}, "probe"},
		{"UnknownModel", noFrames, Request{Input: in, Output: filepath.Join(dir, "d.mp4"), ModelID: "not-a-model", Scale: 2}, "load model"},
		{"MissingInput", noFrames, Request{Input: filepath.Join(dir, "gone.mp4"), Output: filepath.Join(dir, "e.mp4"), ModelID: "esrgan", Scale: 2}, "open"},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			v := NewVideoEnhancer(newImageEnhancer(), zerolog.Nop(), WithCommandRunner(c.Runner))
			_, err := v.Enhance(context.Background(), c.Req)
			var ee *models.EnhancementError
			require.True(t, errors.As(err, &ee), "got %v", err)
			assert.Equal(t, c.Op, ee.Op)
		})
	}
}

func TestVideoEnhancerFramePanicFailsJob(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o644))

	tools := &fakeTools{t: t, frames: 3, rate: "24"}
	v := NewVideoEnhancer(newImageEnhancer(), zerolog.Nop(), WithCommandRunner(tools.run), WithFrameConcurrency(3))
	v.frame = func(_ *profile, _ int, src, _ string) (bool, error) {
		if strings.HasSuffix(src, "frame_000002.png") {
			panic("decoder blew up")
		}
		return false, nil
	}

	out := filepath.Join(dir, "clip_enhanced.mp4")
	_, err := v.Enhance(context.Background(), Request{Input: in, Output: out, ModelID: "esrgan", Scale: 2})
	var ee *models.EnhancementError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, "frames", ee.Op)
	assert.Contains(t, err.Error(), "decoder blew up")

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestParseFrameRate(t *testing.T) {
	for _, ok := range []string{"25", "30000/1001", "24/1\n", "29.97"} {
		_, err := parseFrameRate(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "0/0", "N/A", "30/0", "-1"} {
		_, err := parseFrameRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestResampleKeepsTargetSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "f.png")
	writeFixture(t, src, 4, 3)
	img, err := imaging.Open(src)
	require.NoError(t, err)

	out := resample(img, 12, 9)
	assert.Equal(t, 12, out.Bounds().Dx())
	assert.Equal(t, 9, out.Bounds().Dy())
}
