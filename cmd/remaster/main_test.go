package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remaster/internal/models"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(40 * y), B: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestEnhanceImageCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "photo.png")
	writePNG(t, in, 6, 4)
	out := filepath.Join(dir, "out")

	stdout, err := execute(t, "-o", out, "enhance-image", "-m", "esrgan", "-s", "2", in)
	require.NoError(t, err)
	assert.Contains(t, stdout, "done")

	img, err := imaging.Open(filepath.Join(out, "photo_enhanced.png"))
	require.NoError(t, err)
	assert.Equal(t, 12, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
}

func TestEnhanceImageDefaultsToDoubleScale(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "photo.png")
	writePNG(t, in, 5, 3)

	_, err := execute(t, "-o", dir, "enhance-image", in)
	require.NoError(t, err)

	img, err := imaging.Open(filepath.Join(dir, "photo_enhanced.png"))
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())
}

func TestEnhanceImageRejectsZeroScale(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "photo.png")
	writePNG(t, in, 5, 3)

	_, err := execute(t, "-o", dir, "enhance-image", "-s", "0", in)
	assert.ErrorIs(t, err, models.ErrInvalidParameter)
}

func TestEnhanceImageRejectsVideo(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(in, []byte("video"), 0o644))

	_, err := execute(t, "-o", dir, "enhance-image", in)
	assert.Error(t, err)
}

func TestEnhanceImageFailureExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(in, []byte("not a jpeg"), 0o644))

	stdout, err := execute(t, "-o", dir, "enhance-image", in)
	assert.ErrorIs(t, err, errJobFailed)
	assert.Contains(t, stdout, "failed")
}

func TestBatchCommand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writePNG(t, filepath.Join(dir, name), 3, 3)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	out := filepath.Join(t.TempDir(), "out")

	stdout, err := execute(t, "-o", out, "batch", "-s", "1", dir)
	assert.ErrorIs(t, err, errJobFailed)
	assert.Contains(t, stdout, "skipped")
	assert.Contains(t, stdout, "3 of 4 files enhanced")

	for _, name := range []string{"a", "b", "c"} {
		_, err := os.Stat(filepath.Join(out, name+"_enhanced.png"))
		assert.NoError(t, err, name)
	}
}

func TestModelsCommand(t *testing.T) {
	stdout, err := execute(t, "models")
	require.NoError(t, err)
	assert.Contains(t, stdout, "esrgan_anime")
	assert.Contains(t, stdout, "RealESRGAN_x4plus")
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, "upscale-everything")
	assert.Error(t, err)
}
