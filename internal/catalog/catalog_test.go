package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	m, ok := c.Get(DefaultModel)
	require.True(t, ok)
	assert.Equal(t, "RealESRGAN_x4plus", m.DisplayName)
	assert.Equal(t, 4, m.Scale)

	assert.Equal(t, DefaultModel, c.DefaultID())

	_, ok = c.Get("not-a-model")
	assert.False(t, ok)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "esrgan", list[0].ID)
	assert.Equal(t, "esrgan_anime", list[1].ID)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	doc := `
models:
  - id: fast
    scale: 2
    description: quick bicubic pass
    tuning:
      filter: linear
      denoise: 0.2
  - id: heavy
    display_name: Heavy 8x
    scale: 8
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	fast, ok := c.Get("fast")
	require.True(t, ok)
	assert.Equal(t, "fast", fast.DisplayName)
	assert.Equal(t, "linear", fast.Tuning.Filter)
	assert.Equal(t, 0.2, fast.Tuning.Denoise)

	heavy, ok := c.Get("heavy")
	require.True(t, ok)
	assert.Equal(t, 8, heavy.Scale)

	_, ok = c.Get(DefaultModel)
	assert.False(t, ok)
	assert.Equal(t, "fast", c.DefaultID())
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := []struct {
		Name string
		Doc  string
	}{
		{"Empty", "models: []"},
		{"MissingID", "models:\n  - scale: 2\n"},
		{"ZeroScale", "models:\n  - id: a\n"},
		{"Duplicate", "models:\n  - id: a\n    scale: 2\n  - id: a\n    scale: 4\n"},
		{"Malformed", "models: [:"},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			_, err := Parse([]byte(c.Doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadEmptyPathUsesDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	_, ok := c.Get("esrgan_anime")
	assert.True(t, ok)
}
