// Package enhancer holds the two enhancer variants a job can run through.
// Both are safe for concurrent use by multiple execution units.
package enhancer

import (
	"context"

	"remaster/internal/models"
)

// Request describes one unit of enhancement work.
type Request struct {
	Input   string
	Output  string
	ModelID string
	Scale   int
}

// Enhancer turns an input artifact into an enhanced output artifact and
// returns the path it wrote. Failures are *models.EnhancementError.
type Enhancer interface {
	Enhance(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to the Enhancer interface.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Enhance(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ModelLookup resolves model ids; *catalog.Catalog satisfies it.
type ModelLookup interface {
	Get(id string) (models.ModelInfo, bool)
}
