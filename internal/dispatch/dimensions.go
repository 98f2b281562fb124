package dispatch

import (
	"context"
	"strings"
)

// DimensionResolver maps a model and orientation to output dimensions.
type DimensionResolver interface {
	Resolve(ctx context.Context, model, orientation string) (width, height int, err error)
}

// Size is a width/height pair.
type Size struct {
	Width  int
	Height int
}

// FixedResolver answers from a static orientation table.
type FixedResolver struct {
	Default      Size
	Orientations map[string]Size
}

// DefaultResolver covers square, landscape and portrait at SDXL-class sizes.
func DefaultResolver() FixedResolver {
	return FixedResolver{
		Default: Size{Width: 1024, Height: 1024},
		Orientations: map[string]Size{
			"square":    {Width: 1024, Height: 1024},
			"landscape": {Width: 1344, Height: 768},
			"portrait":  {Width: 768, Height: 1344},
		},
	}
}

func (r FixedResolver) Resolve(_ context.Context, _ string, orientation string) (int, int, error) {
	if size, ok := r.Orientations[strings.ToLower(strings.TrimSpace(orientation))]; ok {
		return size.Width, size.Height, nil
	}
	return r.Default.Width, r.Default.Height, nil
}
