package presets

import (
	"context"

	"github.com/mystilabs/mysti/api/types"
)

// Backend is the daemon surface the presets router drives.
type Backend interface {
	SaveImagePreset(p *types.ImagePreset) (int64, error)
	GetImagePreset(name string) (*types.ImagePreset, error)
	ListImagePresets() ([]types.ImagePreset, error)
	DeleteImagePreset(name string) error

	// LoadImagePreset materializes the preset's model paths into a load
	// request and pushes it through the intercepting load path. Returns
	// the upstream status code and response body.
	LoadImagePreset(ctx context.Context, name string) (int, []byte, error)

	SaveLlmPreset(p *types.LlmPreset) (int64, error)
	GetLlmPreset(name string) (*types.LlmPreset, error)
	ListLlmPresets() ([]types.LlmPreset, error)
	DeleteLlmPreset(name string) error
}
