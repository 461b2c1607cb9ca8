package styles

import (
	"context"

	"github.com/mystilabs/mysti/api/types"
)

// Backend is the daemon surface the styles router drives.
type Backend interface {
	SaveStyle(s *types.Style) (int64, error)
	GetStyle(name string) (*types.Style, error)
	ListStyles() ([]types.Style, error)
	DeleteStyle(name string) error

	// ExtractStyle asks the LLM to distill a reusable style from a prompt.
	ExtractStyle(ctx context.Context, prompt string) (*types.Style, error)
	// EnqueueStylePreviews queues preview rendering jobs for styles with no
	// preview image and returns how many were queued.
	EnqueueStylePreviews() (int, error)

	SaveLibraryItem(item *types.LibraryItem) (int64, error)
	ListLibraryItems(category string) ([]types.LibraryItem, error)
	TouchLibraryItem(id int64) error
	DeleteLibraryItem(id int64) error
}
