package history

import (
	"github.com/mystilabs/mysti/api/types"
	"github.com/mystilabs/mysti/daemon/library"
)

// Backend is the library surface the history router exposes.
type Backend interface {
	ListGenerations(opts library.ListOptions) ([]*types.Generation, error)
	SearchGenerations(query string, limit int) ([]*types.Generation, error)
	GetGeneration(uuid string) (*types.Generation, error)
	// DeleteGeneration removes the row; when deleteFile is set the image
	// file on disk goes with it.
	DeleteGeneration(uuid string, deleteFile bool) error

	AddTags(uuid string, names []string, source string, confidence float64) error
	RemoveTag(uuid, name string) error
	ListTags() ([]types.TagCount, error)
	CleanupTags() (int, error)

	SetFavorite(uuid string, favorite bool) error
	SetRating(uuid string, rating int) error
}
