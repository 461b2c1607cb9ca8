package system

import (
	"context"
	"encoding/json"

	"github.com/mystilabs/mysti/api/types"
)

// Backend is the daemon surface the system router drives.
type Backend interface {
	// SystemHealth aggregates worker states and GPU telemetry.
	SystemHealth(ctx context.Context) types.SystemHealth

	SetModelMetadata(modelID string, metadata json.RawMessage) error
	GetModelMetadata(modelID string) (json.RawMessage, error)
	AllModelMetadata() (map[string]json.RawMessage, error)

	// ExecuteTool runs a named server-side tool (prompt helpers backed by
	// the LLM worker) and returns its raw JSON result.
	ExecuteTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)

	ListJobs(limit int) ([]types.Job, error)
}
