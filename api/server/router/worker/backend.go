package worker

import (
	"context"
	"encoding/json"
)

// Backend is the daemon surface the worker router drives. The router owns
// the HTTP mechanics; generation arbitration, metadata merging and recovery
// capture live behind this interface.
type Backend interface {
	// SDTarget and LLMTarget return the worker host:port pairs.
	SDTarget() string
	LLMTarget() string

	// Generate runs the full generation path: VRAM arbitration, hint and
	// metadata threading, tagger pause, forwarding and persistence. It
	// returns the upstream status code and response body.
	Generate(ctx context.Context, body []byte) (int, []byte, error)

	// PrepareModelLoad merges companion paths from stored model metadata
	// into a load request body for the named worker.
	PrepareModelLoad(ctx context.Context, workerName string, body []byte) ([]byte, error)

	// NoteModelLoaded records a successful load: captures the body for
	// crash recovery and clears the worker's safe-mode latch.
	NoteModelLoaded(ctx context.Context, workerName string, body []byte)

	// NoteModelUnloaded drops the captured load state for the worker.
	NoteModelUnloaded(workerName string)

	// MirrorProgress re-broadcasts one SSE progress frame to the UI
	// WebSocket clients.
	MirrorProgress(data json.RawMessage)
}
