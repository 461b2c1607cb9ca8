// Package worker models the two external engine processes the orchestrator
// owns: the diffusion (sd) worker and the LLM worker. It provides the
// process description used for spawning, the HTTP control client, and the
// captured load-state used for crash recovery.
package worker

import (
	"fmt"
	"net"
	"strconv"
)

// Worker describes one supervised engine process.
type Worker struct {
	// Name is "sd" or "llm"; it keys the supervisor table and log fields.
	Name string
	// Bin and Args are the spawn command. Args must stay unchanged across
	// respawns so recovery reproduces the original process exactly.
	Bin  string
	Args []string
	// Host and Port locate the worker's HTTP surface.
	Host string
	Port int
	// LogPath is the append-only sink for the worker's stdio.
	LogPath string
	// LoadPath is the model-load route used when replaying captured state:
	// /v1/models/load for sd, /v1/llm/load for llm.
	LoadPath string
}

// Target returns the host:port the worker listens on.
func (w *Worker) Target() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// URL builds an absolute URL for a worker route.
func (w *Worker) URL(path string) string {
	return fmt.Sprintf("http://%s%s", w.Target(), path)
}
