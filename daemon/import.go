package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/mystilabs/mysti/api/types"
)

// sidecarMeta is the JSON sidecar written next to each generated image.
type sidecarMeta struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Seed           int64   `json:"seed"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
	GenerationTime float64 `json:"generation_time"`
}

// importOrphans scans the output directory for image files with no library
// row and imports them, reading a .json sidecar when present and falling
// back to the legacy .txt format. Returns the number of rows created.
func (d *Daemon) importOrphans(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(d.config.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var (
		mu       sync.Mutex
		imported int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		name := entry.Name()
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.importOrphan(name) {
				mu.Lock()
				imported++
				mu.Unlock()
			}
			return nil
		})
	}
	return imported, g.Wait()
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func (d *Daemon) importOrphan(name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if existing, err := d.lib.GetGeneration(stem); err == nil && existing != nil {
		return false
	}

	gen := &types.Generation{
		UUID:     stem,
		FilePath: "/outputs/" + name,
		// imported rows skip the tagging queue; their prompt, if any,
		// comes from a sidecar and may be empty
		AutoTagged: true,
	}
	base := filepath.Join(d.config.OutputDir, stem)
	if meta, ok := readJSONSidecar(base + ".json"); ok {
		gen.Prompt = meta.Prompt
		gen.NegativePrompt = meta.NegativePrompt
		gen.Seed = meta.Seed
		gen.Width = meta.Width
		gen.Height = meta.Height
		gen.Steps = meta.Steps
		gen.CfgScale = meta.CfgScale
		gen.GenerationTimeSec = meta.GenerationTime
	} else if prompt, seconds, ok := readTextSidecar(base + ".txt"); ok {
		gen.Prompt = prompt
		gen.GenerationTimeSec = seconds
	}

	if err := d.lib.InsertGeneration(gen); err != nil {
		log.L.WithError(err).WithField("file", name).Warn("importing orphan image failed")
		return false
	}
	return true
}

func readJSONSidecar(path string) (sidecarMeta, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return sidecarMeta{}, false
	}
	var meta sidecarMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		log.L.WithError(err).WithField("path", path).Warn("unparsable sidecar")
		return sidecarMeta{}, false
	}
	return meta, true
}

// readTextSidecar parses the legacy format: the prompt is the first line
// not starting with "Negative prompt:", and a "Time: <seconds>" token
// carries the generation duration.
func readTextSidecar(path string) (prompt string, seconds float64, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if prompt == "" && !strings.HasPrefix(line, "Negative prompt:") {
			prompt = line
		}
		if i := strings.Index(line, "Time:"); i >= 0 {
			rest := strings.TrimSpace(line[i+len("Time:"):])
			if j := strings.IndexByte(rest, ' '); j > 0 {
				rest = rest[:j]
			}
			rest = strings.TrimSuffix(rest, "s")
			if v, err := strconv.ParseFloat(rest, 64); err == nil {
				seconds = v
			}
		}
	}
	return prompt, seconds, true
}
