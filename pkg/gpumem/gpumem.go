// Package gpumem abstracts GPU memory telemetry so the resource arbiter can
// be exercised without real hardware.
package gpumem

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Info reports GPU memory in GB. Implementations must be safe for
// concurrent use.
type Info interface {
	// Total returns total device memory.
	Total(ctx context.Context) (float64, error)
	// Free returns currently free device memory.
	Free(ctx context.Context) (float64, error)
	// UsedBy returns the memory held by the given process, 0 if the
	// process holds no device memory.
	UsedBy(ctx context.Context, pid int) (float64, error)
}

const mibPerGB = 1024.0

// NvidiaSMI queries telemetry through the nvidia-smi binary.
type NvidiaSMI struct {
	// Path overrides the binary location. Defaults to "nvidia-smi" on PATH.
	Path string
}

func (n *NvidiaSMI) bin() string {
	if n.Path != "" {
		return n.Path
	}
	return "nvidia-smi"
}

func (n *NvidiaSMI) query(ctx context.Context, args ...string) ([]string, error) {
	out, err := exec.CommandContext(ctx, n.bin(), args...).Output()
	if err != nil {
		return nil, errors.Wrap(err, "nvidia-smi query failed")
	}
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// Total implements Info.
func (n *NvidiaSMI) Total(ctx context.Context) (float64, error) {
	return n.singleValue(ctx, "--query-gpu=memory.total", "--format=csv,noheader,nounits")
}

// Free implements Info.
func (n *NvidiaSMI) Free(ctx context.Context) (float64, error) {
	return n.singleValue(ctx, "--query-gpu=memory.free", "--format=csv,noheader,nounits")
}

func (n *NvidiaSMI) singleValue(ctx context.Context, args ...string) (float64, error) {
	lines, err := n.query(ctx, args...)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, errors.New("nvidia-smi returned no devices")
	}
	mib, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected nvidia-smi output %q", lines[0])
	}
	return mib / mibPerGB, nil
}

// UsedBy implements Info by scanning the per-process compute apps table.
func (n *NvidiaSMI) UsedBy(ctx context.Context, pid int) (float64, error) {
	lines, err := n.query(ctx, "--query-compute-apps=pid,used_memory", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		fields := strings.SplitN(line, ",", 2)
		if len(fields) != 2 {
			continue
		}
		p, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || p != pid {
			continue
		}
		mib, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return 0, errors.Wrapf(err, "unexpected used_memory %q", fields[1])
		}
		return mib / mibPerGB, nil
	}
	return 0, nil
}
