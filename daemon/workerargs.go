package daemon

import "strconv"

// orchestrator-only flags that must not leak into a worker's command line.
// The workers get their own listen flag and token appended instead.
var strippedFlags = map[string]bool{
	"--listen-addr":         true,
	"--listen-port":         true,
	"--internal-token":      true,
	"--config-file":         true,
	"--sd-worker-bin":       true,
	"--llm-worker-bin":      true,
	"--pidfile":             true,
	"--safe-mode-threshold": true,
}

// WorkerArgv derives a worker command line from the orchestrator's own
// argv: shared flags pass through, orchestrator-specific flags are
// stripped (with their values), and the worker's listen port and shared
// secret are appended. argv[0] is dropped; the caller supplies the worker
// binary separately.
func WorkerArgv(argv []string, port int, token string) []string {
	var out []string
	for i := 1; i < len(argv); i++ {
		arg := argv[i]

		name := arg
		hasInlineValue := false
		for j := 0; j < len(arg); j++ {
			if arg[j] == '=' {
				name = arg[:j]
				hasInlineValue = true
				break
			}
		}

		if strippedFlags[name] {
			if !hasInlineValue && i+1 < len(argv) && !isFlag(argv[i+1]) {
				i++ // skip the separate value
			}
			continue
		}
		out = append(out, arg)
	}
	return append(out,
		"--listen-port", strconv.Itoa(port),
		"--internal-token", token,
	)
}

func isFlag(s string) bool {
	return len(s) > 0 && s[0] == '-'
}
