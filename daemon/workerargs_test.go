package daemon

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestWorkerArgvStripsOrchestratorFlags(t *testing.T) {
	argv := []string{
		"mystid",
		"--listen-port", "7860",
		"--sd-worker-bin", "/usr/bin/sd-worker",
		"--debug",
		"--internal-token=secret",
		"--pidfile", "/run/mystid.pid",
	}
	got := WorkerArgv(argv, 7861, "tok")
	assert.DeepEqual(t, got, []string{
		"--debug",
		"--listen-port", "7861",
		"--internal-token", "tok",
	})
}

func TestWorkerArgvPassesSharedFlags(t *testing.T) {
	argv := []string{"mystid", "--output-dir", "/srv/outputs", "--log-dir=/var/log/mysti"}
	got := WorkerArgv(argv, 7862, "tok")
	assert.DeepEqual(t, got, []string{
		"--output-dir", "/srv/outputs",
		"--log-dir=/var/log/mysti",
		"--listen-port", "7862",
		"--internal-token", "tok",
	})
}

func TestWorkerArgvStrippedFlagFollowedByFlag(t *testing.T) {
	// --config-file with a missing value must not swallow the next flag
	argv := []string{"mystid", "--config-file", "--debug"}
	got := WorkerArgv(argv, 7861, "tok")
	assert.Check(t, is.Contains(got, "--debug"))
}

func TestWorkerArgvEmpty(t *testing.T) {
	got := WorkerArgv([]string{"mystid"}, 7861, "tok")
	assert.DeepEqual(t, got, []string{"--listen-port", "7861", "--internal-token", "tok"})
}
