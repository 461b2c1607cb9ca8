package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMergeFileFillsUnsetFlags(t *testing.T) {
	conf := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	conf.InstallFlags(flags)
	assert.NilError(t, flags.Parse([]string{"--listen-port", "9000"}))

	file := writeConfigFile(t, `{"output-dir": "/srv/images", "debug": true}`)
	merged, err := MergeConfigurations(conf, flags, file)
	assert.NilError(t, err)

	assert.Equal(t, merged.ListenPort, 9000)
	assert.Equal(t, merged.OutputDir, "/srv/images")
	assert.Check(t, merged.Debug)
	// untouched keys keep their defaults
	assert.Equal(t, merged.DBPath, DefaultDBPath)
}

func TestMergeConflictingOption(t *testing.T) {
	conf := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	conf.InstallFlags(flags)
	assert.NilError(t, flags.Parse([]string{"--listen-port", "9000"}))

	file := writeConfigFile(t, `{"listen-port": 9100}`)
	_, err := MergeConfigurations(conf, flags, file)
	assert.ErrorContains(t, err, "listen-port")
}

func TestMergeUnknownKey(t *testing.T) {
	conf := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	conf.InstallFlags(flags)
	assert.NilError(t, flags.Parse(nil))

	file := writeConfigFile(t, `{"listne-port": 9100}`)
	_, err := MergeConfigurations(conf, flags, file)
	assert.ErrorContains(t, err, "listne-port")
}

func TestMergeMissingFile(t *testing.T) {
	conf := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	conf.InstallFlags(flags)
	assert.NilError(t, flags.Parse(nil))

	_, err := MergeConfigurations(conf, flags, "/nonexistent/mysti.json")
	assert.Check(t, os.IsNotExist(err))
}

func TestMergeMalformedFile(t *testing.T) {
	conf := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	conf.InstallFlags(flags)
	assert.NilError(t, flags.Parse(nil))

	file := writeConfigFile(t, `{"listen-port": `)
	_, err := MergeConfigurations(conf, flags, file)
	assert.Check(t, is.ErrorContains(err, "parsing"))
}

func TestDerivedPorts(t *testing.T) {
	conf := New()
	conf.ListenPort = 7860
	assert.Equal(t, conf.SDPort(), 7861)
	assert.Equal(t, conf.LLMPort(), 7862)
	assert.Equal(t, conf.WebSocketPort(), 7863)
}

func TestValidate(t *testing.T) {
	conf := New()
	assert.NilError(t, conf.Validate())

	conf.ListenPort = 65533 // derived websocket port would not fit
	assert.ErrorContains(t, conf.Validate(), "listen port")

	conf = New()
	conf.SafeModeThreshold = 0
	assert.ErrorContains(t, conf.Validate(), "safe-mode-threshold")
}
