// Package config holds the orchestrator configuration, layered from
// built-in defaults, an optional JSON configuration file and command-line
// flags. A key set both in the file and on the command line is a conflict
// and refuses to start.
package config

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Defaults.
const (
	DefaultListenAddr        = "127.0.0.1"
	DefaultListenPort        = 7860
	DefaultOutputDir         = "outputs"
	DefaultStaticDir         = "webui"
	DefaultDBPath            = "mysti.db"
	DefaultLogDir            = "logs"
	DefaultSafeModeThreshold = 3
)

// Config is the merged orchestrator configuration. JSON tags double as the
// configuration-file keys and match the flag names.
type Config struct {
	ListenAddr string `json:"listen-addr,omitempty"`
	ListenPort int    `json:"listen-port,omitempty"`

	SDWorkerBin  string `json:"sd-worker-bin,omitempty"`
	LLMWorkerBin string `json:"llm-worker-bin,omitempty"`

	OutputDir string `json:"output-dir,omitempty"`
	StaticDir string `json:"static-dir,omitempty"`
	DBPath    string `json:"db-path,omitempty"`
	LogDir    string `json:"log-dir,omitempty"`
	Pidfile   string `json:"pidfile,omitempty"`

	// InternalToken is the shared secret on orchestrator→worker calls.
	// Generated at startup when empty.
	InternalToken string `json:"internal-token,omitempty"`

	// SafeModeThreshold is the count of consecutive crash cycles after
	// which a worker's model auto-reload is disabled.
	SafeModeThreshold int `json:"safe-mode-threshold,omitempty"`

	Debug bool `json:"debug,omitempty"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		ListenAddr:        DefaultListenAddr,
		ListenPort:        DefaultListenPort,
		OutputDir:         DefaultOutputDir,
		StaticDir:         DefaultStaticDir,
		DBPath:            DefaultDBPath,
		LogDir:            DefaultLogDir,
		SafeModeThreshold: DefaultSafeModeThreshold,
	}
}

// InstallFlags adds the configuration flags to the given flag set.
func (conf *Config) InstallFlags(flags *pflag.FlagSet) {
	flags.StringVar(&conf.ListenAddr, "listen-addr", DefaultListenAddr, "Address for the public API")
	flags.IntVar(&conf.ListenPort, "listen-port", DefaultListenPort, "Port for the public API; workers use port+1/+2, WebSocket port+3")
	flags.StringVar(&conf.SDWorkerBin, "sd-worker-bin", "", "Path to the diffusion worker binary")
	flags.StringVar(&conf.LLMWorkerBin, "llm-worker-bin", "", "Path to the LLM worker binary")
	flags.StringVar(&conf.OutputDir, "output-dir", DefaultOutputDir, "Directory generated images are written to")
	flags.StringVar(&conf.StaticDir, "static-dir", DefaultStaticDir, "Directory served under /app/")
	flags.StringVar(&conf.DBPath, "db-path", DefaultDBPath, "Path to the image library database")
	flags.StringVar(&conf.LogDir, "log-dir", DefaultLogDir, "Directory for worker log files")
	flags.StringVar(&conf.Pidfile, "pidfile", "", "Path to write the daemon pid to")
	flags.StringVar(&conf.InternalToken, "internal-token", "", "Shared secret for worker calls (generated when empty)")
	flags.IntVar(&conf.SafeModeThreshold, "safe-mode-threshold", DefaultSafeModeThreshold, "Consecutive worker crashes before model auto-reload is disabled")
	flags.BoolVar(&conf.Debug, "debug", false, "Enable debug logging")
}

// SDPort returns the diffusion worker's port.
func (conf *Config) SDPort() int { return conf.ListenPort + 1 }

// LLMPort returns the LLM worker's port.
func (conf *Config) LLMPort() int { return conf.ListenPort + 2 }

// WebSocketPort returns the UI fan-out port. Always bound on loopback.
func (conf *Config) WebSocketPort() int { return conf.ListenPort + 3 }

// Validate returns an error if the configuration cannot produce a working
// daemon.
func (conf *Config) Validate() error {
	if conf.ListenPort < 1 || conf.ListenPort > 65532 {
		return errors.Errorf("invalid listen port %d: derived worker ports must fit below 65536", conf.ListenPort)
	}
	if conf.SafeModeThreshold < 1 {
		return errors.Errorf("safe-mode-threshold must be at least 1, got %d", conf.SafeModeThreshold)
	}
	return nil
}

// MergeConfigurations layers the JSON configuration file under the
// flag-provided values. A key explicitly set in both places is an error.
func MergeConfigurations(flagsConfig *Config, flags *pflag.FlagSet, configFile string) (*Config, error) {
	fileConfig, err := loadFile(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(fileConfig, flagsConfig); err != nil {
		return nil, err
	}
	return fileConfig, nil
}

func loadFile(configFile string, flags *pflag.FlagSet) (*Config, error) {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", configFile)
	}
	if err := findConfigurationConflicts(keys, flags); err != nil {
		return nil, errors.Wrapf(err, "merging %s", configFile)
	}
	if unknown := findUnknownKeys(keys, flags); len(unknown) > 0 {
		return nil, errors.Errorf("unknown configuration keys in %s: %s", configFile, strings.Join(unknown, ", "))
	}

	var conf Config
	if err := json.Unmarshal(b, &conf); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", configFile)
	}
	return &conf, nil
}

// findConfigurationConflicts rejects keys set both in the file and on the
// command line.
func findConfigurationConflicts(fileKeys map[string]json.RawMessage, flags *pflag.FlagSet) error {
	var conflicts []string
	flags.Visit(func(f *pflag.Flag) {
		if _, ok := fileKeys[f.Name]; ok {
			conflicts = append(conflicts, f.Name)
		}
	})
	if len(conflicts) > 0 {
		return errors.Errorf("the following options are set both as flags and in the configuration file: %s", strings.Join(conflicts, ", "))
	}
	return nil
}

func findUnknownKeys(fileKeys map[string]json.RawMessage, flags *pflag.FlagSet) []string {
	var unknown []string
	for k := range fileKeys {
		if flags.Lookup(k) == nil {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}
