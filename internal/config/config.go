// Package config loads the throttleguard configuration file and turns it
// into a ready guard.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/strategy"
)

// Error is the error class for unusable configuration.
var Error = errs.Class("config")

// Config is the top-level configuration for a throttleguard process.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Guard  GuardConfig  `yaml:"guard"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// LogConfig holds process logging and the rejection log.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console

	ObserverLevel   string `yaml:"observer_level"`
	ObserverEnabled bool   `yaml:"observer_enabled"`
}

// GuardConfig describes the policies a guard enforces.
type GuardConfig struct {
	DefaultMessage string         `yaml:"default_message"`
	SkipPaths      []string       `yaml:"skip_paths"`
	Cleanup        CleanupConfig  `yaml:"cleanup"`
	Policies       []PolicyConfig `yaml:"policies"`
}

// CleanupConfig bounds per-key state.
type CleanupConfig struct {
	// Interval between janitor sweeps. Zero disables the janitor; sweeps
	// then only happen on demand.
	Interval time.Duration `yaml:"interval"`
	// MaxKeys caps tracked keys per policy after each sweep. Zero means
	// no cap.
	MaxKeys int `yaml:"max_keys"`
	Shards  int `yaml:"shards"`
}

// PolicyConfig is one named strategy.
type PolicyConfig struct {
	Name            string `yaml:"name"`
	Message         string `yaml:"message,omitempty"`
	strategy.Config `yaml:",inline"`
}

// Default returns a Config with the built-in presets: "basic" (token
// bucket, 60 tokens refilled at 1/s), "strict" (30 requests per sliding
// minute) and a "default" policy equal to basic.
func Default() Config {
	basic, _ := Preset(strategy.AlgorithmTokenBucket)
	strict, _ := Preset(strategy.AlgorithmSlidingWindow)
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{
			Level:           "info",
			Format:          "json",
			ObserverLevel:   "warn",
			ObserverEnabled: true,
		},
		Guard: GuardConfig{
			DefaultMessage: guard.DefaultMessage,
			SkipPaths:      []string{"/health", "/metrics"},
			Cleanup: CleanupConfig{
				Interval: time.Minute,
			},
			Policies: []PolicyConfig{
				{Name: guard.DefaultPolicy, Config: basic},
				{Name: "basic", Config: basic},
				{Name: "strict", Config: strict},
			},
		},
	}
}

// Preset returns the built-in parameters for alg: "basic" for the token
// bucket and "strict" for the sliding window.
func Preset(alg strategy.Algorithm) (strategy.Config, bool) {
	switch alg {
	case strategy.AlgorithmTokenBucket:
		return strategy.Config{Algorithm: alg, Capacity: 60, RefillRate: 1}, true
	case strategy.AlgorithmSlidingWindow:
		return strategy.Config{Algorithm: alg, Window: time.Minute, MaxRequests: 30}, true
	}
	return strategy.Config{}, false
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return Error.New("server.addr must not be empty")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return Error.New("unknown log.format %q, must be one of: json, console", c.Log.Format)
	}
	if c.Guard.Cleanup.Interval < 0 {
		return Error.New("guard.cleanup.interval must not be negative, got %s", c.Guard.Cleanup.Interval)
	}
	if c.Guard.Cleanup.MaxKeys < 0 {
		return Error.New("guard.cleanup.max_keys must not be negative, got %d", c.Guard.Cleanup.MaxKeys)
	}
	if len(c.Guard.Policies) == 0 {
		return Error.New("guard.policies must not be empty")
	}

	seen := make(map[string]bool, len(c.Guard.Policies))
	for i, p := range c.Guard.Policies {
		if p.Name == "" {
			return Error.New("guard.policies[%d]: name must not be empty", i)
		}
		if seen[p.Name] {
			return Error.New("guard.policies[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if err := p.Config.Validate(); err != nil {
			return Error.New("policy %q: %v", p.Name, err)
		}
	}
	return nil
}

// Policy returns the policy named name.
func (c Config) Policy(name string) (PolicyConfig, bool) {
	for _, p := range c.Guard.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return PolicyConfig{}, false
}

// LoadFile reads a YAML (or JSON) config file over the defaults. Fields not
// specified in the file retain their default values; a policies list in
// the file replaces the presets. Unknown fields are rejected.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, Error.New("reading config file: %v", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, Error.New("parsing config file: %v", err)
	}
	return cfg, nil
}

const exampleHeader = `# throttleguard configuration.
# Durations use Go syntax (500ms, 30s, 1m). Policies are either
# token_bucket (capacity, refill_rate per second) or sliding_window
# (window, max_requests). Requests without a policy use "default".
`

// WriteExample writes the default configuration to path.
func WriteExample(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return Error.Wrap(err)
	}
	return os.WriteFile(path, append([]byte(exampleHeader), data...), 0o644)
}

// NewGuard builds a guard enforcing every configured policy.
func (c Config) NewGuard(clk clock.Clock, observer guard.Observer) (*guard.Guard, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	messages := map[string]string{}
	if c.Guard.DefaultMessage != "" {
		messages[guard.DefaultPolicy] = c.Guard.DefaultMessage
	}
	for _, p := range c.Guard.Policies {
		if p.Message != "" {
			messages[p.Name] = p.Message
		}
	}

	g := guard.New(guard.Options{
		Skip:     skipPaths(c.Guard.SkipPaths),
		Messages: messages,
		Observer: observer,
		Clock:    clk,
	})

	opts := []strategy.Option{strategy.WithMaxKeys(c.Guard.Cleanup.MaxKeys)}
	if c.Guard.Cleanup.Shards > 0 {
		opts = append(opts, strategy.WithShards(c.Guard.Cleanup.Shards))
	}
	for _, p := range c.Guard.Policies {
		s, err := strategy.New(p.Config, g.Clock(), opts...)
		if err != nil {
			return nil, Error.New("policy %q: %v", p.Name, err)
		}
		if err := g.Register(p.Name, s); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return g, nil
}

func skipPaths(paths []string) func(*guard.RequestContext) bool {
	if len(paths) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(rc *guard.RequestContext) bool {
		_, ok := set[rc.Path]
		return ok
	}
}
