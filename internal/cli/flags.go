package cli

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/SmitUplenchwar2687/throttleguard/internal/config"
	"github.com/SmitUplenchwar2687/throttleguard/internal/strategy"
)

// strategyFlags define or override one policy from the command line.
type strategyFlags struct {
	policy      string
	algorithm   string
	capacity    int
	refillRate  float64
	window      time.Duration
	maxRequests int
	fs          *pflag.FlagSet
}

func (sf *strategyFlags) bind(fs *pflag.FlagSet) {
	sf.fs = fs
	fs.StringVar(&sf.policy, "policy", "default", "policy to exercise")
	fs.StringVar(&sf.algorithm, "algorithm", "", "override the policy algorithm (token_bucket, sliding_window)")
	fs.IntVar(&sf.capacity, "capacity", 0, "token bucket capacity")
	fs.Float64Var(&sf.refillRate, "refill-rate", 0, "token bucket refill rate per second")
	fs.DurationVar(&sf.window, "window", 0, "sliding window length")
	fs.IntVar(&sf.maxRequests, "max-requests", 0, "sliding window admissions per window")
}

func (sf *strategyFlags) changed() bool {
	for _, name := range []string{"algorithm", "capacity", "refill-rate", "window", "max-requests"} {
		if sf.fs.Changed(name) {
			return true
		}
	}
	return false
}

// apply merges the overrides into the selected policy, creating it when
// it does not exist yet.
func (sf *strategyFlags) apply(cfg *config.Config) error {
	if !sf.changed() {
		return nil
	}

	idx := -1
	for i, p := range cfg.Guard.Policies {
		if p.Name == sf.policy {
			idx = i
			break
		}
	}
	if idx < 0 {
		cfg.Guard.Policies = append(cfg.Guard.Policies, config.PolicyConfig{Name: sf.policy})
		idx = len(cfg.Guard.Policies) - 1
	}

	sc := &cfg.Guard.Policies[idx].Config
	if alg := strategy.Algorithm(sf.algorithm); sf.fs.Changed("algorithm") && alg != sc.Algorithm {
		// Switching algorithms starts from that algorithm's preset, so
		// only the parameters given on the command line differ from it.
		preset, ok := config.Preset(alg)
		if !ok {
			preset = strategy.Config{Algorithm: alg}
		}
		*sc = preset
	}
	if sf.fs.Changed("capacity") {
		sc.Capacity = sf.capacity
	}
	if sf.fs.Changed("refill-rate") {
		sc.RefillRate = sf.refillRate
	}
	if sf.fs.Changed("window") {
		sc.Window = sf.window
	}
	if sf.fs.Changed("max-requests") {
		sc.MaxRequests = sf.maxRequests
	}
	return cfg.Validate()
}
