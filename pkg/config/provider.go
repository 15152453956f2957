package config

// Provider supplies configuration snapshots on demand. Every call returns a
// self-consistent *Config; a concurrent reload never exposes a partially
// updated view. The returned snapshot must be treated as immutable.
type Provider interface {
	Config() *Config
}

// Static is a Provider that always returns the same snapshot. Used when hot
// reload is disabled and throughout the tests.
type Static struct {
	cfg *Config
}

// NewStatic creates a Provider backed by a fixed configuration
func NewStatic(cfg *Config) *Static {
	return &Static{cfg: cfg}
}

// Config returns the fixed snapshot
func (s *Static) Config() *Config {
	return s.cfg
}
