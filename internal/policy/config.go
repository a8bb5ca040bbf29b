package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool `mapstructure:"enabled"`

	// Mode controls policy enforcement behavior
	Mode Mode `mapstructure:"mode"`

	// Path to the directory containing .rego policy files
	Path string `mapstructure:"path"`

	// FailClosed determines behavior when policies can't be loaded
	// true: deny all requests if policies fail to load
	// false: allow all requests if policies fail to load (fail-open)
	FailClosed bool `mapstructure:"fail_closed"`

	// Environment context for policy evaluation
	Environment string `mapstructure:"environment"`

	// EmergencyKillSwitch forces all requests to dry-run mode regardless of other settings
	EmergencyKillSwitch bool `mapstructure:"emergency_kill_switch"`
}

// Normalize validates the mode and disables the engine when it is off.
func (c Config) Normalize() Config {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	return c
}
