package transport

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines channel timeouts and startup patience.
type Config struct {
	ConnectTimeout   time.Duration
	RoundTripTimeout time.Duration
	StartupPatience  time.Duration
	ReclaimGrace     time.Duration
	Backoff          BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   2 * time.Second,
		RoundTripTimeout: 30 * time.Second,
		StartupPatience:  10 * time.Second,
		ReclaimGrace:     2 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RoundTripTimeout <= 0 {
		c.RoundTripTimeout = def.RoundTripTimeout
	}
	if c.StartupPatience <= 0 {
		c.StartupPatience = def.StartupPatience
	}
	if c.ReclaimGrace <= 0 {
		c.ReclaimGrace = def.ReclaimGrace
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
