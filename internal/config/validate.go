package config

import "github.com/pkg/errors"

// Validate checks the combinations env tags cannot express.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendRemote:
		if c.StoreURL == "" {
			return errors.New("STORE_URL is required for the remote store backend")
		}
	default:
		return errors.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreShards <= 0 {
		return errors.Errorf("STORE_SHARDS must be positive, got %d", c.StoreShards)
	}
	if c.LowWaterMark <= 0 || c.MaxCleanupPushes <= 0 {
		return errors.New("LOW_WATER_MARK and MAX_CLEANUP_PUSHES must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	return nil
}

// Dev reports whether the process runs in a development environment.
func (c Config) Dev() bool { return c.AppEnv == "dev" || c.AppEnv == "test" }
