package config

const (
	defaultRoot             = "~/.cache/cas-cache"
	defaultMaxSize          = "10GiB"
	defaultHashFunction     = "sha256"
	defaultRemoteTimeout    = "10m"
	defaultACBackend        = "filesystem"
	defaultSweepInterval    = "5m"
	defaultSweepDelay       = "1m"
	defaultHighWaterPercent = 95
	defaultLowWaterPercent  = 90
	defaultSweepWorkers     = 2
	defaultServerAddress    = "127.0.0.1:8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
)

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Root:         defaultRoot,
		MaxSize:      defaultMaxSize,
		HashFunction: defaultHashFunction,
		Remote: Remote{
			Timeout: defaultRemoteTimeout,
		},
		ActionCache: ActionCache{
			Backend: defaultACBackend,
		},
		Sweep: Sweep{
			Interval:         defaultSweepInterval,
			StartupDelay:     defaultSweepDelay,
			HighWaterPercent: defaultHighWaterPercent,
			LowWaterPercent:  defaultLowWaterPercent,
			Workers:          defaultSweepWorkers,
		},
		Server: Server{
			Address: defaultServerAddress,
		},
		Log: Log{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
