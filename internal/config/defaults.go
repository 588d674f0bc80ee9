package config

const (
	defaultBaseDir          = "~/courier"
	defaultBatchSize        = 5
	defaultPollingInterval  = 10
	defaultChunkThresholdMB = 25
	defaultMaxRetries       = 3
	defaultWakeupAttempts   = 30
	defaultWakeupInterval   = 5
	defaultLockStaleMinutes = 30
	defaultWatchDebounce    = 2
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			BaseDir: defaultBaseDir,
		},
		Upload: Upload{
			BatchSize:        defaultBatchSize,
			PollingInterval:  defaultPollingInterval,
			ChunkThresholdMB: defaultChunkThresholdMB,
			MaxRetries:       defaultMaxRetries,
			WakeupAttempts:   defaultWakeupAttempts,
			WakeupInterval:   defaultWakeupInterval,
			LockStaleMinutes: defaultLockStaleMinutes,
		},
		Watch: Watch{
			DebounceSeconds: defaultWatchDebounce,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
