package app

// Config holds the command line settings for one run of the gateway.
type Config struct {
	// Debug forces debug logging regardless of the configured level.
	Debug bool

	// ConfigPath is the directory holding config.yaml. It is watched for
	// changes while the gateway runs.
	ConfigPath string

	// ListenAddr overrides listenAddr from the configuration when set.
	ListenAddr string
}

// NewConfig creates a new application configuration
func NewConfig(debug bool, configPath, listenAddr string) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
		ListenAddr: listenAddr,
	}
}
