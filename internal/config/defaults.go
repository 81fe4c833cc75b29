package config

// ApplyDefaults fills zero values with production defaults. Called by Load
// before Validate; exported so tests can build configs by hand.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "boardbuilder.db"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.IdlePollInterval == "" {
		c.Queue.IdlePollInterval = "5s"
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BackoffBase == "" {
		c.Queue.BackoffBase = "1s"
	}
	if c.Queue.BackoffCap == "" {
		c.Queue.BackoffCap = "30s"
	}
	if c.Queue.MaxAttemptDuration == "" {
		c.Queue.MaxAttemptDuration = "20m"
	}
	if c.Queue.SweepInterval == "" {
		c.Queue.SweepInterval = "60s"
	}
	if c.Build.MaxArchiveBytes <= 0 {
		c.Build.MaxArchiveBytes = 100 * 1024 * 1024
	}
	if len(c.Build.CompilerCommand) == 0 {
		c.Build.CompilerCommand = []string{"tsci-eval"}
	}
	if c.Build.CompileTimeout == "" {
		c.Build.CompileTimeout = "120s"
	}
	if c.Build.FetchStrategy == "" {
		c.Build.FetchStrategy = "archive"
	}
	if c.Provider.APIURL == "" {
		c.Provider.APIURL = "https://api.github.com"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://github.com"
	}
	if c.Events.NATSURL == "" {
		c.Events.NATSURL = "nats://127.0.0.1:4222"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "boardbuilder"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
