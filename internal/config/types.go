package config

// Config is the full auditsched configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1h").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the rule/schedule persistence backend.
	Storage StorageConfig `json:"storage"`

	// Materializer controls the periodic expansion sweep that turns
	// recurrence rules into concrete schedule entries.
	Materializer MaterializerConfig `json:"materializer"`

	// Notifier controls the audit-due notification pipeline. If the whole
	// section is omitted it defaults to disabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// HTTP controls the management API server.
	HTTP HTTPConfig `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls persistence.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, lost on restart (tests, dry runs)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MaterializerConfig controls the expansion sweep.
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "@every 1h"
//   - horizon_days: 90
//   - timeout: "1m"
type MaterializerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Schedule accepts a cron expression ("0 * * * *", "@hourly") or an
	// interval ("@every 30m").
	Schedule string `json:"schedule,omitempty"`

	// HorizonDays bounds how far forward a single sweep materializes dates,
	// independent of each rule's own end date.
	HorizonDays int `json:"horizon_days,omitempty"`

	Timeout string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async audit-due notification pipeline.
type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	QueueSize  int  `json:"queue_size,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// LeadWindow is how far ahead of the scheduled date an entry becomes due
	// for notification.
	LeadWindow string `json:"lead_window,omitempty"`

	// ScanEvery is the interval between due-entry scans.
	ScanEvery string `json:"scan_every,omitempty"`

	Sink SinkConfig `json:"sink"`
}

// SinkConfig selects the notification delivery backend.
//
// Type values:
//   - "log": write notifications to the service log (default)
//   - "webhook": POST JSON to URL
type SinkConfig struct {
	Type    string `json:"type,omitempty"`
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// HTTPConfig controls the management API server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8657").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8657"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
