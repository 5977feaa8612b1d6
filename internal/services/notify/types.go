package notify

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the notification pipeline.
type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// LeadWindow is how far ahead of its scheduled date an entry becomes due
	// for notification. Default 24h.
	LeadWindow time.Duration

	// ScanEvery is the interval between due-entry scans. Default 15m.
	ScanEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.LeadWindow <= 0 {
		c.LeadWindow = 24 * time.Hour
	}
	if c.ScanEvery <= 0 {
		c.ScanEvery = 15 * time.Minute
	}
	return c
}

// Notification is the payload handed to a Sink: everything a downstream
// channel needs to tell an auditor their audit is coming up.
type Notification struct {
	EntryID       string    `json:"entry_id"`
	RuleID        string    `json:"rule_id"`
	StoreID       string    `json:"store_id"`
	StoreName     string    `json:"store_name,omitempty"`
	ChecklistID   string    `json:"checklist_id"`
	AuditorEmail  string    `json:"auditor_email,omitempty"`
	ScheduledOn   time.Time `json:"scheduled_on"`
	PreferredTime string    `json:"preferred_time,omitempty"`
}

// Event mirrors notification lifecycle steps on the bus
// ("notify.queued", "notify.sent", "notify.failed").
type Event struct {
	EntryID string
	StoreID string
	At      time.Time
	Error   string
}

// HistoryItem is one processed notification, kept in a bounded in-memory ring
// for the status endpoint.
type HistoryItem struct {
	At      time.Time
	EntryID string
	StoreID string
	Error   string
}
