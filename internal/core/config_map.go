package core

import (
	"time"

	"auditsched/internal/config"
	"auditsched/internal/services/httpapi"
	"auditsched/internal/services/materializer"
	"auditsched/internal/services/notify"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
)

// Mapping from the file-level config (strings, omitted fields) onto each
// service's runtime config. Duration strings were already validated by
// config.Validate; parse errors here still surface rather than default.

func storageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func materializerConfig(cfg *config.Config) (materializer.Config, error) {
	timeout, err := config.ParseDurationField("materializer.timeout", cfg.Materializer.Timeout)
	if err != nil {
		return materializer.Config{}, err
	}
	enabled := true
	if cfg.Materializer.Enabled != nil {
		enabled = *cfg.Materializer.Enabled
	}
	return materializer.Config{
		Enabled:     enabled,
		Schedule:    cfg.Materializer.Schedule,
		HorizonDays: cfg.Materializer.HorizonDays,
		Timeout:     timeout,
	}, nil
}

func notifierConfig(cfg *config.Config) (notify.Config, config.SinkConfig, error) {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, config.SinkConfig{}, nil
	}
	out := notify.Config{
		Enabled:    n.Enabled,
		Workers:    n.Workers,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
	}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", n.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.lead_window", n.LeadWindow, &out.LeadWindow},
		{"notifier.scan_every", n.ScanEvery, &out.ScanEvery},
	} {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return notify.Config{}, config.SinkConfig{}, err
		}
	}
	return out, n.Sink, nil
}

func buildSink(sc config.SinkConfig, log logx.Logger) notify.Sink {
	if sc.Type == "webhook" {
		timeout, _ := config.ParseDurationField("notifier.sink.timeout", sc.Timeout)
		return notify.NewWebhookSink(sc.URL, timeout)
	}
	return notify.LogSink{Log: log}
}

func httpConfig(cfg *config.Config) (httpapi.Config, error) {
	out := httpapi.Config{
		Enabled:       cfg.HTTP.Enabled,
		Addr:          cfg.HTTP.Addr,
		Token:         cfg.HTTP.Token,
		AllowInsecure: cfg.HTTP.AllowInsecure,
	}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"http.read_timeout", cfg.HTTP.ReadTimeout, &out.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout, &out.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout, &out.IdleTimeout},
	} {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return httpapi.Config{}, err
		}
	}
	return out, nil
}
