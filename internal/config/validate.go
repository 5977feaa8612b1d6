package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate performs structural validation of a parsed config. It is used both
// at startup and as the hot-reload gate, so a bad edit never replaces a
// working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if cfg.Materializer.HorizonDays < 0 {
		return fmt.Errorf("materializer.horizon_days: must be >= 0")
	}
	if _, err := ParseDurationField("materializer.timeout", cfg.Materializer.Timeout); err != nil {
		return err
	}

	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.lead_window", n.LeadWindow},
			{"notifier.scan_every", n.ScanEvery},
			{"notifier.sink.timeout", n.Sink.Timeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		switch t := strings.ToLower(strings.TrimSpace(n.Sink.Type)); t {
		case "", "log":
		case "webhook":
			if strings.TrimSpace(n.Sink.URL) == "" {
				return fmt.Errorf("notifier.sink.url: required for webhook sink")
			}
		default:
			return fmt.Errorf("notifier.sink.type: unknown sink %q", n.Sink.Type)
		}
	}

	if cfg.HTTP.Enabled {
		for _, f := range []struct{ path, raw string }{
			{"http.read_timeout", cfg.HTTP.ReadTimeout},
			{"http.write_timeout", cfg.HTTP.WriteTimeout},
			{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if !loopbackAddr(cfg.HTTP.Addr) && strings.TrimSpace(cfg.HTTP.Token) == "" && !cfg.HTTP.AllowInsecure {
			return fmt.Errorf("http.addr: non-loopback bind requires a token or allow_insecure")
		}
	}

	return nil
}

// loopbackAddr reports whether addr binds only to a loopback interface.
// An empty addr defaults to loopback elsewhere, so it counts as safe here.
func loopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
