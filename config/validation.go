package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"eliteheat/adapters/sqlx"
	"eliteheat/core"
)

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address cannot be empty")
	}

	if s.ReadTimeout <= 0 {
		errs = append(errs, "read_timeout must be positive")
	}

	if s.WriteTimeout <= 0 {
		errs = append(errs, "write_timeout must be positive")
	}

	if s.IdleTimeout <= 0 {
		errs = append(errs, "idle_timeout must be positive")
	}

	if s.ReadHeaderTimeout <= 0 {
		errs = append(errs, "read_header_timeout must be positive")
	}

	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "shutdown_timeout must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	var errs []string

	validAdapters := []string{"memory", "redis", "sql", "file"}
	isValidAdapter := false
	for _, adapter := range validAdapters {
		if s.Adapter == adapter {
			isValidAdapter = true
			break
		}
	}

	if !isValidAdapter {
		errs = append(errs, fmt.Sprintf("adapter must be one of: %s", strings.Join(validAdapters, ", ")))
	}

	// Validate adapter-specific configs
	switch s.Adapter {
	case "file":
		if err := s.File.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("file config: %v", err))
		}
	case "redis":
		if s.Redis.Addr == "" {
			errs = append(errs, "redis config: addr cannot be empty")
		}
	case "sql":
		if s.SQL.Driver != sqlx.DriverPostgres && s.SQL.Driver != sqlx.DriverMySQL {
			errs = append(errs, fmt.Sprintf("sql config: driver must be one of: %s, %s", sqlx.DriverPostgres, sqlx.DriverMySQL))
		}
		if s.SQL.DSN == "" {
			errs = append(errs, "sql config: dsn cannot be empty")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates file storage configuration
func (f *FileConfig) Validate() error {
	if f.Path == "" {
		return errors.New("path cannot be empty")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	var errs []string

	validLevels := []string{"debug", "info", "warn", "error"}
	isValidLevel := false
	for _, level := range validLevels {
		if l.Level == level {
			isValidLevel = true
			break
		}
	}

	if !isValidLevel {
		errs = append(errs, fmt.Sprintf("level must be one of: %s", strings.Join(validLevels, ", ")))
	}

	validFormats := []string{"json", "text"}
	isValidFormat := false
	for _, format := range validFormats {
		if l.Format == format {
			isValidFormat = true
			break
		}
	}

	if !isValidFormat {
		errs = append(errs, fmt.Sprintf("format must be one of: %s", strings.Join(validFormats, ", ")))
	}

	validOutputs := []string{"stdout", "stderr"}
	isValidOutput := false
	for _, output := range validOutputs {
		if l.Output == output {
			isValidOutput = true
			break
		}
	}

	if !isValidOutput {
		errs = append(errs, fmt.Sprintf("output must be one of: %s", strings.Join(validOutputs, ", ")))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	var errs []string

	if m.Enabled {
		if m.Address == "" {
			errs = append(errs, "address cannot be empty when metrics are enabled")
		}

		if m.Path == "" {
			errs = append(errs, "path cannot be empty when metrics are enabled")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Validate validates the rank table selection. The table itself is checked
// when it is loaded.
func (r *RanksConfig) Validate() error {
	var errs []string
	if r.File == "" {
		switch r.Table {
		case core.TableAdmin, core.TableStaff:
		default:
			errs = append(errs, fmt.Sprintf("table must be one of: %s, %s (or set file)", core.TableAdmin, core.TableStaff))
		}
	}
	if r.FlagThreshold < 0 {
		errs = append(errs, "flag_threshold cannot be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects empty ids and identifiers claimed by two subjects.
func (d *DirectoryConfig) Validate() error {
	var errs []string
	owner := map[string]string{}
	claim := func(ident, id string) {
		k := strings.ToLower(strings.TrimSpace(ident))
		if prev, ok := owner[k]; ok && prev != id {
			errs = append(errs, fmt.Sprintf("identifier %q maps to both %q and %q", ident, prev, id))
			return
		}
		owner[k] = id
	}
	for i, s := range d.Subjects {
		id := strings.ToLower(strings.TrimSpace(s.ID))
		if id == "" {
			errs = append(errs, fmt.Sprintf("subjects[%d].id cannot be empty", i))
			continue
		}
		claim(id, id)
		for _, ident := range s.Identifiers {
			if strings.TrimSpace(ident) == "" {
				errs = append(errs, fmt.Sprintf("subjects[%d] has an empty identifier", i))
				continue
			}
			claim(ident, id)
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates event dispatch settings.
func (e *EventsConfig) Validate() error {
	var errs []string
	if e.Dispatch != "async" && e.Dispatch != "sync" {
		errs = append(errs, "dispatch must be one of: async, sync")
	}
	if e.StreamBuffer <= 0 {
		errs = append(errs, "stream_buffer must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates webhook endpoints and event names.
func (w *WebhookConfig) Validate() error {
	var errs []string
	for i, ep := range w.Endpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d] must be an http(s) URL", i))
		}
	}
	known := map[core.EventType]bool{
		core.EventPointsAccrued: true,
		core.EventRankAssigned:  true,
		core.EventRankUp:        true,
		core.EventRankDown:      true,
		core.EventGrantFlagged:  true,
	}
	for _, ev := range w.Events {
		if !known[core.EventType(ev)] {
			errs = append(errs, fmt.Sprintf("unknown event type %q", ev))
		}
	}
	if len(w.Endpoints) > 0 && w.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Validate validates Kafka settings when the consumer is enabled.
func (k *KafkaConfig) Validate() error {
	if !k.Enabled {
		return nil
	}
	var errs []string
	if len(k.Brokers) == 0 {
		errs = append(errs, "brokers cannot be empty when kafka is enabled")
	}
	if k.Topic == "" {
		errs = append(errs, "topic cannot be empty when kafka is enabled")
	}
	if k.GroupID == "" {
		errs = append(errs, "group_id cannot be empty when kafka is enabled")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
