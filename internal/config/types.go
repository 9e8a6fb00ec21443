package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the top-level application configuration.
//
// All durations are Go duration strings (e.g. "30s", "2m"). Secrets may be
// left empty in the file and supplied through the environment instead
// (GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, SMTP_USER, SMTP_PASS).
type Config struct {
	Listen  string        `json:"listen"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Google  GoogleConfig  `json:"google"`
	Sync    SyncConfig    `json:"sync"`
	SMTP    SMTPConfig    `json:"smtp"`
	Notify  NotifyConfig  `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    string `json:"file,omitempty"`
}

type StorageConfig struct {
	// Path is the sqlite database file.
	Path string `json:"path"`
	// BusyTimeout is passed to sqlite's busy_timeout pragma.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type GoogleConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

// SyncConfig controls the global sync job.
type SyncConfig struct {
	// Schedule is a 5-field cron expression for the global sync job.
	Schedule string `json:"schedule,omitempty"`
	// UserTimeout bounds one user's sync pass so a hung upstream call
	// cannot starve the remaining users.
	UserTimeout string `json:"user_timeout,omitempty"`
	// WindowMonths is the forward fetch window.
	WindowMonths int `json:"window_months,omitempty"`
	// PageSize caps one fetch request.
	PageSize int64 `json:"page_size,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
}

type NotifyConfig struct {
	// RatePerSec throttles outgoing digests across all users.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

const (
	defaultListen       = ":8080"
	defaultSyncSchedule = "0 * * * *"
	defaultUserTimeout  = 2 * time.Minute
	defaultWindowMonths = 3
	defaultPageSize     = 250
	defaultSMTPPort     = 587
	defaultRatePerSec   = 1
)

// ApplyDefaults fills zero fields and overlays secrets from the environment.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaultListen
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/mrse.db"
	}
	if strings.TrimSpace(c.Sync.Schedule) == "" {
		c.Sync.Schedule = defaultSyncSchedule
	}
	if c.Sync.WindowMonths <= 0 {
		c.Sync.WindowMonths = defaultWindowMonths
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = defaultPageSize
	}
	if c.SMTP.Port <= 0 {
		c.SMTP.Port = defaultSMTPPort
	}
	if c.Notify.RatePerSec <= 0 {
		c.Notify.RatePerSec = defaultRatePerSec
	}

	overlayEnv(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	overlayEnv(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	overlayEnv(&c.Google.RedirectURL, "GOOGLE_REDIRECT_URI")
	overlayEnv(&c.SMTP.Host, "SMTP_HOST")
	overlayEnv(&c.SMTP.Username, "SMTP_USER")
	overlayEnv(&c.SMTP.Password, "SMTP_PASS")
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}
}

func overlayEnv(dst *string, key string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = os.Getenv(key)
	}
}

// Validate rejects configs the services cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField(c.Sync.UserTimeout); err != nil {
		return fmt.Errorf("sync.user_timeout: %w", err)
	}
	if _, err := ParseDurationField(c.Storage.BusyTimeout); err != nil {
		return fmt.Errorf("storage.busy_timeout: %w", err)
	}
	return nil
}

// UserTimeout returns the per-user sync timeout, defaulted when unset.
func (c *Config) UserTimeout() time.Duration {
	d, err := ParseDurationField(c.Sync.UserTimeout)
	if err != nil || d <= 0 {
		return defaultUserTimeout
	}
	return d
}

// BusyTimeout returns the sqlite busy timeout, zero when unset.
func (c *Config) BusyTimeout() time.Duration {
	d, err := ParseDurationField(c.Storage.BusyTimeout)
	if err != nil {
		return 0
	}
	return d
}

// ParseDurationField parses an optional Go duration string; empty is zero.
func ParseDurationField(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}
