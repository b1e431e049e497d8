package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is where wafleetd looks for its config when --config is not given.
const DefaultPath = "/etc/wafleet/config.toml"

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Config is the wafleetd configuration file.
type Config struct {
	InstanceID string `toml:"instance_id"`
	Build      string `toml:"build"`

	Store      StoreConfig      `toml:"store"`
	HTTP       HTTPConfig       `toml:"http"`
	GRPC       GRPCConfig       `toml:"grpc"`
	Log        LogConfig        `toml:"log"`
	Lease      LeaseConfig      `toml:"lease"`
	Reconnect  ReconnectConfig  `toml:"reconnect"`
	Outbox     OutboxConfig     `toml:"outbox"`
	RecentSync RecentSyncConfig `toml:"recent_sync"`
	Incident   IncidentConfig   `toml:"incident"`
	Notify     NotifyConfig     `toml:"notify"`

	Accounts []AccountConfig `toml:"accounts"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // sqlite3 or postgres
	DSN    string `toml:"dsn"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type GRPCConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Path  string `toml:"path"`
	Level string `toml:"level"`
}

type LeaseConfig struct {
	TTL           Duration `toml:"ttl"`
	RenewInterval Duration `toml:"renew_interval"`
}

type ReconnectConfig struct {
	Base            Duration `toml:"base"`
	Max             Duration `toml:"max"`
	Jitter          Duration `toml:"jitter"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	QRTimeout       Duration `toml:"qr_timeout"`
	Tick            Duration `toml:"tick"`
	UnknownRetryCap int      `toml:"unknown_retry_cap"`
}

type OutboxConfig struct {
	PollInterval  Duration `toml:"poll_interval"`
	BatchSize     int      `toml:"batch_size"`
	ClaimTTL      Duration `toml:"claim_ttl"`
	MaxAttempts   int      `toml:"max_attempts"`
	BackoffBase   Duration `toml:"backoff_base"`
	BackoffMax    Duration `toml:"backoff_max"`
	BackoffJitter Duration `toml:"backoff_jitter"`
}

type RecentSyncConfig struct {
	Enabled           bool     `toml:"enabled"`
	Interval          Duration `toml:"interval"`
	LeaseTTL          Duration `toml:"lease_ttl"`
	MaxThreads        int      `toml:"max_threads"`
	MessagesPerThread int      `toml:"messages_per_thread"`
	MaxConcurrency    int      `toml:"max_concurrency"`
	FetchTimeout      Duration `toml:"fetch_timeout"`
}

type IncidentConfig struct {
	HeartbeatInterval      Duration `toml:"heartbeat_interval"`
	CheckInterval          Duration `toml:"check_interval"`
	StuckDisconnectAfter   Duration `toml:"stuck_disconnect_after"`
	ReconnectLoopThreshold int      `toml:"reconnect_loop_threshold"`
}

type NotifyConfig struct {
	Driver   string   `toml:"driver"` // none, amqp or kafka
	URL      string   `toml:"url"`
	Exchange string   `toml:"exchange"`
	Brokers  []string `toml:"brokers"`
}

// AccountConfig provisions an account on startup. The account id is derived
// from namespace and phone, never configured directly.
type AccountConfig struct {
	Namespace string `toml:"namespace"`
	Phone     string `toml:"phone"`
}

var namespaceRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateNamespace checks that name can be used as an account namespace.
func ValidateNamespace(name string) error {
	if !namespaceRegexp.MatchString(name) {
		return fmt.Errorf("invalid namespace %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Default returns a config with every tunable set.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		InstanceID: host,
		Build:      "dev",
		Store:      StoreConfig{Driver: "sqlite3", DSN: "/var/lib/wafleet/wafleet.db"},
		HTTP:       HTTPConfig{Addr: "127.0.0.1:8470"},
		GRPC:       GRPCConfig{Addr: "127.0.0.1:8471"},
		Log:        LogConfig{Path: "/var/log/wafleet/wafleetd.log", Level: "info"},
		Lease:      LeaseConfig{TTL: dur(90 * time.Second), RenewInterval: dur(30 * time.Second)},
		Reconnect: ReconnectConfig{
			Base:            dur(time.Second),
			Max:             dur(60 * time.Second),
			Jitter:          dur(250 * time.Millisecond),
			ConnectTimeout:  dur(60 * time.Second),
			QRTimeout:       dur(2 * time.Minute),
			Tick:            dur(time.Second),
			UnknownRetryCap: 5,
		},
		Outbox: OutboxConfig{
			PollInterval:  dur(500 * time.Millisecond),
			BatchSize:     50,
			ClaimTTL:      dur(60 * time.Second),
			MaxAttempts:   5,
			BackoffBase:   dur(time.Second),
			BackoffMax:    dur(60 * time.Second),
			BackoffJitter: dur(0),
		},
		RecentSync: RecentSyncConfig{
			Enabled:           true,
			Interval:          dur(2 * time.Minute),
			LeaseTTL:          dur(5 * time.Minute),
			MaxThreads:        30,
			MessagesPerThread: 20,
			MaxConcurrency:    1,
			FetchTimeout:      dur(30 * time.Second),
		},
		Incident: IncidentConfig{
			HeartbeatInterval:      dur(60 * time.Second),
			CheckInterval:          dur(60 * time.Second),
			StuckDisconnectAfter:   dur(10 * time.Minute),
			ReconnectLoopThreshold: 10,
		},
		Notify: NotifyConfig{Driver: "none", Exchange: "wafleet.events"},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects configs the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance_id is empty"))
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is empty"))
	}
	switch c.Notify.Driver {
	case "", "none", "amqp", "kafka":
	default:
		errs = append(errs, fmt.Errorf("unknown notify driver %q", c.Notify.Driver))
	}

	positive := map[string]Duration{
		"lease.ttl":                       c.Lease.TTL,
		"lease.renew_interval":            c.Lease.RenewInterval,
		"reconnect.base":                  c.Reconnect.Base,
		"reconnect.max":                   c.Reconnect.Max,
		"reconnect.connect_timeout":       c.Reconnect.ConnectTimeout,
		"reconnect.qr_timeout":            c.Reconnect.QRTimeout,
		"reconnect.tick":                  c.Reconnect.Tick,
		"outbox.poll_interval":            c.Outbox.PollInterval,
		"outbox.claim_ttl":                c.Outbox.ClaimTTL,
		"outbox.backoff_base":             c.Outbox.BackoffBase,
		"outbox.backoff_max":              c.Outbox.BackoffMax,
		"recent_sync.interval":            c.RecentSync.Interval,
		"recent_sync.lease_ttl":           c.RecentSync.LeaseTTL,
		"recent_sync.fetch_timeout":       c.RecentSync.FetchTimeout,
		"incident.heartbeat_interval":     c.Incident.HeartbeatInterval,
		"incident.check_interval":         c.Incident.CheckInterval,
		"incident.stuck_disconnect_after": c.Incident.StuckDisconnectAfter,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Lease.RenewInterval.Duration >= c.Lease.TTL.Duration {
		errs = append(errs, errors.New("lease.renew_interval must be shorter than lease.ttl"))
	}
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox.max_attempts must be at least 1"))
	}
	if c.Outbox.BatchSize < 1 {
		errs = append(errs, errors.New("outbox.batch_size must be at least 1"))
	}
	if c.RecentSync.MaxConcurrency < 1 {
		errs = append(errs, errors.New("recent_sync.max_concurrency must be at least 1"))
	}
	for i, a := range c.Accounts {
		if a.Namespace == "" || a.Phone == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: namespace and phone are required", i))
			continue
		}
		if err := ValidateNamespace(a.Namespace); err != nil {
			errs = append(errs, fmt.Errorf("accounts[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
