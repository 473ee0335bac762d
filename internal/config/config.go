// Package config handles configuration loading using viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultSentinel is the destination address that marks traffic for
// redirection unless configured otherwise.
var DefaultSentinel = netip.AddrFrom4([4]byte{1, 1, 1, 1})

// Config is the top-level configuration. Maps to the `tun-sidecar:` root key
// in YAML.
type Config struct {
	// Interfaces are the physical interfaces whose egress path is classified.
	Interfaces  []string          `mapstructure:"interfaces" yaml:"interfaces"`
	Tunnel      TunnelConfig      `mapstructure:"tunnel" yaml:"tunnel"`
	Bypass      BypassConfig      `mapstructure:"bypass" yaml:"bypass"`
	Redirect    RedirectConfig    `mapstructure:"redirect" yaml:"redirect"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// TunnelConfig names the redirect destination.
type TunnelConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
}

// BypassConfig lists the packet marks and process ids exempt from
// redirection.
type BypassConfig struct {
	Marks    []uint32 `mapstructure:"marks" yaml:"marks"`
	Pids     []uint32 `mapstructure:"pids" yaml:"pids"`
	Capacity int      `mapstructure:"capacity" yaml:"capacity"` // entries per bypass table
}

// RedirectConfig holds the redirect predicate.
type RedirectConfig struct {
	Sentinel netip.Addr `mapstructure:"sentinel" yaml:"sentinel"`
}

// DiagnosticsConfig controls the per-match diagnostic records.
type DiagnosticsConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	RingBytes   int           `mapstructure:"ring_bytes" yaml:"ring_bytes"`     // kernel ring buffer, power of two
	QueueLength int           `mapstructure:"queue_length" yaml:"queue_length"` // records buffered before logging
	LogInterval time.Duration `mapstructure:"log_interval" yaml:"log_interval"` // 0 logs every record
	Kafka       KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig configures publishing diagnostic records to Kafka.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none / gzip / snappy / lz4
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // trace / debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Pattern string           `mapstructure:"pattern" yaml:"pattern"`
	Time    string           `mapstructure:"time" yaml:"time"`
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// Option adjusts the configuration after the file and environment have been
// applied and before validation. Command-line flags use it.
type Option func(*Config)

// configRoot is the top-level wrapper matching the YAML structure `tun-sidecar: ...`.
type configRoot struct {
	Sidecar Config `mapstructure:"tun-sidecar"`
}

const rootKey = "tun-sidecar"

// Load loads configuration from path, or from defaults and the environment
// only when path is empty. Env vars use the TUN_SIDECAR_ prefix
// (e.g. TUN_SIDECAR_TUNNEL_NAME).
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	hook := mapstructure.ComposeDecodeHookFunc(
		stringToUint32SliceHookFunc(","),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := v.Unmarshal(&root, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Sidecar

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// stringToUint32SliceHookFunc decodes a sep-separated string, as found in
// environment variables, into a []uint32. Elements may be hex (0xff).
func stringToUint32SliceHookFunc(sep string) mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf([]uint32(nil))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []uint32{}, nil
		}
		return ParseUint32List(strings.Split(raw, sep))
	}
}

// setDefaults sets default values for configuration.
// All keys use the "tun-sidecar." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	d := func(key string, value any) { v.SetDefault(rootKey+"."+key, value) }

	d("interfaces", []string{})
	d("tunnel.name", "")
	d("bypass.marks", []uint32{})
	d("bypass.pids", []uint32{})
	d("bypass.capacity", 128)
	d("redirect.sentinel", DefaultSentinel.String())

	d("diagnostics.enabled", true)
	d("diagnostics.ring_bytes", 1<<16)
	d("diagnostics.queue_length", 1024)
	d("diagnostics.log_interval", "10s")
	d("diagnostics.kafka.enabled", false)
	d("diagnostics.kafka.brokers", []string{})
	d("diagnostics.kafka.topic", "tun-sidecar-diagnostics")
	d("diagnostics.kafka.batch_size", 100)
	d("diagnostics.kafka.batch_timeout", "1s")
	d("diagnostics.kafka.compression", "snappy")

	d("metrics.enabled", false)
	d("metrics.listen", ":9091")
	d("metrics.path", "/metrics")

	d("log.level", "info")
	d("log.format", "text")
	d("log.pattern", "%time [%level] %caller: %msg %field\n")
	d("log.time", "2006-01-02 15:04:05")
	d("log.outputs.file.enabled", false)
	d("log.outputs.file.path", "/var/log/tun-sidecar/tun-sidecar.log")
	d("log.outputs.file.rotation.max_size_mb", 100)
	d("log.outputs.file.rotation.max_age_days", 30)
	d("log.outputs.file.rotation.max_backups", 5)
	d("log.outputs.file.rotation.compress", true)
	d("log.outputs.loki.enabled", false)
	d("log.outputs.loki.batch_size", 100)
	d("log.outputs.loki.batch_timeout", "5s")
}

// ValidateAndApplyDefaults validates configuration and normalizes lists.
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	cfg.Interfaces = lo.Uniq(lo.Compact(lo.Map(cfg.Interfaces, func(s string, _ int) string {
		return strings.TrimSpace(s)
	})))
	if len(cfg.Interfaces) == 0 {
		return errors.New("at least one interface is required")
	}
	if cfg.Tunnel.Name == "" {
		return errors.New("tunnel.name is required")
	}
	if lo.Contains(cfg.Interfaces, cfg.Tunnel.Name) {
		return fmt.Errorf("tunnel %s is also listed as a classified interface", cfg.Tunnel.Name)
	}

	if !cfg.Redirect.Sentinel.IsValid() {
		cfg.Redirect.Sentinel = DefaultSentinel
	}
	cfg.Redirect.Sentinel = cfg.Redirect.Sentinel.Unmap()
	if !cfg.Redirect.Sentinel.Is4() {
		return fmt.Errorf("redirect.sentinel must be an IPv4 address, got %s", cfg.Redirect.Sentinel)
	}

	if cfg.Bypass.Capacity <= 0 {
		return fmt.Errorf("bypass.capacity must be positive, got %d", cfg.Bypass.Capacity)
	}
	cfg.Bypass.Marks = lo.Uniq(cfg.Bypass.Marks)
	cfg.Bypass.Pids = lo.Uniq(cfg.Bypass.Pids)
	if n := len(cfg.Bypass.Marks); n > cfg.Bypass.Capacity {
		return fmt.Errorf("%d bypass marks exceed bypass.capacity %d", n, cfg.Bypass.Capacity)
	}
	if n := len(cfg.Bypass.Pids); n > cfg.Bypass.Capacity {
		return fmt.Errorf("%d bypass pids exceed bypass.capacity %d", n, cfg.Bypass.Capacity)
	}
	if lo.Contains(cfg.Bypass.Pids, 0) {
		return errors.New("bypass.pids must not contain 0")
	}

	if cfg.Diagnostics.Enabled {
		rb := cfg.Diagnostics.RingBytes
		if rb < 4096 || rb&(rb-1) != 0 {
			return fmt.Errorf("diagnostics.ring_bytes must be a power of two >= 4096, got %d", rb)
		}
		if cfg.Diagnostics.QueueLength <= 0 {
			return fmt.Errorf("diagnostics.queue_length must be positive, got %d", cfg.Diagnostics.QueueLength)
		}
		if cfg.Diagnostics.LogInterval < 0 {
			return fmt.Errorf("diagnostics.log_interval must not be negative, got %s", cfg.Diagnostics.LogInterval)
		}
		if err := cfg.Diagnostics.Kafka.validate(); err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics.enabled=true")
	}

	return nil
}

func (k *KafkaConfig) validate() error {
	if !k.Enabled {
		return nil
	}
	k.Brokers = lo.Compact(k.Brokers)
	if len(k.Brokers) == 0 {
		return errors.New("diagnostics.kafka.brokers is required when kafka is enabled")
	}
	if k.Topic == "" {
		return errors.New("diagnostics.kafka.topic is required when kafka is enabled")
	}
	if !lo.Contains([]string{"", "none", "gzip", "snappy", "lz4"}, k.Compression) {
		return fmt.Errorf("invalid diagnostics.kafka.compression: %s (must be none/gzip/snappy/lz4)", k.Compression)
	}
	return nil
}

// Dump renders cfg as YAML under the root key.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(map[string]*Config{rootKey: cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// ParseUint32List parses decimal or 0x-prefixed values such as packet marks.
func ParseUint32List(values []string) ([]uint32, error) {
	out := make([]uint32, 0, len(values))
	for _, s := range values {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", s, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

// WithInterfaces replaces the classified interfaces.
func WithInterfaces(ifaces []string) Option {
	return func(c *Config) { c.Interfaces = ifaces }
}

// WithTunnel replaces the tunnel interface name.
func WithTunnel(name string) Option {
	return func(c *Config) { c.Tunnel.Name = name }
}

// WithBypassMarks replaces the bypass marks.
func WithBypassMarks(marks []uint32) Option {
	return func(c *Config) { c.Bypass.Marks = marks }
}

// WithBypassPids replaces the bypass process ids.
func WithBypassPids(pids []uint32) Option {
	return func(c *Config) { c.Bypass.Pids = pids }
}

// WithSentinel replaces the redirect sentinel address.
func WithSentinel(addr netip.Addr) Option {
	return func(c *Config) { c.Redirect.Sentinel = addr }
}
