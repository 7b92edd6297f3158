// Package config provides configuration management for nvrcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultMaxStreams       = 16
	defaultSegmentDuration  = 900 * time.Second
	defaultMinSegmentLength = 2 * time.Second
	defaultReadTimeout      = 5 * time.Second
	defaultReconnectBase    = 500 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second
	defaultReconnectCap     = 1000
	defaultKeyframeWait     = 5 * time.Second
	defaultWarmupPackets    = 5
	defaultResetInterval    = 1000

	defaultAnalyzeDuration = 10 * time.Second
	defaultProbeSize       = 10 * 1024 * 1024
	defaultUDPBufferSize   = 16 * 1024 * 1024
	defaultUDPTimeout      = 10 * time.Second
	defaultONVIFTimeout    = 15 * time.Second
	defaultTCPTimeout      = 5 * time.Second
	defaultProbeTimeout    = 1 * time.Second
	defaultDimensionProbe  = 60 * time.Second

	defaultHLSWindowSize = 6
)

// Config holds all configuration for the nvrcore daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	RTSP     RTSPConfig     `mapstructure:"rtsp"`
	HLS      HLSConfig      `mapstructure:"hls"`
	Streams  []StreamConfig `mapstructure:"streams"`
}

// ServerConfig holds the status HTTP API configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds event-sink database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"`
}

// StorageConfig holds file storage layout configuration.
type StorageConfig struct {
	BaseDir          string `mapstructure:"base_dir"`
	MP4Dir           string `mapstructure:"mp4_dir"`            // overrides <base>/mp4 when set
	HLSDir           string `mapstructure:"hls_dir"`             // overrides <base>/hls when set
	TempDir          string `mapstructure:"temp_dir"`
	RecordMP4Directly bool  `mapstructure:"record_mp4_directly"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// RTSPConfig holds RTSP Ingest demuxer-option defaults.
type RTSPConfig struct {
	AnalyzeDuration time.Duration `mapstructure:"analyze_duration"`
	ProbeSize       ByteSize      `mapstructure:"probe_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`

	TCPTimeout time.Duration `mapstructure:"tcp_timeout"`

	UDPBufferSize   ByteSize      `mapstructure:"udp_buffer_size"`
	UDPTimeout      time.Duration `mapstructure:"udp_timeout"`
	UDPMaxInterPkt  time.Duration `mapstructure:"udp_max_inter_packet_delay"`
	UDPPacketSize   int           `mapstructure:"udp_packet_size"`
	MulticastTTL    int           `mapstructure:"multicast_ttl"`

	ONVIFTimeout time.Duration `mapstructure:"onvif_timeout"`

	ProbeTimeout          time.Duration `mapstructure:"probe_timeout"`
	DimensionProbeTimeout time.Duration `mapstructure:"dimension_probe_timeout"`
	WarmupPackets         int           `mapstructure:"warmup_packets"`
	DemuxerResetInterval  int           `mapstructure:"demuxer_reset_interval"`

	ReconnectBackoffBase time.Duration `mapstructure:"reconnect_backoff_base"`
	ReconnectBackoffMax  time.Duration `mapstructure:"reconnect_backoff_max"`
	ReconnectAttemptCap  int           `mapstructure:"reconnect_attempt_cap"`
}

// HLSConfig holds HLS Muxer defaults.
type HLSConfig struct {
	Variant        string        `mapstructure:"variant"` // "ts" or "fmp4"
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	WindowSize     int           `mapstructure:"window_size"`
}

// StreamConfig is one configured camera source.
type StreamConfig struct {
	Name            string        `mapstructure:"name"`
	URL             string        `mapstructure:"url"`
	Transport       string        `mapstructure:"transport"` // TCP or UDP
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	HasAudio        bool          `mapstructure:"has_audio"`
	Trigger         string        `mapstructure:"trigger"` // scheduled, motion, event
	Timezone        string        `mapstructure:"timezone"`
	ONVIF           bool          `mapstructure:"onvif"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/nvrcore")
	}

	v.SetEnvPrefix("NVRCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "nvrcore.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.mp4_dir", "")
	v.SetDefault("storage.hls_dir", "")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.record_mp4_directly", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("rtsp.analyze_duration", defaultAnalyzeDuration)
	v.SetDefault("rtsp.probe_size", int64(defaultProbeSize))
	v.SetDefault("rtsp.read_timeout", defaultReadTimeout)
	v.SetDefault("rtsp.reconnect_delay", defaultReadTimeout)
	v.SetDefault("rtsp.tcp_timeout", defaultTCPTimeout)
	v.SetDefault("rtsp.udp_buffer_size", int64(defaultUDPBufferSize))
	v.SetDefault("rtsp.udp_timeout", defaultUDPTimeout)
	v.SetDefault("rtsp.udp_max_inter_packet_delay", 2*time.Second)
	v.SetDefault("rtsp.udp_packet_size", 1316)
	v.SetDefault("rtsp.multicast_ttl", 32)
	v.SetDefault("rtsp.onvif_timeout", defaultONVIFTimeout)
	v.SetDefault("rtsp.probe_timeout", defaultProbeTimeout)
	v.SetDefault("rtsp.dimension_probe_timeout", defaultDimensionProbe)
	v.SetDefault("rtsp.warmup_packets", defaultWarmupPackets)
	v.SetDefault("rtsp.demuxer_reset_interval", defaultResetInterval)
	v.SetDefault("rtsp.reconnect_backoff_base", defaultReconnectBase)
	v.SetDefault("rtsp.reconnect_backoff_max", defaultReconnectMax)
	v.SetDefault("rtsp.reconnect_attempt_cap", defaultReconnectCap)

	v.SetDefault("hls.variant", "fmp4")
	v.SetDefault("hls.segment_duration", 6*time.Second)
	v.SetDefault("hls.window_size", defaultHLSWindowSize)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if len(c.Streams) > defaultMaxStreams {
		return fmt.Errorf("at most %d streams are supported, got %d", defaultMaxStreams, len(c.Streams))
	}

	seen := make(map[string]bool, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		if len(s.Name) > 63 {
			return fmt.Errorf("streams[%d].name exceeds 63 bytes", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("streams[%d].url is required", i)
		}
		if s.SegmentDuration == 0 {
			s.SegmentDuration = defaultSegmentDuration
		}
		if s.SegmentDuration < defaultMinSegmentLength {
			return fmt.Errorf("streams[%d].segment_duration must be at least %s", i, defaultMinSegmentLength)
		}
		if s.Transport == "" {
			s.Transport = "TCP"
		}
		if s.Trigger == "" {
			s.Trigger = "scheduled"
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MP4Path returns the base directory for MP4 recordings (mp4_storage_path).
func (c *StorageConfig) MP4Path() string {
	if c.MP4Dir != "" {
		return c.MP4Dir
	}
	return fmt.Sprintf("%s/mp4", c.BaseDir)
}

// HLSPath returns the base directory for HLS playlists (storage_path_hls).
func (c *StorageConfig) HLSPath() string {
	if c.HLSDir != "" {
		return c.HLSDir
	}
	return fmt.Sprintf("%s/hls", c.BaseDir)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TempDir)
}
