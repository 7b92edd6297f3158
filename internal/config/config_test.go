package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "nvrcore.db", cfg.Database.DSN)

	assert.Equal(t, "./data", cfg.Storage.BaseDir)
	assert.Equal(t, "./data/mp4", cfg.Storage.MP4Path())
	assert.Equal(t, "./data/hls", cfg.Storage.HLSPath())
	assert.True(t, cfg.Storage.RecordMP4Directly)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 10*time.Second, cfg.RTSP.AnalyzeDuration)
	assert.Equal(t, ByteSize(10*1024*1024), cfg.RTSP.ProbeSize)
	assert.Equal(t, 5*time.Second, cfg.RTSP.ReadTimeout)
	assert.Equal(t, 1000, cfg.RTSP.ReconnectAttemptCap)

	assert.Equal(t, "fmp4", cfg.HLS.Variant)
	assert.Equal(t, 6, cfg.HLS.WindowSize)
}

func TestStorageConfig_OverridePaths(t *testing.T) {
	cfg := StorageConfig{BaseDir: "./data", MP4Dir: "/mnt/recordings", HLSDir: ""}
	assert.Equal(t, "/mnt/recordings", cfg.MP4Path())
	assert.Equal(t, "./data/hls", cfg.HLSPath())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	configContent := `
server:
  port: 9090
storage:
  base_dir: /var/lib/nvrcore
streams:
  - name: cam1
    url: rtsp://127.0.0.1:8554/cam1
    segment_duration: 30s
    has_audio: false
`
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/nvrcore", cfg.Storage.BaseDir)
	require.Len(t, cfg.Streams, 1)
	assert.Equal(t, "cam1", cfg.Streams[0].Name)
	assert.Equal(t, "TCP", cfg.Streams[0].Transport)
	assert.Equal(t, "scheduled", cfg.Streams[0].Trigger)
}

func TestConfig_Validate(t *testing.T) {
	v := &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "x.db"},
		Storage:  StorageConfig{BaseDir: "./data"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
	require.NoError(t, v.Validate())

	v.Server.Port = 0
	assert.Error(t, v.Validate())
}

func TestConfig_Validate_DuplicateStreamName(t *testing.T) {
	v := &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "x.db"},
		Storage:  StorageConfig{BaseDir: "./data"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Streams: []StreamConfig{
			{Name: "cam1", URL: "rtsp://x/1"},
			{Name: "cam1", URL: "rtsp://x/2"},
		},
	}
	assert.Error(t, v.Validate())
}

func TestConfig_Validate_TooManyStreams(t *testing.T) {
	v := &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "x.db"},
		Storage:  StorageConfig{BaseDir: "./data"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
	for i := 0; i < defaultMaxStreams+1; i++ {
		v.Streams = append(v.Streams, StreamConfig{Name: string(rune('a' + i)), URL: "rtsp://x"})
	}
	assert.Error(t, v.Validate())
}
