package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSampleDataGenerator(t *testing.T) {
	gen := NewSampleDataGenerator()
	require.NotNil(t, gen)
	require.NotNil(t, gen.rng)
}

func TestNewSampleDataGeneratorWithSeed(t *testing.T) {
	gen1 := NewSampleDataGeneratorWithSeed(42)
	gen2 := NewSampleDataGeneratorWithSeed(42)

	assert.Equal(t, gen1.RandomStreamName(), gen2.RandomStreamName())
}

func TestRandomStreamName(t *testing.T) {
	gen := NewSampleDataGenerator()
	for i := 0; i < 10; i++ {
		name := gen.RandomStreamName()
		assert.NotEmpty(t, name)
		assert.Contains(t, name, "-")
	}
}

func TestGenerateStreamConfig(t *testing.T) {
	gen := NewSampleDataGeneratorWithSeed(1)
	opts := DefaultStreamOptions()

	cfg := gen.GenerateStreamConfig("cam1", opts)
	assert.Equal(t, "cam1", cfg.Name)
	assert.Contains(t, cfg.URL, "rtsp://")
	assert.Contains(t, cfg.URL, "cam1")
	assert.Equal(t, "TCP", cfg.Transport)
	assert.Equal(t, 30*time.Second, cfg.SegmentDuration)
	assert.False(t, cfg.HasAudio)
	assert.Equal(t, "scheduled", cfg.Trigger)
}

func TestGenerateStreamConfigONVIF(t *testing.T) {
	gen := NewSampleDataGeneratorWithSeed(1)
	opts := DefaultStreamOptions()
	opts.ONVIF = true

	cfg := gen.GenerateStreamConfig("cam2", opts)
	assert.True(t, cfg.ONVIF)
	assert.Contains(t, cfg.URL, "onvif/cam2")
}

func TestGenerateStreamConfigs(t *testing.T) {
	gen := NewSampleDataGeneratorWithSeed(7)
	opts := DefaultStreamOptions()

	streams := gen.GenerateStreamConfigs(5, opts)
	require.Len(t, streams, 5)

	seen := make(map[string]bool)
	for _, s := range streams {
		assert.False(t, seen[s.Name], "stream names must be unique: %s", s.Name)
		seen[s.Name] = true
	}
}

func TestGenerateVideoPacketsMonotonic(t *testing.T) {
	gen := NewSampleDataGeneratorWithSeed(3)
	opts := DefaultPacketSequenceOptions()

	packets := gen.GenerateVideoPackets(90, opts)
	require.Len(t, packets, 90)

	for i, p := range packets {
		assert.GreaterOrEqual(t, p.PTS, p.DTS)
		if i > 0 {
			assert.Greater(t, p.DTS, packets[i-1].DTS, "DTS must be strictly increasing at packet %d", i)
		}
	}
}

func TestGenerateVideoPacketsGOPAlignment(t *testing.T) {
	gen := NewSampleDataGeneratorWithSeed(3)
	opts := DefaultPacketSequenceOptions()
	opts.GOPSize = 10

	packets := gen.GenerateVideoPackets(35, opts)
	for i, p := range packets {
		expectedKey := i%10 == 0
		assert.Equal(t, expectedKey, p.IsKeyframe, "packet %d keyframe flag", i)
	}
}

func TestGenerateLongGOPVideoPackets(t *testing.T) {
	gen := NewSampleDataGeneratorWithSeed(3)
	packets := gen.GenerateLongGOPVideoPackets(10)
	require.Len(t, packets, 10)

	// Only the first packet is a keyframe within a short sample of a 60s GOP.
	assert.True(t, packets[0].IsKeyframe)
	for _, p := range packets[1:] {
		assert.False(t, p.IsKeyframe)
	}
}
