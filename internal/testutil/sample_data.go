// Package testutil provides sample data generators for nvrcore tests:
// deterministic fixture streams and synthetic packet sequences that stand
// in for a live RTSP source's output.
package testutil

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/opensensor/nvrcore/internal/config"
	"github.com/opensensor/nvrcore/internal/nvr"
)

// CameraVendors are fictional vendor name stems used to build plausible
// stream names and RTSP paths for tests. Never real camera-vendor brand
// names.
var CameraVendors = []string{
	"aperture",
	"lookout",
	"sentrycam",
	"wardenvision",
	"overwatch",
	"beacon",
	"cloverfield",
	"fieldeye",
}

// CameraLocations are fictional placement labels for generated stream
// names (e.g. "aperture-driveway").
var CameraLocations = []string{
	"driveway",
	"frontdoor",
	"backyard",
	"garage",
	"lobby",
	"warehouse",
	"loading_dock",
	"rooftop",
}

// SampleDataGenerator produces deterministic (when seeded) fixture data
// for stream configs and packet sequences using a seeded-rand generator.
type SampleDataGenerator struct {
	rng *rand.Rand
}

// NewSampleDataGenerator creates a generator seeded from the global math/rand source.
func NewSampleDataGenerator() *SampleDataGenerator {
	return &SampleDataGenerator{rng: rand.New(rand.NewSource(rand.Int63()))}
}

// NewSampleDataGeneratorWithSeed creates a generator with a fixed seed for
// reproducible test fixtures.
func NewSampleDataGeneratorWithSeed(seed int64) *SampleDataGenerator {
	return &SampleDataGenerator{rng: rand.New(rand.NewSource(seed))}
}

// RandomStreamName generates a fictional "<vendor>-<location>" stream name.
func (g *SampleDataGenerator) RandomStreamName() string {
	vendor := CameraVendors[g.rng.Intn(len(CameraVendors))]
	location := CameraLocations[g.rng.Intn(len(CameraLocations))]
	return fmt.Sprintf("%s-%s", vendor, location)
}

// StreamOptions configures GenerateStreamConfig/GenerateStreamConfigs.
type StreamOptions struct {
	URLHost         string // defaults to 127.0.0.1:8554
	Transport       string // TCP or UDP, defaults to TCP
	SegmentDuration time.Duration
	HasAudio        bool
	Trigger         string
	ONVIF           bool
}

// DefaultStreamOptions returns the options used by Scenario A of the
// engine's testable properties: a 30s segment, no audio, TCP transport.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		URLHost:         "127.0.0.1:8554",
		Transport:       "TCP",
		SegmentDuration: 30 * time.Second,
		HasAudio:        false,
		Trigger:         "scheduled",
	}
}

// GenerateStreamConfig builds one fixture config.StreamConfig named name.
func (g *SampleDataGenerator) GenerateStreamConfig(name string, opts StreamOptions) config.StreamConfig {
	scheme := "rtsp"
	path := name
	if opts.ONVIF {
		path = "onvif/" + name
	}
	return config.StreamConfig{
		Name:            name,
		URL:             fmt.Sprintf("%s://%s/%s", scheme, opts.URLHost, path),
		Transport:       opts.Transport,
		SegmentDuration: opts.SegmentDuration,
		HasAudio:        opts.HasAudio,
		Trigger:         opts.Trigger,
		ONVIF:           opts.ONVIF,
	}
}

// GenerateStreamConfigs builds count fixture streams with unique names.
func (g *SampleDataGenerator) GenerateStreamConfigs(count int, opts StreamOptions) []config.StreamConfig {
	out := make([]config.StreamConfig, count)
	seen := make(map[string]bool, count)
	for i := 0; i < count; i++ {
		name := g.RandomStreamName()
		for seen[name] {
			name = fmt.Sprintf("%s-%d", g.RandomStreamName(), i)
		}
		seen[name] = true
		out[i] = g.GenerateStreamConfig(name, opts)
	}
	return out
}

// PacketSequenceOptions configures GenerateVideoPackets.
type PacketSequenceOptions struct {
	GOPSize     int // packets between keyframes; 1 = every packet is a keyframe
	FrameRate   int // frames per second, used to derive timestamp deltas
	Timescale   int64
	StartPTS    int64
	PayloadSize int
}

// DefaultPacketSequenceOptions returns a 30fps H.264-like sequence with a
// keyframe every 30 packets (1s GOP) at a 90kHz timescale.
func DefaultPacketSequenceOptions() PacketSequenceOptions {
	return PacketSequenceOptions{
		GOPSize:     30,
		FrameRate:   30,
		Timescale:   90000,
		PayloadSize: 256,
	}
}

// GenerateVideoPackets returns count synthetic video nvr.Packets with
// strictly increasing DTS/PTS and a keyframe at the start of every GOP —
// a fixture for timestamp-rewriting and MP4-writer tests that don't need a
// live RTSP source.
func (g *SampleDataGenerator) GenerateVideoPackets(count int, opts PacketSequenceOptions) []nvr.Packet {
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.Timescale <= 0 {
		opts.Timescale = 90000
	}
	if opts.GOPSize <= 0 {
		opts.GOPSize = 1
	}
	if opts.PayloadSize <= 0 {
		opts.PayloadSize = 256
	}

	frameDelta := opts.Timescale / int64(opts.FrameRate)
	packets := make([]nvr.Packet, count)
	pts := opts.StartPTS

	for i := 0; i < count; i++ {
		payload := make([]byte, opts.PayloadSize)
		g.rng.Read(payload)

		packets[i] = nvr.Packet{
			Media:      nvr.MediaVideo,
			PTS:        pts,
			DTS:        pts,
			Timescale:  opts.Timescale,
			Data:       payload,
			IsKeyframe: i%opts.GOPSize == 0,
		}
		pts += frameDelta
	}

	return packets
}

// GenerateLongGOPVideoPackets is a convenience wrapper producing a 60s-GOP
// sequence at 30fps — Scenario C's "camera with long keyframe interval".
func (g *SampleDataGenerator) GenerateLongGOPVideoPackets(count int) []nvr.Packet {
	opts := DefaultPacketSequenceOptions()
	opts.GOPSize = 30 * 60
	return g.GenerateVideoPackets(count, opts)
}
