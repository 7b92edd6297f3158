package nvr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensensor/nvrcore/internal/config"
)

func testManagerConfig(t *testing.T) ManagerConfig {
	t.Helper()
	base := t.TempDir()
	return ManagerConfig{
		RTSP: config.RTSPConfig{},
		HLS:  config.HLSConfig{Variant: "fmp4", WindowSize: 3},
		Storage: config.StorageConfig{
			BaseDir: base,
		},
		Coord: NewCoordinator(),
		Sink:  NoopEventSink{},
		Tap:   NoopTap{},
	}
}

func testStream(name string) config.StreamConfig {
	return config.StreamConfig{
		Name:            name,
		URL:             "rtsp://127.0.0.1:1/" + name,
		Transport:       "TCP",
		SegmentDuration: 30 * time.Second,
	}
}

func TestManagerStartUnknownStreamReturnsNotFound(t *testing.T) {
	m := NewManager(testManagerConfig(t), nil)
	if err := m.Start(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerStopUnknownStreamReturnsNotFound(t *testing.T) {
	m := NewManager(testManagerConfig(t), nil)
	if err := m.Stop("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerStartDuringShutdownReturnsErrShutdown(t *testing.T) {
	cfg := testManagerConfig(t)
	cfg.Coord.Initiate()
	m := NewManager(cfg, []config.StreamConfig{testStream("cam1")})
	if err := m.Start(context.Background(), "cam1"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestManagerStartStopLifecycle(t *testing.T) {
	cfg := testManagerConfig(t)
	m := NewManager(cfg, []config.StreamConfig{testStream("cam1")})

	if err := m.Start(context.Background(), "cam1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	statuses := m.Status()
	if len(statuses) != 1 || statuses[0].Name != "cam1" {
		t.Fatalf("expected one status entry for cam1, got %+v", statuses)
	}

	// Starting again while the supervisor is alive is idempotent.
	if err := m.Start(context.Background(), "cam1"); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if err := m.Stop("cam1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := m.Stop("cam1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Stop freed the slot, got %v", err)
	}

	if m.IsActive("cam1") {
		t.Fatalf("expected cam1 to be inactive after Stop")
	}
}

func TestManagerStartAllAndStopAll(t *testing.T) {
	cfg := testManagerConfig(t)
	m := NewManager(cfg, []config.StreamConfig{testStream("cam1"), testStream("cam2")})

	errs := m.StartAll(context.Background())
	if len(errs) != 0 {
		t.Fatalf("expected no start errors, got %v", errs)
	}

	m.StopAll()
	if len(m.Status()) != 0 {
		t.Fatalf("expected no running streams after StopAll")
	}
}

func TestManagerStartRecordingOverridesURLAndTrigger(t *testing.T) {
	cfg := testManagerConfig(t)
	m := NewManager(cfg, []config.StreamConfig{testStream("cam1")})

	if err := m.StartRecording(context.Background(), "cam1", "rtsp://127.0.0.1:1/override", "motion"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if got := m.streams["cam1"].URL; got != "rtsp://127.0.0.1:1/override" {
		t.Fatalf("expected overridden URL, got %q", got)
	}
	if got := m.streams["cam1"].Trigger; got != "motion" {
		t.Fatalf("expected overridden trigger, got %q", got)
	}

	m.StopAll()
}

func TestManagerSignalReconnectAllDoesNotPanicWithNoStreams(t *testing.T) {
	m := NewManager(testManagerConfig(t), nil)
	m.SignalReconnectAll()
}
