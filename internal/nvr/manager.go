package nvr

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"github.com/opensensor/nvrcore/internal/config"
)

// slotState is one entry in the Manager's name-keyed slot map, which holds
// at most MaxStreams Supervisor records.
type slotState struct {
	name       string
	supervisor *Supervisor
	stream     config.StreamConfig
}

// ManagerConfig carries everything the Manager needs to construct a
// Supervisor for any configured stream.
type ManagerConfig struct {
	RTSP    config.RTSPConfig
	HLS     config.HLSConfig
	Storage config.StorageConfig

	Coord  *Coordinator
	Sink   EventSink
	Tap    PacketTap
	Logger *slog.Logger
}

// Manager is the process-wide Stream Manager singleton: it owns a
// name-keyed map of at most MaxStreams Supervisor records and exposes the
// name-keyed operations callers need
// (start/stop/restart/signal_reconnect_all/is_active), plus the
// writer-registry control interface for event-driven recording starts.
type Manager struct {
	cfg ManagerConfig

	mu    sync.Mutex
	slots map[string]*slotState

	streams map[string]config.StreamConfig
}

// NewManager returns an empty Manager configured with the given streams.
// Streams are looked up by name on Start; configuring them up front lets
// Start(name) validate against "NotFound" without a separate registration
// step.
func NewManager(cfg ManagerConfig, streams []config.StreamConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	streamMap := make(map[string]config.StreamConfig, len(streams))
	for _, s := range streams {
		streamMap[s.Name] = s
	}
	return &Manager{
		cfg:     cfg,
		slots:   make(map[string]*slotState),
		streams: streamMap,
	}
}

// StreamStatus is a read-only snapshot of one Supervisor's state, the shape
// the JSON status API renders per stream.
type StreamStatus struct {
	Name              string
	State             string
	IsActive          bool
	LastErrorCategory string
}

// Start implements start(name): creates a Supervisor slot,
// validates config, and starts the worker. Idempotent when a healthy
// Supervisor already owns the name (returns nil, no state change); tears
// down and replaces a dead one first.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.cfg.Coord.IsShutdownInitiated() {
		m.mu.Unlock()
		return ErrShutdown
	}

	stream, ok := m.streams[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if existing, occupied := m.slots[name]; occupied {
		if existing.supervisor.State() != StateStopped {
			// A healthy (or merely reconnecting — still a live worker)
			// Supervisor already owns this name: idempotent success.
			m.mu.Unlock()
			return nil
		}
		// Dead supervisor: slot occupied but the worker has already exited
		//. Tear it down and fall through to a fresh start.
		delete(m.slots, name)
	}

	if len(m.slots) >= MaxStreams {
		m.mu.Unlock()
		return ErrNoSlot
	}

	sup := NewSupervisor(SupervisorConfig{
		Stream:   stream,
		RTSP:     m.cfg.RTSP,
		HLS:      m.cfg.HLS,
		Storage:  m.cfg.Storage,
		Coord:    m.cfg.Coord,
		Registry: NewRegistry(),
		Sink:     m.cfg.Sink,
		Tap:      m.cfg.Tap,
		Logger:   m.cfg.Logger,
	})

	m.slots[name] = &slotState{name: name, supervisor: sup, stream: stream}
	m.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.slots, name)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Stop implements stop(name): signals shutdown, waits up to the
// Supervisor's own join budget, and always frees the slot afterward so the
// name can be reused immediately, matching cancellation
// guarantee ("an external caller observing stop return expects the slot to
// be free"). Returns ErrNotFound if no slot is occupied for name.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	s, ok := m.slots[name]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.slots, name)
	m.mu.Unlock()

	return s.supervisor.Stop()
}

// Restart implements restart(name): stop followed by start,
// after clearing any segment files left in the HLS output directory so the
// new Supervisor's HLS Writer starts from an empty sliding window.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.Lock()
	stream, ok := m.streams[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := m.Stop(name); err != nil && err != ErrNotFound {
		return err
	}

	if err := CleanupInactive(m.cfg.Storage.HLSPath(), stream.Name); err != nil {
		m.cfg.Logger.Warn("restart: failed to clear hls directory", slog.String("stream", name), slog.String("error", err.Error()))
	}

	return m.Start(ctx, name)
}

// SignalReconnectAll implements signal_reconnect_all(): marks
// every live Supervisor for a forced reconnect on its next Running-loop
// iteration (used when the upstream go2rtc instance restarts).
func (m *Manager) SignalReconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		s.supervisor.SignalReconnect()
	}
}

// IsActive implements is_active(name): true iff a Supervisor
// exists for name, is running, and its last connection was validated.
func (m *Manager) IsActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[name]
	if !ok {
		return false
	}
	return s.supervisor.IsHealthy()
}

// Status returns a snapshot of every currently-occupied slot, the shape
// the JSON status API lists (user-visible failure behavior).
func (m *Manager) Status() []StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamStatus, 0, len(m.slots))
	for name, s := range m.slots {
		out = append(out, StreamStatus{
			Name:              name,
			State:             s.supervisor.State().String(),
			IsActive:          s.supervisor.IsHealthy(),
			LastErrorCategory: s.supervisor.LastErrorCategory(),
		})
	}
	return out
}

// StatusOne returns the snapshot for a single stream, or false if no slot
// is occupied for it.
func (m *Manager) StatusOne(name string) (StreamStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[name]
	if !ok {
		return StreamStatus{}, false
	}
	return StreamStatus{
		Name:              name,
		State:             s.supervisor.State().String(),
		IsActive:          s.supervisor.IsHealthy(),
		LastErrorCategory: s.supervisor.LastErrorCategory(),
	}, true
}

// StartAll starts every configured stream, collecting (not stopping on) the
// first error per stream; used by the serve command at process start.
func (m *Manager) StartAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	m.mu.Unlock()

	errs := make(map[string]error)
	for _, name := range names {
		if err := m.Start(ctx, name); err != nil {
			errs[name] = err
		}
	}
	return errs
}

// StopAll stops every running Supervisor. Used during process shutdown,
// after the Shutdown Coordinator has been initiated, so every in-flight
// read unblocks via the interrupt hook rather than each Stop call having to
// wait out a 5s read timeout serially.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			_ = m.Stop(n)
		}(name)
	}
	wg.Wait()
}

// StartRecording implements writer-registry control interface
// consumed by motion-driven recording starts: if a healthy Supervisor is
// already running for name, it returns success idempotently (Start already
// has this behavior); if an unhealthy one is registered, Start's dead-
// supervisor path tears it down and starts fresh. The optional url/trigger
// override the configured stream definition for this one start, e.g. for
// an ad hoc event-triggered recording against a resolved go2rtc URL.
func (m *Manager) StartRecording(ctx context.Context, name string, overrideURL string, trigger string) error {
	if overrideURL != "" || trigger != "" {
		m.mu.Lock()
		stream, ok := m.streams[name]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if overrideURL != "" {
			stream.URL = overrideURL
		}
		if trigger != "" {
			stream.Trigger = trigger
		}
		m.streams[name] = stream
		m.mu.Unlock()
	}
	return m.Start(ctx, name)
}
