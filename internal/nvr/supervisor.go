package nvr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensensor/nvrcore/internal/config"
)

// ensureWritableDir creates dir (and parents) with mode 0777 if missing,
// then verifies it is writable by creating and removing a probe file
//.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write_check")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

// State is one state of the Stream Supervisor's machine.
type State int

const (
	StateInitializing State = iota
	StateConnecting
	StateRunning
	StateReconnecting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SupervisorConfig carries everything one Supervisor needs to run a
// single stream end to end.
type SupervisorConfig struct {
	Stream  config.StreamConfig
	RTSP    config.RTSPConfig
	HLS     config.HLSConfig
	Storage config.StorageConfig

	Coord    *Coordinator
	Registry *Registry
	Sink     EventSink
	Tap      PacketTap
	Logger   *slog.Logger
}

// Supervisor is the per-stream task that drives one camera end to end. It
// owns the Ingest, the currently-installed MP4 Writer (via the Writer
// Registry), and its own HLS Writer, and drives them through the Initializing →
// Connecting → Running → Reconnecting → Stopping state machine.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	signal *StreamSignal

	state atomic.Int32

	// reconnectFlag is set by signal_reconnect_all() to force the Running
	// loop to close and reopen the source on its next iteration, even
	// though the connection is otherwise healthy.
	reconnectFlag atomic.Bool

	lastErrCategory atomic.Value // string

	done chan struct{}

	mu      sync.Mutex
	ingest  *Ingest
	hls     *HLSWriter
	writer  *MP4Writer
	handle  Handle
	healthy atomic.Bool

	segmentIndex    uint32
	segmentStart    time.Time
	waitingForFinal bool
	waitStart       time.Time
	pendingKey      *Packet
	lastFrameWasKey bool
	segmentPath     string
	registered      bool
	retiringPath    string
}

// NewSupervisor constructs a Supervisor. Call Start to begin running it.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = NoopEventSink{}
	}
	if cfg.Tap == nil {
		cfg.Tap = NoopTap{}
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("stream", cfg.Stream.Name)),
		signal: &StreamSignal{},
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateInitializing))
	s.lastErrCategory.Store("")
	return s
}

// State returns the current state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// IsHealthy reports whether the Supervisor is running with a recording
// MP4 writer — this is the "dead supervisor" detection the status API relies on.
func (s *Supervisor) IsHealthy() bool {
	return s.State() == StateRunning && s.healthy.Load()
}

// LastErrorCategory returns the last observed error category, surfaced by
// the status API 
func (s *Supervisor) LastErrorCategory() string {
	v, _ := s.lastErrCategory.Load().(string)
	return v
}

// Start validates config, verifies output directories, and launches the
// worker goroutine. It does not block for the stream to reach Running.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Coord.IsShutdownInitiated() {
		return ErrShutdown
	}
	if s.cfg.Stream.Name == "" || s.cfg.Stream.URL == "" {
		return ErrConfig
	}

	mp4Dir := filepath.Join(s.cfg.Storage.MP4Path(), s.cfg.Stream.Name)
	if err := ensureWritableDir(mp4Dir); err != nil {
		return fmt.Errorf("%w: mp4 output dir: %v", ErrConfig, err)
	}

	hls, err := NewHLSWriter(
		s.cfg.Storage.HLSPath(),
		s.cfg.Stream.Name,
		HLSVariant(s.cfg.HLS.Variant),
		s.cfg.HLS.SegmentDuration,
		s.cfg.HLS.WindowSize,
		VideoParams{},
		AudioParams{},
		s.cfg.Stream.HasAudio,
		s.logger,
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.hls = hls
	s.mu.Unlock()

	s.state.Store(int32(StateConnecting))
	go s.run(ctx)
	return nil
}

// Stop requests shutdown and waits up to 5s for the worker to exit,
// falling back to returning early after that cancellation budget. The
// registry slot and HLS writer are torn down by the worker itself before
// it exits.
func (s *Supervisor) Stop() error {
	s.signal.Request()

	select {
	case <-s.done:
		return nil
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop: worker did not exit within budget, returning anyway")
		return nil
	}
}

// SignalReconnect marks the stream for a forced reconnect on its next
// Running-loop iteration.
func (s *Supervisor) SignalReconnect() {
	s.reconnectFlag.Store(true)
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	attempt := 0
	for {
		switch s.State() {
		case StateConnecting:
			if err := s.connect(ctx); err != nil {
				attempt++
				if attempt > s.cfg.RTSP.ReconnectAttemptCap {
					attempt = s.cfg.RTSP.ReconnectAttemptCap
				}
				s.recordError(err)
				if s.interrupted() {
					s.state.Store(int32(StateStopping))
					continue
				}
				delay := backoffDelay(attempt, s.cfg.RTSP.ReconnectBackoffBase, s.cfg.RTSP.ReconnectBackoffMax)
				s.logger.Warn("connect failed, backing off", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", err.Error()))
				if s.interruptibleSleep(delay) {
					s.state.Store(int32(StateStopping))
				}
				continue
			}
			attempt = 0
			s.state.Store(int32(StateRunning))

		case StateRunning:
			s.runLoop(ctx)
			if s.interrupted() {
				s.state.Store(int32(StateStopping))
			} else {
				s.state.Store(int32(StateReconnecting))
			}

		case StateReconnecting:
			s.closeIngest()
			s.closeWriterForFault()
			s.healthy.Store(false)
			attempt++
			if attempt > s.cfg.RTSP.ReconnectAttemptCap {
				attempt = s.cfg.RTSP.ReconnectAttemptCap
			}
			delay := backoffDelay(attempt, s.cfg.RTSP.ReconnectBackoffBase, s.cfg.RTSP.ReconnectBackoffMax)
			if s.interruptibleSleep(delay) {
				s.state.Store(int32(StateStopping))
				continue
			}
			s.state.Store(int32(StateConnecting))

		case StateStopping:
			return

		default:
			return
		}
	}
}

func (s *Supervisor) interrupted() bool {
	return s.cfg.Coord.IsShutdownInitiated() || s.signal.Requested()
}

// interruptibleSleep sleeps for d, polling the interrupt hook every
// 100ms, and returns true if interrupted before d elapsed.
func (s *Supervisor) interruptibleSleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.interrupted() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return s.interrupted()
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// connect performs the reachability probe and demuxer open for the
// Connecting state.
func (s *Supervisor) connect(ctx context.Context) error {
	if err := ProbeReachability(s.cfg.Stream.URL, s.cfg.RTSP.ProbeTimeout); err != nil {
		return err
	}

	in := NewIngest(IngestConfig{
		URL:       s.cfg.Stream.URL,
		Transport: s.cfg.Stream.Transport,
		ONVIF:     s.cfg.Stream.ONVIF,
		RTSP:      s.cfg.RTSP,
		Coord:     s.cfg.Coord,
		Signal:    s.signal,
		Logger:    s.logger,
	})
	if err := in.Open(ctx); err != nil {
		in.Close()
		return err
	}

	s.mu.Lock()
	s.ingest = in
	s.mu.Unlock()

	return nil
}

// closeWriterForFault finalizes the MP4 Writer of an in-flight segment when
// the Demuxer Handle is being torn down for a reconnect. first_video_dts/PTS
// tracking and the Pending Keyframe Packet are only valid for the lifetime
// of a single Demuxer Handle, so the partial segment is closed (trailer
// written if possible) and reported to the event sink here rather than
// resumed against whatever handle reconnection produces next.
func (s *Supervisor) closeWriterForFault() {
	s.mu.Lock()
	writer := s.writer
	path := s.segmentPath
	handle := s.handle
	registered := s.registered
	s.writer = nil
	s.pendingKey = nil
	s.waitingForFinal = false
	s.retiringPath = ""
	s.registered = false
	s.mu.Unlock()

	if writer == nil {
		return
	}
	if err := writer.Close(); err != nil {
		s.logger.Warn("mp4 writer close on reconnect failed", slog.String("error", err.Error()))
	}
	if err := s.cfg.Sink.RecordingStopped(s.cfg.Stream.Name, path); err != nil {
		s.logger.Warn("event sink recording_stop failed", slog.String("error", err.Error()))
	}
	if registered && s.cfg.Registry != nil {
		_ = s.cfg.Registry.Unregister(handle)
	}
}

func (s *Supervisor) closeIngest() {
	s.mu.Lock()
	in := s.ingest
	s.ingest = nil
	s.mu.Unlock()
	if in != nil {
		in.Close()
	}
}

// runLoop implements Running state: read, warm up, dispatch,
// periodic reset, forced reconnect.
func (s *Supervisor) runLoop(ctx context.Context) {
	s.mu.Lock()
	in := s.ingest
	s.mu.Unlock()
	if in == nil {
		return
	}

	warmupRemaining := s.cfg.RTSP.WarmupPackets
	resetInterval := uint64(s.cfg.RTSP.DemuxerResetInterval)
	var sinceReset uint64

	for {
		if s.interrupted() {
			return
		}
		if s.reconnectFlag.Load() {
			s.reconnectFlag.Store(false)
			return
		}

		p, res := in.ReadPacket(ctx, 5*time.Second)
		switch res {
		case ReadOk:
			// fall through to dispatch
		case ReadInterrupted:
			return
		case ReadFatal, ReadEOF:
			return
		case ReadAgain:
			time.Sleep(10 * time.Millisecond)
			continue
		default:
			return
		}

		if p.Media == MediaVideo {
			if warmupRemaining > 0 {
				warmupRemaining--
				continue
			}
			s.healthy.Store(true)
			s.dispatchVideo(p)
			s.cfg.Tap.OnVideoPacket(s.cfg.Stream.Name, p)
		} else {
			s.dispatchAudio(p)
		}

		sinceReset++
		if resetInterval > 0 && sinceReset >= resetInterval {
			s.logger.Debug("periodic demuxer reset", slog.Uint64("packets", sinceReset))
			return // Reconnecting will close+reopen; URL/protocol preserved.
		}
	}
}

func (s *Supervisor) dispatchVideo(p Packet) {
	s.mu.Lock()
	hls := s.hls
	s.mu.Unlock()
	if hls != nil {
		if err := hls.WriteVideo(p); err != nil {
			s.logger.Warn("hls write video failed", slog.String("error", err.Error()))
		}
	}
	s.dispatchSegment(p)
}

func (s *Supervisor) dispatchAudio(p Packet) {
	if !s.cfg.Stream.HasAudio {
		return
	}
	s.mu.Lock()
	hls := s.hls
	writer := s.writer
	s.mu.Unlock()
	if hls != nil {
		if err := hls.WriteAudio(p); err != nil {
			s.logger.Warn("hls write audio failed", slog.String("error", err.Error()))
		}
	}
	// Audio cannot precede the first video keyframe: no MP4 writer exists
	// yet until the segment has started.
	if writer != nil {
		if err := writer.WriteAudio(p); err != nil {
			s.logger.Warn("mp4 write audio failed", slog.String("error", err.Error()))
		}
	}
}

// dispatchSegment implements the MP4 Segment Recorder's keyframe-aligned
// packet loop for one video packet.
func (s *Supervisor) dispatchSegment(p Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		if s.pendingKey != nil {
			if err := s.startSegment(*s.pendingKey); err != nil {
				s.logger.Error("failed to start segment from pending keyframe", slog.String("error", err.Error()))
				s.pendingKey = nil
				return
			}
			s.pendingKey = nil
		} else if p.IsKeyframe {
			if err := s.startSegment(p); err != nil {
				s.logger.Error("failed to start segment", slog.String("error", err.Error()))
				return
			}
		} else {
			return // drop until first keyframe
		}
	}

	if err := s.writer.WriteVideo(p); err != nil {
		s.logger.Warn("mp4 write video failed, aborting segment", slog.String("error", err.Error()))
		s.abortSegmentLocked()
		return
	}

	if !s.waitingForFinal && time.Since(s.segmentStart) >= s.cfg.Stream.SegmentDuration {
		s.waitingForFinal = true
		s.waitStart = time.Now()
	}

	if s.waitingForFinal {
		if p.IsKeyframe {
			kf := p
			s.rotateSegmentLocked(&kf)
		} else if time.Since(s.waitStart) >= keyframeWaitTimeout {
			s.rotateSegmentLocked(nil)
		}
	}
}

// startSegment creates a new MP4 Writer at the current wall-clock path
// and writes opening as its first packet. Caller holds s.mu.
func (s *Supervisor) startSegment(opening Packet) error {
	path, err := buildSegmentPath(s.cfg.Storage.MP4Path(), s.cfg.Stream.Name, s.cfg.Stream.Timezone)
	if err != nil {
		return err
	}

	var video VideoParams
	var audio AudioParams
	if s.ingest != nil {
		video = s.ingest.VideoParams()
		audio = s.ingest.AudioParams()
	}

	w, err := NewMP4Writer(path, s.cfg.Storage.TempPath(), video, audio, s.cfg.Stream.HasAudio, s.segmentIndex)
	if err != nil {
		return err
	}

	// Registration/replacement happens here, not in rotateSegmentLocked:
	// the old writer (still referenced by the registry slot) is only
	// closed once the new one has been created and successfully installed
	// in its place, so the registry never has a gap.
	retiringPath := s.retiringPath
	s.retiringPath = ""
	if !s.registered {
		h, err := s.cfg.Registry.Register(w)
		if err != nil {
			w.Abort()
			return err
		}
		s.handle = h
		s.registered = true
	} else {
		h, err := s.cfg.Registry.Replace(s.handle, w)
		if err != nil {
			w.Abort()
			return err
		}
		s.handle = h
		if retiringPath != "" {
			sink := s.cfg.Sink
			name := s.cfg.Stream.Name
			go func() {
				if err := sink.RecordingStopped(name, retiringPath); err != nil {
					s.logger.Warn("event sink recording_stop failed", slog.String("error", err.Error()))
				}
			}()
		}
	}

	s.writer = w
	s.segmentPath = path
	s.segmentStart = time.Now()
	s.waitingForFinal = false

	return w.WriteVideo(opening)
}

// rotateSegmentLocked marks the current segment retired and records
// whether a Pending Keyframe Packet carries forward. The actual writer
// replacement (and the old writer's Close) happens inside the next call
// to startSegment, once the new segment is ready. Caller holds s.mu.
func (s *Supervisor) rotateSegmentLocked(closingKeyframe *Packet) {
	s.retiringPath = s.segmentPath
	s.lastFrameWasKey = closingKeyframe != nil

	s.segmentIndex++
	s.writer = nil

	if closingKeyframe != nil {
		kf := *closingKeyframe
		s.pendingKey = &kf
	} else {
		s.pendingKey = nil
	}
}

// abortSegmentLocked discards the current segment without a trailer (the
// fatal-for-segment path). The writer stays installed in the registry (now
// aborted, not recording) until the next startSegment replaces it,
// preserving the same no-gap discipline as a clean rotation.
func (s *Supervisor) abortSegmentLocked() {
	old := s.writer
	s.writer = nil
	s.pendingKey = nil
	s.waitingForFinal = false
	s.retiringPath = "" // Abort already wrote no trailer; nothing to report to the sink.
	if old != nil {
		old.Abort()
	}
}

func buildSegmentPath(baseDir, streamName, timezone string) (string, error) {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	name := fmt.Sprintf("recording_%s.mp4", time.Now().In(loc).Format("20060102_150405"))
	return filepath.Join(baseDir, streamName, name), nil
}

// teardown implements Stopping state: close the demuxer,
// close the HLS writer, deregister the MP4 writer, and finalize any
// in-flight segment.
func (s *Supervisor) teardown() {
	s.closeIngest()

	s.mu.Lock()
	hls := s.hls
	writer := s.writer
	path := s.segmentPath
	s.writer = nil
	handle := s.handle
	s.mu.Unlock()

	if writer != nil {
		_ = writer.Close()
		if err := s.cfg.Sink.RecordingStopped(s.cfg.Stream.Name, path); err != nil {
			s.logger.Warn("event sink recording_stop failed", slog.String("error", err.Error()))
		}
	}
	if s.cfg.Registry != nil {
		_ = s.cfg.Registry.Unregister(handle)
	}
	if hls != nil {
		_ = hls.Close()
	}

	s.state.Store(int32(StateStopped))
	s.healthy.Store(false)
}

func (s *Supervisor) recordError(err error) {
	category := classifyError(err)
	s.lastErrCategory.Store(category)
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrDimensionProbeTimeout):
		return "dimension_probe_timeout"
	case err == nil:
		return ""
	default:
		return "transient"
	}
}
