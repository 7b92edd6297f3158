package nvr

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	mp4codec "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// HLSVariant selects the fragment container for the HLS Muxer.
type HLSVariant string

const (
	HLSVariantTS   HLSVariant = "ts"
	HLSVariantFMP4 HLSVariant = "fmp4"
)

const hlsParentMarker = ".hls_parent_check"

// hlsSegment describes one fragment currently referenced by the sliding
// window playlist.
type hlsSegment struct {
	name       string
	duration   float64
	sequence   uint64
	discontinuity bool
	createdAt  time.Time
}

// HLSWriter is the HLS Muxer: it persists a sliding-window
// playlist and its fragment files to disk, with atomic tmp-then-rename
// updates to index.m3u8 and a trylock-guarded write path so the HTTP
// serving layer can briefly hold the same mutex for a torn-write-free
// snapshot.
type HLSWriter struct {
	mu sync.Mutex

	dir      string
	variant  HLSVariant
	window   int
	duration time.Duration
	logger   *slog.Logger

	video VideoParams
	audio AudioParams
	hasAudio bool

	videoTS *TimestampRewriter
	audioTS *TimestampRewriter

	segments     []hlsSegment
	nextSequence uint64

	curBuf       *bytes.Buffer
	curStart     time.Time
	tsMuxer      *mpegtsFragmentWriter
	fmp4Seq      uint32
	fmp4InitDone bool

	closed bool
}

// NewHLSWriter creates (or verifies) the stream's HLS output directory
// `<baseDir>/<streamName>` with mode 0777, writes a `.hls_parent_check`
// marker to confirm it is writable, and returns a writer ready to accept
// packets. The directory is used as given: baseDir is not checked against
// or redirected to `<base>/hls/<name>`.
func NewHLSWriter(baseDir, streamName string, variant HLSVariant, segmentDuration time.Duration, window int, video VideoParams, audio AudioParams, hasAudio bool, logger *slog.Logger) (*HLSWriter, error) {
	dir := filepath.Join(baseDir, streamName)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("%w: creating hls dir: %v", ErrConfig, err)
	}
	marker := filepath.Join(dir, hlsParentMarker)
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o666); err != nil {
		return nil, fmt.Errorf("%w: hls parent not writable: %v", ErrConfig, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 6
	}

	w := &HLSWriter{
		dir:      dir,
		variant:  variant,
		window:   window,
		duration: segmentDuration,
		logger:   logger,
		video:    video,
		audio:    audio,
		hasAudio: hasAudio,
		videoTS:  NewTimestampRewriter(0),
		audioTS:  NewTimestampRewriter(0),
	}
	return w, nil
}

// tryLock implements trylock-with-retry: 5 attempts, 100ms
// apart. Returns false if the mutex could not be acquired.
func (w *HLSWriter) tryLock() bool {
	type locker interface{ TryLock() bool }
	// sync.Mutex has TryLock since Go 1.18.
	if tl, ok := any(&w.mu).(locker); ok {
		for i := 0; i < 5; i++ {
			if tl.TryLock() {
				return true
			}
			time.Sleep(100 * time.Millisecond)
		}
		return false
	}
	w.mu.Lock()
	return true
}

// WriteVideo writes one video access unit into the current fragment,
// rotating to a new fragment when the configured duration has elapsed and
// a keyframe is available to start the next one cleanly.
func (w *HLSWriter) WriteVideo(p Packet) error {
	if !w.tryLock() {
		w.logger.Warn("hls writer busy, dropping video packet")
		return nil
	}
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if len(p.Data) == 0 {
		return nil
	}

	if w.curBuf == nil {
		if !p.IsKeyframe {
			return nil // wait for a keyframe to start the first fragment
		}
		if err := w.startFragment(); err != nil {
			return err
		}
	}

	pts, dts := w.videoTS.Rewrite(p.PTS, p.DTS)
	pts = Rescale(pts, p.Timescale, 90000)
	dts = Rescale(dts, p.Timescale, 90000)

	if err := w.writeVideoSample(pts, dts, p.Data, p.IsKeyframe); err != nil {
		return err
	}

	if p.IsKeyframe && time.Since(w.curStart) >= w.duration {
		return w.rotate()
	}
	return nil
}

// WriteAudio writes one audio frame into the current fragment.
func (w *HLSWriter) WriteAudio(p Packet) error {
	if !w.hasAudio {
		return nil
	}
	if !w.tryLock() {
		w.logger.Warn("hls writer busy, dropping audio packet")
		return nil
	}
	defer w.mu.Unlock()
	if w.closed || w.curBuf == nil {
		return nil
	}

	pts, _ := w.audioTS.Rewrite(p.PTS, p.DTS)
	sr := int64(w.audio.SampleRate)
	if sr == 0 {
		sr = 48000
	}
	pts = Rescale(pts, p.Timescale, sr)

	return w.writeAudioSample(pts, p.Data)
}

func (w *HLSWriter) startFragment() error {
	w.curBuf = &bytes.Buffer{}
	w.curStart = time.Now()

	if w.variant == HLSVariantTS {
		w.tsMuxer = newMPEGTSFragmentWriter(w.curBuf, w.video, w.audio, w.hasAudio)
	}
	return nil
}

func (w *HLSWriter) writeVideoSample(pts, dts int64, data []byte, isKey bool) error {
	switch w.variant {
	case HLSVariantTS:
		return w.tsMuxer.WriteVideo(pts, dts, data, isKey)
	default:
		return w.appendFMP4Video(pts, dts, data, isKey)
	}
}

func (w *HLSWriter) writeAudioSample(pts int64, data []byte) error {
	switch w.variant {
	case HLSVariantTS:
		return w.tsMuxer.WriteAudio(pts, data)
	default:
		return w.appendFMP4Audio(pts, data)
	}
}

// rotate finalizes the current fragment file, appends it to the sliding
// window, rewrites index.m3u8 atomically, and prunes segments that fell
// out of the window.
func (w *HLSWriter) rotate() error {
	ext := ".ts"
	if w.variant == HLSVariantFMP4 {
		ext = ".m4s"
	}
	name := fmt.Sprintf("seg%08d%s", w.nextSequence, ext)
	path := filepath.Join(w.dir, name)

	if err := os.WriteFile(path, w.curBuf.Bytes(), 0o666); err != nil {
		return fmt.Errorf("%w: writing fragment: %v", ErrWriteIO, err)
	}

	w.segments = append(w.segments, hlsSegment{
		name:     name,
		duration: time.Since(w.curStart).Seconds(),
		sequence: w.nextSequence,
	})
	w.nextSequence++
	w.curBuf = nil
	w.tsMuxer = nil

	if len(w.segments) > w.window {
		stale := w.segments[:len(w.segments)-w.window]
		w.segments = w.segments[len(w.segments)-w.window:]
		for _, s := range stale {
			_ = os.Remove(filepath.Join(w.dir, s.name))
		}
	}

	return w.writePlaylist()
}

// writePlaylist renders the sliding-window m3u8 and installs it atomically
// via tmp-then-rename.
func (w *HLSWriter) writePlaylist() error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")

	target := 1
	for _, s := range w.segments {
		if int(s.duration+0.5) > target {
			target = int(s.duration + 0.5)
		}
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)

	firstSeq := uint64(0)
	if len(w.segments) > 0 {
		firstSeq = w.segments[0].sequence
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", firstSeq)

	if w.variant == HLSVariantFMP4 {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"init.mp4\"\n")
	}

	for _, s := range w.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.duration, s.name)
	}

	tmpPath := filepath.Join(w.dir, "index.m3u8.tmp")
	finalPath := filepath.Join(w.dir, "index.m3u8")
	if err := os.WriteFile(tmpPath, []byte(b.String()), 0o666); err != nil {
		return fmt.Errorf("%w: writing playlist tmp: %v", ErrWriteIO, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: renaming playlist: %v", ErrWriteIO, err)
	}
	return nil
}

// Close finalizes any in-flight fragment and marks the writer closed. It
// waits for the writer mutex; if the mutex is not acquired within 2s a
// warning is logged and Close keeps waiting. It never closes the writer
// without holding the mutex.
func (w *HLSWriter) Close() error {
	locked := make(chan struct{}, 1)
	go func() {
		w.mu.Lock()
		locked <- struct{}{}
	}()
	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		w.logger.Warn("hls writer close: mutex not acquired after 2s, still waiting")
		<-locked
	}
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.curBuf != nil && w.curBuf.Len() > 0 {
		_ = w.rotateLocked()
	}
	return nil
}

func (w *HLSWriter) rotateLocked() error {
	return w.rotate()
}

// CleanupInactive removes all fragment and playlist files for a stream
// whose Supervisor has stopped (inactive-stream rule).
func CleanupInactive(baseDir, streamName string) error {
	dir := filepath.Join(baseDir, streamName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		n := e.Name()
		if strings.HasSuffix(n, ".ts") || strings.HasSuffix(n, ".m4s") ||
			n == "init.mp4" || strings.HasPrefix(n, "index.m3u8") {
			_ = os.Remove(filepath.Join(dir, n))
		}
	}
	return nil
}

// CleanupActive removes only stale tmp playlists and fragments older than
// 5 minutes for a stream that is still recording (active-
// stream rule: anything older cannot be referenced by any current
// playlist window).
func CleanupActive(baseDir, streamName string) error {
	dir := filepath.Join(baseDir, streamName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-5 * time.Minute)
	for _, e := range entries {
		n := e.Name()
		isFragment := strings.HasSuffix(n, ".ts") || strings.HasSuffix(n, ".m4s")
		isTmpPlaylist := strings.HasSuffix(n, ".m3u8.tmp")
		if !isFragment && !isTmpPlaylist {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, n))
	}
	return nil
}

// sortSegmentsBySequence orders segments by sequence number. Nothing calls
// it; production code always appends in sequence order.
func sortSegmentsBySequence(segs []hlsSegment) {
	sort.Slice(segs, func(i, j int) bool { return segs[i].sequence < segs[j].sequence })
}

// --- MPEG-TS fragment writer ---

type mpegtsFragmentWriter struct {
	muxer      *mpegts.Writer
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track
}

func newMPEGTSFragmentWriter(w *bytes.Buffer, video VideoParams, audio AudioParams, hasAudio bool) *mpegtsFragmentWriter {
	var videoCodec mpegts.Codec = &mpegts.CodecH264{}
	if video.Codec == "h265" {
		videoCodec = &mpegts.CodecH265{}
	}
	videoTrack := &mpegts.Track{PID: 0x0100, Codec: videoCodec}
	tracks := []*mpegts.Track{videoTrack}

	var audioTrack *mpegts.Track
	if hasAudio {
		cfg := mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   audio.SampleRate,
			ChannelCount: audio.ChannelCount,
		}
		if cfg.SampleRate == 0 {
			cfg.SampleRate = 48000
		}
		if cfg.ChannelCount == 0 {
			cfg.ChannelCount = 2
		}
		audioTrack = &mpegts.Track{PID: 0x0101, Codec: &mpegts.CodecMPEG4Audio{Config: cfg}}
		tracks = append(tracks, audioTrack)
	}

	muxer := &mpegts.Writer{W: w, Tracks: tracks}
	_ = muxer.Initialize()

	return &mpegtsFragmentWriter{muxer: muxer, videoTrack: videoTrack, audioTrack: audioTrack}
}

func (m *mpegtsFragmentWriter) WriteVideo(pts, dts int64, data []byte, isKeyframe bool) error {
	au := annexBToAccessUnit(data)
	if len(au) == 0 {
		return nil
	}
	if _, ok := m.videoTrack.Codec.(*mpegts.CodecH265); ok {
		return m.muxer.WriteH265(m.videoTrack, pts, dts, au)
	}
	return m.muxer.WriteH264(m.videoTrack, pts, dts, au)
}

func (m *mpegtsFragmentWriter) WriteAudio(pts int64, data []byte) error {
	if m.audioTrack == nil {
		return nil
	}
	return m.muxer.WriteMPEG4Audio(m.audioTrack, pts, [][]byte{data})
}

func annexBToAccessUnit(data []byte) [][]byte {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return [][]byte{data}
	}
	return au
}

// --- fMP4 fragment writer ---

func (w *HLSWriter) ensureFMP4Init() error {
	if w.fmp4InitDone {
		return nil
	}
	init := &fmp4.Init{}

	var videoCodec mp4codec.Codec
	if w.video.Codec == "h265" {
		videoCodec = &mp4codec.CodecH265{VPS: w.video.VPS, SPS: w.video.SPS, PPS: w.video.PPS}
	} else {
		videoCodec = &mp4codec.CodecH264{SPS: w.video.SPS, PPS: w.video.PPS}
	}
	init.Tracks = append(init.Tracks, &fmp4.InitTrack{ID: 1, TimeScale: 90000, Codec: videoCodec})

	if w.hasAudio {
		sr := w.audio.SampleRate
		if sr == 0 {
			sr = 48000
		}
		ch := w.audio.ChannelCount
		if ch == 0 {
			ch = 2
		}
		cfg := mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: sr, ChannelCount: ch}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{ID: 2, TimeScale: uint32(sr), Codec: &mp4codec.CodecMPEG4Audio{Config: cfg}})
	}

	var buf bytes.Buffer
	if err := init.Marshal(&seekBuf{Buffer: &buf}); err != nil {
		return fmt.Errorf("%w: marshaling fmp4 init segment: %v", ErrConfig, err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, "init.mp4"), buf.Bytes(), 0o666); err != nil {
		return fmt.Errorf("%w: writing init.mp4: %v", ErrWriteIO, err)
	}
	w.fmp4InitDone = true
	return nil
}

type fmp4PendingSamples struct {
	video []*fmp4.Sample
	audio []*fmp4.Sample
}

func (w *HLSWriter) appendFMP4Video(pts, dts int64, data []byte, isKey bool) error {
	if err := w.ensureFMP4Init(); err != nil {
		return err
	}
	sample := &fmp4.Sample{
		Duration:        3000,
		PTSOffset:       int32(pts - dts),
		IsNonSyncSample: !isKey,
	}
	var err error
	if w.video.Codec == "h265" {
		err = sample.FillH265(sample.PTSOffset, annexBToAccessUnit(data))
	} else {
		err = sample.FillH264(sample.PTSOffset, annexBToAccessUnit(data))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return w.writeFMP4Part(1, []*fmp4.Sample{sample})
}

func (w *HLSWriter) appendFMP4Audio(pts int64, data []byte) error {
	if err := w.ensureFMP4Init(); err != nil {
		return err
	}
	sample := &fmp4.Sample{Duration: 1024, Payload: data}
	return w.writeFMP4Part(2, []*fmp4.Sample{sample})
}

func (w *HLSWriter) writeFMP4Part(trackID int, samples []*fmp4.Sample) error {
	part := &fmp4.Part{
		SequenceNumber: w.fmp4Seq,
		Tracks: []*fmp4.PartTrack{
			{ID: trackID, Samples: samples},
		},
	}
	w.fmp4Seq++
	return part.Marshal(&seekBuf{Buffer: w.curBuf})
}
