package nvr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/pion/rtp"

	"github.com/opensensor/nvrcore/internal/config"
)

// IngestConfig carries the demuxer-option defaults already resolved from
// the stream and RTSP sub-configs.
type IngestConfig struct {
	URL       string
	Transport string // "TCP" or "UDP"
	ONVIF     bool
	RTSP      config.RTSPConfig
	Coord     *Coordinator
	Signal    *StreamSignal
	Logger    *slog.Logger
}

// Ingest is the RTSP Ingest component: it presents a single
// blocking ReadPacket call, interruptible from any goroutine via the
// Shutdown Coordinator and per-stream StreamSignal, backed by a gortsplib
// client whose RTP callbacks fan packets into a buffered channel.
type Ingest struct {
	cfg    IngestConfig
	logger *slog.Logger

	client *gortsplib.Client

	packets  chan Packet
	fatalErr chan error

	videoDec videoDepacketizer
	audioDec audioDepacketizer

	videoMu sync.Mutex
	video   VideoParams
	audio   AudioParams

	packetCount uint64

	mu     sync.Mutex
	closed bool
}

type videoDepacketizer interface {
	Decode(pkt *rtp.Packet) ([][]byte, error)
}

type audioDepacketizer interface {
	Decode(pkt *rtp.Packet) ([][]byte, error)
}

// NewIngest constructs an unopened Ingest. Open must be called before
// ReadPacket.
func NewIngest(cfg IngestConfig) *Ingest {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ingest{
		cfg:      cfg,
		logger:   cfg.Logger,
		packets:  make(chan Packet, 256),
		fatalErr: make(chan error, 1),
	}
}

// ProbeReachability performs a best-effort lightweight OPTIONS probe: a
// 1s-timeout TCP connect and a minimal OPTIONS request. It
// never blocks the caller beyond the configured probe timeout, and a
// failure here is not itself fatal — the demuxer retries on its own.
func ProbeReachability(rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parsing url: %v", ErrConfig, err)
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "554")
	}

	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		// Best-effort: DNS/socket failure does not block the caller.
		return nil
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	req := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\n\r\n", rawURL)
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return nil
	}
	if strings.Contains(string(buf[:n]), "404 Not Found") {
		return fmt.Errorf("%w: rtsp options probe returned 404", ErrNotFound)
	}
	return nil
}

// Open connects to the RTSP source, performs DESCRIBE/SETUP/PLAY, locates
// the video (and optional audio) media, and starts dispatching depacketized
// access units into the internal packet channel. It does not return until
// the dimension-recovery probe (if needed) completes or times out.
func (in *Ingest) Open(ctx context.Context) error {
	u, err := base.ParseURL(in.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: parsing rtsp url: %v", ErrConfig, err)
	}

	transport := gortsplib.TransportTCP
	readTimeout := in.cfg.RTSP.TCPTimeout
	if strings.EqualFold(in.cfg.Transport, "UDP") {
		transport = gortsplib.TransportUDP
		readTimeout = in.cfg.RTSP.UDPTimeout
	}
	if in.cfg.ONVIF {
		transport = gortsplib.TransportTCP
		readTimeout = in.cfg.RTSP.ONVIFTimeout
	}
	if readTimeout <= 0 {
		readTimeout = in.cfg.RTSP.ReadTimeout
	}

	in.client = &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  readTimeout,
		WriteTimeout: in.cfg.RTSP.TCPTimeout,
	}

	// ONVIF sources use a longer timeout (set above via in.cfg.RTSP.ONVIFTimeout
	// at the caller) and carry credentials in the URL's userinfo, which
	// gortsplib authenticates from directly.
	if err := in.client.Start(u.Scheme, u.Host); err != nil {
		return fmt.Errorf("%w: connecting: %v", ErrNotFound, err)
	}

	desc, _, err := in.client.Describe(u)
	if err != nil {
		in.client.Close()
		return fmt.Errorf("%w: describe: %v", ErrNotFound, err)
	}

	videoMedia, videoFormat, err := findVideoMedia(desc)
	if err != nil {
		in.client.Close()
		return err
	}
	audioMedia, audioFormat := findAudioMedia(desc)

	if err := in.setupVideo(videoMedia, videoFormat); err != nil {
		in.client.Close()
		return err
	}
	if audioMedia != nil {
		if err := in.setupAudio(audioMedia, audioFormat); err != nil {
			in.logger.Warn("audio setup failed, continuing video-only", slog.String("error", err.Error()))
		}
	}

	if _, err := in.client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		in.client.Close()
		return fmt.Errorf("%w: video setup: %v", ErrNotFound, err)
	}
	if audioMedia != nil && in.audioDec != nil {
		if _, err := in.client.Setup(desc.BaseURL, audioMedia, 0, 0); err != nil {
			in.logger.Warn("audio track setup failed", slog.String("error", err.Error()))
			in.audioDec = nil
		}
	}

	in.client.OnPacketRTP(videoMedia, videoFormat, in.onVideoRTP)
	if in.audioDec != nil {
		in.client.OnPacketRTP(audioMedia, audioFormat, in.onAudioRTP)
	}

	if _, err := in.client.Play(nil); err != nil {
		in.client.Close()
		return fmt.Errorf("%w: play: %v", ErrNotFound, err)
	}

	// client.Wait blocks until the underlying transport dies (connection
	// drop, RTSP TEARDOWN from the server, etc). Surface that as a fatal
	// read result instead of leaving ReadPacket to notice only via its 5s
	// timeout.
	go func() {
		waitErr := in.client.Wait()
		in.mu.Lock()
		closed := in.closed
		in.mu.Unlock()
		if waitErr == nil || closed {
			return
		}
		select {
		case in.fatalErr <- waitErr:
		default:
		}
	}()

	if !in.videoReady() {
		if err := in.recoverDimensions(ctx); err != nil {
			in.client.Close()
			return err
		}
	}

	return nil
}

// setupVideo resolves the video codec kind and installs its RTP decoder.
func (in *Ingest) setupVideo(media *description.Media, f format.Format) error {
	switch vf := f.(type) {
	case *format.H264:
		dec, err := vf.CreateDecoder()
		if err != nil {
			return fmt.Errorf("%w: h264 decoder: %v", ErrConfig, err)
		}
		in.videoDec = dec
		in.video.Codec = "h264"
		if sps := vf.SPS; sps != nil {
			in.video.SPS = sps
			var s h264.SPS
			if err := s.Unmarshal(sps); err == nil {
				in.video.Width = s.Width()
				in.video.Height = s.Height()
			}
		}
		in.video.PPS = vf.PPS
		return nil
	case *format.H265:
		dec, err := vf.CreateDecoder()
		if err != nil {
			return fmt.Errorf("%w: h265 decoder: %v", ErrConfig, err)
		}
		in.videoDec = dec
		in.video.Codec = "h265"
		in.video.VPS = vf.VPS
		in.video.SPS = vf.SPS
		in.video.PPS = vf.PPS
		if sps := vf.SPS; sps != nil {
			var s h265.SPS
			if err := s.Unmarshal(sps); err == nil {
				in.video.Width = s.Width()
				in.video.Height = s.Height()
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported video format %T", ErrConfig, f)
	}
}

// setupAudio resolves the audio codec kind and installs its RTP decoder.
func (in *Ingest) setupAudio(_ *description.Media, f format.Format) error {
	switch af := f.(type) {
	case *format.MPEG4Audio:
		dec, err := af.CreateDecoder()
		if err != nil {
			return fmt.Errorf("%w: aac decoder: %v", ErrConfig, err)
		}
		in.audioDec = dec
		in.audio.Codec = "aac"
		if af.Config != nil {
			in.audio.SampleRate = af.Config.SampleRate
			in.audio.ChannelCount = af.Config.ChannelCount
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported audio format %T", ErrUnsupportedAudioCodec, f)
	}
}

func findVideoMedia(desc *description.Session) (*description.Media, format.Format, error) {
	for _, media := range desc.Medias {
		if media.Type != description.MediaTypeVideo {
			continue
		}
		for _, f := range media.Formats {
			switch f.(type) {
			case *format.H264, *format.H265:
				return media, f, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("%w: no supported video track in session description", ErrNotFound)
}

func findAudioMedia(desc *description.Session) (*description.Media, format.Format) {
	for _, media := range desc.Medias {
		if media.Type != description.MediaTypeAudio {
			continue
		}
		for _, f := range media.Formats {
			if _, ok := f.(*format.MPEG4Audio); ok {
				return media, f
			}
		}
	}
	return nil, nil
}

func (in *Ingest) onVideoRTP(pkt *rtp.Packet) {
	au, err := in.videoDec.Decode(pkt)
	if err != nil {
		// ErrMorePacketsNeeded / no-previous-fragment errors are normal
		// mid-fragmentation conditions, not faults.
		return
	}
	if len(au) == 0 {
		return
	}

	if !in.videoReady() {
		in.updateVideoParamsFromNALUs(au)
	}

	data := joinAccessUnit(au)
	isKey := containsKeyframeNAL(in.video.Codec, au)

	pts := rtpTimestampToInt64(pkt.Timestamp)
	p := Packet{
		Media:      MediaVideo,
		PTS:        pts,
		DTS:        pts,
		Timescale:  90000,
		Data:       data,
		IsKeyframe: isKey,
	}
	atomic.AddUint64(&in.packetCount, 1)
	select {
	case in.packets <- p:
	default:
		in.logger.Warn("ingest packet channel full, dropping video packet")
	}
}

func (in *Ingest) onAudioRTP(pkt *rtp.Packet) {
	if in.audioDec == nil {
		return
	}
	au, err := in.audioDec.Decode(pkt)
	if err != nil || len(au) == 0 {
		return
	}
	pts := rtpTimestampToInt64(pkt.Timestamp)
	for _, frame := range au {
		p := Packet{
			Media:      MediaAudio,
			PTS:        pts,
			DTS:        pts,
			Timescale:  int64(in.audio.SampleRate),
			Data:       frame,
			IsKeyframe: true,
		}
		select {
		case in.packets <- p:
		default:
			in.logger.Warn("ingest packet channel full, dropping audio packet")
		}
	}
}

// rtpTimestampToInt64 widens a wrapping 32-bit RTP timestamp. Per-segment
// rebasing in TimestampRewriter absorbs any wraparound within one segment's
// lifetime; a long-lived stream's absolute counter is not required to be
// monotonic across 2^32 boundaries beyond what that rebase already handles.
func rtpTimestampToInt64(ts uint32) int64 {
	return int64(ts)
}

func joinAccessUnit(nalus [][]byte) []byte {
	var size int
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func containsKeyframeNAL(codec string, nalus [][]byte) bool {
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch codec {
		case "h265":
			t := h265.NALUType((n[0] >> 1) & 0x3F)
			if t >= h265.NALUType_BLA_W_LP && t <= h265.NALUType_RSV_IRAP_VCL23 {
				return true
			}
		default:
			t := h264.NALUType(n[0] & 0x1F)
			if t == h264.NALUTypeIDR {
				return true
			}
		}
	}
	return false
}

// videoReady reports whether enough parameter-set data has been recovered
// (from the SDP or from in-band SPS/VPS NAL units) to initialize a muxer.
func (in *Ingest) videoReady() bool {
	in.videoMu.Lock()
	defer in.videoMu.Unlock()
	return in.video.Ready()
}

// updateVideoParamsFromNALUs scans one access unit for parameter-set NAL
// units and, if found, fills in whatever of SPS/PPS/VPS/Width/Height the SDP
// did not already supply. Many cameras omit sprop-parameter-sets from the
// SDP entirely; without this, a stream whose SDP reports width=0/height=0
// can never satisfy videoReady and recoverDimensions always times out.
func (in *Ingest) updateVideoParamsFromNALUs(nalus [][]byte) {
	var vps, sps, pps []byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch in.video.Codec {
		case "h265":
			switch h265.NALUType((n[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				vps = append([]byte(nil), n...)
			case h265.NALUType_SPS_NUT:
				sps = append([]byte(nil), n...)
			case h265.NALUType_PPS_NUT:
				pps = append([]byte(nil), n...)
			}
		default:
			switch h264.NALUType(n[0] & 0x1F) {
			case h264.NALUTypeSPS:
				sps = append([]byte(nil), n...)
			case h264.NALUTypePPS:
				pps = append([]byte(nil), n...)
			}
		}
	}
	if vps == nil && sps == nil && pps == nil {
		return
	}

	in.videoMu.Lock()
	defer in.videoMu.Unlock()
	if sps != nil {
		in.video.SPS = sps
		switch in.video.Codec {
		case "h265":
			var s h265.SPS
			if err := s.Unmarshal(sps); err == nil {
				in.video.Width = s.Width()
				in.video.Height = s.Height()
			}
		default:
			var s h264.SPS
			if err := s.Unmarshal(sps); err == nil {
				in.video.Width = s.Width()
				in.video.Height = s.Height()
			}
		}
	}
	if pps != nil {
		in.video.PPS = pps
	}
	if vps != nil {
		in.video.VPS = vps
	}
}

// recoverDimensions implements bounded decoder-based probe: it
// reads packets until the SPS/VPS-derived width/height are non-zero, up to
// DimensionProbeTimeout. It never substitutes a placeholder resolution.
func (in *Ingest) recoverDimensions(ctx context.Context) error {
	deadline := time.Now().Add(in.cfg.RTSP.DimensionProbeTimeout)
	warnedAudioOnly := false
	warnDeadline := time.Now().Add(10 * time.Second)
	sawVideo := false

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ErrInterrupted
		case p := <-in.packets:
			if p.Media == MediaVideo {
				sawVideo = true
			}
			if in.videoReady() {
				return nil
			}
		case <-time.After(100 * time.Millisecond):
		}

		if !warnedAudioOnly && !sawVideo && time.Now().After(warnDeadline) {
			in.logger.Warn("dimension probe: only audio packets observed after 10s")
			warnedAudioOnly = true
		}
	}
	if in.videoReady() {
		return nil
	}
	return ErrDimensionProbeTimeout
}

// ReadPacket blocks for at most 5s (or until interrupted) and returns the
// next demuxed packet, matching read_packet contract.
func (in *Ingest) ReadPacket(ctx context.Context, timeout time.Duration) (Packet, ReadResult) {
	pollTicker := time.NewTicker(50 * time.Millisecond)
	defer pollTicker.Stop()

	deadline := time.After(timeout)
	for {
		select {
		case p := <-in.packets:
			return p, ReadOk
		case err := <-in.fatalErr:
			in.logger.Warn("ingest fatal error", slog.String("error", err.Error()))
			return Packet{}, ReadFatal
		case <-ctx.Done():
			return Packet{}, ReadInterrupted
		case <-pollTicker.C:
			if in.cfg.Coord.IsShutdownInitiated() || in.cfg.Signal.Requested() {
				return Packet{}, ReadInterrupted
			}
		case <-deadline:
			return Packet{}, ReadFatal
		}
	}
}

// PacketCount returns the number of video packets received so far; audio
// packets are not counted. The Supervisor's periodic demuxer reset keeps
// its own per-connection counter and does not call this.
func (in *Ingest) PacketCount() uint64 {
	return atomic.LoadUint64(&in.packetCount)
}

// VideoParams returns the recovered video codec parameters. Valid only
// after Open returns successfully.
func (in *Ingest) VideoParams() VideoParams {
	in.videoMu.Lock()
	defer in.videoMu.Unlock()
	return in.video
}

// AudioParams returns the recovered audio codec parameters, zero-value if
// no audio track was set up.
func (in *Ingest) AudioParams() AudioParams { return in.audio }

// HasAudio reports whether an audio decoder was successfully installed.
func (in *Ingest) HasAudio() bool { return in.audioDec != nil }

// Close tears down the RTSP client. Safe to call multiple times.
func (in *Ingest) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	if in.client != nil {
		in.client.Close()
	}
	return nil
}
