package nvr

// MediaKind distinguishes the two packet classes the engine cares about.
type MediaKind int

const (
	MediaVideo MediaKind = iota
	MediaAudio
)

func (k MediaKind) String() string {
	if k == MediaAudio {
		return "audio"
	}
	return "video"
}

// Packet is one demuxed access unit, already depacketized from RTP, in the
// source stream's native timebase. Video payloads are Annex-B (start-code
// delimited) NAL units concatenated as a single access unit; this is what
// mediacommon's FillH264/FillH265 and the MPEG-TS writer both expect.
type Packet struct {
	Media      MediaKind
	PTS        int64
	DTS        int64
	Timescale  int64
	Data       []byte
	IsKeyframe bool
}

// VideoParams describes the recovered codec parameters for the video
// stream: dimensions and the parameter-set NAL units needed to build the
// MP4 avcC/hvcC box or the HLS fMP4 init segment.
type VideoParams struct {
	Codec  string // "h264" or "h265"
	Width  int
	Height int
	VPS    []byte // H.265 only
	SPS    []byte
	PPS    []byte
}

// Ready reports whether enough parameter data is present to initialize a
// muxer for this codec.
func (p VideoParams) Ready() bool {
	if len(p.SPS) == 0 || len(p.PPS) == 0 {
		return false
	}
	if p.Codec == "h265" && len(p.VPS) == 0 {
		return false
	}
	return p.Width > 0 && p.Height > 0
}

// AudioParams describes the recovered codec parameters for the audio
// stream.
type AudioParams struct {
	Codec        string // "aac", "opus", "ac3", "eac3", "mp3", or a PCM variant
	SampleRate   int
	ChannelCount int
	Config       []byte // AudioSpecificConfig, for AAC
}
