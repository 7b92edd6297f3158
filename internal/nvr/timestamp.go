package nvr

// Timestamp discipline constants.
const (
	// dtsAbsoluteLimit is the MP4 32-bit ceiling (0x7FFFFFFF). DTS must never
	// reach or exceed it.
	dtsAbsoluteLimit = 0x7FFFFFFF

	// dtsSafetyMargin is ~87.5% of the absolute limit; crossing it triggers a
	// rebase before the hard ceiling is ever at risk.
	dtsSafetyMargin = 0x70000000

	// dtsRebaseTo is the small base a rebase resets DTS to.
	dtsRebaseTo = 1000

	// ptsDeltaRebaseWindow bounds the (PTS-DTS) delta that is preserved across
	// a rebase; deltas outside it are discarded in favor of PTS == DTS.
	ptsDeltaRebaseWindow = 10000

	// consecutiveErrorResetThreshold is how many monotonicity violations in a
	// row force a full rebase of first/last tracking state.
	consecutiveErrorResetThreshold = 5

	// maxPacketDuration caps an oversized decoded duration; values
	// above this are almost certainly a demuxer glitch, not a real gap.
	maxPacketDuration = 10_000_000
	// cappedDuration is what an oversized duration is clamped to.
	cappedDuration = 90_000
)

// TimestampRewriter encapsulates every piece of per-output-stream timestamp
// arithmetic scattered across the original recorder/writer: first-
// DTS/PTS capture, segment-index-dependent rebase, monotonicity correction,
// 32-bit overflow avoidance, and missing-duration recovery. One instance is
// owned per output stream (video, audio) within one MP4 Writer lifetime and
// is reset at the start of every segment.
type TimestampRewriter struct {
	// segmentIndex selects the rebase formula: segment 0 rewrites to
	// value-first clamped at 0; segment >0 adds 1 for inter-segment
	// continuity.
	segmentIndex uint32

	started  bool
	firstDTS int64
	firstPTS int64

	havePrev bool
	prevDTS  int64

	consecutiveErrors int
}

// NewTimestampRewriter returns a rewriter for the given segment index.
func NewTimestampRewriter(segmentIndex uint32) *TimestampRewriter {
	return &TimestampRewriter{segmentIndex: segmentIndex}
}

// Reset clears all tracking state, as if the rewriter were newly constructed
// for segmentIndex. Nothing calls it: the full-rebase-on-5-consecutive-errors
// path clears its fields inline, and each MP4 segment gets a fresh rewriter
// from NewMP4Writer.
func (t *TimestampRewriter) Reset(segmentIndex uint32) {
	*t = TimestampRewriter{segmentIndex: segmentIndex}
}

// Rewrite applies the full correction pipeline to one packet's PTS/DTS, in
// the input stream's timebase, and returns the corrected (pts, dts). It must
// be called once per packet, in arrival order, for a single output stream.
func (t *TimestampRewriter) Rewrite(pts, dts int64) (outPTS, outDTS int64) {
	if !t.started {
		t.firstDTS = dts
		t.firstPTS = pts
		t.started = true
	}

	dts = t.rebaseForSegment(dts, t.firstDTS)
	pts = t.rebaseForSegment(pts, t.firstPTS)

	if dts < 0 {
		dts = 0
	}
	if pts < 0 {
		pts = 0
	}

	// PTS < DTS is corrected to PTS = DTS.
	if pts < dts {
		pts = dts
	}

	// Strict monotonicity: DTS must exceed the previous DTS written to this
	// stream, preserving the original (PTS-DTS) offset across the bump.
	if t.havePrev && dts <= t.prevDTS {
		delta := pts - dts
		dts = t.prevDTS + 1
		pts = dts + delta
		if pts < dts {
			pts = dts
		}
		t.consecutiveErrors++
		if t.consecutiveErrors >= consecutiveErrorResetThreshold {
			// Full rebase: forget first/last tracking and restart this packet
			// as the first packet of the current segment index.
			t.started = false
			t.havePrev = false
			t.consecutiveErrors = 0
			return t.Rewrite(pts, dts)
		}
	} else {
		t.consecutiveErrors = 0
	}

	// 32-bit overflow avoidance: rebase well before the hard ceiling,
	// preserving the (PTS-DTS) delta only if it is small and sane.
	if dts >= dtsSafetyMargin || dts >= dtsAbsoluteLimit {
		delta := pts - dts
		dts = dtsRebaseTo
		if delta >= 0 && delta < ptsDeltaRebaseWindow {
			pts = dts + delta
		} else {
			pts = dts
		}
	}

	t.prevDTS = dts
	t.havePrev = true

	return pts, dts
}

// rebaseForSegment applies the segment-index-dependent offset: segment 0
// is `value - first`, later segments add 1 for continuity without
// carrying absolute timestamps forward indefinitely.
func (t *TimestampRewriter) rebaseForSegment(value, first int64) int64 {
	rebased := value - first
	if t.segmentIndex > 0 {
		rebased++
	}
	return rebased
}

// FillDuration recovers a missing (zero or negative, i.e. NOPTS) duration
// and caps oversized ones, fallback is the value used when
// neither rate-derived estimate is available (typically 1).
func FillDuration(duration int64, fallback int64) int64 {
	if duration <= 0 {
		return fallback
	}
	if duration > maxPacketDuration {
		return cappedDuration
	}
	return duration
}

// VideoFrameDuration derives a frame duration from avg_frame_rate, expressed
// in the stream's timebase (timescale ticks per second).
func VideoFrameDuration(frameRateNum, frameRateDen int, timescale int64) int64 {
	if frameRateNum <= 0 || frameRateDen <= 0 {
		return 0
	}
	return int64(frameRateDen) * timescale / int64(frameRateNum)
}

// AudioFrameDuration derives an audio frame duration from frame size and
// sample rate, expressed in the stream's timebase.
func AudioFrameDuration(frameSize int, sampleRate int, timescale int64) int64 {
	if frameSize <= 0 || sampleRate <= 0 {
		return 0
	}
	return int64(frameSize) * timescale / int64(sampleRate)
}

// Rescale converts a timestamp from one timebase (ticks per second) to
// another, matching the muxer's final rescaling step.
func Rescale(value int64, fromTimescale, toTimescale int64) int64 {
	if fromTimescale == toTimescale || fromTimescale == 0 {
		return value
	}
	return value * toTimescale / fromTimescale
}
