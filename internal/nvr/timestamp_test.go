package nvr

import "testing"

func TestTimestampRewriterFirstPacketSegmentZero(t *testing.T) {
	r := NewTimestampRewriter(0)
	pts, dts := r.Rewrite(1000, 1000)
	if pts != 0 || dts != 0 {
		t.Fatalf("first packet of segment 0 should rebase to zero, got pts=%d dts=%d", pts, dts)
	}
}

func TestTimestampRewriterFirstPacketLaterSegment(t *testing.T) {
	r := NewTimestampRewriter(3)
	pts, dts := r.Rewrite(5000, 5000)
	if pts != 1 || dts != 1 {
		t.Fatalf("first packet of segment>0 should rebase to 1, got pts=%d dts=%d", pts, dts)
	}
}

func TestTimestampRewriterMonotonicSequence(t *testing.T) {
	r := NewTimestampRewriter(0)
	base := int64(90000)
	prevDTS := int64(-1)
	for i := int64(0); i < 20; i++ {
		pts, dts := r.Rewrite(base+i*3000, base+i*3000)
		if dts <= prevDTS {
			t.Fatalf("dts not strictly increasing at i=%d: got %d after %d", i, dts, prevDTS)
		}
		if pts < dts {
			t.Fatalf("pts < dts at i=%d: pts=%d dts=%d", i, pts, dts)
		}
		prevDTS = dts
	}
}

func TestTimestampRewriterPTSLessThanDTSCorrected(t *testing.T) {
	r := NewTimestampRewriter(0)
	r.Rewrite(1000, 1000)
	pts, dts := r.Rewrite(1500, 2000)
	if pts < dts {
		t.Fatalf("pts should never be less than dts, got pts=%d dts=%d", pts, dts)
	}
}

func TestTimestampRewriterNonMonotonicDTSBumped(t *testing.T) {
	r := NewTimestampRewriter(0)
	_, dts1 := r.Rewrite(1000, 1000)
	// second packet's DTS goes backwards relative to the first.
	pts2, dts2 := r.Rewrite(1000, 500)
	if dts2 <= dts1 {
		t.Fatalf("non-monotonic dts should be bumped past previous: dts1=%d dts2=%d", dts1, dts2)
	}
	if pts2 < dts2 {
		t.Fatalf("pts must not trail bumped dts: pts=%d dts=%d", pts2, dts2)
	}
}

func TestTimestampRewriterFiveConsecutiveErrorsForcesFullRebase(t *testing.T) {
	r := NewTimestampRewriter(0)
	r.Rewrite(1000, 1000)
	// Feed five non-monotonic packets in a row; the fifth should trigger a
	// full rebase and the error counter should be back at zero afterward.
	for i := 0; i < 5; i++ {
		r.Rewrite(100, 100)
	}
	if r.consecutiveErrors != 0 {
		t.Fatalf("expected consecutive error counter reset after full rebase, got %d", r.consecutiveErrors)
	}
}

func TestTimestampRewriterConsecutiveErrorsResetOnSuccess(t *testing.T) {
	r := NewTimestampRewriter(0)
	r.Rewrite(1000, 1000)
	r.Rewrite(100, 100) // one non-monotonic packet
	if r.consecutiveErrors != 1 {
		t.Fatalf("expected 1 consecutive error, got %d", r.consecutiveErrors)
	}
	r.Rewrite(r.prevDTS+5000, r.prevDTS+5000) // a clean, monotonic packet
	if r.consecutiveErrors != 0 {
		t.Fatalf("expected consecutive error counter to reset on success, got %d", r.consecutiveErrors)
	}
}

func TestTimestampRewriterOverflowRebase(t *testing.T) {
	r := NewTimestampRewriter(0)
	r.Rewrite(0, 0) // firstDTS/firstPTS = 0, so the next packet keeps its raw value
	pts, dts := r.Rewrite(dtsSafetyMargin+100, dtsSafetyMargin)
	if dts >= dtsSafetyMargin {
		t.Fatalf("dts should have been rebased below the safety margin, got %d", dts)
	}
	if pts < dts {
		t.Fatalf("pts must not trail dts after overflow rebase: pts=%d dts=%d", pts, dts)
	}
}

func TestFillDuration(t *testing.T) {
	cases := []struct {
		name     string
		duration int64
		fallback int64
		want     int64
	}{
		{"zero uses fallback", 0, 1, 1},
		{"negative uses fallback", -5, 3000, 3000},
		{"normal passthrough", 3003, 1, 3003},
		{"oversized capped", maxPacketDuration + 1, 1, cappedDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FillDuration(tc.duration, tc.fallback); got != tc.want {
				t.Fatalf("FillDuration(%d, %d) = %d, want %d", tc.duration, tc.fallback, got, tc.want)
			}
		})
	}
}

func TestVideoFrameDuration(t *testing.T) {
	got := VideoFrameDuration(30, 1, 90000)
	if got != 3000 {
		t.Fatalf("30fps at 90kHz timescale should be 3000 ticks/frame, got %d", got)
	}
	if got := VideoFrameDuration(0, 1, 90000); got != 0 {
		t.Fatalf("invalid frame rate should yield 0, got %d", got)
	}
}

func TestAudioFrameDuration(t *testing.T) {
	got := AudioFrameDuration(1024, 48000, 48000)
	if got != 1024 {
		t.Fatalf("1024 samples at matching timescale should be 1024 ticks, got %d", got)
	}
}

func TestRescale(t *testing.T) {
	if got := Rescale(90000, 90000, 1000); got != 1000 {
		t.Fatalf("Rescale(90000, 90000, 1000) = %d, want 1000", got)
	}
	if got := Rescale(42, 0, 1000); got != 42 {
		t.Fatalf("zero source timescale should pass through unchanged, got %d", got)
	}
}
