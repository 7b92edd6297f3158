package nvr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	mp4box "github.com/abema/go-mp4"
	mp4codec "github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

const (
	mp4Timescale = 90000

	// keyframeWaitTimeout is the end-boundary grace period: how long the
	// recorder waits for a closing keyframe before writing a non-key
	// closing packet instead.
	keyframeWaitTimeout = 5 * time.Second
)

// mp4Sample is one access unit buffered for a segment: its raw bytes are
// already appended to the segment's scratch file, only the table metadata
// is kept resident.
type mp4Sample struct {
	offset     int64 // byte offset into the scratch file
	size       uint32
	duration   uint32
	ptsOffset  int32 // composition time offset (pts - dts), in output timescale
	syncSample bool
}

// MP4Writer is the MP4 Segment Recorder's per-segment muxer state. One
// instance owns exactly one output file; it is replaced, never reused, on
// rotation.
type MP4Writer struct {
	mu sync.Mutex

	finalPath   string
	scratchPath string
	scratch     *os.File

	video VideoParams
	audio AudioParams
	hasAudio bool

	videoTS *TimestampRewriter
	audioTS *TimestampRewriter

	videoSamples []mp4Sample
	audioSamples []mp4Sample

	scratchOffset int64

	lastVideoDTS    int64
	haveLastVideoDTS bool
	lastAudioDTS    int64
	haveLastAudioDTS bool

	sawFirstVideo   bool
	lastFrameWasKey bool
	recording       bool
	trailerWritten  bool

	createdAt time.Time
}

// NewMP4Writer creates the scratch file for a new segment and validates
// video dimensions step 4. scratchDir is typically the
// storage layer's configured temp directory.
func NewMP4Writer(finalPath, scratchDir string, video VideoParams, audio AudioParams, hasAudio bool, segmentIndex uint32) (*MP4Writer, error) {
	if video.Width == 0 || video.Height == 0 {
		return nil, ErrZeroDimensions
	}
	if hasAudio && audio.Codec != "" && audio.Codec != "aac" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAudioCodec, audio.Codec)
	}

	if err := os.MkdirAll(scratchDir, 0o777); err != nil {
		return nil, fmt.Errorf("%w: creating scratch dir: %v", ErrConfig, err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o777); err != nil {
		return nil, fmt.Errorf("%w: creating output dir: %v", ErrConfig, err)
	}
	// One-segment-per-path: remove a pre-existing file of the same name.
	_ = os.Remove(finalPath)

	f, err := os.CreateTemp(scratchDir, "segment-*.raw")
	if err != nil {
		return nil, fmt.Errorf("%w: opening scratch file: %v", ErrConfig, err)
	}

	w := &MP4Writer{
		finalPath:   finalPath,
		scratchPath: f.Name(),
		scratch:     f,
		video:       video,
		audio:       audio,
		hasAudio:    hasAudio && audio.Codec == "aac",
		videoTS:     NewTimestampRewriter(segmentIndex),
		audioTS:     NewTimestampRewriter(segmentIndex),
		recording:   true,
		createdAt:   time.Now(),
	}
	return w, nil
}

// IsRecording reports whether the writer is still accepting packets — the
// Writer Registry's notion of a "healthy" vs "dead" supervisor slot
// (spec GLOSSARY).
func (w *MP4Writer) IsRecording() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recording
}

// WriteVideo appends one video access unit to the segment. The caller
// (the Supervisor's packet loop) is responsible for start/end-boundary
// keyframe alignment; WriteVideo always writes what it is given.
func (w *MP4Writer) WriteVideo(p Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.recording {
		return ErrUnhealthy
	}

	pts, dts := w.videoTS.Rewrite(p.PTS, p.DTS)
	pts = Rescale(pts, p.Timescale, mp4Timescale)
	dts = Rescale(dts, p.Timescale, mp4Timescale)

	fallback := VideoFrameDuration(30, 1, mp4Timescale)
	if w.haveLastVideoDTS {
		if n := len(w.videoSamples); n > 0 {
			w.videoSamples[n-1].duration = uint32(FillDuration(dts-w.lastVideoDTS, fallback))
		}
	}
	w.lastVideoDTS = dts
	w.haveLastVideoDTS = true

	off, err := w.appendScratch(p.Data)
	if err != nil {
		return w.classifyWriteErr(err)
	}

	w.videoSamples = append(w.videoSamples, mp4Sample{
		offset:     off,
		size:       uint32(len(p.Data)),
		duration:   uint32(fallback), // patched to the real delta once the next sample arrives
		ptsOffset:  int32(pts - dts),
		syncSample: p.IsKeyframe,
	})
	w.sawFirstVideo = true
	w.lastFrameWasKey = p.IsKeyframe
	return nil
}

// WriteAudio appends one audio frame to the segment. Audio packets
// arriving before the first video keyframe must be dropped by the caller
// ; WriteAudio itself does not enforce that rule.
func (w *MP4Writer) WriteAudio(p Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.recording {
		return ErrUnhealthy
	}
	if !w.hasAudio {
		return nil
	}

	pts, dts := w.audioTS.Rewrite(p.PTS, p.DTS)
	sampleRate := int64(w.audio.SampleRate)
	if sampleRate == 0 {
		sampleRate = 48000
	}
	pts = Rescale(pts, p.Timescale, sampleRate)
	dts = Rescale(dts, p.Timescale, sampleRate)

	dur := FillDuration(0, AudioFrameDuration(1024, int(sampleRate), sampleRate))

	off, err := w.appendScratch(p.Data)
	if err != nil {
		return w.classifyWriteErr(err)
	}

	w.audioSamples = append(w.audioSamples, mp4Sample{
		offset:     off,
		size:       uint32(len(p.Data)),
		duration:   uint32(dur),
		ptsOffset:  int32(pts - dts),
		syncSample: true,
	})
	return nil
}

func (w *MP4Writer) appendScratch(data []byte) (int64, error) {
	off := w.scratchOffset
	n, err := w.scratch.Write(data)
	if err != nil {
		return 0, err
	}
	w.scratchOffset += int64(n)
	return off, nil
}

// classifyWriteErr maps a scratch-file write failure onto the fatal-for-
// segment taxonomy: ENOSPC and EIO abort the segment without a trailer.
func (w *MP4Writer) classifyWriteErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		w.recording = false
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		w.recording = false
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}
	return err
}

// LastFrameWasKey reports whether the most recently written video packet
// was a keyframe — the `last_frame_was_key` flag that decides whether a
// Pending Keyframe Packet exists for the next segment.
func (w *MP4Writer) LastFrameWasKey() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFrameWasKey
}

// Abort closes the segment without writing a trailer — the fatal-for-
// segment path (disk full, I/O error). The partial scratch file is removed.
func (w *MP4Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recording = false
	w.trailerWritten = true // Close after Abort must be a no-op, not a re-read of a closed scratch file.
	if w.scratch != nil {
		_ = w.scratch.Close()
		_ = os.Remove(w.scratchPath)
	}
	return nil
}

// Close finalizes the segment: composes ftyp/moov/mdat from the buffered
// sample tables and the scratch file's contents, writes the result
// atomically (scratch-path rename would cross filesystems in general, so a
// tmp-in-place-then-rename is used instead), and removes the scratch file.
// Idempotent: a second Close is a no-op.
func (w *MP4Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trailerWritten {
		return nil
	}
	w.trailerWritten = true
	w.recording = false

	defer func() {
		_ = w.scratch.Close()
		_ = os.Remove(w.scratchPath)
	}()

	if _, err := w.scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}

	tmpPath := w.finalPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}

	if err := w.mux(out); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}
	if err := os.Rename(tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}
	return nil
}

// mux composes the classic (faststart, non-fragmented) MP4 layout: ftyp,
// then moov (with stco entries patched to their final absolute offsets
// once the moov's own size is known), then mdat holding the scratch file's
// bytes verbatim — moov before mdat, never empty_moov.
func (w *MP4Writer) mux(out io.Writer) error {
	var ftypBuf bytes.Buffer
	if err := writeFtyp(&ftypBuf); err != nil {
		return err
	}

	moovBuf, stcoPatchPositions, err := w.buildMoov()
	if err != nil {
		return err
	}

	mdatOffset := int64(ftypBuf.Len() + moovBuf.Len() + 8) // +8: mdat box header
	patchStcoOffsets(moovBuf.Bytes(), stcoPatchPositions, mdatOffset)

	if _, err := out.Write(ftypBuf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}
	if _, err := out.Write(moovBuf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}

	mdatSize := uint64(w.scratchOffset) + 8
	var hdr [8]byte
	putUint32BE(hdr[0:4], uint32(mdatSize))
	copy(hdr[4:8], "mdat")
	if _, err := out.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}
	if _, err := io.Copy(out, w.scratch); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteIO, err)
	}
	return nil
}

func writeFtyp(buf *bytes.Buffer) error {
	bw := mp4box.NewWriter(&seekBuf{Buffer: buf})
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeFtyp()}); err != nil {
		return err
	}
	ftyp := mp4box.Ftyp{
		MajorBrand:       [4]byte{'i', 's', 'o', 'm'},
		MinorVersion:     0x200,
		CompatibleBrands: []mp4box.CompatibleBrandElem{{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}}, {CompatibleBrand: [4]byte{'m', 'p', '4', '1'}}},
	}
	if _, err := mp4box.Marshal(bw, &ftyp, mp4box.Context{}); err != nil {
		return err
	}
	_, err := bw.EndBox()
	return err
}

// buildMoov writes the moov tree with stco entries zeroed, and returns the
// byte positions (within the returned buffer) of each stco entry so the
// caller can patch in final absolute offsets once moov's length is known.
func (w *MP4Writer) buildMoov() (*bytes.Buffer, []stcoPatch, error) {
	buf := &bytes.Buffer{}
	var patches []stcoPatch

	bw := mp4box.NewWriter(&seekBuf{Buffer: buf})
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeMoov()}); err != nil {
		return nil, nil, err
	}

	duration := w.timelineDuration()
	mvhd := mp4box.Mvhd{
		Timescale:   mp4Timescale,
		DurationV0:  uint32(duration),
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      [9]int32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
		NextTrackID: 3,
	}
	if err := writeFullBox(bw, mp4box.BoxTypeMvhd(), &mvhd); err != nil {
		return nil, nil, err
	}

	if n := len(w.videoSamples); n > 0 {
		p, err := w.writeTrack(bw, 1, "vide", mp4Timescale, w.videoSamples, buf)
		if err != nil {
			return nil, nil, err
		}
		patches = append(patches, p...)
	}
	if w.hasAudio && len(w.audioSamples) > 0 {
		sr := w.audio.SampleRate
		if sr == 0 {
			sr = 48000
		}
		p, err := w.writeTrack(bw, 2, "soun", uint32(sr), w.audioSamples, buf)
		if err != nil {
			return nil, nil, err
		}
		patches = append(patches, p...)
	}

	if _, err := bw.EndBox(); err != nil {
		return nil, nil, err
	}
	return buf, patches, nil
}

func (w *MP4Writer) timelineDuration() int64 {
	var total int64
	for _, s := range w.videoSamples {
		total += int64(s.duration)
	}
	return total
}

type stcoPatch struct {
	bufOffset int // byte offset of the uint32 entry within the moov buffer
	sample    *mp4Sample
}

// writeTrack emits one trak box and records where its stco entries land in
// buf so they can be patched with real absolute file offsets afterward.
func (w *MP4Writer) writeTrack(bw *mp4box.Writer, trackID uint32, handler string, timescale uint32, samples []mp4Sample, buf *bytes.Buffer) ([]stcoPatch, error) {
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeTrak()}); err != nil {
		return nil, err
	}

	tkhd := mp4box.Tkhd{
		FullBox:    mp4box.FullBox{Flags: [3]byte{0, 0, 3}},
		TrackID:    trackID,
		DurationV0: uint32(w.timelineDuration()),
	}
	if handler == "vide" {
		tkhd.Width = uint32(w.video.Width) << 16
		tkhd.Height = uint32(w.video.Height) << 16
	}
	if err := writeFullBox(bw, mp4box.BoxTypeTkhd(), &tkhd); err != nil {
		return nil, err
	}

	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeMdia()}); err != nil {
		return nil, err
	}
	mdhd := mp4box.Mdhd{Timescale: timescale, DurationV0: uint32(trackDuration(samples))}
	if err := writeFullBox(bw, mp4box.BoxTypeMdhd(), &mdhd); err != nil {
		return nil, err
	}
	hdlrType := [4]byte{'v', 'i', 'd', 'e'}
	if handler != "vide" {
		hdlrType = [4]byte{'s', 'o', 'u', 'n'}
	}
	hdlr := mp4box.Hdlr{HandlerType: hdlrType}
	if err := writeFullBox(bw, mp4box.BoxTypeHdlr(), &hdlr); err != nil {
		return nil, err
	}

	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeMinf()}); err != nil {
		return nil, err
	}
	if handler == "vide" {
		if err := writeFullBox(bw, mp4box.BoxTypeVmhd(), &mp4box.Vmhd{}); err != nil {
			return nil, err
		}
	} else {
		if err := writeFullBox(bw, mp4box.BoxTypeSmhd(), &mp4box.Smhd{}); err != nil {
			return nil, err
		}
	}

	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeDinf()}); err != nil {
		return nil, err
	}
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeDref()}); err != nil {
		return nil, err
	}
	if err := writeFullBox(bw, mp4box.BoxTypeUrl(), &mp4box.Url{FullBox: mp4box.FullBox{Flags: [3]byte{0, 0, 1}}}); err != nil {
		return nil, err
	}
	if _, err := bw.EndBox(); err != nil { // dref
		return nil, err
	}
	if _, err := bw.EndBox(); err != nil { // dinf
		return nil, err
	}

	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeStbl()}); err != nil {
		return nil, err
	}

	if err := w.writeStsd(bw, handler); err != nil {
		return nil, err
	}
	if err := writeStts(bw, samples); err != nil {
		return nil, err
	}
	if handler == "vide" {
		if err := writeStss(bw, samples); err != nil {
			return nil, err
		}
		if err := writeCtts(bw, samples); err != nil {
			return nil, err
		}
	}
	if err := writeStsc(bw, len(samples)); err != nil {
		return nil, err
	}
	if err := writeStsz(bw, samples); err != nil {
		return nil, err
	}
	patches, err := writeStco(bw, buf, samples)
	if err != nil {
		return nil, err
	}

	if _, err := bw.EndBox(); err != nil { // stbl
		return nil, err
	}
	if _, err := bw.EndBox(); err != nil { // minf
		return nil, err
	}
	if _, err := bw.EndBox(); err != nil { // mdia
		return nil, err
	}
	if _, err := bw.EndBox(); err != nil { // trak
		return nil, err
	}
	return patches, nil
}

func trackDuration(samples []mp4Sample) int64 {
	var total int64
	for _, s := range samples {
		total += int64(s.duration)
	}
	return total
}

// writeStsd writes the sample description box: avc1/hvc1 with an avcC/hvcC
// child for video, mp4a with an esds child for audio. The codec_tag is
// deliberately never copied from the source — go-mp4 always writes the
// correct fixed fourcc for the sample entry type.
func (w *MP4Writer) writeStsd(bw *mp4box.Writer, handler string) error {
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeStsd()}); err != nil {
		return err
	}
	if err := writeFullBox(bw, [4]byte{'s', 't', 's', 'd'}, &mp4box.Stsd{EntryCount: 1}); err != nil {
		return err
	}

	if handler == "vide" {
		if err := w.writeVideoSampleEntry(bw); err != nil {
			return err
		}
	} else {
		if err := w.writeAudioSampleEntry(bw); err != nil {
			return err
		}
	}

	_, err := bw.EndBox() // stsd
	return err
}

func (w *MP4Writer) writeVideoSampleEntry(bw *mp4box.Writer) error {
	boxType := mp4box.BoxTypeAvc1()
	if w.video.Codec == "h265" {
		boxType = mp4box.StrToBoxType("hvc1")
	}
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: boxType}); err != nil {
		return err
	}
	entry := mp4box.VisualSampleEntry{
		SampleEntry:    mp4box.SampleEntry{DataReferenceIndex: 1},
		Width:          uint16(w.video.Width),
		Height:         uint16(w.video.Height),
		Horizresolution: 0x00480000,
		Vertresolution:  0x00480000,
		FrameCount:      1,
		Depth:           0x0018,
		PreDefined3:     [3]int32{-1, -1, -1},
	}
	if _, err := mp4box.Marshal(bw, &entry, mp4box.Context{}); err != nil {
		return err
	}

	if w.video.Codec == "h265" {
		hvcc := mp4codec.CodecH265{VPS: w.video.VPS, SPS: w.video.SPS, PPS: w.video.PPS}
		data, err := hvcc.Marshal()
		if err != nil {
			return err
		}
		if err := writeRawBox(bw, "hvcC", data); err != nil {
			return err
		}
	} else {
		avcc := mp4codec.CodecH264{SPS: w.video.SPS, PPS: w.video.PPS}
		data, err := avcc.Marshal()
		if err != nil {
			return err
		}
		if err := writeRawBox(bw, "avcC", data); err != nil {
			return err
		}
	}

	_, err := bw.EndBox()
	return err
}

func (w *MP4Writer) writeAudioSampleEntry(bw *mp4box.Writer) error {
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeMp4a()}); err != nil {
		return err
	}
	sr := uint32(w.audio.SampleRate)
	if sr == 0 {
		sr = 48000
	}
	ch := uint16(w.audio.ChannelCount)
	if ch == 0 {
		ch = 2
	}
	entry := mp4box.AudioSampleEntry{
		SampleEntry:   mp4box.SampleEntry{DataReferenceIndex: 1},
		ChannelCount:  ch,
		SampleSize:    16,
		SampleRate:    sr << 16,
	}
	if _, err := mp4box.Marshal(bw, &entry, mp4box.Context{}); err != nil {
		return err
	}

	codec := mp4codec.CodecMPEG4Audio{}
	if len(w.audio.Config) > 0 {
		_ = codec.Config.Unmarshal(w.audio.Config)
	} else {
		codec.Config.Type = 2
		codec.Config.SampleRate = int(sr)
		codec.Config.ChannelCount = int(ch)
	}
	data, err := codec.Marshal()
	if err != nil {
		return err
	}
	if err := writeRawBox(bw, "esds", data); err != nil {
		return err
	}

	_, err = bw.EndBox()
	return err
}

func writeFullBox(bw *mp4box.Writer, t mp4box.BoxType, box mp4box.IImmutableBox) error {
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: t}); err != nil {
		return err
	}
	if _, err := mp4box.Marshal(bw, box, mp4box.Context{}); err != nil {
		return err
	}
	_, err := bw.EndBox()
	return err
}

// writeRawBox writes a box whose payload mediacommon has already marshaled
// into a flat byte slice (avcC/hvcC/esds) directly, bypassing go-mp4's
// struct marshaling for boxes mediacommon already owns bit-exact.
func writeRawBox(bw *mp4box.Writer, fourcc string, payload []byte) error {
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.StrToBoxType(fourcc)}); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	_, err := bw.EndBox()
	return err
}

func writeStts(bw *mp4box.Writer, samples []mp4Sample) error {
	entries := compressDurations(samples)
	return writeFullBox(bw, mp4box.BoxTypeStts(), &mp4box.Stts{EntryCount: uint32(len(entries)), Entries: entries})
}

func compressDurations(samples []mp4Sample) []mp4box.SttsEntry {
	var entries []mp4box.SttsEntry
	for _, s := range samples {
		if n := len(entries); n > 0 && entries[n-1].SampleDelta == s.duration {
			entries[n-1].SampleCount++
			continue
		}
		entries = append(entries, mp4box.SttsEntry{SampleCount: 1, SampleDelta: s.duration})
	}
	return entries
}

func writeStss(bw *mp4box.Writer, samples []mp4Sample) error {
	var nums []uint32
	for i, s := range samples {
		if s.syncSample {
			nums = append(nums, uint32(i+1))
		}
	}
	if len(nums) == 0 {
		return nil
	}
	return writeFullBox(bw, mp4box.BoxTypeStss(), &mp4box.Stss{EntryCount: uint32(len(nums)), SampleNumber: nums})
}

func writeCtts(bw *mp4box.Writer, samples []mp4Sample) error {
	entries := make([]mp4box.CttsEntry, 0, len(samples))
	for _, s := range samples {
		entries = append(entries, mp4box.CttsEntry{SampleCount: 1, SampleOffsetV1: s.ptsOffset})
	}
	return writeFullBox(bw, mp4box.BoxTypeCtts(), &mp4box.Ctts{
		FullBox:    mp4box.FullBox{Version: 1},
		EntryCount: uint32(len(entries)),
		Entries:    entries,
	})
}

func writeStsc(bw *mp4box.Writer, sampleCount int) error {
	if sampleCount == 0 {
		return writeFullBox(bw, mp4box.BoxTypeStsc(), &mp4box.Stsc{EntryCount: 0})
	}
	entries := []mp4box.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1}}
	return writeFullBox(bw, mp4box.BoxTypeStsc(), &mp4box.Stsc{EntryCount: 1, Entries: entries})
}

func writeStsz(bw *mp4box.Writer, samples []mp4Sample) error {
	sizes := make([]uint32, len(samples))
	for i, s := range samples {
		sizes[i] = s.size
	}
	return writeFullBox(bw, mp4box.BoxTypeStsz(), &mp4box.Stsz{SampleSize: 0, SampleCount: uint32(len(sizes)), EntrySize: sizes})
}

// writeStco writes one chunk-offset entry per sample (chunk size 1) with
// placeholder zero offsets, and returns their positions within buf so the
// caller can patch in real absolute file offsets once total layout size is
// known.
func writeStco(bw *mp4box.Writer, buf *bytes.Buffer, samples []mp4Sample) ([]stcoPatch, error) {
	offsets := make([]uint32, len(samples))
	if _, err := bw.StartBox(&mp4box.BoxInfo{Type: mp4box.BoxTypeStco()}); err != nil {
		return nil, err
	}
	if _, err := mp4box.Marshal(bw, &mp4box.Stco{EntryCount: uint32(len(offsets)), ChunkOffset: offsets}, mp4box.Context{}); err != nil {
		return nil, err
	}
	entriesStart := buf.Len() - len(offsets)*4
	if _, err := bw.EndBox(); err != nil {
		return nil, err
	}

	patches := make([]stcoPatch, len(samples))
	for i := range samples {
		patches[i] = stcoPatch{bufOffset: entriesStart + i*4, sample: &samples[i]}
	}
	return patches, nil
}

// patchStcoOffsets overwrites each zero-valued stco entry in moovBytes with
// its real absolute file offset, now that mdatOffset (and therefore the
// final file layout) is known.
func patchStcoOffsets(moovBytes []byte, patches []stcoPatch, mdatOffset int64) {
	for _, p := range patches {
		abs := mdatOffset + p.sample.offset
		putUint32BE(moovBytes[p.bufOffset:p.bufOffset+4], uint32(abs))
	}
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// seekBuf adapts bytes.Buffer to io.WriteSeeker so go-mp4's Writer (which
// seeks back to patch box sizes after EndBox) can target an in-memory
// buffer the same way it targets a file.
type seekBuf struct {
	*bytes.Buffer
	pos int64
}

func (s *seekBuf) Write(p []byte) (int, error) {
	b := s.Buffer.Bytes()
	if int(s.pos) < len(b) {
		n := copy(b[s.pos:], p)
		if n < len(p) {
			m, err := s.Buffer.Write(p[n:])
			if err != nil {
				return n, err
			}
			n += m
		}
		s.pos += int64(n)
		return n, nil
	}
	n, err := s.Buffer.Write(p)
	s.pos += int64(n)
	return n, err
}

func (s *seekBuf) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("seekBuf: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("seekBuf: negative position")
	}
	s.pos = newPos
	return newPos, nil
}
