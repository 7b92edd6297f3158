package nvr

import "context"

// EncodedFrame is one AAC frame produced by an AudioTranscoder, ready to
// reach MP4Writer.WriteAudio/HLSWriter.WriteAudio once wrapped in a Packet.
type EncodedFrame struct {
	PTS  int64
	Data []byte
}

// AudioTranscoder is the PCM→AAC substream collaborator: a started process
// with a stats-free surface since the engine only cares about its output
// channel and lifecycle, not process-level metrics.
type AudioTranscoder interface {
	Start(ctx context.Context) error
	Write(pcm []byte) error
	Output() <-chan EncodedFrame
	Close() error
}

// PassthroughAudioTranscoder is a no-op AudioTranscoder: it assumes
// the source is already AAC and never transforms anything. Write is a
// no-op; Output never yields a frame. The Supervisor does not construct
// or call any AudioTranscoder.
type PassthroughAudioTranscoder struct {
	out chan EncodedFrame
}

func NewPassthroughAudioTranscoder() *PassthroughAudioTranscoder {
	return &PassthroughAudioTranscoder{out: make(chan EncodedFrame)}
}

func (t *PassthroughAudioTranscoder) Start(ctx context.Context) error { return nil }
func (t *PassthroughAudioTranscoder) Write(pcm []byte) error          { return nil }
func (t *PassthroughAudioTranscoder) Output() <-chan EncodedFrame     { return t.out }
func (t *PassthroughAudioTranscoder) Close() error {
	close(t.out)
	return nil
}
