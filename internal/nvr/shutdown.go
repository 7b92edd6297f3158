package nvr

import "sync/atomic"

// Coordinator is the process-wide Shutdown Coordinator. It is
// shared by every Supervisor's Ingest, MP4 Recorder, and HLS Muxer: each
// Supervisor consults it (OR'd with its own per-stream flag) from the
// demuxer's read-interrupt hook so that stopping one stream never blocks on
// another stream's socket, and so that a process-wide shutdown unblocks every
// in-flight read at once.
type Coordinator struct {
	shuttingDown atomic.Bool
}

// NewCoordinator returns a Coordinator in the running state.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// IsShutdownInitiated reports whether the process is shutting down. Safe to
// call from any goroutine, including a demuxer interrupt callback running on
// an arbitrary internal thread.
func (c *Coordinator) IsShutdownInitiated() bool {
	return c.shuttingDown.Load()
}

// Initiate marks the process as shutting down. Idempotent.
func (c *Coordinator) Initiate() {
	c.shuttingDown.Store(true)
}

// StreamSignal is the per-Supervisor half of the interrupt hook: an atomic
// flag that `stop(name)` sets to unblock exactly one stream's in-flight read,
// independent of every other stream.
type StreamSignal struct {
	requested atomic.Bool
}

// Request marks this stream's shutdown as requested. Idempotent.
func (s *StreamSignal) Request() {
	s.requested.Store(true)
}

// Requested reports whether this stream's shutdown has been requested.
func (s *StreamSignal) Requested() bool {
	return s.requested.Load()
}

// Reset clears the flag so the signal can be reused by a later Start of the
// same slot.
func (s *StreamSignal) Reset() {
	s.requested.Store(false)
}

// InterruptHook returns a poll function that reports true the instant
// either the process-wide coordinator or this stream's own signal requests
// a stop. Nothing installs it: Ingest.ReadPacket checks the same two flags
// itself on its 50ms poll tick.
func InterruptHook(coord *Coordinator, sig *StreamSignal) func() bool {
	return func() bool {
		return coord.IsShutdownInitiated() || sig.Requested()
	}
}
