package nvr

// EventSink is the append-only event/metadata database collaborator. The
// engine never blocks on it: callers should make sink methods fast and
// non-blocking internally (e.g. by queuing).
type EventSink interface {
	// RecordingStopped is emitted once a segment file has been finalized
	// (trailer written), carrying the stream name and the final on-disk
	// path. A segment aborted without a trailer is not reported.
	RecordingStopped(streamName, path string) error
}

// NoopEventSink discards every event. It is the default when no sink is
// configured, so the engine can run standalone in tests.
type NoopEventSink struct{}

func (NoopEventSink) RecordingStopped(string, string) error { return nil }
