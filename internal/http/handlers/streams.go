package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/opensensor/nvrcore/internal/database"
	"github.com/opensensor/nvrcore/internal/nvr"
)

// StreamsHandler exposes the Stream Manager's name-keyed operations as the
// JSON status API.
type StreamsHandler struct {
	manager *nvr.Manager
	sink    *database.EventSink
}

// NewStreamsHandler wires a StreamsHandler to a running Manager. sink may be
// nil, in which case the recordings-listing endpoint always returns an
// empty list.
func NewStreamsHandler(manager *nvr.Manager, sink *database.EventSink) *StreamsHandler {
	return &StreamsHandler{manager: manager, sink: sink}
}

// Register registers the stream-control routes with the API.
func (h *StreamsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      "GET",
		Path:        "/streams",
		Summary:     "List configured streams and their current state",
		Tags:        []string{"Streams"},
	}, h.ListStreams)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      "GET",
		Path:        "/streams/{name}",
		Summary:     "Get a single stream's current state",
		Tags:        []string{"Streams"},
	}, h.GetStream)

	huma.Register(api, huma.Operation{
		OperationID: "startStream",
		Method:      "POST",
		Path:        "/streams/{name}/start",
		Summary:     "Start (or idempotently confirm) a stream's Supervisor",
		Tags:        []string{"Streams"},
	}, h.StartStream)

	huma.Register(api, huma.Operation{
		OperationID: "stopStream",
		Method:      "POST",
		Path:        "/streams/{name}/stop",
		Summary:     "Stop a stream's Supervisor",
		Tags:        []string{"Streams"},
	}, h.StopStream)

	huma.Register(api, huma.Operation{
		OperationID: "restartStream",
		Method:      "POST",
		Path:        "/streams/{name}/restart",
		Summary:     "Restart a stream's Supervisor, clearing its HLS window",
		Tags:        []string{"Streams"},
	}, h.RestartStream)

	huma.Register(api, huma.Operation{
		OperationID: "listRecordings",
		Method:      "GET",
		Path:        "/streams/{name}/recordings",
		Summary:     "List recent finalized recordings for a stream",
		Tags:        []string{"Streams"},
	}, h.ListRecordings)
}

// StreamStatusBody is the JSON shape of one stream's status.
type StreamStatusBody struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	IsActive          bool   `json:"is_active"`
	LastErrorCategory string `json:"last_error_category,omitempty"`
}

// ListStreamsInput is the (empty) input for listStreams.
type ListStreamsInput struct{}

// ListStreamsOutput is the output of listStreams.
type ListStreamsOutput struct {
	Body struct {
		Streams []StreamStatusBody `json:"streams"`
	}
}

// ListStreams returns every currently-running stream's status.
func (h *StreamsHandler) ListStreams(_ context.Context, _ *ListStreamsInput) (*ListStreamsOutput, error) {
	statuses := h.manager.Status()
	out := &ListStreamsOutput{}
	out.Body.Streams = make([]StreamStatusBody, 0, len(statuses))
	for _, s := range statuses {
		out.Body.Streams = append(out.Body.Streams, StreamStatusBody{
			Name:              s.Name,
			State:             s.State,
			IsActive:          s.IsActive,
			LastErrorCategory: s.LastErrorCategory,
		})
	}
	return out, nil
}

// StreamNameInput carries the {name} path parameter shared by every
// per-stream operation.
type StreamNameInput struct {
	Name string `path:"name"`
}

// GetStreamOutput is the output of getStream.
type GetStreamOutput struct {
	Body StreamStatusBody
}

// GetStream returns a single stream's status, 404ing if no Supervisor slot
// is currently occupied for it.
func (h *StreamsHandler) GetStream(_ context.Context, in *StreamNameInput) (*GetStreamOutput, error) {
	s, ok := h.manager.StatusOne(in.Name)
	if !ok {
		return nil, huma.Error404NotFound(fmt.Sprintf("stream %q is not running", in.Name))
	}
	return &GetStreamOutput{Body: StreamStatusBody{
		Name:              s.Name,
		State:             s.State,
		IsActive:          s.IsActive,
		LastErrorCategory: s.LastErrorCategory,
	}}, nil
}

// ActionOutput is the output of the start/stop/restart actions.
type ActionOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func actionOutput() *ActionOutput {
	out := &ActionOutput{}
	out.Body.Status = "ok"
	return out
}

// StartStream starts (or idempotently confirms) a Supervisor for the named
// stream.
func (h *StreamsHandler) StartStream(ctx context.Context, in *StreamNameInput) (*ActionOutput, error) {
	if err := h.manager.Start(ctx, in.Name); err != nil {
		return nil, mapManagerError(in.Name, err)
	}
	return actionOutput(), nil
}

// StopStream stops the named stream's Supervisor.
func (h *StreamsHandler) StopStream(_ context.Context, in *StreamNameInput) (*ActionOutput, error) {
	if err := h.manager.Stop(in.Name); err != nil {
		return nil, mapManagerError(in.Name, err)
	}
	return actionOutput(), nil
}

// RestartStream stops then starts the named stream, clearing its HLS
// window in between.
func (h *StreamsHandler) RestartStream(ctx context.Context, in *StreamNameInput) (*ActionOutput, error) {
	if err := h.manager.Restart(ctx, in.Name); err != nil {
		return nil, mapManagerError(in.Name, err)
	}
	return actionOutput(), nil
}

// RecordingBody is the JSON shape of one finalized recording.
type RecordingBody struct {
	ID         string `json:"id"`
	StreamName string `json:"stream_name"`
	Path       string `json:"path"`
	StartedAt  string `json:"started_at"`
	ClosedAt   string `json:"closed_at"`
	ByteSize   int64  `json:"byte_size"`
	Trigger    string `json:"trigger"`
}

// ListRecordingsInput adds an optional limit to the stream-name path param.
type ListRecordingsInput struct {
	Name  string `path:"name"`
	Limit int    `query:"limit" default:"50"`
}

// ListRecordingsOutput is the output of listRecordings.
type ListRecordingsOutput struct {
	Body struct {
		Recordings []RecordingBody `json:"recordings"`
	}
}

// ListRecordings returns the most recent finalized recordings for a stream,
// backed by the event/metadata database.
func (h *StreamsHandler) ListRecordings(_ context.Context, in *ListRecordingsInput) (*ListRecordingsOutput, error) {
	out := &ListRecordingsOutput{}
	if h.sink == nil {
		out.Body.Recordings = []RecordingBody{}
		return out, nil
	}

	recs, err := h.sink.RecordingsForStream(in.Name, in.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("querying recordings", err)
	}

	out.Body.Recordings = make([]RecordingBody, 0, len(recs))
	for _, r := range recs {
		out.Body.Recordings = append(out.Body.Recordings, RecordingBody{
			ID:         r.ID.String(),
			StreamName: r.StreamName,
			Path:       r.Path,
			StartedAt:  r.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
			ClosedAt:   r.ClosedAt.Format("2006-01-02T15:04:05Z07:00"),
			ByteSize:   r.ByteSize,
			Trigger:    r.Trigger,
		})
	}
	return out, nil
}

// mapManagerError translates nvr package sentinel errors into the matching
// HTTP status for the JSON status API.
func mapManagerError(name string, err error) error {
	switch {
	case errors.Is(err, nvr.ErrNotFound):
		return huma.Error404NotFound(fmt.Sprintf("stream %q is not configured", name))
	case errors.Is(err, nvr.ErrShutdown):
		return huma.Error503ServiceUnavailable("process is shutting down")
	case errors.Is(err, nvr.ErrNoSlot):
		return huma.Error503ServiceUnavailable("no free stream slot")
	default:
		return huma.Error500InternalServerError(fmt.Sprintf("stream %q operation failed", name), err)
	}
}
