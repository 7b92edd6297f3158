package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/opensensor/nvrcore/internal/storage"
)

// StorageHandler exposes the storage-usage reporter over the
// JSON status API.
type StorageHandler struct {
	reporter   *storage.Reporter
	volumePath string
}

// NewStorageHandler wires a StorageHandler to a Reporter rooted at the MP4
// recordings tree and the filesystem path whose volume usage should be
// reported.
func NewStorageHandler(reporter *storage.Reporter, volumePath string) *StorageHandler {
	return &StorageHandler{reporter: reporter, volumePath: volumePath}
}

// Register registers the storage-usage routes with the API.
func (h *StorageHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStorageUsage",
		Method:      "GET",
		Path:        "/storage/usage",
		Summary:     "Report per-stream and volume storage usage",
		Tags:        []string{"Storage"},
	}, h.GetUsage)
}

// StorageUsageInput is the (empty) input for getStorageUsage.
type StorageUsageInput struct{}

// StorageUsageOutput is the output of getStorageUsage.
type StorageUsageOutput struct {
	Body struct {
		Streams []storage.StreamUsage `json:"streams"`
		Volume  storage.VolumeUsage   `json:"volume"`
	}
}

// GetUsage reports disk usage per stream plus the backing volume's overall
// usage.
func (h *StorageHandler) GetUsage(ctx context.Context, _ *StorageUsageInput) (*StorageUsageOutput, error) {
	out := &StorageUsageOutput{}

	streams, err := h.reporter.AllStreamUsage()
	if err != nil {
		return nil, huma.Error500InternalServerError("computing stream usage", err)
	}
	out.Body.Streams = streams

	vol, err := storage.VolumeUsageFor(ctx, h.volumePath)
	if err != nil {
		return nil, huma.Error500InternalServerError("computing volume usage", err)
	}
	out.Body.Volume = vol

	return out, nil
}
