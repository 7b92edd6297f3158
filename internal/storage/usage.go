package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// StreamUsage reports the on-disk footprint of one stream's recordings.
type StreamUsage struct {
	StreamName string `json:"stream_name"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// VolumeUsage reports the host filesystem usage for the storage volume,
// replacing `popen("du -sb ...")` with gopsutil's disk stats.
type VolumeUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Reporter computes storage usage for the MP4 recordings tree, sandboxed
// to the configured base directory to rule out path injection a
// shell-out-based implementation would be exposed to.
type Reporter struct {
	sandbox *Sandbox
}

// NewReporter returns a Reporter rooted at mp4BaseDir (storage_path/mp4 or
// the mp4_storage_path override).
func NewReporter(mp4BaseDir string) (*Reporter, error) {
	sb, err := NewSandbox(mp4BaseDir)
	if err != nil {
		return nil, err
	}
	return &Reporter{sandbox: sb}, nil
}

// StreamUsage walks <base>/<streamName> summing the size of every .mp4
// file, replacing `popen("du -sb ...")` and `popen("find ... | wc -l")`
// with a single directory walk.
func (r *Reporter) StreamUsage(streamName string) (StreamUsage, error) {
	usage := StreamUsage{StreamName: streamName}

	exists, err := r.sandbox.Exists(streamName)
	if err != nil {
		return usage, err
	}
	if !exists {
		return usage, nil
	}

	err = r.sandbox.Walk(streamName, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".mp4") {
			return nil
		}
		usage.FileCount++
		usage.TotalBytes += info.Size()
		return nil
	})
	return usage, err
}

// AllStreamUsage reports usage for every stream subdirectory under the
// sandboxed base.
func (r *Reporter) AllStreamUsage() ([]StreamUsage, error) {
	entries, err := r.sandbox.List(".")
	if err != nil {
		return nil, err
	}

	out := make([]StreamUsage, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		u, err := r.StreamUsage(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// VolumeUsageFor returns host filesystem usage for the volume backing path.
func VolumeUsageFor(ctx context.Context, path string) (VolumeUsage, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return VolumeUsage{}, err
	}
	stat, err := disk.UsageWithContext(ctx, abs)
	if err != nil {
		return VolumeUsage{}, err
	}
	return VolumeUsage{
		Path:        abs,
		TotalBytes:  stat.Total,
		UsedBytes:   stat.Used,
		FreeBytes:   stat.Free,
		UsedPercent: stat.UsedPercent,
	}, nil
}
