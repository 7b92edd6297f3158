package urlutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// URLResolver maps a configured stream name to the RTSP URL the engine
// should actually dial, indirecting through an external go2rtc instance
// when one fronts the cameras. The engine treats this as an
// opaque collaborator; it never parses go2rtc's own configuration.
type URLResolver interface {
	Resolve(ctx context.Context, streamName string) (string, error)
}

// IdentityResolver treats the configured stream.url as already resolved.
// This is the default when no go2rtc instance is configured.
type IdentityResolver struct{}

// Resolve returns streamName unchanged — callers are expected to pass the
// stream's configured URL directly, not its name, to an IdentityResolver.
func (IdentityResolver) Resolve(_ context.Context, streamURL string) (string, error) {
	return streamURL, nil
}

// Go2RTCResolver resolves a stream name to its RTSP URL via a go2rtc
// instance's stream-info API: a single GET-and-decode round trip.
type Go2RTCResolver struct {
	BaseURL string
	Client  *http.Client
}

// NewGo2RTCResolver returns a resolver targeting baseURL (e.g.
// "http://127.0.0.1:1984").
func NewGo2RTCResolver(baseURL string) *Go2RTCResolver {
	return &Go2RTCResolver{
		BaseURL: NormalizeBaseURL(baseURL),
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type go2rtcStreamInfo struct {
	Producers []struct {
		URL string `json:"url"`
	} `json:"producers"`
}

// Resolve asks go2rtc for streamName's current producer URL. go2rtc
// exposes this at /api/streams?src=<name>, returning the stream's producer
// list; the first producer's URL is the RTSP (or other) source go2rtc is
// itself consuming, which is what the engine needs to dial directly.
func (r *Go2RTCResolver) Resolve(ctx context.Context, streamName string) (string, error) {
	u := JoinPath(r.BaseURL, "/api/streams") + "?src=" + streamName

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building go2rtc request: %w", err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying go2rtc: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("go2rtc returned status %d for stream %q", resp.StatusCode, streamName)
	}

	var info go2rtcStreamInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decoding go2rtc response: %w", err)
	}
	if len(info.Producers) == 0 {
		return "", fmt.Errorf("go2rtc reports no producers for stream %q", streamName)
	}
	return info.Producers[0].URL, nil
}
