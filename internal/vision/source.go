package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Frame is a raw captured image with its capture timestamp. Frames are
// owned exclusively by the processing cycle that pulled them and are
// discarded after detection.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// ErrEndOfStream signals an orderly end of the frame sequence, e.g. a video
// file fully consumed. Any other error from NextFrame is a vision fault.
var ErrEndOfStream = errors.New("end of stream")

// FrameSource abstracts a camera or video stream producing frames at a
// bounded rate. NextFrame blocks until the next frame is available, the
// context is cancelled, or the source fails.
type FrameSource interface {
	NextFrame(ctx context.Context) (Frame, error)
	Close() error
}

// SnapshotSource polls an IP camera's JPEG snapshot endpoint at a fixed
// interval. Most ANPR cameras expose one alongside their RTSP stream.
type SnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client
	ticker   *time.Ticker
}

func NewSnapshotSource(url string, interval time.Duration, timeout time.Duration) *SnapshotSource {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	// A client without a deadline would block NextFrame forever on a camera
	// that accepts the connection and then stalls.
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SnapshotSource{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		ticker:   time.NewTicker(interval),
	}
}

func (s *SnapshotSource) NextFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.ticker.C:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("snapshot fetch: camera returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot read: %w", err)
	}
	return Frame{Data: data, CapturedAt: time.Now().UTC()}, nil
}

func (s *SnapshotSource) Close() error {
	s.ticker.Stop()
	s.client.CloseIdleConnections()
	return nil
}
