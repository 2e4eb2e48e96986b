package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"
)

// mjpegReader reads JPEG frames from an MJPEG multipart HTTP stream, the
// format the battery cameras serve on their /stream endpoint.
type mjpegReader struct {
	resp   *http.Response
	parts  *multipart.Reader
	cancel context.CancelFunc
}

// MJPEGDialer returns a DialFunc that opens streamURL as an MJPEG stream.
func MJPEGDialer(streamURL string, connectTimeout time.Duration) DialFunc {
	return func(ctx context.Context) (FrameReader, error) {
		return openMJPEG(ctx, streamURL, connectTimeout)
	}
}

func openMJPEG(ctx context.Context, streamURL string, connectTimeout time.Duration) (FrameReader, error) {
	// The stream outlives the connect timeout; bind the request to a child
	// context so Close can tear down the body read.
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}

	client := &http.Client{Timeout: 0} // streaming body, no overall deadline
	connectTimer := time.AfterFunc(connectTimeout, cancel)
	resp, err := client.Do(req)
	connectTimer.Stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected stream content type %q", resp.Header.Get("Content-Type"))
	}

	return &mjpegReader{
		resp:   resp,
		parts:  multipart.NewReader(resp.Body, params["boundary"]),
		cancel: cancel,
	}, nil
}

// ReadFrame returns the next JPEG frame from the stream.
func (r *mjpegReader) ReadFrame() ([]byte, error) {
	part, err := r.parts.NextPart()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream part: %w", err)
	}
	data, err := io.ReadAll(part)
	part.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	// Validate it decodes as an image
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("invalid frame data: %w", err)
	}
	return data, nil
}

// Close terminates the stream connection.
func (r *mjpegReader) Close() error {
	r.cancel()
	return r.resp.Body.Close()
}
