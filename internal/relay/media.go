package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
)

// Flyers are scaled to fit this box before upload.
const (
	maxImageSide = 1568
	jpegQuality  = 85

	DefaultMediaMaxBytes = 10 << 20
)

// ImageFetcher downloads an attachment and returns it as base64 JPEG.
type ImageFetcher interface {
	FetchImage(ctx context.Context, att bus.MediaAttachment) (string, error)
}

// HTTPImageFetcher downloads over HTTP and normalises with imaging.
type HTTPImageFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPImageFetcher creates a fetcher capped at maxBytes per download.
func NewHTTPImageFetcher(client *http.Client, maxBytes int64) *HTTPImageFetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}
	return &HTTPImageFetcher{client: client, maxBytes: maxBytes}
}

// FetchImage downloads att, downscales it and re-encodes it as JPEG.
func (f *HTTPImageFetcher) FetchImage(ctx context.Context, att bus.MediaAttachment) (string, error) {
	if att.Size > f.maxBytes {
		return "", fmt.Errorf("image too large: %d bytes (max %d)", att.Size, f.maxBytes)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download image: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(raw)) > f.maxBytes {
		return "", fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}
	return EncodeImage(raw)
}

// EncodeImage decodes raw, fits it into the upload box and returns base64 JPEG.
func EncodeImage(raw []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > maxImageSide || b.Dy() > maxImageSide {
		img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// firstImage returns the first picture attached to msg.
func firstImage(msg bus.InboundMessage) (bus.MediaAttachment, bool) {
	for _, att := range msg.Media {
		if att.IsImage() && att.URL != "" {
			return att, true
		}
	}
	return bus.MediaAttachment{}, false
}
