// Package vision prepares visitor-attached images for vision-capable
// models: fetch, downscale, and re-encode so an arbitrary upload never
// ships megabytes of pixels to a provider that bills by the token.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/chatrouter/gateway/internal/providers"
)

const (
	// maxFetchBytes bounds the attachment download.
	maxFetchBytes = 8 << 20

	// maxEdge is the longest edge after downscaling; provider vision
	// endpoints resample anything larger anyway.
	maxEdge = 1024

	jpegQuality = 85
)

// Fetcher downloads and normalizes image attachments.
type Fetcher struct {
	client *http.Client
}

// NewFetcher builds a Fetcher with a bounded request timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: 15 * time.Second}}
}

// Fetch downloads url, downscales it to fit maxEdge, and returns it as a
// base64 JPEG ready to attach to a provider chat turn.
func (f *Fetcher) Fetch(ctx context.Context, url string) (providers.ImageContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return providers.ImageContent{}, fmt.Errorf("vision: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return providers.ImageContent{}, fmt.Errorf("vision: fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providers.ImageContent{}, fmt.Errorf("vision: fetch attachment: http %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return providers.ImageContent{}, fmt.Errorf("vision: read attachment: %w", err)
	}
	if len(raw) > maxFetchBytes {
		return providers.ImageContent{}, fmt.Errorf("vision: attachment exceeds %d bytes", maxFetchBytes)
	}

	return Prepare(raw)
}

// Prepare decodes raw image bytes, downscales, and re-encodes as JPEG.
func Prepare(raw []byte) (providers.ImageContent, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return providers.ImageContent{}, fmt.Errorf("vision: decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxEdge || bounds.Dy() > maxEdge {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return providers.ImageContent{}, fmt.Errorf("vision: encode jpeg: %w", err)
	}

	return providers.ImageContent{
		MimeType: "image/jpeg",
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
