// Package imagehost uploads user images to an external host and returns public URLs.
package imagehost

import (
	"context"
	"errors"
	"fmt"
	"io"

	"deepchat-go/internal/config"
)

var (
	// ErrHost wraps failures returned by the image host.
	ErrHost = errors.New("image host error")
	// ErrNotFound is returned by Open for missing objects.
	ErrNotFound = errors.New("image not found")
)

// Image is one uploaded file.
type Image struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Result is where the host stored the image.
type Result struct {
	URL          string `json:"imageUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// Uploader stores an image and returns its public URLs.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, img Image) (*Result, error)
}

// New 根据 upload.provider 创建对应的 Uploader。
func New(ctx context.Context, cfg config.UploadConfig, publicBaseURL string) (Uploader, error) {
	switch cfg.Provider {
	case "", "imgbb":
		return NewImgBB(cfg.ImgBB, nil), nil
	case "minio":
		return NewMinIO(ctx, cfg.MinIO, publicBaseURL)
	default:
		return nil, fmt.Errorf("unsupported upload provider %q", cfg.Provider)
	}
}
