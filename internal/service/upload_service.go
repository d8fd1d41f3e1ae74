package service

import (
	"context"
	"fmt"
	"mime/multipart"
	"strings"

	"deepchat-go/internal/model"
	"deepchat-go/pkg/imagehost"
	"deepchat-go/pkg/log"
)

// DefaultMaxImageBytes 是上传图片的默认大小上限 (5MB)。
const DefaultMaxImageBytes = 5 * 1024 * 1024

// UploadService 校验用户上传的图片并转存到图床。
type UploadService interface {
	// ValidateImage 在访问图床前校验大小和 MIME 类型。
	ValidateImage(fh *multipart.FileHeader) error
	UploadImage(ctx context.Context, fh *multipart.FileHeader) (*imagehost.Result, error)
	// MaxBytes 返回允许的最大字节数。
	MaxBytes() int64
}

type uploadService struct {
	host     imagehost.Uploader
	maxBytes int64
}

// NewUploadService 创建一个新的 UploadService 实例。maxBytes <= 0 时使用 5MB。
func NewUploadService(host imagehost.Uploader, maxBytes int64) UploadService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &uploadService{host: host, maxBytes: maxBytes}
}

func (s *uploadService) MaxBytes() int64 { return s.maxBytes }

func (s *uploadService) ValidateImage(fh *multipart.FileHeader) error {
	if fh == nil {
		return fmt.Errorf("%w: no image uploaded", model.ErrValidation)
	}
	if fh.Size > s.maxBytes {
		return fmt.Errorf("%w: image is %d bytes, limit is %d", model.ErrValidation, fh.Size, s.maxBytes)
	}
	if ct := fh.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return fmt.Errorf("%w: unsupported content type %q", model.ErrValidation, ct)
	}
	return nil
}

func (s *uploadService) UploadImage(ctx context.Context, fh *multipart.FileHeader) (*imagehost.Result, error) {
	if err := s.ValidateImage(fh); err != nil {
		return nil, err
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open upload: %w", model.ErrValidation, err)
	}
	defer f.Close()

	res, err := s.host.Upload(ctx, imagehost.Image{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstream, err)
	}
	log.Infow("image uploaded", "provider", s.host.Name(), "filename", fh.Filename, "size", fh.Size, "url", res.URL)
	return res, nil
}
