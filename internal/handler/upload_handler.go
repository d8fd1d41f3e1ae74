package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"deepchat-go/internal/model"
	"deepchat-go/internal/service"
	"deepchat-go/pkg/imagehost"
	"deepchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// multipart 编码本身的开销上限，超出后直接按文件过大处理。
const multipartOverhead = 1 << 20

// UploadHandler 负责处理图片上传请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// Upload 校验 multipart 字段 image（image/*，默认不超过 5MB）并转存到图床。
// 校验失败时在访问图床之前返回 400。
func (h *UploadHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploadService.MaxBytes()+multipartOverhead)

	fh, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: request body exceeds %d bytes", model.ErrValidation, tooLarge.Limit)
		} else {
			err = fmt.Errorf("%w: %w", model.ErrValidation, err)
		}
		respondError(c, "upload: read form", err, "")
		return
	}
	if err := h.uploadService.ValidateImage(fh); err != nil {
		respondError(c, "upload: validate", err, "")
		return
	}

	res, err := h.uploadService.UploadImage(c.Request.Context(), fh)
	if err != nil {
		respondError(c, "upload: store image", err, "Failed to upload image")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"imageUrl":     res.URL,
		"thumbnailUrl": res.ThumbnailURL,
		"message":      "Image uploaded successfully",
	})
}

// ImageOpener 读取本服务托管的图片（MinIO 图床）。
type ImageOpener interface {
	Open(ctx context.Context, name string) (*imagehost.Object, error)
}

// ImageHandler 通过 /api/images/*path 对外提供 MinIO 中的图片。
type ImageHandler struct {
	store ImageOpener
}

// NewImageHandler 创建一个新的 ImageHandler。
func NewImageHandler(store ImageOpener) *ImageHandler {
	return &ImageHandler{store: store}
}

// Get 流式返回图片内容。
func (h *ImageHandler) Get(c *gin.Context) {
	obj, err := h.store.Open(c.Request.Context(), c.Param("path"))
	if errors.Is(err, imagehost.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	if err != nil {
		log.Errorw("image: open", "path", c.Param("path"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load image"})
		return
	}
	defer obj.Body.Close()

	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Header("Content-Length", strconv.FormatInt(obj.Size, 10))
	c.Header("Content-Type", obj.ContentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, obj.Body); err != nil {
		log.Warnw("image: copy", "path", c.Param("path"), "error", err)
	}
}
