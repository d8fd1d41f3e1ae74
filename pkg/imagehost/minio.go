package imagehost

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"deepchat-go/internal/config"
	"deepchat-go/pkg/log"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectPrefix 是图片在存储桶中的路径前缀。
const ObjectPrefix = "images/"

// MinIO 把图片存到 MinIO 存储桶，并通过本服务的 /api/images 路由对外提供。
type MinIO struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// NewMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIO(ctx context.Context, cfg config.MinIOConfig, publicBaseURL string) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Infow("MinIO image host ready", "endpoint", cfg.Endpoint, "bucket", cfg.BucketName)

	return &MinIO{client: client, bucket: cfg.BucketName, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (h *MinIO) Name() string { return "minio" }

// ObjectKey 生成 images/2006/01/02/<uuid><ext> 形式的对象名。
func ObjectKey(filename string, now time.Time) string {
	ext := strings.ToLower(path.Ext(filename))
	return ObjectPrefix + now.UTC().Format("2006/01/02") + "/" + uuid.NewString() + ext
}

// PublicURL 返回对象经由本服务访问的绝对地址。
func PublicURL(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/api/images/" + strings.TrimPrefix(key, ObjectPrefix)
}

func (h *MinIO) Upload(ctx context.Context, img Image) (*Result, error) {
	key := ObjectKey(img.Filename, time.Now())
	_, err := h.client.PutObject(ctx, h.bucket, key, img.Body, img.Size, minio.PutObjectOptions{
		ContentType: img.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: put object: %w", ErrHost, err)
	}
	url := PublicURL(h.publicBaseURL, key)
	return &Result{URL: url, ThumbnailURL: url}, nil
}

// Object 是从存储桶读取的图片。
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Open 读取 images/ 下的对象，name 为 ObjectPrefix 之后的部分。
func (h *MinIO) Open(ctx context.Context, name string) (*Object, error) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	obj, err := h.client.GetObject(ctx, h.bucket, ObjectPrefix+name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get object: %w", ErrHost, err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("image %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: stat object: %w", ErrHost, err)
	}
	return &Object{Body: obj, ContentType: info.ContentType, Size: info.Size}, nil
}
