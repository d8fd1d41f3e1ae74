package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"deepchat-go/internal/config"
)

const defaultImgBBEndpoint = "https://api.imgbb.com/1/upload"

// ImgBB uploads images to imgbb.com.
type ImgBB struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewImgBB creates an ImgBB uploader. A nil client uses a 30s timeout client.
func NewImgBB(cfg config.ImgBBConfig, client *http.Client) *ImgBB {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultImgBBEndpoint
	}
	return &ImgBB{apiKey: cfg.APIKey, endpoint: endpoint, client: client}
}

func (h *ImgBB) Name() string { return "imgbb" }

type imgbbResponse struct {
	Data struct {
		URL   string `json:"url"`
		Thumb struct {
			URL string `json:"url"`
		} `json:"thumb"`
	} `json:"data"`
	Success bool `json:"success"`
}

func (h *ImgBB) Upload(ctx context.Context, img Image) (*Result, error) {
	if h.apiKey == "" {
		return nil, fmt.Errorf("%w: imgbb api key not configured", ErrHost)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("key", h.apiKey); err != nil {
		return nil, err
	}
	part, err := form.CreateFormFile("image", img.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, img.Body); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: imgbb returned %s: %s", ErrHost, resp.Status, string(b))
	}

	var out imgbbResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode imgbb response: %w", ErrHost, err)
	}
	if out.Data.URL == "" {
		return nil, fmt.Errorf("%w: imgbb response has no url", ErrHost)
	}
	thumb := out.Data.Thumb.URL
	if thumb == "" {
		thumb = out.Data.URL
	}
	return &Result{URL: out.Data.URL, ThumbnailURL: thumb}, nil
}
