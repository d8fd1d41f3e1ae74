// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"deepchat-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// 日志中记录的请求体/响应体的最大字节数。
const maxLoggedBody = 2048

// bodyLogWriter 用于捕获响应体（最多 maxLoggedBody 字节）
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write 实现了 io.Writer 接口，将响应写入 gin.ResponseWriter 和一个内部的 buffer
func (w *bodyLogWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - w.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.body.Write(b[:room])
	}
	return w.ResponseWriter.Write(b)
}

// WriteString 保证 gin 的 c.String / SSE 渲染同样经过捕获逻辑。
func (w *bodyLogWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// isStreaming 报告请求是否为流式或二进制交互，这类请求不缓存请求体和响应体。
func isStreaming(c *gin.Context) bool {
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return true
	}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

// RequestLogger 是一个 Gin 中间件，用于记录请求和响应日志。
// 流式响应（SSE）、WebSocket 和文件上传只记录元数据。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		startTime := time.Now()
		streaming := isStreaming(c)

		// 读取并重新缓存请求体
		var requestBody []byte
		if !streaming && c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(requestBody))
		}

		var blw *bodyLogWriter
		if !streaming {
			blw = &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
			c.Writer = blw
		}

		// 处理请求
		c.Next()

		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		}
		if blw != nil {
			// SSE 响应在 handler 里才确定类型，这里不记录其内容
			if !strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream") {
				fields = append(fields, "responseBody", blw.body.String())
			}
			fields = append(fields, "requestBody", truncate(requestBody))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		log.Infow("HTTP Request Log", fields...)
	}
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "..."
	}
	return string(b)
}
