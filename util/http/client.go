package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient() IClient {
	return &HTTPClient{
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// NewHTTPClientWithTimeout 大文件下载时使用，timeout <= 0 表示不限制
func NewHTTPClientWithTimeout(timeout time.Duration) IClient {
	if timeout < 0 {
		timeout = 0
	}
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// DoHTTPRequest 发起请求并把响应体按流写入 Response，状态码 >= 400 视为失败
func (c *HTTPClient) DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error {
	if requestParam == nil {
		return errors.New("request param is nil")
	}

	if requestParam.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestParam.Timeout)
		defer cancel()
	}

	method := requestParam.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, requestParam.RequestURI, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range requestParam.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, string(msg))
	}

	dst := requestParam.Response
	if dst == nil {
		dst = io.Discard
	}
	return copyWithProgress(dst, resp.Body, resp.ContentLength, requestParam.Progress)
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, progress ProgressFunc) error {
	if total <= 0 {
		total = -1
	}
	if progress == nil {
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return nil
	}

	buf := make([]byte, 32*1024)
	var received int64
	progress(0, total)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write response: %w", werr)
			}
			received += int64(n)
			progress(received, total)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
	}
}
