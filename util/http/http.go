package http

import (
	"context"
	"io"
	"time"
)

// IClient 下载远程文件，weights.Store 通过它获取模型权重和配置
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// ProgressFunc 下载进度回调，total 未知时为 -1
type ProgressFunc func(received, total int64)

type RequestParam struct {
	RequestURI string
	// Method 默认为 GET
	Method string
	Header map[string]string
	// Response 接收响应体，为空时丢弃
	Response io.Writer
	Progress ProgressFunc

	Timeout time.Duration
}
