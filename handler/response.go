package handler

import (
	"github.com/chaos-io/bgremover/loader"
	"github.com/chaos-io/bgremover/service"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type ModelRequest struct {
	ModelID string `json:"modelId"`
}

type ModelInfoResponse struct {
	loader.Info
	Status loader.Status `json:"status"`
	Stats  service.Stats `json:"stats"`
}

// ArtifactResponse 结果通过 URL 下载
type ArtifactResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
	URL      string `json:"url"`
}

type BatchResponse struct {
	Success bool               `json:"success"`
	Items   []ArtifactResponse `json:"items"`
	Failed  int                `json:"failed"`
}
