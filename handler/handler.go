package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/chaos-io/bgremover/artifact"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/encode"
	"github.com/chaos-io/bgremover/loader"
	"github.com/chaos-io/bgremover/progress"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/service"
	"github.com/chaos-io/bgremover/util"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	cfg       *config.Config
	remover   *service.Remover
	artifacts *artifact.Store
}

func NewHandler(cfg *config.Config, remover *service.Remover, artifacts *artifact.Store) *Handler {
	return &Handler{
		cfg:       cfg,
		remover:   remover,
		artifacts: artifacts,
	}
}

// ListModels 按注册顺序返回所有模型
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.remover.ListModels(),
	})
}

func (h *Handler) ModelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.info(),
	})
}

// InitModel modelId 为空时加载默认模型；?stream=true 时以 SSE 推送进度
func (h *Handler) InitModel(c *gin.Context) {
	req, ok := bindModelRequest(c)
	if !ok {
		return
	}
	h.runModelOp(c, req.ModelID, h.remover.InitializeModel)
}

func (h *Handler) SwitchModel(c *gin.Context) {
	req, ok := bindModelRequest(c)
	if !ok {
		return
	}
	if req.ModelID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: "modelId 参数缺失",
		})
		return
	}
	h.runModelOp(c, req.ModelID, h.remover.SwitchModel)
}

func bindModelRequest(c *gin.Context) (ModelRequest, bool) {
	req := ModelRequest{ModelID: c.Query("modelId")}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Success: false,
				Message: "请求格式错误",
				Error:   err.Error(),
			})
			return req, false
		}
	}
	return req, true
}

// runModelOp 加载不随请求取消，客户端断开后仍会完成
func (h *Handler) runModelOp(c *gin.Context, modelID string, op func(context.Context, string, ...loader.OpOption) error) {
	ctx := context.WithoutCancel(c.Request.Context())

	if c.Query("stream") != "true" {
		if err := op(ctx, modelID); err != nil {
			h.modelError(c, modelID, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    h.info(),
		})
		return
	}

	// 监听只属于本次操作，并发的加载请求各自收到自己的事件
	events := make(chan progress.Event, 256)
	done := make(chan error, 1)
	listener := loader.WithListener(func(e progress.Event) {
		// 消费不及时就丢弃中间进度，结束事件单独发送
		select {
		case events <- e:
		default:
		}
	})
	go func() {
		done <- op(ctx, modelID, listener)
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case e := <-events:
			c.SSEvent("progress", e)
			return true
		case err := <-done:
			for len(events) > 0 {
				c.SSEvent("progress", <-events)
			}
			if err != nil {
				util.Logger.Error("model operation failed", zap.String("model", modelID), zap.Error(err))
				c.SSEvent("error", ErrorResponse{
					Success: false,
					Message: "模型加载失败",
					Error:   err.Error(),
				})
				return false
			}
			c.SSEvent("done", h.info())
			return false
		}
	})
}

func (h *Handler) modelError(c *gin.Context, modelID string, err error) {
	util.Logger.Error("model operation failed", zap.String("model", modelID), zap.Error(err))

	var le *loader.ModelLoadError
	msg := "模型操作失败"
	if errors.As(err, &le) {
		msg = "模型加载失败"
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Success: false,
		Message: msg,
		Error:   err.Error(),
	})
}

// Remove 处理单张图片，结果暂存后返回下载地址
func (h *Handler) Remove(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		util.Logger.Error("failed to get uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: "请上传图片文件",
			Error:   err.Error(),
		})
		return
	}

	opts, err := parseOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: "参数错误",
			Error:   err.Error(),
		})
		return
	}

	f, status, err := h.readFile(fh)
	if err != nil {
		c.JSON(status, ErrorResponse{
			Success: false,
			Message: "读取文件失败",
			Error:   err.Error(),
		})
		return
	}

	a, err := h.remover.ProcessImage(c.Request.Context(), f, opts)
	if err != nil {
		util.Logger.Error("failed to process image", zap.String("file", f.Name), zap.Error(err))
		c.JSON(processStatus(err), ErrorResponse{
			Success: false,
			Message: "图片处理失败",
			Error:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "处理成功",
		"data":    h.store(a),
	})
}

// RemoveBatch 逐个处理，失败的文件只计数
func (h *Handler) RemoveBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil || len(form.File["images"]) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: "请上传图片文件",
		})
		return
	}

	opts, err := parseOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Message: "参数错误",
			Error:   err.Error(),
		})
		return
	}

	headers := form.File["images"]
	files := make([]service.File, 0, len(headers))
	for _, fh := range headers {
		f, _, err := h.readFile(fh)
		if err != nil {
			util.Logger.Warn("skip unreadable upload", zap.String("file", fh.Filename), zap.Error(err))
			continue
		}
		files = append(files, f)
	}

	out := h.remover.ProcessImages(c.Request.Context(), files, opts)
	items := make([]ArtifactResponse, 0, len(out))
	for _, a := range out {
		items = append(items, h.store(a))
	}
	c.JSON(http.StatusOK, BatchResponse{
		Success: true,
		Items:   items,
		Failed:  len(headers) - len(out),
	})
}

// GetArtifact 下载结果；?release=true 下载后立即释放
func (h *Handler) GetArtifact(c *gin.Context) {
	id := c.Param("id")
	a, ok := h.artifacts.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Success: false,
			Message: "结果不存在或已过期",
		})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	c.Data(http.StatusOK, a.MimeType, a.Data)

	if c.Query("release") == "true" {
		h.artifacts.Release(id)
	}
}

func (h *Handler) info() ModelInfoResponse {
	return ModelInfoResponse{
		Info:   h.remover.GetModelInfo(),
		Status: h.remover.Status(),
		Stats:  h.remover.Stats(),
	}
}

func (h *Handler) store(a *encode.Artifact) ArtifactResponse {
	id := h.artifacts.Put(a)
	return ArtifactResponse{
		ID:       id,
		Filename: a.Filename,
		MimeType: a.MimeType,
		Size:     len(a.Data),
		URL:      "/api/v1/artifacts/" + id,
	}
}

func (h *Handler) readFile(fh *multipart.FileHeader) (service.File, int, error) {
	if limit := h.cfg.Server.MaxUpload; limit > 0 && fh.Size > limit {
		return service.File{}, http.StatusRequestEntityTooLarge,
			fmt.Errorf("文件大小超过限制 (%d MB)", limit/(1024*1024))
	}

	src, err := fh.Open()
	if err != nil {
		return service.File{}, http.StatusBadRequest, err
	}
	defer func() {
		_ = src.Close()
	}()

	data, err := io.ReadAll(src)
	if err != nil {
		return service.File{}, http.StatusBadRequest, err
	}
	return service.File{Name: fh.Filename, Data: data}, http.StatusOK, nil
}

func parseOptions(c *gin.Context) (service.Options, error) {
	var opts service.Options

	if v := c.PostForm("format"); v != "" {
		f, err := encode.ParseFormat(v)
		if err != nil {
			return opts, err
		}
		opts.Format = f
	}
	if v := c.PostForm("quality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 1 || q > 100 {
			return opts, fmt.Errorf("quality must be 1-100, got %q", v)
		}
		opts.Quality = q
	}
	if v := c.PostForm("trim"); v != "" {
		trim, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid trim %q", v)
		}
		opts.Trim = trim
	}
	return opts, nil
}

func processStatus(err error) int {
	var pe *service.ProcessingError
	switch {
	case errors.Is(err, rembg.ErrNotInitialized):
		return http.StatusConflict
	case errors.As(err, &pe) && pe.Stage == service.StageDecode:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}
