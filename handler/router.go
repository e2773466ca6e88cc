package handler

import (
	"net/http"

	"github.com/chaos-io/bgremover/middleware"
	"github.com/gin-gonic/gin"
)

// NewRouter 本地桥接服务的全部路由
func NewRouter(h *Handler, version string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	if h.cfg.Server.MaxUpload > 0 {
		r.MaxMultipartMemory = h.cfg.Server.MaxUpload
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version,
		})
	})

	api := r.Group("/api/v1")
	{
		api.GET("/models", h.ListModels)
		api.GET("/models/info", h.ModelInfo)
		api.POST("/models/init", h.InitModel)
		api.POST("/models/switch", h.SwitchModel)
		api.POST("/remove", h.Remove)
		api.POST("/remove/batch", h.RemoveBatch)
		api.GET("/artifacts/:id", h.GetArtifact)
	}
	return r
}
