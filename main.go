package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaos-io/bgremover/artifact"
	"github.com/chaos-io/bgremover/cache"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/device"
	"github.com/chaos-io/bgremover/encode"
	"github.com/chaos-io/bgremover/handler"
	"github.com/chaos-io/bgremover/loader"
	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/progress"
	"github.com/chaos-io/bgremover/rembg/opencv"
	"github.com/chaos-io/bgremover/service"
	"github.com/chaos-io/bgremover/util"
	nhttp "github.com/chaos-io/bgremover/util/http"
	"github.com/chaos-io/bgremover/weights"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config, using defaults: %v\n", err)
		cfg = config.Default()
	}

	if err := util.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Logger.Info("starting bgremover",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	// 设备能力
	platform := device.HostPlatform()
	if cfg.Device.Family != "" {
		platform.Family = cfg.Device.Family
	}
	if cfg.Device.UserAgent != "" {
		platform.UserAgent = cfg.Device.UserAgent
	}
	platform.Touch = platform.Touch || cfg.Device.Touch
	detector := device.NewDetector(platform, device.Forced(cfg.Device.ForceAccelerated, opencv.AcceleratorAvailable))
	caps := detector.Capabilities()
	util.Logger.Info("device detected",
		zap.String("family", platform.Family),
		zap.String("variant", string(detector.Variant())),
		zap.Bool("accelerated", caps.AcceleratedAvailable),
		zap.Bool("constrained_mobile", caps.ConstrainedMobile))

	// 模型
	store := weights.NewStore(cfg.Weights.CacheDir, nhttp.NewHTTPClientWithTimeout(cfg.Weights.DownloadTimeout))
	ld := loader.New(model.DefaultRegistry(), detector, opencv.NewRuntime(store), progress.NewChannel())
	defer func() {
		if err := ld.Close(); err != nil {
			util.Logger.Warn("failed to release model", zap.Error(err))
		}
	}()

	format, err := encode.ParseFormat(cfg.Output.Format)
	if err != nil {
		util.Logger.Fatal("invalid output format", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resultCache := cache.Connect(ctx, &cfg.Redis)
	defer resultCache.Close()

	remover := service.New(ld,
		service.WithCache(resultCache),
		service.WithDefaults(service.Options{
			Format:        format,
			Quality:       cfg.Output.JPEGQuality,
			TrimThreshold: 0.05,
		}))

	if cfg.Model.LoadOnStart {
		go func() {
			if err := remover.InitializeModel(ctx, cfg.Model.InitialID); err != nil {
				util.Logger.Error("initial model load failed", zap.Error(err))
			}
		}()
	}

	artifacts := artifact.NewStore(cfg.Artifacts.TTL)
	stopSweep, err := artifacts.Schedule(cfg.Artifacts.Sweep)
	if err != nil {
		util.Logger.Fatal("invalid artifact sweep schedule", zap.String("schedule", cfg.Artifacts.Sweep), zap.Error(err))
	}
	defer stopSweep()

	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.NewHandler(cfg, remover, artifacts), Version)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		util.Logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	util.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.Logger.Warn("server shutdown", zap.Error(err))
	}
}
