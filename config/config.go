package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Device    DeviceConfig    `mapstructure:"device"`
	Model     ModelConfig     `mapstructure:"model"`
	Weights   WeightsConfig   `mapstructure:"weights"`
	Output    OutputConfig    `mapstructure:"output"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	MaxUpload    int64         `mapstructure:"max_upload"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DeviceConfig 覆盖平台探测结果，空值表示自动探测
type DeviceConfig struct {
	Family           string `mapstructure:"family"`
	UserAgent        string `mapstructure:"user_agent"`
	Touch            bool   `mapstructure:"touch"`
	ForceAccelerated string `mapstructure:"force_accelerated"` // auto | on | off
}

type ModelConfig struct {
	InitialID   string `mapstructure:"initial_id"`
	LoadOnStart bool   `mapstructure:"load_on_start"`
}

type WeightsConfig struct {
	CacheDir        string        `mapstructure:"cache_dir"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

type OutputConfig struct {
	Format      string `mapstructure:"format"`
	JPEGQuality int    `mapstructure:"jpeg_quality"`
}

type ArtifactsConfig struct {
	TTL   time.Duration `mapstructure:"ttl"`
	Sweep string        `mapstructure:"sweep"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BGREMOVER")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New 使用默认配置路径加载配置，失败时返回默认配置
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		return Default()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.max_upload", d.Server.MaxUpload)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("device.family", d.Device.Family)
	v.SetDefault("device.user_agent", d.Device.UserAgent)
	v.SetDefault("device.touch", d.Device.Touch)
	v.SetDefault("device.force_accelerated", d.Device.ForceAccelerated)

	v.SetDefault("model.initial_id", d.Model.InitialID)
	v.SetDefault("model.load_on_start", d.Model.LoadOnStart)

	v.SetDefault("weights.cache_dir", d.Weights.CacheDir)
	v.SetDefault("weights.download_timeout", d.Weights.DownloadTimeout)

	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.jpeg_quality", d.Output.JPEGQuality)

	v.SetDefault("artifacts.ttl", d.Artifacts.TTL)
	v.SetDefault("artifacts.sweep", d.Artifacts.Sweep)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)
}

// Default 默认配置，仅监听本机回环地址
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8686",
			Mode:         "debug",
			MaxUpload:    20 * 1024 * 1024,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Device: DeviceConfig{
			ForceAccelerated: "auto",
		},
		Model: ModelConfig{
			LoadOnStart: true,
		},
		Weights: WeightsConfig{
			CacheDir:        "./models",
			DownloadTimeout: 30 * time.Minute,
		},
		Output: OutputConfig{
			Format:      "png",
			JPEGQuality: 90,
		},
		Artifacts: ArtifactsConfig{
			TTL:   30 * time.Minute,
			Sweep: "@every 5m",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
			TTL:     24 * time.Hour,
		},
	}
}
