// Package device 探测当前设备的计算能力：是否可以使用加速后端，以及是否属于需要受限配置的移动设备。
package device

import (
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
)

type Variant string

const (
	VariantAccelerated       Variant = "accelerated"
	VariantConstrainedMobile Variant = "constrained-mobile"
	VariantStandard          Variant = "standard"
)

// Platform 描述宿主平台的特征
type Platform struct {
	Family    string
	UserAgent string
	Touch     bool
}

// HostPlatform 从 GOOS/GOARCH 推断平台
func HostPlatform() Platform {
	p := Platform{
		Family:    runtime.GOOS,
		UserAgent: fmt.Sprintf("Go/%s (%s; %s)", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
	if runtime.GOOS == "ios" || runtime.GOOS == "android" {
		p.Touch = true
	}
	return p
}

var constrainedFamilies = []string{
	"iPad Simulator",
	"iPhone Simulator",
	"iPod Simulator",
	"iPad",
	"iPhone",
	"iPod",
	"ios",
	"android",
}

// IsConstrainedMobile 设备族命中已知列表，或者是带触屏的 Mac 签名（iPadOS 伪装成 Mac）
func IsConstrainedMobile(p Platform) bool {
	if slices.Contains(constrainedFamilies, p.Family) {
		return true
	}
	return p.Touch && strings.Contains(p.UserAgent, "Mac")
}

// AcceleratorProbe 尝试获取加速后端的句柄
type AcceleratorProbe func() (bool, error)

type Capabilities struct {
	AcceleratedAvailable bool `json:"acceleratedBackendAvailable"`
	ConstrainedMobile    bool `json:"isConstrainedMobile"`
}

// Detector 缓存探测结果，进程生命周期内能力不会变化
type Detector struct {
	platform    Platform
	constrained func(Platform) bool
	probe       AcceleratorProbe

	mobileOnce  sync.Once
	mobile      bool
	accelOnce   sync.Once
	accelerated bool
}

type Option func(*Detector)

// WithConstrainedHeuristic 替换移动设备判定逻辑
func WithConstrainedHeuristic(fn func(Platform) bool) Option {
	return func(d *Detector) {
		d.constrained = fn
	}
}

func NewDetector(platform Platform, probe AcceleratorProbe, opts ...Option) *Detector {
	d := &Detector{
		platform:    platform,
		constrained: IsConstrainedMobile,
		probe:       probe,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) ConstrainedMobile() bool {
	d.mobileOnce.Do(func() {
		d.mobile = d.constrained(d.platform)
	})
	return d.mobile
}

// AcceleratedAvailable 探测失败（包括 panic）一律视为不可用
func (d *Detector) AcceleratedAvailable() bool {
	d.accelOnce.Do(func() {
		d.accelerated = d.runProbe()
	})
	return d.accelerated
}

func (d *Detector) runProbe() (ok bool) {
	if d.probe == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			util.Logger.Warn("accelerator probe panicked", zap.Any("panic", r))
			ok = false
		}
	}()

	ok, err := d.probe()
	if err != nil {
		util.Logger.Info("accelerated backend unavailable", zap.Error(err))
		return false
	}
	return ok
}

func (d *Detector) Capabilities() Capabilities {
	return Capabilities{
		AcceleratedAvailable: d.AcceleratedAvailable(),
		ConstrainedMobile:    d.ConstrainedMobile(),
	}
}

// Variant 受限移动设备优先于加速后端
func (d *Detector) Variant() Variant {
	switch {
	case d.ConstrainedMobile():
		return VariantConstrainedMobile
	case d.AcceleratedAvailable():
		return VariantAccelerated
	default:
		return VariantStandard
	}
}

// Forced 根据配置 auto|on|off 包装探测函数
func Forced(mode string, probe AcceleratorProbe) AcceleratorProbe {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "on", "true":
		return func() (bool, error) { return true, nil }
	case "off", "false":
		return func() (bool, error) { return false, nil }
	default:
		return probe
	}
}
