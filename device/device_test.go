package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConstrainedMobile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		platform Platform
		want     bool
	}{
		{name: "iPhone", platform: Platform{Family: "iPhone"}, want: true},
		{name: "iPad 模拟器", platform: Platform{Family: "iPad Simulator"}, want: true},
		{name: "android", platform: Platform{Family: "android", Touch: true}, want: true},
		{name: "触屏 Mac", platform: Platform{Family: "MacIntel", UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X)", Touch: true}, want: true},
		{name: "普通 Mac", platform: Platform{Family: "MacIntel", UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X)"}, want: false},
		{name: "linux", platform: Platform{Family: "linux", UserAgent: "Go/1.24 (linux; amd64)"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsConstrainedMobile(tt.platform))
		})
	}
}

func TestDetector_ProbeCachedOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	d := NewDetector(Platform{Family: "linux"}, func() (bool, error) {
		calls++
		return true, nil
	})

	assert.True(t, d.AcceleratedAvailable())
	assert.True(t, d.AcceleratedAvailable())
	assert.Equal(t, 1, calls)
	assert.Equal(t, VariantAccelerated, d.Variant())
}

func TestDetector_ProbeFailuresSwallowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe AcceleratorProbe
	}{
		{name: "nil probe", probe: nil},
		{name: "error", probe: func() (bool, error) { return true, errors.New("no adapter") }},
		{name: "panic", probe: func() (bool, error) { panic("driver crashed") }},
		{name: "unavailable", probe: func() (bool, error) { return false, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := NewDetector(Platform{Family: "linux"}, tt.probe)
			assert.False(t, d.AcceleratedAvailable())
			assert.Equal(t, VariantStandard, d.Variant())
		})
	}
}

func TestDetector_ConstrainedWins(t *testing.T) {
	t.Parallel()

	d := NewDetector(Platform{Family: "iPhone"}, func() (bool, error) { return true, nil })
	assert.Equal(t, VariantConstrainedMobile, d.Variant())
	assert.Equal(t, Capabilities{AcceleratedAvailable: true, ConstrainedMobile: true}, d.Capabilities())
}

func TestDetector_CustomHeuristic(t *testing.T) {
	t.Parallel()

	d := NewDetector(Platform{Family: "linux"}, nil, WithConstrainedHeuristic(func(Platform) bool { return true }))
	assert.True(t, d.ConstrainedMobile())
}

func TestForced(t *testing.T) {
	t.Parallel()

	never := func() (bool, error) { return false, errors.New("should not be called") }

	ok, err := Forced("on", never)()
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = Forced("off", never)()
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = Forced("auto", never)()
	assert.Error(t, err)
}
