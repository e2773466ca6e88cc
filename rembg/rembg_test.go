package rembg_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/chaos-io/bgremover/model"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/rembg/rembgtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func newProcessor(t *testing.T, pad bool) *rembg.Processor {
	t.Helper()
	cfg := rembgtest.SmallConfig("A", model.BackendStandard, true).Processing
	cfg.Pad = pad
	p, err := rembg.NewProcessor(cfg)
	require.NoError(t, err)
	return p
}

func TestSegment_MaskMatchesSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		w, h int
		pad  bool
	}{
		{name: "横图", w: 80, h: 60},
		{name: "竖图填充", w: 30, h: 90, pad: true},
		{name: "比模型输出小", w: 7, h: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := rembgtest.NewModel("A")
			mask, err := rembg.Segment(context.Background(), m, newProcessor(t, tt.pad), gradient(tt.w, tt.h))
			require.NoError(t, err)
			assert.Equal(t, image.Pt(tt.w, tt.h), mask.Rect.Size())
		})
	}
}

func TestSegment_ForegroundInCenter(t *testing.T) {
	t.Parallel()

	m := rembgtest.NewModel("A")
	mask, err := rembg.Segment(context.Background(), m, newProcessor(t, false), gradient(100, 100))
	require.NoError(t, err)

	assert.Equal(t, uint8(255), mask.GrayAt(50, 50).Y)
	assert.Equal(t, uint8(0), mask.GrayAt(2, 2).Y)
	assert.Equal(t, uint8(0), mask.GrayAt(97, 97).Y)
}

func TestSegment_PaddedRegionCropped(t *testing.T) {
	t.Parallel()

	// 左半边为前景；填充后有效区域只占张量上半部分
	m := rembgtest.NewModel("A")
	m.Fill = func(x, y, w, h int) float32 {
		if x < w/2 {
			return 1
		}
		return 0
	}

	mask, err := rembg.Segment(context.Background(), m, newProcessor(t, true), gradient(64, 32))
	require.NoError(t, err)
	assert.Equal(t, uint8(255), mask.GrayAt(5, 30).Y)
	assert.Equal(t, uint8(0), mask.GrayAt(60, 30).Y)
}

func TestSegment_Errors(t *testing.T) {
	t.Parallel()

	_, err := rembg.Segment(context.Background(), nil, newProcessor(t, false), gradient(4, 4))
	assert.ErrorIs(t, err, rembg.ErrNotInitialized)

	_, err = rembg.Segment(context.Background(), rembgtest.NewModel("A"), nil, gradient(4, 4))
	assert.ErrorIs(t, err, rembg.ErrNotInitialized)

	cause := errors.New("out of memory")
	m := rembgtest.NewModel("A")
	m.Err = cause
	_, err = rembg.Segment(context.Background(), m, newProcessor(t, false), gradient(4, 4))

	var ie *rembg.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestComposite_PreservesRGB(t *testing.T) {
	t.Parallel()

	opaque := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for i := range opaque.Pix {
		opaque.Pix[i] = uint8(i * 7)
	}
	for i := 3; i < len(opaque.Pix); i += 4 {
		opaque.Pix[i] = 255
	}

	sources := map[string]image.Image{
		"nrgba":  gradient(20, 10),
		"rgba":   opaque,
		"offset": gradient(40, 30).SubImage(image.Rect(10, 10, 30, 20)),
	}

	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			mask := image.NewGray(image.Rect(0, 0, 20, 10))
			for i := range mask.Pix {
				mask.Pix[i] = uint8(i)
			}

			out, err := rembg.Composite(src, mask)
			require.NoError(t, err)

			b := src.Bounds()
			for y := 0; y < b.Dy(); y++ {
				for x := 0; x < b.Dx(); x++ {
					r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
					got := out.NRGBAAt(x, y)
					assert.Equal(t, uint8(r>>8), got.R)
					assert.Equal(t, uint8(g>>8), got.G)
					assert.Equal(t, uint8(bl>>8), got.B)
					assert.Equal(t, mask.GrayAt(x, y).Y, got.A)
				}
			}
		})
	}
}

func TestComposite_DoesNotMutateSource(t *testing.T) {
	t.Parallel()

	src := gradient(8, 8)
	before := append([]uint8(nil), src.Pix...)

	out, err := rembg.Composite(src, image.NewGray(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	assert.Equal(t, before, src.Pix)
	assert.NotSame(t, &src.Pix[0], &out.Pix[0])
	assert.Equal(t, uint8(0), out.Pix[3])
}

func TestComposite_DimensionMismatch(t *testing.T) {
	t.Parallel()

	_, err := rembg.Composite(gradient(800, 600), image.NewGray(image.Rect(0, 0, 1024, 1024)))

	var dm *rembg.DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, image.Pt(800, 600), dm.Source)
	assert.Equal(t, image.Pt(1024, 1024), dm.Mask)

	_, err = rembg.Composite(gradient(4, 4), nil)
	assert.ErrorAs(t, err, &dm)
}

func TestSegmentThenComposite(t *testing.T) {
	t.Parallel()

	img := gradient(40, 40)
	mask, err := rembg.Segment(context.Background(), rembgtest.NewModel("A"), newProcessor(t, false), img)
	require.NoError(t, err)
	out, err := rembg.Composite(img, mask)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), out.NRGBAAt(20, 20).A)
	assert.Equal(t, uint8(0), out.NRGBAAt(1, 1).A)
}

func TestTrimToSubject(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	img.SetNRGBA(3, 4, color.NRGBA{A: 255})
	img.SetNRGBA(6, 7, color.NRGBA{A: 255})

	got, err := rembg.TrimToSubject(img, 0.5, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 4), got.Rect.Size())

	got, err = rembg.TrimToSubject(img, 0.5, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 8), got.Rect.Size())

	_, err = rembg.TrimToSubject(image.NewNRGBA(image.Rect(0, 0, 3, 3)), 0.5, 0)
	assert.ErrorIs(t, err, rembg.ErrNoSubject)
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})

	out := rembg.Flatten(img, color.White)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, out.NRGBAAt(1, 0))
}
