// Package encode 把去除背景后的图片编码为可下载的文件。
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"path"
	"strings"

	"github.com/chaos-io/bgremover/rembg"
	"github.com/segmentio/ksuid"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

const DefaultJPEGQuality = 90

// ParseFormat 为空时返回 png
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "bmp":
		return FormatBMP, nil
	case "tiff", "tif":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

func (f Format) MimeType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "image/png"
	}
}

// HasAlpha jpeg 不支持透明通道
func (f Format) HasAlpha() bool {
	return f != FormatJPEG
}

type Options struct {
	// Quality 仅对 jpeg 生效，1-100，0 表示默认值
	Quality int
}

type Artifact struct {
	Data     []byte
	Filename string
	MimeType string
}

type EncodingError struct {
	Format Format
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Format, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Encode 相同输入总是得到相同字节
func Encode(img *image.NRGBA, originalName string, format Format, opts Options) (*Artifact, error) {
	if img == nil || img.Rect.Empty() {
		return nil, &EncodingError{Format: format, Err: fmt.Errorf("empty image")}
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(&buf, img)
	case FormatJPEG:
		q := opts.Quality
		if q <= 0 {
			q = DefaultJPEGQuality
		}
		err = jpeg.Encode(&buf, rembg.Flatten(img, color.White), &jpeg.Options{Quality: min(q, 100)})
	case FormatBMP:
		err = bmp.Encode(&buf, img)
	case FormatTIFF:
		err = tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		err = fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return nil, &EncodingError{Format: format, Err: err}
	}

	return &Artifact{
		Data:     buf.Bytes(),
		Filename: OutputName(originalName, format),
		MimeType: format.MimeType(),
	}, nil
}

// OutputName photo.final.jpg -> photo.final-bg-removed.png
//
// 只去掉最后一个扩展名，不按第一个 "." 截断（那样会得到 photo-bg-removed.png），
// 带点的文件名因此不会互相覆盖。没有文件名时生成 image-<ksuid>。
func OutputName(originalName string, format Format) string {
	base := path.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if base == "." || base == "/" {
		base = ""
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" {
		base = "image-" + ksuid.New().String()
	}
	return base + "-bg-removed." + format.Ext()
}
