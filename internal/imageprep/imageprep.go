// Package imageprep normalizes inbound food photos before they are
// stored and sent to the estimation model: bounded size, bounded
// dimensions, re-encoded as JPEG.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxBytes is the largest accepted upload.
const MaxBytes = 10 << 20

// ErrNotImage is returned for content types outside image/*.
var ErrNotImage = errors.New("imageprep: content type is not an image")

// ErrTooLarge is returned for uploads above MaxBytes.
var ErrTooLarge = errors.New("imageprep: image exceeds 10 MB")

// Options bound the output image.
type Options struct {
	MaxDim  int // longest side in pixels (default 1024)
	Quality int // JPEG quality 1-100 (default 85)
}

// Result is a prepared image.
type Result struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// Resolution renders the dimensions as "WxH", or "" when unknown.
func (r *Result) Resolution() string {
	if r.Width == 0 || r.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Extension is the file extension matching MIMEType.
func (r *Result) Extension() string {
	switch r.MIMEType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	return "bin"
}

// Prepare validates, downsizes and re-encodes data. Content that
// claims to be an image but cannot be decoded is returned unchanged
// with zero dimensions so the photo is still kept.
func Prepare(data []byte, contentType string, opts Options) (*Result, error) {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: %q", ErrNotImage, contentType)
	}
	if len(data) > MaxBytes {
		return nil, ErrTooLarge
	}
	if opts.MaxDim <= 0 {
		opts.MaxDim = 1024
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return &Result{Data: data, MIMEType: ct}, nil
	}

	img := flatten(resize(src, opts.MaxDim))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	b := img.Bounds()
	return &Result{
		Data:     buf.Bytes(),
		MIMEType: "image/jpeg",
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}

// resize scales src so its longest side is at most maxDim, keeping the
// aspect ratio.
func resize(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}
	if w >= h {
		h = max(1, h*maxDim/w)
		w = maxDim
	} else {
		w = max(1, w*maxDim/h)
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// flatten composites src over white; JPEG has no alpha channel.
func flatten(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}
