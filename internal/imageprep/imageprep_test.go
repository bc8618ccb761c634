package imageprep

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPrepare_Downscales(t *testing.T) {
	res, err := Prepare(pngBytes(t, 400, 200), "image/png", Options{MaxDim: 100})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.Width != 100 || res.Height != 50 {
		t.Errorf("size = %dx%d, want 100x50", res.Width, res.Height)
	}
	if res.MIMEType != "image/jpeg" || res.Extension() != "jpg" {
		t.Errorf("mime = %q ext = %q", res.MIMEType, res.Extension())
	}
	if res.Resolution() != "100x50" {
		t.Errorf("Resolution = %q", res.Resolution())
	}
	if _, err := jpeg.Decode(bytes.NewReader(res.Data)); err != nil {
		t.Errorf("output is not a JPEG: %v", err)
	}
}

func TestPrepare_PortraitAndSmall(t *testing.T) {
	res, err := Prepare(pngBytes(t, 60, 240), "image/png; charset=binary", Options{MaxDim: 120})
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 30 || res.Height != 120 {
		t.Errorf("portrait size = %dx%d, want 30x120", res.Width, res.Height)
	}

	res, err = Prepare(pngBytes(t, 20, 10), "image/png", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 20 || res.Height != 10 {
		t.Errorf("small image resized to %dx%d", res.Width, res.Height)
	}
}

func TestPrepare_Rejects(t *testing.T) {
	if _, err := Prepare([]byte("hello"), "text/plain", Options{}); !errors.Is(err, ErrNotImage) {
		t.Errorf("text/plain = %v, want ErrNotImage", err)
	}
	big := make([]byte, MaxBytes+1)
	if _, err := Prepare(big, "image/jpeg", Options{}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversize = %v, want ErrTooLarge", err)
	}
}

func TestPrepare_UndecodablePassesThrough(t *testing.T) {
	res, err := Prepare([]byte("not really a heic"), "image/heic", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Data) != "not really a heic" || res.Width != 0 || res.MIMEType != "image/heic" {
		t.Errorf("passthrough = %+v", res)
	}
	if res.Resolution() != "" {
		t.Errorf("Resolution = %q, want empty", res.Resolution())
	}
}
