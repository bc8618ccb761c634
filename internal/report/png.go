package report

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Canvas and chart geometry.
const (
	canvasWidth  = 600
	canvasHeight = 800

	barWidth     = 100
	barSpacing   = 40
	barMaxHeight = 200
	barBaseline  = 560
)

var (
	colorText    = color.RGBA{33, 33, 33, 255}
	colorMuted   = color.RGBA{110, 110, 110, 255}
	colorProtein = color.RGBA{52, 152, 219, 255}
	colorCarbs   = color.RGBA{46, 204, 113, 255}
	colorFat     = color.RGBA{231, 76, 60, 255}
	colorOver    = color.RGBA{192, 57, 43, 255}
)

type faces struct {
	title, body, small font.Face
}

func (f *faces) Close() {
	for _, fc := range []font.Face{f.title, f.body, f.small} {
		if fc != nil {
			fc.Close()
		}
	}
}

// Parsed fonts are shared; faces are not safe for concurrent use and
// are created per render.
var loadFonts = sync.OnceValues(func() ([2]*opentype.Font, error) {
	regular, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return [2]*opentype.Font{}, fmt.Errorf("parse regular font: %w", err)
	}
	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return [2]*opentype.Font{}, fmt.Errorf("parse bold font: %w", err)
	}
	return [2]*opentype.Font{regular, bold}, nil
})

func newFaces() (*faces, error) {
	fonts, err := loadFonts()
	if err != nil {
		return nil, err
	}
	regular, bold := fonts[0], fonts[1]

	f := &faces{}
	for _, spec := range []struct {
		dst  *font.Face
		font *opentype.Font
		size float64
	}{
		{&f.title, bold, 32},
		{&f.body, regular, 22},
		{&f.small, regular, 16},
	} {
		*spec.dst, err = opentype.NewFace(spec.font, &opentype.FaceOptions{
			Size:    spec.size,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create font face: %w", err)
		}
	}
	return f, nil
}

// RenderPNG draws the 600x800 recap chart.
func RenderPNG(r *DailyReport) ([]byte, error) {
	f, err := newFaces()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := image.NewRGBA(image.Rect(0, 0, canvasWidth, canvasHeight))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	centered(img, f.title, colorText, 80, "Daily Recap – "+r.Date)
	centered(img, f.body, colorText, 160, fmt.Sprintf("Total Consumed: %s kcal", kcal(r.Calories)))

	remainingColor := color.Color(colorText)
	if r.Remaining.IsNegative() {
		remainingColor = colorOver
	}
	centered(img, f.body, remainingColor, 200,
		fmt.Sprintf("Budget: %d kcal | Remaining: %s kcal", r.Budget, kcal(r.Remaining)))
	centered(img, f.small, colorMuted, 240, fmt.Sprintf("%d meals logged", r.FoodCount))

	bars := []struct {
		label string
		value decimal.Decimal
		c     color.RGBA
	}{
		{"Protein", r.ProteinG, colorProtein},
		{"Carbs", r.CarbsG, colorCarbs},
		{"Fat", r.FatG, colorFat},
	}

	largest := decimal.Zero
	for _, b := range bars {
		if b.value.GreaterThan(largest) {
			largest = b.value
		}
	}

	total := 3*barWidth + 2*barSpacing
	x := (canvasWidth - total) / 2
	for _, b := range bars {
		h := 0
		if largest.IsPositive() {
			h = int(b.value.Div(largest).Mul(decimal.NewFromInt(barMaxHeight)).Round(0).IntPart())
		}
		rect := image.Rect(x, barBaseline-h, x+barWidth, barBaseline)
		draw.Draw(img, rect, image.NewUniform(b.c), image.Point{}, draw.Src)

		label := fmt.Sprintf("%sg", b.value.Round(1).String())
		drawText(img, f.small, colorText, x+(barWidth-textWidth(f.small, label))/2, barBaseline-h-10, label)
		drawText(img, f.small, colorText, x+(barWidth-textWidth(f.small, b.label))/2, barBaseline+28, b.label)
		x += barWidth + barSpacing
	}

	centered(img, f.body, colorMuted, 720, "Keep up the great work!")

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func kcal(d decimal.Decimal) string {
	return d.Round(0).String()
}

func textWidth(face font.Face, s string) int {
	return font.MeasureString(face, s).Round()
}

func centered(dst draw.Image, face font.Face, c color.Color, y int, s string) {
	drawText(dst, face, c, (canvasWidth-textWidth(face, s))/2, y, s)
}

func drawText(dst draw.Image, face font.Face, c color.Color, x, y int, s string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
