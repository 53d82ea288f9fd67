package image

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// --- helpers ---------------------------------------------------------------

// makeImage creates a solid-colored NRGBA test image.
func makeImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

// writePNG encodes img into a temp file and returns its path.
func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeGIF encodes an animation with one solid frame per color.
func writeGIF(t *testing.T, w, h int, colors []color.Color, delay int) string {
	t.Helper()
	g := &gif.GIF{}
	for _, c := range colors {
		frame := image.NewPaletted(image.Rect(0, 0, w, h), palette.Plan9)
		draw.Draw(frame, frame.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, delay)
		g.Disposal = append(g.Disposal, gif.DisposalNone)
	}
	path := filepath.Join(t.TempDir(), "anim.gif")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := gif.EncodeAll(f, g); err != nil {
		t.Fatal(err)
	}
	return path
}

func stillOptions(wCells, hCells int) LoadOptions {
	return LoadOptions{
		MaxWidthCells:  wCells,
		MaxHeightCells: hCells,
		CellWidth:      8,
		CellHeight:     16,
		Layout:         LayoutRGB,
		FFmpeg:         "/nonexistent/ffmpeg",
		FFprobe:        "/nonexistent/ffprobe",
	}
}

// --- fit -------------------------------------------------------------------

func TestFitNoUpscale(t *testing.T) {
	w, h := Fit(100, 50, 160, 160)
	if w != 100 || h != 50 {
		t.Errorf("Fit = %dx%d, want unchanged 100x50", w, h)
	}
}

func TestFitExact(t *testing.T) {
	w, h := Fit(160, 160, 160, 160)
	if w != 160 || h != 160 {
		t.Errorf("Fit = %dx%d, want 160x160", w, h)
	}
}

func TestFitLandscape(t *testing.T) {
	w, h := Fit(320, 160, 160, 160)
	if w != 160 || h != 80 {
		t.Errorf("Fit = %dx%d, want 160x80", w, h)
	}
}

func TestFitPortraitUsesHeight(t *testing.T) {
	// A tall source in a wide box is bound by the box height.
	w, h := Fit(100, 400, 320, 160)
	if w != 40 || h != 160 {
		t.Errorf("Fit = %dx%d, want 40x160", w, h)
	}
}

func TestFitProperties(t *testing.T) {
	sizes := []int{1, 3, 17, 64, 99, 160, 333, 1024, 4000}
	boxes := [][2]int{{160, 160}, {160, 80}, {80, 320}, {1, 1}, {7, 500}}
	for _, sw := range sizes {
		for _, sh := range sizes {
			for _, box := range boxes {
				w, h := Fit(sw, sh, box[0], box[1])
				if sw <= box[0] && sh <= box[1] {
					if w != sw || h != sh {
						t.Errorf("Fit(%d,%d,%v) = %dx%d, want no-op", sw, sh, box, w, h)
					}
					continue
				}
				if w > box[0] || h > box[1] || w < 1 || h < 1 {
					t.Errorf("Fit(%d,%d,%v) = %dx%d escapes box", sw, sh, box, w, h)
				}
				if w != box[0] && h != box[1] {
					t.Errorf("Fit(%d,%d,%v) = %dx%d does not touch the box", sw, sh, box, w, h)
				}
				// Aspect ratio within one pixel of rounding on the free axis.
				if w == box[0] {
					want := float64(sh) * float64(w) / float64(sw)
					if d := float64(h) - want; (d > 1 || d < -1) && h != 1 && h != box[1] {
						t.Errorf("Fit(%d,%d,%v) = %dx%d, height off by %.2f", sw, sh, box, w, h, d)
					}
				}
			}
		}
	}
}

func TestResizeToFitReturnsSameImageWhenFits(t *testing.T) {
	img := makeImage(10, 10, color.White)
	if got := ResizeToFit(img, 100, 100); got != image.Image(img) {
		t.Error("image that fits should be returned unmodified")
	}
}

func TestResizeToFitNil(t *testing.T) {
	if ResizeToFit(nil, 10, 10) != nil {
		t.Error("nil in, nil out")
	}
}

func TestPixelBox(t *testing.T) {
	w, h := PixelBox(20, 10, 8, 16)
	if w != 160 || h != 160 {
		t.Errorf("PixelBox = %dx%d, want 160x160", w, h)
	}
	w, h = PixelBox(20, 10, 0, 0)
	if w != 160 || h != 160 {
		t.Errorf("PixelBox with zero cells = %dx%d, want fallback 160x160", w, h)
	}
	w, h = PixelBox(3, 2, 9.5, 18.5)
	if w != 28 || h != 37 {
		t.Errorf("PixelBox fractional = %dx%d, want 28x37", w, h)
	}
}

// --- conversion --------------------------------------------------------------

func TestConvertLayouts(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 40})
	img.SetNRGBA(1, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 40})

	rgb := Convert(img, LayoutRGB)
	if !bytes.Equal(rgb.Pix, []byte{10, 20, 30, 10, 20, 30}) || rgb.Size() != 6 || rgb.Stride() != 6 {
		t.Errorf("RGB = %v", rgb.Pix)
	}
	bgra := Convert(img, LayoutBGRA)
	if !bytes.Equal(bgra.Pix[:4], []byte{30, 20, 10, 40}) || bgra.Native {
		t.Errorf("BGRA = %v native=%v", bgra.Pix, bgra.Native)
	}
	rgba := Convert(img, LayoutRGBA)
	if !bytes.Equal(rgba.Pix[:4], []byte{10, 20, 30, 40}) || !rgba.Native {
		t.Errorf("RGBA = %v native=%v", rgba.Pix, rgba.Native)
	}
}

func TestConvertOffsetBounds(t *testing.T) {
	src := makeImage(4, 4, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	sub := src.SubImage(image.Rect(1, 1, 3, 3))
	buf := Convert(sub, LayoutRGB)
	if buf.Width != 2 || buf.Height != 2 || buf.Size() != 12 {
		t.Errorf("buffer %dx%d size %d, want 2x2 size 12", buf.Width, buf.Height, buf.Size())
	}
}

func TestBufferImage(t *testing.T) {
	buf := &Buffer{Pix: []byte{30, 20, 10, 40}, Width: 1, Height: 1, Layout: LayoutBGRA}
	got := buf.Image().NRGBAAt(0, 0)
	if got != (color.NRGBA{R: 10, G: 20, B: 30, A: 40}) {
		t.Errorf("BGRA pixel = %v", got)
	}
	rgb := &Buffer{Pix: []byte{1, 2, 3}, Width: 1, Height: 1, Layout: LayoutRGB}
	if a := rgb.Image().NRGBAAt(0, 0).A; a != 0xff {
		t.Errorf("RGB alpha = %d, want opaque", a)
	}
}

// --- load ------------------------------------------------------------------

func TestLoadScenario(t *testing.T) {
	// 20x10 cells at 8x16 is a 160x160 box; 320x160 fits as 160x80.
	path := writePNG(t, makeImage(320, 160, color.NRGBA{R: 200, A: 255}))

	dec, err := Load(context.Background(), path, stillOptions(20, 10))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer dec.Close()

	frame := dec.Frame()
	if frame.Width != 160 || frame.Height != 80 {
		t.Errorf("frame = %dx%d, want 160x80", frame.Width, frame.Height)
	}
	if frame.Layout != LayoutRGB || frame.Size() != 160*80*3 {
		t.Errorf("layout %v size %d", frame.Layout, frame.Size())
	}
	if r := int(frame.Pix[0]); r < 199 || r > 201 {
		t.Errorf("first pixel red = %d, want 200", r)
	}
}

func TestLoadStillIsNotAnimated(t *testing.T) {
	path := writePNG(t, makeImage(8, 8, color.White))
	opts := stillOptions(4, 4)
	opts.Animated = true

	dec, err := Load(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dec.Animated() {
		t.Error("PNG should degrade to a still")
	}
	if dec.Framerate() != UnknownFramerate {
		t.Errorf("Framerate = %v, want UnknownFramerate", dec.Framerate())
	}
	next, err := dec.Next()
	if err != nil || next != dec.Frame() {
		t.Errorf("Next on still = %v, %v", next, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.png"), stillOptions(4, 4))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestLoadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.png")
	if err := os.WriteFile(path, []byte("definitely not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(context.Background(), path, stillOptions(4, 4))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestLoadRejectsEmptyBox(t *testing.T) {
	path := writePNG(t, makeImage(8, 8, color.White))
	if _, err := Load(context.Background(), path, stillOptions(0, 4)); err == nil {
		t.Error("zero-width box should fail")
	}
}

// --- gif animation -----------------------------------------------------------

func TestGIFLoopInvariant(t *testing.T) {
	colors := []color.Color{
		color.RGBA{R: 255, A: 255},
		color.RGBA{G: 255, A: 255},
		color.RGBA{B: 255, A: 255},
	}
	path := writeGIF(t, 16, 16, colors, 5)
	opts := stillOptions(4, 4)
	opts.Animated = true

	dec, err := Load(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer dec.Close()
	if !dec.Animated() {
		t.Fatal("multi-frame GIF should be animated")
	}

	first := append([]byte(nil), dec.Frame().Pix...)
	var last *Buffer
	for i := 0; i < len(colors); i++ {
		if last, err = dec.Next(); err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if i < len(colors)-1 && bytes.Equal(last.Pix, first) {
			t.Errorf("frame %d equals the first frame", i+1)
		}
	}
	if !bytes.Equal(last.Pix, first) {
		t.Error("advancing frame_count times should return to the first frame")
	}

	for i := 0; i < 50; i++ {
		if _, err := dec.Next(); err != nil {
			t.Fatalf("Next after %d loops: %v", i, err)
		}
	}
}

func TestGIFFramesAreFresh(t *testing.T) {
	path := writeGIF(t, 8, 8, []color.Color{color.White, color.Black}, 10)
	opts := stillOptions(2, 1)
	opts.Animated = true

	dec, err := Load(context.Background(), path, opts)
	if err != nil {
		t.Fatal(err)
	}
	a := dec.Frame()
	b, _ := dec.Next()
	if &a.Pix[0] == &b.Pix[0] {
		t.Error("successive frames share a pixel buffer")
	}
}

func TestGIFNotAnimatedWhenNotRequested(t *testing.T) {
	path := writeGIF(t, 8, 8, []color.Color{color.White, color.Black}, 10)
	dec, err := Load(context.Background(), path, stillOptions(2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Animated() {
		t.Error("animation not requested, GIF should load as a still")
	}
}

func TestGIFFramerate(t *testing.T) {
	tests := []struct {
		delays []int
		want   float64
	}{
		{[]int{10, 10}, 10},
		{[]int{4}, 25},
		{[]int{0, 0}, 10},
		{nil, UnknownFramerate},
	}
	for _, tt := range tests {
		if got := gifFramerate(tt.delays); got != tt.want {
			t.Errorf("gifFramerate(%v) = %v, want %v", tt.delays, got, tt.want)
		}
	}
}

func TestGIFDisposalBackground(t *testing.T) {
	// Frame 1 covers the left half, frame 2 the right half after frame 1
	// is disposed to background: the left half must be transparent again.
	full := image.Rect(0, 0, 4, 2)
	left := image.NewPaletted(image.Rect(0, 0, 2, 2), palette.Plan9)
	draw.Draw(left, left.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	right := image.NewPaletted(image.Rect(2, 0, 4, 2), palette.Plan9)
	draw.Draw(right, right.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)

	g := &gif.GIF{
		Image:    []*image.Paletted{left, right},
		Delay:    []int{10, 10},
		Disposal: []byte{gif.DisposalBackground, gif.DisposalNone},
		Config:   image.Config{Width: full.Dx(), Height: full.Dy()},
	}
	d := newGIFDecoder(g, 100, 100, LayoutRGBA)
	frame, _ := d.Next()
	img := frame.Image()
	if a := img.NRGBAAt(0, 0).A; a != 0 {
		t.Errorf("disposed pixel alpha = %d, want 0", a)
	}
	if a := img.NRGBAAt(3, 0).A; a != 0xff {
		t.Errorf("second frame pixel alpha = %d, want 255", a)
	}
}

// --- video -----------------------------------------------------------------

func TestParseRate(t *testing.T) {
	tests := map[string]float64{
		"25/1":       25,
		"30000/1001": 30000.0 / 1001.0,
		"0/0":        UnknownFramerate,
		"":           UnknownFramerate,
		"24":         24,
		"5/0":        UnknownFramerate,
	}
	for in, want := range tests {
		if got := parseRate(in); got != want {
			t.Errorf("parseRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[{"width":1920,"height":1080,"avg_frame_rate":"0/0","r_frame_rate":"24/1"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1920 || info.Height != 1080 || info.Framerate != 24 {
		t.Errorf("info = %+v", info)
	}
	if _, err := parseProbe([]byte(`{"streams":[]}`)); err == nil {
		t.Error("no streams should fail")
	}
}

func TestPixFmt(t *testing.T) {
	if pixFmt(LayoutRGB) != "rgb24" || pixFmt(LayoutBGRA) != "bgra" || pixFmt(LayoutRGBA) != "rgba" {
		t.Error("unexpected ffmpeg pixel formats")
	}
}
