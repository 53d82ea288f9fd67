package canvas

import (
	"bytes"
	"encoding/base64"
	"errors"
	stdimage "image"
	"image/color"
	"io"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/klauspost/compress/zlib"
	"github.com/muesli/termenv"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
	"gitlab.com/tinyland/lab/pixelpane/pkg/terminal"
)

// --- helpers ---------------------------------------------------------------

var geom = terminal.Geometry{
	Rows: 24, Cols: 80,
	PixelWidth: 800, PixelHeight: 480,
	CellWidth: 10, CellHeight: 20,
}

// countingWriter records every Write call separately.
type countingWriter struct {
	writes [][]byte
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *countingWriter) last() string {
	if len(w.writes) == 0 {
		return ""
	}
	return string(w.writes[len(w.writes)-1])
}

// fakeEncoder emits a fixed payload and never handles erasing itself.
type fakeEncoder struct {
	payload string
	fail    bool
}

func (fakeEncoder) name() string { return "fake" }

func (fakeEncoder) layout() image.Layout { return image.LayoutRGB }

func (f fakeEncoder) encode(out *bytes.Buffer, _ *Placement) error {
	if f.fail {
		return errors.New("boom")
	}
	out.WriteString(f.payload)
	return nil
}

func (fakeEncoder) erase(*bytes.Buffer, *Placement) bool { return false }

func solid(w, h int, layout image.Layout) *image.Buffer {
	buf := &image.Buffer{Width: w, Height: h, Layout: layout}
	buf.Pix = bytes.Repeat([]byte{0x80}, w*h*layout.Channels())
	return buf
}

func noise(w, h int) *image.Buffer {
	r := rand.New(rand.NewPCG(1, 2))
	buf := &image.Buffer{Width: w, Height: h, Layout: image.LayoutRGB, Pix: make([]byte, w*h*3)}
	for i := range buf.Pix {
		buf.Pix[i] = byte(r.UintN(256))
	}
	return buf
}

func uniform(w, h int, r, g, b, a uint8) *stdimage.NRGBA {
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: a})
		}
	}
	return img
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eraseRows(x, y, cols, rows int) string {
	var b strings.Builder
	b.WriteString(ansi.SaveCursor)
	for row := 0; row < rows; row++ {
		b.WriteString(ansi.CursorPosition(x+1, y+row+1))
		b.WriteString(ansi.EraseCharacter(cols))
	}
	b.WriteString(ansi.RestoreCursor)
	return b.String()
}

func newFake(w io.Writer) *inBand {
	return newInBand(w, geom, fakeEncoder{payload: "PIX"}, discardLogger())
}

// --- in-band draws ---------------------------------------------------------

func TestInBandAddWrapsPayload(t *testing.T) {
	w := &countingWriter{}
	c := newFake(w)

	if err := c.Add("a", solid(40, 40, image.LayoutRGB), Box{X: 2, Y: 1, Width: 10, Height: 5}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(w.writes) != 1 {
		t.Fatalf("Add issued %d writes, want 1", len(w.writes))
	}
	want := ansi.SaveCursor + ansi.CursorPosition(3, 2) + "PIX" + ansi.RestoreCursor
	if got := w.last(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestInBandFootprint(t *testing.T) {
	c := newFake(io.Discard)

	// 35x40 pixels at 10x20 per cell covers 4x2 cells.
	if err := c.Add("a", solid(35, 40, image.LayoutRGB), Box{X: 1, Y: 2, Width: 10, Height: 10}); err != nil {
		t.Fatal(err)
	}
	p := c.Placements()[0]
	if p.Drawn != (Box{X: 1, Y: 2, Width: 4, Height: 2}) {
		t.Errorf("Drawn = %+v", p.Drawn)
	}
	if p.Pixels != (Box{X: 10, Y: 40, Width: 35, Height: 40}) {
		t.Errorf("Pixels = %+v", p.Pixels)
	}

	// The footprint never exceeds the requested box.
	if err := c.Add("b", solid(95, 95, image.LayoutRGB), Box{Width: 3, Height: 2}); err != nil {
		t.Fatal(err)
	}
	if p := c.Placements()[1]; p.Drawn.Width != 3 || p.Drawn.Height != 2 {
		t.Errorf("clamped Drawn = %+v", p.Drawn)
	}
}

func TestInBandReAddErasesFirst(t *testing.T) {
	w := &countingWriter{}
	c := newFake(w)
	box := Box{X: 0, Y: 0, Width: 4, Height: 2}

	if err := c.Add("a", solid(40, 40, image.LayoutRGB), box); err != nil {
		t.Fatal(err)
	}
	moved := Box{X: 5, Y: 3, Width: 4, Height: 2}
	if err := c.Add("a", solid(40, 40, image.LayoutRGB), moved); err != nil {
		t.Fatal(err)
	}

	if len(w.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(w.writes))
	}
	erase := eraseRows(0, 0, 4, 2)
	draw := ansi.SaveCursor + ansi.CursorPosition(6, 4) + "PIX" + ansi.RestoreCursor
	if got := w.last(); got != erase+draw {
		t.Errorf("re-add output = %q, want %q", got, erase+draw)
	}
	if n := len(c.Placements()); n != 1 {
		t.Errorf("placements = %d, want 1", n)
	}
}

func TestInBandRemove(t *testing.T) {
	w := &countingWriter{}
	c := newFake(w)

	if err := c.Add("a", solid(30, 60, image.LayoutRGB), Box{X: 2, Y: 3, Width: 8, Height: 8}); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got, want := w.last(), eraseRows(2, 3, 3, 3); got != want {
		t.Errorf("remove output = %q, want %q", got, want)
	}
	if strings.Contains(w.last(), "\n") {
		t.Error("erase must not contain newlines")
	}
	if len(c.Placements()) != 0 {
		t.Error("placement survived Remove")
	}
	if err := c.Remove("a"); !errors.Is(err, ErrUnknownPlacement) {
		t.Errorf("second Remove = %v, want ErrUnknownPlacement", err)
	}
}

func TestInBandClear(t *testing.T) {
	w := &countingWriter{}
	c := newFake(w)
	for _, id := range []string{"b", "a"} {
		if err := c.Add(id, solid(10, 20, image.LayoutRGB), Box{Width: 1, Height: 1}); err != nil {
			t.Fatal(err)
		}
	}
	before := len(w.writes)
	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(w.writes) != before+1 {
		t.Errorf("Clear issued %d writes, want 1", len(w.writes)-before)
	}
	if len(c.Placements()) != 0 {
		t.Error("Clear left placements")
	}
	// An empty canvas writes nothing.
	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	if len(w.writes) != before+1 {
		t.Error("clearing an empty canvas should not write")
	}
}

func TestInBandEncodeFailure(t *testing.T) {
	w := &countingWriter{}
	c := newInBand(w, geom, fakeEncoder{fail: true}, discardLogger())

	if err := c.Add("a", solid(10, 10, image.LayoutRGB), Box{Width: 2, Height: 2}); err == nil {
		t.Fatal("expected encode error")
	}
	if len(w.writes) != 0 {
		t.Errorf("failed draw wrote %q", w.writes)
	}
	if len(c.Placements()) != 0 {
		t.Error("failed draw should not register the placement")
	}
}

func TestInBandUpdateAndRedraw(t *testing.T) {
	w := &countingWriter{}
	c := newFake(w)

	if err := c.Update("missing", solid(10, 10, image.LayoutRGB)); !errors.Is(err, ErrUnknownPlacement) {
		t.Errorf("Update unknown = %v", err)
	}
	if err := c.Redraw("missing"); !errors.Is(err, ErrUnknownPlacement) {
		t.Errorf("Redraw unknown = %v", err)
	}

	if err := c.Add("a", solid(10, 20, image.LayoutRGB), Box{Width: 4, Height: 4}); err != nil {
		t.Fatal(err)
	}
	if err := c.Update("a", solid(20, 40, image.LayoutRGB)); err != nil {
		t.Fatal(err)
	}
	// Update draws over the old frame without erasing.
	want := ansi.SaveCursor + ansi.CursorPosition(1, 1) + "PIX" + ansi.RestoreCursor
	if got := w.last(); got != want {
		t.Errorf("update output = %q", got)
	}
	if p := c.Placements()[0]; p.Drawn.Width != 2 || p.Drawn.Height != 2 {
		t.Errorf("Drawn after update = %+v", p.Drawn)
	}
	if err := c.Redraw("a"); err != nil || w.last() != want {
		t.Errorf("Redraw = %v, %q", err, w.last())
	}
}

func TestSetGeometryReresolves(t *testing.T) {
	c := newFake(io.Discard)
	if err := c.Add("a", solid(40, 40, image.LayoutRGB), Box{X: 1, Y: 1, Width: 10, Height: 10}); err != nil {
		t.Fatal(err)
	}
	g := geom
	g.CellWidth, g.CellHeight = 20, 40
	c.SetGeometry(g)

	p := c.Placements()[0]
	if p.Drawn.Width != 2 || p.Drawn.Height != 1 {
		t.Errorf("Drawn = %+v", p.Drawn)
	}
	if p.Pixels.X != 20 || p.Pixels.Y != 40 {
		t.Errorf("Pixels = %+v", p.Pixels)
	}
}

// --- kitty -----------------------------------------------------------------

var reKittyChunk = regexp.MustCompile(`\x1b_G([^;]*);([^\x1b]*)\x1b\\`)

func TestKittyTransmitChunks(t *testing.T) {
	buf := noise(64, 64)
	var out bytes.Buffer
	if err := kittyTransmit(&out, buf, 7); err != nil {
		t.Fatal(err)
	}

	chunks := reKittyChunk.FindAllStringSubmatch(out.String(), -1)
	if len(chunks) < 2 {
		t.Fatalf("expected a chunked transmission, got %d chunks", len(chunks))
	}
	if head := chunks[0][1]; !strings.Contains(head, "a=T") || !strings.Contains(head, "f=24") ||
		!strings.Contains(head, "s=64,v=64") || !strings.Contains(head, "i=7") ||
		!strings.Contains(head, "q=2") || !strings.Contains(head, "C=1") || !strings.Contains(head, "o=z") {
		t.Errorf("first chunk keys = %q", head)
	}

	var encoded strings.Builder
	for i, c := range chunks {
		if len(c[2]) > kittyChunkSize {
			t.Errorf("chunk %d carries %d bytes", i, len(c[2]))
		}
		wantMore := "m=1"
		if i == len(chunks)-1 {
			wantMore = "m=0"
		}
		if !strings.HasSuffix(c[1], wantMore) {
			t.Errorf("chunk %d keys %q, want %s", i, c[1], wantMore)
		}
		if i > 0 && c[1] != wantMore {
			t.Errorf("continuation chunk %d carries keys %q", i, c[1])
		}
		encoded.WriteString(c[2])
	}

	raw, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	pix, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(pix, buf.Pix) {
		t.Error("round-tripped pixels differ from the buffer")
	}
}

func TestKittyRGBAUsesFormat32(t *testing.T) {
	var out bytes.Buffer
	if err := kittyTransmit(&out, solid(2, 2, image.LayoutBGRA), 1); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "f=32") {
		t.Errorf("output = %q", out.String())
	}
}

func TestKittyEraseByID(t *testing.T) {
	w := &countingWriter{}
	c := newInBand(w, geom, &kittyEncoder{}, discardLogger())

	box := Box{Width: 4, Height: 4}
	if err := c.Add("a", solid(10, 10, image.LayoutRGB), box); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.last(), "i=1,") {
		t.Errorf("first image id: %q", w.last())
	}
	if err := c.Add("a", solid(10, 10, image.LayoutRGB), box); err != nil {
		t.Fatal(err)
	}
	out := w.last()
	del := "\x1b_Ga=d,d=I,i=1,q=2\x1b\\"
	if !strings.HasPrefix(out, del) {
		t.Errorf("re-add should delete image 1 first: %q", out)
	}
	if !strings.Contains(out, "i=2,") {
		t.Errorf("re-add should transmit image 2: %q", out)
	}
	if strings.Contains(out, ansi.EraseCharacter(1)) {
		t.Error("kitty erase should not blank cells")
	}

	// Animation frames reuse the placement's id.
	if err := c.Update("a", solid(10, 10, image.LayoutRGB)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.last(), "i=2,") {
		t.Errorf("update should reuse image 2: %q", w.last())
	}

	if err := c.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if w.last() != "\x1b_Ga=d,d=I,i=2,q=2\x1b\\" {
		t.Errorf("remove output = %q", w.last())
	}
}

// --- sixel -----------------------------------------------------------------

func TestSixelDraw(t *testing.T) {
	w := &countingWriter{}
	c := newInBand(w, geom, sixelEncoder{}, discardLogger())

	if err := c.Add("a", solid(20, 20, image.LayoutRGB), Box{X: 1, Y: 1, Width: 4, Height: 4}); err != nil {
		t.Fatal(err)
	}
	out := w.last()
	prefix := ansi.SaveCursor + ansi.CursorPosition(2, 2) + "\x1bP"
	if !strings.HasPrefix(out, prefix) {
		t.Errorf("sixel output should start a DCS at the origin: %q", out[:min(len(out), 32)])
	}
	if !strings.HasSuffix(out, "\x1b\\"+ansi.RestoreCursor) {
		t.Errorf("sixel output should end with ST and a cursor restore")
	}
}

// --- halfblocks ------------------------------------------------------------

func TestHalfblocksSolidColor(t *testing.T) {
	var out bytes.Buffer
	p := &Placement{
		Cells:  Box{X: 3, Y: 2, Width: 4, Height: 3},
		Drawn:  Box{X: 3, Y: 2, Width: 4, Height: 3},
		Buffer: image.Convert(uniform(8, 12, 255, 0, 0, 255), image.LayoutRGBA),
	}
	if err := (halfblockEncoder{profile: termenv.TrueColor}).encode(&out, p); err != nil {
		t.Fatal(err)
	}
	s := out.String()

	if strings.Contains(s, "\n") {
		t.Error("halfblock output must not contain newlines")
	}
	if strings.Count(s, "▀") != 12 {
		t.Errorf("want one half block per cell, got %d", strings.Count(s, "▀"))
	}
	if !strings.Contains(s, "38;2;255;0;0") || !strings.Contains(s, "48;2;255;0;0") {
		t.Error("output should carry true colour red foreground and background")
	}
	for row := 1; row < 3; row++ {
		if !strings.Contains(s, ansi.CursorPosition(4, 3+row)) {
			t.Errorf("row %d should be positioned with CUP", row)
		}
	}
	if !strings.HasSuffix(s, "\x1b[0m") {
		t.Error("output should end with an SGR reset")
	}
}

func TestHalfblocksTransparent(t *testing.T) {
	var out bytes.Buffer
	p := &Placement{
		Drawn:  Box{Width: 2, Height: 1},
		Buffer: image.Convert(uniform(4, 4, 0, 0, 0, 0), image.LayoutRGBA),
	}
	if err := (halfblockEncoder{profile: termenv.TrueColor}).encode(&out, p); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "▀") || strings.Count(out.String(), " ") != 2 {
		t.Errorf("transparent pixels should render as spaces: %q", out.String())
	}
}

func TestHalfblocksANSI256(t *testing.T) {
	var out bytes.Buffer
	p := &Placement{
		Drawn:  Box{Width: 1, Height: 1},
		Buffer: image.Convert(uniform(2, 2, 255, 0, 0, 255), image.LayoutRGB),
	}
	if err := (halfblockEncoder{profile: termenv.ANSI256}).encode(&out, p); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "38;2;") {
		t.Errorf("256 colour profile emitted true colour: %q", out.String())
	}
	if !strings.Contains(out.String(), "38;5;") {
		t.Errorf("256 colour profile should use indexed colours: %q", out.String())
	}
}

func TestHalfblocksCanvasKeepsAlpha(t *testing.T) {
	w := &countingWriter{}
	c, err := New(terminal.Profile{}, geom, Options{
		Backend:      "halfblocks",
		Writer:       w,
		ColorProfile: termenv.TrueColor,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Layout() != image.LayoutRGBA {
		t.Fatalf("Layout = %v, want RGBA", c.Layout())
	}

	// One cell: opaque red on top, transparent below.
	img := uniform(10, 20, 255, 0, 0, 255)
	for y := 10; y < 20; y++ {
		for x := 0; x < 10; x++ {
			img.SetNRGBA(x, y, color.NRGBA{})
		}
	}
	if err := c.Add("a", image.Convert(img, c.Layout()), Box{Width: 1, Height: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	out := w.last()
	if !strings.Contains(out, "38;2;255;0;0") || !strings.Contains(out, bgDefault+upperHalf) {
		t.Errorf("transparent lower half should keep the default background: %q", out)
	}
	if strings.Contains(out, "48;2;") {
		t.Errorf("transparent pixel painted a background colour: %q", out)
	}
}

// --- noop ------------------------------------------------------------------

func TestNoopRecords(t *testing.T) {
	c := NewNoop()
	if c.Name() != "none" {
		t.Errorf("Name = %q", c.Name())
	}
	if err := c.Add("a", solid(16, 32, image.LayoutRGBA), Box{X: 1, Y: 1, Width: 5, Height: 5}); err != nil {
		t.Fatal(err)
	}
	if err := c.Add("a", solid(16, 32, image.LayoutRGBA), Box{X: 2, Y: 2, Width: 5, Height: 5}); err != nil {
		t.Fatal(err)
	}
	ps := c.Placements()
	if len(ps) != 1 || ps[0].Cells.X != 2 {
		t.Fatalf("placements = %+v", ps)
	}
	if ps[0].Drawn.Width != 2 || ps[0].Drawn.Height != 2 {
		t.Errorf("Drawn = %+v, want 2x2 at fallback cell size", ps[0].Drawn)
	}
	if err := c.Remove("b"); !errors.Is(err, ErrUnknownPlacement) {
		t.Errorf("Remove unknown = %v", err)
	}
	if err := c.Close(); err != nil || len(c.Placements()) != 0 {
		t.Errorf("Close = %v, %d left", err, len(c.Placements()))
	}
}

// --- selection -------------------------------------------------------------

func TestNewSelection(t *testing.T) {
	t.Setenv("DISPLAY", "")

	tests := []struct {
		name    string
		profile terminal.Profile
		backend string
		writer  io.Writer
		cp      termenv.Profile
		want    string
		wantErr bool
	}{
		{name: "kitty auto", profile: terminal.Profile{Kitty: true, Sixel: true}, writer: io.Discard, want: "kitty"},
		{name: "sixel auto", profile: terminal.Profile{Sixel: true}, writer: io.Discard, want: "sixel"},
		{name: "iterm2 auto", profile: terminal.Profile{ITerm2: true}, writer: io.Discard, want: "iterm2"},
		{name: "halfblocks auto", writer: io.Discard, want: "halfblocks"},
		{name: "explicit sixel", profile: terminal.Profile{Kitty: true}, backend: "sixel", writer: io.Discard, want: "sixel"},
		{name: "none", backend: "none", want: "none"},
		{name: "unknown backend", backend: "braille", writer: io.Discard, wantErr: true},
		{name: "no writer", profile: terminal.Profile{Sixel: true}, wantErr: true},
		{name: "overlay falls back", profile: terminal.Profile{X11: true}, writer: io.Discard, want: "halfblocks"},
		{name: "explicit overlay fails", profile: terminal.Profile{X11: true}, backend: "x11", writer: io.Discard, wantErr: true},
		{name: "no colour", writer: io.Discard, cp: termenv.Ascii, wantErr: true},
		{name: "explicit halfblocks without colour", backend: "halfblocks", writer: io.Discard, cp: termenv.Ascii, want: "halfblocks"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.profile, geom, Options{
				Backend:      tt.backend,
				Writer:       tt.writer,
				ColorProfile: tt.cp,
				Logger:       discardLogger(),
			})
			if tt.wantErr {
				if !errors.Is(err, ErrBackendUnavailable) {
					t.Fatalf("err = %v, want ErrBackendUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("backend = %s, want %s", c.Name(), tt.want)
			}
		})
	}
}

// --- x11 -------------------------------------------------------------------

func TestBands(t *testing.T) {
	tests := []struct {
		height, stride, budget int
		want                   []band
	}{
		{height: 10, stride: 100, budget: 1000, want: []band{{0, 10}}},
		{height: 10, stride: 100, budget: 400, want: []band{{0, 4}, {4, 4}, {8, 2}}},
		{height: 3, stride: 500, budget: 100, want: []band{{0, 1}, {1, 1}, {2, 1}}},
		{height: 0, stride: 100, budget: 1000, want: nil},
	}
	for _, tt := range tests {
		got := bands(tt.height, tt.stride, tt.budget)
		if len(got) != len(tt.want) {
			t.Errorf("bands(%d, %d, %d) = %v, want %v", tt.height, tt.stride, tt.budget, got, tt.want)
			continue
		}
		rows := 0
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("bands(%d, %d, %d)[%d] = %v, want %v", tt.height, tt.stride, tt.budget, i, got[i], tt.want[i])
			}
			rows += got[i].rows
		}
		if rows != tt.height {
			t.Errorf("bands cover %d rows, want %d", rows, tt.height)
		}
	}
}

func TestPutImageBudget(t *testing.T) {
	if got := putImageBudget(65535); got != 65535*4-24 {
		t.Errorf("budget = %d", got)
	}
	if got := putImageBudget(0); got <= 0 {
		t.Errorf("budget should stay positive, got %d", got)
	}
}
