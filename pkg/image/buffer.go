// Package image decodes still images, GIF animations and video into pixel
// buffers fitted to a box measured in terminal cells.
//
// Three backends sit behind the Decoder interface: imaging for still
// images (PNG, JPEG, GIF, BMP, TIFF, WebP with EXIF orientation), a frame
// compositor for animated GIFs, and an ffmpeg pipe for video. Load picks
// one from the path and the caller's request.
package image

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

var (
	// ErrDecode is returned when no backend can parse a source.
	ErrDecode = errors.New("decode failed")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("decoder closed")
)

// Layout is the byte order of one pixel in a Buffer.
type Layout int

const (
	LayoutRGB  Layout = iota // 3 bytes, no alpha; sixel, kitty, iTerm2
	LayoutRGBA               // 4 bytes, straight alpha; halfblocks
	LayoutBGRA               // 4 bytes, X11 ZPixmap order on little-endian servers
)

// Channels returns the number of bytes per pixel.
func (l Layout) Channels() int {
	if l == LayoutRGB {
		return 3
	}
	return 4
}

func (l Layout) String() string {
	switch l {
	case LayoutRGB:
		return "rgb"
	case LayoutRGBA:
		return "rgba"
	case LayoutBGRA:
		return "bgra"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Buffer is one decoded, fitted frame. It is owned by whoever holds it; a
// decoder never keeps a reference after returning it.
type Buffer struct {
	Pix    []byte
	Width  int
	Height int
	Layout Layout

	// Native is true when the pixels arrived in Layout without a
	// conversion pass.
	Native bool
}

// Size returns the number of pixel bytes.
func (b *Buffer) Size() int {
	return len(b.Pix)
}

// Stride returns the number of bytes per row.
func (b *Buffer) Stride() int {
	return b.Width * b.Layout.Channels()
}

// Image returns the buffer as an *image.NRGBA for encoders that take an
// image.Image. RGB buffers come back fully opaque.
func (b *Buffer) Image() *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	ch := b.Layout.Channels()
	for i, j := 0, 0; i+ch <= len(b.Pix) && j < len(dst.Pix); i, j = i+ch, j+4 {
		switch b.Layout {
		case LayoutRGB:
			dst.Pix[j], dst.Pix[j+1], dst.Pix[j+2], dst.Pix[j+3] = b.Pix[i], b.Pix[i+1], b.Pix[i+2], 0xff
		case LayoutRGBA:
			copy(dst.Pix[j:j+4], b.Pix[i:i+4])
		case LayoutBGRA:
			dst.Pix[j], dst.Pix[j+1], dst.Pix[j+2], dst.Pix[j+3] = b.Pix[i+2], b.Pix[i+1], b.Pix[i], b.Pix[i+3]
		}
	}
	return dst
}

// Convert packs img into a fresh Buffer with the given layout. Alpha is
// dropped for LayoutRGB.
func Convert(img image.Image, layout Layout) *Buffer {
	src := ImageToNRGBA(img)
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	ch := layout.Channels()

	buf := &Buffer{
		Pix:    make([]byte, w*h*ch),
		Width:  w,
		Height: h,
		Layout: layout,
		Native: layout == LayoutRGBA,
	}
	i := 0
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			r, g, b, a := row[x], row[x+1], row[x+2], row[x+3]
			switch layout {
			case LayoutRGB:
				buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2] = r, g, b
			case LayoutRGBA:
				buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2], buf.Pix[i+3] = r, g, b, a
			case LayoutBGRA:
				buf.Pix[i], buf.Pix[i+1], buf.Pix[i+2], buf.Pix[i+3] = b, g, r, a
			}
			i += ch
		}
	}
	return buf
}

// ImageToNRGBA converts any image.Image to an *image.NRGBA anchored at the
// origin.
func ImageToNRGBA(src image.Image) *image.NRGBA {
	if nrgba, ok := src.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	return dst
}
