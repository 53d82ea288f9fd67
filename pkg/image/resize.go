package image

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Fit returns the dimensions of a srcW x srcH source scaled to fit inside
// boxW x boxH while preserving aspect ratio.
//
// A source that already fits is returned unchanged (no upscaling).
// Otherwise one uniform scale factor min(boxW/srcW, boxH/srcH) is applied,
// so the binding side lands exactly on the box edge and the other side is
// rounded. Results are never smaller than 1x1.
func Fit(srcW, srcH, boxW, boxH int) (w, h int) {
	if srcW <= 0 || srcH <= 0 {
		return srcW, srcH
	}
	if boxW <= 0 || boxH <= 0 {
		return srcW, srcH
	}
	if srcW <= boxW && srcH <= boxH {
		return srcW, srcH
	}

	scaleX := float64(boxW) / float64(srcW)
	scaleY := float64(boxH) / float64(srcH)
	if scaleX <= scaleY {
		w = boxW
		h = int(math.Round(float64(srcH) * scaleX))
	} else {
		h = boxH
		w = int(math.Round(float64(srcW) * scaleY))
	}

	w = min(max(w, 1), boxW)
	h = min(max(h, 1), boxH)
	return w, h
}

// ResizeToFit scales img to fit within boxW x boxH pixels with the area
// averaging Box filter. An image that already fits is returned as-is.
func ResizeToFit(img image.Image, boxW, boxH int) image.Image {
	if img == nil {
		return nil
	}
	bounds := img.Bounds()
	w, h := Fit(bounds.Dx(), bounds.Dy(), boxW, boxH)
	if w == bounds.Dx() && h == bounds.Dy() {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Box)
}

// PixelBox converts a cell box to pixels using per-cell dimensions. Zero or
// negative cell sizes fall back to 8x16.
func PixelBox(widthCells, heightCells int, cellW, cellH float64) (w, h int) {
	if cellW <= 0 {
		cellW = 8
	}
	if cellH <= 0 {
		cellH = 16
	}
	return int(float64(widthCells) * cellW), int(float64(heightCells) * cellH)
}
