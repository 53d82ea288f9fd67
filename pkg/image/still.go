package image

import (
	"fmt"
	"image"

	// Additional codecs for image.Decode; imaging registers the rest.
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// UnknownFramerate is reported by sources without a declared frame rate.
const UnknownFramerate = -1

// stillDecoder holds a single fitted frame.
type stillDecoder struct {
	frame *Buffer
}

// openStill decodes path with imaging, applying EXIF orientation, and fits
// it into the box.
func openStill(path string, boxW, boxH int, layout Layout) (*stillDecoder, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	return newStill(img, boxW, boxH, layout), nil
}

func newStill(img image.Image, boxW, boxH int, layout Layout) *stillDecoder {
	return &stillDecoder{frame: Convert(ResizeToFit(img, boxW, boxH), layout)}
}

func (d *stillDecoder) Frame() *Buffer { return d.frame }

// Next returns the only frame again.
func (d *stillDecoder) Next() (*Buffer, error) { return d.frame, nil }

func (d *stillDecoder) Framerate() float64 { return UnknownFramerate }

func (d *stillDecoder) Animated() bool { return false }

func (d *stillDecoder) Close() error { return nil }
