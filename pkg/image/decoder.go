package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Decoder produces fitted frames from one source.
type Decoder interface {
	// Frame returns the current frame.
	Frame() *Buffer

	// Next advances to the following frame and returns it. At the end of an
	// animated stream it wraps to the first frame; natural end of stream is
	// never an error. Stills return their only frame.
	Next() (*Buffer, error)

	// Framerate returns the declared frames per second, or
	// UnknownFramerate.
	Framerate() float64

	// Animated reports whether Next can yield different frames.
	Animated() bool

	// Close releases the backend (for video, the ffmpeg process).
	Close() error
}

// LoadOptions sizes and routes a Load.
type LoadOptions struct {
	// Box in terminal cells the result must fit inside.
	MaxWidthCells  int
	MaxHeightCells int

	// Pixel size of one cell.
	CellWidth  float64
	CellHeight float64

	// Animated opens multi-frame sources as streams.
	Animated bool

	// Layout the active canvas consumes.
	Layout Layout

	// FFmpeg and FFprobe binaries for video. Empty uses $PATH.
	FFmpeg  string
	FFprobe string

	Logger *slog.Logger
}

// Box returns the target box in pixels.
func (o LoadOptions) Box() (w, h int) {
	return PixelBox(o.MaxWidthCells, o.MaxHeightCells, o.CellWidth, o.CellHeight)
}

// Load decodes path into a Decoder whose frames fit the box described by
// opts. Video extensions go to ffmpeg, GIFs to the frame compositor and
// everything else to imaging, with ffmpeg as a last resort for formats
// imaging cannot read. The returned error wraps ErrDecode when no backend
// can parse the source.
//
// ctx bounds the lifetime of streaming decoders.
func Load(ctx context.Context, path string, opts LoadOptions) (Decoder, error) {
	boxW, boxH := opts.Box()
	if boxW <= 0 || boxH <= 0 {
		return nil, fmt.Errorf("invalid box %dx%d cells", opts.MaxWidthCells, opts.MaxHeightCells)
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.FFprobe == "" {
		opts.FFprobe = "ffprobe"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var (
		dec     Decoder
		backend string
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case videoExtensions[ext]:
		backend = "ffmpeg"
		dec, err = openVideo(ctx, opts.FFmpeg, opts.FFprobe, path, boxW, boxH, opts.Layout, opts.Animated)
	case ext == ".gif":
		backend = "gif"
		dec, err = openGIF(path, boxW, boxH, opts.Layout, opts.Animated)
	default:
		backend = "imaging"
		dec, err = openStill(path, boxW, boxH, opts.Layout)
		if err != nil && ffmpegAvailable(opts.FFmpeg) {
			logger.Debug("imaging could not decode, trying ffmpeg", "path", path, "error", err)
			backend = "ffmpeg"
			var verr error
			dec, verr = openVideo(ctx, opts.FFmpeg, opts.FFprobe, path, boxW, boxH, opts.Layout, opts.Animated)
			if verr != nil {
				err = errors.Join(err, verr)
			} else {
				err = nil
			}
		}
	}
	if err != nil {
		return nil, err
	}

	frame := dec.Frame()
	logger.Debug("decoded",
		"path", path,
		"backend", backend,
		"box", fmt.Sprintf("%dx%d", boxW, boxH),
		"size", fmt.Sprintf("%dx%d", frame.Width, frame.Height),
		"bytes", humanize.Bytes(uint64(frame.Size())),
		"layout", frame.Layout,
		"animated", dec.Animated(),
		"fps", dec.Framerate(),
	)
	return dec, nil
}

func ffmpegAvailable(bin string) bool {
	_, err := exec.LookPath(bin)
	return err == nil
}
