package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// videoExtensions are routed to the ffmpeg backend.
var videoExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mkv": true, ".webm": true, ".mov": true,
	".avi": true, ".flv": true, ".wmv": true, ".ogv": true, ".mpg": true,
	".mpeg": true, ".ts": true,
}

// videoInfo is what ffprobe reports about the first video stream.
type videoInfo struct {
	Width     int
	Height    int
	Framerate float64
}

// probeVideo asks ffprobe for the dimensions and frame rate of path.
func probeVideo(ctx context.Context, ffprobe, path string) (videoInfo, error) {
	out, err := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate",
		"-of", "json",
		path,
	).Output()
	if err != nil {
		return videoInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (videoInfo, error) {
	var res struct {
		Streams []struct {
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
			RFrameRate   string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return videoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(res.Streams) == 0 || res.Streams[0].Width <= 0 || res.Streams[0].Height <= 0 {
		return videoInfo{}, errors.New("no video stream")
	}
	s := res.Streams[0]
	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	return videoInfo{Width: s.Width, Height: s.Height, Framerate: fps}, nil
}

// parseRate parses an ffprobe rational such as "30000/1001". Missing or
// degenerate rates return UnknownFramerate.
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return UnknownFramerate
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return UnknownFramerate
	}
	return n / d
}

// pixFmt maps a layout to ffmpeg's raw pixel format name.
func pixFmt(l Layout) string {
	switch l {
	case LayoutRGBA:
		return "rgba"
	case LayoutBGRA:
		return "bgra"
	default:
		return "rgb24"
	}
}

// videoDecoder streams raw frames out of an ffmpeg child process that
// scales them to the fitted size. Reaching the end of the stream restarts
// the process, which seeks back to the first frame.
type videoDecoder struct {
	ctx      context.Context
	ffmpeg   string
	path     string
	width    int
	height   int
	layout   Layout
	fps      float64
	animated bool

	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr bytes.Buffer
	frame  *Buffer
	closed bool
}

// openVideo probes path, starts ffmpeg and reads the first frame. For a
// still request only that frame is kept and the process exits.
func openVideo(ctx context.Context, ffmpeg, ffprobe, path string, boxW, boxH int, layout Layout, animated bool) (*videoDecoder, error) {
	info, err := probeVideo(ctx, ffprobe, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	w, h := Fit(info.Width, info.Height, boxW, boxH)

	d := &videoDecoder{
		ctx:      ctx,
		ffmpeg:   ffmpeg,
		path:     path,
		width:    w,
		height:   h,
		layout:   layout,
		fps:      info.Framerate,
		animated: animated,
	}
	if err := d.start(); err != nil {
		return nil, err
	}
	frame, err := d.readFrame()
	if err != nil {
		d.stop()
		return nil, fmt.Errorf("%w: %s: first frame: %v", ErrDecode, path, d.detail(err))
	}
	d.frame = frame
	if !animated {
		d.stop()
	}
	return d, nil
}

func (d *videoDecoder) start() error {
	args := []string{
		"-nostdin", "-loglevel", "error",
		"-i", d.path,
		"-an", "-sn",
		"-vf", fmt.Sprintf("scale=%d:%d:flags=area", d.width, d.height),
		"-f", "rawvideo", "-pix_fmt", pixFmt(d.layout),
	}
	if !d.animated {
		args = append(args, "-frames:v", "1")
	}
	args = append(args, "pipe:1")

	d.stderr.Reset()
	cmd := exec.CommandContext(d.ctx, d.ffmpeg, args...)
	cmd.Stderr = &d.stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: ffmpeg pipe: %v", ErrDecode, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start ffmpeg: %v", ErrDecode, err)
	}
	d.cmd, d.out = cmd, out
	return nil
}

func (d *videoDecoder) stop() {
	if d.cmd == nil {
		return
	}
	d.out.Close()
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.cmd.Wait()
	d.cmd, d.out = nil, nil
}

func (d *videoDecoder) readFrame() (*Buffer, error) {
	if d.out == nil {
		return nil, io.EOF
	}
	pix := make([]byte, d.width*d.height*d.layout.Channels())
	if _, err := io.ReadFull(d.out, pix); err != nil {
		return nil, err
	}
	return &Buffer{Pix: pix, Width: d.width, Height: d.height, Layout: d.layout, Native: true}, nil
}

// detail appends ffmpeg's diagnostics to err. Call only after stop, when
// the process no longer writes to stderr.
func (d *videoDecoder) detail(err error) error {
	if msg := strings.TrimSpace(d.stderr.String()); msg != "" {
		return fmt.Errorf("%w (%s)", err, msg)
	}
	return err
}

func (d *videoDecoder) Frame() *Buffer { return d.frame }

// Next reads the following frame, restarting from the beginning at end of
// stream. Stills return their only frame.
func (d *videoDecoder) Next() (*Buffer, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if !d.animated {
		return d.frame, nil
	}
	frame, err := d.readFrame()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		d.stop()
		if err := d.start(); err != nil {
			return nil, err
		}
		frame, err = d.readFrame()
	}
	if err != nil {
		d.stop()
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, d.path, d.detail(err))
	}
	d.frame = frame
	return frame, nil
}

func (d *videoDecoder) Framerate() float64 {
	if !d.animated {
		return UnknownFramerate
	}
	return d.fps
}

func (d *videoDecoder) Animated() bool { return d.animated }

func (d *videoDecoder) Close() error {
	d.closed = true
	d.stop()
	return nil
}
