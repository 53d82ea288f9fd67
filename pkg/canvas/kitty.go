package canvas

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/klauspost/compress/zlib"

	"gitlab.com/tinyland/lab/pixelpane/pkg/image"
)

// Kitty graphics APC boundaries.
const (
	kittyESC = "\x1b_G"
	kittyST  = "\x1b\\"
)

// kittyChunkSize is the maximum number of base64 bytes per APC chunk.
const kittyChunkSize = 4096

// kittyState is the image id a placement was transmitted under.
type kittyState struct {
	id uint32
}

// kittyEncoder transmits RGB pixels with the kitty graphics protocol. Every
// placement owns one image id; redrawing retransmits under the same id,
// which replaces the old image in place.
type kittyEncoder struct {
	next uint32
}

func (*kittyEncoder) name() string { return "kitty" }

func (*kittyEncoder) layout() image.Layout { return image.LayoutRGB }

func (k *kittyEncoder) encode(out *bytes.Buffer, p *Placement) error {
	st, ok := p.state.(kittyState)
	if !ok {
		k.next++
		if k.next == 0 {
			k.next = 1
		}
		st = kittyState{id: k.next}
		p.state = st
	}
	return kittyTransmit(out, p.Buffer, st.id)
}

// erase deletes the image and frees its data. q=2 keeps the terminal from
// answering on the input stream.
func (*kittyEncoder) erase(out *bytes.Buffer, p *Placement) bool {
	st, ok := p.state.(kittyState)
	if !ok {
		return true
	}
	fmt.Fprintf(out, "%sa=d,d=I,i=%d,q=2%s", kittyESC, st.id, kittyST)
	return true
}

// kittyTransmit writes a transmit-and-display command for buf. The pixel
// data is zlib compressed, base64 encoded and split into chunks; the first
// chunk carries every key and the rest only m.
func kittyTransmit(out *bytes.Buffer, buf *image.Buffer, id uint32) error {
	format := 24
	if buf.Layout != image.LayoutRGB {
		format = 32
		buf = asRGBA(buf)
	}

	payload, err := zlibCompress(buf.Pix)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	for i := 0; i == 0 || i < len(encoded); i += kittyChunkSize {
		end := min(i+kittyChunkSize, len(encoded))
		more := 0
		if end < len(encoded) {
			more = 1
		}
		if i == 0 {
			fmt.Fprintf(out, "%sa=T,f=%d,s=%d,v=%d,i=%d,p=1,q=2,C=1,o=z,m=%d;%s%s",
				kittyESC, format, buf.Width, buf.Height, id, more, encoded[i:end], kittyST)
		} else {
			fmt.Fprintf(out, "%sm=%d;%s%s", kittyESC, more, encoded[i:end], kittyST)
		}
	}
	return nil
}

// asRGBA returns buf with RGBA byte order.
func asRGBA(buf *image.Buffer) *image.Buffer {
	if buf.Layout == image.LayoutRGBA {
		return buf
	}
	return image.Convert(buf.Image(), image.LayoutRGBA)
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}
