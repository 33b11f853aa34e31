// Package codec converts browser canvas captures into raw frames for the
// encoder pipe. Inbound frames are JPEG stills (usually wrapped in a data
// URI by canvas.toDataURL); the encoder expects every frame at one fixed
// geometry in packed RGBA, so the codec validates, decodes, and resamples.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // register the only accepted inbound format
	"strings"

	"golang.org/x/image/draw"
)

// DecodeError reports a frame that could not be turned into a raw frame.
// A single decode failure is not fatal to a session: the frame is dropped
// and the failure counted.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const dataURIPrefix = "data:image/jpeg;base64,"

// BytesPerPixel is the packed-RGBA stride the encoder is started with.
const BytesPerPixel = 4

// Decoder decodes frame payloads to one fixed geometry. Each session owns
// one Decoder; the scratch image is reused across frames, so a Decoder
// must not be shared between goroutines.
type Decoder struct {
	width   int
	height  int
	scratch *image.RGBA
}

// NewDecoder creates a Decoder producing width x height RGBA frames.
func NewDecoder(width, height int) *Decoder {
	return &Decoder{
		width:   width,
		height:  height,
		scratch: image.NewRGBA(image.Rect(0, 0, width, height)),
	}
}

// FrameSize returns the byte length of every raw frame this Decoder emits.
func (d *Decoder) FrameSize() int { return d.width * d.height * BytesPerPixel }

// Decode turns a frame payload into a packed RGBA buffer of exactly
// FrameSize bytes. Payloads may be a data URI or bare base64. Anything
// that is not a JPEG is rejected. The source is resampled onto the fixed
// geometry preserving aspect ratio; uncovered borders are black.
//
// The returned slice aliases the Decoder's scratch buffer and is only
// valid until the next Decode call.
func (d *Decoder) Decode(payload string) ([]byte, error) {
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Reason: "decode image", Err: err}
	}
	if format != "jpeg" {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported image format %q", format)}
	}

	d.resample(img)
	return d.scratch.Pix, nil
}

func decodeBase64(payload string) ([]byte, error) {
	s := payload
	if strings.HasPrefix(s, "data:") {
		// Only the agreed JPEG data-URI shape is accepted; any other
		// MIME or encoding marker is a protocol violation.
		if !strings.HasPrefix(s, dataURIPrefix) {
			return nil, &DecodeError{Reason: "payload is not a JPEG data URI"}
		}
		s = s[len(dataURIPrefix):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "decode base64", Err: err}
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	return raw, nil
}

// resample scales src onto the scratch frame, letterboxing to preserve
// aspect ratio. Approximate bilinear keeps per-frame cost low enough for
// realtime use.
func (d *Decoder) resample(src image.Image) {
	dst := d.scratch
	sb := src.Bounds()

	if sb.Dx() == d.width && sb.Dy() == d.height {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
		return
	}

	// Clear first so letterbox borders from a previous larger image
	// don't bleed through.
	clear(dst.Pix)
	for i := 3; i < len(dst.Pix); i += BytesPerPixel {
		dst.Pix[i] = 0xff
	}

	target := fitRect(sb.Dx(), sb.Dy(), d.width, d.height)
	draw.ApproxBiLinear.Scale(dst, target, src, sb, draw.Src, nil)
}

// fitRect returns the largest centered rectangle with srcW:srcH aspect
// ratio that fits inside dstW x dstH.
func fitRect(srcW, srcH, dstW, dstH int) image.Rectangle {
	w, h := dstW, srcH*dstW/srcW
	if h > dstH {
		w, h = srcW*dstH/srcH, dstH
	}
	x := (dstW - w) / 2
	y := (dstH - h) / 2
	return image.Rect(x, y, x+w, y+h)
}
