package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"

	"watchpost/internal/pipeline"
)

// decodeFrame turns a JPEG payload into a frame with a luma plane at the
// configured analysis size. The original JPEG is kept for relay.
func decodeFrame(cfg pipeline.DeviceConfig, seq *pipeline.Sequencer, data []byte, ts time.Time) (*pipeline.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", pipeline.ErrMalformedFrame, cfg.ID, err)
	}

	gray := toLuma(img, cfg.Width, cfg.Height)
	b := gray.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: %s: empty image", pipeline.ErrMalformedFrame, cfg.ID)
	}

	return &pipeline.Frame{
		Source:    cfg.ID,
		Seq:       seq.Next(),
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Pix:       gray.Pix,
		Encoded:   data,
		Format:    pipeline.FormatJPEG,
	}, nil
}

// toLuma converts img to an 8-bit gray plane of width x height, scaling when
// the sizes differ. Zero width or height keeps the source size.
func toLuma(img image.Image, width, height int) *image.Gray {
	b := img.Bounds()
	if width <= 0 || height <= 0 {
		width, height = b.Dx(), b.Dy()
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))

	if b.Dx() != width || b.Dy() != height {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		return dst
	}

	// JPEG decodes to YCbCr; its Y plane already is the luma
	if ycc, ok := img.(*image.YCbCr); ok {
		for y := 0; y < height; y++ {
			off := ycc.YOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+width], ycc.Y[off:off+width])
		}
		return dst
	}

	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// encodeLuma encodes a luma plane as JPEG
func encodeLuma(pix []byte, width, height, quality int) ([]byte, error) {
	img := &image.Gray{Pix: pix, Stride: width, Rect: image.Rect(0, 0, width, height)}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
