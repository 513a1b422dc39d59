package screenshot

import (
	"bytes"
	"fmt"
	"image"

	// Extra decoders beyond the gif/jpeg/png/bmp/tiff set imaging registers.
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
)

// Format is how an entry's bytes are held in memory.
type Format string

const (
	// FormatJPEG is a decoded, downsized and re-encoded screenshot.
	FormatJPEG Format = "jpeg"
	// FormatRaw is a payload no decoder accepted, kept zstd-compressed.
	FormatRaw Format = "raw+zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("screenshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("screenshot: zstd decoder initialization failed: " + err.Error())
	}
}

type encoded struct {
	data   []byte
	format Format
	width  int
	height int
}

// encode turns raw capture bytes into the form the cache holds. Decodable
// images are fitted within maxDim and written as JPEG at quality.
func encode(raw []byte, maxDim, quality int) (encoded, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return encoded{data: zstdEncoder.EncodeAll(raw, nil), format: FormatRaw}, nil
	}
	img = fit(img, maxDim)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return encoded{}, fmt.Errorf("encode jpeg: %w", err)
	}
	b := img.Bounds()
	return encoded{data: buf.Bytes(), format: FormatJPEG, width: b.Dx(), height: b.Dy()}, nil
}

func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	if maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim) {
		return img
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
}

// decodeRaw reverses the zstd wrapping of a FormatRaw payload.
func decodeRaw(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
