package stream

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// imageTag is the first field of an encoded image record
const imageTag = "capture"

// GrayChannels marks a two dimensional array with no channel axis
const GrayChannels = -1

// MaxImageBytes bounds the raw pixel buffer of one frame
const MaxImageBytes = 64 << 20

// minDecoderMemory keeps tiny frames decodable whatever their window size
const minDecoderMemory = 64 << 10

// Image is a raw pixel array with its shape. Pix is row-major, with
// Channels interleaved samples per pixel (one for GrayChannels).
type Image struct {
	Height   int
	Width    int
	Channels int
	Pix      []byte
	Name     string
	PNG      []byte // set on received frames
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
)

func sharedEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil)
	})
	return encoder, encoderErr
}

// DefaultImageName returns output-<yyyymmddhhmmss>.png for t
func DefaultImageName(t time.Time) string {
	return "output-" + t.Format("20060102150405") + ".png"
}

func (img *Image) samples() int {
	if img.Channels == GrayChannels {
		return 1
	}
	return img.Channels
}

// pixelBytes returns the buffer size the shape needs, rejecting shapes
// larger than MaxImageBytes before anything is multiplied out of range.
func (img *Image) pixelBytes() (int, error) {
	if img.Height <= 0 || img.Width <= 0 {
		return 0, fmt.Errorf("invalid image size %dx%d", img.Width, img.Height)
	}
	switch img.Channels {
	case GrayChannels, 1, 3, 4:
	default:
		return 0, fmt.Errorf("unsupported channel count %d", img.Channels)
	}
	if img.Height > MaxImageBytes/img.Width/img.samples() {
		return 0, fmt.Errorf("image %dx%dx%d exceeds %d bytes", img.Height, img.Width, img.samples(), MaxImageBytes)
	}
	return img.Height * img.Width * img.samples(), nil
}

// Validate checks that the shape matches the pixel buffer
func (img *Image) Validate() error {
	want, err := img.pixelBytes()
	if err != nil {
		return err
	}
	if len(img.Pix) != want {
		return fmt.Errorf("pixel buffer has %d bytes, shape needs %d", len(img.Pix), want)
	}
	if strings.Contains(img.Name, "\n") {
		return fmt.Errorf("image name must be a single line")
	}
	return nil
}

// FromImage copies src into a raw pixel array. Gray images keep a single
// channel without a channel axis; everything else becomes 4-channel RGBA.
func FromImage(src image.Image, name string) *Image {
	b := src.Bounds()
	if gray, ok := src.(*image.Gray); ok {
		out := &Image{Height: b.Dy(), Width: b.Dx(), Channels: GrayChannels, Name: name}
		out.Pix = make([]byte, 0, b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			start := gray.PixOffset(b.Min.X, y)
			out.Pix = append(out.Pix, gray.Pix[start:start+b.Dx()]...)
		}
		return out
	}

	if nrgba, ok := src.(*image.NRGBA); ok {
		out := &Image{Height: b.Dy(), Width: b.Dx(), Channels: 4, Name: name}
		out.Pix = make([]byte, 0, 4*b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			start := nrgba.PixOffset(b.Min.X, y)
			out.Pix = append(out.Pix, nrgba.Pix[start:start+4*b.Dx()]...)
		}
		return out
	}

	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	return &Image{Height: b.Dy(), Width: b.Dx(), Channels: 4, Pix: rgba.Pix, Name: name}
}

// ToImage rehydrates the pixel array using its shape
func (img *Image) ToImage() (image.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, img.Width, img.Height)

	switch img.Channels {
	case GrayChannels, 1:
		out := image.NewGray(rect)
		copy(out.Pix, img.Pix)
		return out, nil
	case 3:
		out := image.NewNRGBA(rect)
		for i := 0; i < img.Width*img.Height; i++ {
			src := img.Pix[i*3 : i*3+3]
			out.Pix[i*4] = src[0]
			out.Pix[i*4+1] = src[1]
			out.Pix[i*4+2] = src[2]
			out.Pix[i*4+3] = 0xff
		}
		return out, nil
	default:
		out := image.NewNRGBA(rect)
		copy(out.Pix, img.Pix)
		return out, nil
	}
}

// EncodePNG renders the pixel array as PNG
func (img *Image) EncodePNG() ([]byte, error) {
	decoded, err := img.ToImage()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, decoded); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeImage renders the image record:
// capture,<b64 zstd pixels>,<h>,<w>,<channels>,<name>
func encodeImage(img *Image) (string, error) {
	if err := img.Validate(); err != nil {
		return "", err
	}
	enc, err := sharedEncoder()
	if err != nil {
		return "", fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	compressed := enc.EncodeAll(img.Pix, nil)
	fields := []string{
		imageTag,
		base64.StdEncoding.EncodeToString(compressed),
		strconv.Itoa(img.Height),
		strconv.Itoa(img.Width),
		strconv.Itoa(img.Channels),
		img.Name,
	}
	return strings.Join(fields, ","), nil
}

// decodeImage parses a record produced by encodeImage. The name is the
// last field and may itself contain commas.
func decodeImage(record string) (*Image, error) {
	fields := strings.SplitN(record, ",", 6)
	if len(fields) != 6 || fields[0] != imageTag {
		return nil, fmt.Errorf("malformed image record")
	}

	compressed, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode pixels: %w", err)
	}

	shape := make([]int, 3)
	for i, raw := range fields[2:5] {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid image shape %q: %w", raw, err)
		}
		shape[i] = n
	}

	img := &Image{
		Height:   shape[0],
		Width:    shape[1],
		Channels: shape[2],
		Name:     fields[5],
	}
	want, err := img.pixelBytes()
	if err != nil {
		return nil, err
	}
	if img.Pix, err = decompressPixels(compressed, want); err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// decompressPixels inflates exactly want bytes. The decoder memory is
// bounded by the declared shape, and trailing output is an error.
func decompressPixels(compressed []byte, want int) ([]byte, error) {
	limit := uint64(want)
	if limit < minDecoderMemory {
		limit = minDecoderMemory
	}
	dec, err := zstd.NewReader(bytes.NewReader(compressed),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	pix := make([]byte, want)
	if _, err := io.ReadFull(dec, pix); err != nil {
		return nil, fmt.Errorf("failed to decompress pixels: %w", err)
	}
	var extra [1]byte
	if n, _ := dec.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("pixel data is larger than the %d bytes its shape needs", want)
	}
	return pix, nil
}
