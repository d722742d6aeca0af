package transform

import (
	"bytes"
	"context"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/task"
)

// ImageOptimizer re-encodes PNG, GIF and (when a quality is set) JPEG
// images and keeps the result only when it is smaller than the input.
// Other files pass through.
type ImageOptimizer struct {
	// Level follows the imagemin scale 0-7; 3 and above use the best PNG
	// compression.
	Level int
	// JPEGQuality re-encodes JPEGs at this quality. Zero leaves them alone.
	JPEGQuality int
}

// Process implements task.Stage.
func (o *ImageOptimizer) Process(ctx context.Context, file *task.File) error {
	var (
		out []byte
		err error
	)

	switch strings.ToLower(file.Ext()) {
	case ".png":
		out, err = o.optimizePNG(file.Contents)
	case ".gif":
		out, err = optimizeGIF(file.Contents)
	case ".jpg", ".jpeg":
		if o.JPEGQuality <= 0 {
			return nil
		}
		out, err = o.optimizeJPEG(file.Contents)
	default:
		return nil
	}

	if err != nil {
		return errors.NewTransformError(errors.ErrCodeCompileFailed, "failed to decode image", err).
			WithLocation(file.Source, 0, 0)
	}

	if len(out) < len(file.Contents) {
		file.Contents = out
	}
	return nil
}

func (o *ImageOptimizer) optimizePNG(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	level := png.DefaultCompression
	if o.Level >= 3 {
		level = png.BestCompression
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o *ImageOptimizer) optimizeJPEG(data []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: o.JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func optimizeGIF(data []byte) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeImage decodes any registered image format.
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
